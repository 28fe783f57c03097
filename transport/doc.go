// Package transport implements the vrlink datagram transport.
//
// # Architecture
//
// A Socket owns one IPv4 UDP endpoint bound to the data port. Before a
// session exists it can broadcast to a fixed list of discovery targets
// computed from configured subnets; a version-matching handshake from any
// peer then creates the single active session (the last valid handshake
// wins). From then on only datagrams from the session peer's address and
// port reach the packet callback. Source address filtering is the only
// authentication, which is appropriate on a trusted local network.
//
//	sock, err := transport.NewSocket(transport.Options{
//	    DiscoveryPort: 9943,
//	    DataPort:      9944,
//	    Subnets:       transport.DefaultSubnets,
//	})
//	if errors.Is(err, transport.ErrBind) {
//	    log.Fatal(err)
//	}
//	sock.OnBroadcastRequest(func(from *net.UDPAddr) { ... })
//	sock.OnConnect(func(s transport.Session, msg packet.ConnectionMessage) { ... })
//	sock.OnPacket(func(msg packet.Message, raw []byte) { ... })
//	sock.Start()
//	defer sock.Close()
//
// # Receive Path
//
// One goroutine per Socket performs reads bounded by Options.ReadTimeout so
// it can observe shutdown. Callbacks run on that goroutine and must not
// block. Malformed datagrams, datagrams from other sources, and handshakes
// with a different protocol version are dropped and counted in the
// datagrams_dropped_total metric; none of them is fatal.
//
// # Errors
//
//   - ErrBind: the endpoint could not be bound (fatal at startup)
//   - ErrNotConnected: Send without a session (no I/O performed)
//   - ErrClosed: the socket was disconnected
//
// No retransmission happens here. Recovery from loss is handled above the
// transport by requesting keyframes (package idr).
package transport
