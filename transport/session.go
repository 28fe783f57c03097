package transport

import (
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/vrlink/packet"
)

// Session is the accepted peer relationship. Values returned by the socket
// are snapshots; mutating them has no effect on the socket.
type Session struct {
	// ID correlates log lines for one session.
	ID uuid.UUID
	// Source is the address the peer's handshake came from. Only datagrams
	// from this exact address and port are delivered to the packet callback.
	Source *net.UDPAddr
	// Target is where Send delivers: the peer IP on the peer's chosen data
	// port, or on the source port when the peer did not choose one.
	Target *net.UDPAddr
	// Peer is the handshake that created the session.
	Peer packet.ConnectionMessage
	// Established is when the handshake was accepted.
	Established time.Time
}

func newSession(src *net.UDPAddr, msg packet.ConnectionMessage, now time.Time) *Session {
	target := &net.UDPAddr{IP: cloneIP(src.IP), Port: src.Port, Zone: src.Zone}
	if msg.DataPort != 0 {
		target.Port = int(msg.DataPort)
	}
	return &Session{
		ID:          uuid.New(),
		Source:      &net.UDPAddr{IP: cloneIP(src.IP), Port: src.Port, Zone: src.Zone},
		Target:      target,
		Peer:        msg,
		Established: now,
	}
}

// matches reports whether addr is the session peer (address and port).
func (s *Session) matches(addr *net.UDPAddr) bool {
	return addr != nil && s.Source.Port == addr.Port && s.Source.IP.Equal(addr.IP)
}

func (s *Session) clone() Session {
	c := *s
	c.Source = &net.UDPAddr{IP: cloneIP(s.Source.IP), Port: s.Source.Port, Zone: s.Source.Zone}
	c.Target = &net.UDPAddr{IP: cloneIP(s.Target.IP), Port: s.Target.Port, Zone: s.Target.Zone}
	if s.Peer.Pairing != nil {
		c.Peer.Pairing = append([]byte(nil), s.Peer.Pairing...)
	}
	return c
}

func cloneIP(ip net.IP) net.IP {
	return append(net.IP(nil), ip...)
}
