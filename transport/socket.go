package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/opd-ai/vrlink/limits"
	"github.com/opd-ai/vrlink/metrics"
	"github.com/opd-ai/vrlink/packet"
)

const defaultReadTimeout = 100 * time.Millisecond

// Options configures a Socket.
type Options struct {
	// DiscoveryPort is the port broadcasts are sent to.
	DiscoveryPort uint16
	// DataPort is the local port the socket binds. 0 picks an ephemeral port.
	DataPort uint16
	// ListenHost restricts the bind address. Empty binds all IPv4 interfaces.
	ListenHost string
	// Subnets are turned into discovery targets once, at construction.
	Subnets []string
	// RecvBufferSize sets SO_RCVBUF in bytes when non-zero.
	RecvBufferSize int
	// DSCP marks outgoing datagrams (0-63). 0 leaves the default.
	DSCP uint8
	// ReuseAddr sets SO_REUSEADDR before binding.
	ReuseAddr bool
	// ReadTimeout bounds each blocking read so the loop can observe shutdown.
	ReadTimeout time.Duration
	// Logger defaults to the logrus standard logger.
	Logger *logrus.Entry
	// Metrics may be nil.
	Metrics *metrics.Collectors
}

// ConnectFunc is called when a version-matching handshake creates or replaces the session.
type ConnectFunc func(session Session, msg packet.ConnectionMessage)

// BroadcastRequestFunc is called for a discovery request received while unconnected.
type BroadcastRequestFunc func(from *net.UDPAddr)

// PacketFunc is called for every other well-formed datagram from the session
// peer. raw is a copy of the datagram and may be retained.
type PacketFunc func(msg packet.Message, raw []byte)

// Socket owns one UDP endpoint. It discovers peers by broadcast, accepts a
// single session from a version-matching handshake and delivers the session
// peer's datagrams to the registered callbacks.
//
// Callbacks run synchronously on the receive goroutine and delay subsequent
// packets while they run. Send and SendBroadcast are safe to call from any
// goroutine.
type Socket struct {
	conn    *net.UDPConn
	targets []*net.UDPAddr
	opts    Options
	log     *logrus.Entry
	metrics *metrics.Collectors

	mu                 sync.RWMutex
	session            *Session
	onConnect          ConnectFunc
	onBroadcastRequest BroadcastRequestFunc
	onPacket           PacketFunc

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSocket binds the datagram endpoint and precomputes the discovery targets.
// A port already in use fails with an error wrapping ErrBind. The receive
// loop is not running until Start is called, so callbacks can be registered first.
func NewSocket(opts Options) (*Socket, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "transport")

	targets, err := DiscoveryTargets(opts.Subnets, opts.DiscoveryPort)
	if err != nil {
		return nil, err
	}

	conn, err := listen(opts)
	if err != nil {
		log.WithFields(logrus.Fields{
			"function":  "NewSocket",
			"data_port": opts.DataPort,
			"error":     err.Error(),
		}).Error("Failed to bind datagram endpoint")
		return nil, err
	}

	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		conn:    conn,
		targets: targets,
		opts:    opts,
		log:     log,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.tune()

	log.WithFields(logrus.Fields{
		"function":   "NewSocket",
		"local_addr": conn.LocalAddr().String(),
		"targets":    len(targets),
	}).Info("Datagram endpoint bound")

	return s, nil
}

func listen(opts Options) (*net.UDPConn, error) {
	lc := net.ListenConfig{}
	if opts.ReuseAddr {
		lc.Control = reuseAddrControl
	}

	addr := net.JoinHostPort(opts.ListenHost, strconv.Itoa(int(opts.DataPort)))
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBind, addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("%w: %s: unexpected connection type %T", ErrBind, addr, pc)
	}
	return conn, nil
}

// tune applies best-effort socket options. Failures are logged, not fatal.
func (s *Socket) tune() {
	if s.opts.RecvBufferSize > 0 {
		if err := s.conn.SetReadBuffer(s.opts.RecvBufferSize); err != nil {
			s.log.WithError(err).WithField("bytes", s.opts.RecvBufferSize).Warn("Failed to set receive buffer")
		}
	}
	if s.opts.DSCP > 0 {
		if err := ipv4.NewPacketConn(s.conn).SetTOS(int(s.opts.DSCP&0x3F) << 2); err != nil {
			s.log.WithError(err).WithField("dscp", s.opts.DSCP).Warn("Failed to set DSCP")
		}
	}
}

// OnConnect registers the callback for accepted handshakes.
func (s *Socket) OnConnect(fn ConnectFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = fn
}

// OnBroadcastRequest registers the callback for discovery requests.
func (s *Socket) OnBroadcastRequest(fn BroadcastRequestFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBroadcastRequest = fn
}

// OnPacket registers the callback for session peer datagrams.
func (s *Socket) OnPacket(fn PacketFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPacket = fn
}

// Start launches the receive loop. Calling it more than once has no effect.
func (s *Socket) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.receiveLoop()
	})
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Targets returns a copy of the discovery targets.
func (s *Socket) Targets() []*net.UDPAddr {
	out := make([]*net.UDPAddr, len(s.targets))
	for i, t := range s.targets {
		out[i] = &net.UDPAddr{IP: cloneIP(t.IP), Port: t.Port}
	}
	return out
}

// Session returns a snapshot of the active session.
func (s *Socket) Session() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return Session{}, false
	}
	return s.session.clone(), true
}

// Connected reports whether a session is active.
func (s *Socket) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session != nil
}

// Send writes data to the session peer. Without a session it fails with
// ErrNotConnected and performs no I/O.
func (s *Socket) Send(data []byte) error {
	s.mu.RLock()
	sess := s.session
	s.mu.RUnlock()

	if sess == nil {
		return ErrNotConnected
	}
	if err := limits.ValidatePacket(data); err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return ErrClosed
	}

	n, err := s.conn.WriteToUDP(data, sess.Target)
	if err != nil {
		return fmt.Errorf("send to %s: %w", sess.Target, err)
	}
	s.metrics.DatagramSent(n)
	return nil
}

// SendMessage marshals msg and sends it to the session peer.
func (s *Socket) SendMessage(msg packet.Message) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	data, err := packet.Marshal(msg)
	if err != nil {
		return err
	}
	return s.Send(data)
}

// SendBroadcast writes data to every discovery target. It is meant for use
// before a session exists. Delivery is best effort; an error is returned
// only when no target could be written.
func (s *Socket) SendBroadcast(data []byte) error {
	if err := limits.ValidatePacket(data); err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return ErrClosed
	}

	var errs []error
	for _, target := range s.targets {
		n, err := s.conn.WriteToUDP(data, target)
		if err != nil {
			errs = append(errs, fmt.Errorf("broadcast to %s: %w", target, err))
			continue
		}
		s.metrics.DatagramSent(n)
	}

	if len(errs) > 0 {
		s.log.WithFields(logrus.Fields{
			"function": "SendBroadcast",
			"failed":   len(errs),
			"targets":  len(s.targets),
		}).Debug("Some broadcast targets failed")
	}
	if len(errs) == len(s.targets) && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// BroadcastMessage marshals msg and broadcasts it.
func (s *Socket) BroadcastMessage(msg packet.Message) error {
	data, err := packet.Marshal(msg)
	if err != nil {
		return err
	}
	return s.SendBroadcast(data)
}

// Disconnect clears the session, stops the receive loop and closes the
// endpoint. It is idempotent and may be called from a callback.
func (s *Socket) Disconnect() {
	s.closeOnce.Do(func() {
		// Cancel first so a handshake racing on the receive goroutine cannot
		// reinstate a session after it is cleared.
		s.cancel()
		s.clearSession("disconnect")
		if err := s.conn.Close(); err != nil {
			s.log.WithError(err).Debug("Error closing datagram endpoint")
		}
	})
}

// DropSession ends the session but keeps the endpoint open, so the owner can
// refuse a peer that passed the version check and wait for another.
func (s *Socket) DropSession() {
	s.clearSession("dropped")
}

// Close disconnects and waits for the receive loop, letting an in-flight
// callback finish. It must not be called from a callback; use Disconnect there.
func (s *Socket) Close() error {
	s.Disconnect()
	s.wg.Wait()
	return nil
}

func (s *Socket) clearSession(reason string) {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()

	if sess == nil {
		return
	}
	s.metrics.SessionEnded()
	s.log.WithFields(logrus.Fields{
		"session": sess.ID.String(),
		"peer":    sess.Source.String(),
		"reason":  reason,
	}).Info("Session ended")
}

// receiveLoop reads datagrams until the socket is closed.
func (s *Socket) receiveLoop() {
	defer s.wg.Done()

	buffer := make([]byte, limits.ReadBufferSize)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		n, addr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if s.handleReadError(err) {
				continue
			}
			return
		}

		s.handleDatagram(buffer[:n], addr)
	}
}

// handleReadError reports whether the loop should keep reading.
func (s *Socket) handleReadError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
		return false
	}

	s.log.WithFields(logrus.Fields{
		"function": "receiveLoop",
		"error":    err.Error(),
	}).Error("Fatal socket error, ending session")
	s.clearSession("socket_error")
	return false
}

// handleDatagram decodes one datagram and dispatches it.
func (s *Socket) handleDatagram(data []byte, addr *net.UDPAddr) {
	s.metrics.DatagramReceived(len(data))

	if len(data) > limits.MaxPacketSize {
		s.metrics.Dropped(metrics.DropMalformed)
		return
	}

	msg, err := packet.Parse(data)
	if err != nil {
		s.metrics.Dropped(metrics.DropMalformed)
		s.log.WithFields(logrus.Fields{
			"function": "handleDatagram",
			"from":     addr.String(),
			"size":     len(data),
			"error":    err.Error(),
		}).Debug("Dropping malformed datagram")
		return
	}

	s.mu.RLock()
	sess := s.session
	s.mu.RUnlock()

	switch m := msg.(type) {
	case *packet.Handshake:
		s.handleHandshake(m, addr)
		return
	case *packet.Discovery:
		if sess == nil {
			s.handleBroadcastRequest(addr)
			return
		}
	}

	if sess == nil {
		s.metrics.Dropped(metrics.DropUnconnected)
		return
	}
	if !sess.matches(addr) {
		// Stray traffic is expected on a shared LAN; count it without logging.
		s.metrics.Dropped(metrics.DropPeerMismatch)
		return
	}

	s.mu.RLock()
	cb := s.onPacket
	s.mu.RUnlock()
	if cb != nil {
		raw := make([]byte, len(data))
		copy(raw, data)
		cb(msg, raw)
	}
}

func (s *Socket) handleBroadcastRequest(addr *net.UDPAddr) {
	s.mu.RLock()
	cb := s.onBroadcastRequest
	s.mu.RUnlock()

	s.log.WithFields(logrus.Fields{
		"function": "handleBroadcastRequest",
		"from":     addr.String(),
	}).Debug("Discovery request received")

	if cb != nil {
		cb(&net.UDPAddr{IP: cloneIP(addr.IP), Port: addr.Port})
	}
}

// handleHandshake validates the protocol version and creates or replaces the
// session. The most recently validated handshake wins.
func (s *Socket) handleHandshake(m *packet.Handshake, addr *net.UDPAddr) {
	if m.Version != packet.ProtocolVersion {
		s.metrics.Dropped(metrics.DropVersionMismatch)
		s.log.WithFields(logrus.Fields{
			"function":      "handleHandshake",
			"from":          addr.String(),
			"device":        m.DeviceName,
			"peer_version":  m.Version,
			"local_version": packet.ProtocolVersion,
		}).Warn("Rejecting handshake with mismatched protocol version")
		return
	}

	sess := newSession(addr, m.ConnectionMessage, time.Now())

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	previous := s.session
	s.session = sess
	cb := s.onConnect
	s.mu.Unlock()

	if m.RecvBufferSize > 0 {
		if err := s.conn.SetReadBuffer(int(m.RecvBufferSize)); err != nil {
			s.log.WithError(err).WithField("bytes", m.RecvBufferSize).Warn("Failed to apply requested receive buffer")
		}
	}

	s.metrics.SessionStarted()
	fields := logrus.Fields{
		"function": "handleHandshake",
		"session":  sess.ID.String(),
		"peer":     addr.String(),
		"target":   sess.Target.String(),
		"device":   m.DeviceName,
	}
	if previous != nil && !previous.matches(addr) {
		fields["replaced"] = previous.Source.String()
	}
	s.log.WithFields(fields).Info("Session established")

	if cb != nil {
		cb(sess.clone(), m.ConnectionMessage)
	}
}
