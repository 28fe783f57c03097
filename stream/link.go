package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vrlink/boundary"
	"github.com/opd-ai/vrlink/config"
	"github.com/opd-ai/vrlink/idr"
	"github.com/opd-ai/vrlink/limits"
	"github.com/opd-ai/vrlink/metrics"
	"github.com/opd-ai/vrlink/packet"
	"github.com/opd-ai/vrlink/secure"
	"github.com/opd-ai/vrlink/transport"
)

var (
	// ErrNotPaired indicates data was sent before pairing completed
	ErrNotPaired = errors.New("stream: pairing not complete")
	// ErrWrongRole indicates an operation reserved for the other role
	ErrWrongRole = errors.New("stream: operation not valid for this role")
	// ErrClosed indicates the link was closed
	ErrClosed = errors.New("stream: link closed")
)

const (
	defaultEventBuffer = 256
	boundaryTick       = 100 * time.Millisecond
	timeSyncInterval   = time.Second
)

// Option configures a Link.
type Option func(*Link)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(l *Link) {
		l.log = log
	}
}

// WithMetrics sets the collectors shared by the link's components.
func WithMetrics(m *metrics.Collectors) Option {
	return func(l *Link) {
		l.metrics = m
	}
}

// WithConfigHolder makes the keyframe interval follow live configuration.
// It is re-read on every stream start.
func WithConfigHolder(h *config.Holder) Option {
	return func(l *Link) {
		l.holder = h
	}
}

// WithTimeProvider injects the clock used by the keyframe scheduler and
// boundary resends.
func WithTimeProvider(tp idr.TimeProvider) Option {
	return func(l *Link) {
		l.clock = tp
	}
}

// WithEventBuffer sets the capacity of the event queue.
func WithEventBuffer(n int) Option {
	return func(l *Link) {
		if n > 0 {
			l.eventBuffer = n
		}
	}
}

// Link owns one end of a stream session. It composes the datagram socket,
// the keyframe scheduler, the boundary synchronizer and, when a passphrase
// is configured, the pairing and sealed data channel. Received traffic is
// delivered on the Events channel.
type Link struct {
	cfg      config.Config
	role     config.Role
	log      *logrus.Entry
	metrics  *metrics.Collectors
	holder   *config.Holder
	clock    idr.TimeProvider
	provider boundary.Provider

	socket     *transport.Socket
	scheduler  *idr.Scheduler
	boundaries *boundary.Synchronizer
	pairing    *secure.Pairing

	eventBuffer int
	events      chan Event

	mu            sync.Mutex
	channel       *secure.Channel
	sender        *boundary.Sender
	lastTimestamp uint64
	streaming     bool
	timing        timeSync

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewLink binds the socket for cfg.Role and starts the link. provider
// receives completed boundaries on the host and may be nil on the headset.
func NewLink(cfg config.Config, provider boundary.Provider, opts ...Option) (*Link, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Link{
		cfg:         cfg,
		role:        cfg.Role,
		provider:    provider,
		eventBuffer: defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logrus.NewEntry(logrus.StandardLogger())
	}
	l.log = l.log.WithFields(logrus.Fields{"component": "stream", "role": string(l.role)})
	if l.clock == nil {
		l.clock = idr.RealTimeProvider{}
	}
	l.events = make(chan Event, l.eventBuffer)

	if cfg.Passphrase != "" {
		pairingRole := secure.Responder
		if l.role == config.RoleHeadset {
			pairingRole = secure.Initiator
		}
		p, err := secure.NewPairing(pairingRole, cfg.Passphrase)
		if err != nil {
			return nil, err
		}
		l.pairing = p
	}

	l.scheduler = idr.NewScheduler(
		idr.MinInterval(cfg.KeyframeInterval, cfg.AggressiveKeyframeResend),
		idr.WithTimeProvider(l.clock),
		idr.WithIntervalSource(l.keyframeInterval),
		idr.WithLogger(l.log),
		idr.WithMetrics(l.metrics),
	)
	l.boundaries = boundary.NewSynchronizer(boundary.WithMetrics(l.metrics))

	sock, err := transport.NewSocket(l.socketOptions())
	if err != nil {
		return nil, err
	}
	l.socket = sock
	sock.OnConnect(l.handleConnect)
	sock.OnBroadcastRequest(l.handleBroadcastRequest)
	sock.OnPacket(l.handlePacket)

	l.ctx, l.cancel = context.WithCancel(context.Background())
	sock.Start()
	switch l.role {
	case config.RoleHost:
		l.wg.Add(1)
		go l.discoveryLoop()
	case config.RoleHeadset:
		l.wg.Add(1)
		go l.headsetLoop()
	}

	l.log.WithFields(logrus.Fields{
		"function":   "NewLink",
		"local_addr": sock.LocalAddr().String(),
		"paired":     l.pairing != nil,
	}).Info("Link started")
	return l, nil
}

// socketOptions binds the host on the data port and the headset on the
// discovery port; each broadcasts to the other's port.
func (l *Link) socketOptions() transport.Options {
	opts := transport.Options{
		ListenHost:     l.cfg.ListenHost,
		Subnets:        l.cfg.Subnets,
		RecvBufferSize: l.cfg.RecvBufferSize,
		DSCP:           l.cfg.DSCP,
		ReuseAddr:      l.cfg.ReuseAddress,
		Logger:         l.log,
		Metrics:        l.metrics,
	}
	if l.role == config.RoleHeadset {
		opts.DataPort = l.cfg.DiscoveryPort
		opts.DiscoveryPort = l.cfg.DataPort
	} else {
		opts.DataPort = l.cfg.DataPort
		opts.DiscoveryPort = l.cfg.DiscoveryPort
	}
	return opts
}

func (l *Link) keyframeInterval() time.Duration {
	cfg := l.cfg
	if l.holder != nil {
		cfg = l.holder.Load()
	}
	return idr.MinInterval(cfg.KeyframeInterval, cfg.AggressiveKeyframeResend)
}

// Events returns the event queue. It is closed by Close.
func (l *Link) Events() <-chan Event {
	return l.events
}

// Role returns the configured role.
func (l *Link) Role() config.Role {
	return l.role
}

// Connected reports whether a session is active.
func (l *Link) Connected() bool {
	return l.socket.Connected()
}

// Paired reports whether the sealed channel is ready. It is always false
// when no passphrase is configured.
func (l *Link) Paired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channel != nil
}

// LocalAddr returns the bound socket address.
func (l *Link) LocalAddr() *net.UDPAddr {
	return l.socket.LocalAddr()
}

// Scheduler exposes the keyframe scheduler, for an idr.Driver.
func (l *Link) Scheduler() *idr.Scheduler {
	return l.scheduler
}

// PollIDR reports whether the encoder must insert a keyframe now.
func (l *Link) PollIDR() bool {
	return l.scheduler.PollAndConsume()
}

// SendData sends an opaque payload to the peer, sealed when paired.
func (l *Link) SendData(payload []byte) error {
	if l.ctx.Err() != nil {
		return ErrClosed
	}
	if err := limits.ValidateDataPayload(payload); err != nil {
		return err
	}
	if l.pairing != nil {
		l.mu.Lock()
		ch := l.channel
		l.mu.Unlock()
		if ch == nil {
			return ErrNotPaired
		}
		sealed, err := ch.Seal(payload)
		if err != nil {
			return fmt.Errorf("seal data: %w", err)
		}
		if err := limits.ValidateDataPayload(sealed); err != nil {
			return fmt.Errorf("sealed %w", err)
		}
		payload = sealed
	}
	return l.socket.SendMessage(&packet.Data{Payload: payload})
}

// ReportLoss tells the host that packets from..to of a stream were lost.
// Video loss triggers keyframe recovery there. The count is also carried
// by the next time sync request.
func (l *Link) ReportLoss(kind packet.LostFrameKind, from, to uint32) error {
	if l.role != config.RoleHeadset {
		return ErrWrongRole
	}
	if to >= from {
		l.mu.Lock()
		l.timing.countLost(uint64(to-from) + 1)
		l.mu.Unlock()
	}
	return l.socket.SendMessage(&packet.LossReport{Kind: kind, From: from, To: to})
}

// ReportFECFailure tells the host that a video frame could not be
// reconstructed. It is sent at once in a time sync request and makes the
// host schedule a keyframe.
func (l *Link) ReportFECFailure() error {
	if l.role != config.RoleHeadset {
		return ErrWrongRole
	}
	if l.ctx.Err() != nil {
		return ErrClosed
	}
	return l.requestTimeSync(true)
}

// RequestStream asks the host to start or stop streaming.
func (l *Link) RequestStream(mode packet.StreamMode) error {
	if l.role != config.RoleHeadset {
		return ErrWrongRole
	}
	return l.socket.SendMessage(&packet.StreamControl{Mode: mode})
}

// SendBoundary starts synchronizing a new boundary to the host, replacing
// any update still in flight. It is resent until acknowledged.
func (l *Link) SendBoundary(points []packet.Point, area packet.PlayArea) error {
	if l.role != config.RoleHeadset {
		return ErrWrongRole
	}
	if l.ctx.Err() != nil {
		return ErrClosed
	}

	l.mu.Lock()
	ts := uint64(l.clock.Now().UnixMicro())
	if ts <= l.lastTimestamp {
		ts = l.lastTimestamp + 1
	}
	sender, err := boundary.NewSender(ts, points, area)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.lastTimestamp = ts
	l.sender = sender
	l.mu.Unlock()

	l.log.WithFields(logrus.Fields{
		"function":  "SendBoundary",
		"timestamp": ts,
		"points":    len(points),
	}).Debug("Boundary update queued")

	l.flushBoundary()
	return nil
}

// BoundaryPending reports whether a boundary update awaits acknowledgement.
func (l *Link) BoundaryPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sender != nil
}

// Streaming reports whether the headset asked the host to stream and has
// not since asked it to stop. It is cleared when a new session starts.
func (l *Link) Streaming() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streaming
}

// RoundTrip returns the last measured round trip time and the offset of
// the host clock relative to the headset clock. ok is false until a time
// sync round trip completes on the current session.
func (l *Link) RoundTrip() (rtt, offset time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timing.rtt, l.timing.offset, l.timing.measured
}

// Status is a snapshot for diagnostics.
type Status struct {
	Role      config.Role        `json:"role"`
	LocalAddr string             `json:"local_addr"`
	Connected bool               `json:"connected"`
	Paired    bool               `json:"paired"`
	Streaming bool               `json:"streaming"`
	Session   *transport.Session `json:"session,omitempty"`
	IDRState  string             `json:"idr_state"`

	RoundTripMicros   int64  `json:"round_trip_us,omitempty"`
	ClockOffsetMicros int64  `json:"clock_offset_us,omitempty"`
	PeerPacketsLost   uint64 `json:"peer_packets_lost,omitempty"`
}

// Status returns a snapshot of the link.
func (l *Link) Status() Status {
	st := Status{
		Role:      l.role,
		LocalAddr: l.socket.LocalAddr().String(),
		Paired:    l.Paired(),
		IDRState:  l.scheduler.State().String(),
	}
	if sess, ok := l.socket.Session(); ok {
		st.Connected = true
		st.Session = &sess
	}

	l.mu.Lock()
	st.Streaming = l.streaming
	if l.timing.measured {
		st.RoundTripMicros = l.timing.rtt.Microseconds()
		st.ClockOffsetMicros = l.timing.offset.Microseconds()
	}
	st.PeerPacketsLost = l.timing.lostTotal
	l.mu.Unlock()
	return st
}

// Close stops the link's goroutines, closes the socket and then the event
// queue. It is idempotent and must not be called from an event consumer
// that the link is blocked on.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.wg.Wait()
		l.socket.Close()
		close(l.events)
		l.log.WithField("function", "Close").Info("Link closed")
	})
	return nil
}

// discoveryLoop broadcasts discovery requests while the host has no session.
func (l *Link) discoveryLoop() {
	defer l.wg.Done()

	ticker := l.clock.NewTicker(l.cfg.DiscoveryInterval)
	defer ticker.Stop()

	l.broadcastDiscovery()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.broadcastDiscovery()
		}
	}
}

func (l *Link) broadcastDiscovery() {
	if l.socket.Connected() {
		return
	}
	if err := l.socket.BroadcastMessage(&packet.Discovery{}); err != nil {
		l.log.WithFields(logrus.Fields{
			"function": "broadcastDiscovery",
			"error":    err.Error(),
		}).Debug("Discovery broadcast failed")
	}
}

// headsetLoop broadcasts the headset hello while it has no session, so a
// host that still holds a session from before a headset restart replaces
// it. It also resends unacknowledged boundary messages and runs time sync.
func (l *Link) headsetLoop() {
	defer l.wg.Done()

	hello := l.clock.NewTicker(l.cfg.DiscoveryInterval)
	defer hello.Stop()
	resend := l.clock.NewTicker(boundaryTick)
	defer resend.Stop()
	timing := l.clock.NewTicker(timeSyncInterval)
	defer timing.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-hello.C:
			l.broadcastHello()
		case <-resend.C:
			l.flushBoundary()
		case <-timing.C:
			if l.socket.Connected() {
				l.requestTimeSync(false)
			}
		}
	}
}

func (l *Link) broadcastHello() {
	if l.socket.Connected() {
		return
	}
	l.sendHello(nil, true)
}

// flushBoundary sends whatever the boundary sender has due.
func (l *Link) flushBoundary() {
	l.mu.Lock()
	sender := l.sender
	l.mu.Unlock()

	if sender == nil || !l.socket.Connected() {
		return
	}
	for _, msg := range sender.Due(l.clock.Now()) {
		if err := l.socket.SendMessage(msg); err != nil {
			l.log.WithFields(logrus.Fields{
				"function": "flushBoundary",
				"type":     msg.Type().String(),
				"error":    err.Error(),
			}).Debug("Boundary send failed")
			return
		}
	}
}

// hello builds this side's handshake. The host passes its pairing answer.
func (l *Link) hello(pairing []byte) *packet.Handshake {
	caps := packet.Capability(0)
	if l.role == config.RoleHeadset {
		caps |= packet.CapSixDoF | packet.CapControllers
	}
	if l.pairing != nil {
		caps |= packet.CapPairing
	}
	return &packet.Handshake{ConnectionMessage: packet.ConnectionMessage{
		Version:        packet.ProtocolVersion,
		DeviceName:     l.cfg.DeviceName,
		Capabilities:   caps,
		DataPort:       uint16(l.socket.LocalAddr().Port),
		RecvBufferSize: uint32(l.cfg.RecvBufferSize),
		Pairing:        pairing,
	}}
}

func (l *Link) headsetHello() (*packet.Handshake, error) {
	var msg1 []byte
	if l.pairing != nil {
		var err error
		if msg1, err = l.pairing.Hello(); err != nil {
			return nil, err
		}
	}
	return l.hello(msg1), nil
}
