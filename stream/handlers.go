package stream

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vrlink/boundary"
	"github.com/opd-ai/vrlink/config"
	"github.com/opd-ai/vrlink/metrics"
	"github.com/opd-ai/vrlink/packet"
	"github.com/opd-ai/vrlink/transport"
)

// handleConnect runs on the receive goroutine for every accepted handshake.
func (l *Link) handleConnect(sess transport.Session, msg packet.ConnectionMessage) {
	if l.role == config.RoleHost {
		l.acceptHeadset(sess, msg)
		return
	}
	l.acceptHost(sess, msg)
}

// acceptHeadset answers the headset's hello with the host handshake and
// starts the stream. State tied to the previous session, including the
// boundary update in progress, is forgotten first: a restarted headset
// stamps its updates from a new clock.
func (l *Link) acceptHeadset(sess transport.Session, msg packet.ConnectionMessage) {
	log := l.log.WithFields(logrus.Fields{
		"function": "acceptHeadset",
		"session":  sess.ID.String(),
		"device":   msg.DeviceName,
	})

	var answer []byte
	if l.pairing != nil {
		if !msg.Capabilities.Has(packet.CapPairing) || len(msg.Pairing) == 0 {
			log.Warn("Headset did not offer pairing, dropping session")
			l.socket.DropSession()
			return
		}
		reply, ch, err := l.pairing.Answer(msg.Pairing)
		if err != nil {
			log.WithError(err).Warn("Pairing rejected, dropping session")
			l.socket.DropSession()
			return
		}
		l.mu.Lock()
		l.channel = ch
		l.mu.Unlock()
		answer = reply
	}

	l.boundaries.Clear()
	l.mu.Lock()
	l.streaming = false
	l.timing.restart()
	l.mu.Unlock()
	l.metrics.Streaming(false)

	if err := l.socket.SendMessage(l.hello(answer)); err != nil {
		log.WithError(err).Error("Failed to answer handshake")
		return
	}

	l.scheduler.OnStreamStart()
	log.Info("Headset connected")
	l.emit(Event{Kind: EventConnected, Session: sess})
}

// acceptHost completes pairing with the host's answer, then resends any
// boundary update in flight from its reset and starts time sync.
func (l *Link) acceptHost(sess transport.Session, msg packet.ConnectionMessage) {
	log := l.log.WithFields(logrus.Fields{
		"function": "acceptHost",
		"session":  sess.ID.String(),
		"device":   msg.DeviceName,
	})

	if l.pairing != nil {
		ch, err := l.pairing.Finish(msg.Pairing)
		if err != nil {
			log.WithError(err).Warn("Pairing with host failed, dropping session")
			l.socket.DropSession()
			return
		}
		l.mu.Lock()
		l.channel = ch
		l.mu.Unlock()
	}

	l.mu.Lock()
	if l.sender != nil {
		l.sender.Restart()
	}
	l.timing.restart()
	l.mu.Unlock()

	log.Info("Host connected")
	l.emit(Event{Kind: EventConnected, Session: sess})
	l.flushBoundary()
	l.requestTimeSync(false)
}

// handleBroadcastRequest answers a host's discovery request on the headset.
func (l *Link) handleBroadcastRequest(from *net.UDPAddr) {
	if l.role != config.RoleHeadset {
		return
	}
	l.sendHello(from, true)
}

// sendHello sends the headset handshake, either broadcast or to the
// session peer. to is only logged and may be nil.
func (l *Link) sendHello(to *net.UDPAddr, broadcast bool) {
	log := l.log.WithFields(logrus.Fields{
		"function":  "sendHello",
		"broadcast": broadcast,
	})
	if to != nil {
		log = log.WithField("to", to.String())
	}

	hello, err := l.headsetHello()
	if err != nil {
		log.WithError(err).Error("Failed to build handshake")
		return
	}
	if broadcast {
		err = l.socket.BroadcastMessage(hello)
	} else {
		err = l.socket.SendMessage(hello)
	}
	if err != nil {
		log.WithError(err).Debug("Failed to send handshake")
		return
	}
	log.Debug("Handshake sent")
}

// handlePacket routes a datagram from the session peer.
func (l *Link) handlePacket(msg packet.Message, _ []byte) {
	switch m := msg.(type) {
	case *packet.Data:
		l.handleData(m)
	case *packet.Discovery:
		l.handlePeerDiscovery()
	case *packet.LossReport:
		if l.role == config.RoleHost && m.Kind == packet.LostVideo {
			l.scheduler.OnPacketLoss()
		}
	case *packet.StreamControl:
		l.handleStreamControl(m)
	case *packet.TimeSync:
		l.handleTimeSync(m)
	case *packet.BoundaryReset:
		l.handleBoundaryReset(m)
	case *packet.BoundarySegment:
		l.handleBoundarySegment(m)
	case *packet.BoundaryResetAck:
		l.withSender(func(s *boundary.Sender) { s.AckReset(m.Timestamp) })
		l.flushBoundary()
	case *packet.BoundarySegmentAck:
		l.withSender(func(s *boundary.Sender) { s.AckSegment(m.Timestamp, m.Index) })
	}
}

func (l *Link) handleData(m *packet.Data) {
	payload := m.Payload
	if l.pairing != nil {
		l.mu.Lock()
		ch := l.channel
		l.mu.Unlock()
		if ch == nil {
			l.metrics.Dropped(metrics.DropDecrypt)
			return
		}
		plain, err := ch.Open(payload)
		if err != nil {
			l.metrics.Dropped(metrics.DropDecrypt)
			l.log.WithFields(logrus.Fields{
				"function": "handleData",
				"error":    err.Error(),
			}).Debug("Dropping unauthenticated data")
			return
		}
		payload = plain
	}
	l.emit(Event{Kind: EventData, Data: payload})
}

// handlePeerDiscovery handles a discovery request from the connected host,
// which means the host lost our session (for example after a restart).
// The headset starts a fresh pairing and says hello again.
func (l *Link) handlePeerDiscovery() {
	if l.role != config.RoleHeadset {
		return
	}
	if l.pairing != nil {
		l.pairing.Rekey()
		l.mu.Lock()
		l.channel = nil
		l.mu.Unlock()
	}
	sess, ok := l.socket.Session()
	if !ok {
		return
	}
	l.sendHello(sess.Source, false)
}

func (l *Link) handleStreamControl(m *packet.StreamControl) {
	if l.role != config.RoleHost {
		return
	}
	switch m.Mode {
	case packet.StreamStart:
		l.setStreaming(true)
		l.scheduler.OnStreamStart()
	case packet.StreamStop:
		l.setStreaming(false)
	}
	l.emit(Event{Kind: EventStreamControl, Mode: m.Mode})
}

func (l *Link) setStreaming(on bool) {
	l.mu.Lock()
	l.streaming = on
	l.mu.Unlock()
	l.metrics.Streaming(on)
	l.log.WithFields(logrus.Fields{
		"function":  "setStreaming",
		"streaming": on,
	}).Info("Stream state changed")
}

// handleBoundaryReset starts a new boundary update. A reset older than the
// current one is ignored; a repeat of the current one is only acknowledged
// again, since the sender resends it until an ack gets through.
func (l *Link) handleBoundaryReset(m *packet.BoundaryReset) {
	if l.role != config.RoleHost {
		return
	}
	if current, active := l.boundaries.Timestamp(); active && m.Timestamp <= current {
		if m.Timestamp == current {
			l.ack(&packet.BoundaryResetAck{Timestamp: m.Timestamp})
			return
		}
		l.metrics.Dropped(metrics.DropStale)
		return
	}

	if err := l.boundaries.Reset(m.Timestamp, m.TotalPoints, m.PlayArea); err != nil {
		l.log.WithError(err).WithField("function", "handleBoundaryReset").Warn("Rejecting boundary reset")
		return
	}
	l.log.WithFields(logrus.Fields{
		"function":  "handleBoundaryReset",
		"timestamp": m.Timestamp,
		"points":    m.TotalPoints,
	}).Debug("Boundary update started")

	l.ack(&packet.BoundaryResetAck{Timestamp: m.Timestamp})
	l.publishBoundary()
}

// handleBoundarySegment writes a segment of the current update. Segments of
// any other update are ignored.
func (l *Link) handleBoundarySegment(m *packet.BoundarySegment) {
	if l.role != config.RoleHost {
		return
	}
	if current, active := l.boundaries.Timestamp(); !active || m.Timestamp != current {
		l.metrics.Dropped(metrics.DropStale)
		return
	}
	if !l.boundaries.WriteSegment(m.Index, m.Points) {
		return
	}
	l.ack(&packet.BoundarySegmentAck{Timestamp: m.Timestamp, Index: m.Index})
	l.publishBoundary()
}

func (l *Link) publishBoundary() {
	u, ok := l.boundaries.MaybePublish()
	if !ok {
		return
	}

	log := l.log.WithFields(logrus.Fields{
		"function":  "publishBoundary",
		"timestamp": u.Timestamp,
		"points":    len(u.Points),
		"standing":  u.Standing,
	})
	if l.provider != nil {
		if err := l.provider.PublishBoundary(u); err != nil {
			log.WithError(err).Error("Boundary provider rejected update")
		}
	}
	log.Info("Boundary published")
	l.emit(Event{Kind: EventBoundary, Boundary: u})
}

func (l *Link) ack(msg packet.Message) {
	if err := l.socket.SendMessage(msg); err != nil {
		l.log.WithFields(logrus.Fields{
			"function": "ack",
			"type":     msg.Type().String(),
			"error":    err.Error(),
		}).Debug("Failed to send acknowledgement")
	}
}

// withSender applies an acknowledgement to the in-flight boundary update
// and releases the update once the host has all of it.
func (l *Link) withSender(fn func(*boundary.Sender)) {
	if l.role != config.RoleHeadset {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sender == nil {
		return
	}
	fn(l.sender)
	if l.sender.Done() {
		l.log.WithFields(logrus.Fields{
			"function":  "withSender",
			"timestamp": l.sender.Timestamp(),
		}).Debug("Boundary update acknowledged")
		l.sender = nil
	}
}
