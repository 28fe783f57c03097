package stream

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vrlink/config"
	"github.com/opd-ai/vrlink/packet"
)

// timeSync is the clock and loss bookkeeping of one session. Offsets are
// host clock minus headset clock on both sides.
type timeSync struct {
	sequence     uint64
	rtt          time.Duration
	offset       time.Duration
	measured     bool
	lostTotal    uint64
	lostInSecond uint64
}

func (t *timeSync) countLost(n uint64) {
	t.lostTotal += n
	t.lostInSecond += n
}

// restart forgets the estimates and counters of the previous session.
// The sequence keeps counting.
func (t *timeSync) restart() {
	*t = timeSync{sequence: t.sequence}
}

func (l *Link) nowMicros() uint64 {
	return uint64(l.clock.Now().UnixMicro())
}

// requestTimeSync sends a time sync request carrying the headset's loss
// counters. The per-interval counter restarts with every request.
func (l *Link) requestTimeSync(fecFailure bool) error {
	l.mu.Lock()
	l.timing.sequence++
	msg := &packet.TimeSync{
		Mode:                packet.TimeSyncRequest,
		Sequence:            l.timing.sequence,
		HeadsetTime:         l.nowMicros(),
		PacketsLostTotal:    l.timing.lostTotal,
		PacketsLostInSecond: l.timing.lostInSecond,
		FECFailure:          fecFailure,
	}
	l.timing.lostInSecond = 0
	l.mu.Unlock()

	if err := l.socket.SendMessage(msg); err != nil {
		l.log.WithFields(logrus.Fields{
			"function": "requestTimeSync",
			"sequence": msg.Sequence,
			"error":    err.Error(),
		}).Debug("Time sync request failed")
		return err
	}
	return nil
}

// handleTimeSync runs the three steps of a time sync round trip. The host
// answers a request with its clock, the headset measures the round trip
// from the response and confirms, and the host measures from the confirm.
func (l *Link) handleTimeSync(m *packet.TimeSync) {
	now := l.nowMicros()

	switch {
	case l.role == config.RoleHost && m.Mode == packet.TimeSyncRequest:
		l.mu.Lock()
		l.timing.lostTotal = m.PacketsLostTotal
		l.timing.lostInSecond = m.PacketsLostInSecond
		l.mu.Unlock()
		l.metrics.PeerPacketsLost(m.PacketsLostTotal)

		reply := *m
		reply.Mode = packet.TimeSyncResponse
		reply.HostTime = now
		l.ack(&reply)

		if m.FECFailure {
			l.log.WithFields(logrus.Fields{
				"function": "handleTimeSync",
				"sequence": m.Sequence,
			}).Debug("Headset reported FEC failure")
			l.scheduler.OnPacketLoss()
		}

	case l.role == config.RoleHeadset && m.Mode == packet.TimeSyncResponse:
		if now < m.HeadsetTime {
			return
		}
		rtt := now - m.HeadsetTime
		l.recordTiming(rtt, int64(m.HostTime+rtt/2)-int64(now))

		reply := *m
		reply.Mode = packet.TimeSyncConfirm
		reply.HeadsetTime = now
		l.ack(&reply)

	case l.role == config.RoleHost && m.Mode == packet.TimeSyncConfirm:
		if now < m.HostTime {
			return
		}
		rtt := now - m.HostTime
		l.recordTiming(rtt, int64(now)-int64(m.HeadsetTime+rtt/2))
	}
}

func (l *Link) recordTiming(rttMicros uint64, offsetMicros int64) {
	rtt := time.Duration(rttMicros) * time.Microsecond
	offset := time.Duration(offsetMicros) * time.Microsecond

	l.mu.Lock()
	l.timing.rtt = rtt
	l.timing.offset = offset
	l.timing.measured = true
	l.mu.Unlock()

	l.metrics.TimeSync(rtt, offset)
	l.log.WithFields(logrus.Fields{
		"function": "recordTiming",
		"rtt":      rtt.String(),
		"offset":   offset.String(),
	}).Trace("Time sync measured")
}
