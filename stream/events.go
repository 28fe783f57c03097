package stream

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vrlink/boundary"
	"github.com/opd-ai/vrlink/packet"
	"github.com/opd-ai/vrlink/transport"
)

// EventKind identifies an Event.
type EventKind int

const (
	// EventConnected is emitted when a session is established (and paired,
	// when pairing is configured).
	EventConnected EventKind = iota
	// EventData carries a received data payload.
	EventData
	// EventBoundary carries a published boundary update (host).
	EventBoundary
	// EventStreamControl carries a start or stop request (host).
	EventStreamControl
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventData:
		return "data"
	case EventBoundary:
		return "boundary"
	case EventStreamControl:
		return "stream_control"
	default:
		return "unknown"
	}
}

// Event is delivered on Link.Events. Only the fields of its Kind are set.
type Event struct {
	Kind     EventKind
	Session  transport.Session
	Data     []byte
	Boundary boundary.Update
	Mode     packet.StreamMode
}

// lifecycleTimeout bounds how long the receive goroutine waits for a slow
// consumer before dropping a non-data event.
const lifecycleTimeout = 100 * time.Millisecond

// emit queues ev. Data events are dropped at once when the queue is full;
// other events wait up to lifecycleTimeout.
func (l *Link) emit(ev Event) {
	if ev.Kind == EventData {
		select {
		case l.events <- ev:
		default:
			l.metrics.EventDropped()
		}
		return
	}

	timer := time.NewTimer(lifecycleTimeout)
	defer timer.Stop()
	select {
	case l.events <- ev:
	case <-timer.C:
		l.metrics.EventDropped()
		l.log.WithFields(logrus.Fields{
			"function": "emit",
			"kind":     ev.Kind.String(),
		}).Warn("Event queue full, dropping event")
	}
}
