package boundary

import (
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/opd-ai/vrlink/limits"
	"github.com/opd-ai/vrlink/packet"
)

// Sender is the transmitting half of a boundary update. It splits a point
// set into a reset and segments and tracks acknowledgements. Segments are
// only offered after the reset is acknowledged, and anything unacknowledged
// is offered again once the cooldown has elapsed.
type Sender struct {
	mu          sync.Mutex
	timestamp   uint64
	playArea    packet.PlayArea
	points      []packet.Point
	segmentSize int
	segments    uint
	cooldown    time.Duration

	resetAcked bool
	resetSent  time.Time
	acked      *bitset.BitSet
	sentAt     []time.Time
}

// NewSender prepares an update. points is copied.
func NewSender(timestamp uint64, points []packet.Point, area packet.PlayArea) (*Sender, error) {
	if len(points) > limits.MaxBoundaryPoints {
		return nil, fmt.Errorf("%w: %d exceeds limit %d", limits.ErrTooManyPoints, len(points), limits.MaxBoundaryPoints)
	}

	segments := uint(limits.SegmentCount(len(points), limits.BoundarySegmentSize))
	return &Sender{
		timestamp:   timestamp,
		playArea:    area,
		points:      append([]packet.Point(nil), points...),
		segmentSize: limits.BoundarySegmentSize,
		segments:    segments,
		cooldown:    limits.BoundaryResendCooldown,
		acked:       bitset.New(segments),
		sentAt:      make([]time.Time, segments),
	}, nil
}

// Timestamp identifies the update.
func (s *Sender) Timestamp() uint64 {
	return s.timestamp
}

// Due returns the messages to transmit at now and records them as sent.
func (s *Sender) Due(now time.Time) []packet.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.resetAcked {
		if !s.resetSent.IsZero() && now.Sub(s.resetSent) < s.cooldown {
			return nil
		}
		s.resetSent = now
		return []packet.Message{&packet.BoundaryReset{
			Timestamp:   s.timestamp,
			TotalPoints: uint32(len(s.points)),
			PlayArea:    s.playArea,
		}}
	}

	var out []packet.Message
	for i := uint(0); i < s.segments; i++ {
		if s.acked.Test(i) {
			continue
		}
		if !s.sentAt[i].IsZero() && now.Sub(s.sentAt[i]) < s.cooldown {
			continue
		}
		s.sentAt[i] = now
		out = append(out, s.segment(i))
	}
	return out
}

func (s *Sender) segment(i uint) *packet.BoundarySegment {
	start := int(i) * s.segmentSize
	end := min(start+s.segmentSize, len(s.points))
	return &packet.BoundarySegment{
		Timestamp: s.timestamp,
		Index:     uint32(i),
		Points:    append([]packet.Point(nil), s.points[start:end]...),
	}
}

// AckReset records the peer's reset acknowledgement. Acks for another
// update are ignored and reported as false.
func (s *Sender) AckReset(timestamp uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timestamp != s.timestamp {
		return false
	}
	s.resetAcked = true
	return true
}

// AckSegment records one segment acknowledgement.
func (s *Sender) AckSegment(timestamp uint64, index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timestamp != s.timestamp || !s.resetAcked || uint(index) >= s.segments {
		return false
	}
	s.acked.Set(uint(index))
	return true
}

// Restart forgets every acknowledgement and send time, so the whole update
// starting with the reset is due again. Used when the peer session changes.
func (s *Sender) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetAcked = false
	s.resetSent = time.Time{}
	s.acked.ClearAll()
	for i := range s.sentAt {
		s.sentAt[i] = time.Time{}
	}
}

// Done reports whether the peer acknowledged the reset and every segment.
func (s *Sender) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetAcked && s.acked.Count() == s.segments
}
