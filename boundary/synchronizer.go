package boundary

import (
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/opd-ai/vrlink/limits"
	"github.com/opd-ai/vrlink/metrics"
	"github.com/opd-ai/vrlink/packet"
)

// Update is a completed boundary, handed to the Provider by value.
type Update struct {
	Timestamp uint64
	Points    []packet.Point
	PlayArea  packet.PlayArea
	// Standing is set when the sender declared no points and Points is the
	// rectangle synthesized from PlayArea.
	Standing bool
}

// Provider consumes completed boundaries, pushing them into the host's live
// boundary system.
type Provider interface {
	PublishBoundary(u Update) error
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(u Update) error

// PublishBoundary calls f.
func (f ProviderFunc) PublishBoundary(u Update) error { return f(u) }

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithSegmentSize overrides limits.BoundarySegmentSize.
func WithSegmentSize(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.segmentSize = n
		}
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Synchronizer) {
		s.metrics = m
	}
}

// Synchronizer reassembles a boundary delivered as independent, possibly
// reordered and duplicated segments, and publishes it once complete.
type Synchronizer struct {
	mu          sync.Mutex
	segmentSize int
	metrics     *metrics.Collectors

	active    bool
	timestamp uint64
	playArea  packet.PlayArea
	points    []packet.Point
	segments  uint
	received  *bitset.BitSet
	committed bool
}

// NewSynchronizer creates a synchronizer with no update in progress.
func NewSynchronizer(opts ...Option) *Synchronizer {
	s := &Synchronizer{
		segmentSize: limits.BoundarySegmentSize,
		received:    bitset.New(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reset discards any partial update and starts a new one of total points.
// The last reset wins.
func (s *Synchronizer) Reset(timestamp uint64, total uint32, area packet.PlayArea) error {
	if err := limits.ValidateBoundaryPoints(total); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = true
	s.timestamp = timestamp
	s.playArea = area
	s.points = make([]packet.Point, total)
	s.segments = uint(limits.SegmentCount(int(total), s.segmentSize))
	s.received = bitset.New(s.segments)
	s.committed = false
	return nil
}

// Clear forgets the update in progress and its timestamp, so the next reset
// is accepted whatever its timestamp. Used when a new peer session starts.
func (s *Synchronizer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = false
	s.timestamp = 0
	s.points = nil
	s.segments = 0
	s.received = bitset.New(0)
	s.committed = false
}

// WriteSegment copies points into the slot of segment index, clamped to the
// slot and to the buffer. It reports false, and writes nothing, when no update
// is in progress or the index is out of range. Rewriting an index overwrites it.
func (s *Synchronizer) WriteSegment(index uint32, points []packet.Point) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active || uint(index) >= s.segments {
		return false
	}

	offset := int(index) * s.segmentSize
	end := offset + s.segmentSize
	if end > len(s.points) {
		end = len(s.points)
	}
	copy(s.points[offset:end], points)
	s.received.Set(uint(index))
	s.metrics.BoundarySegment()
	return true
}

// MaybePublish returns the completed update the first time every segment has
// been written since the last reset. Further calls return false until the
// next reset. The returned points are a copy.
func (s *Synchronizer) MaybePublish() (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active || s.committed || s.received.Count() != s.segments {
		return Update{}, false
	}
	s.committed = true
	s.metrics.BoundaryPublished()

	u := Update{
		Timestamp: s.timestamp,
		PlayArea:  s.playArea,
	}
	if len(s.points) == 0 {
		u.Standing = true
		u.Points = StandingPerimeter(s.playArea)
		return u, true
	}
	u.Points = make([]packet.Point, len(s.points))
	copy(u.Points, s.points)
	return u, true
}

// Timestamp returns the timestamp of the update in progress, and false when
// no reset has been received.
func (s *Synchronizer) Timestamp() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestamp, s.active
}

// Missing lists the segment indexes not yet written.
func (s *Synchronizer) Missing() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []uint32
	for i := uint(0); i < s.segments; i++ {
		if !s.received.Test(i) {
			out = append(out, uint32(i))
		}
	}
	return out
}

// Default play area used when the sender declares none.
const (
	defaultStandingWidth = 2.0
	defaultStandingDepth = 2.0
)

// StandingPerimeter returns the floor rectangle of the play area, centered
// on the origin, as four points in clockwise order seen from above.
func StandingPerimeter(area packet.PlayArea) []packet.Point {
	w, d := area.Width, area.Depth
	if w <= 0 || d <= 0 {
		w, d = defaultStandingWidth, defaultStandingDepth
	}
	hw, hd := w/2, d/2
	return []packet.Point{
		{X: -hw, Y: 0, Z: -hd},
		{X: hw, Y: 0, Z: -hd},
		{X: hw, Y: 0, Z: hd},
		{X: -hw, Y: 0, Z: hd},
	}
}
