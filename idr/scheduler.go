package idr

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vrlink/metrics"
)

const (
	// DefaultMinInterval is the minimum keyframe spacing used unless configured otherwise.
	DefaultMinInterval = 100 * time.Millisecond
	// AggressiveMinInterval replaces the configured interval when aggressive
	// keyframe resend is enabled.
	AggressiveMinInterval = 5 * time.Millisecond
)

// MinInterval resolves the effective minimum interval from configuration.
func MinInterval(configured time.Duration, aggressive bool) time.Duration {
	if aggressive {
		return AggressiveMinInterval
	}
	if configured <= 0 {
		return DefaultMinInterval
	}
	return configured
}

// State is the scheduler state.
type State int

const (
	// Idle means no keyframe is pending.
	Idle State = iota
	// Scheduled means a keyframe is due at or after the recorded time.
	Scheduled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	default:
		return "unknown"
	}
}

// IntervalSource returns the current minimum interval. It is consulted on
// every stream start so configuration changes apply to the next stream.
type IntervalSource func() time.Duration

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTimeProvider injects the clock.
func WithTimeProvider(tp TimeProvider) Option {
	return func(s *Scheduler) {
		s.clock = tp
	}
}

// WithIntervalSource sets where OnStreamStart reads the minimum interval from.
func WithIntervalSource(src IntervalSource) Option {
	return func(s *Scheduler) {
		s.source = src
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Scheduler) {
		s.log = log
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler decides when the encoder must emit a keyframe. Loss and stream
// start events arm it from any goroutine; the encoder polls it on its own
// cadence with PollAndConsume.
type Scheduler struct {
	mu       sync.Mutex
	state    State
	earliest time.Time
	interval time.Duration

	source  IntervalSource
	clock   TimeProvider
	log     *logrus.Entry
	metrics *metrics.Collectors
}

// NewScheduler creates an idle scheduler. A non-positive interval selects
// DefaultMinInterval.
func NewScheduler(interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		interval: MinInterval(interval, false),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = getTimeProvider(s.clock)
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	s.log = s.log.WithField("component", "idr")
	return s
}

// OnStreamStart reloads the minimum interval and arms the scheduler so the
// first frame of the stream is a keyframe.
func (s *Scheduler) OnStreamStart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.source != nil {
		if d := s.source(); d > 0 {
			s.interval = d
		}
	}
	s.arm(metrics.IDRStreamStart)
}

// OnPacketLoss arms the scheduler. The earliest insert time is backdated by
// two intervals so the next poll fires immediately.
func (s *Scheduler) OnPacketLoss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arm(metrics.IDRLoss)
}

// InsertIDR arms the scheduler on explicit request, for example after an
// encoder reconfiguration.
func (s *Scheduler) InsertIDR() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arm(metrics.IDRExplicit)
}

// arm must be called with mu held.
func (s *Scheduler) arm(reason string) {
	s.earliest = s.clock.Now().Add(-2 * s.interval)
	s.state = Scheduled
	s.metrics.IDRRequested(reason)

	s.log.WithFields(logrus.Fields{
		"function": "arm",
		"reason":   reason,
		"interval": s.interval,
	}).Debug("Keyframe scheduled")
}

// PollAndConsume reports whether a keyframe must be inserted now. A true
// result returns the scheduler to Idle.
func (s *Scheduler) PollAndConsume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Scheduled || s.clock.Now().Before(s.earliest) {
		return false
	}
	s.state = Idle
	s.metrics.IDRInserted()
	return true
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Interval returns the minimum interval in effect.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}
