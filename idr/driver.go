package idr

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Encoder is the video encoder collaborator. InsertIDR makes the next
// encoded frame a keyframe.
type Encoder interface {
	InsertIDR()
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func()

// InsertIDR calls f.
func (f EncoderFunc) InsertIDR() { f() }

// ErrInvalidPeriod is returned by NewDriver for a non-positive poll period.
var ErrInvalidPeriod = errors.New("idr: poll period must be positive")

// Driver polls a Scheduler on the encoder's frame cadence and forwards each
// consumed request to the Encoder exactly once.
type Driver struct {
	scheduler *Scheduler
	encoder   Encoder
	period    time.Duration
	clock     TimeProvider
	log       *logrus.Entry
}

// NewDriver creates a driver polling every period, typically one frame time.
func NewDriver(s *Scheduler, enc Encoder, period time.Duration) (*Driver, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	return &Driver{
		scheduler: s,
		encoder:   enc,
		period:    period,
		clock:     s.clock,
		log:       s.log.WithField("function", "Driver.Run"),
	}, nil
}

// Run polls until ctx is done and returns ctx.Err().
func (d *Driver) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.period)
	defer ticker.Stop()

	d.log.WithField("period", d.period).Debug("Keyframe driver started")
	for {
		select {
		case <-ctx.Done():
			d.log.Debug("Keyframe driver stopped")
			return ctx.Err()
		case <-ticker.C:
			d.Tick()
		}
	}
}

// Tick performs one poll and reports whether a keyframe was requested.
func (d *Driver) Tick() bool {
	if !d.scheduler.PollAndConsume() {
		return false
	}
	d.encoder.InsertIDR()
	return true
}
