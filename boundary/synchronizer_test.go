package boundary

import (
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/vrlink/limits"
	"github.com/opd-ai/vrlink/metrics"
	"github.com/opd-ai/vrlink/packet"
)

// numberedPoints returns n points whose X is the point's position.
func numberedPoints(n int) []packet.Point {
	pts := make([]packet.Point, n)
	for i := range pts {
		pts[i] = packet.Point{X: float32(i), Y: 1, Z: -float32(i)}
	}
	return pts
}

func segmentOf(pts []packet.Point, index, size int) []packet.Point {
	start := index * size
	end := min(start+size, len(pts))
	return pts[start:end]
}

func TestOutOfOrderSegmentsPublishOnce(t *testing.T) {
	s := NewSynchronizer()
	pts := numberedPoints(250)
	area := packet.PlayArea{Width: 3, Depth: 2.5}

	require.NoError(t, s.Reset(42, 250, area))
	assert.Equal(t, []uint32{0, 1, 2}, s.Missing())

	for _, idx := range []int{2, 0} {
		require.True(t, s.WriteSegment(uint32(idx), segmentOf(pts, idx, 100)))
		_, ok := s.MaybePublish()
		assert.False(t, ok)
	}
	require.True(t, s.WriteSegment(1, segmentOf(pts, 1, 100)))

	u, ok := s.MaybePublish()
	require.True(t, ok)
	assert.Equal(t, uint64(42), u.Timestamp)
	assert.Equal(t, area, u.PlayArea)
	assert.False(t, u.Standing)
	assert.Equal(t, pts, u.Points)

	_, ok = s.MaybePublish()
	assert.False(t, ok, "an update is published at most once")
}

func TestPublishedPointsAreCopied(t *testing.T) {
	s := NewSynchronizer()
	pts := numberedPoints(10)
	require.NoError(t, s.Reset(1, 10, packet.PlayArea{}))
	require.True(t, s.WriteSegment(0, pts))

	u, ok := s.MaybePublish()
	require.True(t, ok)
	u.Points[0].X = 999

	// A rewrite after publication does not alias the published slice either.
	require.True(t, s.WriteSegment(0, numberedPoints(10)))
	assert.Equal(t, float32(999), u.Points[0].X)
}

func TestSubsetNeverPublishes(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		total := 1 + rng.Intn(1000)
		segments := limits.SegmentCount(total, limits.BoundarySegmentSize)
		if segments < 2 {
			continue
		}
		s := NewSynchronizer()
		require.NoError(t, s.Reset(uint64(trial), uint32(total), packet.PlayArea{}))

		skip := rng.Intn(segments)
		for i := 0; i < segments*3; i++ {
			idx := rng.Intn(segments)
			if idx == skip {
				continue
			}
			s.WriteSegment(uint32(idx), numberedPoints(limits.BoundarySegmentSize))
			_, ok := s.MaybePublish()
			require.False(t, ok, "total=%d skip=%d", total, skip)
		}
	}
}

func TestAnyOrderWithDuplicatesPublishesExactlyOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	for trial := 0; trial < 50; trial++ {
		total := 1 + rng.Intn(2000)
		segments := limits.SegmentCount(total, limits.BoundarySegmentSize)
		pts := numberedPoints(total)

		order := rng.Perm(segments)
		for i := 0; i < segments; i++ {
			order = append(order, rng.Intn(segments))
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		s := NewSynchronizer()
		require.NoError(t, s.Reset(uint64(trial), uint32(total), packet.PlayArea{}))

		published := 0
		var last Update
		for _, idx := range order {
			require.True(t, s.WriteSegment(uint32(idx), segmentOf(pts, idx, limits.BoundarySegmentSize)))
			if u, ok := s.MaybePublish(); ok {
				published++
				last = u
			}
		}
		require.Equal(t, 1, published, "total=%d", total)
		assert.Equal(t, pts, last.Points)
	}
}

func TestWriteSegmentBounds(t *testing.T) {
	s := NewSynchronizer()

	assert.False(t, s.WriteSegment(0, numberedPoints(1)), "no reset yet")

	require.NoError(t, s.Reset(1, 150, packet.PlayArea{}))
	assert.False(t, s.WriteSegment(2, numberedPoints(100)))
	assert.False(t, s.WriteSegment(1<<31, numberedPoints(1)))

	// The final segment holds 50 points; extra points are clamped.
	require.True(t, s.WriteSegment(1, numberedPoints(100)))
	require.True(t, s.WriteSegment(0, numberedPoints(300)))

	u, ok := s.MaybePublish()
	require.True(t, ok)
	require.Len(t, u.Points, 150)
	assert.Equal(t, float32(99), u.Points[99].X)
	assert.Equal(t, float32(0), u.Points[100].X)
	assert.Equal(t, float32(49), u.Points[149].X)
}

func TestShortSegmentLeavesZeroes(t *testing.T) {
	s := NewSynchronizer()
	require.NoError(t, s.Reset(1, 100, packet.PlayArea{}))
	require.True(t, s.WriteSegment(0, numberedPoints(3)))

	u, ok := s.MaybePublish()
	require.True(t, ok)
	assert.Equal(t, packet.Point{}, u.Points[3])
}

func TestRewriteOverwrites(t *testing.T) {
	s := NewSynchronizer()
	require.NoError(t, s.Reset(1, 2, packet.PlayArea{}))
	require.True(t, s.WriteSegment(0, []packet.Point{{X: 1}, {X: 2}}))
	require.True(t, s.WriteSegment(0, []packet.Point{{X: 5}, {X: 6}}))

	u, ok := s.MaybePublish()
	require.True(t, ok)
	assert.Equal(t, []packet.Point{{X: 5}, {X: 6}}, u.Points)
}

func TestLastResetWins(t *testing.T) {
	s := NewSynchronizer()
	require.NoError(t, s.Reset(1, 200, packet.PlayArea{}))
	require.True(t, s.WriteSegment(0, numberedPoints(100)))

	require.NoError(t, s.Reset(2, 200, packet.PlayArea{}))
	require.True(t, s.WriteSegment(1, numberedPoints(100)))
	_, ok := s.MaybePublish()
	assert.False(t, ok, "segment 0 was written before the reset")

	ts, active := s.Timestamp()
	assert.True(t, active)
	assert.Equal(t, uint64(2), ts)
}

func TestResetAfterPublishAllowsNextUpdate(t *testing.T) {
	s := NewSynchronizer()
	require.NoError(t, s.Reset(1, 1, packet.PlayArea{}))
	require.True(t, s.WriteSegment(0, numberedPoints(1)))
	_, ok := s.MaybePublish()
	require.True(t, ok)

	require.NoError(t, s.Reset(2, 1, packet.PlayArea{}))
	_, ok = s.MaybePublish()
	assert.False(t, ok)
	require.True(t, s.WriteSegment(0, numberedPoints(1)))
	u, ok := s.MaybePublish()
	require.True(t, ok)
	assert.Equal(t, uint64(2), u.Timestamp)
}

func TestZeroPointsPublishesStandingPerimeter(t *testing.T) {
	s := NewSynchronizer()
	area := packet.PlayArea{Width: 4, Depth: 3}
	require.NoError(t, s.Reset(9, 0, area))

	u, ok := s.MaybePublish()
	require.True(t, ok)
	assert.True(t, u.Standing)
	assert.Equal(t, StandingPerimeter(area), u.Points)

	_, ok = s.MaybePublish()
	assert.False(t, ok)
}

func TestResetRejectsTooManyPoints(t *testing.T) {
	s := NewSynchronizer()
	err := s.Reset(1, limits.MaxBoundaryPoints+1, packet.PlayArea{})
	assert.ErrorIs(t, err, limits.ErrTooManyPoints)

	_, active := s.Timestamp()
	assert.False(t, active)
}

func TestNoResetNeverPublishes(t *testing.T) {
	_, ok := NewSynchronizer().MaybePublish()
	assert.False(t, ok)
}

func TestCustomSegmentSize(t *testing.T) {
	s := NewSynchronizer(WithSegmentSize(10))
	require.NoError(t, s.Reset(1, 25, packet.PlayArea{}))
	assert.Equal(t, []uint32{0, 1, 2}, s.Missing())
}

func TestStandingPerimeter(t *testing.T) {
	tests := []struct {
		name string
		area packet.PlayArea
		want []packet.Point
	}{
		{
			name: "play area",
			area: packet.PlayArea{Width: 4, Depth: 2},
			want: []packet.Point{{X: -2, Z: -1}, {X: 2, Z: -1}, {X: 2, Z: 1}, {X: -2, Z: 1}},
		},
		{
			name: "empty area uses default",
			area: packet.PlayArea{},
			want: []packet.Point{{X: -1, Z: -1}, {X: 1, Z: -1}, {X: 1, Z: 1}, {X: -1, Z: 1}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StandingPerimeter(tt.area))
		})
	}
}

func TestSynchronizerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg))
	s := NewSynchronizer(WithMetrics(m))

	require.NoError(t, s.Reset(1, 150, packet.PlayArea{}))
	s.WriteSegment(0, numberedPoints(100))
	s.WriteSegment(0, numberedPoints(100))
	s.WriteSegment(5, numberedPoints(100))
	s.WriteSegment(1, numberedPoints(50))
	_, ok := s.MaybePublish()
	require.True(t, ok)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				values[mf.GetName()] += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 3.0, values["vrlink_boundary_segments_total"])
	assert.Equal(t, 1.0, values["vrlink_boundary_published_total"])
}

func TestClearForgetsUpdateInProgress(t *testing.T) {
	s := NewSynchronizer()
	require.NoError(t, s.Reset(50, 200, packet.PlayArea{}))
	require.True(t, s.WriteSegment(0, numberedPoints(100)))

	s.Clear()
	ts, active := s.Timestamp()
	assert.False(t, active)
	assert.Zero(t, ts)
	assert.False(t, s.WriteSegment(1, numberedPoints(100)), "no update after clear")
	_, ok := s.MaybePublish()
	assert.False(t, ok)

	require.NoError(t, s.Reset(3, 1, packet.PlayArea{}))
	require.True(t, s.WriteSegment(0, numberedPoints(1)))
	u, ok := s.MaybePublish()
	require.True(t, ok)
	assert.Equal(t, uint64(3), u.Timestamp)
}
