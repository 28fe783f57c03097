package stream

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/vrlink/boundary"
	"github.com/opd-ai/vrlink/config"
	"github.com/opd-ai/vrlink/idr"
	"github.com/opd-ai/vrlink/limits"
	"github.com/opd-ai/vrlink/metrics"
	"github.com/opd-ai/vrlink/packet"
	"github.com/opd-ai/vrlink/secure"
)

const waitFor = 3 * time.Second

// freePorts reserves n loopback UDP ports and releases them for reuse.
func freePorts(t *testing.T, n int) []uint16 {
	t.Helper()
	ports := make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		ports = append(ports, uint16(conn.LocalAddr().(*net.UDPAddr).Port))
		require.NoError(t, conn.Close())
	}
	return ports
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(l)
}

func loopbackConfig(role config.Role, discoveryPort, dataPort uint16, passphrase string) config.Config {
	cfg := config.Default()
	cfg.Role = role
	cfg.DeviceName = string(role)
	cfg.ListenHost = "127.0.0.1"
	cfg.Subnets = []string{"127.0.0.1/32"}
	cfg.DiscoveryPort = discoveryPort
	cfg.DataPort = dataPort
	cfg.DiscoveryInterval = 20 * time.Millisecond
	cfg.Passphrase = passphrase
	return cfg
}

// recordingProvider collects published boundaries.
type recordingProvider struct {
	mu      sync.Mutex
	updates []boundary.Update
}

func (p *recordingProvider) PublishBoundary(u boundary.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return nil
}

func (p *recordingProvider) all() []boundary.Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]boundary.Update(nil), p.updates...)
}

type linkPair struct {
	host     *Link
	headset  *Link
	provider *recordingProvider
}

func newLinkPair(t *testing.T, hostPass, headsetPass string, hostOpts ...Option) *linkPair {
	t.Helper()
	ports := freePorts(t, 2)
	discoveryPort, dataPort := ports[0], ports[1]
	provider := &recordingProvider{}

	hostOpts = append([]Option{WithLogger(quietLogger())}, hostOpts...)
	host, err := NewLink(loopbackConfig(config.RoleHost, discoveryPort, dataPort, hostPass), provider, hostOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { host.Close() })

	headset, err := NewLink(loopbackConfig(config.RoleHeadset, discoveryPort, dataPort, headsetPass), nil,
		WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { headset.Close() })

	return &linkPair{host: host, headset: headset, provider: provider}
}

func waitEvent(t *testing.T, l *Link, kind EventKind) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev, ok := <-l.Events():
			require.True(t, ok, "event queue closed while waiting for %s", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event on %s", kind, l.Role())
		}
	}
}

func (p *linkPair) connect(t *testing.T) {
	t.Helper()
	hostEv := waitEvent(t, p.host, EventConnected)
	assert.Equal(t, "headset", hostEv.Session.Peer.DeviceName)
	headsetEv := waitEvent(t, p.headset, EventConnected)
	assert.Equal(t, "host", headsetEv.Session.Peer.DeviceName)
}

func TestLinkEndToEnd(t *testing.T) {
	p := newLinkPair(t, "", "")
	p.connect(t)

	// Connecting starts the stream with a keyframe.
	require.Eventually(t, p.host.PollIDR, waitFor, 5*time.Millisecond)
	assert.False(t, p.host.PollIDR())

	require.NoError(t, p.headset.SendData([]byte("pose")))
	assert.Equal(t, []byte("pose"), waitEvent(t, p.host, EventData).Data)

	require.NoError(t, p.host.SendData([]byte("frame")))
	assert.Equal(t, []byte("frame"), waitEvent(t, p.headset, EventData).Data)

	require.NoError(t, p.headset.ReportLoss(packet.LostVideo, 10, 12))
	require.Eventually(t, p.host.PollIDR, waitFor, 5*time.Millisecond)

	points := make([]packet.Point, 250)
	for i := range points {
		points[i] = packet.Point{X: float32(i), Z: 1}
	}
	area := packet.PlayArea{Width: 3, Depth: 3}
	require.NoError(t, p.headset.SendBoundary(points, area))

	ev := waitEvent(t, p.host, EventBoundary)
	assert.Equal(t, points, ev.Boundary.Points)
	assert.Equal(t, area, ev.Boundary.PlayArea)
	require.Len(t, p.provider.all(), 1)
	assert.Equal(t, points, p.provider.all()[0].Points)
	require.Eventually(t, func() bool { return !p.headset.BoundaryPending() }, waitFor, 10*time.Millisecond)

	require.NoError(t, p.headset.RequestStream(packet.StreamStop))
	assert.Equal(t, packet.StreamStop, waitEvent(t, p.host, EventStreamControl).Mode)

	st := p.host.Status()
	assert.True(t, st.Connected)
	assert.False(t, st.Paired)
	require.NotNil(t, st.Session)
	assert.Equal(t, p.headset.LocalAddr().Port, st.Session.Source.Port)
}

func TestLinkStandingBoundary(t *testing.T) {
	p := newLinkPair(t, "", "")
	p.connect(t)

	area := packet.PlayArea{Width: 2, Depth: 4}
	require.NoError(t, p.headset.SendBoundary(nil, area))

	ev := waitEvent(t, p.host, EventBoundary)
	assert.True(t, ev.Boundary.Standing)
	assert.Equal(t, boundary.StandingPerimeter(area), ev.Boundary.Points)
}

func TestLinkSecondBoundaryReplacesFirst(t *testing.T) {
	p := newLinkPair(t, "", "")
	p.connect(t)

	first := []packet.Point{{X: 1}}
	second := []packet.Point{{X: 2}, {X: 3}}
	require.NoError(t, p.headset.SendBoundary(first, packet.PlayArea{}))
	require.NoError(t, p.headset.SendBoundary(second, packet.PlayArea{}))

	for {
		ev := waitEvent(t, p.host, EventBoundary)
		if ev.Boundary.Timestamp > 0 && len(ev.Boundary.Points) == len(second) {
			assert.Equal(t, second, ev.Boundary.Points)
			break
		}
	}
	updates := p.provider.all()
	require.NotEmpty(t, updates)
	assert.Equal(t, second, updates[len(updates)-1].Points)
	require.Eventually(t, func() bool { return !p.headset.BoundaryPending() }, waitFor, 10*time.Millisecond)
}

func TestLinkPairedDataIsSealed(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := newLinkPair(t, "open sesame", "open sesame", WithMetrics(metrics.New(metrics.WithRegistry(reg))))
	p.connect(t)

	assert.True(t, p.host.Paired())
	assert.True(t, p.headset.Paired())

	require.NoError(t, p.headset.SendData([]byte("secret pose")))
	assert.Equal(t, []byte("secret pose"), waitEvent(t, p.host, EventData).Data)

	require.NoError(t, p.host.SendData([]byte("secret frame")))
	assert.Equal(t, []byte("secret frame"), waitEvent(t, p.headset, EventData).Data)
}

func TestLinkPairingMismatchNeverConnects(t *testing.T) {
	p := newLinkPair(t, "host secret", "wrong secret")

	assert.Never(t, p.headset.Connected, 300*time.Millisecond, 10*time.Millisecond)
	assert.False(t, p.host.Paired())
	assert.ErrorIs(t, p.headset.SendData([]byte("x")), ErrNotPaired)
}

func TestLinkRoleChecks(t *testing.T) {
	p := newLinkPair(t, "", "")

	assert.ErrorIs(t, p.host.ReportLoss(packet.LostVideo, 0, 1), ErrWrongRole)
	assert.ErrorIs(t, p.host.RequestStream(packet.StreamStart), ErrWrongRole)
	assert.ErrorIs(t, p.host.SendBoundary(nil, packet.PlayArea{}), ErrWrongRole)
}

func TestLinkLiveKeyframeInterval(t *testing.T) {
	cfg := config.Default()
	holder := config.NewHolder(cfg)
	p := newLinkPair(t, "", "", WithConfigHolder(holder))
	p.connect(t)
	assert.Equal(t, 100*time.Millisecond, p.host.Scheduler().Interval())

	cfg.AggressiveKeyframeResend = true
	holder.Store(cfg)
	require.NoError(t, p.headset.RequestStream(packet.StreamStart))
	waitEvent(t, p.host, EventStreamControl)

	assert.Equal(t, idr.AggressiveMinInterval, p.host.Scheduler().Interval())
}

func TestLinkClose(t *testing.T) {
	p := newLinkPair(t, "", "")

	require.NoError(t, p.headset.Close())
	require.NoError(t, p.headset.Close())

	_, ok := <-p.headset.Events()
	for ok {
		_, ok = <-p.headset.Events()
	}
	assert.ErrorIs(t, p.headset.SendData([]byte("late")), ErrClosed)
	assert.ErrorIs(t, p.headset.SendBoundary(nil, packet.PlayArea{}), ErrClosed)
}

func TestNewLinkRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Role = "spectator"
	_, err := NewLink(cfg, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

// offsetClock runs at a fixed offset from real time, like a headset whose
// clock disagrees with the host.
type offsetClock struct {
	offset time.Duration
}

func (c offsetClock) Now() time.Time { return time.Now().Add(c.offset) }

func (offsetClock) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }

func TestLinkHeadsetRestartReconnects(t *testing.T) {
	p := newLinkPair(t, "", "")
	p.connect(t)
	require.NoError(t, p.headset.SendBoundary([]packet.Point{{X: 1}}, packet.PlayArea{}))
	waitEvent(t, p.host, EventBoundary)

	cfg := p.headset.cfg
	require.NoError(t, p.headset.Close())
	assert.True(t, p.host.Connected(), "host still holds the old session")

	// The restarted headset's clock is an hour behind, so its boundary
	// timestamps are older than everything the host has seen.
	cfg.DeviceName = "headset-2"
	restarted, err := NewLink(cfg, nil, WithLogger(quietLogger()), WithTimeProvider(offsetClock{offset: -time.Hour}))
	require.NoError(t, err)
	t.Cleanup(func() { restarted.Close() })

	assert.Equal(t, "host", waitEvent(t, restarted, EventConnected).Session.Peer.DeviceName)
	for {
		if waitEvent(t, p.host, EventConnected).Session.Peer.DeviceName == "headset-2" {
			break
		}
	}
	st := p.host.Status()
	require.NotNil(t, st.Session)
	assert.Equal(t, "headset-2", st.Session.Peer.DeviceName)

	points := []packet.Point{{X: 4}, {X: 5}}
	require.NoError(t, restarted.SendBoundary(points, packet.PlayArea{}))
	for {
		ev := waitEvent(t, p.host, EventBoundary)
		if len(ev.Boundary.Points) == len(points) {
			assert.Equal(t, points, ev.Boundary.Points)
			break
		}
	}

	require.Eventually(t, func() bool {
		_, _, ok := restarted.RoundTrip()
		return ok
	}, waitFor, 10*time.Millisecond)
	_, offset, _ := restarted.RoundTrip()
	assert.InDelta(t, time.Hour.Seconds(), offset.Seconds(), 1, "host clock is an hour ahead")
}

func TestLinkTimeSyncMeasuresRoundTrip(t *testing.T) {
	p := newLinkPair(t, "", "")
	p.connect(t)

	for _, l := range []*Link{p.host, p.headset} {
		require.Eventually(t, func() bool {
			_, _, ok := l.RoundTrip()
			return ok
		}, waitFor, 10*time.Millisecond, "%s never measured", l.Role())

		rtt, offset, _ := l.RoundTrip()
		assert.GreaterOrEqual(t, rtt, time.Duration(0))
		assert.Less(t, rtt, waitFor)
		assert.Less(t, offset.Abs(), time.Second, "both ends share a clock")
	}
}

func TestLinkFECFailureSchedulesKeyframe(t *testing.T) {
	p := newLinkPair(t, "", "")
	p.connect(t)
	require.Eventually(t, p.host.PollIDR, waitFor, 5*time.Millisecond)

	require.NoError(t, p.headset.ReportLoss(packet.LostAudio, 1, 3))
	assert.Never(t, p.host.PollIDR, 100*time.Millisecond, 5*time.Millisecond, "audio loss needs no keyframe")

	require.NoError(t, p.headset.ReportFECFailure())
	require.Eventually(t, p.host.PollIDR, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.host.Status().PeerPacketsLost == 3 }, waitFor, 10*time.Millisecond)

	assert.ErrorIs(t, p.host.ReportFECFailure(), ErrWrongRole)
}

func TestLinkStreamingFlag(t *testing.T) {
	p := newLinkPair(t, "", "")
	p.connect(t)
	assert.False(t, p.host.Streaming())

	require.NoError(t, p.headset.RequestStream(packet.StreamStart))
	assert.Equal(t, packet.StreamStart, waitEvent(t, p.host, EventStreamControl).Mode)
	assert.True(t, p.host.Streaming())
	assert.True(t, p.host.Status().Streaming)

	require.NoError(t, p.headset.RequestStream(packet.StreamStop))
	assert.Equal(t, packet.StreamStop, waitEvent(t, p.host, EventStreamControl).Mode)
	assert.False(t, p.host.Streaming())
	assert.False(t, p.host.Status().Streaming)
}

func TestLinkSendDataRejectsOversizedPayload(t *testing.T) {
	p := newLinkPair(t, "", "")
	p.connect(t)

	assert.ErrorIs(t, p.headset.SendData(make([]byte, limits.MaxDataPayload+1)), limits.ErrMessageTooLarge)
	require.NoError(t, p.headset.SendData(make([]byte, limits.MaxDataPayload)))
	assert.Len(t, waitEvent(t, p.host, EventData).Data, limits.MaxDataPayload)
}

func TestLinkSendDataCountsSealingOverhead(t *testing.T) {
	p := newLinkPair(t, "open sesame", "open sesame")
	p.connect(t)

	assert.ErrorIs(t, p.headset.SendData(make([]byte, limits.MaxDataPayload)), limits.ErrMessageTooLarge)
	require.NoError(t, p.headset.SendData(make([]byte, limits.MaxDataPayload-secure.Overhead)))
	assert.Len(t, waitEvent(t, p.host, EventData).Data, limits.MaxDataPayload-secure.Overhead)
}
