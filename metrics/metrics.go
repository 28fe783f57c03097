// Package metrics holds the Prometheus collectors shared by the vrlink
// transport, keyframe scheduler and boundary synchronizer.
//
// A nil *Collectors is valid and records nothing, so components can be used
// without a registry:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(metrics.WithRegistry(reg))
//	sock, err := transport.NewSocket(transport.Options{Metrics: m, ...})
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label of datagrams_dropped_total.
const (
	DropMalformed       = "malformed"
	DropPeerMismatch    = "peer_mismatch"
	DropVersionMismatch = "version_mismatch"
	DropUnconnected     = "unconnected"
	DropStale           = "stale"
	DropDecrypt         = "decrypt"
)

// Keyframe request reasons used as the "reason" label of idr_requests_total.
const (
	IDRLoss        = "loss"
	IDRStreamStart = "stream_start"
	IDRExplicit    = "explicit"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "vrlink").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Collectors are the vrlink Prometheus metrics.
type Collectors struct {
	datagramsReceived prometheus.Counter
	datagramsSent     prometheus.Counter
	bytesReceived     prometheus.Counter
	bytesSent         prometheus.Counter
	datagramsDropped  *prometheus.CounterVec
	sessions          prometheus.Counter
	connected         prometheus.Gauge
	idrRequests       *prometheus.CounterVec
	idrInserted       prometheus.Counter
	boundarySegments  prometheus.Counter
	boundaryPublished prometheus.Counter
	eventsDropped     prometheus.Counter
	streaming         prometheus.Gauge
	roundTrip         prometheus.Gauge
	clockOffset       prometheus.Gauge
	peerPacketsLost   prometheus.Gauge
}

// New creates and registers the collectors.
func New(opts ...Option) *Collectors {
	config := Config{
		Namespace: "vrlink",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	counter := func(subsystem, name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Collectors{
		datagramsReceived: counter("transport", "datagrams_received_total", "Datagrams read from the socket."),
		datagramsSent:     counter("transport", "datagrams_sent_total", "Datagrams written to the socket."),
		bytesReceived:     counter("transport", "bytes_received_total", "Bytes read from the socket."),
		bytesSent:         counter("transport", "bytes_sent_total", "Bytes written to the socket."),
		datagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "transport",
			Name:        "datagrams_dropped_total",
			Help:        "Datagrams discarded by the receive path, by reason.",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),
		sessions:  counter("transport", "sessions_total", "Sessions created or replaced by a valid handshake."),
		connected: gauge("transport", "connected", "1 while a session is active."),
		idrRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "idr",
			Name:        "requests_total",
			Help:        "Keyframe requests armed in the scheduler, by reason.",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),
		idrInserted:       counter("idr", "inserted_total", "Keyframe insertions handed to the encoder."),
		boundarySegments:  counter("boundary", "segments_total", "Boundary segments written."),
		boundaryPublished: counter("boundary", "published_total", "Completed boundary updates published."),
		eventsDropped:     counter("stream", "events_dropped_total", "Data events dropped because the event queue was full."),
		streaming:         gauge("stream", "streaming", "1 while the headset has the stream started."),
		roundTrip:         gauge("stream", "round_trip_seconds", "Last measured time sync round trip."),
		clockOffset:       gauge("stream", "clock_offset_seconds", "Estimated peer clock minus local clock."),
		peerPacketsLost:   gauge("stream", "peer_packets_lost", "Packets the headset reported lost since it started."),
	}
}

// DatagramReceived records one inbound datagram of n bytes.
func (c *Collectors) DatagramReceived(n int) {
	if c == nil {
		return
	}
	c.datagramsReceived.Inc()
	c.bytesReceived.Add(float64(n))
}

// DatagramSent records one outbound datagram of n bytes.
func (c *Collectors) DatagramSent(n int) {
	if c == nil {
		return
	}
	c.datagramsSent.Inc()
	c.bytesSent.Add(float64(n))
}

// Dropped records a discarded datagram.
func (c *Collectors) Dropped(reason string) {
	if c == nil {
		return
	}
	c.datagramsDropped.WithLabelValues(reason).Inc()
}

// SessionStarted records a created or replaced session.
func (c *Collectors) SessionStarted() {
	if c == nil {
		return
	}
	c.sessions.Inc()
	c.connected.Set(1)
}

// SessionEnded records the end of the active session.
func (c *Collectors) SessionEnded() {
	if c == nil {
		return
	}
	c.connected.Set(0)
}

// IDRRequested records an armed keyframe request.
func (c *Collectors) IDRRequested(reason string) {
	if c == nil {
		return
	}
	c.idrRequests.WithLabelValues(reason).Inc()
}

// IDRInserted records a consumed keyframe request.
func (c *Collectors) IDRInserted() {
	if c == nil {
		return
	}
	c.idrInserted.Inc()
}

// BoundarySegment records a written boundary segment.
func (c *Collectors) BoundarySegment() {
	if c == nil {
		return
	}
	c.boundarySegments.Inc()
}

// BoundaryPublished records a published boundary update.
func (c *Collectors) BoundaryPublished() {
	if c == nil {
		return
	}
	c.boundaryPublished.Inc()
}

// EventDropped records a data event discarded by a full queue.
func (c *Collectors) EventDropped() {
	if c == nil {
		return
	}
	c.eventsDropped.Inc()
}

// Streaming records whether the stream is started.
func (c *Collectors) Streaming(on bool) {
	if c == nil {
		return
	}
	if on {
		c.streaming.Set(1)
		return
	}
	c.streaming.Set(0)
}

// TimeSync records a completed time sync round trip.
func (c *Collectors) TimeSync(rtt, offset time.Duration) {
	if c == nil {
		return
	}
	c.roundTrip.Set(rtt.Seconds())
	c.clockOffset.Set(offset.Seconds())
}

// PeerPacketsLost records the loss total reported by the headset.
func (c *Collectors) PeerPacketsLost(total uint64) {
	if c == nil {
		return
	}
	c.peerPacketsLost.Set(float64(total))
}
