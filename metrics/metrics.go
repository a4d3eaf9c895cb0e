// Package metrics exposes Prometheus collectors for the link to the
// control service. Every method is safe on a nil *Metrics, so components
// can take one unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "gamelink").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: a fresh prometheus.NewRegistry()
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

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "gamelink",
		Buckets:   prometheus.DefBuckets,
	}
}

// connectionStates is every value the state gauge can be labelled with.
var connectionStates = []string{"disconnected", "connecting", "identifying", "connected"}

// Metrics holds the collectors for one client.
type Metrics struct {
	connectionState   *prometheus.GaugeVec
	connectAttempts   *prometheus.CounterVec
	disconnects       *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	reconnectExhaust  prometheus.Counter
	framesSent        *prometheus.CounterVec
	framesSuppressed  *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	eventsEmitted     *prometheus.CounterVec
	playersOnline     prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors and returns them.
// Without WithRegistry a private registry is used, so two clients in one
// process never collide; Gatherer returns it for exposition.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	factory := promauto.With(config.Registry)

	m := &Metrics{
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connection_state",
			Help:        "1 for the current connection state, 0 for the others",
			ConstLabels: config.ConstLabels,
		}, []string{"state"}),

		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connect_attempts_total",
			Help:        "Connection attempts by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "disconnects_total",
			Help:        "Connections lost, by reason",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		reconnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnect_attempts_total",
			Help:        "Reconnection attempts by backoff phase",
			ConstLabels: config.ConstLabels,
		}, []string{"phase"}),

		reconnectExhaust: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnect_exhausted_total",
			Help:        "Reconnection sequences that ran out of attempts",
			ConstLabels: config.ConstLabels,
		}),

		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_sent_total",
			Help:        "Frames written to the control service",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		framesSuppressed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_suppressed_total",
			Help:        "Frames dropped because the connection was not ready",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_received_total",
			Help:        "Frames read from the control service",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "decode_errors_total",
			Help:        "Inbound frames that could not be decoded",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_total",
			Help:        "Requests handled, by action and outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"action", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Request handling duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"action"}),

		eventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_emitted_total",
			Help:        "Game events sent, by kind",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		playersOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "players_online",
			Help:        "Players currently online according to join and leave events",
			ConstLabels: config.ConstLabels,
		}),
	}

	if g, ok := config.Registry.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	m.SetState("disconnected")
	return m
}

// Gatherer returns the registry the collectors live in, or nil if the
// configured Registerer cannot be gathered from.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.gatherer
}

// SetState marks state as the current connection state.
func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

// ConnectAttempt records the result of one connect ("ok", "error", "rejected").
func (m *Metrics) ConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

// Disconnect records a lost connection.
func (m *Metrics) Disconnect(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
}

// ReconnectAttempt records one scheduled reconnection attempt.
func (m *Metrics) ReconnectAttempt(phase string) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(phase).Inc()
}

// ReconnectExhausted records a reconnection sequence that gave up.
func (m *Metrics) ReconnectExhausted() {
	if m == nil {
		return
	}
	m.reconnectExhaust.Inc()
}

func (m *Metrics) FrameSent(typ string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(typ).Inc()
}

func (m *Metrics) FrameSuppressed(typ string) {
	if m == nil {
		return
	}
	m.framesSuppressed.WithLabelValues(typ).Inc()
}

func (m *Metrics) FrameReceived(typ string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(typ).Inc()
}

func (m *Metrics) DecodeError(reason string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(reason).Inc()
}

// Request records one handled request.
func (m *Metrics) Request(action, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(action, status).Inc()
	m.requestDuration.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) EventEmitted(kind string) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(kind).Inc()
}

// PlayerJoined and PlayerLeft keep the online gauge in step with events.
func (m *Metrics) PlayerJoined() {
	if m == nil {
		return
	}
	m.playersOnline.Inc()
}

func (m *Metrics) PlayerLeft() {
	if m == nil {
		return
	}
	m.playersOnline.Dec()
}

// SetPlayersOnline overwrites the online gauge, e.g. after a full listing.
func (m *Metrics) SetPlayersOnline(n int) {
	if m == nil {
		return
	}
	m.playersOnline.Set(float64(n))
}
