package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics of the QUIC ingress. Every metric
// carries a "listener" label so several listeners can share one registry.
type Metrics struct {
	// Admission
	TokensMinted   *prometheus.CounterVec
	TokensRejected *prometheus.CounterVec

	// Connection lifecycle
	ConnectionsAccepted *prometheus.CounterVec
	ConnectionsActive   *prometheus.GaugeVec
	ConnectionsClosed   *prometheus.CounterVec
	ConnectionDuration  *prometheus.HistogramVec
	WatchdogExpired     *prometheus.CounterVec

	// Streams
	StreamsBound   *prometheus.CounterVec
	StreamsRefused *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	BytesReceived  *prometheus.CounterVec
	HandlerErrors  *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// registers nothing, which keeps tests independent of the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	lbl := []string{"listener"}
	return &Metrics{
		TokensMinted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "takquic_retry_tokens_minted_total",
			Help: "Retry tokens issued to unverified source addresses",
		}, lbl),
		TokensRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "takquic_retry_tokens_rejected_total",
			Help: "Retry tokens that failed validation",
		}, lbl),
		ConnectionsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "takquic_connections_accepted_total",
			Help: "Connections that completed the handshake",
		}, lbl),
		ConnectionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "takquic_connections_active",
			Help: "Connections currently held in the registry",
		}, lbl),
		ConnectionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "takquic_connections_closed_total",
			Help: "Connections torn down, by reason",
		}, []string{"listener", "reason"}),
		ConnectionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "takquic_connection_duration_seconds",
			Help:    "Lifetime of established connections",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		}, lbl),
		WatchdogExpired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "takquic_stream_open_timeouts_total",
			Help: "Connections closed because no stream was opened in time",
		}, lbl),
		StreamsBound: f.NewCounterVec(prometheus.CounterOpts{
			Name: "takquic_streams_bound_total",
			Help: "Application streams bound to a handler",
		}, lbl),
		StreamsRefused: f.NewCounterVec(prometheus.CounterOpts{
			Name: "takquic_streams_refused_total",
			Help: "Streams aborted because the connection already has one",
		}, lbl),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "takquic_frames_received_total",
			Help: "Frames handed to stream handlers",
		}, lbl),
		BytesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "takquic_bytes_received_total",
			Help: "Application bytes read from streams",
		}, lbl),
		HandlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "takquic_handler_errors_total",
			Help: "Errors returned by stream handlers",
		}, lbl),
	}
}
