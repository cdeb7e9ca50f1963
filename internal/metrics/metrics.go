package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hirechat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hirechat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Session metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hirechat_messages_sent_total",
			Help: "Outgoing chat messages by result",
		},
		[]string{"result"}, // "ok" or "failed"
	)

	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hirechat_messages_received_total",
			Help: "Inbound chat messages delivered to listeners",
		},
	)

	DecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hirechat_decode_errors_total",
			Help: "Inbound envelopes that failed to decode",
		},
	)

	AcksPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hirechat_acks_published_total",
			Help: "Read acknowledgements by result",
		},
		[]string{"result"},
	)

	PublisherSwitches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hirechat_publisher_switches_total",
			Help: "Completed publisher context switches",
		},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hirechat_active_subscriptions",
			Help: "Live topic subscriptions held by chat sessions",
		},
	)

	// Gateway metrics
	GatewayClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hirechat_gateway_clients",
			Help: "Connected websocket clients",
		},
	)

	GatewayAttachedChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hirechat_gateway_attached_channels",
			Help: "Channels attached across websocket clients",
		},
	)

	GatewayDroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hirechat_gateway_dropped_frames_total",
			Help: "Frames dropped because a client send buffer was full",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hirechat_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	// Receipts
	ReceiptsStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hirechat_receipts_stored_total",
			Help: "Read receipts persisted from the ack topic",
		},
	)

	PostgresLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hirechat_postgres_latency_seconds",
			Help:    "PostgreSQL query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)

// Result maps a success flag to the "result" label value.
func Result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
