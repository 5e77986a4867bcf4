package metrics

import (
	"net/http"

	"github.com/cuemby/cocoon/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cocoon_connection_state",
			Help: "Current transport state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cocoon_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
	)

	IdentityResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cocoon_identity_results_total",
			Help: "Registration handshakes by result",
		},
		[]string{"result"},
	)

	// Frame metrics
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cocoon_frames_total",
			Help: "Frames sent and received by direction and type",
		},
		[]string{"direction", "type"},
	)

	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cocoon_frames_dropped_total",
			Help: "Inbound frames dropped without processing, by reason",
		},
		[]string{"reason"},
	)

	// Execution metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cocoon_commands_total",
			Help: "One-shot commands by result",
		},
		[]string{"result"},
	)

	CommandDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cocoon_command_duration_seconds",
			Help:    "One-shot command duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)

	// PTY metrics
	PTYSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cocoon_pty_sessions_active",
			Help: "Number of PTY sessions currently running",
		},
	)

	PTYSessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cocoon_pty_sessions_total",
			Help: "Total number of PTY sessions created",
		},
	)

	// Proxy metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cocoon_proxy_requests_total",
			Help: "Proxied HTTP requests by service and outcome",
		},
		[]string{"service", "outcome"},
	)

	ProxyRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cocoon_proxy_request_duration_seconds",
			Help:    "Proxied HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// Query metrics
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cocoon_queries_total",
			Help: "Local queries by kind and status",
		},
		[]string{"kind", "status"},
	)

	InflightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cocoon_inflight_requests",
			Help: "Long-running requests currently being handled",
		},
	)
)

func init() {
	prometheus.MustRegister(ConnectionState)
	prometheus.MustRegister(ReconnectsTotal)
	prometheus.MustRegister(IdentityResults)
	prometheus.MustRegister(FramesTotal)
	prometheus.MustRegister(FramesDropped)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(PTYSessionsActive)
	prometheus.MustRegister(PTYSessionsTotal)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(ProxyRequestDuration)
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(InflightRequests)
}

// SetConnectionState marks state as the active transport state
func SetConnectionState(state types.ConnectionState) {
	for _, s := range types.AllConnectionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		ConnectionState.WithLabelValues(string(s)).Set(value)
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
