package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the session layer.
type Metrics struct {
	ConnectionsActive  prometheus.Gauge
	ConnectsTotal      prometheus.Counter
	ReconnectsTotal    prometheus.Counter
	ReconnectExhausted prometheus.Counter
	MessagesReceived   *prometheus.CounterVec
	SendsDropped       prometheus.Counter
	TokenRefreshes     prometheus.Counter
	VerifyTotal        *prometheus.CounterVec
	VerifyCacheHits    prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sessionlink_connections_active",
			Help: "Number of connections currently tracked by the registry",
		}),
		ConnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sessionlink_connects_total",
			Help: "Total connect attempts dispatched",
		}),
		ReconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sessionlink_reconnects_total",
			Help: "Total automatic reconnect attempts scheduled",
		}),
		ReconnectExhausted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sessionlink_reconnect_exhausted_total",
			Help: "Connections abandoned after exhausting the retry budget",
		}),
		MessagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionlink_messages_received_total",
			Help: "Protocol messages received, labeled by message type",
		}, []string{"type"}),
		SendsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sessionlink_sends_dropped_total",
			Help: "Outbound sends dropped because the connection was not open",
		}),
		TokenRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sessionlink_token_refreshes_total",
			Help: "Token pairs persisted from token_refreshed messages",
		}),
		VerifyTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionlink_verify_total",
			Help: "Role verification attempts, labeled by result",
		}, []string{"result"}),
		VerifyCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sessionlink_verify_cache_hits_total",
			Help: "Verifications served from the TTL cache without decoding",
		}),
	}
}
