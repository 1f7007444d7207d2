// Package metricsx registers the process's Prometheus metrics and
// exposes the handler the control surface serves them on.
package metricsx

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge the pipeline updates. All fields
// are safe for concurrent use (prometheus client types are).
type Metrics struct {
	PacketsDecrypted   prometheus.Counter
	PacketsDropped     *prometheus.CounterVec
	SubscriberCount    prometheus.Gauge
	BroadcastDrops     prometheus.Counter
	SessionTransitions *prometheus.CounterVec
}

// New registers the metric set against a fresh registry and returns
// both the metric handles and an http.Handler for /metrics.
func New() (*Metrics, http.Handler) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		PacketsDecrypted: factory.NewCounter(prometheus.CounterOpts{
			Name: "apextelemetry_packets_decrypted_total",
			Help: "Telemetry datagrams successfully decrypted and parsed.",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apextelemetry_packets_dropped_total",
			Help: "Telemetry datagrams dropped, by reason.",
		}, []string{"reason"}),
		SubscriberCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "apextelemetry_ws_subscribers",
			Help: "Currently connected WebSocket subscribers.",
		}),
		BroadcastDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "apextelemetry_broadcast_drops_total",
			Help: "Messages dropped for a lagging subscriber instead of blocking the publisher.",
		}),
		SessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apextelemetry_session_transitions_total",
			Help: "Session state machine transitions, by destination state.",
		}, []string{"to"}),
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
