// Package metrics - счётчики клиента в собственном реестре Prometheus.
// CLI отдаёт их на /metrics при заданном --metrics-addr.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	apiRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hays",
			Name:      "api_request_duration_seconds",
			Help:      "REST call duration by operation and outcome.",
			Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 15},
		},
		[]string{"op", "outcome"},
	)

	eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hays",
			Name:      "chat_events_total",
			Help:      "message:new events by reconciliation verdict.",
		},
		[]string{"verdict"},
	)

	wsReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hays",
			Name:      "ws_reconnects_total",
			Help:      "Event channel dials after a lost connection.",
		},
	)

	wsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hays",
			Name:      "ws_connected",
			Help:      "1 while the event channel is connected.",
		},
	)

	sessionInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hays",
			Name:      "session_invalidations_total",
			Help:      "Times stored credentials were dropped (401/403, expiry, logout).",
		},
	)
)

func init() {
	registry.MustRegister(
		apiRequests,
		eventsReceived,
		wsReconnects,
		wsConnected,
		sessionInvalidations,
		collectors.NewGoCollector(),
	)
}

// Handler отдаёт реестр в текстовом формате Prometheus.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveAPI: outcome - "ok" или класс ошибки (connectivity, auth, validation, server, other).
func ObserveAPI(op, outcome string, start time.Time) {
	apiRequests.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

func EventReceived(verdict string) {
	eventsReceived.WithLabelValues(verdict).Inc()
}

func WSReconnect() { wsReconnects.Inc() }

func WSConnected(up bool) {
	if up {
		wsConnected.Set(1)
		return
	}
	wsConnected.Set(0)
}

func SessionInvalidated() { sessionInvalidations.Inc() }
