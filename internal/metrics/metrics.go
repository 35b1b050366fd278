// Package metrics exposes the Prometheus counters and histograms SCH, DF,
// UF and PM record into, observability the spec leaves as "operational
// logs and metrics" (§7) rather than prescribing shape for.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric this process records. Fields are exported
// handles, not an API surface: callers record directly (m.TickDuration.
// WithLabelValues(...).Observe(...)) rather than through wrapper methods.
type Registry struct {
	TickDuration *prometheus.HistogramVec
	TickSkipped  *prometheus.CounterVec

	DeliveriesTotal *prometheus.CounterVec
	DeliveryDropped *prometheus.CounterVec
	CooldownHits    prometheus.Counter

	UpstreamTokenWaitSeconds prometheus.Histogram
	UpstreamTokenExhausted   prometheus.Counter
	UpstreamCircuitOpen      prometheus.Gauge

	PositionTriggers *prometheus.CounterVec
}

// New builds and registers the metric set against the default registerer.
func New() *Registry {
	m := &Registry{
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fxsignal_tick_duration_seconds",
			Help:    "Duration of a scheduler tick run, by tick kind (signal, position)",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		TickSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxsignal_tick_skipped_total",
			Help: "Ticks skipped because the previous tick of that kind was still running",
		}, []string{"kind"}),

		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxsignal_deliveries_total",
			Help: "Delivery attempts by subscriber kind and outcome",
		}, []string{"subscriber_kind", "outcome"}),
		DeliveryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxsignal_delivery_dropped_total",
			Help: "Signal changes that matched no subscriber filter and were never delivered",
		}, []string{"reason"}),
		CooldownHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxsignal_cooldown_hits_total",
			Help: "Deliveries suppressed because a subscriber's cooldown window was active",
		}),

		UpstreamTokenWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fxsignal_upstream_token_wait_seconds",
			Help:    "Time spent waiting on UF's token bucket before a request was allowed through",
			Buckets: []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		UpstreamTokenExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxsignal_upstream_token_exhausted_total",
			Help: "Requests that gave up waiting on UF's token bucket",
		}),
		UpstreamCircuitOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fxsignal_upstream_circuit_open",
			Help: "1 if UF's circuit breaker is currently open, else 0",
		}),

		PositionTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxsignal_position_triggers_total",
			Help: "Position monitor triggers by close status (closed_sl, closed_tp, closed_manual)",
		}, []string{"status"}),
	}

	prometheus.MustRegister(
		m.TickDuration,
		m.TickSkipped,
		m.DeliveriesTotal,
		m.DeliveryDropped,
		m.CooldownHits,
		m.UpstreamTokenWaitSeconds,
		m.UpstreamTokenExhausted,
		m.UpstreamCircuitOpen,
		m.PositionTriggers,
	)

	return m
}

// Handler serves the Prometheus exposition format for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
