package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Eventum Prometheus metrics.
type Metrics struct {
	SignalsTotal    *prometheus.CounterVec
	EventsRendered  *prometheus.CounterVec
	RenderErrors    *prometheus.CounterVec
	RenderDuration  *prometheus.HistogramVec
	EventsDelivered *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	DeliveryRetries *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
}

// NewMetrics creates and registers all Eventum metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SignalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eventum_signals_total",
			Help: "Signals delivered to the renderer.",
		}, []string{"pipeline"}),

		EventsRendered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eventum_events_rendered_total",
			Help: "Events produced by template renders.",
		}, []string{"pipeline", "template"}),

		RenderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eventum_render_errors_total",
			Help: "Template render failures.",
		}, []string{"pipeline", "template"}),

		RenderDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventum_render_duration_seconds",
			Help:    "Per-signal render time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pipeline"}),

		EventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eventum_events_delivered_total",
			Help: "Events successfully delivered per sink.",
		}, []string{"pipeline", "sink"}),

		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eventum_events_dropped_total",
			Help: "Events dropped after retry exhaustion per sink.",
		}, []string{"pipeline", "sink"}),

		DeliveryRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eventum_delivery_retries_total",
			Help: "Sink delivery retry attempts.",
		}, []string{"pipeline", "sink"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventum_sink_queue_depth",
			Help: "Buffered events per sink delivery queue.",
		}, []string{"pipeline", "sink"}),
	}
}
