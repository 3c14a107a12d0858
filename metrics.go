package vigil

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors on a private registry
// so embedding services never collide with the default one.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	RateLimitRejections *prometheus.CounterVec
	Detections          *prometheus.CounterVec
	Threats             *prometheus.CounterVec
	Notifications       *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	QueueDropped        prometheus.Counter
	AnalysisDuration    prometheus.Histogram
	EmergencyMode       prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_requests_total",
			Help: "Requests evaluated by the pipeline, by decision.",
		}, []string{"decision"}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_rate_limit_rejections_total",
			Help: "Rate limiter rejections by violation type.",
		}, []string{"violation_type"}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_detections_total",
			Help: "Detections by engine and attack type.",
		}, []string{"engine", "attack"}),
		Threats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_threats_total",
			Help: "Security threats by severity and category.",
		}, []string{"severity", "category"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_notifications_total",
			Help: "Notification dispatch attempts by channel and status.",
		}, []string{"channel", "status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vigil_analysis_queue_depth",
			Help: "Requests waiting in the background analysis queue.",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_analysis_queue_dropped_total",
			Help: "Queued requests dropped because the queue was full.",
		}),
		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vigil_analysis_duration_seconds",
			Help:    "Wall time of one full threat analysis.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		EmergencyMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vigil_emergency_mode",
			Help: "1 while emergency rate restriction is active.",
		}),
	}
	m.registry.MustRegister(
		m.RequestsTotal,
		m.RateLimitRejections,
		m.Detections,
		m.Threats,
		m.Notifications,
		m.QueueDepth,
		m.QueueDropped,
		m.AnalysisDuration,
		m.EmergencyMode,
	)
	return m
}

// Handler exposes the registry for a /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
