package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"petwatch/internal/alert"
	"petwatch/internal/pipeline"
)

const namespace = "petwatch"

// Sources are read at scrape time. Nil fields are skipped.
type Sources struct {
	Coordinator    func() pipeline.CoordinatorStats
	Scheduler      func() pipeline.SchedulerStats
	Alerts         func() alert.Stats
	Subscribers    func() int
	JournalPending func() int
	WSClients      func() int
	WSReplaced     func() uint64
}

// Metrics owns a private registry exposing pipeline counters plus a
// per-frame detection histogram.
type Metrics struct {
	registry   *prometheus.Registry
	inference  prometheus.Histogram
	detections *prometheus.CounterVec
	statuses   *prometheus.CounterVec
}

// New creates the registry and registers the stats collector
func New(sources Sources) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "inference_milliseconds",
			Help:      "Detector round-trip time for computed frames.",
			Buckets:   []float64{10, 25, 50, 100, 200, 400, 800, 1600, 3200},
		}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "detections_total",
			Help:      "Detections per species across processed frames.",
		}, []string{"species"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "frame_results_total",
			Help:      "Processed frames by detection status.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(m.inference, m.detections, m.statuses, newStatsCollector(sources))
	return m
}

// OnFrame implements pipeline.FrameObserver
func (m *Metrics) OnFrame(frame *pipeline.Frame, result *pipeline.DetectionResult) {
	if result == nil {
		return
	}
	m.statuses.WithLabelValues(string(result.Status)).Inc()
	if result.Status == pipeline.StatusComputed {
		m.inference.Observe(result.InferenceMs)
		for _, d := range result.Detections {
			m.detections.WithLabelValues(string(d.Species)).Inc()
		}
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var _ pipeline.FrameObserver = (*Metrics)(nil)
