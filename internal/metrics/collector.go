package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func desc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

// statsCollector turns the components' stats copies into const metrics
type statsCollector struct {
	sources Sources

	framesCaptured      *prometheus.Desc
	framesDropped       *prometheus.Desc
	framesProcessed     *prometheus.Desc
	eventsEmitted       *prometheus.Desc
	eventsOverflowed    *prometheus.Desc
	publications        *prometheus.Desc
	publicationsSkipped *prometheus.Desc

	schedulerFrames     *prometheus.Desc
	schedulerFailures   *prometheus.Desc
	consecutiveFailures *prometheus.Desc
	avgInference        *prometheus.Desc

	alerts *prometheus.Desc

	subscribers    *prometheus.Desc
	journalPending *prometheus.Desc
	wsClients      *prometheus.Desc
	wsReplaced     *prometheus.Desc
}

func newStatsCollector(sources Sources) *statsCollector {
	return &statsCollector{
		sources: sources,

		framesCaptured:      desc("pipeline", "frames_captured_total", "Frames read from the source."),
		framesDropped:       desc("pipeline", "frames_dropped_total", "Frames discarded by the bounded queue."),
		framesProcessed:     desc("pipeline", "frames_processed_total", "Frames through detection and tracking."),
		eventsEmitted:       desc("pipeline", "events_emitted_total", "Activity events emitted."),
		eventsOverflowed:    desc("pipeline", "events_overflowed_total", "Events dropped from a full publication buffer."),
		publications:        desc("pipeline", "publications_total", "Statistics publications delivered."),
		publicationsSkipped: desc("pipeline", "publications_skipped_total", "Publication ticks with nothing new."),

		schedulerFrames:     desc("scheduler", "frames_total", "Frames by scheduling outcome.", "outcome"),
		schedulerFailures:   desc("scheduler", "failures_total", "Detector call failures."),
		consecutiveFailures: desc("scheduler", "consecutive_failures", "Current run of detector failures."),
		avgInference:        desc("scheduler", "avg_inference_milliseconds", "Moving average of detector latency."),

		alerts: desc("alerts", "total", "Alerts by outcome.", "outcome"),

		subscribers:    desc("events", "subscribers", "Handlers subscribed to the event bus."),
		journalPending: desc("journal", "pending_events", "Events buffered for the next journal write."),
		wsClients:      desc("ws", "clients", "Connected websocket clients."),
		wsReplaced:     desc("ws", "superseded_total", "Unsent publications replaced by newer ones."),
	}
}

// Describe implements prometheus.Collector
func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.framesCaptured, c.framesDropped, c.framesProcessed, c.eventsEmitted,
		c.eventsOverflowed, c.publications, c.publicationsSkipped,
		c.schedulerFrames, c.schedulerFailures, c.consecutiveFailures, c.avgInference,
		c.alerts, c.subscribers, c.journalPending, c.wsClients, c.wsReplaced,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	if c.sources.Coordinator != nil {
		s := c.sources.Coordinator()
		counter(c.framesCaptured, s.FramesCaptured)
		counter(c.framesDropped, s.FramesDropped)
		counter(c.framesProcessed, s.FramesProcessed)
		counter(c.eventsEmitted, s.EventsEmitted)
		counter(c.eventsOverflowed, s.EventsOverflowed)
		counter(c.publications, s.Publications)
		counter(c.publicationsSkipped, s.PublicationsSkipped)
	}

	if c.sources.Scheduler != nil {
		s := c.sources.Scheduler()
		counter(c.schedulerFrames, s.Computed, "computed")
		counter(c.schedulerFrames, s.Reused, "reused")
		counter(c.schedulerFrames, s.Degraded, "degraded")
		counter(c.schedulerFailures, s.Failures)
		gauge(c.consecutiveFailures, float64(s.ConsecutiveFailures))
		gauge(c.avgInference, s.AvgInferenceMs)
	}

	if c.sources.Alerts != nil {
		s := c.sources.Alerts()
		counter(c.alerts, s.Raised, "raised")
		counter(c.alerts, s.Suppressed, "suppressed")
		counter(c.alerts, s.Dropped, "dropped")
		counter(c.alerts, s.Delivered, "delivered")
		counter(c.alerts, s.Failed, "failed")
	}

	if c.sources.Subscribers != nil {
		gauge(c.subscribers, float64(c.sources.Subscribers()))
	}
	if c.sources.JournalPending != nil {
		gauge(c.journalPending, float64(c.sources.JournalPending()))
	}
	if c.sources.WSClients != nil {
		gauge(c.wsClients, float64(c.sources.WSClients()))
	}
	if c.sources.WSReplaced != nil {
		counter(c.wsReplaced, c.sources.WSReplaced())
	}
}
