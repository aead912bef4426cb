package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"petwatch/internal/pipeline"
)

// Config configures retention and grid sizes
type Config struct {
	TimelineCapacity int            // Most recent events kept in the timeline
	HourlyRetention  int            // Hourly rollup buckets kept
	DailyRetention   int            // Daily rollup buckets kept
	HeatmapCols      int            // Heatmap grid width (0 disables the heatmap)
	HeatmapRows      int            // Heatmap grid height
	Location         *time.Location // Calendar used for rollups and hour of day
	Zones            []pipeline.Zone
	Bowls            []pipeline.Bowl
}

// DefaultConfig returns sensible aggregator defaults
func DefaultConfig() Config {
	return Config{
		TimelineCapacity: 1000,
		HourlyRetention:  48,
		DailyRetention:   30,
		HeatmapCols:      16,
		HeatmapRows:      12,
		Location:         time.UTC,
	}
}

type zoneState struct {
	stats pipeline.ZoneStats
	open  map[int]time.Time // Track -> entry timestamp
}

type bowlState struct {
	stats  pipeline.BowlStats
	active map[int]bool
}

// Aggregator accumulates statistics from processed frames. Writes happen
// under one lock per frame; readers use the last published snapshot.
type Aggregator struct {
	config Config
	mu     sync.Mutex

	sessionStart time.Time
	asOf         time.Time
	mode         pipeline.PerformanceMode

	framesProcessed uint64
	framesComputed  uint64
	framesReused    uint64
	framesDegraded  uint64
	detections      map[pipeline.Species]uint64
	summary         pipeline.DetectionSummary

	zones       map[string]*zoneState
	bowls       map[string]*bowlState
	eventTotals map[pipeline.EventKind]uint64
	violations  uint64
	eating      uint64
	drinking    uint64

	timeline       *timeline
	hourly         *rollups
	daily          *rollups
	activityByHour [24]uint64
	heatmap        []uint64

	version   uint64
	published atomic.Pointer[pipeline.StatisticsSnapshot]
}

// New creates an aggregator and publishes an empty snapshot
func New(config Config) *Aggregator {
	defaults := DefaultConfig()
	if config.TimelineCapacity <= 0 {
		config.TimelineCapacity = defaults.TimelineCapacity
	}
	if config.HourlyRetention <= 0 {
		config.HourlyRetention = defaults.HourlyRetention
	}
	if config.DailyRetention <= 0 {
		config.DailyRetention = defaults.DailyRetention
	}
	if config.HeatmapCols < 0 || config.HeatmapRows <= 0 {
		config.HeatmapCols = 0
	}
	if config.Location == nil {
		config.Location = time.UTC
	}

	a := &Aggregator{
		config:      config,
		detections:  make(map[pipeline.Species]uint64),
		zones:       make(map[string]*zoneState),
		bowls:       make(map[string]*bowlState),
		eventTotals: make(map[pipeline.EventKind]uint64),
		timeline:    newTimeline(config.TimelineCapacity),
		hourly:      newRollups(config.HourlyRetention, hourBucket(config.Location)),
		daily:       newRollups(config.DailyRetention, dayBucket(config.Location)),
	}
	if config.HeatmapCols > 0 {
		a.heatmap = make([]uint64, config.HeatmapCols*config.HeatmapRows)
	}
	for _, z := range config.Zones {
		a.zone(z.ID, z.Kind)
	}
	for _, b := range config.Bowls {
		a.bowl(b.ID, b.Kind)
	}

	a.Publish()
	return a
}

// Record applies one processed frame: its detections and its events
func (a *Aggregator) Record(frame *pipeline.Frame, result *pipeline.DetectionResult, events []pipeline.Event) {
	if frame == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sessionStart.IsZero() {
		a.sessionStart = frame.Timestamp
	}
	if frame.Timestamp.After(a.asOf) {
		a.asOf = frame.Timestamp
	}
	a.framesProcessed++

	if result != nil {
		a.mode = result.Mode
		a.recordDetections(frame, result)
	}

	for _, e := range events {
		a.recordEvent(e)
	}
}

func (a *Aggregator) recordDetections(frame *pipeline.Frame, result *pipeline.DetectionResult) {
	switch result.Status {
	case pipeline.StatusComputed:
		a.framesComputed++
	case pipeline.StatusReused:
		a.framesReused++
	case pipeline.StatusDegraded:
		a.framesDegraded++
	}

	summary := pipeline.DetectionSummary{}
	var confSum float64
	for _, d := range result.Detections {
		switch d.Species {
		case pipeline.SpeciesCat:
			summary.Cats++
		case pipeline.SpeciesDog:
			summary.Dogs++
		}
		confSum += d.Confidence
	}
	if n := len(result.Detections); n > 0 {
		summary.AverageConfidence = confSum / float64(n)
	}
	a.summary = summary

	// Cached detections were already counted when computed
	if result.Status != pipeline.StatusComputed {
		return
	}
	for _, d := range result.Detections {
		a.detections[d.Species]++
		a.addHeat(frame, d)
	}
}

func (a *Aggregator) addHeat(frame *pipeline.Frame, d pipeline.Detection) {
	if a.heatmap == nil || frame.Width <= 0 || frame.Height <= 0 {
		return
	}
	c := d.BBox.Centroid()
	col := int(c.X / float64(frame.Width) * float64(a.config.HeatmapCols))
	row := int(c.Y / float64(frame.Height) * float64(a.config.HeatmapRows))
	col = min(max(col, 0), a.config.HeatmapCols-1)
	row = min(max(row, 0), a.config.HeatmapRows-1)
	a.heatmap[row*a.config.HeatmapCols+col]++
}

func (a *Aggregator) recordEvent(e pipeline.Event) {
	a.eventTotals[e.Kind]++
	a.timeline.push(e)
	a.hourly.add(e.Timestamp, e.Kind)
	a.daily.add(e.Timestamp, e.Kind)
	a.activityByHour[e.Timestamp.In(a.config.Location).Hour()]++

	switch e.Kind {
	case pipeline.EventZoneEntered:
		z := a.zone(e.ZoneID, e.ZoneKind)
		z.stats.Visits++
		z.open[e.TrackID] = e.Timestamp
	case pipeline.EventZoneExited:
		z := a.zone(e.ZoneID, e.ZoneKind)
		z.stats.Dwell += e.Duration
		delete(z.open, e.TrackID)
	case pipeline.EventZoneViolation:
		a.zone(e.ZoneID, e.ZoneKind).stats.Violations++
		a.violations++
	case pipeline.EventBowlInteractionStarted:
		a.bowl(e.BowlID, e.BowlKind).active[e.TrackID] = true
	case pipeline.EventBowlInteractionEnded:
		b := a.bowl(e.BowlID, e.BowlKind)
		b.stats.Interactions++
		b.stats.TotalDuration += e.Duration
		delete(b.active, e.TrackID)
		switch e.BowlKind {
		case pipeline.BowlFood:
			a.eating++
		case pipeline.BowlWater:
			a.drinking++
		}
	}
}

func (a *Aggregator) zone(id string, kind pipeline.ZoneKind) *zoneState {
	z, ok := a.zones[id]
	if !ok {
		z = &zoneState{stats: pipeline.ZoneStats{ZoneID: id, Kind: kind}, open: make(map[int]time.Time)}
		a.zones[id] = z
	}
	return z
}

func (a *Aggregator) bowl(id string, kind pipeline.BowlKind) *bowlState {
	b, ok := a.bowls[id]
	if !ok {
		b = &bowlState{stats: pipeline.BowlStats{BowlID: id, Kind: kind}, active: make(map[int]bool)}
		a.bowls[id] = b
	}
	return b
}

// Publish builds a deep copy of the current statistics and makes it the
// snapshot returned by Snapshot
func (a *Aggregator) Publish() *pipeline.StatisticsSnapshot {
	a.mu.Lock()
	a.version++
	snap := a.build()
	a.mu.Unlock()

	a.published.Store(snap)
	return snap
}

// Snapshot returns the last published snapshot without locking
func (a *Aggregator) Snapshot() *pipeline.StatisticsSnapshot {
	return a.published.Load()
}

func (a *Aggregator) build() *pipeline.StatisticsSnapshot {
	snap := &pipeline.StatisticsSnapshot{
		Version:          a.version,
		SessionStart:     a.sessionStart,
		AsOf:             a.asOf,
		Mode:             a.mode,
		FramesProcessed:  a.framesProcessed,
		FramesComputed:   a.framesComputed,
		FramesReused:     a.framesReused,
		FramesDegraded:   a.framesDegraded,
		Detections:       lo.Assign(a.detections),
		Summary:          a.summary,
		Zones:            make(map[string]pipeline.ZoneStats, len(a.zones)),
		Bowls:            make(map[string]pipeline.BowlStats, len(a.bowls)),
		EventTotals:      lo.Assign(a.eventTotals),
		Violations:       a.violations,
		EatingSessions:   a.eating,
		DrinkingSessions: a.drinking,
		Timeline:         a.timeline.events(),
		TimelineEvicted:  a.timeline.evicted,
		Hourly:           a.hourly.snapshot(),
		Daily:            a.daily.snapshot(),
		ActivityByHour:   a.activityByHour,
		PeakHour:         peakHour(a.activityByHour),
	}

	for id, z := range a.zones {
		stats := z.stats
		for _, enteredAt := range z.open {
			if a.asOf.After(enteredAt) {
				stats.Dwell += a.asOf.Sub(enteredAt)
			}
		}
		stats.Occupancy = len(z.open)
		snap.Zones[id] = stats
	}

	for id, b := range a.bowls {
		stats := b.stats
		if stats.Interactions > 0 {
			stats.AverageDuration = stats.TotalDuration / time.Duration(stats.Interactions)
		}
		stats.Active = len(b.active)
		snap.Bowls[id] = stats
	}

	if a.heatmap != nil {
		snap.Heatmap = &pipeline.Heatmap{
			Cols:  a.config.HeatmapCols,
			Rows:  a.config.HeatmapRows,
			Cells: append([]uint64(nil), a.heatmap...),
		}
	}
	return snap
}

// peakHour returns the busiest hour of day, -1 without activity
func peakHour(hours [24]uint64) int {
	peak := -1
	var best uint64
	for h, n := range hours {
		if n > best {
			peak, best = h, n
		}
	}
	return peak
}

// Ensure Aggregator implements pipeline.StatisticsRecorder
var _ pipeline.StatisticsRecorder = (*Aggregator)(nil)
