package pipeline

import (
	"time"
)

// ZoneStats aggregates activity for one zone
type ZoneStats struct {
	ZoneID     string        `json:"zone_id"`
	Kind       ZoneKind      `json:"kind"`
	Visits     uint64        `json:"visits"`
	Dwell      time.Duration `json:"dwell"` // Closed visits plus open visits up to AsOf
	Violations uint64        `json:"violations"`
	Occupancy  int           `json:"occupancy"` // Tracks currently inside
}

// BowlStats aggregates interactions for one bowl
type BowlStats struct {
	BowlID          string        `json:"bowl_id"`
	Kind            BowlKind      `json:"kind"`
	Interactions    uint64        `json:"interactions"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
	Active          int           `json:"active"`
}

// Rollup counts events per kind inside one time bucket
type Rollup struct {
	Start  time.Time            `json:"start"`
	Counts map[EventKind]uint64 `json:"counts"`
	Total  uint64               `json:"total"`
}

// Heatmap is a coarse grid of detection centroids, row-major
type Heatmap struct {
	Cols  int      `json:"cols"`
	Rows  int      `json:"rows"`
	Cells []uint64 `json:"cells"`
}

// DetectionSummary describes the most recently processed frame
type DetectionSummary struct {
	Cats              int     `json:"cats"`
	Dogs              int     `json:"dogs"`
	AverageConfidence float64 `json:"average_confidence"`
}

// StatisticsSnapshot is an immutable point-in-time copy of aggregated statistics.
// Published snapshots are never mutated; readers need no locking.
type StatisticsSnapshot struct {
	Version          uint64               `json:"version"`
	SessionStart     time.Time            `json:"session_start"`
	AsOf             time.Time            `json:"as_of"`
	Mode             PerformanceMode      `json:"mode,omitempty"`
	FramesProcessed  uint64               `json:"frames_processed"`
	FramesComputed   uint64               `json:"frames_computed"`
	FramesReused     uint64               `json:"frames_reused"`
	FramesDegraded   uint64               `json:"frames_degraded"`
	Detections       map[Species]uint64   `json:"detections"`
	Summary          DetectionSummary     `json:"summary"`
	Zones            map[string]ZoneStats `json:"zones"`
	Bowls            map[string]BowlStats `json:"bowls"`
	EventTotals      map[EventKind]uint64 `json:"event_totals"`
	Violations       uint64               `json:"violations"`
	EatingSessions   uint64               `json:"eating_sessions"`
	DrinkingSessions uint64               `json:"drinking_sessions"`
	Timeline         []Event              `json:"timeline"`
	TimelineEvicted  uint64               `json:"timeline_evicted"`
	Hourly           []Rollup             `json:"hourly"`
	Daily            []Rollup             `json:"daily"`
	ActivityByHour   [24]uint64           `json:"activity_by_hour"`
	PeakHour         int                  `json:"peak_hour"` // -1 until any activity is recorded
	Heatmap          *Heatmap             `json:"heatmap,omitempty"`
}

// TotalEvents returns the exact number of events ever recorded
func (s *StatisticsSnapshot) TotalEvents() uint64 {
	var total uint64
	for _, n := range s.EventTotals {
		total += n
	}
	return total
}

// Publication is one update pushed to UI consumers
type Publication struct {
	Seq           uint64              `json:"seq"`
	PublishedAt   time.Time           `json:"published_at"`
	Snapshot      *StatisticsSnapshot `json:"snapshot"`
	Events        []Event             `json:"events"`         // Events since the previous publication
	EventsDropped uint64              `json:"events_dropped"` // UI-side overflow, never affects statistics
	Final         bool                `json:"final"`
	Reason        string              `json:"reason,omitempty"` // Terminal condition on the final publication
}
