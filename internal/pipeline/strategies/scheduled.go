package strategies

import (
	"sync"
	"time"

	"petwatch/internal/pipeline"
)

// ScheduledStrategy computes at fixed intervals of frame time.
// Useful for sources with irregular frame rates.
type ScheduledStrategy struct {
	interval      time.Duration
	lastDetection time.Time
	mu            sync.Mutex
}

// NewScheduledStrategy creates a scheduled detection strategy
func NewScheduledStrategy(interval time.Duration) *ScheduledStrategy {
	if interval <= 0 {
		interval = time.Second
	}
	return &ScheduledStrategy{
		interval: interval,
	}
}

func (s *ScheduledStrategy) Name() string {
	return string(KindScheduled)
}

func (s *ScheduledStrategy) ShouldDetect(frame *pipeline.Frame, last *pipeline.DetectionResult, settings pipeline.ModeSettings) bool {
	if last == nil {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return frame.Timestamp.Sub(s.lastDetection) >= s.interval
}

func (s *ScheduledStrategy) OnDetectionComplete(result *pipeline.DetectionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDetection = result.ComputedAt
}

var _ pipeline.DetectionStrategy = (*ScheduledStrategy)(nil)
