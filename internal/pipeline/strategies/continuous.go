package strategies

import (
	"sync"
	"time"

	"petwatch/internal/pipeline"
)

// ContinuousStrategy computes on every frame regardless of the mode's
// frame-skip interval. Optionally rate-limits on the frame clock.
type ContinuousStrategy struct {
	minInterval   time.Duration // Minimum frame time between detections
	lastDetection time.Time
	mu            sync.Mutex
}

// NewContinuousStrategy creates a continuous detection strategy.
// minInterval can be 0 to process every frame.
func NewContinuousStrategy(minInterval time.Duration) *ContinuousStrategy {
	return &ContinuousStrategy{
		minInterval: minInterval,
	}
}

func (s *ContinuousStrategy) Name() string {
	return string(KindContinuous)
}

func (s *ContinuousStrategy) ShouldDetect(frame *pipeline.Frame, last *pipeline.DetectionResult, settings pipeline.ModeSettings) bool {
	if s.minInterval == 0 || last == nil {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return frame.Timestamp.Sub(s.lastDetection) >= s.minInterval
}

func (s *ContinuousStrategy) OnDetectionComplete(result *pipeline.DetectionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDetection = result.ComputedAt
}

var _ pipeline.DetectionStrategy = (*ContinuousStrategy)(nil)
