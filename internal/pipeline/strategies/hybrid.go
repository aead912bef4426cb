package strategies

import (
	"time"

	"petwatch/internal/pipeline"
)

// HybridStrategy computes on the mode's frame-skip interval OR when the
// cache is older than maxAge, whichever comes first. The age bound gives
// guaranteed coverage when the source frame rate drops.
type HybridStrategy struct {
	frameSkip *FrameSkipStrategy
	scheduled *ScheduledStrategy
}

// NewHybridStrategy creates a hybrid detection strategy
func NewHybridStrategy(maxAge time.Duration) *HybridStrategy {
	return &HybridStrategy{
		frameSkip: NewFrameSkipStrategy(),
		scheduled: NewScheduledStrategy(maxAge),
	}
}

func (s *HybridStrategy) Name() string {
	return string(KindHybrid)
}

func (s *HybridStrategy) ShouldDetect(frame *pipeline.Frame, last *pipeline.DetectionResult, settings pipeline.ModeSettings) bool {
	// Check scheduled trigger first (guaranteed coverage)
	if s.scheduled.ShouldDetect(frame, last, settings) {
		return true
	}
	return s.frameSkip.ShouldDetect(frame, last, settings)
}

func (s *HybridStrategy) OnDetectionComplete(result *pipeline.DetectionResult) {
	s.scheduled.OnDetectionComplete(result)
	s.frameSkip.OnDetectionComplete(result)
}

var _ pipeline.DetectionStrategy = (*HybridStrategy)(nil)
