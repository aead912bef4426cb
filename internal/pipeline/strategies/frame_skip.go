package strategies

import (
	"petwatch/internal/pipeline"
)

// FrameSkipStrategy computes on every N-th source frame, where N is the
// active mode's frame-skip interval. Frames dropped upstream still count
// towards N, so the cache never grows older than N source frames.
type FrameSkipStrategy struct{}

// NewFrameSkipStrategy creates a frame-skip strategy
func NewFrameSkipStrategy() *FrameSkipStrategy {
	return &FrameSkipStrategy{}
}

func (s *FrameSkipStrategy) Name() string {
	return string(KindFrameSkip)
}

func (s *FrameSkipStrategy) ShouldDetect(frame *pipeline.Frame, last *pipeline.DetectionResult, settings pipeline.ModeSettings) bool {
	if last == nil {
		return true
	}
	if frame.Seq <= last.ComputedSeq {
		return false
	}
	skip := settings.FrameSkip
	if skip < 1 {
		skip = 1
	}
	return frame.Seq-last.ComputedSeq >= uint64(skip)
}

func (s *FrameSkipStrategy) OnDetectionComplete(result *pipeline.DetectionResult) {}

var _ pipeline.DetectionStrategy = (*FrameSkipStrategy)(nil)
