package strategies

import (
	"fmt"
	"time"

	"petwatch/internal/pipeline"
)

// Kind identifies a detection strategy
type Kind string

const (
	// KindFrameSkip - compute every N-th frame per performance mode (default)
	KindFrameSkip Kind = "frame_skip"
	// KindContinuous - compute every frame, optionally rate-limited
	KindContinuous Kind = "continuous"
	// KindScheduled - compute at fixed frame-time intervals
	KindScheduled Kind = "scheduled"
	// KindHybrid - frame skip with a maximum cache age
	KindHybrid Kind = "hybrid"
)

// Config selects and parameterises a strategy
type Config struct {
	Kind     Kind
	Interval time.Duration // Scheduled interval, hybrid max age or continuous rate limit
}

// StrategyFactory creates detection strategies based on configuration
type StrategyFactory struct{}

// NewStrategyFactory creates a new strategy factory
func NewStrategyFactory() *StrategyFactory {
	return &StrategyFactory{}
}

// Create creates a detection strategy for the given configuration
func (f *StrategyFactory) Create(config Config) (pipeline.DetectionStrategy, error) {
	switch config.Kind {
	case "", KindFrameSkip:
		return NewFrameSkipStrategy(), nil

	case KindContinuous:
		return NewContinuousStrategy(config.Interval), nil

	case KindScheduled:
		return NewScheduledStrategy(config.Interval), nil

	case KindHybrid:
		// Default max age keeps reuse bounded at low frame rates
		maxAge := config.Interval
		if maxAge <= 0 {
			maxAge = 2 * time.Second
		}
		return NewHybridStrategy(maxAge), nil

	default:
		return nil, fmt.Errorf("unknown detection strategy: %s", config.Kind)
	}
}
