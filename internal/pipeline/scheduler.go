package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// SchedulerConfig configures the detection cache and scheduler
type SchedulerConfig struct {
	Mode           PerformanceMode
	Modes          ModeTable
	RetryBudget    int           // Consecutive failures tolerated before failing hard
	BackoffInitial time.Duration // First retry delay, measured on the frame clock
	BackoffMax     time.Duration
}

// DefaultSchedulerConfig returns sensible scheduler defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Mode:           ModeBalanced,
		Modes:          DefaultModeTable(),
		RetryBudget:    5,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     10 * time.Second,
	}
}

// SchedulerStats contains scheduling counters
type SchedulerStats struct {
	Mode                PerformanceMode `json:"mode"`
	Computed            uint64          `json:"computed"`
	Reused              uint64          `json:"reused"`
	Degraded            uint64          `json:"degraded"`
	Failures            uint64          `json:"failures"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastInferenceMs     float64         `json:"last_inference_ms"`
	AvgInferenceMs      float64         `json:"avg_inference_ms"`
}

// DetectionScheduler decides per frame whether to run the detector or
// serve the cached result, and degrades to the cache while the detector
// is unavailable.
type DetectionScheduler struct {
	detector Detector
	strategy DetectionStrategy
	scaler   FrameScaler
	modes    ModeTable

	mode PerformanceMode
	mu   sync.RWMutex

	// Owned by the detect+track stage; only Schedule touches them
	cache       *DetectionResult
	failures    int
	retryAt     time.Time
	lastCause   error
	retryBudget int
	backoff     *backoff.ExponentialBackOff

	stats   SchedulerStats
	statsMu sync.RWMutex
}

// NewDetectionScheduler creates a scheduler. scaler may be nil to send
// frames at source resolution.
func NewDetectionScheduler(detector Detector, strategy DetectionStrategy, scaler FrameScaler, config SchedulerConfig) *DetectionScheduler {
	if config.Modes == nil {
		config.Modes = DefaultModeTable()
	}
	if config.Mode == "" {
		config.Mode = ModeBalanced
	}
	if config.RetryBudget <= 0 {
		config.RetryBudget = DefaultSchedulerConfig().RetryBudget
	}
	if config.BackoffInitial <= 0 {
		config.BackoffInitial = DefaultSchedulerConfig().BackoffInitial
	}
	if config.BackoffMax < config.BackoffInitial {
		config.BackoffMax = config.BackoffInitial
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.BackoffInitial
	b.MaxInterval = config.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	return &DetectionScheduler{
		detector:    detector,
		strategy:    strategy,
		scaler:      scaler,
		modes:       config.Modes,
		mode:        config.Mode,
		retryBudget: config.RetryBudget,
		backoff:     b,
		stats:       SchedulerStats{Mode: config.Mode},
	}
}

// SetMode switches the performance mode; it applies from the next Schedule call
func (s *DetectionScheduler) SetMode(mode PerformanceMode) error {
	if _, ok := s.modes[mode]; !ok {
		return fmt.Errorf("unknown performance mode: %q", mode)
	}

	s.mu.Lock()
	previous := s.mode
	s.mode = mode
	s.mu.Unlock()

	s.statsMu.Lock()
	s.stats.Mode = mode
	s.statsMu.Unlock()

	if previous != mode {
		log.Printf("[Scheduler] Performance mode changed: %s -> %s", previous, mode)
	}
	return nil
}

// Mode returns the active performance mode and its settings
func (s *DetectionScheduler) Mode() (PerformanceMode, ModeSettings) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode, s.modes.Settings(s.mode)
}

// Stats returns a copy of the scheduling counters
func (s *DetectionScheduler) Stats() SchedulerStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

// Schedule returns the detections for a frame. Transient detector
// failures yield a degraded result; an error is returned only once the
// retry budget is exhausted (wrapping ErrDetectorFailed) or ctx ends.
func (s *DetectionScheduler) Schedule(ctx context.Context, frame *Frame) (*DetectionResult, error) {
	if frame == nil {
		return nil, fmt.Errorf("frame cannot be nil")
	}

	// Mode is read once so a change never applies mid-frame
	mode, settings := s.Mode()

	if s.failures > 0 {
		if frame.Timestamp.Before(s.retryAt) {
			return s.serveCache(frame, mode, StatusDegraded, s.lastCause), nil
		}
		return s.compute(ctx, frame, mode, settings)
	}

	if s.strategy != nil && !s.strategy.ShouldDetect(frame, s.cache, settings) {
		return s.serveCache(frame, mode, StatusReused, nil), nil
	}
	return s.compute(ctx, frame, mode, settings)
}

func (s *DetectionScheduler) compute(ctx context.Context, frame *Frame, mode PerformanceMode, settings ModeSettings) (*DetectionResult, error) {
	image, scaleX, scaleY := s.prepare(frame, settings.Scale)

	start := time.Now()
	detections, err := s.detector.Detect(ctx, image, settings.Confidence)
	inferenceMs := float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return s.onFailure(frame, mode, err)
	}

	if s.failures > 0 {
		log.Printf("[Scheduler] Detector %s recovered after %d failures", s.detector.Name(), s.failures)
		s.failures = 0
		s.lastCause = nil
		s.backoff.Reset()
	}

	shaped := make([]Detection, 0, len(detections))
	for _, d := range detections {
		if d.Confidence < settings.Confidence {
			continue
		}
		d.BBox = d.BBox.Scale(1/scaleX, 1/scaleY)
		d.FrameSeq = frame.Seq
		shaped = append(shaped, d)
	}

	s.cache = &DetectionResult{
		FrameSeq:    frame.Seq,
		Timestamp:   frame.Timestamp,
		Mode:        mode,
		Status:      StatusComputed,
		Detections:  shaped,
		ComputedSeq: frame.Seq,
		ComputedAt:  frame.Timestamp,
		Detector:    s.detector.Name(),
		InferenceMs: inferenceMs,
	}
	if s.strategy != nil {
		s.strategy.OnDetectionComplete(s.cache)
	}

	s.statsMu.Lock()
	s.stats.Computed++
	s.stats.ConsecutiveFailures = 0
	s.stats.LastInferenceMs = inferenceMs
	s.stats.AvgInferenceMs += (inferenceMs - s.stats.AvgInferenceMs) / float64(s.stats.Computed)
	s.statsMu.Unlock()

	result := *s.cache
	result.Detections = append([]Detection(nil), shaped...)
	return &result, nil
}

func (s *DetectionScheduler) onFailure(frame *Frame, mode PerformanceMode, err error) (*DetectionResult, error) {
	s.failures++

	s.statsMu.Lock()
	s.stats.Failures++
	s.stats.ConsecutiveFailures = s.failures
	s.statsMu.Unlock()

	if s.failures > s.retryBudget {
		log.Printf("[Scheduler] Detector %s failed %d consecutive times, giving up", s.detector.Name(), s.failures)
		return nil, fmt.Errorf("%w: %d consecutive failures: %w", ErrDetectorFailed, s.failures, err)
	}

	cause := &DetectionUnavailableError{Detector: s.detector.Name(), Attempt: s.failures, Err: err}
	s.lastCause = cause

	wait := s.backoff.NextBackOff()
	s.retryAt = frame.Timestamp.Add(wait)
	log.Printf("[Scheduler] %v, serving cached detections, retry in %s (%d/%d)",
		cause, wait, s.failures, s.retryBudget)

	return s.serveCache(frame, mode, StatusDegraded, cause), nil
}

// serveCache remaps the cached detections to the given frame
func (s *DetectionScheduler) serveCache(frame *Frame, mode PerformanceMode, status DetectionStatus, cause error) *DetectionResult {
	result := &DetectionResult{
		FrameSeq:   frame.Seq,
		Timestamp:  frame.Timestamp,
		Mode:       mode,
		Status:     status,
		Detections: []Detection{},
		Cause:      cause,
	}

	if s.cache != nil {
		result.ComputedSeq = s.cache.ComputedSeq
		result.ComputedAt = s.cache.ComputedAt
		result.Detector = s.cache.Detector
		result.Detections = make([]Detection, len(s.cache.Detections))
		for i, d := range s.cache.Detections {
			d.FrameSeq = frame.Seq
			result.Detections[i] = d
		}
	}

	s.statsMu.Lock()
	if status == StatusDegraded {
		s.stats.Degraded++
	} else {
		s.stats.Reused++
	}
	s.statsMu.Unlock()

	return result
}

// prepare downsamples the frame, returning the image and the applied factors
func (s *DetectionScheduler) prepare(frame *Frame, scale float64) ([]byte, float64, float64) {
	if s.scaler == nil || scale >= 1 || scale <= 0 {
		return frame.Data, 1, 1
	}

	scaled, err := s.scaler.Scale(frame, scale)
	if err != nil || scaled == nil || scaled.ScaleX <= 0 || scaled.ScaleY <= 0 {
		if err != nil {
			log.Printf("[Scheduler] Failed to downscale frame %d, using source resolution: %v", frame.Seq, err)
		}
		return frame.Data, 1, 1
	}
	return scaled.Data, scaled.ScaleX, scaled.ScaleY
}

// Ensure DetectionScheduler implements Scheduler
var _ Scheduler = (*DetectionScheduler)(nil)
