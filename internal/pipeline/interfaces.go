package pipeline

import (
	"context"
)

// Detector wraps the external detection capability.
// Implementations own class filtering and result shaping.
type Detector interface {
	// Name returns the detector identifier (e.g., "http", "grpc")
	Name() string

	// IsHealthy returns true if the backend is reachable
	IsHealthy(ctx context.Context) bool

	// Detect runs detection on an encoded image. Boxes are in the
	// coordinates of the image passed in. Failures wrap ErrDetectionUnavailable.
	Detect(ctx context.Context, image []byte, threshold float64) ([]Detection, error)

	// Close releases detector resources
	Close() error
}

// FrameSource supplies ordered frames.
// NextFrame returns ErrSourceExhausted at end of stream.
type FrameSource interface {
	NextFrame(ctx context.Context) (*Frame, error)
	Close() error
}

// ScaledImage is a downscaled encoding of a frame
type ScaledImage struct {
	Data   []byte
	ScaleX float64 // Scaled width / source width
	ScaleY float64 // Scaled height / source height
}

// FrameScaler downsamples frames before detection
type FrameScaler interface {
	Scale(frame *Frame, factor float64) (*ScaledImage, error)
}

// DetectionStrategy decides whether a frame is computed or served from cache
type DetectionStrategy interface {
	// Name returns the strategy identifier
	Name() string

	// ShouldDetect reports whether the detector must run for this frame.
	// last is the current cache entry, nil before the first computation.
	ShouldDetect(frame *Frame, last *DetectionResult, settings ModeSettings) bool

	// OnDetectionComplete is called after a successful computation
	OnDetectionComplete(result *DetectionResult)
}

// Scheduler produces the detections for each frame
type Scheduler interface {
	Schedule(ctx context.Context, frame *Frame) (*DetectionResult, error)
}

// ActivityTracker turns per-frame detections into events
type ActivityTracker interface {
	Update(frame *Frame, detections []Detection) []Event
}

// StatisticsRecorder accumulates statistics and publishes snapshots
type StatisticsRecorder interface {
	// Record applies one processed frame atomically
	Record(frame *Frame, result *DetectionResult, events []Event)

	// Publish builds and stores a fresh immutable snapshot
	Publish() *StatisticsSnapshot
}

// EventHandler receives every emitted event, in order
type EventHandler interface {
	OnEvents(events []Event)
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(events []Event)

// OnEvents implements EventHandler
func (f EventHandlerFunc) OnEvents(events []Event) {
	f(events)
}

// SnapshotConsumer receives rate-limited publications.
// Implementations must honour ctx; slow consumers are skipped.
type SnapshotConsumer interface {
	OnPublication(ctx context.Context, pub *Publication) error
}

// FrameObserver sees every processed frame with its detections.
// OnFrame runs on the detect+track stage and must not block.
type FrameObserver interface {
	OnFrame(frame *Frame, result *DetectionResult)
}
