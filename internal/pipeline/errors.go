package pipeline

import (
	"errors"
	"fmt"

	"petwatch/internal/geometry"
)

var (
	// ErrSourceExhausted is returned by a FrameSource at end of stream
	ErrSourceExhausted = errors.New("frame source exhausted")

	// ErrDetectionUnavailable marks a transient detector failure
	ErrDetectionUnavailable = errors.New("detection unavailable")

	// ErrDetectorFailed is returned once the retry budget is exhausted
	ErrDetectorFailed = errors.New("detector permanently unavailable")

	// ErrInvalidZoneGeometry is returned for zones or bowls rejected at configuration time
	ErrInvalidZoneGeometry = geometry.ErrInvalidZoneGeometry
)

// DetectionUnavailableError describes one failed detector call
type DetectionUnavailableError struct {
	Detector string
	Attempt  int
	Err      error
}

func (e *DetectionUnavailableError) Error() string {
	return fmt.Sprintf("detector %s unavailable (attempt %d): %v", e.Detector, e.Attempt, e.Err)
}

// Is lets errors.Is match ErrDetectionUnavailable
func (e *DetectionUnavailableError) Is(target error) bool {
	return target == ErrDetectionUnavailable
}

func (e *DetectionUnavailableError) Unwrap() error {
	return e.Err
}
