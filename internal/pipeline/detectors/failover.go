package detectors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"petwatch/internal/pipeline"
)

// Failover tries detectors in preference order and returns the first
// success. It fails only when every detector fails.
type Failover struct {
	detectors []pipeline.Detector
}

// NewFailover selects names from the registry, in order
func NewFailover(registry *Registry, names []string) (*Failover, error) {
	selected := registry.Select(names)
	if len(selected) == 0 {
		return nil, fmt.Errorf("no registered detector among %v", names)
	}
	return &Failover{detectors: selected}, nil
}

func (f *Failover) Name() string {
	names := make([]string, len(f.detectors))
	for i, d := range f.detectors {
		names[i] = d.Name()
	}
	return strings.Join(names, "+")
}

func (f *Failover) IsHealthy(ctx context.Context) bool {
	for _, d := range f.detectors {
		if d.IsHealthy(ctx) {
			return true
		}
	}
	return false
}

func (f *Failover) Detect(ctx context.Context, image []byte, threshold float64) ([]pipeline.Detection, error) {
	var errs []error
	for _, d := range f.detectors {
		detections, err := d.Detect(ctx, image, threshold)
		if err == nil {
			return detections, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w: all detectors failed: %w", pipeline.ErrDetectionUnavailable, errors.Join(errs...))
}

// Close is a no-op; the registry owns the detectors
func (f *Failover) Close() error {
	return nil
}

// Ensure Failover implements Detector
var _ pipeline.Detector = (*Failover)(nil)
