package detectors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"petwatch/internal/pipeline"
)

// Registry holds the configured detector backends in registration order
type Registry struct {
	mu     sync.RWMutex
	byName map[string]pipeline.Detector
	order  []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]pipeline.Detector)}
}

// Register adds a backend. Names must be unique.
func (r *Registry) Register(detector pipeline.Detector) error {
	if detector == nil {
		return fmt.Errorf("detector cannot be nil")
	}
	name := detector.Name()
	if name == "" {
		return fmt.Errorf("detector name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("detector %q already registered", name)
	}
	r.byName[name] = detector
	r.order = append(r.order, name)
	return nil
}

// Select returns the named backends in the order given; unknown names are skipped
func (r *Registry) Select(names []string) []pipeline.Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	selected := make([]pipeline.Detector, 0, len(names))
	for _, name := range names {
		if d, ok := r.byName[name]; ok {
			selected = append(selected, d)
		}
	}
	return selected
}

// Names returns backend names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// CheckHealth checks every backend's health once
func (r *Registry) CheckHealth(ctx context.Context) map[string]bool {
	health := make(map[string]bool)
	for _, d := range r.Select(r.Names()) {
		health[d.Name()] = d.IsHealthy(ctx)
	}
	return health
}

// Close releases every backend and empties the registry
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, name := range r.order {
		if err := r.byName[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close detector %q: %w", name, err))
		}
	}
	clear(r.byName)
	r.order = nil
	return errors.Join(errs...)
}
