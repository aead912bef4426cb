package detectors

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"petwatch/internal/detection"
	"petwatch/internal/pipeline"
)

// Backend is a raw client for the detection service
type Backend interface {
	Detect(ctx context.Context, image []byte, threshold float64) (*detection.Response, error)
	Health(ctx context.Context) error
	Close() error
}

// ServiceAdapter wraps a detection service client to implement the
// unified Detector interface
type ServiceAdapter struct {
	name    string
	backend Backend

	healthy    bool
	lastHealth time.Time
	healthTTL  time.Duration
	healthMu   sync.Mutex
}

// NewServiceAdapter creates an adapter named name over backend
func NewServiceAdapter(name string, backend Backend) *ServiceAdapter {
	return &ServiceAdapter{
		name:      name,
		backend:   backend,
		healthTTL: 30 * time.Second,
	}
}

// NewHTTPAdapter creates the "http" detector
func NewHTTPAdapter(client *detection.HTTPClient) *ServiceAdapter {
	return NewServiceAdapter("http", client)
}

// NewGRPCAdapter creates the "grpc" detector
func NewGRPCAdapter(client *detection.GRPCClient) *ServiceAdapter {
	return NewServiceAdapter("grpc", client)
}

func (a *ServiceAdapter) Name() string {
	return a.name
}

// IsHealthy caches a positive health check for 30 seconds
func (a *ServiceAdapter) IsHealthy(ctx context.Context) bool {
	a.healthMu.Lock()
	defer a.healthMu.Unlock()

	if a.healthy && time.Since(a.lastHealth) < a.healthTTL {
		return true
	}

	if err := a.backend.Health(ctx); err != nil {
		if a.healthy || a.lastHealth.IsZero() {
			log.Printf("[Detector:%s] Health check failed: %v", a.name, err)
		}
		a.healthy = false
		a.lastHealth = time.Now()
		return false
	}

	a.healthy = true
	a.lastHealth = time.Now()
	return true
}

// Detect runs the service and shapes its reply. Every failure wraps
// ErrDetectionUnavailable.
func (a *ServiceAdapter) Detect(ctx context.Context, image []byte, threshold float64) ([]pipeline.Detection, error) {
	resp, err := a.backend.Detect(ctx, image, threshold)
	if err != nil {
		a.healthMu.Lock()
		a.healthy = false
		a.healthMu.Unlock()
		return nil, fmt.Errorf("%w: %s: %w", pipeline.ErrDetectionUnavailable, a.name, err)
	}
	return Shape(resp.Detections, threshold), nil
}

func (a *ServiceAdapter) Close() error {
	return a.backend.Close()
}

// Ensure ServiceAdapter implements Detector
var _ pipeline.Detector = (*ServiceAdapter)(nil)
