package detectors

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petwatch/internal/detection"
	"petwatch/internal/pipeline"
)

type fakeBackend struct {
	resp        *detection.Response
	err         error
	healthErr   error
	healthCalls int
	closed      bool
}

func (b *fakeBackend) Detect(ctx context.Context, image []byte, threshold float64) (*detection.Response, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.resp, nil
}

func (b *fakeBackend) Health(ctx context.Context) error {
	b.healthCalls++
	return b.healthErr
}

func (b *fakeBackend) Close() error {
	b.closed = true
	return nil
}

func TestShape(t *testing.T) {
	raw := []detection.RawDetection{
		{Class: "cat", ClassID: 15, Confidence: 0.9, BBox: []float64{10, 20, 60, 100}},
		{Class: "", ClassID: 16, Confidence: 1.4, BBox: []float64{300, 200, 200, 100}},
		{Class: "person", ClassID: 0, Confidence: 0.99, BBox: []float64{0, 0, 10, 10}},
		{Class: "Dog", ClassID: 99, Confidence: 0.3, BBox: []float64{0, 0, 10, 10}},
		{Class: "cat", Confidence: 0.8, BBox: []float64{1, 2}},
		{Class: "cat", Confidence: 0.8, BBox: []float64{5, 5, 5, 50}},
		{Class: "cat", Confidence: math.NaN(), BBox: []float64{0, 0, 10, 10}},
	}

	got := Shape(raw, 0.5)
	require.Len(t, got, 2)

	assert.Equal(t, pipeline.SpeciesCat, got[0].Species)
	assert.Equal(t, pipeline.BBox{X: 10, Y: 20, W: 50, H: 80}, got[0].BBox)
	assert.Equal(t, 0.9, got[0].Confidence)

	assert.Equal(t, pipeline.SpeciesDog, got[1].Species, "COCO id when the name is missing")
	assert.Equal(t, pipeline.BBox{X: 200, Y: 100, W: 100, H: 100}, got[1].BBox, "swapped corners are normalised")
	assert.Equal(t, 1.0, got[1].Confidence, "confidence is clamped")
}

func TestServiceAdapterWrapsFailures(t *testing.T) {
	backend := &fakeBackend{err: errors.New("connection refused")}
	adapter := NewServiceAdapter("http", backend)

	_, err := adapter.Detect(context.Background(), []byte("jpeg"), 0.5)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrDetectionUnavailable)
	assert.Contains(t, err.Error(), "connection refused")

	backend.err = nil
	backend.resp = &detection.Response{Detections: []detection.RawDetection{
		{Class: "dog", Confidence: 0.7, BBox: []float64{0, 0, 40, 30}},
	}}
	dets, err := adapter.Detect(context.Background(), []byte("jpeg"), 0.5)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, pipeline.SpeciesDog, dets[0].Species)

	require.NoError(t, adapter.Close())
	assert.True(t, backend.closed)
}

func TestServiceAdapterCachesHealth(t *testing.T) {
	backend := &fakeBackend{}
	adapter := NewServiceAdapter("grpc", backend)

	assert.True(t, adapter.IsHealthy(context.Background()))
	assert.True(t, adapter.IsHealthy(context.Background()))
	assert.Equal(t, 1, backend.healthCalls)

	// A failed call invalidates the cached result
	backend.err = errors.New("boom")
	_, _ = adapter.Detect(context.Background(), nil, 0.5)
	backend.healthErr = errors.New("down")
	assert.False(t, adapter.IsHealthy(context.Background()))
	assert.Equal(t, 2, backend.healthCalls)
}

type namedDetector struct {
	name    string
	healthy bool
	err     error
	dets    []pipeline.Detection
	calls   int
}

func (d *namedDetector) Name() string                       { return d.name }
func (d *namedDetector) IsHealthy(ctx context.Context) bool { return d.healthy }
func (d *namedDetector) Close() error                       { return nil }

func (d *namedDetector) Detect(ctx context.Context, image []byte, threshold float64) ([]pipeline.Detection, error) {
	d.calls++
	return d.dets, d.err
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	grpcDet := &namedDetector{name: "grpc", healthy: false}
	httpDet := &namedDetector{name: "http", healthy: true}

	require.NoError(t, r.Register(httpDet))
	require.NoError(t, r.Register(grpcDet))
	assert.Error(t, r.Register(&namedDetector{name: "http"}))
	assert.Error(t, r.Register(nil))

	assert.Equal(t, []string{"http", "grpc"}, r.Names())
	assert.Equal(t, map[string]bool{"http": true, "grpc": false}, r.CheckHealth(context.Background()))

	selected := r.Select([]string{"grpc", "yolo", "http"})
	require.Len(t, selected, 2)
	assert.Same(t, grpcDet, selected[0])
	assert.Same(t, httpDet, selected[1])

	require.NoError(t, r.Close())
	assert.Empty(t, r.Names())
}

func TestFailoverUsesPreferenceOrder(t *testing.T) {
	r := NewRegistry()
	primary := &namedDetector{name: "grpc", err: errors.New("unavailable")}
	secondary := &namedDetector{name: "http", healthy: true, dets: []pipeline.Detection{{Species: pipeline.SpeciesCat}}}
	require.NoError(t, r.Register(primary))
	require.NoError(t, r.Register(secondary))

	f, err := NewFailover(r, []string{"grpc", "http", "missing"})
	require.NoError(t, err)
	assert.Equal(t, "grpc+http", f.Name())
	assert.True(t, f.IsHealthy(context.Background()))

	dets, err := f.Detect(context.Background(), nil, 0.5)
	require.NoError(t, err)
	assert.Len(t, dets, 1)
	assert.Equal(t, 1, primary.calls)

	secondary.err = errors.New("also down")
	_, err = f.Detect(context.Background(), nil, 0.5)
	assert.ErrorIs(t, err, pipeline.ErrDetectionUnavailable)

	_, err = NewFailover(r, []string{"missing"})
	assert.Error(t, err)
}
