package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeDetector struct {
	detections []Detection
	err        error
	calls      int
	images     [][]byte
	thresholds []float64
}

func (d *fakeDetector) Name() string                       { return "fake" }
func (d *fakeDetector) IsHealthy(ctx context.Context) bool { return d.err == nil }
func (d *fakeDetector) Close() error                       { return nil }

func (d *fakeDetector) Detect(ctx context.Context, image []byte, threshold float64) ([]Detection, error) {
	d.calls++
	d.images = append(d.images, image)
	d.thresholds = append(d.thresholds, threshold)
	if d.err != nil {
		return nil, d.err
	}
	return append([]Detection(nil), d.detections...), nil
}

type halfScaler struct {
	calls int
}

func (s *halfScaler) Scale(frame *Frame, factor float64) (*ScaledImage, error) {
	s.calls++
	return &ScaledImage{Data: []byte("scaled"), ScaleX: factor, ScaleY: factor}, nil
}

// everyNth mirrors the frame-skip strategy without importing it
type everyNth struct{}

func (everyNth) Name() string { return "every_nth" }
func (everyNth) ShouldDetect(frame *Frame, last *DetectionResult, settings ModeSettings) bool {
	return last == nil || frame.Seq-last.ComputedSeq >= uint64(settings.FrameSkip)
}
func (everyNth) OnDetectionComplete(result *DetectionResult) {}

func testFrame(seq uint64, offset time.Duration) *Frame {
	return &Frame{Seq: seq, Timestamp: epoch.Add(offset), Data: []byte("jpeg"), Width: 640, Height: 480}
}

func catAt(x, y, conf float64) Detection {
	return Detection{BBox: BBox{X: x, Y: y, W: 20, H: 20}, Species: SpeciesCat, Confidence: conf}
}

func TestSchedulerReuseReturnsCachedDetections(t *testing.T) {
	det := &fakeDetector{detections: []Detection{catAt(10, 10, 0.9), {BBox: BBox{X: 100, Y: 50, W: 40, H: 30}, Species: SpeciesDog, Confidence: 0.7}}}
	s := NewDetectionScheduler(det, everyNth{}, nil, SchedulerConfig{Mode: ModeBalanced})

	first, err := s.Schedule(context.Background(), testFrame(1, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusComputed, first.Status)
	require.Len(t, first.Detections, 2)

	for seq := uint64(2); seq <= 3; seq++ {
		res, err := s.Schedule(context.Background(), testFrame(seq, time.Duration(seq)*100*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, StatusReused, res.Status)
		assert.Equal(t, uint64(1), res.ComputedSeq)
		require.Len(t, res.Detections, len(first.Detections))
		for i, d := range res.Detections {
			assert.Equal(t, seq, d.FrameSeq, "sequence number is remapped")
			assert.Equal(t, first.Detections[i].BBox, d.BBox, "boxes are unchanged")
			assert.Equal(t, first.Detections[i].Confidence, d.Confidence)
			assert.Equal(t, first.Detections[i].Species, d.Species)
		}
	}
	assert.Equal(t, 1, det.calls)

	fourth, err := s.Schedule(context.Background(), testFrame(4, 400*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, StatusComputed, fourth.Status)
	assert.Equal(t, 2, det.calls)

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Computed)
	assert.Equal(t, uint64(2), stats.Reused)
}

func TestSchedulerReusedSlicesAreIndependent(t *testing.T) {
	det := &fakeDetector{detections: []Detection{catAt(10, 10, 0.9)}}
	s := NewDetectionScheduler(det, everyNth{}, nil, SchedulerConfig{Mode: ModeUltra})

	first, err := s.Schedule(context.Background(), testFrame(1, 0))
	require.NoError(t, err)
	first.Detections[0].BBox.X = 999

	reused, err := s.Schedule(context.Background(), testFrame(2, 0))
	require.NoError(t, err)
	assert.Equal(t, 10.0, reused.Detections[0].BBox.X)
}

func TestSchedulerDownscalesAndRescales(t *testing.T) {
	det := &fakeDetector{detections: []Detection{catAt(10, 10, 0.9)}}
	scaler := &halfScaler{}
	s := NewDetectionScheduler(det, nil, scaler, SchedulerConfig{Mode: ModeBalanced})

	res, err := s.Schedule(context.Background(), testFrame(1, 0))
	require.NoError(t, err)

	assert.Equal(t, 1, scaler.calls)
	assert.Equal(t, []byte("scaled"), det.images[0])
	require.Len(t, res.Detections, 1)
	assert.Equal(t, BBox{X: 20, Y: 20, W: 40, H: 40}, res.Detections[0].BBox)
}

func TestSchedulerFiltersByModeConfidence(t *testing.T) {
	det := &fakeDetector{detections: []Detection{catAt(0, 0, 0.3), catAt(50, 50, 0.5), catAt(90, 90, 0.8)}}
	s := NewDetectionScheduler(det, nil, nil, SchedulerConfig{Mode: ModeBalanced})

	res, err := s.Schedule(context.Background(), testFrame(1, 0))
	require.NoError(t, err)

	assert.Equal(t, []float64{0.5}, det.thresholds)
	require.Len(t, res.Detections, 2)
	assert.Equal(t, 0.5, res.Detections[0].Confidence)
	assert.Equal(t, 0.8, res.Detections[1].Confidence)
}

func TestSchedulerModeChangeAppliesToNextDecision(t *testing.T) {
	det := &fakeDetector{detections: []Detection{catAt(10, 10, 0.95)}}
	s := NewDetectionScheduler(det, everyNth{}, nil, SchedulerConfig{Mode: ModeUltra})

	_, err := s.Schedule(context.Background(), testFrame(1, 0))
	require.NoError(t, err)

	res, err := s.Schedule(context.Background(), testFrame(2, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusReused, res.Status)
	assert.Equal(t, ModeUltra, res.Mode)

	require.NoError(t, s.SetMode(ModeQuality))
	res, err = s.Schedule(context.Background(), testFrame(3, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusComputed, res.Status)
	assert.Equal(t, ModeQuality, res.Mode)
	assert.Equal(t, 0.4, det.thresholds[len(det.thresholds)-1])

	assert.Error(t, s.SetMode("turbo"))
	mode, _ := s.Mode()
	assert.Equal(t, ModeQuality, mode)
}

func TestSchedulerDegradesThenFailsAfterRetryBudget(t *testing.T) {
	det := &fakeDetector{detections: []Detection{catAt(10, 10, 0.9)}}
	s := NewDetectionScheduler(det, nil, nil, SchedulerConfig{
		Mode:           ModeQuality,
		RetryBudget:    2,
		BackoffInitial: 100 * time.Millisecond,
		BackoffMax:     time.Second,
	})
	ctx := context.Background()

	_, err := s.Schedule(ctx, testFrame(1, 0))
	require.NoError(t, err)

	det.err = errors.New("model not loaded")

	res, err := s.Schedule(ctx, testFrame(2, 10*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.ErrorIs(t, res.Cause, ErrDetectionUnavailable)
	require.Len(t, res.Detections, 1, "last good result keeps being served")
	assert.Equal(t, uint64(2), res.Detections[0].FrameSeq)
	assert.Equal(t, 2, det.calls)

	res, err = s.Schedule(ctx, testFrame(3, 50*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, 2, det.calls, "no detector call inside the backoff window")

	res, err = s.Schedule(ctx, testFrame(4, 110*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, 3, det.calls)

	_, err = s.Schedule(ctx, testFrame(5, 310*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDetectorFailed)
	assert.Equal(t, 4, det.calls)
	assert.Equal(t, 3, s.Stats().ConsecutiveFailures)
}

func TestSchedulerRecoversAfterTransientFailure(t *testing.T) {
	det := &fakeDetector{err: errors.New("connection refused")}
	s := NewDetectionScheduler(det, nil, nil, SchedulerConfig{
		Mode:           ModeQuality,
		RetryBudget:    3,
		BackoffInitial: 100 * time.Millisecond,
	})
	ctx := context.Background()

	res, err := s.Schedule(ctx, testFrame(1, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Empty(t, res.Detections, "no cache yet")

	det.err = nil
	det.detections = []Detection{catAt(5, 5, 0.8)}

	res, err = s.Schedule(ctx, testFrame(2, 100*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, StatusComputed, res.Status)
	assert.Len(t, res.Detections, 1)

	stats := s.Stats()
	assert.Equal(t, 0, stats.ConsecutiveFailures)
	assert.Equal(t, uint64(1), stats.Failures)
	assert.Equal(t, uint64(1), stats.Degraded)
}

func TestModeTableOverrides(t *testing.T) {
	skip := 7
	conf := 0.95
	table := BuildModeTable(map[PerformanceMode]*ModeOverride{
		ModeUltra: {FrameSkip: &skip, Confidence: &conf},
	})

	assert.Equal(t, 7, table[ModeUltra].FrameSkip)
	assert.Equal(t, MaxConfidence, table[ModeUltra].Confidence, "confidence is clamped")
	assert.Equal(t, 0.25, table[ModeUltra].Scale)
	assert.Equal(t, DefaultModeTable()[ModeQuality], table[ModeQuality])

	mode, err := ParsePerformanceMode(" Performance ")
	require.NoError(t, err)
	assert.Equal(t, ModePerformance, mode)

	_, err = ParsePerformanceMode("fast")
	assert.Error(t, err)
}
