package source

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"petwatch/internal/pipeline"
)

// HTTPSnapshotSource polls a single-image endpoint at the configured rate
type HTTPSnapshotSource struct {
	url      string
	interval time.Duration
	client   *http.Client

	sequencer

	mu       sync.Mutex
	nextPoll time.Time
	failures int
}

// NewHTTPSnapshotSource creates a polling source for url
func NewHTTPSnapshotSource(url string, fps int) *HTTPSnapshotSource {
	interval := time.Second
	if fps > 0 {
		interval = time.Second / time.Duration(fps)
	}
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond // Max 10 FPS for HTTP polling
	}
	return &HTTPSnapshotSource{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// NextFrame waits for the next poll slot and fetches an image. Failed
// fetches are logged and retried on the following slot.
func (s *HTTPSnapshotSource) NextFrame(ctx context.Context) (*pipeline.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if wait := time.Until(s.nextPoll); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		s.nextPoll = time.Now().Add(s.interval)

		data, err := s.fetch(ctx)
		if err == nil {
			s.failures = 0
			return s.frame(time.Now(), data, 0, 0), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		s.failures++
		if s.failures == 1 || s.failures%50 == 0 {
			log.Printf("[Source] Snapshot fetch from %s failed (%d in a row): %v", s.url, s.failures, err)
		}
	}
}

func (s *HTTPSnapshotSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot endpoint returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("snapshot endpoint returned an empty body")
	}
	return data, nil
}

// Close releases idle connections
func (s *HTTPSnapshotSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

var _ pipeline.FrameSource = (*HTTPSnapshotSource)(nil)
