package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"petwatch/internal/pipeline"
)

// replay serves a fixed, ordered list of stored images with synthetic
// timestamps spaced at 1/fps.
type replay struct {
	names []string
	load  func(ctx context.Context, name string) ([]byte, error)
	step  time.Duration
	loop  bool
	pace  bool
	start time.Time

	sequencer

	mu       sync.Mutex
	idx      int
	lastEmit time.Time
}

func newReplay(names []string, fps int, loop, pace bool, load func(context.Context, string) ([]byte, error)) *replay {
	if fps <= 0 {
		fps = 5
	}
	return &replay{
		names: names,
		load:  load,
		step:  time.Second / time.Duration(fps),
		loop:  loop,
		pace:  pace,
		start: time.Now(),
	}
}

func isJPEGName(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".jpg" || ext == ".jpeg"
}

func (r *replay) next(ctx context.Context) (*pipeline.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.names) == 0 {
		return nil, pipeline.ErrSourceExhausted
	}
	if r.idx >= len(r.names) {
		if !r.loop {
			return nil, pipeline.ErrSourceExhausted
		}
		r.idx = 0
	}

	if r.pace && !r.lastEmit.IsZero() {
		if wait := r.step - time.Since(r.lastEmit); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	name := r.names[r.idx]
	data, err := r.load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}
	r.idx++
	r.lastEmit = time.Now()

	ts := r.start.Add(time.Duration(r.Last()) * r.step)
	return r.frame(ts, data, 0, 0), nil
}

// DirectorySource replays the JPEG files of a directory in name order
type DirectorySource struct {
	*replay
	dir string
}

// NewDirectorySource lists dir once. Subsequent changes are not picked up.
func NewDirectorySource(dir string, fps int, loop, pace bool) (*DirectorySource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	names := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		return e.Name(), !e.IsDir() && isJPEGName(e.Name())
	})
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no JPEG frames in %s", dir)
	}

	s := &DirectorySource{dir: dir}
	s.replay = newReplay(names, fps, loop, pace, func(_ context.Context, name string) ([]byte, error) {
		return os.ReadFile(filepath.Join(dir, name))
	})
	return s, nil
}

func (s *DirectorySource) NextFrame(ctx context.Context) (*pipeline.Frame, error) {
	return s.next(ctx)
}

func (s *DirectorySource) Close() error { return nil }

// S3Source replays JPEG objects under a bucket prefix in key order
type S3Source struct {
	store  ObjectStore
	prefix string
	fps    int
	loop   bool
	pace   bool

	once    sync.Once
	listErr error
	*replay
}

// NewS3Source creates a replay source. Objects are listed on first use.
func NewS3Source(store ObjectStore, prefix string, fps int, loop, pace bool) *S3Source {
	return &S3Source{store: store, prefix: prefix, fps: fps, loop: loop, pace: pace}
}

func (s *S3Source) NextFrame(ctx context.Context) (*pipeline.Frame, error) {
	s.once.Do(func() {
		keys, err := s.store.ListObjects(ctx, s.prefix)
		if err != nil {
			s.listErr = fmt.Errorf("failed to list frames: %w", err)
			return
		}
		keys = lo.Filter(keys, func(k string, _ int) bool { return isJPEGName(k) })
		sort.Strings(keys)
		s.replay = newReplay(keys, s.fps, s.loop, s.pace, s.store.GetObject)
	})
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.next(ctx)
}

func (s *S3Source) Close() error { return nil }

var (
	_ pipeline.FrameSource = (*DirectorySource)(nil)
	_ pipeline.FrameSource = (*S3Source)(nil)
)
