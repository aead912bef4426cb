package store

import (
	"context"
	"log"
	"sync"
	"time"

	"petwatch/internal/pipeline"
)

const recorderBatchSize = 64

// Recorder journals every event of one session. It subscribes to the bus
// as a synchronous handler: OnEvents only appends to a buffer, and a
// background loop writes the buffer in batches, so a slow disk delays
// rows but never loses them.
type Recorder struct {
	sessionID  string
	flushEvery time.Duration
	save       func(ctx context.Context, sessionID string, events []pipeline.Event) error

	mu     sync.Mutex
	buf     []pipeline.Event
	closed  bool
	started bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewRecorder creates a recorder for sessionID. Batches are flushed when
// full or after flushEvery.
func (j *Journal) NewRecorder(sessionID string, flushEvery time.Duration) *Recorder {
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	return &Recorder{
		sessionID:  sessionID,
		flushEvery: flushEvery,
		save:       j.SaveEvents,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// OnEvents buffers events for the writer loop
func (r *Recorder) OnEvents(events []pipeline.Event) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		log.Printf("[Store] Recorder closed, %d events not journaled", len(events))
		return
	}
	r.buf = append(r.buf, events...)
	full := len(r.buf) >= recorderBatchSize
	r.mu.Unlock()

	if full {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered events not yet written
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Start runs the writer loop. Writes outlive ctx so the tail of a run is
// kept; Close stops the loop.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	go r.loop(context.WithoutCancel(ctx))
}

func (r *Recorder) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.wake:
			r.flush(ctx)
		case <-ticker.C:
			r.flush(ctx)
		case <-r.stop:
			r.flush(ctx)
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := r.save(ctx, r.sessionID, batch); err != nil {
		log.Printf("[Store] Failed to journal %d events: %v", len(batch), err)
	}
}

// Close writes what is buffered and stops the loop. Unsubscribe from the
// bus first; events arriving after Close are logged and discarded.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		started := r.started
		r.mu.Unlock()

		if !started {
			r.flush(context.Background())
			close(r.done)
			return
		}
		close(r.stop)
	})
	<-r.done
}

var _ pipeline.EventHandler = (*Recorder)(nil)
