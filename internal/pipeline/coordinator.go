package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// CoordinatorConfig configures the three-stage pipeline
type CoordinatorConfig struct {
	QueueCapacity    int           // Frames buffered between capture and detect+track (2-4)
	QueueWait        time.Duration // Longest the capture stage waits before dropping the oldest frame
	PublishInterval  time.Duration // Minimum time between publications
	PublishTimeout   time.Duration // Per-publication budget for all consumers
	FlushTimeout     time.Duration // Longest the final publication waits for a busy consumer
	MaxPendingEvents int           // Events held for the next publication
}

// DefaultCoordinatorConfig returns sensible defaults
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		QueueCapacity:    3,
		QueueWait:        20 * time.Millisecond,
		PublishInterval:  500 * time.Millisecond,
		PublishTimeout:   200 * time.Millisecond,
		FlushTimeout:     time.Second,
		MaxPendingEvents: 1024,
	}
}

// CoordinatorStats contains pipeline counters
type CoordinatorStats struct {
	Running             bool   `json:"running"`
	FramesCaptured      uint64 `json:"frames_captured"`
	FramesDropped       uint64 `json:"frames_dropped"`
	FramesProcessed     uint64 `json:"frames_processed"`
	LastFrameSeq        uint64 `json:"last_frame_seq"`
	EventsEmitted       uint64 `json:"events_emitted"`
	EventsOverflowed    uint64 `json:"events_overflowed"`
	Publications        uint64 `json:"publications"`
	PublicationsSkipped uint64 `json:"publications_skipped"`
	Terminal            string `json:"terminal,omitempty"`
}

// Coordinator owns the capture, detect+track and publish stages and the
// bounded queue between them.
type Coordinator struct {
	source    FrameSource
	scheduler Scheduler
	tracker   ActivityTracker
	recorder  StatisticsRecorder
	bus       *EventBus
	config    CoordinatorConfig

	consumers []*consumerSlot
	observers []FrameObserver
	mu        sync.RWMutex

	pending pendingEvents
	running atomic.Bool
	pubSeq  atomic.Uint64

	framesCaptured      atomic.Uint64
	framesDropped       atomic.Uint64
	framesProcessed     atomic.Uint64
	lastFrameSeq        atomic.Uint64
	eventsEmitted       atomic.Uint64
	publications        atomic.Uint64
	publicationsSkipped atomic.Uint64
	terminal            atomic.Value // string
}

// consumerSlot holds at most one delivery in flight for its consumer
type consumerSlot struct {
	consumer SnapshotConsumer
	busy     chan struct{}
}

func newConsumerSlot(consumer SnapshotConsumer) *consumerSlot {
	return &consumerSlot{consumer: consumer, busy: make(chan struct{}, 1)}
}

func (s *consumerSlot) tryAcquire() bool {
	select {
	case s.busy <- struct{}{}:
		return true
	default:
		return false
	}
}

// acquireWithin waits up to d for the in-flight delivery to finish
func (s *consumerSlot) acquireWithin(d time.Duration) bool {
	if s.tryAcquire() {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case s.busy <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (s *consumerSlot) release() {
	<-s.busy
}

var errConsumerBusy = errors.New("consumer still busy with an earlier publication")

// pendingEvents accumulates events for the next publication
type pendingEvents struct {
	mu         sync.Mutex
	events     []Event
	max        int
	overflowed uint64
	total      atomic.Uint64
}

func (p *pendingEvents) add(events []Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	if over := len(p.events) - p.max; p.max > 0 && over > 0 {
		p.events = append(p.events[:0:0], p.events[over:]...)
		p.overflowed += uint64(over)
		p.total.Add(uint64(over))
	}
}

func (p *pendingEvents) take() ([]Event, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	events, overflowed := p.events, p.overflowed
	p.events = nil
	p.overflowed = 0
	if events == nil {
		events = []Event{}
	}
	return events, overflowed
}

// terminalState records the first terminal condition of a run
type terminalState struct {
	mu  sync.Mutex
	err error
}

func (s *terminalState) set(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *terminalState) get() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// NewCoordinator creates a pipeline coordinator
func NewCoordinator(
	source FrameSource,
	scheduler Scheduler,
	tracker ActivityTracker,
	recorder StatisticsRecorder,
	bus *EventBus,
	config CoordinatorConfig,
) *Coordinator {
	defaults := DefaultCoordinatorConfig()
	if config.QueueCapacity == 0 {
		config.QueueCapacity = defaults.QueueCapacity
	}
	if config.PublishInterval <= 0 {
		config.PublishInterval = defaults.PublishInterval
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = defaults.FlushTimeout
	}
	if config.MaxPendingEvents <= 0 {
		config.MaxPendingEvents = defaults.MaxPendingEvents
	}
	if bus == nil {
		bus = NewEventBus()
	}

	c := &Coordinator{
		source:    source,
		scheduler: scheduler,
		tracker:   tracker,
		recorder:  recorder,
		bus:       bus,
		config:    config,
	}
	c.pending.max = config.MaxPendingEvents
	c.terminal.Store("")
	return c
}

// AddConsumer registers a consumer for rate-limited publications
func (c *Coordinator) AddConsumer(consumer SnapshotConsumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers = append(c.consumers, newConsumerSlot(consumer))
}

// AddFrameObserver registers an observer for every processed frame.
// Observers must be added before Run.
func (c *Coordinator) AddFrameObserver(observer FrameObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, observer)
}

// EventBus returns the bus every emitted event is delivered to
func (c *Coordinator) EventBus() *EventBus {
	return c.bus
}

// Stats returns a copy of the pipeline counters
func (c *Coordinator) Stats() CoordinatorStats {
	return CoordinatorStats{
		Running:             c.running.Load(),
		FramesCaptured:      c.framesCaptured.Load(),
		FramesDropped:       c.framesDropped.Load(),
		FramesProcessed:     c.framesProcessed.Load(),
		LastFrameSeq:        c.lastFrameSeq.Load(),
		EventsEmitted:       c.eventsEmitted.Load(),
		EventsOverflowed:    c.pending.total.Load(),
		Publications:        c.publications.Load(),
		PublicationsSkipped: c.publicationsSkipped.Load(),
		Terminal:            c.terminal.Load().(string),
	}
}

// Run processes frames until ctx is cancelled, the source is exhausted or
// the detector fails permanently. Shutdown is cooperative: capture stops
// and closes the queue, detect+track drains it, publish flushes a final
// publication. Returns nil on a requested stop, otherwise the terminal error.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("coordinator already running")
	}
	defer c.running.Store(false)

	captureCtx, stopCapture := context.WithCancel(ctx)
	defer stopCapture()

	queue := NewFrameQueue(c.config.QueueCapacity, c.config.QueueWait)
	updates := make(chan struct{}, 1)
	processed := make(chan struct{})
	var term terminalState

	log.Printf("[Coordinator] Pipeline started (queue: %d, wait: %s, publish every %s)",
		queue.Cap(), c.config.QueueWait, c.config.PublishInterval)

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		c.capture(captureCtx, queue, &term)
	}()

	go func() {
		defer wg.Done()
		defer close(processed)
		c.process(context.WithoutCancel(ctx), queue, stopCapture, &term, updates)
	}()

	go func() {
		defer wg.Done()
		c.publishLoop(processed, updates, &term)
	}()

	wg.Wait()

	err := term.get()
	log.Printf("[Coordinator] Pipeline stopped (%s): captured %d, dropped %d, processed %d",
		reasonOf(err), c.framesCaptured.Load(), c.framesDropped.Load(), c.framesProcessed.Load())
	return err
}

// capture is the only stage blocking on source I/O
func (c *Coordinator) capture(ctx context.Context, queue *FrameQueue, term *terminalState) {
	defer queue.Close()

	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := c.source.NextFrame(ctx)
		if err != nil {
			switch {
			case errors.Is(err, ErrSourceExhausted):
				log.Printf("[Coordinator] Frame source exhausted after %d frames", c.framesCaptured.Load())
				term.set(ErrSourceExhausted)
			case ctx.Err() != nil:
			default:
				log.Printf("[Coordinator] Frame source failed: %v", err)
				term.set(fmt.Errorf("failed to read frame: %w", err))
			}
			return
		}
		if frame == nil {
			continue
		}

		c.framesCaptured.Add(1)
		if dropped := queue.Push(frame); dropped != nil {
			c.framesDropped.Add(1)
			if n := c.framesDropped.Load(); n%100 == 1 {
				log.Printf("[Coordinator] Detection stage behind, dropped frame %d (total dropped: %d)", dropped.Seq, n)
			}
		}
	}
}

// process runs detection, tracking and aggregation for every queued frame
func (c *Coordinator) process(ctx context.Context, queue *FrameQueue, stopCapture context.CancelFunc, term *terminalState, updates chan<- struct{}) {
	failed := false

	c.mu.RLock()
	observers := c.observers
	c.mu.RUnlock()

	for frame := range queue.Frames() {
		if failed {
			continue
		}

		result, err := c.scheduler.Schedule(ctx, frame)
		if err != nil {
			log.Printf("[Coordinator] Detection failed on frame %d, shutting down: %v", frame.Seq, err)
			term.set(err)
			stopCapture()
			failed = true
			continue
		}

		events := c.tracker.Update(frame, result.Detections)
		c.recorder.Record(frame, result, events)
		for _, o := range observers {
			o.OnFrame(frame, result)
		}

		if len(events) > 0 {
			c.bus.Publish(events)
			c.pending.add(events)
			c.eventsEmitted.Add(uint64(len(events)))
		}

		c.framesProcessed.Add(1)
		c.lastFrameSeq.Store(frame.Seq)

		select {
		case updates <- struct{}{}:
		default:
		}
	}
}

// publishLoop publishes at most once per interval and only after new frames
func (c *Coordinator) publishLoop(processed <-chan struct{}, updates <-chan struct{}, term *terminalState) {
	ticker := time.NewTicker(c.config.PublishInterval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-processed:
			err := term.get()
			c.terminal.Store(reasonOf(err))
			c.publish(true, reasonOf(err))
			return
		case <-updates:
			dirty = true
		case <-ticker.C:
			if dirty {
				c.publish(false, "")
				dirty = false
			}
		}
	}
}

func (c *Coordinator) publish(final bool, reason string) {
	events, overflowed := c.pending.take()
	pub := &Publication{
		Seq:           c.pubSeq.Add(1),
		PublishedAt:   time.Now(),
		Snapshot:      c.recorder.Publish(),
		Events:        events,
		EventsDropped: overflowed,
		Final:         final,
		Reason:        reason,
	}
	c.publications.Add(1)

	c.mu.RLock()
	consumers := c.consumers
	c.mu.RUnlock()

	if len(consumers) == 0 {
		return
	}

	// The final publication waits for busy consumers instead of being superseded
	budget := c.config.PublishTimeout
	if final {
		budget += c.config.FlushTimeout
	}

	inflight := make([]chan error, 0, len(consumers))

	for _, slot := range consumers {
		// Previous update still in flight: this one is superseded for the slot
		if !final && !slot.tryAcquire() {
			c.publicationsSkipped.Add(1)
			continue
		}
		done := make(chan error, 1)
		go func(slot *consumerSlot, done chan<- error) {
			if final && !slot.acquireWithin(c.config.FlushTimeout) {
				done <- errConsumerBusy
				return
			}
			defer slot.release()
			ctx, cancel := context.WithTimeout(context.Background(), c.config.PublishTimeout)
			defer cancel()
			done <- slot.consumer.OnPublication(ctx, pub)
		}(slot, done)
		inflight = append(inflight, done)
	}

	timer := time.NewTimer(budget)
	defer timer.Stop()
	expired := false
	for _, done := range inflight {
		var err error
		if expired {
			select {
			case err = <-done:
			default:
				err = context.DeadlineExceeded
			}
		} else {
			select {
			case err = <-done:
			case <-timer.C:
				expired = true
				select {
				case err = <-done:
				default:
					err = context.DeadlineExceeded
				}
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errConsumerBusy):
			c.publicationsSkipped.Add(1)
			if final {
				log.Printf("[Coordinator] Final publication %d not delivered: %v", pub.Seq, err)
			}
		default:
			log.Printf("[Coordinator] Consumer failed on publication %d: %v", pub.Seq, err)
		}
	}
}

func reasonOf(err error) string {
	switch {
	case err == nil:
		return "stopped"
	case errors.Is(err, ErrSourceExhausted):
		return "source exhausted"
	default:
		return err.Error()
	}
}
