package alert

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"petwatch/internal/pipeline"
)

// Stats contains dispatcher counters
type Stats struct {
	Raised     uint64 `json:"raised"`
	Suppressed uint64 `json:"suppressed"` // Cooldown or type disabled
	Dropped    uint64 `json:"dropped"`    // Queue full
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
}

// Dispatcher turns pipeline events into alerts and delivers them
// asynchronously. Notifier latency never reaches the pipeline.
type Dispatcher struct {
	config    Config
	notifiers []Notifier
	zoneNames map[string]string
	bowlNames map[string]string
	snapshot  func() []byte

	mu       sync.Mutex
	lastSent map[Type]time.Time
	lastSeen time.Time // Last frame with any detection
	absent   bool      // Absence alert raised for the current gap
	stats    Stats
	closed   bool

	queue chan Alert
	wg    sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start before events arrive.
func NewDispatcher(config Config, zones []pipeline.Zone, bowls []pipeline.Bowl, notifiers ...Notifier) *Dispatcher {
	config = config.withDefaults()

	d := &Dispatcher{
		config:    config,
		notifiers: notifiers,
		zoneNames: make(map[string]string, len(zones)),
		bowlNames: make(map[string]string, len(bowls)),
		lastSent:  make(map[Type]time.Time),
		queue:     make(chan Alert, config.QueueSize),
	}
	for _, z := range zones {
		d.zoneNames[z.ID] = displayName(z.Name, z.ID)
	}
	for _, b := range bowls {
		d.bowlNames[b.ID] = displayName(b.Name, b.ID)
	}
	return d
}

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

// SetSnapshotFunc attaches a provider of the current annotated frame
func (d *Dispatcher) SetSnapshotFunc(fn func() []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshot = fn
}

// Start launches the delivery worker
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for a := range d.queue {
			d.deliver(ctx, a)
		}
	}()
	log.Printf("[Alerts] Dispatcher started (%d notifiers, cooldown %s)", len(d.notifiers), d.config.Cooldown)
}

// Close stops accepting alerts and waits for queued ones to be delivered
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

// OnEvents implements pipeline.EventHandler
func (d *Dispatcher) OnEvents(events []pipeline.Event) {
	if !d.config.Enabled {
		return
	}
	for i := range events {
		if a, ok := d.fromEvent(events[i]); ok {
			d.raise(a)
		}
	}
}

// OnFrame implements pipeline.FrameObserver and drives absence alerts
func (d *Dispatcher) OnFrame(frame *pipeline.Frame, result *pipeline.DetectionResult) {
	if !d.config.Enabled || d.config.AbsenceAfter <= 0 {
		return
	}

	d.mu.Lock()
	if result != nil && len(result.Detections) > 0 {
		d.lastSeen = frame.Timestamp
		d.absent = false
		d.mu.Unlock()
		return
	}
	if d.lastSeen.IsZero() {
		d.lastSeen = frame.Timestamp
	}
	gap := frame.Timestamp.Sub(d.lastSeen)
	if d.absent || gap < d.config.AbsenceAfter {
		d.mu.Unlock()
		return
	}
	d.absent = true
	d.mu.Unlock()

	d.raise(Alert{
		Type:      TypeLongAbsence,
		Severity:  SeverityMedium,
		Title:     "Long Absence Detected",
		Message:   fmt.Sprintf("No pet activity has been detected for %.1f hours. Please check on your pet.", gap.Hours()),
		CreatedAt: frame.Timestamp,
	})
}

// Test sends a test alert to every notifier, bypassing toggles and cooldown
func (d *Dispatcher) Test(ctx context.Context) error {
	a := Alert{
		ID:        uuid.NewString(),
		Type:      TypeTest,
		Severity:  SeverityLow,
		Title:     "Test Alert",
		Message:   "Alert delivery is working correctly.",
		CreatedAt: time.Now(),
	}

	var failed []string
	for _, n := range d.notifiers {
		sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
		err := n.Notify(sendCtx, a)
		cancel()
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", n.Name(), err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to deliver test alert: %s", strings.Join(failed, "; "))
	}
	return nil
}

// Stats returns a copy of the dispatcher counters
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// EventKinds are the event kinds that can raise an alert
var EventKinds = []pipeline.EventKind{
	pipeline.EventZoneViolation,
	pipeline.EventBowlInteractionStarted,
}

func (d *Dispatcher) fromEvent(e pipeline.Event) (Alert, bool) {
	ev := e
	switch e.Kind {
	case pipeline.EventZoneViolation:
		zone := d.zoneName(e.ZoneID)
		return Alert{
			Type:      TypeRestrictedZone,
			Severity:  SeverityHigh,
			Title:     "Restricted Zone Entry",
			Message:   fmt.Sprintf("A %s has entered the restricted zone '%s'. Please check the area.", e.Species, zone),
			Species:   e.Species,
			Target:    zone,
			Event:     &ev,
			CreatedAt: e.Timestamp,
		}, true
	case pipeline.EventBowlInteractionStarted:
		bowl := d.bowlName(e.BowlID)
		activity := "eating"
		if e.BowlKind == pipeline.BowlWater {
			activity = "drinking"
		}
		return Alert{
			Type:      TypeFeeding,
			Severity:  SeverityLow,
			Title:     "Feeding Activity",
			Message:   fmt.Sprintf("A %s is %s at '%s'.", e.Species, activity, bowl),
			Species:   e.Species,
			Target:    bowl,
			Event:     &ev,
			CreatedAt: e.Timestamp,
		}, true
	default:
		return Alert{}, false
	}
}

func (d *Dispatcher) zoneName(id string) string {
	if name, ok := d.zoneNames[id]; ok {
		return name
	}
	return id
}

func (d *Dispatcher) bowlName(id string) string {
	if name, ok := d.bowlNames[id]; ok {
		return name
	}
	return id
}

// raise applies the type toggle and cooldown, then enqueues without blocking.
// Cooldown runs on the event clock.
func (d *Dispatcher) raise(a Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	if !d.config.Types[a.Type] {
		d.stats.Suppressed++
		return
	}
	if last, ok := d.lastSent[a.Type]; ok && a.CreatedAt.Sub(last) < d.config.Cooldown {
		d.stats.Suppressed++
		return
	}

	a.ID = uuid.NewString()

	select {
	case d.queue <- a:
		d.lastSent[a.Type] = a.CreatedAt
		d.stats.Raised++
	default:
		d.stats.Dropped++
		log.Printf("[Alerts] Queue full, dropping %s alert", a.Type)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, a Alert) {
	d.mu.Lock()
	snapshot := d.snapshot
	d.mu.Unlock()
	if snapshot != nil {
		a.Snapshot = snapshot()
	}

	for _, n := range d.notifiers {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.SendTimeout)
		err := n.Notify(sendCtx, a)
		cancel()

		d.mu.Lock()
		if err != nil {
			d.stats.Failed++
		} else {
			d.stats.Delivered++
		}
		d.mu.Unlock()

		if err != nil {
			log.Printf("[Alerts] %s failed to deliver %s alert: %v", n.Name(), a.Type, err)
		}
	}
}

var (
	_ pipeline.EventHandler  = (*Dispatcher)(nil)
	_ pipeline.FrameObserver = (*Dispatcher)(nil)
)
