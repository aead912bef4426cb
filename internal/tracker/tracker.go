package tracker

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"petwatch/internal/geometry"
	"petwatch/internal/pipeline"
)

// Config configures association, silence and debouncing
type Config struct {
	MatchDistance      float64       // Max centroid distance (px) to continue a track
	SilenceTimeout     time.Duration // Unseen longer than this and the track expires
	ViolationCooldown  time.Duration // Per track and zone
	BowlEnterFrames    int           // Consecutive frames near a bowl to start an interaction
	BowlExitFrames     int           // Consecutive frames away to end it
	SizeAdjustedRadius bool          // Grow bowl radius with the animal's apparent size
}

// DefaultConfig returns sensible tracker defaults
func DefaultConfig() Config {
	return Config{
		MatchDistance:     75,
		SilenceTimeout:    3 * time.Second,
		ViolationCooldown: 60 * time.Second,
		BowlEnterFrames:   5,
		BowlExitFrames:    3,
	}
}

type bowlPhase int

const (
	bowlIdle bowlPhase = iota
	bowlPending
	bowlActive
)

// bowlSlot is the per-track bowl debounce state
type bowlSlot struct {
	phase     bowlPhase
	bowl      pipeline.Bowl
	count     int // Consecutive frames near (pending) or away (active)
	startedAt time.Time
	lastNear  time.Time
}

// track is one animal's continuity hypothesis
type track struct {
	id           int
	species      pipeline.Species
	bestConf     float64
	box          pipeline.BBox
	firstSeen    time.Time
	lastSeen     time.Time
	lastSeq      uint64
	silentFrames int

	zone          *pipeline.Zone
	zoneEnteredAt time.Time
	zoneDwell     map[string]time.Duration
	violations    map[string]time.Time

	bowl            bowlSlot
	lastInteraction map[string]time.Time
}

// TrackInfo is a read-only copy of a track's state
type TrackInfo struct {
	ID                  int                      `json:"id"`
	Species             pipeline.Species         `json:"species"`
	BBox                pipeline.BBox            `json:"bbox"`
	FirstSeen           time.Time                `json:"first_seen"`
	LastSeen            time.Time                `json:"last_seen"`
	SilentFrames        int                      `json:"silent_frames"`
	ZoneID              string                   `json:"zone_id,omitempty"`
	ZoneEnteredAt       time.Time                `json:"zone_entered_at"`
	ZoneDwell           map[string]time.Duration `json:"zone_dwell"`
	BowlID              string                   `json:"bowl_id,omitempty"` // Set while an interaction is active
	LastBowlInteraction map[string]time.Time     `json:"last_bowl_interaction"`
}

// Tracker associates detections into tracks and derives zone and bowl
// events. Update must be called with non-decreasing frame timestamps.
type Tracker struct {
	layout *Layout
	config Config

	tracks map[int]*track
	nextID int
	mu     sync.RWMutex
}

// New creates a tracker over a validated layout
func New(layout *Layout, config Config) *Tracker {
	defaults := DefaultConfig()
	if config.MatchDistance <= 0 {
		config.MatchDistance = defaults.MatchDistance
	}
	if config.SilenceTimeout <= 0 {
		config.SilenceTimeout = defaults.SilenceTimeout
	}
	if config.ViolationCooldown <= 0 {
		config.ViolationCooldown = defaults.ViolationCooldown
	}
	if config.BowlEnterFrames <= 0 {
		config.BowlEnterFrames = defaults.BowlEnterFrames
	}
	if config.BowlExitFrames <= 0 {
		config.BowlExitFrames = defaults.BowlExitFrames
	}
	if layout == nil {
		layout = &Layout{}
	}

	return &Tracker{
		layout: layout,
		config: config,
		tracks: make(map[int]*track),
		nextID: 1,
	}
}

// Update advances every track by one frame and returns the events it
// produced. A frame with no detections only advances silence and expiry.
func (t *Tracker) Update(frame *pipeline.Frame, detections []pipeline.Detection) []pipeline.Event {
	if frame == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	matched := t.associate(frame, detections)

	ids := make([]int, 0, len(t.tracks))
	for id := range t.tracks {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var events []pipeline.Event
	for _, id := range ids {
		tr := t.tracks[id]
		if matched[id] {
			events = append(events, t.evaluateZone(tr, frame)...)
			events = append(events, t.evaluateBowl(tr, frame)...)
			continue
		}

		tr.silentFrames++
		if frame.Timestamp.Sub(tr.lastSeen) > t.config.SilenceTimeout {
			events = append(events, t.expire(tr)...)
			delete(t.tracks, id)
		}
	}
	return events
}

// associate matches detections to tracks greedily by centroid distance and
// starts new tracks for the rest. Returns the ids seen in this frame.
func (t *Tracker) associate(frame *pipeline.Frame, detections []pipeline.Detection) map[int]bool {
	type pair struct {
		trackID int
		det     int
		dist    float64
	}

	var pairs []pair
	for id, tr := range t.tracks {
		c := tr.box.Centroid()
		for i, d := range detections {
			if dist := geometry.Distance(c, d.BBox.Centroid()); dist <= t.config.MatchDistance {
				pairs = append(pairs, pair{trackID: id, det: i, dist: dist})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		a, b := pairs[i], pairs[j]
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		if a.trackID != b.trackID {
			return a.trackID < b.trackID
		}
		return a.det < b.det
	})

	matched := make(map[int]bool, len(detections))
	used := make([]bool, len(detections))
	for _, p := range pairs {
		if matched[p.trackID] || used[p.det] {
			continue
		}
		matched[p.trackID] = true
		used[p.det] = true
		t.observe(t.tracks[p.trackID], frame, detections[p.det])
	}

	for i, d := range detections {
		if used[i] {
			continue
		}
		tr := &track{
			id:              t.nextID,
			firstSeen:       frame.Timestamp,
			zoneDwell:       make(map[string]time.Duration),
			violations:      make(map[string]time.Time),
			lastInteraction: make(map[string]time.Time),
		}
		t.nextID++
		t.observe(tr, frame, d)
		t.tracks[tr.id] = tr
		matched[tr.id] = true
	}
	return matched
}

func (t *Tracker) observe(tr *track, frame *pipeline.Frame, d pipeline.Detection) {
	tr.box = d.BBox
	tr.lastSeen = frame.Timestamp
	tr.lastSeq = frame.Seq
	tr.silentFrames = 0
	// The most confident classification labels the track
	if d.Confidence >= tr.bestConf {
		tr.bestConf = d.Confidence
		tr.species = d.Species
	}
}

func (t *Tracker) evaluateZone(tr *track, frame *pipeline.Frame) []pipeline.Event {
	zone := t.layout.ZoneAt(tr.box.Centroid())
	if zoneID(zone) == zoneID(tr.zone) {
		return nil
	}

	var events []pipeline.Event
	if tr.zone != nil {
		events = append(events, t.closeZone(tr, frame.Timestamp, frame.Seq))
	}

	if zone == nil {
		return events
	}

	tr.zone = zone
	tr.zoneEnteredAt = frame.Timestamp
	events = append(events, t.zoneEvent(pipeline.EventZoneEntered, tr, zone, frame.Timestamp, frame.Seq))

	if zone.Kind == pipeline.ZoneRestricted {
		last, seen := tr.violations[zone.ID]
		if !seen || frame.Timestamp.Sub(last) >= t.config.ViolationCooldown {
			tr.violations[zone.ID] = frame.Timestamp
			events = append(events, t.zoneEvent(pipeline.EventZoneViolation, tr, zone, frame.Timestamp, frame.Seq))
		}
	}
	return events
}

// closeZone ends the open visit at ts
func (t *Tracker) closeZone(tr *track, ts time.Time, seq uint64) pipeline.Event {
	dwell := ts.Sub(tr.zoneEnteredAt)
	tr.zoneDwell[tr.zone.ID] += dwell

	event := t.zoneEvent(pipeline.EventZoneExited, tr, tr.zone, ts, seq)
	event.Duration = dwell
	tr.zone = nil
	tr.zoneEnteredAt = time.Time{}
	return event
}

func (t *Tracker) evaluateBowl(tr *track, frame *pipeline.Frame) []pipeline.Event {
	candidate := t.nearestBowl(tr, frame)
	slot := &tr.bowl
	now := frame.Timestamp

	switch slot.phase {
	case bowlIdle:
		if candidate != nil {
			return t.approach(tr, *candidate, frame)
		}

	case bowlPending:
		switch {
		case candidate == nil:
			tr.bowl = bowlSlot{}
		case candidate.ID != slot.bowl.ID:
			return t.approach(tr, *candidate, frame)
		default:
			slot.count++
			if slot.count >= t.config.BowlEnterFrames {
				return []pipeline.Event{t.startInteraction(tr, frame)}
			}
		}

	case bowlActive:
		if candidate != nil && candidate.ID == slot.bowl.ID {
			slot.count = 0
			slot.lastNear = now
			tr.lastInteraction[slot.bowl.ID] = now
			return nil
		}
		slot.count++
		if slot.count < t.config.BowlExitFrames {
			return nil
		}
		events := []pipeline.Event{t.endInteraction(tr, now, frame.Seq)}
		if candidate != nil {
			events = append(events, t.approach(tr, *candidate, frame)...)
		}
		return events
	}
	return nil
}

// approach begins the enter debounce for bowl
func (t *Tracker) approach(tr *track, bowl pipeline.Bowl, frame *pipeline.Frame) []pipeline.Event {
	tr.bowl = bowlSlot{phase: bowlPending, bowl: bowl, count: 1}
	if t.config.BowlEnterFrames <= 1 {
		return []pipeline.Event{t.startInteraction(tr, frame)}
	}
	return nil
}

func (t *Tracker) startInteraction(tr *track, frame *pipeline.Frame) pipeline.Event {
	slot := &tr.bowl
	slot.phase = bowlActive
	slot.count = 0
	slot.startedAt = frame.Timestamp
	slot.lastNear = frame.Timestamp
	tr.lastInteraction[slot.bowl.ID] = frame.Timestamp

	return t.bowlEvent(pipeline.EventBowlInteractionStarted, tr, slot.bowl, frame.Timestamp, frame.Seq)
}

// endInteraction closes the active interaction; its length runs to the
// last frame the animal was near the bowl.
func (t *Tracker) endInteraction(tr *track, ts time.Time, seq uint64) pipeline.Event {
	slot := tr.bowl
	event := t.bowlEvent(pipeline.EventBowlInteractionEnded, tr, slot.bowl, ts, seq)
	event.Duration = slot.lastNear.Sub(slot.startedAt)
	tr.bowl = bowlSlot{}
	return event
}

// nearestBowl returns the closest bowl whose circle contains the track's
// centroid. Equal distances keep the first registered bowl.
func (t *Tracker) nearestBowl(tr *track, frame *pipeline.Frame) *pipeline.Bowl {
	c := tr.box.Centroid()
	var best *pipeline.Bowl
	bestDist := 0.0

	for i := range t.layout.bowls {
		b := &t.layout.bowls[i]
		if !geometry.PointInCircle(c, b.Center, t.radius(b, tr.box, frame)) {
			continue
		}
		if d := geometry.Distance(c, b.Center); best == nil || d < bestDist {
			best, bestDist = b, d
		}
	}
	return best
}

// radius returns the interaction radius, grown by the pet's size relative
// to the frame when size adjustment is enabled.
func (t *Tracker) radius(b *pipeline.Bowl, box pipeline.BBox, frame *pipeline.Frame) float64 {
	if !t.config.SizeAdjustedRadius || frame.Width <= 0 || frame.Height <= 0 {
		return b.Radius
	}
	petSize := (box.W + box.H) / float64(frame.Width+frame.Height) * 100
	return b.Radius * (1 + petSize/100)
}

// expire closes whatever the track still holds open at its last sighting
func (t *Tracker) expire(tr *track) []pipeline.Event {
	var events []pipeline.Event
	if tr.zone != nil {
		events = append(events, t.closeZone(tr, tr.lastSeen, tr.lastSeq))
	}
	if tr.bowl.phase == bowlActive {
		events = append(events, t.endInteraction(tr, tr.lastSeen, tr.lastSeq))
	}
	log.Printf("[Tracker] Track %d (%s) expired after %d silent frames", tr.id, tr.species, tr.silentFrames)
	return events
}

func (t *Tracker) zoneEvent(kind pipeline.EventKind, tr *track, zone *pipeline.Zone, ts time.Time, seq uint64) pipeline.Event {
	return pipeline.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		TrackID:   tr.id,
		Species:   tr.species,
		ZoneID:    zone.ID,
		ZoneKind:  zone.Kind,
		Timestamp: ts,
		FrameSeq:  seq,
	}
}

func (t *Tracker) bowlEvent(kind pipeline.EventKind, tr *track, bowl pipeline.Bowl, ts time.Time, seq uint64) pipeline.Event {
	return pipeline.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		TrackID:   tr.id,
		Species:   tr.species,
		BowlID:    bowl.ID,
		BowlKind:  bowl.Kind,
		Timestamp: ts,
		FrameSeq:  seq,
	}
}

func zoneID(z *pipeline.Zone) string {
	if z == nil {
		return ""
	}
	return z.ID
}

// Tracks returns copies of the live tracks ordered by id
func (t *Tracker) Tracks() []TrackInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	infos := make([]TrackInfo, 0, len(t.tracks))
	for _, tr := range t.tracks {
		info := TrackInfo{
			ID:                  tr.id,
			Species:             tr.species,
			BBox:                tr.box,
			FirstSeen:           tr.firstSeen,
			LastSeen:            tr.lastSeen,
			SilentFrames:        tr.silentFrames,
			ZoneID:              zoneID(tr.zone),
			ZoneEnteredAt:       tr.zoneEnteredAt,
			ZoneDwell:           make(map[string]time.Duration, len(tr.zoneDwell)),
			LastBowlInteraction: make(map[string]time.Time, len(tr.lastInteraction)),
		}
		for id, d := range tr.zoneDwell {
			info.ZoneDwell[id] = d
		}
		for id, ts := range tr.lastInteraction {
			info.LastBowlInteraction[id] = ts
		}
		if tr.bowl.phase == bowlActive {
			info.BowlID = tr.bowl.bowl.ID
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Ensure Tracker implements pipeline.ActivityTracker
var _ pipeline.ActivityTracker = (*Tracker)(nil)
