package pipeline

import (
	"time"

	"petwatch/internal/geometry"
)

// Frame represents a captured video frame.
// Frames are immutable once produced by a FrameSource.
type Frame struct {
	Seq       uint64    // Monotonic sequence number
	Timestamp time.Time // Capture timestamp
	Data      []byte    // Encoded image (JPEG)
	Width     int       // Frame width (if known)
	Height    int       // Frame height (if known)
}

// Species identifies the animal class of a detection
type Species string

const (
	SpeciesCat Species = "cat"
	SpeciesDog Species = "dog"
)

// BBox is a bounding box in frame-pixel coordinates
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Centroid returns the center of the box
func (b BBox) Centroid() geometry.Point {
	return geometry.Point{X: b.X + b.W/2, Y: b.Y + b.H/2}
}

// Scale multiplies every coordinate by sx horizontally and sy vertically
func (b BBox) Scale(sx, sy float64) BBox {
	return BBox{X: b.X * sx, Y: b.Y * sy, W: b.W * sx, H: b.H * sy}
}

// Detection is a single animal found in a frame
type Detection struct {
	BBox       BBox    `json:"bbox"`
	Species    Species `json:"species"`
	Confidence float64 `json:"confidence"` // [0-1]
	FrameSeq   uint64  `json:"frame_seq"`
}

// DetectionStatus records how a frame's detections were obtained
type DetectionStatus string

const (
	// StatusComputed - detector ran on this frame
	StatusComputed DetectionStatus = "computed"
	// StatusReused - cached detections remapped to this frame
	StatusReused DetectionStatus = "reused"
	// StatusDegraded - detector unavailable, cached detections served
	StatusDegraded DetectionStatus = "degraded"
)

// DetectionResult is the scheduler output for one frame
type DetectionResult struct {
	FrameSeq    uint64          `json:"frame_seq"`
	Timestamp   time.Time       `json:"timestamp"`
	Mode        PerformanceMode `json:"mode"`
	Status      DetectionStatus `json:"status"`
	Detections  []Detection     `json:"detections"`
	ComputedSeq uint64          `json:"computed_seq"` // Frame the detections were computed on
	ComputedAt  time.Time       `json:"computed_at"`
	Detector    string          `json:"detector,omitempty"`
	InferenceMs float64         `json:"inference_ms"`
	Cause       error           `json:"-"` // Set when Status is StatusDegraded
}

// ZoneKind classifies a zone for alerting and statistics
type ZoneKind string

const (
	ZoneRestricted ZoneKind = "restricted"
	ZoneFeeding    ZoneKind = "feeding"
	ZoneNormal     ZoneKind = "normal"
)

// Priority orders overlapping zones: restricted > feeding > normal
func (k ZoneKind) Priority() int {
	switch k {
	case ZoneRestricted:
		return 3
	case ZoneFeeding:
		return 2
	case ZoneNormal:
		return 1
	default:
		return 0
	}
}

// Valid reports whether k is a known zone kind
func (k ZoneKind) Valid() bool {
	return k.Priority() > 0
}

// Zone is a user-defined polygon region
type Zone struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Kind    ZoneKind         `json:"kind"`
	Polygon geometry.Polygon `json:"polygon"`
	Color   string           `json:"color,omitempty"` // Display only
}

// BowlKind distinguishes feeding from drinking locations
type BowlKind string

const (
	BowlFood  BowlKind = "food"
	BowlWater BowlKind = "water"
)

// Valid reports whether k is a known bowl kind
func (k BowlKind) Valid() bool {
	return k == BowlFood || k == BowlWater
}

// Bowl is a circular interaction point
type Bowl struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Kind   BowlKind       `json:"kind"`
	Center geometry.Point `json:"center"`
	Radius float64        `json:"radius"`
}

// EventKind tags the Event variant
type EventKind string

const (
	EventZoneEntered            EventKind = "zone_entered"
	EventZoneExited             EventKind = "zone_exited"
	EventZoneViolation          EventKind = "zone_violation"
	EventBowlInteractionStarted EventKind = "bowl_interaction_started"
	EventBowlInteractionEnded   EventKind = "bowl_interaction_ended"
)

// EventKinds lists every variant in declaration order
var EventKinds = []EventKind{
	EventZoneEntered,
	EventZoneExited,
	EventZoneViolation,
	EventBowlInteractionStarted,
	EventBowlInteractionEnded,
}

// IsZoneEvent reports whether the kind carries zone fields
func (k EventKind) IsZoneEvent() bool {
	return k == EventZoneEntered || k == EventZoneExited || k == EventZoneViolation
}

// IsBowlEvent reports whether the kind carries bowl fields
func (k EventKind) IsBowlEvent() bool {
	return k == EventBowlInteractionStarted || k == EventBowlInteractionEnded
}

// Event is a discrete activity change for one track.
// Zone events fill ZoneID/ZoneKind, bowl events fill BowlID/BowlKind.
type Event struct {
	ID        string        `json:"id"`
	Kind      EventKind     `json:"kind"`
	TrackID   int           `json:"track_id"`
	Species   Species       `json:"species"`
	ZoneID    string        `json:"zone_id,omitempty"`
	ZoneKind  ZoneKind      `json:"zone_kind,omitempty"`
	BowlID    string        `json:"bowl_id,omitempty"`
	BowlKind  BowlKind      `json:"bowl_kind,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	FrameSeq  uint64        `json:"frame_seq"`
	Duration  time.Duration `json:"duration,omitempty"` // Dwell (ZoneExited) or interaction length (BowlInteractionEnded)
}

// Target returns the zone or bowl id the event refers to
func (e Event) Target() string {
	if e.Kind.IsBowlEvent() {
		return e.BowlID
	}
	return e.ZoneID
}
