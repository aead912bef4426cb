package tracker

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petwatch/internal/geometry"
	"petwatch/internal/pipeline"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func square(x0, y0, x1, y1 float64) geometry.Polygon {
	return geometry.Polygon{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}}
}

func frameAt(seq uint64, offset time.Duration) *pipeline.Frame {
	return &pipeline.Frame{Seq: seq, Timestamp: epoch.Add(offset), Width: 640, Height: 480}
}

// frameSeq spaces frames 100ms apart
func frameSeq(seq uint64) *pipeline.Frame {
	return frameAt(seq, time.Duration(seq)*100*time.Millisecond)
}

func catAt(cx, cy float64) pipeline.Detection {
	return pipeline.Detection{
		BBox:       pipeline.BBox{X: cx - 10, Y: cy - 10, W: 20, H: 20},
		Species:    pipeline.SpeciesCat,
		Confidence: 0.8,
	}
}

func kinds(events []pipeline.Event) []pipeline.EventKind {
	out := make([]pipeline.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func mustLayout(t *testing.T, zones []pipeline.Zone, bowls []pipeline.Bowl) *Layout {
	t.Helper()
	layout, err := NewLayout(zones, bowls)
	require.NoError(t, err)
	return layout
}

func TestRestrictedEntryEmitsViolationOnce(t *testing.T) {
	layout := mustLayout(t, []pipeline.Zone{
		{ID: "counter", Kind: pipeline.ZoneRestricted, Polygon: square(100, 100, 200, 200)},
	}, nil)
	cfg := DefaultConfig()
	cfg.MatchDistance = 200
	tr := New(layout, cfg)

	assert.Empty(t, tr.Update(frameSeq(1), []pipeline.Detection{catAt(50, 50)}))

	events := tr.Update(frameSeq(2), []pipeline.Detection{catAt(150, 150)})
	require.Equal(t, []pipeline.EventKind{pipeline.EventZoneEntered, pipeline.EventZoneViolation}, kinds(events))
	for _, e := range events {
		assert.Equal(t, "counter", e.ZoneID)
		assert.Equal(t, pipeline.ZoneRestricted, e.ZoneKind)
		assert.Equal(t, 1, e.TrackID)
		assert.Equal(t, pipeline.SpeciesCat, e.Species)
		assert.Equal(t, uint64(2), e.FrameSeq)
		assert.NotEmpty(t, e.ID)
	}
	assert.NotEqual(t, events[0].ID, events[1].ID)

	for seq := uint64(3); seq <= 7; seq++ {
		assert.Empty(t, tr.Update(frameSeq(seq), []pipeline.Detection{catAt(152, 150)}), "frame %d", seq)
	}
}

func TestViolationCooldownPerTrackAndZone(t *testing.T) {
	layout := mustLayout(t, []pipeline.Zone{
		{ID: "counter", Kind: pipeline.ZoneRestricted, Polygon: square(100, 100, 200, 200)},
	}, nil)
	cfg := DefaultConfig()
	cfg.MatchDistance = 200
	cfg.SilenceTimeout = 30 * time.Second
	cfg.ViolationCooldown = 10 * time.Second
	tr := New(layout, cfg)

	inside := []pipeline.Detection{catAt(150, 150)}
	outside := []pipeline.Detection{catAt(50, 50)}

	events := tr.Update(frameAt(1, 0), inside)
	assert.Equal(t, []pipeline.EventKind{pipeline.EventZoneEntered, pipeline.EventZoneViolation}, kinds(events))

	events = tr.Update(frameAt(2, time.Second), outside)
	require.Equal(t, []pipeline.EventKind{pipeline.EventZoneExited}, kinds(events))
	assert.Equal(t, time.Second, events[0].Duration)

	events = tr.Update(frameAt(3, 2*time.Second), inside)
	assert.Equal(t, []pipeline.EventKind{pipeline.EventZoneEntered}, kinds(events), "within cooldown")

	tr.Update(frameAt(4, 3*time.Second), outside)

	events = tr.Update(frameAt(5, 11*time.Second), inside)
	assert.Equal(t, []pipeline.EventKind{pipeline.EventZoneEntered, pipeline.EventZoneViolation}, kinds(events))

	info := tr.Tracks()
	require.Len(t, info, 1)
	assert.Equal(t, 2*time.Second, info[0].ZoneDwell["counter"])
	assert.Equal(t, "counter", info[0].ZoneID)
}

func TestZoneChangeExitsBeforeEntering(t *testing.T) {
	layout := mustLayout(t, []pipeline.Zone{
		{ID: "hall", Kind: pipeline.ZoneNormal, Polygon: square(0, 0, 100, 100)},
		{ID: "kitchen", Kind: pipeline.ZoneFeeding, Polygon: square(100, 0, 200, 100)},
	}, nil)
	cfg := DefaultConfig()
	cfg.MatchDistance = 150
	tr := New(layout, cfg)

	events := tr.Update(frameSeq(1), []pipeline.Detection{catAt(50, 50)})
	require.Equal(t, []pipeline.EventKind{pipeline.EventZoneEntered}, kinds(events))
	assert.Equal(t, "hall", events[0].ZoneID)

	events = tr.Update(frameSeq(2), []pipeline.Detection{catAt(150, 50)})
	require.Equal(t, []pipeline.EventKind{pipeline.EventZoneExited, pipeline.EventZoneEntered}, kinds(events))
	assert.Equal(t, "hall", events[0].ZoneID)
	assert.Equal(t, 100*time.Millisecond, events[0].Duration)
	assert.Equal(t, "kitchen", events[1].ZoneID)
	assert.Equal(t, pipeline.ZoneFeeding, events[1].ZoneKind)
}

func TestOverlappingZonesResolveByPriority(t *testing.T) {
	layout := mustLayout(t, []pipeline.Zone{
		{ID: "house", Kind: pipeline.ZoneNormal, Polygon: square(0, 0, 400, 400)},
		{ID: "dining", Kind: pipeline.ZoneFeeding, Polygon: square(150, 150, 300, 300)},
		{ID: "counter", Kind: pipeline.ZoneRestricted, Polygon: square(100, 100, 200, 200)},
	}, nil)
	assert.Equal(t, []string{"counter", "dining", "house"}, layout.ZoneIDs())

	tr := New(layout, DefaultConfig())
	events := tr.Update(frameSeq(1), []pipeline.Detection{catAt(175, 175)})
	require.Equal(t, []pipeline.EventKind{pipeline.EventZoneEntered, pipeline.EventZoneViolation}, kinds(events))
	assert.Equal(t, "counter", events[0].ZoneID)

	events = tr.Update(frameSeq(2), []pipeline.Detection{catAt(225, 225)})
	require.Equal(t, []pipeline.EventKind{pipeline.EventZoneExited, pipeline.EventZoneEntered}, kinds(events))
	assert.Equal(t, "dining", events[1].ZoneID)
}

func TestSameKindOverlapPrefersFirstRegistered(t *testing.T) {
	a := pipeline.Zone{ID: "a", Kind: pipeline.ZoneFeeding, Polygon: square(0, 0, 200, 200)}
	b := pipeline.Zone{ID: "b", Kind: pipeline.ZoneFeeding, Polygon: square(100, 100, 300, 300)}

	tr := New(mustLayout(t, []pipeline.Zone{a, b}, nil), DefaultConfig())
	events := tr.Update(frameSeq(1), []pipeline.Detection{catAt(150, 150)})
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].ZoneID)

	tr = New(mustLayout(t, []pipeline.Zone{b, a}, nil), DefaultConfig())
	events = tr.Update(frameSeq(1), []pipeline.Detection{catAt(150, 150)})
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].ZoneID)
}

func TestBowlInteractionIsDebounced(t *testing.T) {
	layout := mustLayout(t, nil, []pipeline.Bowl{
		{ID: "food", Kind: pipeline.BowlFood, Center: geometry.Point{X: 300, Y: 300}, Radius: 40},
	})
	tr := New(layout, DefaultConfig())

	near := []pipeline.Detection{catAt(300, 300)}
	away := []pipeline.Detection{catAt(300, 360)}

	// Two frames near then away: below the enter window
	assert.Empty(t, tr.Update(frameSeq(1), near))
	assert.Empty(t, tr.Update(frameSeq(2), near))
	assert.Empty(t, tr.Update(frameSeq(3), away))

	for seq := uint64(4); seq <= 7; seq++ {
		assert.Empty(t, tr.Update(frameSeq(seq), near), "frame %d", seq)
	}
	events := tr.Update(frameSeq(8), near)
	require.Equal(t, []pipeline.EventKind{pipeline.EventBowlInteractionStarted}, kinds(events))
	assert.Equal(t, "food", events[0].BowlID)
	assert.Equal(t, pipeline.BowlFood, events[0].BowlKind)
	assert.Equal(t, frameSeq(8).Timestamp, events[0].Timestamp)

	assert.Empty(t, tr.Update(frameSeq(9), near))

	// A short absence does not end the interaction
	assert.Empty(t, tr.Update(frameSeq(10), away))
	assert.Empty(t, tr.Update(frameSeq(11), near))

	assert.Empty(t, tr.Update(frameSeq(12), away))
	assert.Empty(t, tr.Update(frameSeq(13), away))
	events = tr.Update(frameSeq(14), away)
	require.Equal(t, []pipeline.EventKind{pipeline.EventBowlInteractionEnded}, kinds(events))
	assert.Equal(t, 300*time.Millisecond, events[0].Duration, "runs from start to the last frame near the bowl")
	assert.Equal(t, uint64(14), events[0].FrameSeq)

	info := tr.Tracks()
	require.Len(t, info, 1)
	assert.Empty(t, info[0].BowlID)
	assert.Equal(t, frameSeq(11).Timestamp, info[0].LastBowlInteraction["food"])
}

func TestNearestBowlWins(t *testing.T) {
	layout := mustLayout(t, nil, []pipeline.Bowl{
		{ID: "water", Kind: pipeline.BowlWater, Center: geometry.Point{X: 100, Y: 100}, Radius: 50},
		{ID: "food", Kind: pipeline.BowlFood, Center: geometry.Point{X: 140, Y: 100}, Radius: 50},
	})
	cfg := DefaultConfig()
	cfg.BowlEnterFrames = 1
	tr := New(layout, cfg)

	events := tr.Update(frameSeq(1), []pipeline.Detection{catAt(130, 100)})
	require.Len(t, events, 1)
	assert.Equal(t, "food", events[0].BowlID)
}

func TestSizeAdjustedRadius(t *testing.T) {
	bowls := []pipeline.Bowl{{ID: "food", Kind: pipeline.BowlFood, Center: geometry.Point{X: 300, Y: 300}, Radius: 20}}
	big := pipeline.Detection{
		BBox:       pipeline.BBox{X: 225, Y: 200, W: 200, H: 200},
		Species:    pipeline.SpeciesDog,
		Confidence: 0.9,
	}

	cfg := DefaultConfig()
	cfg.BowlEnterFrames = 1

	plain := New(mustLayout(t, nil, bowls), cfg)
	assert.Empty(t, plain.Update(frameSeq(1), []pipeline.Detection{big}))

	cfg.SizeAdjustedRadius = true
	adjusted := New(mustLayout(t, nil, bowls), cfg)
	events := adjusted.Update(frameSeq(1), []pipeline.Detection{big})
	require.Equal(t, []pipeline.EventKind{pipeline.EventBowlInteractionStarted}, kinds(events))
	assert.Equal(t, pipeline.SpeciesDog, events[0].Species)
}

func TestEmptyFramesAdvanceSilenceAndExpire(t *testing.T) {
	layout := mustLayout(t, []pipeline.Zone{
		{ID: "sofa", Kind: pipeline.ZoneNormal, Polygon: square(0, 0, 100, 100)},
	}, nil)
	tr := New(layout, DefaultConfig())

	tr.Update(frameAt(1, 0), []pipeline.Detection{catAt(50, 50)})
	tr.Update(frameAt(2, 500*time.Millisecond), []pipeline.Detection{catAt(52, 50)})

	for i, offset := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		assert.Empty(t, tr.Update(frameAt(uint64(3+i), offset), nil))
	}
	info := tr.Tracks()
	require.Len(t, info, 1)
	assert.Equal(t, 3, info[0].SilentFrames)

	events := tr.Update(frameAt(6, 3600*time.Millisecond), nil)
	require.Equal(t, []pipeline.EventKind{pipeline.EventZoneExited}, kinds(events))
	assert.Equal(t, epoch.Add(500*time.Millisecond), events[0].Timestamp, "stamped at the last sighting")
	assert.Equal(t, uint64(2), events[0].FrameSeq)
	assert.Equal(t, 500*time.Millisecond, events[0].Duration)
	assert.Empty(t, tr.Tracks())

	// Reappearance starts a new track
	events = tr.Update(frameAt(7, 4*time.Second), []pipeline.Detection{catAt(50, 50)})
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].TrackID)
}

func TestExpiryWithoutOpenStateIsSilent(t *testing.T) {
	tr := New(mustLayout(t, nil, nil), DefaultConfig())

	tr.Update(frameAt(1, 0), []pipeline.Detection{catAt(50, 50)})
	assert.Empty(t, tr.Update(frameAt(2, 10*time.Second), nil))
	assert.Empty(t, tr.Tracks())
}

func TestExpiryEndsActiveBowlInteraction(t *testing.T) {
	layout := mustLayout(t, nil, []pipeline.Bowl{
		{ID: "water", Kind: pipeline.BowlWater, Center: geometry.Point{X: 50, Y: 50}, Radius: 30},
	})
	cfg := DefaultConfig()
	cfg.BowlEnterFrames = 2
	tr := New(layout, cfg)

	tr.Update(frameAt(1, 0), []pipeline.Detection{catAt(50, 50)})
	events := tr.Update(frameAt(2, time.Second), []pipeline.Detection{catAt(50, 50)})
	require.Equal(t, []pipeline.EventKind{pipeline.EventBowlInteractionStarted}, kinds(events))
	tr.Update(frameAt(3, 2*time.Second), []pipeline.Detection{catAt(50, 50)})

	events = tr.Update(frameAt(4, 6*time.Second), nil)
	require.Equal(t, []pipeline.EventKind{pipeline.EventBowlInteractionEnded}, kinds(events))
	assert.Equal(t, epoch.Add(2*time.Second), events[0].Timestamp)
	assert.Equal(t, time.Second, events[0].Duration)
}

func TestAssociationTieGoesToLowerTrackID(t *testing.T) {
	tr := New(mustLayout(t, nil, nil), DefaultConfig())

	tr.Update(frameSeq(1), []pipeline.Detection{catAt(100, 100), catAt(200, 100)})
	require.Len(t, tr.Tracks(), 2)

	tr.Update(frameSeq(2), []pipeline.Detection{catAt(150, 100)})

	info := tr.Tracks()
	require.Len(t, info, 2)
	assert.Equal(t, 1, info[0].ID)
	assert.Equal(t, geometry.Point{X: 150, Y: 100}, info[0].BBox.Centroid())
	assert.Equal(t, 0, info[0].SilentFrames)
	assert.Equal(t, 1, info[1].SilentFrames)
}

// Random walks with dropouts: per-track events stay ordered and paired
func TestEventSequencesStayConsistent(t *testing.T) {
	layout := mustLayout(t, []pipeline.Zone{
		{ID: "house", Kind: pipeline.ZoneNormal, Polygon: square(0, 0, 640, 480)},
		{ID: "kitchen", Kind: pipeline.ZoneFeeding, Polygon: square(300, 0, 640, 240)},
		{ID: "counter", Kind: pipeline.ZoneRestricted, Polygon: square(400, 50, 550, 150)},
	}, []pipeline.Bowl{
		{ID: "food", Kind: pipeline.BowlFood, Center: geometry.Point{X: 350, Y: 200}, Radius: 40},
		{ID: "water", Kind: pipeline.BowlWater, Center: geometry.Point{X: 100, Y: 400}, Radius: 40},
	})
	cfg := DefaultConfig()
	cfg.ViolationCooldown = 5 * time.Second
	tr := New(layout, cfg)

	rng := rand.New(rand.NewSource(42))
	pos := []geometry.Point{{X: 100, Y: 100}, {X: 500, Y: 300}}

	type state struct {
		last     time.Time
		zone     string
		zoneKind pipeline.ZoneKind
		bowl     string
		entered  bool
	}
	states := make(map[int]*state)
	blackout := 0

	for seq := uint64(1); seq <= 3000; seq++ {
		frame := frameSeq(seq)

		var dets []pipeline.Detection
		if blackout > 0 {
			blackout--
		} else if rng.Intn(400) == 0 {
			blackout = 40
		}
		for i := range pos {
			pos[i].X = clamp(pos[i].X+rng.Float64()*24-12, 10, 630)
			pos[i].Y = clamp(pos[i].Y+rng.Float64()*24-12, 10, 470)
			if blackout == 0 && rng.Intn(10) != 0 {
				dets = append(dets, catAt(pos[i].X, pos[i].Y))
			}
		}

		for _, e := range tr.Update(frame, dets) {
			s := states[e.TrackID]
			if s == nil {
				s = &state{}
				states[e.TrackID] = s
			}
			require.False(t, e.Timestamp.Before(s.last), "track %d events out of order", e.TrackID)
			s.last = e.Timestamp

			switch e.Kind {
			case pipeline.EventZoneEntered:
				require.Empty(t, s.zone, "entered %s while inside %s", e.ZoneID, s.zone)
				s.zone, s.zoneKind, s.entered = e.ZoneID, e.ZoneKind, true
				continue
			case pipeline.EventZoneViolation:
				require.True(t, s.entered, "violation must follow entry")
				require.Equal(t, pipeline.ZoneRestricted, s.zoneKind)
				require.Equal(t, s.zone, e.ZoneID)
			case pipeline.EventZoneExited:
				require.Equal(t, s.zone, e.ZoneID)
				require.GreaterOrEqual(t, e.Duration, time.Duration(0))
				s.zone = ""
			case pipeline.EventBowlInteractionStarted:
				require.Empty(t, s.bowl)
				s.bowl = e.BowlID
			case pipeline.EventBowlInteractionEnded:
				require.Equal(t, s.bowl, e.BowlID)
				require.GreaterOrEqual(t, e.Duration, time.Duration(0))
				s.bowl = ""
			}
			s.entered = false
		}
	}
	assert.NotEmpty(t, states)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func TestNewLayoutValidation(t *testing.T) {
	valid := pipeline.Zone{ID: "z", Kind: pipeline.ZoneNormal, Polygon: square(0, 0, 10, 10)}

	tests := []struct {
		name     string
		zones    []pipeline.Zone
		bowls    []pipeline.Bowl
		geometry bool
	}{
		{
			name:     "collinear polygon",
			zones:    []pipeline.Zone{{ID: "line", Kind: pipeline.ZoneNormal, Polygon: geometry.Polygon{{X: 0, Y: 0}, {X: 5, Y: 5}, {X: 10, Y: 10}}}},
			geometry: true,
		},
		{
			name:     "two vertices",
			zones:    []pipeline.Zone{{ID: "short", Kind: pipeline.ZoneNormal, Polygon: geometry.Polygon{{X: 0, Y: 0}, {X: 5, Y: 5}}}},
			geometry: true,
		},
		{
			name:  "duplicate zone id",
			zones: []pipeline.Zone{valid, valid},
		},
		{
			name:  "unknown zone kind",
			zones: []pipeline.Zone{{ID: "z", Kind: "garden", Polygon: square(0, 0, 10, 10)}},
		},
		{
			name:     "zero radius",
			bowls:    []pipeline.Bowl{{ID: "b", Kind: pipeline.BowlFood, Radius: 0}},
			geometry: true,
		},
		{
			name:  "unknown bowl kind",
			bowls: []pipeline.Bowl{{ID: "b", Kind: "treats", Radius: 10}},
		},
		{
			name:  "duplicate bowl id",
			bowls: []pipeline.Bowl{{ID: "b", Kind: pipeline.BowlFood, Radius: 10}, {ID: "b", Kind: pipeline.BowlWater, Radius: 10}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLayout(tt.zones, tt.bowls)
			require.Error(t, err)
			if tt.geometry {
				assert.ErrorIs(t, err, pipeline.ErrInvalidZoneGeometry)
			}
		})
	}
}
