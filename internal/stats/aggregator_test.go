package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petwatch/internal/pipeline"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func frameAt(seq uint64, offset time.Duration) *pipeline.Frame {
	return &pipeline.Frame{Seq: seq, Timestamp: epoch.Add(offset), Width: 640, Height: 480}
}

func result(status pipeline.DetectionStatus, dets ...pipeline.Detection) *pipeline.DetectionResult {
	return &pipeline.DetectionResult{Status: status, Mode: pipeline.ModeBalanced, Detections: dets}
}

func animal(species pipeline.Species, cx, cy, conf float64) pipeline.Detection {
	return pipeline.Detection{
		BBox:       pipeline.BBox{X: cx - 10, Y: cy - 10, W: 20, H: 20},
		Species:    species,
		Confidence: conf,
	}
}

func zoneEvent(kind pipeline.EventKind, track int, zone string, zk pipeline.ZoneKind, at time.Duration) pipeline.Event {
	return pipeline.Event{Kind: kind, TrackID: track, ZoneID: zone, ZoneKind: zk, Timestamp: epoch.Add(at)}
}

func bowlEvent(kind pipeline.EventKind, track int, bowl string, bk pipeline.BowlKind, at time.Duration) pipeline.Event {
	return pipeline.Event{Kind: kind, TrackID: track, BowlID: bowl, BowlKind: bk, Timestamp: epoch.Add(at)}
}

func TestOnlyComputedDetectionsAreCounted(t *testing.T) {
	agg := New(DefaultConfig())

	dets := []pipeline.Detection{
		animal(pipeline.SpeciesCat, 100, 100, 0.8),
		animal(pipeline.SpeciesCat, 200, 100, 0.6),
		animal(pipeline.SpeciesDog, 300, 300, 0.7),
	}
	agg.Record(frameAt(1, 0), result(pipeline.StatusComputed, dets...), nil)
	agg.Record(frameAt(2, 100*time.Millisecond), result(pipeline.StatusReused, dets...), nil)
	agg.Record(frameAt(3, 200*time.Millisecond), result(pipeline.StatusDegraded, dets[:1]...), nil)

	snap := agg.Publish()
	assert.Equal(t, uint64(2), snap.Detections[pipeline.SpeciesCat])
	assert.Equal(t, uint64(1), snap.Detections[pipeline.SpeciesDog])
	assert.Equal(t, uint64(3), snap.FramesProcessed)
	assert.Equal(t, uint64(1), snap.FramesComputed)
	assert.Equal(t, uint64(1), snap.FramesReused)
	assert.Equal(t, uint64(1), snap.FramesDegraded)
	assert.Equal(t, pipeline.ModeBalanced, snap.Mode)

	// Summary describes the latest frame
	assert.Equal(t, pipeline.DetectionSummary{Cats: 1, Dogs: 0, AverageConfidence: 0.8}, snap.Summary)
	assert.Equal(t, epoch, snap.SessionStart)
	assert.Equal(t, epoch.Add(200*time.Millisecond), snap.AsOf)
}

func TestZoneDwellIncludesOpenVisits(t *testing.T) {
	agg := New(Config{Zones: []pipeline.Zone{
		{ID: "sofa", Kind: pipeline.ZoneNormal},
		{ID: "counter", Kind: pipeline.ZoneRestricted},
	}})

	snap := agg.Publish()
	require.Contains(t, snap.Zones, "counter", "configured zones appear before any activity")
	assert.Zero(t, snap.Zones["counter"].Visits)

	agg.Record(frameAt(1, 0), result(pipeline.StatusComputed), []pipeline.Event{
		zoneEvent(pipeline.EventZoneEntered, 1, "counter", pipeline.ZoneRestricted, 0),
		zoneEvent(pipeline.EventZoneViolation, 1, "counter", pipeline.ZoneRestricted, 0),
	})
	agg.Record(frameAt(2, 5*time.Second), result(pipeline.StatusReused), nil)

	snap = agg.Publish()
	counter := snap.Zones["counter"]
	assert.Equal(t, uint64(1), counter.Visits)
	assert.Equal(t, 5*time.Second, counter.Dwell)
	assert.Equal(t, 1, counter.Occupancy)
	assert.Equal(t, uint64(1), counter.Violations)
	assert.Equal(t, uint64(1), snap.Violations)

	exited := zoneEvent(pipeline.EventZoneExited, 1, "counter", pipeline.ZoneRestricted, 6*time.Second)
	exited.Duration = 6 * time.Second
	agg.Record(frameAt(3, 6*time.Second), result(pipeline.StatusReused), []pipeline.Event{exited})
	agg.Record(frameAt(4, 20*time.Second), result(pipeline.StatusReused), nil)

	snap = agg.Publish()
	counter = snap.Zones["counter"]
	assert.Equal(t, 6*time.Second, counter.Dwell, "closed visits stop accruing")
	assert.Equal(t, 0, counter.Occupancy)
}

func TestBowlInteractionsAndTallies(t *testing.T) {
	agg := New(DefaultConfig())

	ended := func(track int, bowl string, kind pipeline.BowlKind, at, d time.Duration) pipeline.Event {
		e := bowlEvent(pipeline.EventBowlInteractionEnded, track, bowl, kind, at)
		e.Duration = d
		return e
	}

	agg.Record(frameAt(1, 0), result(pipeline.StatusComputed), []pipeline.Event{
		bowlEvent(pipeline.EventBowlInteractionStarted, 1, "food", pipeline.BowlFood, 0),
		bowlEvent(pipeline.EventBowlInteractionStarted, 2, "water", pipeline.BowlWater, 0),
	})

	snap := agg.Publish()
	assert.Equal(t, 1, snap.Bowls["food"].Active)
	assert.Zero(t, snap.Bowls["food"].Interactions)

	agg.Record(frameAt(2, 30*time.Second), result(pipeline.StatusComputed), []pipeline.Event{
		ended(1, "food", pipeline.BowlFood, 30*time.Second, 30*time.Second),
		ended(2, "water", pipeline.BowlWater, 30*time.Second, 10*time.Second),
	})
	agg.Record(frameAt(3, time.Minute), result(pipeline.StatusComputed), []pipeline.Event{
		bowlEvent(pipeline.EventBowlInteractionStarted, 1, "food", pipeline.BowlFood, time.Minute),
		ended(1, "food", pipeline.BowlFood, time.Minute, 10*time.Second),
	})

	snap = agg.Publish()
	food := snap.Bowls["food"]
	assert.Equal(t, uint64(2), food.Interactions)
	assert.Equal(t, 40*time.Second, food.TotalDuration)
	assert.Equal(t, 20*time.Second, food.AverageDuration)
	assert.Equal(t, 0, food.Active)
	assert.Equal(t, pipeline.BowlFood, food.Kind)

	assert.Equal(t, uint64(2), snap.EatingSessions)
	assert.Equal(t, uint64(1), snap.DrinkingSessions)
}

func TestTimelineEvictionKeepsTotalsExact(t *testing.T) {
	agg := New(Config{TimelineCapacity: 10})

	for i := 0; i < 25; i++ {
		e := zoneEvent(pipeline.EventZoneEntered, i, "sofa", pipeline.ZoneNormal, time.Duration(i)*time.Second)
		e.ID = string(rune('a' + i))
		agg.Record(frameAt(uint64(i+1), time.Duration(i)*time.Second), result(pipeline.StatusComputed), []pipeline.Event{e})
	}

	snap := agg.Publish()
	require.Len(t, snap.Timeline, 10)
	assert.Equal(t, string(rune('a'+15)), snap.Timeline[0].ID, "oldest retained")
	assert.Equal(t, string(rune('a'+24)), snap.Timeline[9].ID, "newest last")
	assert.Equal(t, uint64(15), snap.TimelineEvicted)

	assert.Equal(t, uint64(25), snap.EventTotals[pipeline.EventZoneEntered])
	assert.Equal(t, uint64(25), snap.TotalEvents())
	require.Len(t, snap.Hourly, 1)
	assert.Equal(t, uint64(25), snap.Hourly[0].Total)
	assert.Equal(t, uint64(25), snap.Zones["sofa"].Visits)
}

func TestHourlyRollupRetention(t *testing.T) {
	agg := New(Config{HourlyRetention: 3})

	for h := 0; h < 5; h++ {
		at := time.Duration(h) * time.Hour
		agg.Record(frameAt(uint64(h+1), at), result(pipeline.StatusComputed), []pipeline.Event{
			zoneEvent(pipeline.EventZoneEntered, 1, "sofa", pipeline.ZoneNormal, at),
			zoneEvent(pipeline.EventZoneViolation, 1, "sofa", pipeline.ZoneNormal, at),
		})
	}

	snap := agg.Publish()
	require.Len(t, snap.Hourly, 3)
	assert.Equal(t, epoch.Add(2*time.Hour), snap.Hourly[0].Start)
	assert.Equal(t, epoch.Add(4*time.Hour), snap.Hourly[2].Start)
	assert.Equal(t, uint64(1), snap.Hourly[2].Counts[pipeline.EventZoneViolation])
	assert.Equal(t, uint64(2), snap.Hourly[2].Total)

	require.Len(t, snap.Daily, 1)
	assert.Equal(t, uint64(10), snap.Daily[0].Total)
}

func TestRollupsAcceptLateEvents(t *testing.T) {
	agg := New(DefaultConfig())

	agg.Record(frameAt(1, 2*time.Hour), result(pipeline.StatusComputed), []pipeline.Event{
		zoneEvent(pipeline.EventZoneEntered, 1, "sofa", pipeline.ZoneNormal, 2*time.Hour),
	})
	// Expiry closes a visit at the last sighting, an hour earlier
	agg.Record(frameAt(2, 2*time.Hour), result(pipeline.StatusComputed), []pipeline.Event{
		zoneEvent(pipeline.EventZoneExited, 2, "sofa", pipeline.ZoneNormal, time.Hour),
	})

	snap := agg.Publish()
	require.Len(t, snap.Hourly, 2)
	assert.Equal(t, epoch.Add(time.Hour), snap.Hourly[0].Start)
	assert.Equal(t, uint64(1), snap.Hourly[0].Counts[pipeline.EventZoneExited])
	assert.Equal(t, epoch.Add(2*time.Hour), snap.Hourly[1].Start)
}

func TestActivityByHourAndPeak(t *testing.T) {
	agg := New(DefaultConfig())
	assert.Equal(t, -1, agg.Snapshot().PeakHour)

	// epoch is 08:00 UTC
	offsets := []time.Duration{0, time.Hour, time.Hour + time.Minute, time.Hour + 2*time.Minute, 3 * time.Hour}
	for i, at := range offsets {
		agg.Record(frameAt(uint64(i+1), at), result(pipeline.StatusComputed), []pipeline.Event{
			bowlEvent(pipeline.EventBowlInteractionStarted, 1, "water", pipeline.BowlWater, at),
		})
	}

	snap := agg.Publish()
	assert.Equal(t, uint64(1), snap.ActivityByHour[8])
	assert.Equal(t, uint64(3), snap.ActivityByHour[9])
	assert.Equal(t, uint64(1), snap.ActivityByHour[11])
	assert.Equal(t, 9, snap.PeakHour)
}

func TestHeatmapBinsCentroids(t *testing.T) {
	agg := New(Config{HeatmapCols: 4, HeatmapRows: 4})

	agg.Record(frameAt(1, 0), result(pipeline.StatusComputed,
		animal(pipeline.SpeciesCat, 80, 60, 0.9),
		animal(pipeline.SpeciesDog, 600, 450, 0.9),
		animal(pipeline.SpeciesDog, 640, 480, 0.9),
	), nil)
	agg.Record(frameAt(2, 0), result(pipeline.StatusReused, animal(pipeline.SpeciesCat, 80, 60, 0.9)), nil)

	snap := agg.Publish()
	require.NotNil(t, snap.Heatmap)
	require.Len(t, snap.Heatmap.Cells, 16)
	assert.Equal(t, uint64(1), snap.Heatmap.Cells[0])
	assert.Equal(t, uint64(2), snap.Heatmap.Cells[15], "edge centroids clamp into the last cell")
}

func TestPublishedSnapshotsAreImmutable(t *testing.T) {
	agg := New(DefaultConfig())

	agg.Record(frameAt(1, 0), result(pipeline.StatusComputed, animal(pipeline.SpeciesCat, 10, 10, 0.9)), []pipeline.Event{
		zoneEvent(pipeline.EventZoneEntered, 1, "sofa", pipeline.ZoneNormal, 0),
	})
	first := agg.Publish()
	assert.Same(t, first, agg.Snapshot())

	agg.Record(frameAt(2, time.Second), result(pipeline.StatusComputed, animal(pipeline.SpeciesCat, 10, 10, 0.9)), []pipeline.Event{
		zoneEvent(pipeline.EventZoneEntered, 2, "sofa", pipeline.ZoneNormal, time.Second),
	})
	assert.Same(t, first, agg.Snapshot(), "recording does not publish")

	second := agg.Publish()
	assert.Greater(t, second.Version, first.Version)

	assert.Equal(t, uint64(1), first.Detections[pipeline.SpeciesCat])
	assert.Len(t, first.Timeline, 1)
	assert.Equal(t, uint64(1), first.Zones["sofa"].Visits)
	assert.Equal(t, uint64(2), second.Zones["sofa"].Visits)
}

func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	agg := New(DefaultConfig())

	var wg sync.WaitGroup
	done := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := agg.Snapshot()
				if snap.FramesProcessed != snap.FramesComputed+snap.FramesReused+snap.FramesDegraded {
					t.Errorf("inconsistent frame counters in version %d", snap.Version)
					return
				}
			}
		}()
	}

	statuses := []pipeline.DetectionStatus{pipeline.StatusComputed, pipeline.StatusReused, pipeline.StatusDegraded}
	for i := 0; i < 2000; i++ {
		agg.Record(frameAt(uint64(i+1), time.Duration(i)*time.Millisecond), result(statuses[i%3]), nil)
		if i%10 == 0 {
			agg.Publish()
		}
	}
	close(done)
	wg.Wait()

	assert.Equal(t, uint64(2000), agg.Publish().FramesProcessed)
}
