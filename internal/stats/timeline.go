package stats

import (
	"sort"
	"time"

	"petwatch/internal/pipeline"
)

// timeline is a fixed-capacity ring of the most recent events
type timeline struct {
	buf     []pipeline.Event
	start   int
	size    int
	evicted uint64
}

func newTimeline(capacity int) *timeline {
	return &timeline{buf: make([]pipeline.Event, capacity)}
}

func (t *timeline) push(e pipeline.Event) {
	if t.size < len(t.buf) {
		t.buf[(t.start+t.size)%len(t.buf)] = e
		t.size++
		return
	}
	t.buf[t.start] = e
	t.start = (t.start + 1) % len(t.buf)
	t.evicted++
}

// events returns the retained events, oldest first
func (t *timeline) events() []pipeline.Event {
	out := make([]pipeline.Event, t.size)
	for i := 0; i < t.size; i++ {
		out[i] = t.buf[(t.start+i)%len(t.buf)]
	}
	return out
}

// rollups counts events per kind in calendar buckets, keeping the most
// recent retention buckets
type rollups struct {
	bucket    func(time.Time) time.Time
	retention int
	buckets   []pipeline.Rollup // Ordered by Start
}

func newRollups(retention int, bucket func(time.Time) time.Time) *rollups {
	return &rollups{bucket: bucket, retention: retention}
}

func (r *rollups) add(ts time.Time, kind pipeline.EventKind) {
	start := r.bucket(ts)

	// Expiry events may be stamped slightly in the past
	i := sort.Search(len(r.buckets), func(i int) bool { return !r.buckets[i].Start.Before(start) })
	if i == len(r.buckets) || !r.buckets[i].Start.Equal(start) {
		if len(r.buckets) >= r.retention && i == 0 {
			return // Older than every retained bucket
		}
		r.buckets = append(r.buckets, pipeline.Rollup{})
		copy(r.buckets[i+1:], r.buckets[i:])
		r.buckets[i] = pipeline.Rollup{Start: start, Counts: make(map[pipeline.EventKind]uint64)}
	}

	r.buckets[i].Counts[kind]++
	r.buckets[i].Total++

	if over := len(r.buckets) - r.retention; over > 0 {
		r.buckets = append(r.buckets[:0:0], r.buckets[over:]...)
	}
}

func (r *rollups) snapshot() []pipeline.Rollup {
	out := make([]pipeline.Rollup, len(r.buckets))
	for i, b := range r.buckets {
		counts := make(map[pipeline.EventKind]uint64, len(b.Counts))
		for k, n := range b.Counts {
			counts[k] = n
		}
		out[i] = pipeline.Rollup{Start: b.Start, Counts: counts, Total: b.Total}
	}
	return out
}

func hourBucket(loc *time.Location) func(time.Time) time.Time {
	return func(ts time.Time) time.Time {
		ts = ts.In(loc)
		return time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), 0, 0, 0, loc)
	}
}

func dayBucket(loc *time.Location) func(time.Time) time.Time {
	return func(ts time.Time) time.Time {
		ts = ts.In(loc)
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, loc)
	}
}
