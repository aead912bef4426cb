package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petwatch/internal/pipeline"
)

func TestRecorderKeepsEveryEventWhileWriterStalls(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	require.NoError(t, j.StartSession(ctx, Session{ID: "s1", StartedAt: t0, Mode: pipeline.ModeBalanced}))

	rec := j.NewRecorder("s1", 5*time.Millisecond)
	gate := make(chan struct{})
	var stalled atomic.Bool
	rec.save = func(ctx context.Context, sessionID string, events []pipeline.Event) error {
		if stalled.CompareAndSwap(false, true) {
			<-gate
		}
		return j.SaveEvents(ctx, sessionID, events)
	}

	bus := pipeline.NewEventBus()
	unsubscribe := bus.Subscribe(rec)
	rec.Start(ctx)

	publish := func(from, to int) {
		for i := from; i < to; i++ {
			bus.Publish([]pipeline.Event{
				zoneEvent(fmt.Sprintf("ev-%04d", i), pipeline.EventZoneEntered, time.Duration(i)*time.Second, uint64(i)),
			})
		}
	}

	const total = 600
	publish(0, recorderBatchSize)
	require.Eventually(t, stalled.Load, time.Second, time.Millisecond)

	publish(recorderBatchSize, total)
	assert.Equal(t, total-recorderBatchSize, rec.Pending())

	close(gate)
	unsubscribe()
	rec.Close()

	assert.Equal(t, 0, rec.Pending())
	events, err := j.ListEvents(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, events, total)
}

func TestRecorderCloseWithoutStartFlushes(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	require.NoError(t, j.StartSession(ctx, Session{ID: "s1", StartedAt: t0, Mode: pipeline.ModeBalanced}))

	rec := j.NewRecorder("s1", time.Hour)
	rec.OnEvents([]pipeline.Event{zoneEvent("e1", pipeline.EventZoneEntered, 0, 1)})
	rec.Close()
	rec.OnEvents([]pipeline.Event{zoneEvent("e2", pipeline.EventZoneExited, time.Second, 2)})

	events, err := j.ListEvents(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID)
}
