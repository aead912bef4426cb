package pipeline

import (
	"sync/atomic"
	"time"
)

const (
	MinQueueCapacity = 2
	MaxQueueCapacity = 4
)

// FrameQueue is a bounded single-producer queue with a drop-oldest policy.
// Push waits at most the configured wait for space, then evicts the
// oldest queued frame.
type FrameQueue struct {
	ch      chan *Frame
	wait    time.Duration
	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// NewFrameQueue creates a queue; capacity is clamped to [2, 4]
func NewFrameQueue(capacity int, wait time.Duration) *FrameQueue {
	if capacity < MinQueueCapacity {
		capacity = MinQueueCapacity
	}
	if capacity > MaxQueueCapacity {
		capacity = MaxQueueCapacity
	}
	if wait < 0 {
		wait = 0
	}
	return &FrameQueue{
		ch:   make(chan *Frame, capacity),
		wait: wait,
	}
}

// Push enqueues a frame and returns the frame evicted to make room, if any.
// Must only be called by the producing stage.
func (q *FrameQueue) Push(frame *Frame) *Frame {
	q.pushed.Add(1)

	select {
	case q.ch <- frame:
		return nil
	default:
	}

	if q.wait > 0 {
		timer := time.NewTimer(q.wait)
		select {
		case q.ch <- frame:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	var evicted *Frame
	for {
		select {
		case q.ch <- frame:
			return evicted
		default:
		}
		select {
		case old := <-q.ch:
			evicted = old
			q.dropped.Add(1)
		default:
		}
	}
}

// Frames returns the consuming side; it is closed after Close once drained
func (q *FrameQueue) Frames() <-chan *Frame {
	return q.ch
}

// Close signals that no more frames will be pushed
func (q *FrameQueue) Close() {
	close(q.ch)
}

// Len returns the number of queued frames
func (q *FrameQueue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity
func (q *FrameQueue) Cap() int {
	return cap(q.ch)
}

// Pushed returns the number of frames offered to the queue
func (q *FrameQueue) Pushed() uint64 {
	return q.pushed.Load()
}

// Dropped returns the number of frames evicted under backpressure
func (q *FrameQueue) Dropped() uint64 {
	return q.dropped.Load()
}
