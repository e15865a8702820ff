package h3

import (
	"container/heap"
	"time"
)

// Clock supplies the session's only notion of time. Time advances state
// exclusively through OnTick; nothing here reads the wall clock directly.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// timer is a scheduled callback. A cancelled timer stays in the heap and is
// skipped when popped; cancellation is O(1).
type timer struct {
	at        time.Time
	seq       uint64 // tie-break so equal deadlines fire in schedule order
	fn        func()
	cancelled bool
}

func (t *timer) cancel() {
	if t != nil {
		t.cancelled = true
	}
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timer)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// timerQueue schedules callbacks against the session clock.
type timerQueue struct {
	clock Clock
	heap  timerHeap
	seq   uint64
}

func newTimerQueue(clock Clock) *timerQueue {
	return &timerQueue{clock: clock}
}

// schedule registers fn to run once d has elapsed. The returned timer may be
// cancelled.
func (q *timerQueue) schedule(d time.Duration, fn func()) *timer {
	q.seq++
	t := &timer{at: q.clock.Now().Add(d), seq: q.seq, fn: fn}
	heap.Push(&q.heap, t)
	return t
}

// advance runs every due, uncancelled timer in deadline order. Callbacks may
// schedule or cancel further timers.
func (q *timerQueue) advance(now time.Time) {
	for len(q.heap) > 0 && !q.heap[0].at.After(now) {
		t := heap.Pop(&q.heap).(*timer)
		if t.cancelled {
			continue
		}
		t.fn()
	}
}
