package reactor

import (
	"container/heap"
	"sync"
)

// timerEntry is one scheduled callback, grounded on
// original_source/src/core/loop.c's struct timeout (when/id/context/
// callback), translated from the original's sorted-array insertion
// into a container/heap min-heap ordered by fire time — the original's
// insertion-sort array and a binary heap both give "pop the soonest
// timer" semantics; the heap is the idiomatic Go way to get it without
// hand-rolling array shifting.
type timerEntry struct {
	id    int
	when  int64 // unix milliseconds
	index int   // heap.Interface bookkeeping
	cb    func()
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when < h[j].when }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerWheel schedules millisecond-resolution one-shot callbacks, fired
// in order of nearest deadline first.
//
// Add/Cancel are safe to call from outside the reactor goroutine
// (cmd/ucollect's onReactor arms zero-delay timers from the uplink
// session goroutine and the config-watch goroutine); Fire/Next/Len are only
// ever called from Reactor.Run, but share the same mutex since a
// concurrent Add could otherwise race the heap.
type TimerWheel struct {
	mu     sync.Mutex
	h      timerHeap
	byID   map[int]*timerEntry
	nextID int
}

// NewTimerWheel returns an empty wheel.
func NewTimerWheel() *TimerWheel {
	return &TimerWheel{byID: make(map[int]*timerEntry)}
}

// Add schedules cb to fire at whenMillis (unix milliseconds) and
// returns an id usable with Cancel.
func (t *TimerWheel) Add(whenMillis int64, cb func()) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	e := &timerEntry{id: t.nextID, when: whenMillis, cb: cb}
	t.byID[e.id] = e
	heap.Push(&t.h, e)
	return e.id
}

// Cancel removes a pending timer by id. Canceling an id that already
// fired or was never added is a no-op.
func (t *TimerWheel) Cancel(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return
	}
	heap.Remove(&t.h, e.index)
	delete(t.byID, id)
}

// Next reports the deadline of the soonest pending timer and whether
// one exists, for computing an epoll_wait timeout.
func (t *TimerWheel) Next() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.h) == 0 {
		return 0, false
	}
	return t.h[0].when, true
}

// Fire invokes and removes every timer whose deadline is <= nowMillis,
// in deadline order, and reports whether any timer fired. Callbacks run
// with the lock released, so a callback that calls Add or Cancel does
// not deadlock.
func (t *TimerWheel) Fire(nowMillis int64) bool {
	fired := false
	for {
		t.mu.Lock()
		if len(t.h) == 0 || t.h[0].when > nowMillis {
			t.mu.Unlock()
			return fired
		}
		e := heap.Pop(&t.h).(*timerEntry)
		delete(t.byID, e.id)
		t.mu.Unlock()
		fired = true
		e.cb()
	}
}

// Len reports the number of pending timers.
func (t *TimerWheel) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.h)
}
