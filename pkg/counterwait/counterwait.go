// Package counterwait provides a rendezvous between a single producer
// advancing a monotonic counter and any number of consumers blocking until
// the counter reaches a threshold.
//
// The daemon uses one CounterWait, shared through the store, to let request
// handlers park until the follower has durably applied a given notification
// id. The producer side is the follower loop only.
package counterwait

import (
	"container/heap"
	"context"
	"sync"
)

// CounterWait tracks a 64-bit counter and a set of blocked waiters, each
// pinned to a threshold. Waiters are released, by closing their channel,
// as soon as the counter reaches their threshold.
//
// The counter only moves forward through Update. Reset is the one operation
// allowed to move it backward; it exists for snapshot re-basing, where the
// notification id axis itself may have jumped. SetBaseline carries the
// snapshot-progress signal explicitly so callers never have to infer when a
// reset is warranted.
type CounterWait struct {
	mu       sync.Mutex
	value    int64
	baseline int64 // id of the newest full image the producer has observed
	waiters  waiterQueue
}

// New returns a CounterWait with the counter at zero.
func New() *CounterWait {
	return &CounterWait{}
}

// Value returns the current counter value.
func (cw *CounterWait) Value() int64 {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.value
}

// Update advances the counter to n if n is greater than the current value
// and releases every waiter whose threshold is now satisfied. Calls with
// n at or below the current value are no-ops.
//
// Once Update(n) returns, any Wait(ctx, m) with m <= n returns immediately.
func (cw *CounterWait) Update(n int64) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if n <= cw.value {
		return
	}
	cw.value = n
	cw.wakeLocked()
}

// Reset unconditionally sets the counter to n, releasing waiters whose
// threshold is <= n. Waiters above n stay blocked. Reset is reserved for
// the producer observing that the event-id axis was re-based underneath it.
func (cw *CounterWait) Reset(n int64) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.value = n
	cw.wakeLocked()
}

// SetBaseline reports that the newest persisted full image has id imageID
// and that the producer is currently at eventID. If the image id advanced
// past the previously known baseline, the counter axis may have jumped
// non-monotonically, so the counter is reset to eventID; otherwise this is
// an ordinary forward update.
func (cw *CounterWait) SetBaseline(imageID, eventID int64) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if imageID > cw.baseline {
		cw.baseline = imageID
		cw.value = eventID
		cw.wakeLocked()
		return
	}
	if eventID <= cw.value {
		return
	}
	cw.value = eventID
	cw.wakeLocked()
}

// Baseline returns the newest image id observed through SetBaseline.
func (cw *CounterWait) Baseline() int64 {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.baseline
}

// Wait blocks until the counter reaches threshold, or ctx is done. It
// returns nil when the threshold was reached, ctx.Err() otherwise. Callers
// bound the wait with context.WithTimeout.
func (cw *CounterWait) Wait(ctx context.Context, threshold int64) error {
	cw.mu.Lock()
	if cw.value >= threshold {
		cw.mu.Unlock()
		return nil
	}
	w := &waiter{threshold: threshold, done: make(chan struct{})}
	heap.Push(&cw.waiters, w)
	cw.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		cw.mu.Lock()
		// The waiter may have been released between ctx firing and the
		// lock being acquired; a closed done channel wins.
		select {
		case <-w.done:
			cw.mu.Unlock()
			return nil
		default:
		}
		if w.index >= 0 {
			heap.Remove(&cw.waiters, w.index)
		}
		cw.mu.Unlock()
		return ctx.Err()
	}
}

// Waiters returns the number of currently blocked waiters.
func (cw *CounterWait) Waiters() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.waiters.Len()
}

// wakeLocked releases every waiter whose threshold is satisfied by the
// current value. Callers hold cw.mu.
func (cw *CounterWait) wakeLocked() {
	for cw.waiters.Len() > 0 && cw.waiters[0].threshold <= cw.value {
		w := heap.Pop(&cw.waiters).(*waiter)
		close(w.done)
	}
}

type waiter struct {
	threshold int64
	done      chan struct{}
	index     int
}

// waiterQueue is a min-heap ordered by threshold so releases pop in
// ascending threshold order.
type waiterQueue []*waiter

func (q waiterQueue) Len() int            { return len(q) }
func (q waiterQueue) Less(i, j int) bool  { return q[i].threshold < q[j].threshold }
func (q waiterQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *waiterQueue) Push(x interface{}) { w := x.(*waiter); w.index = len(*q); *q = append(*q, w) }
func (q *waiterQueue) Pop() interface{} {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
