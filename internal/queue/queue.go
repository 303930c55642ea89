// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package queue implements the bounded FIFO of blob references used by every
// destination worker and every spill writer. Blocking semantics follow the
// mutex+condition-variable discipline of the teacher's RingBuffer
// (internal/agent/ringbuffer.go): Pop blocks on a condition variable up to a
// caller-supplied timeout; Cancel broadcasts to unblock every waiter at
// once, the same "wake everyone, let them re-check state" shape the ring
// buffer uses for Close.
package queue

import (
	"sync"
	"time"

	"github.com/nishisan-dev/grelay/internal/blob"
)

type item struct {
	b          *blob.Blob
	enqueuedAt time.Time
}

// Queue is a bounded FIFO of blob references with a soft capacity: Push
// beyond the cap does not block, it returns full so the caller can decide to
// drop or spill.
type Queue struct {
	mu        sync.Mutex
	notEmpty  *sync.Cond
	items     []item
	capacity  int
	cancelled bool

	totalEnqueued int64
	totalBytes    int64
}

// New returns a Queue with the given soft capacity (item count, not bytes).
func New(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends b to the tail. ok is false (and full is true) when the queue
// is already at capacity; the caller owns the blob's reference in that case
// and must release it or hand it to a spill queue.
func (q *Queue) Push(b *blob.Blob) (ok bool, full bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled {
		return false, false
	}
	if len(q.items) >= q.capacity {
		return false, true
	}
	q.items = append(q.items, item{b: b, enqueuedAt: time.Now()})
	q.totalEnqueued++
	q.totalBytes += int64(b.Size())
	q.notEmpty.Signal()
	return true, false
}

// Pop removes and returns the head item. If the queue is empty, Pop blocks
// until an item arrives, timeout elapses, or the queue is cancelled.
// timeout == 0 makes Pop non-blocking.
func (q *Queue) Pop(timeout time.Duration) (b *blob.Blob, empty bool, cancelled bool) {
	b, _, empty, cancelled = q.PopWithEnqueueTime(timeout)
	return b, empty, cancelled
}

// PopWithEnqueueTime behaves like Pop but also returns the timestamp the
// item was originally pushed at, so a caller that retries the same blob
// across repeated send failures (the destination worker's stall watchdog)
// can track its true age-since-enqueue rather than just the time since its
// own last attempt.
func (q *Queue) PopWithEnqueueTime(timeout time.Duration) (b *blob.Blob, enqueuedAt time.Time, empty bool, cancelled bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 && timeout > 0 && !q.cancelled {
		q.waitWithTimeout(timeout)
	}

	if q.cancelled && len(q.items) == 0 {
		return nil, time.Time{}, false, true
	}
	if len(q.items) == 0 {
		return nil, time.Time{}, true, false
	}

	it := q.items[0]
	q.items = q.items[1:]
	return it.b, it.enqueuedAt, false, false
}

// waitWithTimeout blocks on notEmpty until signalled or timeout elapses.
// Must be called with q.mu held. sync.Cond has no native timeout, so a
// timer goroutine performs a Broadcast after the deadline — the same
// technique used for bounded waits in Go standard library code that still
// wants to build on sync.Cond rather than a channel-based reimplementation.
func (q *Queue) waitWithTimeout(timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)
	for len(q.items) == 0 && !q.cancelled && time.Now().Before(deadline) {
		q.notEmpty.Wait()
	}
}

// Len returns the current number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// OldestAge returns the age of the head item, used by the destination
// worker's stall watchdog to decide when to spill. ok is false if the queue
// is empty.
func (q *Queue) OldestAge() (age time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	return time.Since(q.items[0].enqueuedAt), true
}

// DrainInto removes up to maxItems items from the head of q and pushes them
// into dst, preserving order. Items that dst refuses (because it is full)
// are not put back into q and are not released; the caller owns their
// references. Returns the number of items moved and the number that could
// not be moved because dst was full (the caller counts the latter as drops).
func (q *Queue) DrainInto(dst *Queue, maxItems int) (moved, rejected int) {
	q.mu.Lock()
	var batch []item
	n := maxItems
	if n > len(q.items) {
		n = len(q.items)
	}
	batch = append(batch, q.items[:n]...)
	q.items = q.items[n:]
	q.mu.Unlock()

	for _, it := range batch {
		ok, _ := dst.Push(it.b)
		if ok {
			moved++
		} else {
			rejected++
		}
	}
	return moved, rejected
}

// Cancel marks the queue cancelled and wakes every blocked Pop. Subsequent
// Push calls are rejected. Matches the spec's "Cancellation wakes all
// waiters and returns cancelled" requirement.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = true
	q.notEmpty.Broadcast()
}

// Stats returns bookkeeping counters useful for diagnostics: total items
// ever enqueued and total payload bytes ever enqueued.
func (q *Queue) Stats() (totalEnqueued, totalBytes int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalEnqueued, q.totalBytes
}
