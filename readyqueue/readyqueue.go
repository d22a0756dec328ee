// Package readyqueue implements the EDF ready queue: a min-heap ordered by
// absolute deadline, adapted from control_plane/scheduler's
// container/heap-based TaskQueue (itself aging-priority ordered) but keyed
// by clock.Instant deadline instead, with ties broken by insertion order
// (stable) as required by spec.md §4.3.
package readyqueue

import (
	"container/heap"

	"github.com/mbrt/rres/clock"
)

// ID identifies the server occupying a queue slot. The queue never
// dereferences it; ownership and identity live entirely with the caller
// (scheduler.Registry).
type ID int

// Handle is the stable, opaque token returned by Push and required by
// Remove. It is embedded (by pointer) in Server.ReadyHandle so a server
// can remove itself in O(log n) without a linear scan.
type Handle struct {
	id       ID
	deadline clock.Instant
	seq      uint64
	index    int // maintained by heapImpl, -1 when not in the heap
}

// ID returns the server identity this handle was pushed with.
func (h *Handle) ID() ID { return h.id }

// Deadline returns the deadline this handle was pushed with.
func (h *Handle) Deadline() clock.Instant { return h.deadline }

// Queue is a min-heap of *Handle ordered by Deadline, insertion-order
// stable on ties.
type Queue struct {
	h   heapImpl
	seq uint64
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{}
	heap.Init(&q.h)
	return q
}

// Push inserts id with the given deadline and returns a Handle that can
// later be passed to Remove. O(log n).
func (q *Queue) Push(id ID, deadline clock.Instant) *Handle {
	q.seq++
	handle := &Handle{id: id, deadline: deadline, seq: q.seq, index: -1}
	heap.Push(&q.h, handle)
	return handle
}

// Remove evicts handle from the queue. O(log n). A no-op if the handle is
// not currently in the queue (index == -1), which happens if it was
// already popped or removed.
func (q *Queue) Remove(handle *Handle) {
	if handle == nil || handle.index < 0 {
		return
	}
	heap.Remove(&q.h, handle.index)
	handle.index = -1
}

// Peek returns the handle with the earliest deadline without removing it,
// or nil if the queue is empty. O(1).
func (q *Queue) Peek() *Handle {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// Pop removes and returns the handle with the earliest deadline, or nil
// if the queue is empty. O(log n).
func (q *Queue) Pop() *Handle {
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Handle)
}

// Len returns the number of servers currently in the queue.
func (q *Queue) Len() int { return len(q.h) }

// heapImpl is the container/heap plumbing, mirroring TaskQueue's shape in
// control_plane/scheduler/queue.go but ordered by deadline with a stable
// insertion-order tie-break instead of aging priority.
type heapImpl []*Handle

func (h heapImpl) Len() int { return len(h) }

func (h heapImpl) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].seq < h[j].seq
}

func (h heapImpl) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *heapImpl) Push(x any) {
	handle := x.(*Handle)
	handle.index = len(*h)
	*h = append(*h, handle)
}

func (h *heapImpl) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
