// Package timerheap implements the one-shot timeout timers that retire query sessions.
//
// Timers are identified by a small dense integer (the owning session's slot), so the
// heap never holds a pointer into caller-owned storage. Ordering is by deadline, then by
// insertion sequence, which makes timers sharing a deadline fire in FIFO order.
package timerheap

import (
	"container/heap"
	"time"
)

// ID identifies a timer. It is the slot index of the session that owns the timer.
type ID int32

// FireFunc is invoked for every expired timer, in deadline-then-FIFO order.
type FireFunc func(id ID)

type entry struct {
	deadline int64
	seq      uint64
	id       ID
}

// Heap is a binary min-heap of timers. It is not safe for concurrent use.
type Heap struct {
	entries []entry
	// pos maps an ID to its index in entries, or -1 when the timer is not armed.
	pos  []int32
	seq  uint64
	fire FireFunc
}

// New returns an empty heap whose expired timers are reported to fire.
func New(fire FireFunc) *Heap {
	return &Heap{fire: fire}
}

// Len returns the number of armed timers.
func (h *Heap) Len() int { return len(h.entries) }

// Active reports whether the timer id is armed.
func (h *Heap) Active(id ID) bool {
	return int(id) >= 0 && int(id) < len(h.pos) && h.pos[id] >= 0
}

// Insert arms timer id to expire at deadline (monotonic milliseconds). Arming an already
// armed timer re-queues it behind every timer inserted before this call.
func (h *Heap) Insert(id ID, deadline int64) {
	if id < 0 {
		return
	}
	h.grow(id)
	h.seq++
	if i := h.pos[id]; i >= 0 {
		h.entries[i].deadline = deadline
		h.entries[i].seq = h.seq
		heap.Fix((*heapView)(h), int(i))
		return
	}
	heap.Push((*heapView)(h), entry{deadline: deadline, seq: h.seq, id: id})
}

// Remove disarms timer id. It returns false if the timer was not armed.
func (h *Heap) Remove(id ID) bool {
	if !h.Active(id) {
		return false
	}
	heap.Remove((*heapView)(h), int(h.pos[id]))
	return true
}

// Peek returns the earliest timer without removing it.
func (h *Heap) Peek() (id ID, deadline int64, ok bool) {
	if len(h.entries) == 0 {
		return 0, 0, false
	}
	e := h.entries[0]
	return e.id, e.deadline, true
}

// RunDue pops and fires every timer whose deadline is at or before now. Timers armed by
// the fire callback with a deadline at or before now also fire in the same call.
func (h *Heap) RunDue(now int64) int {
	fired := 0
	for len(h.entries) > 0 && h.entries[0].deadline <= now {
		e := heap.Pop((*heapView)(h)).(entry)
		fired++
		if h.fire != nil {
			h.fire(e.id)
		}
	}
	return fired
}

func (h *Heap) grow(id ID) {
	if int(id) < len(h.pos) {
		return
	}
	n := len(h.pos)
	if n == 0 {
		n = 64
	}
	for n <= int(id) {
		n *= 2
	}
	pos := make([]int32, n)
	copy(pos, h.pos)
	for i := len(h.pos); i < n; i++ {
		pos[i] = -1
	}
	h.pos = pos
}

// heapView adapts Heap to container/heap without exporting the interface methods.
type heapView Heap

func (v *heapView) Len() int { return len(v.entries) }

func (v *heapView) Less(i, j int) bool {
	a, b := v.entries[i], v.entries[j]
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}

func (v *heapView) Swap(i, j int) {
	v.entries[i], v.entries[j] = v.entries[j], v.entries[i]
	v.pos[v.entries[i].id] = int32(i)
	v.pos[v.entries[j].id] = int32(j)
}

func (v *heapView) Push(x any) {
	e := x.(entry)
	v.pos[e.id] = int32(len(v.entries))
	v.entries = append(v.entries, e)
}

func (v *heapView) Pop() any {
	n := len(v.entries) - 1
	e := v.entries[n]
	v.entries = v.entries[:n]
	v.pos[e.id] = -1
	return e
}

// Clock is a monotonic millisecond counter.
type Clock struct {
	start time.Time
}

// NewClock returns a clock reading zero now.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

// Now returns the milliseconds elapsed since the clock was created.
func (c *Clock) Now() int64 {
	return time.Since(c.start).Milliseconds()
}
