// Package session tracks in-flight queries between client acceptance and retirement.
//
// Sessions are keyed by the proxy-assigned 16-bit transaction id and stored by value in a
// slot array; the slot index is stable for the life of a session and is what the timeout
// timer refers to.
package session

import (
	"errors"
	"net/netip"

	"dnssplit/namelist"
)

// Capacity is the number of distinct transaction ids.
const Capacity = 1 << 16

var (
	// ErrFull is returned when every transaction id is held by a live session.
	ErrFull = errors.New("session: table full")
	// ErrDuplicate is returned when inserting an id that is already live.
	ErrDuplicate = errors.New("session: duplicate transaction id")
)

// Slot locates a live session in the table.
type Slot int32

// Session is the state kept for one forwarded client query.
type Session struct {
	ID         uint16
	OriginalID uint16
	Client     netip.AddrPort
	Name       string
	QType      uint16
	Match      namelist.Match
	// UntrustedSatisfied lets a trusted-class reply be accepted on arrival.
	UntrustedSatisfied bool
	// Trusted holds the first trusted-class reply while an untrusted answer is pending.
	Trusted []byte
	// Created is the monotonic millisecond time the session was accepted.
	Created int64
}

type cell struct {
	s    Session
	used bool
}

// Table maps transaction ids to sessions. It is not safe for concurrent use.
type Table struct {
	byID  map[uint16]Slot
	cells []cell
	free  []Slot
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{byID: make(map[uint16]Slot)}
}

// Len returns the number of live sessions.
func (t *Table) Len() int { return len(t.byID) }

// Full reports whether every transaction id is in use.
func (t *Table) Full() bool { return len(t.byID) >= Capacity }

// Live reports whether id belongs to a live session.
func (t *Table) Live(id uint16) bool {
	_, ok := t.byID[id]
	return ok
}

// Insert stores s and returns its slot. The caller must hold an id not used by any live
// session; a collision is rejected with ErrDuplicate.
func (t *Table) Insert(s Session) (Slot, error) {
	if t.Full() {
		return -1, ErrFull
	}
	if _, ok := t.byID[s.ID]; ok {
		return -1, ErrDuplicate
	}
	var slot Slot
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		slot = Slot(len(t.cells))
		t.cells = append(t.cells, cell{})
	}
	t.cells[slot] = cell{s: s, used: true}
	t.byID[s.ID] = slot
	return slot, nil
}

// Lookup returns the live session holding id. The pointer is valid until the next Insert
// or Remove.
func (t *Table) Lookup(id uint16) (*Session, Slot, bool) {
	slot, ok := t.byID[id]
	if !ok {
		return nil, -1, false
	}
	return &t.cells[slot].s, slot, true
}

// At returns the live session stored in slot.
func (t *Table) At(slot Slot) (*Session, bool) {
	if slot < 0 || int(slot) >= len(t.cells) || !t.cells[slot].used {
		return nil, false
	}
	return &t.cells[slot].s, true
}

// Remove deletes the session holding id and returns it. Stopping its timer is up to the
// caller.
func (t *Table) Remove(id uint16) (Session, bool) {
	slot, ok := t.byID[id]
	if !ok {
		return Session{}, false
	}
	s := t.cells[slot].s
	t.cells[slot] = cell{}
	delete(t.byID, id)
	t.free = append(t.free, slot)
	return s, true
}

// Each calls fn for every live session. fn must not insert or remove sessions.
func (t *Table) Each(fn func(Slot, *Session)) {
	for i := range t.cells {
		if t.cells[i].used {
			fn(Slot(i), &t.cells[i].s)
		}
	}
}

// IDs returns the ids of all live sessions.
func (t *Table) IDs() []uint16 {
	ids := make([]uint16, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	return ids
}

// Allocator hands out transaction ids from a wrapping counter.
type Allocator struct {
	next uint16
}

// Next returns the next id not held by a live session in t. It fails only when t is full.
func (a *Allocator) Next(t *Table) (uint16, bool) {
	if t.Full() {
		return 0, false
	}
	for i := 0; i < Capacity; i++ {
		id := a.next
		a.next++
		if !t.Live(id) {
			return id, true
		}
	}
	return 0, false
}
