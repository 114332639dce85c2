package timerheap

import (
	"math/rand"
	"sort"
	"testing"
)

func TestRunDue_FiresOnlyExpiredInOrder(t *testing.T) {
	var fired []ID
	h := New(func(id ID) { fired = append(fired, id) })

	h.Insert(1, 300)
	h.Insert(2, 100)
	h.Insert(3, 200)
	h.Insert(4, 100)
	h.Insert(5, 500)

	if n := h.RunDue(250); n != 3 {
		t.Fatalf("RunDue(250) fired %d timers, want 3", n)
	}
	want := []ID{2, 4, 3}
	if len(fired) != len(want) {
		t.Fatalf("fired = %v, want %v", fired, want)
	}
	for i, id := range want {
		if fired[i] != id {
			t.Fatalf("fired = %v, want %v", fired, want)
		}
	}
	if !h.Active(1) || !h.Active(5) {
		t.Error("timers with later deadlines must stay armed")
	}
}

func TestRunDue_Boundary(t *testing.T) {
	var fired []ID
	h := New(func(id ID) { fired = append(fired, id) })
	h.Insert(7, 100)
	h.Insert(8, 101)

	h.RunDue(100)
	if len(fired) != 1 || fired[0] != 7 {
		t.Fatalf("fired = %v, want [7]", fired)
	}
	if h.Active(7) {
		t.Error("fired timer still active")
	}
	id, deadline, ok := h.Peek()
	if !ok || id != 8 || deadline != 101 {
		t.Errorf("Peek() = %d, %d, %v; want 8, 101, true", id, deadline, ok)
	}
}

func TestFIFOTieBreak(t *testing.T) {
	var fired []ID
	h := New(func(id ID) { fired = append(fired, id) })
	for id := ID(20); id > 0; id-- {
		h.Insert(id, 42)
	}
	h.RunDue(42)
	for i, id := range fired {
		if id != ID(20-i) {
			t.Fatalf("fired = %v, want insertion order 20..1", fired)
		}
	}
}

func TestRemove_ArbitraryEntry(t *testing.T) {
	var fired []ID
	h := New(func(id ID) { fired = append(fired, id) })
	for id := ID(0); id < 10; id++ {
		h.Insert(id, int64(10*id))
	}
	if !h.Remove(5) {
		t.Fatal("Remove(5) = false, want true")
	}
	if h.Remove(5) {
		t.Error("second Remove(5) = true, want no-op false")
	}
	if h.Remove(99) {
		t.Error("Remove of unknown id = true, want false")
	}
	if h.Len() != 9 {
		t.Errorf("Len() = %d, want 9", h.Len())
	}
	h.RunDue(1000)
	for _, id := range fired {
		if id == 5 {
			t.Fatal("removed timer fired")
		}
	}
	if len(fired) != 9 {
		t.Errorf("fired %d timers, want 9", len(fired))
	}
}

func TestRandomizedOrder(t *testing.T) {
	type armed struct {
		id       ID
		deadline int64
		seq      int
	}
	var fired []ID
	h := New(func(id ID) { fired = append(fired, id) })
	rng := rand.New(rand.NewSource(1))

	var live []armed
	for i := 0; i < 2000; i++ {
		id := ID(i)
		d := int64(rng.Intn(50))
		h.Insert(id, d)
		live = append(live, armed{id: id, deadline: d, seq: i})
	}
	// drop every third timer
	kept := live[:0]
	for i, a := range live {
		if i%3 == 0 {
			h.Remove(a.id)
			continue
		}
		kept = append(kept, a)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].deadline != kept[j].deadline {
			return kept[i].deadline < kept[j].deadline
		}
		return kept[i].seq < kept[j].seq
	})

	var expect []ID
	for _, a := range kept {
		if a.deadline <= 25 {
			expect = append(expect, a.id)
		}
	}
	h.RunDue(25)
	if len(fired) != len(expect) {
		t.Fatalf("fired %d timers, want %d", len(fired), len(expect))
	}
	for i := range expect {
		if fired[i] != expect[i] {
			t.Fatalf("fired[%d] = %d, want %d", i, fired[i], expect[i])
		}
	}
	if _, d, ok := h.Peek(); ok && d <= 25 {
		t.Errorf("Peek() deadline %d after RunDue(25)", d)
	}
}

func TestFireCallbackMayRemoveItself(t *testing.T) {
	var h *Heap
	count := 0
	h = New(func(id ID) {
		count++
		if h.Remove(id) {
			t.Errorf("Remove(%d) inside fire returned true", id)
		}
	})
	h.Insert(3, 1)
	h.RunDue(1)
	if count != 1 {
		t.Errorf("fire count = %d, want 1", count)
	}
}

func TestClockMonotonic(t *testing.T) {
	c := NewClock()
	a := c.Now()
	b := c.Now()
	if a < 0 || b < a {
		t.Errorf("clock went backwards: %d then %d", a, b)
	}
}
