// Package handle implements fixed-capacity slot tables addressed by
// (generation, index) pairs, so a handle captured before a slot was freed
// and reused can never resolve to the new occupant (spec.md §9, "Fixed-
// capacity arrays → index-based handles").
package handle

import "fmt"

// H is an opaque handle into a Table.
type H struct {
	index uint32
	gen   uint32
}

// Zero reports the nil handle.
func (h H) Zero() bool { return h.gen == 0 }

func (h H) String() string { return fmt.Sprintf("%d.%d", h.index, h.gen) }

type slot[T any] struct {
	gen    uint32
	occupied bool
	value  T
}

// Table is a fixed-capacity slot array with first-free-slot allocation, as
// used by the per-Device event-subscription table and the DriverInstance
// cache.
type Table[T any] struct {
	slots []slot[T]
	cap   int
}

func NewTable[T any](capacity int) *Table[T] {
	return &Table[T]{slots: make([]slot[T], capacity), cap: capacity}
}

func (t *Table[T]) Cap() int { return t.cap }

// Len returns the number of occupied slots.
func (t *Table[T]) Len() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].occupied {
			n++
		}
	}
	return n
}

// Alloc places v in the first free slot and returns its handle, or the zero
// handle with ok=false if the table is full.
func (t *Table[T]) Alloc(v T) (H, bool) {
	for i := range t.slots {
		if !t.slots[i].occupied {
			t.slots[i].occupied = true
			t.slots[i].gen++
			if t.slots[i].gen == 0 {
				t.slots[i].gen = 1
			}
			t.slots[i].value = v
			return H{index: uint32(i), gen: t.slots[i].gen}, true
		}
	}
	var zero H
	return zero, false
}

// Free releases the slot backing h. It is a no-op if h is stale.
func (t *Table[T]) Free(h H) {
	if int(h.index) >= len(t.slots) {
		return
	}
	s := &t.slots[h.index]
	if !s.occupied || s.gen != h.gen {
		return
	}
	var zero T
	s.occupied = false
	s.value = zero
}

// Get resolves h to its value. ok is false if h is stale or the slot is free.
func (t *Table[T]) Get(h H) (T, bool) {
	var zero T
	if int(h.index) >= len(t.slots) {
		return zero, false
	}
	s := &t.slots[h.index]
	if !s.occupied || s.gen != h.gen {
		return zero, false
	}
	return s.value, true
}

// Each iterates over all occupied slots in index order.
func (t *Table[T]) Each(fn func(H, T)) {
	for i := range t.slots {
		if t.slots[i].occupied {
			fn(H{index: uint32(i), gen: t.slots[i].gen}, t.slots[i].value)
		}
	}
}
