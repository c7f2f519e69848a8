// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package directory

import "github.com/tilecoh/tilecoh/pkg/addr"

// nilCell marks the end of a sharer list or an empty heap pointer.
const nilCell = -1

// cell is one linked-list node in the sharer heap (spec.md §3.6).
type cell struct {
	ccid addr.CCID
	next int
}

// Heap is the pool of sharer-list cells backing directory entries whose
// sharer count exceeds one. Free cells are tracked with an explicit free
// list (design note: "the heap of sharer cells uses an explicit free
// list"), never garbage collected implicitly.
type Heap struct {
	cells []cell
	free  int // head of the free list, nilCell if exhausted
}

// NewHeap allocates a heap with capacity cells, all initially free.
func NewHeap(capacity int) *Heap {
	h := &Heap{cells: make([]cell, capacity), free: 0}
	for i := range h.cells {
		if i == capacity-1 {
			h.cells[i].next = nilCell
		} else {
			h.cells[i].next = i + 1
		}
	}
	if capacity == 0 {
		h.free = nilCell
	}
	return h
}

// Alloc pops a free cell, sets its ccid, and returns its index. It returns
// (0, false) if the heap is exhausted — a condition the directory must
// treat as a resource limit, not a protocol error, since the heap capacity
// is a configuration knob (spec.md §5 "Shared resources").
func (h *Heap) Alloc(ccid addr.CCID) (int, bool) {
	if h.free == nilCell {
		return 0, false
	}
	idx := h.free
	h.free = h.cells[idx].next
	h.cells[idx] = cell{ccid: ccid, next: nilCell}
	return idx, true
}

// Free returns a cell to the free list.
func (h *Heap) Free(idx int) {
	h.cells[idx] = cell{next: h.free}
	h.free = idx
}

// Prepend links a new cell holding ccid to the front of the list headed at
// head, returning the new head. head may be nilCell for an empty list.
func (h *Heap) Prepend(head int, ccid addr.CCID) (newHead int, ok bool) {
	idx, ok := h.Alloc(ccid)
	if !ok {
		return head, false
	}
	h.cells[idx].next = head
	return idx, true
}

// Remove unlinks the first cell holding ccid from the list headed at head,
// freeing it, and returns the new head plus whether anything was removed.
func (h *Heap) Remove(head int, ccid addr.CCID) (newHead int, removed bool) {
	prev := nilCell
	cur := head
	for cur != nilCell {
		if h.cells[cur].ccid == ccid {
			next := h.cells[cur].next
			if prev == nilCell {
				newHead = next
			} else {
				h.cells[prev].next = next
				newHead = head
			}
			h.Free(cur)
			return newHead, true
		}
		prev = cur
		cur = h.cells[cur].next
	}
	return head, false
}

// Walk invokes fn for every CCID in the list headed at head, in list order.
func (h *Heap) Walk(head int, fn func(addr.CCID)) {
	for cur := head; cur != nilCell; cur = h.cells[cur].next {
		fn(h.cells[cur].ccid)
	}
}

// Len counts the cells in the list headed at head — used to check
// invariant I1 (count equals list length) in pkg/verify.
func (h *Heap) Len(head int) int {
	n := 0
	h.Walk(head, func(addr.CCID) { n++ })
	return n
}

// Contains reports whether ccid appears in the list headed at head.
func (h *Heap) Contains(head int, ccid addr.CCID) bool {
	found := false
	h.Walk(head, func(c addr.CCID) {
		if c == ccid {
			found = true
		}
	})
	return found
}

// NilHead is the exported spelling of the empty-list sentinel, for callers
// outside the package (directory entries with HeapPtr == NilHead have no
// heap-resident sharers).
const NilHead = nilCell
