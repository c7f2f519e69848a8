// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package directory implements the L2 coherence directory: per-line sharer
// sets, the EMPTY/VALID/VALID_EXCLUSIVE/ZOMBI state machine, and the
// invariants I1-I4 from spec.md §3.6.
package directory

import "github.com/tilecoh/tilecoh/pkg/addr"

// State is a directory entry's coherence state (spec.md §3.6).
type State int

const (
	StateEmpty State = iota
	StateValid
	StateValidExclusive
	StateZombi
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateValid:
		return "VALID"
	case StateValidExclusive:
		return "VALID_EXCLUSIVE"
	case StateZombi:
		return "ZOMBI"
	default:
		return "UNKNOWN"
	}
}

// Entry is one directory entry: the coherence metadata for one L2 line.
// The sharer set is represented directly in Owner when Count==1 (the
// common case for spec.md's "directly in owner when count = 1"), or as a
// HeapPtr-rooted list in the Heap when Count>1.
type Entry struct {
	State   State
	Count   int
	Owner   addr.CCID // valid iff Count == 1
	HeapPtr int       // valid iff Count > 1; NilHead otherwise
	// Generation increments on every UPDT/INVAL/CAS touching this line,
	// used to validate LL/SC atomicity (invariant I-F) without threading a
	// new key through every sharer.
	Generation uint64
	Dirty      bool
}

// NewEntry returns an EMPTY entry.
func NewEntry() Entry {
	return Entry{HeapPtr: NilHead}
}

// Directory ties directory entries (stored by the caller, typically keyed
// by nline in a cachesim.Cache[Entry] alongside the L2's data array) to the
// shared sharer heap.
type Directory struct {
	Heap *Heap
}

// New creates a Directory backed by a heap of the given capacity.
func New(heapCapacity int) *Directory {
	return &Directory{Heap: NewHeap(heapCapacity)}
}

// AddSharer adds ccid to e's sharer set, promoting Owner into the heap if a
// second sharer is being added. Returns ok=false if the heap is exhausted
// (a resource limit, not a protocol error).
func (d *Directory) AddSharer(e *Entry, ccid addr.CCID) bool {
	switch e.Count {
	case 0:
		e.Owner = ccid
		e.Count = 1
		e.State = StateValid
		return true
	case 1:
		if e.Owner == ccid {
			return true // already the sole sharer
		}
		head, ok := d.Heap.Prepend(NilHead, e.Owner)
		if !ok {
			return false
		}
		head, ok = d.Heap.Prepend(head, ccid)
		if !ok {
			d.Heap.Remove(head, e.Owner)
			return false
		}
		e.HeapPtr = head
		e.Count = 2
		e.State = StateValid
		return true
	default:
		if d.Heap.Contains(e.HeapPtr, ccid) {
			return true
		}
		head, ok := d.Heap.Prepend(e.HeapPtr, ccid)
		if !ok {
			return false
		}
		e.HeapPtr = head
		e.Count++
		return true
	}
}

// RemoveSharer removes ccid from e's sharer set (a CLEANUP), demoting a
// 2-sharer heap list back to a bare Owner field when only one remains.
// Returns whether the set became empty.
func (d *Directory) RemoveSharer(e *Entry, ccid addr.CCID) (becameEmpty bool) {
	switch e.Count {
	case 0:
		return true
	case 1:
		if e.Owner == ccid {
			e.Count = 0
			e.Owner = 0
			e.State = StateEmpty
			return true
		}
		return false
	case 2:
		newHead, removed := d.Heap.Remove(e.HeapPtr, ccid)
		if !removed {
			return false
		}
		// exactly one cell remains; collapse it back into Owner.
		var last addr.CCID
		d.Heap.Walk(newHead, func(c addr.CCID) { last = c })
		d.Heap.Remove(newHead, last)
		e.HeapPtr = NilHead
		e.Owner = last
		e.Count = 1
		return false
	default:
		newHead, removed := d.Heap.Remove(e.HeapPtr, ccid)
		if !removed {
			return false
		}
		e.HeapPtr = newHead
		e.Count--
		return false
	}
}

// ForEachSharer invokes fn for every current sharer of e.
func (d *Directory) ForEachSharer(e Entry, fn func(addr.CCID)) {
	switch e.Count {
	case 0:
		return
	case 1:
		fn(e.Owner)
	default:
		d.Heap.Walk(e.HeapPtr, fn)
	}
}

// SetExclusive transitions e to VALID_EXCLUSIVE with a single owner,
// invariant I2: count=1 and owner is the unique holder.
func (d *Directory) SetExclusive(e *Entry, ccid addr.CCID) {
	if e.Count > 1 {
		var sharers []addr.CCID
		d.Heap.Walk(e.HeapPtr, func(c addr.CCID) { sharers = append(sharers, c) })
		head := e.HeapPtr
		for _, c := range sharers {
			head, _ = d.Heap.Remove(head, c)
		}
	}
	e.Owner = ccid
	e.Count = 1
	e.HeapPtr = NilHead
	e.State = StateValidExclusive
}

// BeginEviction transitions a non-empty entry to ZOMBI pending drain of its
// sharer set, per spec.md §3.9.
func (d *Directory) BeginEviction(e *Entry) {
	e.State = StateZombi
}

// CheckI1 reports whether e's Count matches the length of its
// representation (bare Owner for Count<=1, heap list otherwise) —
// invariant I1.
func (d *Directory) CheckI1(e Entry) bool {
	switch {
	case e.Count <= 1:
		return true
	default:
		return d.Heap.Len(e.HeapPtr) == e.Count
	}
}

// CheckI2 reports whether a VALID_EXCLUSIVE entry satisfies invariant I2:
// count=1.
func (d *Directory) CheckI2(e Entry) bool {
	if e.State != StateValidExclusive {
		return true
	}
	return e.Count == 1
}
