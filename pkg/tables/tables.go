// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tables implements the L2 memory cache's three bookkeeping
// tables: the transaction table (TRT), update table (UPT), and
// invalidation table (IVT), per spec.md §3.7. Each table is private to its
// directory (spec.md §5 "Shared resources") and is sized by configuration.
package tables

import (
	"github.com/tilecoh/tilecoh/pkg/addr"
	"github.com/tilecoh/tilecoh/pkg/errors"
)

// TransactionType distinguishes a TRT slot's external-RAM operation.
type TransactionType int

const (
	TransactionGet TransactionType = iota
	TransactionPut
)

// TransactionEntry is one outstanding external-RAM transaction.
type TransactionEntry struct {
	Valid       bool
	Requester   addr.SrcID
	Nline       uint64
	WordCount   uint32
	Type        TransactionType
	WaitingData bool
}

// TRT is the transaction table: outstanding requests to external RAM,
// indexed by TRDID (spec.md §3.7).
type TRT struct {
	slots []TransactionEntry
}

// NewTRT allocates a TRT with n slots.
func NewTRT(n int) *TRT { return &TRT{slots: make([]TransactionEntry, n)} }

// Alloc finds a free slot and installs e, returning its TRDID.
func (t *TRT) Alloc(e TransactionEntry) (trdid uint32, ok bool) {
	for i := range t.slots {
		if !t.slots[i].Valid {
			e.Valid = true
			t.slots[i] = e
			return uint32(i), true
		}
	}
	return 0, false
}

// Get returns the slot for trdid.
func (t *TRT) Get(trdid uint32) (TransactionEntry, bool) {
	if int(trdid) >= len(t.slots) || !t.slots[trdid].Valid {
		return TransactionEntry{}, false
	}
	return t.slots[trdid], true
}

// Update mutates the slot for trdid in place.
func (t *TRT) Update(trdid uint32, fn func(*TransactionEntry)) {
	fn(&t.slots[trdid])
}

// Free releases trdid regardless of how the transaction concluded
// (spec.md §7: "Coherence housekeeping ... must be freed regardless of
// error outcome").
func (t *TRT) Free(trdid uint32) {
	t.slots[trdid] = TransactionEntry{}
}

// Find locates an in-flight transaction for nline, used to detect a second
// miss racing an outstanding GET/PUT for the same line.
func (t *TRT) Find(nline uint64) (trdid uint32, ok bool) {
	for i, s := range t.slots {
		if s.Valid && s.Nline == nline {
			return uint32(i), true
		}
	}
	return 0, false
}

// updateOrInvalEntry is the shape shared by UPT and IVT entries: both track
// a line under coherence action and the acknowledgements still outstanding
// (spec.md §3.7).
type updateOrInvalEntry struct {
	Valid             bool
	Nline             uint64
	SrcID             addr.SrcID // the original requester (writer, or evicting requester)
	ExpectedCount     int
	AcknowledgedCount int
	EOP               bool // set once all targets have been sent the M2P packet
}

// UPTEntry is one UPT slot (spec.md §3.7): a MULTI_UPDT episode.
type UPTEntry = updateOrInvalEntry

// UPT is the update table.
type UPT struct {
	slots []UPTEntry
}

// NewUPT allocates a UPT with n slots.
func NewUPT(n int) *UPT { return &UPT{slots: make([]UPTEntry, n)} }

// Alloc installs a new UPT entry and returns its index (the UPDT_INDEX
// carried on the wire in MULTI_UPDT/MULTI_ACK flits).
func (u *UPT) Alloc(nline uint64, requester addr.SrcID, expected int) (idx uint32, ok bool) {
	for i := range u.slots {
		if !u.slots[i].Valid {
			u.slots[i] = UPTEntry{Valid: true, Nline: nline, SrcID: requester, ExpectedCount: expected}
			return uint32(i), true
		}
	}
	return 0, false
}

// Ack records one MULTI_ACK for idx. It reports whether every expected ack
// has now arrived (invariant I-D: the entry is freed iff exactly N acks
// have been observed).
func (u *UPT) Ack(idx uint32) (complete bool, err error) {
	e := &u.slots[idx]
	if !e.Valid {
		return false, errors.New("tables: ack for unallocated UPT entry")
	}
	e.AcknowledgedCount++
	return e.AcknowledgedCount >= e.ExpectedCount, nil
}

// Free releases a UPT entry. Callers must only free a complete entry
// (Ack returned complete=true) to preserve invariant I-D.
func (u *UPT) Free(idx uint32) { u.slots[idx] = UPTEntry{} }

// Get returns the entry at idx.
func (u *UPT) Get(idx uint32) (UPTEntry, bool) {
	if int(idx) >= len(u.slots) || !u.slots[idx].Valid {
		return UPTEntry{}, false
	}
	return u.slots[idx], true
}

// IVTEntry is one IVT slot: a MULTI_INVAL/BROADCAST_INVAL episode,
// structurally identical to a UPT entry (spec.md §3.7: "analogous to
// UPT").
type IVTEntry = updateOrInvalEntry

// IVT is the invalidation table.
type IVT struct {
	slots []IVTEntry
}

// NewIVT allocates an IVT with n slots.
func NewIVT(n int) *IVT { return &IVT{slots: make([]IVTEntry, n)} }

// Alloc installs a new IVT entry and returns its index.
func (v *IVT) Alloc(nline uint64, requester addr.SrcID, expected int) (idx uint32, ok bool) {
	for i := range v.slots {
		if !v.slots[i].Valid {
			v.slots[i] = IVTEntry{Valid: true, Nline: nline, SrcID: requester, ExpectedCount: expected}
			return uint32(i), true
		}
	}
	return 0, false
}

// Ack records one CLEANUP received in response to an invalidation targeted
// at idx, returning whether all sharers have now cleaned up.
func (v *IVT) Ack(idx uint32) (complete bool, err error) {
	e := &v.slots[idx]
	if !e.Valid {
		return false, errors.New("tables: ack for unallocated IVT entry")
	}
	e.AcknowledgedCount++
	return e.AcknowledgedCount >= e.ExpectedCount, nil
}

// Free releases an IVT entry.
func (v *IVT) Free(idx uint32) { v.slots[idx] = IVTEntry{} }

// Get returns the entry at idx.
func (v *IVT) Get(idx uint32) (IVTEntry, bool) {
	if int(idx) >= len(v.slots) || !v.slots[idx].Valid {
		return IVTEntry{}, false
	}
	return v.slots[idx], true
}

// Find locates the in-flight invalidation episode for nline, used to match
// an incoming CLEANUP against the IVT entry it acknowledges.
func (v *IVT) Find(nline uint64) (idx uint32, ok bool) {
	for i, s := range v.slots {
		if s.Valid && s.Nline == nline {
			return uint32(i), true
		}
	}
	return 0, false
}
