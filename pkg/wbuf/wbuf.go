// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package wbuf implements the L1 write buffer (spec.md §3.4, §4.3): a small
// set of write lines that decouple the CPU's store acknowledgement from the
// store's system-wide visibility, and that serialize non-cacheable writes
// in issue order (invariant I-E).
package wbuf

import (
	"github.com/go-logr/logr"

	"github.com/tilecoh/tilecoh/pkg/errors"
)

// State is a write line's lifecycle state (spec.md §3.4).
type State int

const (
	StateEmpty State = iota
	StateOpen
	StateSent
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateOpen:
		return "OPEN"
	case StateSent:
		return "SENT"
	case StateCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// MaxWordsPerLine bounds the per-word BE/data arrays; callers size it to
// the cache's words-per-line geometry.
const MaxWordsPerLine = 16

// Line is a single write-buffer entry.
type Line struct {
	State      State
	Paddr      uint64 // line-aligned base address
	BE         [MaxWordsPerLine]uint8
	Data       [MaxWordsPerLine]uint32
	Cacheable  bool
	TRDID      uint32 // transaction id of the SENT request, valid once State>=StateSent
	WriteError bool   // set asynchronously if the completion response carried an error
}

func (l Line) wordAligned(paddr uint64, bytesPerWord uint) uint64 {
	return (paddr / uint64(bytesPerWord)) % MaxWordsPerLine
}

// WriteBuffer holds a fixed number of write lines drained round-robin, with
// the exception that a pending non-cacheable write always drains first
// (spec.md §4.3).
type WriteBuffer struct {
	log          logr.Logger
	lines        []Line
	bytesPerWord uint
	wordsPerLine uint
	rrPtr        int
}

// New allocates a write buffer with n lines.
func New(log logr.Logger, n int, wordsPerLine, bytesPerWord uint) *WriteBuffer {
	return &WriteBuffer{
		log:          log.WithName("wbuf"),
		lines:        make([]Line, n),
		bytesPerWord: bytesPerWord,
		wordsPerLine: wordsPerLine,
	}
}

// Enqueue attempts to merge or open a write. It fails only when the buffer
// is full and paddr doesn't match any currently-OPEN line, per the
// contract in spec.md §3.4/§4.3: "a non-cacheable write never merges" and
// "fails if full and the incoming line address does not match any OPEN
// line".
func (w *WriteBuffer) Enqueue(paddr uint64, be uint8, data uint32, cacheable bool) error {
	lineBase := w.lineBase(paddr)
	wordIdx := w.wordIndex(paddr)

	if cacheable {
		for i := range w.lines {
			l := &w.lines[i]
			if l.State == StateOpen && l.Cacheable && l.Paddr == lineBase {
				l.BE[wordIdx] |= be
				w.applyBytes(&l.Data[wordIdx], be, data)
				return nil
			}
		}
	}

	for i := range w.lines {
		l := &w.lines[i]
		if l.State == StateEmpty {
			*l = Line{State: StateOpen, Paddr: lineBase, Cacheable: cacheable}
			l.BE[wordIdx] = be
			w.applyBytes(&l.Data[wordIdx], be, data)
			return nil
		}
	}
	return errors.NewRetryable("wbuf: full, no OPEN line matches address")
}

func (w *WriteBuffer) lineBase(paddr uint64) uint64 {
	lineBytes := uint64(w.wordsPerLine) * uint64(w.bytesPerWord)
	return (paddr / lineBytes) * lineBytes
}

func (w *WriteBuffer) wordIndex(paddr uint64) uint64 {
	return (paddr / uint64(w.bytesPerWord)) % uint64(w.wordsPerLine)
}

// applyBytes overwrites the bytes selected by be in *word with the
// corresponding bytes of data, per the byte-granular merge contract.
func (w *WriteBuffer) applyBytes(word *uint32, be uint8, data uint32) {
	for b := uint(0); b < 4; b++ {
		if be&(1<<b) != 0 {
			shift := b * 8
			mask := uint32(0xff) << shift
			*word = (*word &^ mask) | (data & mask)
		}
	}
}

// NextToDrain selects the next line to issue on the direct network: a
// non-cacheable OPEN line always wins (ordering invariant I-E); otherwise
// round-robin among OPEN lines.
func (w *WriteBuffer) NextToDrain() (idx int, ok bool) {
	for i, l := range w.lines {
		if l.State == StateOpen && !l.Cacheable {
			return i, true
		}
	}
	n := len(w.lines)
	for i := 0; i < n; i++ {
		idx := (w.rrPtr + i) % n
		if w.lines[idx].State == StateOpen {
			w.rrPtr = (idx + 1) % n
			return idx, true
		}
	}
	return 0, false
}

// MarkSent transitions a line to SENT once its write request has been
// issued on the direct network.
func (w *WriteBuffer) MarkSent(idx int, trdid uint32) {
	w.lines[idx].State = StateSent
	w.lines[idx].TRDID = trdid
}

// Complete transitions the SENT line matching trdid to COMPLETED: this is
// the moment the write becomes visible system-wide (spec.md §3.4, §5). If
// rerror is set the line's WriteError flag is posted for the asynchronous
// write-bus-error register (spec.md §7), at the earliest possible cycle
// per the Open Question decision recorded in SPEC_FULL.md.
func (w *WriteBuffer) Complete(trdid uint32, rerror bool) {
	for i := range w.lines {
		l := &w.lines[i]
		if l.State == StateSent && l.TRDID == trdid {
			l.State = StateCompleted
			l.WriteError = rerror
			if rerror {
				w.log.Info("write completion carried an error", "trdid", trdid, "paddr", l.Paddr)
			}
			return
		}
	}
}

// Retire frees a COMPLETED line, returning whether it carried a write
// error so the caller can post the CPU's asynchronous write-bus-error
// register.
func (w *WriteBuffer) Retire(idx int) (writeError bool) {
	writeError = w.lines[idx].WriteError
	w.lines[idx] = Line{}
	return writeError
}

// Lines exposes the underlying slice for read-only inspection (e.g. a
// load that must see its own not-yet-completed stores, or pkg/verify).
func (w *WriteBuffer) Lines() []Line { return w.lines }
