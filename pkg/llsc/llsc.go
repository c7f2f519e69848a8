// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package llsc implements the single-entry LL/SC reservation owned by each
// L1 wrapper (spec.md §3.5, invariant I-F).
package llsc

// DefaultTimeout is the reservation countdown length in cycles.
const DefaultTimeout = 1024

// Reservation tracks one outstanding load-linked for an L1. It is cleared
// by timeout, by any local write to the reserved address, or by any
// coherence update/invalidate touching the reserved address (spec.md §3.5).
type Reservation struct {
	valid     bool
	paddr     uint64
	key       uint64
	countdown uint32
	timeout   uint32
}

// New returns an empty reservation with the given timeout in cycles.
// A zero timeout falls back to DefaultTimeout.
func New(timeout uint32) *Reservation {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Reservation{timeout: timeout}
}

// Set records a fresh reservation for an LL at paddr under key, the
// generation key the matching SC must present.
func (r *Reservation) Set(paddr, key uint64) {
	r.valid = true
	r.paddr = paddr
	r.key = key
	r.countdown = r.timeout
}

// Step decrements the countdown by one cycle, clearing the reservation on
// expiry. Call once per simulated cycle regardless of activity.
func (r *Reservation) Step() {
	if !r.valid {
		return
	}
	r.countdown--
	if r.countdown == 0 {
		r.valid = false
	}
}

// Clear invalidates the reservation unconditionally. Called on any write
// (local or coherence update/invalidate) to a matching address.
func (r *Reservation) Clear() {
	r.valid = false
}

// InvalidateIfMatches clears the reservation if it covers paddr; used by
// the coherence receive path so an UPDT/INVAL on the reserved line breaks
// the reservation per spec.md §3.5 even if the local CPU never touches it.
func (r *Reservation) InvalidateIfMatches(paddr uint64) {
	if r.valid && r.paddr == paddr {
		r.valid = false
	}
}

// Check reports whether an SC at paddr with the given key may succeed: the
// reservation must still be valid, for the same address and same key.
// Per invariant I-F, the caller must Clear() after a Check regardless of
// outcome — SC always consumes the reservation, win or lose.
func (r *Reservation) Check(paddr, key uint64) bool {
	return r.valid && r.paddr == paddr && r.key == key
}

// Valid reports whether a reservation is currently outstanding.
func (r *Reservation) Valid() bool { return r.valid }
