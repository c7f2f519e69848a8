// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package cachesim provides the generic set-associative storage shared by
// the L1 I-cache, D-cache, L2 memory cache, and the I-TLB/D-TLB (design
// note: "generic cache and TLB data structures"). It knows nothing about
// coherence; callers attach whatever per-line payload (coherence state,
// TLB protection bits, directory entry) they need via the generic Line
// parameter.
package cachesim

import "math/bits"

// Line is one way within one set. Valid and Tag are owned by the cache;
// Data is the caller's payload (cache words + coherence state, a TLB entry,
// a directory entry, ...).
type Line[T any] struct {
	Valid bool
	Tag   uint64
	Data  T
}

// Geometry describes a set-associative array: 2^SetBits sets, Ways lines
// per set, 2^OffsetBits bytes/words ignored by the tag.
type Geometry struct {
	SetBits    uint
	Ways       uint
	OffsetBits uint
}

func (g Geometry) setMask() uint64 { return uint64(1)<<g.SetBits - 1 }

// SetIndex extracts the set index from a line address (already shifted to
// remove the intra-line offset, i.e. an nline as produced by addr.NLine).
func (g Geometry) SetIndex(nline uint64) uint64 {
	return (nline >> g.OffsetBits) & g.setMask()
}

// Tag extracts the tag from a line address.
func (g Geometry) Tag(nline uint64) uint64 {
	return nline >> (g.OffsetBits + g.SetBits)
}

// Cache is a generic set-associative array of Line[T].
type Cache[T any] struct {
	geom Geometry
	sets [][]Line[T]
	// nextVictim is the round-robin victim pointer per set, used when no
	// line in the set is free.
	nextVictim []uint
}

// New allocates a cache with the given geometry. Callers pass pre-shifted
// line addresses (nlines), matching addr.Geometry.NLine's output;
// Geometry.SetIndex/Tag still shift them right by OffsetBits, so callers
// keying by nline leave OffsetBits zero.
func New[T any](g Geometry) *Cache[T] {
	nsets := uint64(1) << g.SetBits
	c := &Cache[T]{
		geom:       g,
		sets:       make([][]Line[T], nsets),
		nextVictim: make([]uint, nsets),
	}
	for i := range c.sets {
		c.sets[i] = make([]Line[T], g.Ways)
	}
	return c
}

// Geometry returns the cache's geometry.
func (c *Cache[T]) Geometry() Geometry { return c.geom }

// Lookup returns the way and line matching nline, or (0, false) on miss.
// A valid-but-coherence-unreadable line (e.g. L1 ZOMBI) is still visible
// here; callers inspect Data to decide readability.
func (c *Cache[T]) Lookup(nline uint64) (way uint, line Line[T], hit bool) {
	set := c.geom.SetIndex(nline)
	tag := c.geom.Tag(nline)
	for w, l := range c.sets[set] {
		if l.Valid && l.Tag == tag {
			return uint(w), l, true
		}
	}
	return 0, Line[T]{}, false
}

// At returns the line at (set, way) without a tag comparison.
func (c *Cache[T]) At(nline uint64, way uint) Line[T] {
	set := c.geom.SetIndex(nline)
	return c.sets[set][way]
}

// Set installs a line at (set, way), deriving the set from nline and
// recomputing the tag.
func (c *Cache[T]) Set(nline uint64, way uint, data T) {
	set := c.geom.SetIndex(nline)
	c.sets[set][way] = Line[T]{Valid: true, Tag: c.geom.Tag(nline), Data: data}
}

// Invalidate clears the line at (set, way).
func (c *Cache[T]) Invalidate(nline uint64, way uint) {
	set := c.geom.SetIndex(nline)
	var zero T
	c.sets[set][way] = Line[T]{Data: zero}
}

// Victim picks a way to evict for nline: the first invalid way if any,
// else the round-robin victim pointer for that set.
func (c *Cache[T]) Victim(nline uint64) uint {
	set := c.geom.SetIndex(nline)
	for w, l := range c.sets[set] {
		if !l.Valid {
			return uint(w)
		}
	}
	v := c.nextVictim[set] % c.geom.Ways
	c.nextVictim[set] = (v + 1) % c.geom.Ways
	return v
}

// ForEachInSet iterates every way of the set that nline maps to, used by
// the TLB-invalidation sub-FSM's per-set scan (spec.md §4.2).
func (c *Cache[T]) ForEachInSet(nline uint64, fn func(way uint, line Line[T])) {
	set := c.geom.SetIndex(nline)
	for w, l := range c.sets[set] {
		fn(uint(w), l)
	}
}

// ForEach iterates every valid line in the cache, used by wholesale TLB
// flush and by the verifier (pkg/verify) to walk directory state.
func (c *Cache[T]) ForEach(fn func(set, way uint, line Line[T])) {
	for s, ways := range c.sets {
		for w, l := range ways {
			if l.Valid {
				fn(uint(s), uint(w), l)
			}
		}
	}
}

// NSets returns 2^SetBits.
func (c *Cache[T]) NSets() uint { return uint(len(c.sets)) }

// log2 is a small helper kept for callers deriving OffsetBits/SetBits from
// a line size or cache size in bytes.
func log2(v uint) uint { return uint(bits.Len(v) - 1) }

// Log2 exposes log2 for configuration code translating sizes to bit widths.
func Log2(v uint) uint { return log2(v) }
