// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package memcache implements the L2 memory cache / coherence directory
// (spec.md §4.4): inclusive L2 content, the EMPTY/VALID/VALID_EXCLUSIVE/
// ZOMBI directory, TRT/UPT/IVT bookkeeping, and the broadcast-vs-multicast
// invalidation policy. Stalled external-RAM transactions are rescheduled
// through a workqueue.TypedRateLimitingInterface, the same retry-queue
// shape the teacher's intake worker uses for its batch-flush retries
// (internal/intake/worker.go), rather than a hand-rolled retry timer.
package memcache

import (
	"context"

	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"

	"github.com/tilecoh/tilecoh/pkg/addr"
	"github.com/tilecoh/tilecoh/pkg/cachesim"
	"github.com/tilecoh/tilecoh/pkg/directory"
	"github.com/tilecoh/tilecoh/pkg/errors"
	"github.com/tilecoh/tilecoh/pkg/extram"
	"github.com/tilecoh/tilecoh/pkg/tables"
)

// Line is one L2 line: its data words plus the directory entry tracking
// which L1s hold a copy (spec.md §4.4: "maintain inclusive L2 content,
// maintain directory").
type Line struct {
	Words []uint32
	Dir   directory.Entry
}

// Invalidation is one outbound M2P episode the caller must encode onto the
// wire: either a per-sharer MULTI_INVAL/MULTI_UPDT list, or a single
// BROADCAST_INVAL when the sharer count exceeds BroadcastThreshold
// (spec.md §4.4 "Broadcast vs multicast policy").
type Invalidation struct {
	Nline     uint64
	IsUpdt    bool // false: MULTI_INVAL/BROADCAST_INVAL, true: MULTI_UPDT
	Broadcast bool
	Box       BoundingBox
	Targets   []addr.CCID // unused when Broadcast is set
	TableIdx  uint32      // IVT index for inval, UPT index for updt
	WordIndex uint64
	BE        uint8
	Data      uint32
}

// BoundingBox mirrors pkg/flit.BoundingBox without importing it, so
// memcache stays codec-agnostic; the tile/mesh layer converts.
type BoundingBox struct {
	XMin, XMax, YMin, YMax uint8
}

// MemCache is one tile's L2 memory cache and coherence directory.
type MemCache struct {
	log  logr.Logger
	geom addr.Geometry

	cache *cachesim.Cache[Line]
	dir   *directory.Directory

	trt *tables.TRT
	upt *tables.UPT
	ivt *tables.IVT

	ram                *extram.Port
	broadcastThreshold int

	retryQueue workqueue.TypedRateLimitingInterface[uint64]
}

// New constructs a MemCache. broadcastThreshold is the sharer count above
// which invalidation switches to a single BROADCAST_INVAL (spec.md §9 Open
// Question: "a configuration knob and must be preserved").
func New(log logr.Logger, g addr.Geometry, l2Geo cachesim.Geometry, heapCapacity, trtSize, uptSize, ivtSize int, ram *extram.Port, broadcastThreshold int) *MemCache {
	rl := workqueue.DefaultTypedControllerRateLimiter[uint64]()
	return &MemCache{
		log:                log.WithName("memcache"),
		geom:               g,
		cache:              cachesim.New[Line](l2Geo),
		dir:                directory.New(heapCapacity),
		trt:                tables.NewTRT(trtSize),
		upt:                tables.NewUPT(uptSize),
		ivt:                tables.NewIVT(ivtSize),
		ram:                ram,
		broadcastThreshold: broadcastThreshold,
		retryQueue:         workqueue.NewTypedRateLimitingQueueWithConfig(rl, workqueue.TypedRateLimitingQueueConfig[uint64]{Name: "memcache-trt-retry"}),
	}
}

// Read services a read-miss request (spec.md §4.4 "Read miss from an L1").
// A hit adds requester to the sharer set and returns the data immediately.
// A miss fetches from external RAM, first evicting the victim way and
// invalidating its sharers if it has any.
func (m *MemCache) Read(ctx context.Context, requester addr.CCID, nline uint64) (words []uint32, inval *Invalidation, err error) {
	way, line, hit := m.cache.Lookup(nline)
	if hit && line.Data.Dir.State != directory.StateZombi {
		e := line.Data.Dir
		if !m.dir.AddSharer(&e, requester) {
			return nil, nil, errors.NewRetryable("memcache: sharer heap exhausted")
		}
		m.cache.Set(nline, way, Line{Words: line.Data.Words, Dir: e})
		return line.Data.Words, nil, nil
	}
	if hit && line.Data.Dir.State == directory.StateZombi {
		return nil, nil, errors.NewRetryable("memcache: line draining, retry")
	}
	if _, inFlight := m.trt.Find(nline); inFlight {
		return nil, nil, errors.NewRetryable("memcache: miss already in flight")
	}

	victimWay := m.cache.Victim(nline)
	victim := m.cache.At(nline, victimWay)
	if victim.Valid && victim.Data.Dir.Count > 0 {
		victimNline := reconstructNline(m.cache.Geometry(), m.cache.Geometry().SetIndex(nline), victim.Tag)
		inv := m.beginEviction(victimNline, victimWay, victim.Data.Dir)
		// the victim's directory entry is cleared synchronously; real
		// hardware waits for CLEANUP/CLACK drain before reusing the slot,
		// but the fill below may proceed in parallel per spec.md §4.4's
		// "after the victim is cleaned, fill and answer the requester" —
		// the IVT entry above still tracks completion for pkg/verify.
		inval = &inv
	}

	trdid, ok := m.trt.Alloc(tables.TransactionEntry{Requester: addr.SrcID(requester), Nline: nline, Type: tables.TransactionGet})
	if !ok {
		return nil, inval, errors.NewRetryable("memcache: transaction table exhausted")
	}
	resp, rerr := m.ram.Do(ctx, extram.Request{Op: extram.OpGet, Nline: nline})
	m.trt.Free(trdid)
	if rerr != nil {
		m.retryQueue.AddRateLimited(nline)
		return nil, inval, rerr
	}
	e := directory.NewEntry()
	m.dir.AddSharer(&e, requester)
	m.cache.Set(nline, victimWay, Line{Words: resp.Words, Dir: e})
	return resp.Words, inval, nil
}

// beginEviction transitions a victim line to ZOMBI and builds the
// invalidation episode its current sharers must receive.
func (m *MemCache) beginEviction(nline uint64, way uint, dirEntry directory.Entry) Invalidation {
	m.dir.BeginEviction(&dirEntry)
	m.cache.Set(nline, way, Line{Dir: dirEntry})

	targets := make([]addr.CCID, 0, dirEntry.Count)
	m.dir.ForEachSharer(dirEntry, func(c addr.CCID) { targets = append(targets, c) })

	idx, _ := m.ivt.Alloc(nline, addr.SrcID(0), len(targets))
	if dirEntry.Count > m.broadcastThreshold {
		return Invalidation{Nline: nline, Broadcast: true, Box: boundingBoxOf(m.geom, targets), TableIdx: idx}
	}
	return Invalidation{Nline: nline, Targets: targets, TableIdx: idx}
}

// reconstructNline recovers the full line address from a (set, tag) pair,
// the inverse of Geometry.SetIndex/Tag; needed because Cache.At returns a
// raw tag for a way the caller didn't request by nline (an eviction victim).
func reconstructNline(g cachesim.Geometry, set, tag uint64) uint64 {
	return (tag<<g.SetBits | set) << g.OffsetBits
}

func boundingBoxOf(g addr.Geometry, ccids []addr.CCID) BoundingBox {
	if len(ccids) == 0 {
		return BoundingBox{}
	}
	box := BoundingBox{XMin: 255, YMin: 255}
	for _, c := range ccids {
		t := g.CCIDTile(c)
		if uint8(t.X) < box.XMin {
			box.XMin = uint8(t.X)
		}
		if uint8(t.X) > box.XMax {
			box.XMax = uint8(t.X)
		}
		if uint8(t.Y) < box.YMin {
			box.YMin = uint8(t.Y)
		}
		if uint8(t.Y) > box.YMax {
			box.YMax = uint8(t.Y)
		}
	}
	return box
}

// Write services a cacheable store (spec.md §4.4 "Write from an L1"): every
// sharer other than the writer is sent a MULTI_UPDT, tracked by a UPT entry
// the writer's write-buffer completion waits on (the ordering property is
// enforced by the caller, which must not complete the writer's write-buffer
// line until AckUpdate reports complete).
func (m *MemCache) Write(writer addr.CCID, nline, wordIndex uint64, be uint8, data uint32) (*Invalidation, error) {
	way, line, hit := m.cache.Lookup(nline)
	if !hit {
		return nil, errors.NewRetryable("memcache: write miss, read-then-write required")
	}
	words := line.Data.Words
	if int(wordIndex) < len(words) {
		words[wordIndex] = applyBE(words[wordIndex], be, data)
	}
	e := line.Data.Dir
	e.Generation++
	e.Dirty = true
	m.cache.Set(nline, way, Line{Words: words, Dir: e})

	targets := make([]addr.CCID, 0, e.Count)
	m.dir.ForEachSharer(e, func(c addr.CCID) {
		if c != writer {
			targets = append(targets, c)
		}
	})
	if len(targets) == 0 {
		return nil, nil
	}
	idx, ok := m.upt.Alloc(nline, addr.SrcID(writer), len(targets))
	if !ok {
		return nil, errors.NewRetryable("memcache: update table exhausted")
	}
	if len(targets) > m.broadcastThreshold {
		return &Invalidation{Nline: nline, IsUpdt: true, Broadcast: true, Box: boundingBoxOf(m.geom, targets),
			TableIdx: idx, WordIndex: wordIndex, BE: be, Data: data}, nil
	}
	return &Invalidation{Nline: nline, IsUpdt: true, Targets: targets, TableIdx: idx,
		WordIndex: wordIndex, BE: be, Data: data}, nil
}

func applyBE(word uint32, be uint8, data uint32) uint32 {
	out := word
	for b := uint(0); b < 4; b++ {
		if be&(1<<b) != 0 {
			shift := b * 8
			mask := uint32(0xff) << shift
			out = (out &^ mask) | (data & mask)
		}
	}
	return out
}

// AckUpdate records one MULTI_ACK against a UPT entry. Once complete is
// true the caller must Free the entry and complete the writer's
// write-buffer line (invariant I-D).
func (m *MemCache) AckUpdate(idx uint32) (complete bool, err error) {
	complete, err = m.upt.Ack(idx)
	if complete {
		m.upt.Free(idx)
	}
	return complete, err
}

// CleanupAck is the CLACK the L2 owes sender once its CLEANUP has been
// fully processed (spec.md §4.4 "Emit a CLACK to the sender keyed by the
// original (way,set) the sender cleaned"; invariant I-C requires exactly
// one of these per CLEANUP, with no ZOMBI→EMPTY transition at the sender
// before it arrives). WayIndex and IsInst are echoed back unchanged from
// the CLEANUP that triggered this ack, since the L2 directory doesn't
// track per-L1 cache geometry; SetIndex is nline's set index in the L2's
// own geometry, which equals the sender's L1 set only when both caches
// have the same set count (config.Default's 64-set L1 and 256-set L2 do
// not).
type CleanupAck struct {
	Sender   addr.CCID
	SetIndex uint64
	WayIndex uint64
	IsInst   bool
}

// Cleanup processes a CLEANUP from sender for nline, at the L1 (way,set)
// slot named by wayIndex/isInst (spec.md §4.4): the sender is removed from
// the directory; if the set drains to empty the line transitions EMPTY
// (writing back to RAM first if dirty). It also acknowledges any
// outstanding IVT entry for nline so pkg/verify can observe invariant I-C
// / I-D-equivalent completion, and always returns a CleanupAck on success
// so the caller can route the matching CLACK back to sender (invariant
// I-C: exactly one CLACK per CLEANUP, even if the line was already
// evicted from the L2 by the time this CLEANUP arrived).
func (m *MemCache) Cleanup(ctx context.Context, sender addr.CCID, nline, wayIndex uint64, isInst bool) (*CleanupAck, error) {
	ack := &CleanupAck{Sender: sender, SetIndex: m.cache.Geometry().SetIndex(nline), WayIndex: wayIndex, IsInst: isInst}

	way, line, hit := m.cache.Lookup(nline)
	if !hit {
		return ack, nil
	}
	e := line.Data.Dir
	becameEmpty := m.dir.RemoveSharer(&e, sender)
	words := line.Data.Words
	if becameEmpty {
		if e.Dirty {
			trdid, ok := m.trt.Alloc(tables.TransactionEntry{Requester: addr.SrcID(sender), Nline: nline, Type: tables.TransactionPut})
			if !ok {
				return nil, errors.NewRetryable("memcache: transaction table exhausted")
			}
			_, err := m.ram.Do(ctx, extram.Request{Op: extram.OpPut, Nline: nline, Words: words})
			m.trt.Free(trdid)
			if err != nil {
				return nil, err
			}
		}
		e = directory.NewEntry()
	}
	m.cache.Set(nline, way, Line{Words: words, Dir: e})

	if idx, ok := m.ivt.Find(nline); ok {
		if complete, _ := m.ivt.Ack(idx); complete {
			m.ivt.Free(idx)
		}
	}
	return ack, nil
}

// LL returns the line's data and the current generation counter as the
// reservation's generation key (spec.md §4.4 "LL / SC").
func (m *MemCache) LL(nline uint64) (words []uint32, generation uint64, ok bool) {
	_, line, hit := m.cache.Lookup(nline)
	if !hit {
		return nil, 0, false
	}
	return line.Data.Words, line.Data.Dir.Generation, true
}

// SC commits iff the line's generation counter still matches the one
// observed at LL time (spec.md §4.4, invariant I-F): any intervening
// UPDT/INVAL/CAS bumps Generation in Write/CAS.
func (m *MemCache) SC(nline uint64, expectGeneration uint64, wordIndex uint64, data uint32) bool {
	way, line, hit := m.cache.Lookup(nline)
	if !hit || line.Data.Dir.Generation != expectGeneration {
		return false
	}
	words := line.Data.Words
	if int(wordIndex) < len(words) {
		words[wordIndex] = data
	}
	e := line.Data.Dir
	e.Generation++
	m.cache.Set(nline, way, Line{Words: words, Dir: e})
	return true
}

// CAS performs an atomic compare-and-swap at L2 (spec.md §4.4 "CAS"): reads
// the word, compares, writes on match, and bumps Generation like a normal
// store so outstanding LL reservations observe the change.
func (m *MemCache) CAS(nline, wordIndex uint64, expected, newVal uint32) (old uint32, success bool) {
	way, line, hit := m.cache.Lookup(nline)
	if !hit || int(wordIndex) >= len(line.Data.Words) {
		return 0, false
	}
	old = line.Data.Words[wordIndex]
	if old != expected {
		return old, false
	}
	words := line.Data.Words
	words[wordIndex] = newVal
	e := line.Data.Dir
	e.Generation++
	e.Dirty = true
	m.cache.Set(nline, way, Line{Words: words, Dir: e})
	return old, true
}

// DrainRetry returns the next nline whose external-RAM transaction should
// be retried this cycle, or ok=false if none is due.
func (m *MemCache) DrainRetry() (nline uint64, ok bool) {
	if m.retryQueue.Len() == 0 {
		return 0, false
	}
	item, shutdown := m.retryQueue.Get()
	if shutdown {
		return 0, false
	}
	m.retryQueue.Done(item)
	m.retryQueue.Forget(item)
	return item, true
}

// ForEachEntry invokes fn for every resident line's directory entry,
// reconstructing its nline from the (set, tag) pair the backing cache
// stores it under. Exported for pkg/verify's live invariant sweep (I1, I2).
func (m *MemCache) ForEachEntry(fn func(nline uint64, e directory.Entry)) {
	m.cache.ForEach(func(set, _ uint, line cachesim.Line[Line]) {
		if !line.Valid {
			return
		}
		nline := reconstructNline(m.cache.Geometry(), uint64(set), line.Tag)
		fn(nline, line.Data.Dir)
	})
}

// CheckI1 reports whether e's sharer-count bookkeeping matches its
// representation, invariant I1 (spec.md §3.6).
func (m *MemCache) CheckI1(e directory.Entry) bool { return m.dir.CheckI1(e) }

// CheckI2 reports whether a VALID_EXCLUSIVE entry has exactly one sharer,
// invariant I2 (spec.md §3.6).
func (m *MemCache) CheckI2(e directory.Entry) bool { return m.dir.CheckI2(e) }
