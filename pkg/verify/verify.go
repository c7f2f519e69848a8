// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package verify checks the coherence invariants of spec.md §8 against a
// finished run: the trace-recorded CLEANUP/CLACK and MULTI_UPDT/MULTI_ACK
// episodes (invariants I-C, I-D) and the live directory state of every
// tile's L2 (invariants I-A/I1, I-B/I2). It is a postmortem / offline
// checker, not part of the hot simulation loop, the same separation the
// teacher draws between its resource scanners and their downstream
// validation passes.
package verify

import (
	"fmt"
	"sort"

	"github.com/tilecoh/tilecoh/pkg/addr"
	"github.com/tilecoh/tilecoh/pkg/directory"
	"github.com/tilecoh/tilecoh/pkg/trace"
)

// Violation is one invariant breach found during a check.
type Violation struct {
	Invariant string
	Detail    string
}

func (v Violation) String() string { return fmt.Sprintf("%s: %s", v.Invariant, v.Detail) }

// Report collects every violation a check pass found. A Report with no
// Violations means the run satisfied every invariant the pass covers.
type Report struct {
	Violations []Violation
}

func (r *Report) add(invariant, format string, args ...any) {
	r.Violations = append(r.Violations, Violation{Invariant: invariant, Detail: fmt.Sprintf(format, args...)})
}

// OK reports whether the pass found no violations.
func (r *Report) OK() bool { return len(r.Violations) == 0 }

// MemCache is the subset of *memcache.MemCache CheckLive needs; satisfied
// by the real type, narrowed here so this package doesn't import memcache
// just to name its type in a parameter list.
type MemCache interface {
	ForEachEntry(fn func(nline uint64, e directory.Entry))
	CheckI1(e directory.Entry) bool
	CheckI2(e directory.Entry) bool
}

// cleanupTally tracks one L1's outstanding CLEANUP/CLACK balance for I-C:
// SPEC_FULL.md's decided Open Question allows at most one buffered cleanup
// per victim slot, so acked must never trail sent by more than one and
// must never exceed it.
type cleanupTally struct {
	sent, acked int
}

// updtTally tracks one UPT slot's expected-vs-observed MULTI_ACK count for
// I-D.
type updtTally struct {
	expect   uint32
	observed uint32
	closed   bool // true once a KindAckRecv record reported Success
}

// CheckTrace replays every record in store and checks I-C (every CLEANUP
// eventually draws exactly one CLACK, never more) and I-D (a UPT entry
// frees iff exactly its expected MULTI_ACK count was observed).
func CheckTrace(store *trace.Store) (*Report, error) {
	report := &Report{}

	cleanups := map[addr.Tile]map[addr.CCID]*cleanupTally{}
	updts := map[uint32]*updtTally{}

	err := store.All(func(r trace.Record) error {
		switch r.Kind {
		case trace.KindCleanupSent:
			byTile, ok := cleanups[r.Tile]
			if !ok {
				byTile = map[addr.CCID]*cleanupTally{}
				cleanups[r.Tile] = byTile
			}
			t, ok := byTile[r.Source]
			if !ok {
				t = &cleanupTally{}
				byTile[r.Source] = t
			}
			if t.sent-t.acked > 0 {
				report.add("I-C", "tile %v source %v: CLEANUP sent while a prior one is still unacked (nline %d)", r.Tile, r.Source, r.Nline)
			}
			t.sent++
		case trace.KindClackRecv:
			byTile, ok := cleanups[r.Tile]
			if !ok {
				report.add("I-C", "tile %v: CLACK received for CCID %v with no outstanding CLEANUP", r.Tile, r.Source)
				break
			}
			t, ok := byTile[r.Source]
			if !ok || t.sent <= t.acked {
				report.add("I-C", "tile %v source %v: unmatched CLACK at cycle %d", r.Tile, r.Source, r.Cycle)
				break
			}
			t.acked++
		case trace.KindUpdtBegin:
			if existing, ok := updts[r.TableIdx]; ok && !existing.closed {
				report.add("I-D", "UPT slot %d reused while still open (expect %d, observed %d)", r.TableIdx, existing.expect, existing.observed)
			}
			updts[r.TableIdx] = &updtTally{expect: r.ExpectAck}
		case trace.KindAckRecv:
			u, ok := updts[r.TableIdx]
			if !ok {
				report.add("I-D", "MULTI_ACK observed for UPT slot %d with no open episode", r.TableIdx)
				break
			}
			u.observed++
			if r.Success {
				if u.observed != u.expect {
					report.add("I-D", "UPT slot %d freed after %d acks, expected exactly %d", r.TableIdx, u.observed, u.expect)
				}
				u.closed = true
			} else if u.observed > u.expect {
				report.add("I-D", "UPT slot %d observed %d acks without freeing, expected only %d", r.TableIdx, u.observed, u.expect)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify: replay trace: %w", err)
	}

	for tile, byTile := range cleanups {
		for src, t := range byTile {
			if t.sent != t.acked {
				report.add("I-C", "tile %v source %v: %d CLEANUP(s) sent never acked by end of run", tile, src, t.sent-t.acked)
			}
		}
	}
	for idx, u := range updts {
		if !u.closed {
			report.add("I-D", "UPT slot %d still open at end of run (expect %d, observed %d)", idx, u.expect, u.observed)
		}
	}

	sort.Slice(report.Violations, func(i, j int) bool {
		return report.Violations[i].Detail < report.Violations[j].Detail
	})
	return report, nil
}

// CheckLive walks every tile's resident directory entries and checks I1
// (sharer-count bookkeeping matches its representation) and I2 (a
// VALID_EXCLUSIVE entry has exactly one sharer) against current state,
// independent of any trace recording.
func CheckLive(tiles []addr.Tile, l2Of func(addr.Tile) MemCache) *Report {
	report := &Report{}
	for _, id := range tiles {
		l2 := l2Of(id)
		if l2 == nil {
			continue
		}
		l2.ForEachEntry(func(nline uint64, e directory.Entry) {
			if !l2.CheckI1(e) {
				report.add("I-A", "tile %v nline %d: sharer count %d does not match heap representation", id, nline, e.Count)
			}
			if !l2.CheckI2(e) {
				report.add("I-B", "tile %v nline %d: VALID_EXCLUSIVE entry has count %d, want 1", id, nline, e.Count)
			}
		})
	}
	return report
}
