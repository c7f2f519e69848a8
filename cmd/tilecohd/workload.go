// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"math/rand"

	"github.com/tilecoh/tilecoh/pkg/sim"
)

// randomWorkload issues a bounded number of pre-decoded memory operations
// per core against a shared address range, exercising cross-tile sharing:
// every core draws from the same window so lines accumulate sharers across
// tile boundaries (spec.md §1 Non-goals: operations are supplied by a
// workload, not decoded from real instructions).
type randomWorkload struct {
	rng        *rand.Rand
	opsPerCore int
	addrWindow uint64
	issued     map[int]int
}

func newRandomWorkload(seed int64, opsPerCore int, addrWindow uint64) *randomWorkload {
	return &randomWorkload{
		rng:        rand.New(rand.NewSource(seed)),
		opsPerCore: opsPerCore,
		addrWindow: addrWindow,
		issued:     make(map[int]int),
	}
}

func (w *randomWorkload) NextOp(core int, _ uint64) (sim.Op, bool) {
	if w.issued[core] >= w.opsPerCore {
		return sim.Op{}, false
	}
	w.issued[core]++

	addr := (w.rng.Uint64() % (w.addrWindow / 64)) * 64
	switch w.rng.Intn(10) {
	case 0:
		return sim.Op{Kind: sim.OpFetch, Addr: addr}, true
	case 1, 2, 3:
		return sim.Op{Kind: sim.OpLoad, Addr: addr}, true
	case 4, 5, 6:
		return sim.Op{Kind: sim.OpStore, Addr: addr, BE: 0xF, Data: w.rng.Uint32()}, true
	case 7:
		return sim.Op{Kind: sim.OpLL, Addr: addr}, true
	case 8:
		return sim.Op{Kind: sim.OpSC, Addr: addr, Expected: w.rng.Uint32(), Data: w.rng.Uint32()}, true
	default:
		return sim.Op{Kind: sim.OpCAS, Addr: addr, Expected: w.rng.Uint32(), Data: w.rng.Uint32()}, true
	}
}
