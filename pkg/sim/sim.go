// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sim assembles the top-level Simulator: a tile grid wired through
// pkg/mesh, a per-cycle scheduler, and the max_frozen_cycles watchdog
// (spec.md §5). Per-cycle scheduling is "logically parallel": every tile
// steps independently and outputs only become visible at the next cycle,
// so this package drives tiles concurrently with golang.org/x/sync/errgroup
// and a barrier at cycle end, one of the two equivalent schedules spec.md
// §5 allows.
//
// CPU request ports accept pre-decoded operations from a Workload, not a
// real instruction decoder (spec.md §1 Non-goals: "no functional ISA
// emulation"). Simulator drives each core's ICACHE/DCACHE FSMs exactly the
// way a real CPU's bus interface would: one blocking memory operation at a
// time, crossing the mesh via the direct CMD/RSP channels when the request
// isn't local, while the write buffer drains independently and
// asynchronously as spec.md §3.4 requires. A Workload's Load/Store/LL/SC/CAS
// addresses are already physical, since no page-table-base convention
// survives spec.md's ISA-emulation non-goal for this package to derive one
// from; every store still drives the MMU table-walk sub-FSM
// (dcache.Translate/StepTLBMiss) and the dirty-bit update sub-FSM
// (dcache.StepDirty) against the single flat page table flatPTEAddr names,
// so invariant I-G and scenario 5's dirty-bit CAS are exercised end to end
// and not just at the dcache package's own unit-test level.
package sim

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/tilecoh/tilecoh/pkg/addr"
	"github.com/tilecoh/tilecoh/pkg/config"
	"github.com/tilecoh/tilecoh/pkg/dcache"
	"github.com/tilecoh/tilecoh/pkg/devices/disk"
	"github.com/tilecoh/tilecoh/pkg/direct"
	"github.com/tilecoh/tilecoh/pkg/extram"
	"github.com/tilecoh/tilecoh/pkg/icache"
	"github.com/tilecoh/tilecoh/pkg/l1"
	"github.com/tilecoh/tilecoh/pkg/mesh"
	"github.com/tilecoh/tilecoh/pkg/network"
	"github.com/tilecoh/tilecoh/pkg/tile"
	"github.com/tilecoh/tilecoh/pkg/trace"
	"github.com/tilecoh/tilecoh/pkg/wbuf"
)

// OpKind names one pre-decoded memory operation a core's bus interface can
// issue.
type OpKind int

const (
	OpFetch OpKind = iota
	OpLoad
	OpStore
	OpLL
	OpSC
	OpCAS
)

// Op is one pre-decoded memory operation (spec.md §1 Non-goals: the
// simulator accepts these from a trace generator or test harness, it does
// not decode instructions itself). Addr is always physical.
type Op struct {
	Kind OpKind
	Addr uint64
	BE   uint8
	Data uint32

	// Expected carries the CAS comparand, or the SC reservation key echoed
	// back from a prior LL's response.
	Expected uint32
}

// Workload supplies the next operation for a core to issue, or ok=false if
// the core has nothing pending this cycle.
type Workload interface {
	NextOp(core int, cycle uint64) (Op, bool)
}

// flatPTEAddr is the physical address of the single page-table entry every
// core's D-TLB walk resolves against. Every simulated store is to this flat
// page (spec.md §9 Open Question: per-page page tables have no Workload
// convention to derive addresses from), so every new line a core writes
// costs exactly one DIRTY_GET_PTE/CAS round trip the first time and none
// after, until the line's D-TLB entry is evicted. Chosen clear of the
// small test addresses (0x0-0x1000-ish) the package's own tests use.
const flatPTEAddr = 0x0010_0000

// ErrWatchdog reports that a core made no forward progress for
// Config.MaxFrozenCycles cycles (spec.md §5).
type ErrWatchdog struct {
	GlobalCore uint32
	Cycle      uint64
}

func (e *ErrWatchdog) Error() string {
	return fmt.Sprintf("sim: core %d made no progress for max_frozen_cycles (stalled at cycle %d)", e.GlobalCore, e.Cycle)
}

// Simulator owns the tile grid, the mesh between them, and the per-core
// bus-interface drivers that turn a Workload's Ops into ICACHE/DCACHE FSM
// activity.
type Simulator struct {
	log logr.Logger
	geo addr.Geometry
	cfg config.Config

	tiles map[addr.Tile]*tile.Tile
	order []addr.Tile
	mesh  *mesh.Mesh
	trace *trace.Store
	disk  *disk.Device

	workload Workload
	cycle    uint64
	trdid    atomic.Uint32

	drivers       []*coreDriver
	driversByTile map[addr.Tile][]*coreDriver
}

// New constructs a Simulator with a MeshX x MeshY tile grid, each tile
// backed by its own external-RAM port (spec.md §4.4) and wired to a shared
// trace store for postmortem invariant checking (pkg/verify).
func New(log logr.Logger, cfg config.Config, workload Workload) (*Simulator, error) {
	log = log.WithName("sim")
	geo := cfg.Geometry
	trc, err := trace.Open(log, cfg.TraceDBPath)
	if err != nil {
		return nil, err
	}
	tiles := make(map[addr.Tile]*tile.Tile, cfg.MeshX*cfg.MeshY)
	order := make([]addr.Tile, 0, cfg.MeshX*cfg.MeshY)
	flatPTE := dcache.EncodePTE(dcache.PTE{Writable: true, Cacheable: true})
	flatPTEWords := make([]uint32, geo.WordsPerLine)
	flatPTEWords[geo.WordOffset(flatPTEAddr)] = flatPTE
	for x := 0; x < cfg.MeshX; x++ {
		for y := 0; y < cfg.MeshY; y++ {
			id := addr.Tile{X: uint32(x), Y: uint32(y)}
			ram := extram.NewPort(log, extram.NewMapBackend(int(geo.WordsPerLine)), 3)
			if _, err := ram.Do(context.Background(), extram.Request{Op: extram.OpPut, Nline: geo.NLine(flatPTEAddr), Words: append([]uint32(nil), flatPTEWords...)}); err != nil {
				return nil, fmt.Errorf("sim: seeding flat page table: %w", err)
			}
			t := tile.New(log, id, geo, cfg, ram)
			t.SetTrace(trc)
			tiles[id] = t
			order = append(order, id)
		}
	}
	diskRAM := extram.NewPort(log, extram.NewMapBackend(int(geo.WordsPerLine)), 3)
	s := &Simulator{
		log:      log,
		geo:      geo,
		cfg:      cfg,
		tiles:    tiles,
		order:    order,
		mesh:     mesh.New(log, geo, tiles),
		trace:    trc,
		disk:     disk.New(log, cfg.BlockSize, cfg.BurstSize, cfg.DiskSizeBlocks, &diskMemoryPort{geo: geo, ram: diskRAM}),
		workload: workload,
	}
	s.driversByTile = make(map[addr.Tile][]*coreDriver, len(order))
	for _, id := range order {
		t := tiles[id]
		for core := 0; core < cfg.CoresPerTile; core++ {
			cd := &coreDriver{
				tile:          t,
				core:          core,
				globalID:      uint32(geo.NewCCID(id, uint32(core))),
				pendingWrites: make(map[uint32]int),
			}
			s.drivers = append(s.drivers, cd)
			s.driversByTile[id] = append(s.driversByTile[id], cd)
		}
	}
	return s, nil
}

// Tile returns the tile at coordinate id, or nil if out of range.
func (s *Simulator) Tile(id addr.Tile) *tile.Tile { return s.tiles[id] }

// Tiles returns every tile coordinate in the mesh, in row-major order.
func (s *Simulator) Tiles() []addr.Tile { return s.order }

// Trace returns the simulator's shared coherence event trace store.
func (s *Simulator) Trace() *trace.Store { return s.trace }

// Close releases the trace store's resources.
func (s *Simulator) Close() error { return s.trace.Close() }

// DiskReadReg reads one block-device register (spec.md §6.4).
func (s *Simulator) DiskReadReg(offset uint32) uint32 { return s.disk.ReadReg(offset) }

// DiskWriteReg writes one block-device register, possibly launching a
// synchronous DMA transfer (spec.md §6.4).
func (s *Simulator) DiskWriteReg(offset, value uint32) { s.disk.WriteReg(offset, value) }

// DiskIRQ reports the block device's current interrupt line level.
func (s *Simulator) DiskIRQ() bool { return s.disk.IRQ() }

// diskMemoryPort backs the block device's DMA target with its own
// line-granular external-RAM port, a dedicated memory-mapped segment
// distinct from any tile's coherent L2 content (a real DMA engine bypasses
// cache coherence; software is responsible for flushing before relying on
// a transfer's result, per spec.md §1's port-reducible collaborator model).
type diskMemoryPort struct {
	geo addr.Geometry
	ram *extram.Port
}

func (p *diskMemoryPort) ReadBytes(addr uint64, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		nline := p.geo.NLine(addr)
		wordOff := p.geo.WordOffset(addr)
		resp, err := p.ram.Do(context.Background(), extram.Request{Op: extram.OpGet, Nline: nline})
		if err != nil {
			return nil, err
		}
		for wordOff < uint(len(resp.Words)) && len(out) < n {
			w := resp.Words[wordOff]
			out = append(out, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
			wordOff++
			addr += uint64(p.geo.BytesPerWord)
		}
	}
	return out[:n], nil
}

func (p *diskMemoryPort) WriteBytes(addr uint64, data []byte) error {
	for i := 0; i < len(data); {
		nline := p.geo.NLine(addr)
		wordOff := p.geo.WordOffset(addr)
		resp, err := p.ram.Do(context.Background(), extram.Request{Op: extram.OpGet, Nline: nline})
		if err != nil {
			return err
		}
		words := resp.Words
		for wordOff < uint(len(words)) && i < len(data) {
			w := words[wordOff]
			for b := 0; b < int(p.geo.BytesPerWord) && i < len(data); b++ {
				shift := 8 * b
				w = (w &^ (0xff << shift)) | uint32(data[i])<<shift
				i++
			}
			words[wordOff] = w
			wordOff++
			addr += uint64(p.geo.BytesPerWord)
		}
		if _, err := p.ram.Do(context.Background(), extram.Request{Op: extram.OpPut, Nline: nline, Words: words}); err != nil {
			return err
		}
	}
	return nil
}

// Cycle returns the number of cycles RunCycle has completed.
func (s *Simulator) Cycle() uint64 { return s.cycle }

// RunCycle advances the simulator by exactly one cycle: the mesh forwards
// in-flight traffic and delivers anything that arrived, then every tile
// steps and every core's bus-interface driver runs, all in parallel with a
// barrier at the end (spec.md §5 "parallelize per tile with a barrier at
// cycle end").
func (s *Simulator) RunCycle(ctx context.Context) error {
	s.mesh.Step(ctx)

	g, gCtx := errgroup.WithContext(ctx)
	for _, id := range s.order {
		t := s.tiles[id]
		drivers := s.driversByTile[id]
		g.Go(func() error {
			t.Step()
			for _, cd := range drivers {
				if err := s.stepCore(gCtx, cd); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.cycle++
	return s.checkWatchdog()
}

func (s *Simulator) checkWatchdog() error {
	for _, cd := range s.drivers {
		if cd.op == nil {
			continue
		}
		if s.cycle-cd.lastProgress > s.cfg.MaxFrozenCycles {
			return &ErrWatchdog{GlobalCore: cd.globalID, Cycle: s.cycle}
		}
	}
	return nil
}

func (s *Simulator) allocTRDID() uint32 {
	return s.trdid.Add(1)
}

// send enqueues req on t's direct-CMD outbound queue toward req.Address's
// home tile, stamping the requester's CC_ID and a fresh transaction id.
func (s *Simulator) send(t *tile.Tile, core int, req *direct.Request) {
	req.SrcID = addr.SrcID(t.CoreCCID(core))
	req.TRDID = s.allocTRDID()
	home := s.geo.TileOf(req.Address)
	t.Enqueue(tile.OutboundPacket{Channel: network.ChannelDirectCmd, Dest: home, CmdReq: req})
}

// coreDriver is one core's bus-interface state: the operation currently
// blocking it and whether a request for that operation is outstanding. The
// write buffer's completions are tracked independently since stores don't
// block the core (spec.md §3.4).
type coreDriver struct {
	tile     *tile.Tile
	core     int
	globalID uint32

	op           *Op
	started      bool
	translated   bool // OpStore only: has the TLB walk against flatPTEAddr resolved?
	lastProgress uint64

	pendingWrites map[uint32]int // TRDID -> write-buffer line index
}

func (s *Simulator) stepCore(ctx context.Context, cd *coreDriver) error {
	t := cd.tile
	l1c := t.Cores[cd.core]

	var refill *direct.Response
	for {
		resp, ok := t.DrainResponse(cd.core)
		if !ok {
			break
		}
		if idx, ok := cd.pendingWrites[resp.RTRDID]; ok {
			l1c.WBuf.Complete(resp.RTRDID, resp.RError)
			delete(cd.pendingWrites, resp.RTRDID)
			_ = idx
			continue
		}
		r := resp
		refill = &r
	}

	s.driveWriteBuffer(t, cd, l1c)

	if cd.op == nil {
		op, ok := s.workload.NextOp(int(cd.globalID), s.cycle)
		if !ok {
			return nil
		}
		cd.op = &op
		cd.started = false
		cd.translated = false
		cd.lastProgress = s.cycle
	}

	switch cd.op.Kind {
	case OpFetch:
		s.stepFetch(t, cd, l1c.ICache, refill)
	case OpLoad:
		s.stepLoad(t, cd, l1c, refill)
	case OpStore:
		s.stepStore(t, cd, l1c, refill)
	case OpLL:
		s.stepLL(t, cd, l1c, refill)
	case OpSC:
		s.stepSC(t, cd, l1c, refill)
	case OpCAS:
		s.stepCAS(t, cd, l1c, refill)
	}
	return nil
}

// driveWriteBuffer drains one write per cycle onto the direct network and
// retires any line the completion has already resolved, independent of
// whichever op currently blocks the core (spec.md §4.3 round-robin drain).
func (s *Simulator) driveWriteBuffer(t *tile.Tile, cd *coreDriver, l1c *l1.L1) {
	wb := l1c.WBuf
	if idx, ok := wb.NextToDrain(); ok {
		line := wb.Lines()[idx]
		n := int(s.geo.WordsPerLine)
		req := &direct.Request{
			Cmd:     direct.PktWrite,
			Address: line.Paddr,
			WData:   append([]uint32(nil), line.Data[:n]...),
			BE:      append([]uint8(nil), line.BE[:n]...),
		}
		s.send(t, cd.core, req)
		wb.MarkSent(idx, req.TRDID)
		cd.pendingWrites[req.TRDID] = idx
	}
	for i := range wb.Lines() {
		if wb.Lines()[i].State == wbuf.StateCompleted {
			wb.Retire(i)
		}
	}
}

func (s *Simulator) stepFetch(t *tile.Tile, cd *coreDriver, ic *icache.ICache, refill *direct.Response) {
	if !cd.started {
		cd.started = true
		res := ic.Fetch(cd.op.Addr)
		if !res.Stall {
			cd.op = nil
			return
		}
	}
	req, cleanup := ic.StepMiss(refill)
	if req != nil {
		s.send(t, cd.core, req)
	}
	if cleanup != nil {
		t.Cores[cd.core].EnqueueInstCleanup(*cleanup)
	}
	if ic.State() == icache.StateIdle {
		cd.op = nil
		cd.lastProgress = s.cycle
	}
}

func (s *Simulator) stepLoad(t *tile.Tile, cd *coreDriver, l1c *l1.L1, refill *direct.Response) {
	dc := l1c.DCache
	if !cd.started {
		cd.started = true
		_, stall := dc.Load(cd.op.Addr)
		if !stall {
			cd.op = nil
			return
		}
	}
	req, cleanup := dc.StepMiss(refill)
	if req != nil {
		s.send(t, cd.core, req)
	}
	if cleanup != nil {
		l1c.EnqueueCleanup(*cleanup)
	}
	if dc.State() == dcache.StateIdle {
		cd.op = nil
		cd.lastProgress = s.cycle
	}
}

// stepStore translates the store address against the flat page table (a
// TLB miss drives the real walk sub-FSM exactly once per line, spec.md
// §4.2), then applies the store to the write buffer (and the cache line,
// if resident), driving the dirty-bit update sub-FSM first if the backing
// PTE isn't already dirty (spec.md §4.2, scenario 5). A write is
// acknowledged to the CPU as soon as it is placed in a write-buffer line,
// well before it becomes visible system-wide (spec.md §3.4).
func (s *Simulator) stepStore(t *tile.Tile, cd *coreDriver, l1c *l1.L1, refill *direct.Response) {
	dc := l1c.DCache

	if !cd.translated {
		if dc.State() == dcache.StateIdle {
			if _, hit := dc.Translate(cd.op.Addr, true); hit {
				cd.translated = true
			}
		}
		if !cd.translated {
			req, done := s.stepTLBWalk(dc, refill)
			if req != nil {
				s.send(t, cd.core, req)
			}
			if done {
				cd.translated = true
				cd.lastProgress = s.cycle
			}
			return
		}
	}

	if dc.State() != dcache.StateIdle {
		req, done := dc.StepDirty(refill)
		if req != nil {
			s.send(t, cd.core, req)
		}
		if done {
			cd.lastProgress = s.cycle
		}
		return
	}

	stall, err := dc.Store(cd.op.Addr, cd.op.BE, cd.op.Data)
	if err != nil {
		// write buffer full and not mergeable: retry the same op next cycle.
		return
	}
	if !stall {
		cd.op = nil
		return
	}
	cd.lastProgress = s.cycle
}

// stepTLBWalk drives one cycle of dc's table-walk sub-FSM, decoding
// whichever page-table word refill carries for the walk state currently
// awaiting it.
func (s *Simulator) stepTLBWalk(dc *dcache.DCache, refill *direct.Response) (req *direct.Request, done bool) {
	var pte1, pte2 *dcache.PTE
	if refill != nil && len(refill.RData) > 0 {
		decoded := dcache.DecodePTE(refill.RData[0])
		switch dc.State() {
		case dcache.StateTLBPTE1Get:
			pte1 = &decoded
		case dcache.StateTLBPTE2Get:
			pte2 = &decoded
		}
	}
	return dc.StepTLBMiss(pte1, flatPTEAddr, pte2)
}

func (s *Simulator) stepLL(t *tile.Tile, cd *coreDriver, l1c *l1.L1, refill *direct.Response) {
	if !cd.started {
		cd.started = true
		s.send(t, cd.core, &direct.Request{Cmd: direct.PktLL, Address: cd.op.Addr})
		return
	}
	if refill == nil {
		return
	}
	l1c.DCache.LL(cd.op.Addr, refill)
	cd.op = nil
	cd.lastProgress = s.cycle
}

func (s *Simulator) stepSC(t *tile.Tile, cd *coreDriver, l1c *l1.L1, refill *direct.Response) {
	if !cd.started {
		cd.started = true
		if !l1c.DCache.SC(cd.op.Addr, uint64(cd.op.Expected)) {
			// reservation already broken locally: never touches the bus.
			cd.op = nil
			cd.lastProgress = s.cycle
			return
		}
		s.send(t, cd.core, &direct.Request{
			Cmd: direct.PktSC, Address: cd.op.Addr,
			WData: []uint32{cd.op.Expected, cd.op.Data},
		})
		return
	}
	if refill == nil {
		return
	}
	cd.op = nil
	cd.lastProgress = s.cycle
}

func (s *Simulator) stepCAS(t *tile.Tile, cd *coreDriver, l1c *l1.L1, refill *direct.Response) {
	if !cd.started {
		cd.started = true
		s.send(t, cd.core, &direct.Request{
			Cmd: direct.PktCAS, Address: cd.op.Addr,
			WData: []uint32{cd.op.Expected, cd.op.Data},
		})
		return
	}
	if refill == nil {
		return
	}
	cd.op = nil
	cd.lastProgress = s.cycle
}
