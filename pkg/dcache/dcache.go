// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package dcache implements the L1 data-cache FSM (spec.md §4.2): loads,
// stores, LL/SC/CAS, uncached I/O, the MMU table-walk sub-FSM, the dirty-bit
// update sub-FSM, the selective-TLB-invalidation sub-FSM, and XTN
// maintenance opcode dispatch (SPEC_FULL.md §5 "full XTN opcode surface").
package dcache

import (
	"github.com/go-logr/logr"

	"github.com/tilecoh/tilecoh/pkg/addr"
	"github.com/tilecoh/tilecoh/pkg/cachesim"
	"github.com/tilecoh/tilecoh/pkg/direct"
	"github.com/tilecoh/tilecoh/pkg/llsc"
	"github.com/tilecoh/tilecoh/pkg/wbuf"
)

// MMUError is the original's mmu_error_type_e (vci_cc_vcache_wrapper.h):
// bit 0x1000 distinguishes READ from WRITE, the low bits name the cause.
type MMUError uint32

const (
	MMUNone                   MMUError = 0x0000
	MMUWritePT1Unmapped       MMUError = 0x0001
	MMUWritePT2Unmapped       MMUError = 0x0002
	MMUWritePrivilegeViol     MMUError = 0x0004
	MMUWriteAccessViol        MMUError = 0x0008
	MMUWriteUndefinedXTN      MMUError = 0x0020
	MMUWritePT1IllegalAccess  MMUError = 0x0040
	MMUWritePT2IllegalAccess  MMUError = 0x0080
	MMUWriteDataIllegalAccess MMUError = 0x0100
	MMUReadPT1Unmapped        MMUError = 0x1001
	MMUReadPT2Unmapped        MMUError = 0x1002
	MMUReadPrivilegeViol      MMUError = 0x1004
	MMUReadExecViol           MMUError = 0x1010
	MMUReadUndefinedXTN       MMUError = 0x1020
	MMUReadPT1IllegalAccess   MMUError = 0x1040
	MMUReadPT2IllegalAccess   MMUError = 0x1080
	MMUReadDataIllegalAccess  MMUError = 0x1100
)

// XTNOpcode enumerates the processor's external-access maintenance opcodes
// (SPEC_FULL.md §5, grounded on vci_cc_vcache_wrapper.h's XTN dispatch in
// DCACHE_IDLE and the DCACHE_XTN_* sub-states below).
type XTNOpcode int

const (
	XTNSwitch XTNOpcode = iota
	XTNSync
	XTNICInvalVA
	XTNICFlush
	XTNICInvalPA
	XTNICPaddrExt
	XTNITInval
	XTNDCFlush
	XTNDCInvalVA
	XTNDCInvalPA
	XTNDTInval
)

// State is the DCACHE FSM's principal state, following the original's
// dcache_fsm_state_e naming so the XTN sub-states keep their identity
// instead of collapsing into one generic "maintenance" state.
type State int

const (
	StateIdle State = iota
	StateTLBMiss
	StateTLBPTE1Get
	StateTLBPTE1Updt
	StateTLBPTE2Get
	StateTLBPTE2Updt
	StateTLBReturn
	StateXTNICInvalVA
	StateXTNICFlush
	StateXTNICInvalPA
	StateXTNITInval
	StateXTNDCFlush
	StateXTNDCInvalVA
	StateXTNDCInvalPA
	StateXTNDTInval
	StateDirtyGetPTE
	StateDirtyWait
	StateMissSelect
	StateMissClean
	StateMissWait
	StateMissDataUpdt
	StateMissDirUpdt
	StateUncWait
	StateLLWait
	StateSCWait
	StateCASWait
	StateInvalTLBScan
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateTLBMiss:
		return "TLB_MISS"
	case StateTLBPTE1Get:
		return "TLB_PTE1_GET"
	case StateTLBPTE1Updt:
		return "TLB_PTE1_UPDT"
	case StateTLBPTE2Get:
		return "TLB_PTE2_GET"
	case StateTLBPTE2Updt:
		return "TLB_PTE2_UPDT"
	case StateTLBReturn:
		return "TLB_RETURN"
	case StateXTNICInvalVA:
		return "XTN_IC_INVAL_VA"
	case StateXTNICFlush:
		return "XTN_IC_FLUSH"
	case StateXTNICInvalPA:
		return "XTN_IC_INVAL_PA"
	case StateXTNITInval:
		return "XTN_IT_INVAL"
	case StateXTNDCFlush:
		return "XTN_DC_FLUSH"
	case StateXTNDCInvalVA:
		return "XTN_DC_INVAL_VA"
	case StateXTNDCInvalPA:
		return "XTN_DC_INVAL_PA"
	case StateXTNDTInval:
		return "XTN_DT_INVAL"
	case StateDirtyGetPTE:
		return "DIRTY_GET_PTE"
	case StateDirtyWait:
		return "DIRTY_WAIT"
	case StateMissSelect:
		return "MISS_SELECT"
	case StateMissClean:
		return "MISS_CLEAN"
	case StateMissWait:
		return "MISS_WAIT"
	case StateMissDataUpdt:
		return "MISS_DATA_UPDT"
	case StateMissDirUpdt:
		return "MISS_DIR_UPDT"
	case StateUncWait:
		return "UNC_WAIT"
	case StateLLWait:
		return "LL_WAIT"
	case StateSCWait:
		return "SC_WAIT"
	case StateCASWait:
		return "CAS_WAIT"
	case StateInvalTLBScan:
		return "INVAL_TLB_SCAN"
	default:
		return "UNKNOWN"
	}
}

// LineState is a D-cache line's coherence state (spec.md §3.2).
type LineState int

const (
	LineEmpty LineState = iota
	LineValid
	LineZombi
)

// Line is one D-cache line's payload plus the two flags the TLB-inval
// sub-FSM and XTN flush opcodes key on (spec.md §4.2).
type Line struct {
	Words       []uint32
	State       LineState
	InTLB       bool // at least one TLB entry's backing line is this one
	ContainsPTD bool // line holds one or more page-table-directory words
}

// PTE is a decoded page-table entry (spec.md §4.2 TLB miss sub-FSM).
type PTE struct {
	PPN        uint64
	Writable   bool
	Executable bool
	Cacheable  bool
	User       bool
	Global     bool
	Dirty      bool
	Referenced bool
	IsPTD      bool
}

// TLBEntry is one I-TLB/D-TLB line: the PTE plus the backing D-cache nline,
// used by the selective-invalidation sub-FSM to find entries a given write
// must evict without a full flush. PTEAddr is the physical address of the
// PTE word itself (the same address the table walk fetched it from),
// needed by the dirty-bit update sub-FSM to reread and CAS it later.
type TLBEntry struct {
	VPN       uint64
	PTE       PTE
	BackingNL uint64
	PTEAddr   uint64
}

// PTE word bit layout for the table-walk and dirty-bit sub-FSMs: PPN
// occupies the high bits above pteBitPPNShift, the low bits are flags.
const (
	pteBitPPNShift = 12
	ptePresentBit  = 1 << 0
	pteWritableBit = 1 << 1
	pteExecBit     = 1 << 2
	pteCacheBit    = 1 << 3
	pteUserBit     = 1 << 4
	pteGlobalBit   = 1 << 5
	pteDirtyBit    = 1 << 6
	pteRefBit      = 1 << 7
	ptePTDBit      = 1 << 8
)

// DecodePTE unpacks a raw page-table-entry word fetched over the direct
// network into a PTE (spec.md §4.2 table-walk sub-FSM).
func DecodePTE(word uint32) PTE {
	return PTE{
		PPN:        uint64(word) >> pteBitPPNShift,
		Writable:   word&pteWritableBit != 0,
		Executable: word&pteExecBit != 0,
		Cacheable:  word&pteCacheBit != 0,
		User:       word&pteUserBit != 0,
		Global:     word&pteGlobalBit != 0,
		Dirty:      word&pteDirtyBit != 0,
		Referenced: word&pteRefBit != 0,
		IsPTD:      word&ptePTDBit != 0,
	}
}

// EncodePTE packs a PTE back into its wire-format word, the inverse of
// DecodePTE, used to build the dirty-bit sub-FSM's CAS operand.
func EncodePTE(p PTE) uint32 {
	word := uint32(p.PPN) << pteBitPPNShift
	word |= ptePresentBit
	if p.Writable {
		word |= pteWritableBit
	}
	if p.Executable {
		word |= pteExecBit
	}
	if p.Cacheable {
		word |= pteCacheBit
	}
	if p.User {
		word |= pteUserBit
	}
	if p.Global {
		word |= pteGlobalBit
	}
	if p.Dirty {
		word |= pteDirtyBit
	}
	if p.Referenced {
		word |= pteRefBit
	}
	if p.IsPTD {
		word |= ptePTDBit
	}
	return word
}

// DCache is the L1 data-cache FSM.
type DCache struct {
	log  logr.Logger
	geom addr.Geometry

	cache *cachesim.Cache[Line]
	dtlb  *cachesim.Cache[TLBEntry]
	itlb  *cachesim.Cache[TLBEntry] // shared with the sibling ICACHE wrapper

	wbuf *wbuf.WriteBuffer
	llsc *llsc.Reservation

	state State

	// miss tracking, mirrors pkg/icache
	missNline  uint64
	missWay    uint
	missInval  bool
	cleanupWay uint
	clackFlag  bool

	pendingWords []uint32

	// TLB walk tracking
	walkVPN     uint64
	walkWrite   bool
	walkPTE     PTE
	pendingPTE1 uint64 // physical address of the PTE word being installed (PTE1, or PTE2 after a PTD)

	mmuError MMUError

	// dirty-bit sub-FSM tracking (spec.md §4.2 DIRTY_GET_PTE/CAS)
	dirtyVPN     uint64
	dirtyPTEAddr uint64
	dirtyCASSent bool
}

// New constructs a DCache over the given geometries. itlb may be nil if the
// caller's L1 wrapper keeps a single shared TLB (pkg/l1 wires the real one).
func New(log logr.Logger, g addr.Geometry, dcGeo, tlbGeo cachesim.Geometry, wb *wbuf.WriteBuffer, res *llsc.Reservation, itlb *cachesim.Cache[TLBEntry]) *DCache {
	return &DCache{
		log:   log.WithName("dcache"),
		geom:  g,
		cache: cachesim.New[Line](dcGeo),
		dtlb:  cachesim.New[TLBEntry](tlbGeo),
		itlb:  itlb,
		wbuf:  wb,
		llsc:  res,
		state: StateIdle,
	}
}

// State returns the FSM's current principal state.
func (d *DCache) State() State { return d.state }

// MMUError returns the last translation error, MMUNone if the last
// translation succeeded.
func (d *DCache) MMUError() MMUError { return d.mmuError }

// Translate looks up vaddr in the D-TLB. A hit returns the PTE directly; a
// miss arms the table-walk sub-FSM and the caller must drive it via
// StepTLBMiss until StateTLBReturn-equivalent completion (State()==Idle).
func (d *DCache) Translate(vaddr uint64, write bool) (pte PTE, hit bool) {
	vpn := d.geom.NLine(vaddr)
	_, line, ok := d.dtlb.Lookup(vpn)
	if ok {
		if write && !line.Data.PTE.Writable {
			d.mmuError = MMUWriteAccessViol
			return PTE{}, false
		}
		return line.Data.PTE, true
	}
	d.walkVPN = vpn
	d.walkWrite = write
	d.state = StateTLBMiss
	return PTE{}, false
}

// StepTLBMiss advances the table-walk sub-FSM by one cycle. pte1 and pte2
// supply the decoded first- and second-level entries read for the level the
// FSM is currently waiting on (nil if none arrived this cycle); pte1Addr is
// the physical address of the PTE1 word. It returns true once the walk
// completes (success or MMU error; check MMUError()).
func (d *DCache) StepTLBMiss(pte1 *PTE, pte1Addr uint64, pte2 *PTE) (req *direct.Request, done bool) {
	switch d.state {
	case StateTLBMiss:
		d.state = StateTLBPTE1Get
		return &direct.Request{Cmd: direct.PktReadDataMiss, Address: pte1Addr}, false
	case StateTLBPTE1Get:
		if pte1 == nil {
			return nil, false
		}
		if pte1.IsPTD {
			d.pendingPTE1 = d.geom.LineAddr(pte1.PPN)
			d.state = StateTLBPTE2Get
			return &direct.Request{Cmd: direct.PktReadDataMiss, Address: d.geom.LineAddr(pte1.PPN)}, false
		}
		d.walkPTE = *pte1
		d.pendingPTE1 = pte1Addr
		d.state = StateTLBPTE1Updt
		return nil, false
	case StateTLBPTE1Updt:
		d.installTLB(d.walkVPN, d.walkPTE, d.geom.NLine(d.pendingPTE1), d.pendingPTE1)
		d.state = StateTLBReturn
		return nil, false
	case StateTLBPTE2Get:
		if pte2 == nil {
			return nil, false
		}
		d.walkPTE = *pte2
		d.state = StateTLBPTE2Updt
		return nil, false
	case StateTLBPTE2Updt:
		d.installTLB(d.walkVPN, d.walkPTE, d.geom.NLine(d.pendingPTE1), d.pendingPTE1)
		d.state = StateTLBReturn
		return nil, false
	case StateTLBReturn:
		d.state = StateIdle
		d.mmuError = MMUNone
		if d.walkWrite && !d.walkPTE.Writable {
			d.mmuError = MMUWriteAccessViol
		}
		return nil, true
	}
	return nil, true
}

func (d *DCache) installTLB(vpn uint64, pte PTE, backingNL, pteAddr uint64) {
	way, _, hit := d.dtlb.Lookup(vpn)
	if !hit {
		way = d.dtlb.Victim(vpn)
	}
	d.dtlb.Set(vpn, way, TLBEntry{VPN: vpn, PTE: pte, BackingNL: backingNL, PTEAddr: pteAddr})
}

// Load services a cacheable load once translation has already succeeded; a
// D-cache miss arms StepMiss exactly like pkg/icache.
func (d *DCache) Load(paddr uint64) (word uint32, stall bool) {
	if d.state != StateIdle {
		return 0, true
	}
	nline := d.geom.NLine(paddr)
	way, line, hit := d.cache.Lookup(nline)
	if hit && line.Data.State == LineValid {
		return line.Data.Words[d.geom.WordOffset(paddr)], false
	}
	d.missNline = nline
	d.missWay = way
	d.state = StateMissSelect
	return 0, true
}

// StepMiss advances the D-cache miss-refill path; identical shape to
// pkg/icache.StepMiss (spec.md §4.1/§4.2 share this sub-FSM).
func (d *DCache) StepMiss(refill *direct.Response) (req *direct.Request, cleanup *CleanupReq) {
	switch d.state {
	case StateMissSelect:
		way := d.cache.Victim(d.missNline)
		victim := d.cache.At(d.missNline, way)
		d.missWay = way
		if victim.Valid && victim.Data.State != LineEmpty {
			d.state = StateMissClean
			d.cleanupWay = way
			return nil, &CleanupReq{Nline: victim.Tag, WayIndex: uint64(way)}
		}
		d.state = StateMissWait
		return &direct.Request{Cmd: direct.PktReadDataMiss, Address: d.missNline}, nil
	case StateMissClean:
		d.clackFlag = true
		d.state = StateMissWait
		return &direct.Request{Cmd: direct.PktReadDataMiss, Address: d.missNline}, nil
	case StateMissWait:
		if refill == nil {
			return nil, nil
		}
		if refill.RError {
			d.state = StateIdle
			return nil, nil
		}
		d.state = StateMissDataUpdt
		d.pendingWords = refill.RData
		return nil, nil
	case StateMissDataUpdt:
		d.state = StateMissDirUpdt
		return nil, nil
	case StateMissDirUpdt:
		if d.missInval {
			d.cache.Set(d.missNline, d.missWay, Line{Words: d.pendingWords, State: LineZombi})
			d.missInval = false
			d.state = StateMissSelect
			return nil, &CleanupReq{Nline: d.missNline, WayIndex: uint64(d.missWay)}
		}
		d.cache.Set(d.missNline, d.missWay, Line{Words: d.pendingWords, State: LineValid})
		d.state = StateIdle
		return nil, nil
	}
	return nil, nil
}

// CleanupReq is emitted on P2M when the D-cache evicts or re-evicts a
// victim line (mirrors pkg/icache.CleanupReq).
type CleanupReq struct {
	Nline    uint64
	WayIndex uint64
}

// Store applies a cacheable store: it always goes through the write buffer
// (spec.md §4.3), and updates the cache line in place if present and VALID.
// If the backing PTE (the D-TLB entry keyed by this line's own nline, per
// this package's merged virtual/physical address-space convention) is
// writable but not yet dirty, Store instead arms the DIRTY_GET_PTE/CAS
// sub-FSM and reports stall=true; the caller must drive it via StepDirty
// until done, then call Store again with the same arguments, at which
// point the now-dirty PTE lets the store proceed.
func (d *DCache) Store(paddr uint64, be uint8, data uint32) (stall bool, err error) {
	if d.state != StateIdle {
		return true, nil
	}
	nline := d.geom.NLine(paddr)
	way, line, hit := d.cache.Lookup(nline)
	if hit && line.Data.State == LineValid {
		if _, tline, thit := d.dtlb.Lookup(nline); thit && tline.Data.PTE.Writable && !tline.Data.PTE.Dirty {
			d.dirtyVPN = nline
			d.dirtyPTEAddr = tline.Data.PTEAddr
			d.dirtyCASSent = false
			d.state = StateDirtyGetPTE
			return true, nil
		}
		off := d.geom.WordOffset(paddr)
		words := line.Data.Words
		words[off] = applyBE(words[off], be, data)
		d.cache.Set(nline, way, Line{Words: words, State: LineValid, InTLB: line.Data.InTLB, ContainsPTD: line.Data.ContainsPTD})
		if line.Data.InTLB {
			d.InvalTLBScan(nline)
		}
	}
	if err := d.wbuf.Enqueue(paddr, be, data, true); err != nil {
		return false, err
	}
	d.llsc.Clear()
	return false, nil
}

// StepDirty advances the dirty-bit update sub-FSM by one cycle (spec.md
// §4.2): reread the PTE word, then CAS its dirty bit set, retrying the
// whole read-CAS sequence if another core's CAS wins the race first. resp
// is whichever direct-network response arrived this cycle, nil if none.
func (d *DCache) StepDirty(resp *direct.Response) (req *direct.Request, done bool) {
	switch d.state {
	case StateDirtyGetPTE:
		d.dirtyCASSent = false
		d.state = StateDirtyWait
		return &direct.Request{Cmd: direct.PktReadDataMiss, Address: d.dirtyPTEAddr}, false
	case StateDirtyWait:
		if resp == nil {
			return nil, false
		}
		if !d.dirtyCASSent {
			old := resp.RData[0]
			if old&pteDirtyBit != 0 {
				d.markDirty()
				d.state = StateIdle
				return nil, true
			}
			d.dirtyCASSent = true
			return &direct.Request{Cmd: direct.PktCAS, Address: d.dirtyPTEAddr, WData: []uint32{old, old | pteDirtyBit}}, false
		}
		if resp.RError {
			// lost the race to another core's CAS: reread and retry.
			d.dirtyCASSent = false
			d.state = StateDirtyGetPTE
			return nil, false
		}
		d.markDirty()
		d.state = StateIdle
		return nil, true
	}
	return nil, true
}

// markDirty records the dirty-bit CAS's success in the D-TLB entry it was
// issued against, so the store that triggered it can proceed on retry.
func (d *DCache) markDirty() {
	way, line, hit := d.dtlb.Lookup(d.dirtyVPN)
	if !hit {
		return
	}
	pte := line.Data.PTE
	pte.Dirty = true
	d.dtlb.Set(d.dirtyVPN, way, TLBEntry{VPN: d.dirtyVPN, PTE: pte, BackingNL: line.Data.BackingNL, PTEAddr: line.Data.PTEAddr})
}

// StoreUncached issues a direct-network write for a non-cacheable store,
// bypassing the cache entirely.
func (d *DCache) StoreUncached(paddr uint64, be uint8, data uint32) error {
	return d.wbuf.Enqueue(paddr, be, data, false)
}

// LL issues a load-linked: on a successful two-flit response the reservation
// is recorded with resp.RData[1] as the generation key (spec.md §4.2).
func (d *DCache) LL(paddr uint64, resp *direct.Response) (word uint32, err bool) {
	if resp == nil {
		return 0, false
	}
	if resp.RError {
		return 0, true
	}
	key := uint64(0)
	if len(resp.RData) > 1 {
		key = uint64(resp.RData[1])
	}
	d.llsc.Set(paddr, key)
	return resp.RData[0], false
}

// SC checks the local reservation and reports whether the store-conditional
// may proceed; per invariant I-F the reservation is always consumed.
func (d *DCache) SC(paddr uint64, key uint64) (proceed bool) {
	ok := d.llsc.Check(paddr, key)
	d.llsc.Clear()
	return ok
}

// InvalTLBScan implements the selective-TLB-invalidation sub-FSM (spec.md
// §4.2): every TLB entry whose BackingNL matches nline is invalidated. The
// scan walks every set of both TLBs — a TLB entry's own set is keyed by its
// VPN, unrelated to the D-cache line (keyed by nline) backing it, so a
// per-set lookup keyed on nline cannot find it.
func (d *DCache) InvalTLBScan(nline uint64) {
	d.dtlb.ForEach(func(set, way uint, line cachesim.Line[TLBEntry]) {
		if line.Data.BackingNL == nline {
			d.dtlb.Invalidate(line.Data.VPN, way)
		}
	})
	if d.itlb != nil {
		d.itlb.ForEach(func(set, way uint, line cachesim.Line[TLBEntry]) {
			if line.Data.BackingNL == nline {
				d.itlb.Invalidate(line.Data.VPN, way)
			}
		})
	}
}

// FlushTLBs wholesale-invalidates both TLBs, triggered by a write to a line
// whose ContainsPTD flag is set (spec.md §4.2).
func (d *DCache) FlushTLBs() {
	d.dtlb.ForEach(func(set, way uint, _ cachesim.Line[TLBEntry]) {
		d.dtlb.Invalidate(set<<d.dtlb.Geometry().OffsetBits, way)
	})
	if d.itlb != nil {
		d.itlb.ForEach(func(set, way uint, _ cachesim.Line[TLBEntry]) {
			d.itlb.Invalidate(set<<d.itlb.Geometry().OffsetBits, way)
		})
	}
}

// XTN dispatches one processor external-access maintenance opcode (spec.md
// §4.2 "XTN opcode dispatch", SPEC_FULL.md §5 full opcode surface). Opcodes
// naming the ICACHE (XTNICInvalVA, XTNICFlush, XTNICInvalPA) are reported
// back to the caller so pkg/l1 can forward them to the sibling ICACHE; this
// method itself only performs the D-cache/TLB-local effects.
func (d *DCache) XTN(op XTNOpcode, addrArg uint64) (forwardToICache bool) {
	switch op {
	case XTNDCFlush:
		d.cache.ForEach(func(set, way uint, l cachesim.Line[Line]) {
			d.cache.Invalidate(set<<d.cache.Geometry().OffsetBits, way)
		})
	case XTNDCInvalVA, XTNDCInvalPA:
		nline := d.geom.NLine(addrArg)
		if way, _, hit := d.cache.Lookup(nline); hit {
			d.cache.Invalidate(nline, way)
		}
	case XTNDTInval:
		d.FlushTLBs()
	case XTNICInvalVA, XTNICFlush, XTNICInvalPA, XTNITInval:
		return true
	}
	return false
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

// CCReq handles one incoming coherence request exactly like pkg/icache's,
// additionally breaking the LL/SC reservation on any matching UPDT/INVAL
// (spec.md §3.5).
func (d *DCache) CCReq(req CCRequest) (needsAck bool) {
	lineAddr := d.geom.LineAddr(req.Nline)
	if req.Kind == CCInval || req.Kind == CCBroadcastInval {
		d.llsc.InvalidateIfMatches(lineAddr)
		if d.state != StateIdle && d.missNline == req.Nline {
			d.missInval = true
			return false
		}
	}

	way, line, hit := d.cache.Lookup(req.Nline)
	if !hit || line.Data.State == LineEmpty {
		return false
	}
	switch req.Kind {
	case CCInval, CCBroadcastInval:
		d.cache.Invalidate(req.Nline, way)
		return false
	case CCUpdt:
		d.llsc.InvalidateIfMatches(lineAddr)
		words := line.Data.Words
		for i, be := range req.BE {
			if be == 0 {
				continue
			}
			idx := int(req.WordIndex) + i
			if idx < len(words) {
				words[idx] = applyBE(words[idx], be, req.Words[i])
			}
		}
		d.cache.Set(req.Nline, way, Line{Words: words, State: LineValid, InTLB: line.Data.InTLB, ContainsPTD: line.Data.ContainsPTD})
		return true
	}
	return false
}

// CCRequest mirrors pkg/icache.CCRequest (spec.md §4.2 port (c)).
type CCRequest struct {
	Kind      CCKind
	Nline     uint64
	UpdtIndex uint64
	Words     []uint32
	WordIndex uint64
	BE        []uint8
}

// CCKind mirrors pkg/icache.CCKind.
type CCKind int

const (
	CCInval CCKind = iota
	CCUpdt
	CCBroadcastInval
)

// ClackReq clears the clack flag (mirrors pkg/icache.ClackReq); no line
// state changes.
func (d *DCache) ClackReq(way uint) {
	d.clackFlag = false
	if d.state != StateIdle && way == d.missWay {
		// nothing else to do: StepMiss drives MISS_WAIT independent of the
		// clack in this single-buffered-
		// cleanup model (SPEC_FULL.md §9 Open Question).
		return
	}
}
