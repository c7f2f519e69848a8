// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package l1 assembles one CPU's L1 wrapper: ICACHE FSM, DCACHE FSM, a
// shared write buffer, LL/SC reservation, and the explicit CC_RECEIVE /
// CC_SEND sub-FSMs and CLACK interface that SPEC_FULL.md §5 calls out as a
// supplemented feature beyond spec.md §4.1/§4.2's summary (spec.md §4.6,
// §9 "Coroutine-like wait-for-response patterns... encode as explicit wait
// states driven by a one-place response FIFO").
package l1

import (
	"github.com/go-logr/logr"

	"github.com/tilecoh/tilecoh/pkg/addr"
	"github.com/tilecoh/tilecoh/pkg/cachesim"
	"github.com/tilecoh/tilecoh/pkg/dcache"
	"github.com/tilecoh/tilecoh/pkg/flit"
	"github.com/tilecoh/tilecoh/pkg/icache"
	"github.com/tilecoh/tilecoh/pkg/llsc"
	"github.com/tilecoh/tilecoh/pkg/wbuf"
)

// CCRecvState is the CC_RECEIVE FSM's state: it decodes one incoming M2P
// flit sequence at a time and dispatches to ICACHE or DCACHE by the packet's
// TYPE bit, queuing a CC_SEND job when an ack is owed.
type CCRecvState int

const (
	CCRecvIdle CCRecvState = iota
	CCRecvMultiUpdtBody
)

// CCSendState is the CC_SEND FSM's state: it owns the P2M port and arbitrates
// between CLEANUP requests (from ICACHE/DCACHE eviction) and MULTI_ACK
// responses (from CC_RECEIVE), CLEANUP losing ties since a MULTI_ACK closes
// out a directory-side wait sooner.
type CCSendState int

const (
	CCSendIdle CCSendState = iota
	CCSendBusy
)

// PendingAck is one MULTI_ACK owed back to the directory after CC_RECEIVE
// finishes applying a MULTI_UPDT.
type PendingAck struct {
	Dest       uint16
	UpdtIndex  uint64
	QueuedOnly bool
}

// PendingCleanup is one CLEANUP owed to the home L2 after an ICACHE or
// DCACHE eviction (spec.md §4.1/§4.2 "P2M channel"). IsInst distinguishes
// which cache owns the victim way, since the matching CLACK must route
// back to that same FSM (RecvClack dispatches on flit.Clack.IsInst).
type PendingCleanup struct {
	Nline    uint64
	WayIndex uint64
	IsInst   bool
}

// L1 is one CPU's full L1 wrapper.
type L1 struct {
	log logr.Logger

	ICache *icache.ICache
	DCache *dcache.DCache
	WBuf   *wbuf.WriteBuffer
	LLSC   *llsc.Reservation

	ccRecvState  CCRecvState
	ccSendState  CCSendState
	pendingAcks  []PendingAck
	pendingClnps []PendingCleanup

	// in-flight MULTI_UPDT reassembly, keyed by the fact only one can be
	// in flight per L1 (intra-channel FIFO, spec.md §5). updtWordPos counts
	// words consumed since BeginMultiUpdt; the wire only encodes the first
	// word's index (spec.md §6.1), subsequent words are implicitly
	// consecutive.
	updtHeader  flit.MultiUpdt
	updtWordPos uint64
}

// New assembles one L1 wrapper. The D-cache's D-TLB is constructed
// internally; the I-TLB is shared so the selective-TLB-invalidation
// sub-FSM can reach it (spec.md §4.2).
func New(log logr.Logger, g addr.Geometry, l1Geo, tlbGeo cachesim.Geometry, wbufLines int, llscTimeout uint32) *L1 {
	wb := wbuf.New(log, wbufLines, g.WordsPerLine, g.BytesPerWord)
	res := llsc.New(llscTimeout)
	itlb := cachesim.New[dcache.TLBEntry](tlbGeo)
	return &L1{
		log:    log.WithName("l1"),
		ICache: icache.New(log, g, l1Geo),
		DCache: dcache.New(log, g, l1Geo, tlbGeo, wb, res, itlb),
		WBuf:   wb,
		LLSC:   res,
	}
}

// RecvMultiInval decodes one MULTI_INVAL episode and dispatches it to the
// named cache (spec.md §6.1 MULTI_INVAL has TYPE 10=data/11=inst).
func (l *L1) RecvMultiInval(pkt flit.MultiInval) {
	if pkt.IsInst {
		l.ICache.CCReq(icache.CCRequest{Kind: icache.CCInval, Nline: pkt.Nline})
		return
	}
	l.DCache.CCReq(dcache.CCRequest{Kind: dcache.CCInval, Nline: pkt.Nline})
}

// RecvBroadcastInval decodes one BROADCAST_INVAL: both caches are probed
// since the packet doesn't distinguish target cache (spec.md §6.1); a line
// not present is dropped per invariant I-H.
func (l *L1) RecvBroadcastInval(pkt flit.BroadcastInval) {
	l.ICache.CCReq(icache.CCRequest{Kind: icache.CCBroadcastInval, Nline: pkt.Nline})
	l.DCache.CCReq(dcache.CCRequest{Kind: dcache.CCBroadcastInval, Nline: pkt.Nline})
}

// BeginMultiUpdt records a MULTI_UPDT episode's header flit; RecvMultiUpdtWord
// applies each subsequent data flit and, on EOP, queues the owed MULTI_ACK.
func (l *L1) BeginMultiUpdt(hdr flit.MultiUpdt) {
	l.updtHeader = hdr
	l.updtWordPos = 0
	l.ccRecvState = CCRecvMultiUpdtBody
}

// RecvMultiUpdtWord applies one UPDT data word; eop must mirror the word's
// flit EOP bit (spec.md §6.1 "the last with EOP=1").
func (l *L1) RecvMultiUpdtWord(word flit.UpdtWord, eop bool) (needsAck bool) {
	wordIndex := l.updtHeader.WordIndex + l.updtWordPos
	be := []uint8{uint8(word.BE)}
	words := []uint32{word.WData}
	if l.updtHeader.IsInst {
		needsAck = l.ICache.CCReq(icache.CCRequest{
			Kind: icache.CCUpdt, Nline: l.updtHeader.Nline, UpdtIndex: l.updtHeader.UpdtIndex,
			WordIndex: wordIndex, Words: words, BE: be,
		})
	} else {
		needsAck = l.DCache.CCReq(dcache.CCRequest{
			Kind: dcache.CCUpdt, Nline: l.updtHeader.Nline, UpdtIndex: l.updtHeader.UpdtIndex,
			WordIndex: wordIndex, Words: words, BE: be,
		})
	}
	l.updtWordPos++
	if eop {
		l.ccRecvState = CCRecvIdle
		if needsAck {
			l.pendingAcks = append(l.pendingAcks, PendingAck{
				Dest:      uint16(l.updtHeader.SrcID),
				UpdtIndex: l.updtHeader.UpdtIndex,
			})
		}
	}
	return needsAck
}

// EnqueueCleanup registers a DCACHE victim cleanup from a miss-refill path;
// CC_SEND (DrainP2M) drains the pending-ack queue first and takes a cleanup
// only when no ack is pending, since a directory-side UPT wait closes sooner
// than a P2M eviction (spec.md §9).
func (l *L1) EnqueueCleanup(req dcache.CleanupReq) {
	l.pendingClnps = append(l.pendingClnps, PendingCleanup{Nline: req.Nline, WayIndex: req.WayIndex})
}

// EnqueueInstCleanup registers an ICACHE victim cleanup; mirrors
// EnqueueCleanup for the instruction side since icache.CleanupReq and
// dcache.CleanupReq are deliberately distinct, non-interchangeable types.
func (l *L1) EnqueueInstCleanup(req icache.CleanupReq) {
	l.pendingClnps = append(l.pendingClnps, PendingCleanup{Nline: req.Nline, WayIndex: req.WayIndex, IsInst: true})
}

// DrainP2M returns the next P2M payload to send this cycle, or ok=false if
// nothing is queued. The caller encodes it onto the wire with pkg/flit.
func (l *L1) DrainP2M() (ack *PendingAck, cleanup *PendingCleanup, ok bool) {
	if len(l.pendingAcks) > 0 {
		a := l.pendingAcks[0]
		l.pendingAcks = l.pendingAcks[1:]
		return &a, nil, true
	}
	if len(l.pendingClnps) > 0 {
		c := l.pendingClnps[0]
		l.pendingClnps = l.pendingClnps[1:]
		return nil, &c, true
	}
	return nil, nil, false
}

// RecvClack dispatches one CLACK to the named cache's ClackReq by way index
// (spec.md §4.6). ClackReq clears that cache's clack flag and changes no
// line state; the CLACK's set index is not used.
func (l *L1) RecvClack(pkt flit.Clack) {
	if pkt.IsInst {
		l.ICache.ClackReq(uint(pkt.WayIndex))
		return
	}
	l.DCache.ClackReq(uint(pkt.WayIndex))
}

// Step advances the LL/SC countdown once per cycle; call unconditionally
// regardless of FSM activity (spec.md §5 "suspension points: none").
func (l *L1) Step() {
	l.LLSC.Step()
}
