// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package icache implements the L1 instruction-cache FSM (spec.md §4.1):
// fetch service, miss refill, XTN maintenance dispatch, and coherence
// request handling (INVAL/UPDT/CLACK/BROADCAST) on instruction lines.
package icache

import (
	"github.com/go-logr/logr"

	"github.com/tilecoh/tilecoh/pkg/addr"
	"github.com/tilecoh/tilecoh/pkg/cachesim"
	"github.com/tilecoh/tilecoh/pkg/direct"
)

// LineState is an L1 line's coherence state (spec.md §3.2).
type LineState int

const (
	LineEmpty LineState = iota
	LineValid
	LineZombi
)

// Line is one I-cache line's payload.
type Line struct {
	Words []uint32
	State LineState
}

// State is the ICACHE FSM's principal state (spec.md §4.1).
type State int

const (
	StateIdle State = iota
	StateTLBWait
	StateMissSelect
	StateMissClean
	StateMissWait
	StateMissDataUpdt
	StateMissDirUpdt
	StateUncWait
	StateCCCheck
	StateCCInval
	StateCCUpdt
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateTLBWait:
		return "TLB_WAIT"
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
	case StateCCCheck:
		return "CC_CHECK"
	case StateCCInval:
		return "CC_INVAL"
	case StateCCUpdt:
		return "CC_UPDT"
	default:
		return "UNKNOWN"
	}
}

// FetchResult is the outcome of one Fetch call.
type FetchResult struct {
	Word  uint32
	Error bool
	Stall bool
}

// CCRequest is one coherence op delivered to the ICACHE by the coherence
// receive FSM (spec.md §4.1 port (c)).
type CCRequest struct {
	Kind  CCKind
	Nline uint64
	// UpdtIndex/Words are set for CCUpdt; required for the P2M MULTI_ACK.
	UpdtIndex uint64
	Words     []uint32
	WordIndex uint64
	BE        []uint8
}

// CCKind distinguishes an incoming coherence op.
type CCKind int

const (
	CCInval CCKind = iota
	CCUpdt
	CCBroadcastInval
)

// CleanupReq is emitted on the P2M channel when the ICACHE evicts or
// re-evicts a victim line.
type CleanupReq struct {
	Nline    uint64
	WayIndex uint64
}

// ICache is the L1 instruction-cache FSM.
type ICache struct {
	log   logr.Logger
	geom  addr.Geometry
	cache *cachesim.Cache[Line]
	state State

	// miss tracking
	missNline    uint64
	missWay      uint
	missInval    bool // armed when a CC op races the pending miss (spec.md §4.1)
	cleanupWay   uint
	clackFlag    bool // true while a cleanup for this slot is unacknowledged
	bufferedClnp *CleanupReq

	pendingWords []uint32

	// single-word uncached response buffer
	uncPending bool
}

// New constructs an ICache over the given geometry.
func New(log logr.Logger, g addr.Geometry, geo cachesim.Geometry) *ICache {
	return &ICache{
		log:   log.WithName("icache"),
		geom:  g,
		cache: cachesim.New[Line](geo),
		state: StateIdle,
	}
}

// State returns the FSM's current principal state.
func (c *ICache) State() State { return c.state }

// Fetch services one CPU instruction fetch. On a cache miss it arms the
// miss path and returns Stall=true; the caller must keep calling Fetch
// (or Step, depending on integration) until the miss resolves.
func (c *ICache) Fetch(paddr uint64) FetchResult {
	if c.state != StateIdle {
		return FetchResult{Stall: true}
	}
	nline := c.geom.NLine(paddr)
	way, line, hit := c.cache.Lookup(nline)
	if hit && line.Data.State == LineValid {
		off := c.geom.WordOffset(paddr)
		return FetchResult{Word: line.Data.Words[off]}
	}
	// miss: begin the refill path
	c.missNline = nline
	c.missWay = way
	c.state = StateMissSelect
	return FetchResult{Stall: true}
}

// StepMiss advances the miss path by one cycle given the current refill
// response (nil if none arrived this cycle). It returns a non-nil Request
// when the FSM wants to issue a new direct-network command this cycle, and
// a non-nil CleanupReq when a P2M CLEANUP should be sent.
func (c *ICache) StepMiss(refill *direct.Response) (req *direct.Request, cleanup *CleanupReq) {
	switch c.state {
	case StateMissSelect:
		way := c.cache.Victim(c.missNline)
		victim := c.cache.At(c.missNline, way)
		c.missWay = way
		if victim.Valid && victim.Data.State != LineEmpty {
			c.state = StateMissClean
			c.cleanupWay = way
			return nil, &CleanupReq{Nline: victim.Tag, WayIndex: uint64(way)}
		}
		c.state = StateMissWait
		return &direct.Request{Cmd: direct.PktReadInsMiss, Address: c.missNline}, nil
	case StateMissClean:
		// cleanup issued: arm the clack flag and send the refill request in
		// parallel. The victim slot is not marked ZOMBI; it keeps its state
		// until MISS_DIR_UPDT overwrites it with the refilled line.
		c.clackFlag = true
		c.state = StateMissWait
		return &direct.Request{Cmd: direct.PktReadInsMiss, Address: c.missNline}, nil
	case StateMissWait:
		if refill == nil {
			return nil, nil
		}
		if refill.RError {
			c.state = StateIdle
			return nil, nil
		}
		c.state = StateMissDataUpdt
		c.pendingWords = refill.RData
		return nil, nil
	case StateMissDataUpdt:
		c.state = StateMissDirUpdt
		return nil, nil
	case StateMissDirUpdt:
		if c.missInval {
			// raced with an incoming INVAL/UPDT: install as ZOMBI and
			// re-cleanup instead of completing the miss as VALID
			// (spec.md §4.1 "Race resolution").
			c.cache.Set(c.missNline, c.missWay, Line{Words: c.pendingWords, State: LineZombi})
			c.missInval = false
			c.state = StateMissSelect
			return nil, &CleanupReq{Nline: c.missNline, WayIndex: uint64(c.missWay)}
		}
		c.cache.Set(c.missNline, c.missWay, Line{Words: c.pendingWords, State: LineValid})
		c.state = StateIdle
		return nil, nil
	}
	return nil, nil
}

// CCReq handles one incoming coherence request (spec.md §4.1 port (c)).
// It returns a MULTI_ACK-needed flag (for CCUpdt) since that response goes
// out on P2M via the CC_SEND FSM, owned by pkg/l1.
func (c *ICache) CCReq(req CCRequest) (needsAck bool) {
	// A line being refilled by a pending miss isn't resident yet, so it
	// never hits the lookup below; check the race against the in-flight
	// miss first (spec.md §4.1 "Race resolution").
	if (req.Kind == CCInval || req.Kind == CCBroadcastInval) &&
		c.state != StateIdle && c.missNline == req.Nline {
		c.missInval = true
		return false
	}

	way, line, hit := c.cache.Lookup(req.Nline)
	if !hit {
		return false // line not present: drop, matches I-H for broadcasts
	}
	if line.Data.State == LineEmpty {
		return false
	}
	switch req.Kind {
	case CCInval, CCBroadcastInval:
		c.cache.Invalidate(req.Nline, way)
		return false
	case CCUpdt:
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
		c.cache.Set(req.Nline, way, Line{Words: words, State: LineValid})
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

// ClackReq records a CLACK for a cleanup issued from way (spec.md §4.6) by
// clearing the clack flag. It changes no line state: the slot is not
// looked up, so a ZOMBI line stays ZOMBI, and since the miss path never
// waits on the flag, MISS_DIR_UPDT proceeds whether or not the CLACK has
// arrived.
func (c *ICache) ClackReq(way uint) {
	c.clackFlag = false
	if c.state != StateIdle && way == c.missWay {
		// nothing else to do: StepMiss drives MISS_WAIT independent of
		// the clack in this simplified
		// single-buffered-cleanup model (spec.md §9 Open Question: at
		// most one buffered cleanup).
		return
	}
}
