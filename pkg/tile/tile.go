// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tile assembles one mesh tile: its CPU cores' L1 wrappers and its
// L2 memory cache, wired together through the per-channel queues pkg/mesh
// routes between tiles (spec.md §5 "one tile = N cores + one L2 bank").
package tile

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/tilecoh/tilecoh/pkg/addr"
	"github.com/tilecoh/tilecoh/pkg/cachesim"
	"github.com/tilecoh/tilecoh/pkg/config"
	"github.com/tilecoh/tilecoh/pkg/direct"
	"github.com/tilecoh/tilecoh/pkg/extram"
	"github.com/tilecoh/tilecoh/pkg/flit"
	"github.com/tilecoh/tilecoh/pkg/l1"
	"github.com/tilecoh/tilecoh/pkg/memcache"
	"github.com/tilecoh/tilecoh/pkg/network"
	"github.com/tilecoh/tilecoh/pkg/trace"
)

// OutboundPacket is one payload a tile wants the mesh to carry to another
// tile, tagged with the virtual channel it travels on (spec.md §4.5: the
// five channels are independently ordered and must not be merged into one
// queue).
type OutboundPacket struct {
	Channel        network.Channel
	Dest           addr.Tile
	CmdReq         *direct.Request
	RspResp        *direct.Response
	RspDest        addr.CCID // the requesting core's CCID, for routing the response home
	MultiUpdt      *flit.MultiUpdt
	MultiUpdtWords []flit.UpdtWord
	MultiInval     *flit.MultiInval
	Broadcast      *flit.BroadcastInval
	MultiAck       *flit.MultiAck
	Cleanup        *flit.Cleanup
	Clack          *flit.Clack
}

// Tile is one mesh tile's private state: its cores' L1 wrappers, its L2
// bank, and the inbound/outbound packet queues the mesh drains and fills.
type Tile struct {
	log logr.Logger
	id  addr.Tile
	geo addr.Geometry

	Cores []*l1.L1
	L2    *memcache.MemCache

	outbound network.Queue[OutboundPacket]
	inbox    []network.Queue[direct.Response]

	cycle uint64
	trc   *trace.Store
}

// SetTrace attaches a trace store; subsequent coherence events (CLEANUP,
// CLACK, MULTI_UPDT begin, MULTI_ACK, LL/SC outcome) are recorded against
// it for pkg/verify's postmortem invariant checks. Passing nil disables
// recording.
func (t *Tile) SetTrace(s *trace.Store) { t.trc = s }

func (t *Tile) record(r trace.Record) {
	if t.trc == nil {
		return
	}
	r.Tile = t.id
	r.Cycle = t.cycle
	if err := t.trc.Append(r); err != nil {
		t.log.Error(err, "failed to append trace record")
	}
}

// New constructs one tile at coordinate id with coresPerTile L1 wrappers
// and one L2 bank backed by ram.
func New(log logr.Logger, id addr.Tile, g addr.Geometry, cfg config.Config, ram *extram.Port) *Tile {
	l1Geo := cachesim.Geometry{SetBits: cfg.L1SetBits, Ways: cfg.L1Ways}
	tlbGeo := cachesim.Geometry{SetBits: cfg.L1TLBSetBits, Ways: cfg.L1TLBWays}
	l2Geo := cachesim.Geometry{SetBits: cfg.L2SetBits, Ways: cfg.L2Ways}

	t := &Tile{
		log:   log.WithName("tile").WithValues("tile", id.String()),
		id:    id,
		geo:   g,
		Cores: make([]*l1.L1, cfg.CoresPerTile),
		L2: memcache.New(log, g, l2Geo, cfg.SharerHeapCapacity, cfg.TRTSize, cfg.UPTSize, cfg.IVTSize,
			ram, cfg.BroadcastThreshold),
	}
	for i := range t.Cores {
		t.Cores[i] = l1.New(log, g, l1Geo, tlbGeo, cfg.WriteBufferLines, cfg.LLSCTimeoutCycles)
	}
	t.inbox = make([]network.Queue[direct.Response], cfg.CoresPerTile)
	return t
}

// ID returns the tile's mesh coordinate.
func (t *Tile) ID() addr.Tile { return t.id }

// CoreCCID returns the global coherence identity of the named core, the
// CC_ID every CLEANUP/LL/SC/CAS it issues is tagged with (spec.md §3.1).
func (t *Tile) CoreCCID(core int) addr.CCID {
	return t.geo.NewCCID(t.id, uint32(core))
}

// Local reports whether paddr's home tile is this one (spec.md §6.3
// memory-map convention: the high bits of a physical address select the
// destination tile).
func (t *Tile) Local(paddr uint64) bool {
	return t.geo.TileOf(paddr) == t.id
}

// ServiceLocalRead handles a read-miss direct.Request whose home tile is
// this one, issued by coreCC (the originating L1's CCID). It talks to the
// local L2 directly; the caller is responsible for crossing the mesh first
// if the request didn't originate here.
func (t *Tile) ServiceLocalRead(ctx context.Context, coreCC addr.CCID, nline uint64) ([]uint32, *memcache.Invalidation, error) {
	return t.L2.Read(ctx, coreCC, nline)
}

// ServiceLocalWrite handles a cacheable write whose home tile is this one.
func (t *Tile) ServiceLocalWrite(writer addr.CCID, nline, wordIndex uint64, be uint8, data uint32) (*memcache.Invalidation, error) {
	return t.L2.Write(writer, nline, wordIndex, be, data)
}

// ServiceDirectRequest handles a direct-network command whose home tile is
// this one, translating the VCI-style Request fields into the matching L2
// operation (spec.md §6.2). LL responses carry the L2's generation counter
// in RData[1] (dcache.LL's contract); SC/CAS commands carry
// {key-or-expected, new} in WData[0]/WData[1], the same convention as CAS.
func (t *Tile) ServiceDirectRequest(ctx context.Context, req *direct.Request) (*direct.Response, error) {
	nline := t.geo.NLine(req.Address)
	requester := addr.CCID(req.SrcID)
	resp := direct.Response{RSrcID: req.SrcID, RTRDID: req.TRDID, RPktID: req.PktID, REOP: true}

	switch req.Cmd {
	case direct.PktReadDataMiss, direct.PktReadDataUnc, direct.PktReadInsMiss, direct.PktReadInsUnc:
		words, inval, err := t.L2.Read(ctx, requester, nline)
		if err != nil {
			return nil, err
		}
		resp.RData = words
		t.queueInvalidation(inval)
	case direct.PktWrite:
		off := uint64(t.geo.WordOffset(req.Address))
		for i, w := range req.WData {
			be := uint8(0xF)
			if i < len(req.BE) {
				be = req.BE[i]
			}
			inval, err := t.L2.Write(requester, nline, off+uint64(i), be, w)
			if err != nil {
				return nil, err
			}
			t.queueInvalidation(inval)
		}
	case direct.PktCAS:
		off := uint64(t.geo.WordOffset(req.Address))
		old, ok := t.L2.CAS(nline, off, req.WData[0], req.WData[1])
		resp.RData = []uint32{old}
		resp.RError = !ok
	case direct.PktLL:
		words, generation, ok := t.L2.LL(nline)
		resp.RError = !ok
		if ok {
			resp.RData = []uint32{words[t.geo.WordOffset(req.Address)], uint32(generation)}
		}
	case direct.PktSC:
		off := uint64(t.geo.WordOffset(req.Address))
		ok := t.L2.SC(nline, uint64(req.WData[0]), off, req.WData[1])
		resp.RError = !ok
		t.record(trace.Record{Kind: trace.KindLLSCOutcome, Nline: nline, Source: requester, Success: ok})
	default:
		return nil, fmt.Errorf("tile: unsupported direct command %d", req.Cmd)
	}
	return &resp, nil
}

// queueInvalidation encodes one M2P episode the L2 owes its sharers onto
// the mesh (spec.md §4.4 "Broadcast vs multicast policy"). The directory
// doesn't distinguish instruction from data sharers, so every episode
// targets the data cache (IsInst false); an instruction-only sharer drops
// the line on its own next access per invariant I-H.
func (t *Tile) queueInvalidation(inval *memcache.Invalidation) {
	if inval == nil {
		return
	}
	l2 := uint64(t.geo.NewSrcID(t.id, 0)) // the L2's own identity as M2P sender

	if inval.Broadcast {
		// one copy per tile inside the box, standing in for the routers'
		// in-box replication.
		for x := int(inval.Box.XMin); x <= int(inval.Box.XMax); x++ {
			for y := int(inval.Box.YMin); y <= int(inval.Box.YMax); y++ {
				t.outbound.Push(OutboundPacket{
					Channel: network.ChannelM2P,
					Dest:    addr.Tile{X: uint32(x), Y: uint32(y)},
					Broadcast: &flit.BroadcastInval{
						Box: flit.BoundingBox{
							XMin: inval.Box.XMin, XMax: inval.Box.XMax,
							YMin: inval.Box.YMin, YMax: inval.Box.YMax,
						},
						SrcID: l2,
						Nline: inval.Nline,
					},
				})
			}
		}
		t.record(trace.Record{Kind: trace.KindBroadcast, Nline: inval.Nline})
		return
	}

	if inval.IsUpdt && len(inval.Targets) > 0 {
		t.record(trace.Record{Kind: trace.KindUpdtBegin, Nline: inval.Nline, TableIdx: inval.TableIdx, ExpectAck: uint32(len(inval.Targets))})
	}
	for _, target := range inval.Targets {
		dest := t.geo.CCIDTile(target)
		if inval.IsUpdt {
			t.outbound.Push(OutboundPacket{
				Channel: network.ChannelM2P,
				Dest:    dest,
				MultiUpdt: &flit.MultiUpdt{
					Dest:      uint64(target),
					SrcID:     l2,
					UpdtIndex: uint64(inval.TableIdx),
					WordIndex: inval.WordIndex,
					Nline:     inval.Nline,
					Words:     []flit.UpdtWord{{BE: uint64(inval.BE), WData: inval.Data}},
				},
			})
			continue
		}
		t.outbound.Push(OutboundPacket{
			Channel: network.ChannelM2P,
			Dest:    dest,
			MultiInval: &flit.MultiInval{
				Dest:      uint64(target),
				SrcID:     l2,
				UpdtIndex: uint64(inval.TableIdx),
				Nline:     inval.Nline,
			},
		})
	}
}

// DeliverResponse queues an arrived direct-network response for the named
// core; pkg/sim's per-core driver polls DrainResponse once per cycle.
func (t *Tile) DeliverResponse(core int, resp direct.Response) {
	t.inbox[core].Push(resp)
}

// DrainResponse returns the next direct-network response addressed to the
// named core, or ok=false if none has arrived yet.
func (t *Tile) DrainResponse(core int) (direct.Response, bool) {
	return t.inbox[core].Pop()
}

// ServiceLocalCleanup handles a CLEANUP whose home tile is this one,
// returning the CLACK descriptor the caller must route back to sender
// (spec.md §4.4, invariant I-C).
func (t *Tile) ServiceLocalCleanup(ctx context.Context, sender addr.CCID, nline, wayIndex uint64, isInst bool) (*memcache.CleanupAck, error) {
	return t.L2.Cleanup(ctx, sender, nline, wayIndex, isInst)
}

// Enqueue stages an outbound packet for the mesh to drain this cycle.
func (t *Tile) Enqueue(pkt OutboundPacket) {
	t.outbound.Push(pkt)
}

// DrainOutbound returns the next packet destined for the mesh, or
// ok=false if this tile has nothing queued this cycle.
func (t *Tile) DrainOutbound() (OutboundPacket, bool) {
	return t.outbound.Pop()
}

// Step advances every local FSM by one cycle: each core's LL/SC countdown,
// and draining each core's P2M queue (acks/cleanups) onto the mesh.
// pkg/sim calls this once per tile per cycle, after delivering any
// responses/coherence requests that arrived this cycle (spec.md §5
// "per-component Step, synchronous architecture").
func (t *Tile) Step() {
	defer func() { t.cycle++ }()
	for i, core := range t.Cores {
		core.Step()
		if ack, cleanup, ok := core.DrainP2M(); ok {
			switch {
			case ack != nil:
				// the L2 owning the acked line lives wherever its address
				// maps to, which ack.Dest (the L2's SrcID) already names.
				t.outbound.Push(OutboundPacket{
					Channel:  network.ChannelP2M,
					Dest:     t.geo.SrcIDTile(addr.SrcID(ack.Dest)),
					MultiAck: &flit.MultiAck{Dest: uint64(ack.Dest), UpdtIndex: ack.UpdtIndex},
				})
			case cleanup != nil:
				dest := t.geo.TileOf(t.geo.LineAddr(cleanup.Nline))
				t.outbound.Push(OutboundPacket{
					Channel: network.ChannelP2M,
					Dest:    dest,
					Cleanup: &flit.Cleanup{
						SrcID:    uint64(t.CoreCCID(i)),
						Nline:    cleanup.Nline,
						WayIndex: cleanup.WayIndex,
						IsInst:   cleanup.IsInst,
					},
				})
				t.record(trace.Record{Kind: trace.KindCleanupSent, Nline: cleanup.Nline, Source: t.CoreCCID(i)})
			}
		}
	}
}

// DeliverMultiInval routes an incoming MULTI_INVAL to the named core.
func (t *Tile) DeliverMultiInval(core int, pkt flit.MultiInval) {
	t.Cores[core].RecvMultiInval(pkt)
}

// DeliverBroadcastInval routes an incoming BROADCAST_INVAL to every core in
// this tile whose coordinates fall in the packet's bounding box (the mesh
// layer is expected to have already confirmed this tile is in-box before
// calling; dcache/icache themselves drop lines they don't hold, invariant
// I-H).
func (t *Tile) DeliverBroadcastInval(pkt flit.BroadcastInval) {
	for _, core := range t.Cores {
		core.RecvBroadcastInval(pkt)
	}
}

// BeginMultiUpdt routes an incoming MULTI_UPDT header to the named core.
func (t *Tile) BeginMultiUpdt(core int, hdr flit.MultiUpdt) {
	t.Cores[core].BeginMultiUpdt(hdr)
}

// DeliverMultiUpdtWord applies one MULTI_UPDT data word at the named core.
func (t *Tile) DeliverMultiUpdtWord(core int, word flit.UpdtWord, eop bool) (needsAck bool) {
	return t.Cores[core].RecvMultiUpdtWord(word, eop)
}

// DeliverClack routes an incoming CLACK to the named core.
func (t *Tile) DeliverClack(core int, pkt flit.Clack) {
	t.Cores[core].RecvClack(pkt)
	t.record(trace.Record{Kind: trace.KindClackRecv, TableIdx: uint32(pkt.WayIndex), Source: addr.CCID(pkt.Dest)})
}

// AckUpdate forwards a MULTI_ACK arriving at this tile's L2 to the
// directory's UPT.
func (t *Tile) AckUpdate(idx uint32) (complete bool, err error) {
	complete, err = t.L2.AckUpdate(idx)
	if err == nil {
		t.record(trace.Record{Kind: trace.KindAckRecv, TableIdx: idx, Success: complete})
	}
	return complete, err
}

// DrainRetry surfaces the next external-RAM transaction the L2 wants to
// retry this cycle.
func (t *Tile) DrainRetry() (nline uint64, ok bool) {
	return t.L2.DrainRetry()
}

// LocalTLBFlush flushes every core's TLBs (XTN opcode SWITCH, spec.md
// §4.2).
func (t *Tile) LocalTLBFlush() {
	for _, core := range t.Cores {
		core.DCache.FlushTLBs()
	}
}
