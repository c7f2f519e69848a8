// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package mesh implements the 2D mesh interconnect between tiles (spec.md
// §4.5): routers and crossboxes are named external interfaces per spec.md
// §1, and this package supplies the minimal functional packet-forwarding
// model SPEC_FULL.md calls for, built on pkg/network's X-first-then-Y
// Route/Hops primitives and per-channel FIFOs. Each of the five virtual
// channels is forwarded independently, one hop per cycle, so latency
// scales with pkg/network.Hops and channel ordering is preserved exactly
// as pkg/network.Queue guarantees.
package mesh

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/tilecoh/tilecoh/pkg/addr"
	"github.com/tilecoh/tilecoh/pkg/flit"
	"github.com/tilecoh/tilecoh/pkg/network"
	"github.com/tilecoh/tilecoh/pkg/tile"
)

// inFlight is one packet mid-route: its payload plus the tile it currently
// sits at, one hop closer to Dest every Step.
type inFlight struct {
	pkt tile.OutboundPacket
	cur addr.Tile
}

// Mesh routes OutboundPacket traffic between tiles across five
// independently-ordered virtual channels.
type Mesh struct {
	log   logr.Logger
	geo   addr.Geometry
	tiles map[addr.Tile]*tile.Tile

	channels [5]network.Queue[inFlight]
}

// New constructs a Mesh over the given tiles, keyed by coordinate.
func New(log logr.Logger, g addr.Geometry, tiles map[addr.Tile]*tile.Tile) *Mesh {
	return &Mesh{log: log.WithName("mesh"), geo: g, tiles: tiles}
}

// Step performs one mesh cycle: drain every tile's freshly-queued outbound
// traffic onto its channel, advance every in-flight packet one hop, and
// deliver anything that has arrived (spec.md §5 "per-component Step").
func (m *Mesh) Step(ctx context.Context) {
	for cur, t := range m.tiles {
		for {
			pkt, ok := t.DrainOutbound()
			if !ok {
				break
			}
			m.channels[pkt.Channel].Push(inFlight{pkt: pkt, cur: cur})
		}
	}

	for ch := range m.channels {
		q := &m.channels[ch]
		pending := q.Len()
		for i := 0; i < pending; i++ {
			item, ok := q.Pop()
			if !ok {
				break
			}
			next, arrived := network.Route(item.cur, item.pkt.Dest)
			if arrived {
				m.deliver(ctx, item.pkt)
				continue
			}
			item.cur = next
			q.Push(item)
		}
	}
}

// deliver dispatches one packet that has reached its destination tile to
// the matching L1/L2 handler.
func (m *Mesh) deliver(ctx context.Context, pkt tile.OutboundPacket) {
	dst, ok := m.tiles[pkt.Dest]
	if !ok {
		m.log.Error(nil, "packet addressed to unknown tile", "dest", pkt.Dest)
		return
	}
	switch {
	case pkt.CmdReq != nil:
		m.deliverCmd(ctx, dst, pkt)
	case pkt.RspResp != nil:
		dst.DeliverResponse(m.coreOf(pkt.RspDest), *pkt.RspResp)
	case pkt.MultiAck != nil:
		if _, err := dst.AckUpdate(uint32(pkt.MultiAck.UpdtIndex)); err != nil {
			m.log.Error(err, "MULTI_ACK for unallocated UPT entry", "idx", pkt.MultiAck.UpdtIndex)
		}
	case pkt.Cleanup != nil:
		sender := addr.CCID(pkt.Cleanup.SrcID)
		ack, err := dst.ServiceLocalCleanup(ctx, sender, pkt.Cleanup.Nline, pkt.Cleanup.WayIndex, pkt.Cleanup.IsInst)
		if err != nil {
			m.log.Error(err, "CLEANUP failed", "nline", pkt.Cleanup.Nline)
			return
		}
		dst.Enqueue(tile.OutboundPacket{
			Channel: network.ChannelClack,
			Dest:    m.geo.CCIDTile(ack.Sender),
			Clack: &flit.Clack{
				Dest:     uint64(ack.Sender),
				SetIndex: ack.SetIndex,
				WayIndex: ack.WayIndex,
				IsInst:   ack.IsInst,
			},
		})
	case pkt.Clack != nil:
		m.deliverClack(dst, *pkt.Clack)
	case pkt.MultiInval != nil:
		m.deliverMultiInval(dst, *pkt.MultiInval)
	case pkt.Broadcast != nil:
		m.deliverBroadcast(dst, *pkt.Broadcast)
	case pkt.MultiUpdt != nil:
		m.deliverMultiUpdt(dst, *pkt.MultiUpdt)
	}
}

// deliverCmd services a direct-network command at its home tile and queues
// the response to begin its journey back to the issuing tile next cycle
// (spec.md §6.2).
func (m *Mesh) deliverCmd(ctx context.Context, dst *tile.Tile, pkt tile.OutboundPacket) {
	resp, err := dst.ServiceDirectRequest(ctx, pkt.CmdReq)
	if err != nil {
		m.log.Error(err, "direct request failed", "cmd", pkt.CmdReq.Cmd, "address", pkt.CmdReq.Address)
		return
	}
	origin := m.geo.SrcIDTile(pkt.CmdReq.SrcID)
	dst.Enqueue(tile.OutboundPacket{
		Channel: network.ChannelDirectRsp,
		Dest:    origin,
		RspResp: resp,
		RspDest: addr.CCID(pkt.CmdReq.SrcID),
	})
}

// coreOf resolves the per-tile core index a CC_ID names, the inverse of
// Tile.CoreCCID.
func (m *Mesh) coreOf(ccid addr.CCID) int {
	return int(m.geo.ProcID(ccid))
}

func (m *Mesh) deliverClack(dst *tile.Tile, pkt flit.Clack) {
	dst.DeliverClack(m.coreOf(addr.CCID(pkt.Dest)), pkt)
}

func (m *Mesh) deliverMultiInval(dst *tile.Tile, pkt flit.MultiInval) {
	dst.DeliverMultiInval(m.coreOf(addr.CCID(pkt.Dest)), pkt)
}

func (m *Mesh) deliverBroadcast(dst *tile.Tile, pkt flit.BroadcastInval) {
	x, y := uint8(dst.ID().X), uint8(dst.ID().Y)
	if !pkt.Box.Contains(x, y) {
		return
	}
	dst.DeliverBroadcastInval(pkt)
}

// deliverMultiUpdt applies an entire reassembled MULTI_UPDT episode in one
// shot, since the mesh (unlike the real wire) already has every word flit
// by the time routing completes (spec.md §6.1 "one per updated word").
func (m *Mesh) deliverMultiUpdt(dst *tile.Tile, pkt flit.MultiUpdt) {
	core := m.coreOf(addr.CCID(pkt.Dest))
	dst.BeginMultiUpdt(core, pkt)
	for i, w := range pkt.Words {
		dst.DeliverMultiUpdtWord(core, w, i == len(pkt.Words)-1)
	}
}
