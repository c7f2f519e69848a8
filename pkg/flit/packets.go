// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package flit

// BoundingBox is the rectangular region a BROADCAST_INVAL replicates within
// (spec.md §4.5, §8 I-H).
type BoundingBox struct {
	XMin, XMax, YMin, YMax uint8
}

func (b BoundingBox) pack() uint64 {
	// 20 bits: XMIN|XMAX|YMIN|YMAX, 5 bits each.
	return (uint64(b.XMin)&0x1f)<<15 | (uint64(b.XMax)&0x1f)<<10 | (uint64(b.YMin)&0x1f)<<5 | (uint64(b.YMax) & 0x1f)
}

func unpackBox(v uint64) BoundingBox {
	return BoundingBox{
		XMin: uint8((v >> 15) & 0x1f),
		XMax: uint8((v >> 10) & 0x1f),
		YMin: uint8((v >> 5) & 0x1f),
		YMax: uint8(v & 0x1f),
	}
}

// Contains reports whether tile (x,y) lies within the box, inclusive.
func (b BoundingBox) Contains(x, y uint8) bool {
	return x >= b.XMin && x <= b.XMax && y >= b.YMin && y <= b.YMax
}

// Cleanup is the P2M CLEANUP packet (spec.md §3.8, §6.1): 2 flits.
type Cleanup struct {
	Dest     uint64 // global L2 id (10 bits)
	SrcID    uint64 // sending cache's CC_ID (14 bits)
	Nline    uint64 // line number (34 bits)
	WayIndex uint64 // victim way in the L1 (2 bits)
	IsInst   bool   // data vs instruction cleanup
}

// Pack encodes a Cleanup into its two P2M flits.
func (c Cleanup) Pack() []Flit {
	typ := uint64(TypeCleanupData)
	if c.IsInst {
		typ = TypeCleanupInst
	}
	var f1, f2 Flit
	Set(&f1, FieldCleanupDest, c.Dest)
	Set(&f1, FieldCleanupSrcID, c.SrcID)
	Set(&f1, FieldCleanupNlineMSB, c.Nline>>32)
	Set(&f1, FieldCleanupWayIndex, c.WayIndex)
	Set(&f1, FieldP2MType, typ)
	Set(&f2, FieldCleanupNlineLSB, c.Nline&0xffffffff)
	Set(&f2, FieldP2MEOP, 1)
	return []Flit{f1, f2}
}

// UnpackCleanup decodes a 2-flit Cleanup packet.
func UnpackCleanup(fs []Flit) Cleanup {
	f1, f2 := fs[0], fs[1]
	msb := Get(f1, FieldCleanupNlineMSB)
	lsb := Get(f2, FieldCleanupNlineLSB)
	return Cleanup{
		Dest:     Get(f1, FieldCleanupDest),
		SrcID:    Get(f1, FieldCleanupSrcID),
		Nline:    (msb << 32) | lsb,
		WayIndex: Get(f1, FieldCleanupWayIndex),
		IsInst:   Get(f1, FieldP2MType) == TypeCleanupInst,
	}
}

// MultiAck is the P2M MULTI_ACK packet: 1 flit.
type MultiAck struct {
	Dest      uint64
	UpdtIndex uint64
}

// Pack encodes a MultiAck into its single flit.
func (m MultiAck) Pack() Flit {
	var f Flit
	Set(&f, FieldMultiAckDest, m.Dest)
	Set(&f, FieldMultiAckUpdtIndex, m.UpdtIndex)
	Set(&f, FieldP2MType, TypeMultiAck)
	Set(&f, FieldP2MEOP, 1)
	return f
}

// UnpackMultiAck decodes a single-flit MultiAck packet.
func UnpackMultiAck(f Flit) MultiAck {
	return MultiAck{
		Dest:      Get(f, FieldMultiAckDest),
		UpdtIndex: Get(f, FieldMultiAckUpdtIndex),
	}
}

// MultiInval is the M2P MULTI_INVAL packet: 2 flits.
type MultiInval struct {
	Dest      uint64
	SrcID     uint64 // memory cache's identity (the sender)
	UpdtIndex uint64 // IVT entry index the target must ack by way of CLEANUP
	Nline     uint64
	IsInst    bool
}

// Pack encodes a MultiInval into its two M2P flits.
func (m MultiInval) Pack() []Flit {
	typ := uint64(TypeMultiInvalData)
	if m.IsInst {
		typ = TypeMultiInvalInst
	}
	var f1, f2 Flit
	Set(&f1, FieldMultiInvalDest, m.Dest)
	Set(&f1, FieldMultiInvalSrcID, m.SrcID)
	Set(&f1, FieldMultiInvalUpdtIndex, m.UpdtIndex)
	Set(&f1, FieldM2PType, typ)
	Set(&f2, FieldMultiInvalNline, m.Nline)
	Set(&f2, FieldM2PEOP, 1)
	return []Flit{f1, f2}
}

// UnpackMultiInval decodes a 2-flit MultiInval packet.
func UnpackMultiInval(fs []Flit) MultiInval {
	f1, f2 := fs[0], fs[1]
	return MultiInval{
		Dest:      Get(f1, FieldMultiInvalDest),
		SrcID:     Get(f1, FieldMultiInvalSrcID),
		UpdtIndex: Get(f1, FieldMultiInvalUpdtIndex),
		Nline:     Get(f2, FieldMultiInvalNline),
		IsInst:    Get(f1, FieldM2PType) == TypeMultiInvalInst,
	}
}

// MultiUpdt is the M2P MULTI_UPDT packet: 3+ flits, one per updated word.
type MultiUpdt struct {
	Dest      uint64
	SrcID     uint64
	UpdtIndex uint64
	WordIndex uint64 // index of the first updated word
	Nline     uint64
	IsInst    bool
	// Words holds one (BE, WDATA) pair per flit after the header flits;
	// len(Words) >= 1.
	Words []UpdtWord
}

// UpdtWord is a single updated word within a MultiUpdt packet.
type UpdtWord struct {
	BE    uint64 // 4-bit byte enable
	WData uint32
}

// Pack encodes a MultiUpdt into its flit sequence: header, nline, then one
// flit per word with EOP set only on the last.
func (m MultiUpdt) Pack() []Flit {
	typ := uint64(TypeMultiUpdtData)
	if m.IsInst {
		typ = TypeMultiUpdtInst
	}
	var f1, f2 Flit
	Set(&f1, FieldMultiUpdtDest, m.Dest)
	Set(&f1, FieldMultiUpdtSrcID, m.SrcID)
	Set(&f1, FieldMultiUpdtUpdtIndex, m.UpdtIndex)
	Set(&f1, FieldM2PType, typ)
	Set(&f2, FieldMultiUpdtWordIndex, m.WordIndex)
	Set(&f2, FieldMultiUpdtNline, m.Nline)

	out := make([]Flit, 2, 2+len(m.Words))
	out[0], out[1] = f1, f2
	for i, w := range m.Words {
		var fw Flit
		Set(&fw, FieldMultiUpdtBE, w.BE)
		Set(&fw, FieldMultiUpdtData, uint64(w.WData))
		if i == len(m.Words)-1 {
			Set(&fw, FieldM2PEOP, 1)
		}
		out = append(out, fw)
	}
	return out
}

// UnpackMultiUpdt decodes a MultiUpdt flit sequence.
func UnpackMultiUpdt(fs []Flit) MultiUpdt {
	f1, f2 := fs[0], fs[1]
	m := MultiUpdt{
		Dest:      Get(f1, FieldMultiUpdtDest),
		SrcID:     Get(f1, FieldMultiUpdtSrcID),
		UpdtIndex: Get(f1, FieldMultiUpdtUpdtIndex),
		IsInst:    Get(f1, FieldM2PType) == TypeMultiUpdtInst,
		WordIndex: Get(f2, FieldMultiUpdtWordIndex),
		Nline:     Get(f2, FieldMultiUpdtNline),
	}
	for _, fw := range fs[2:] {
		m.Words = append(m.Words, UpdtWord{
			BE:    Get(fw, FieldMultiUpdtBE),
			WData: uint32(Get(fw, FieldMultiUpdtData)),
		})
	}
	return m
}

// BroadcastInval is the M2P BROADCAST_INVAL packet: 2 flits, routed by
// bounding box rather than destination (spec.md §4.5, §8 I-H).
type BroadcastInval struct {
	Box    BoundingBox
	SrcID  uint64
	Nline  uint64
	IsInst bool
}

// Pack encodes a BroadcastInval into its two M2P flits.
func (b BroadcastInval) Pack() []Flit {
	var f1, f2 Flit
	Set(&f1, FieldBroadcastBox, b.Box.pack())
	Set(&f1, FieldBroadcastSrcID, b.SrcID)
	Set(&f1, FieldM2PBC, 1)
	Set(&f2, FieldBroadcastNline, b.Nline)
	Set(&f2, FieldM2PEOP, 1)
	return []Flit{f1, f2}
}

// UnpackBroadcastInval decodes a 2-flit BroadcastInval packet.
func UnpackBroadcastInval(fs []Flit) BroadcastInval {
	f1, f2 := fs[0], fs[1]
	return BroadcastInval{
		Box:   unpackBox(Get(f1, FieldBroadcastBox)),
		SrcID: Get(f1, FieldBroadcastSrcID),
		Nline: Get(f2, FieldBroadcastNline),
	}
}

// Clack is the single-flit CLACK packet (spec.md §3.8, §4.6): acknowledges
// a CLEANUP by naming the (way, set) slot the sender is allowed to reuse.
type Clack struct {
	Dest     uint64
	SetIndex uint64
	WayIndex uint64
	IsInst   bool
}

// Pack encodes a Clack into its single flit.
func (c Clack) Pack() Flit {
	typ := uint64(TypeClackData)
	if c.IsInst {
		typ = TypeClackInst
	}
	var f Flit
	Set(&f, FieldClackDest, c.Dest)
	Set(&f, FieldClackSet, c.SetIndex)
	Set(&f, FieldClackWay, c.WayIndex)
	Set(&f, FieldClackType, typ)
	// CLACK shares M2P's EOP/BC bit positions (both 40-bit flits).
	Set(&f, FieldM2PEOP, 1)
	return f
}

// UnpackClack decodes a single-flit Clack packet.
func UnpackClack(f Flit) Clack {
	return Clack{
		Dest:     Get(f, FieldClackDest),
		SetIndex: Get(f, FieldClackSet),
		WayIndex: Get(f, FieldClackWay),
		IsInst:   Get(f, FieldClackType) == TypeClackInst,
	}
}
