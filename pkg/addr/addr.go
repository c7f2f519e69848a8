// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package addr decomposes physical addresses and derives the tile/initiator
// identifiers used throughout the coherence engine: tile coordinates, the
// global SRCID (direct network) and the global CC_ID (coherence network).
//
// All decomposition is driven by a Geometry so that address width, mesh
// size, and line size are configuration knobs rather than compiled-in
// constants, matching spec.md §3.1.
package addr

import (
	"fmt"
	"math/bits"
)

// Geometry holds the bit-width parameters that decompose a physical address
// into tile coordinate, line number, and cache index/tag.
type Geometry struct {
	// AddrBits is the physical address width (spec.md §3.1 calls out 40 as
	// typical).
	AddrBits uint

	// XWidth, YWidth are the mesh coordinate widths. The high XWidth+YWidth
	// bits of a physical address select the destination tile.
	XWidth, YWidth uint

	// LWidth is the width of the local initiator id within a tile, used to
	// build the global SRCID and CC_ID.
	LWidth uint

	// WordsPerLine and BytesPerWord determine the line-number shift:
	// nline = paddr >> (log2(WordsPerLine) + log2(BytesPerWord)).
	WordsPerLine, BytesPerWord uint
}

// DefaultGeometry matches the "typical 40" address width called out in
// spec.md §3.1 with a 4x4 mesh and 16-word, 4-byte-word cache lines.
var DefaultGeometry = Geometry{
	AddrBits:     40,
	XWidth:       4,
	YWidth:       4,
	LWidth:       4,
	WordsPerLine: 16,
	BytesPerWord: 4,
}

// Validate reports whether the geometry is self-consistent: widths must fit
// within AddrBits and the line-size factors must be powers of two.
func (g Geometry) Validate() error {
	if g.XWidth+g.YWidth > g.AddrBits {
		return fmt.Errorf("addr: tile coordinate width %d+%d exceeds address width %d", g.XWidth, g.YWidth, g.AddrBits)
	}
	if bits.OnesCount(g.WordsPerLine) != 1 {
		return fmt.Errorf("addr: words per line %d is not a power of two", g.WordsPerLine)
	}
	if bits.OnesCount(g.BytesPerWord) != 1 {
		return fmt.Errorf("addr: bytes per word %d is not a power of two", g.BytesPerWord)
	}
	return nil
}

// offsetBits is the number of low address bits that index a word within a
// cache line, i.e. log2(WordsPerLine) + log2(BytesPerWord).
func (g Geometry) offsetBits() uint {
	return uint(bits.TrailingZeros(g.WordsPerLine)) + uint(bits.TrailingZeros(g.BytesPerWord))
}

// NLine returns the line number for a physical address: the address right
// shifted by log2(words_per_line)+log2(bytes_per_word), per spec.md §3.1.
func (g Geometry) NLine(paddr uint64) uint64 {
	return paddr >> g.offsetBits()
}

// LineAddr returns the base physical address of line number nline, the
// inverse of NLine.
func (g Geometry) LineAddr(nline uint64) uint64 {
	return nline << g.offsetBits()
}

// WordOffset returns the word index within the line addressed by paddr.
func (g Geometry) WordOffset(paddr uint64) uint {
	byteBits := uint(bits.TrailingZeros(g.BytesPerWord))
	mask := uint64(g.WordsPerLine - 1)
	return uint((paddr >> byteBits) & mask)
}

// Tile is a 2D mesh coordinate.
type Tile struct {
	X, Y uint32
}

// String renders the coordinate as "(x,y)".
func (t Tile) String() string {
	return fmt.Sprintf("(%d,%d)", t.X, t.Y)
}

// TileOf extracts the destination tile coordinate from the high bits of a
// physical address, per spec.md §3.1 and §6.3 (memory-map conventions: the
// high x_width+y_width bits select the destination tile).
func (g Geometry) TileOf(paddr uint64) Tile {
	shift := g.AddrBits - g.XWidth - g.YWidth
	sel := paddr >> shift
	yMask := uint64(1)<<g.YWidth - 1
	xMask := uint64(1)<<g.XWidth - 1
	y := sel & yMask
	x := (sel >> g.YWidth) & xMask
	return Tile{X: uint32(x), Y: uint32(y)}
}

// Index packs a tile coordinate into a single integer in the same bit
// layout TileOf extracts it from: (x << y_width) | y.
func (g Geometry) Index(t Tile) uint32 {
	return (t.X << g.YWidth) | t.Y
}

// SrcID is the global initiator identity on the direct network:
// (tile << l_width) | local_id, per spec.md §3.1.
type SrcID uint32

// NewSrcID packs a tile coordinate and local initiator id into a SrcID.
func (g Geometry) NewSrcID(t Tile, localID uint32) SrcID {
	return SrcID((g.Index(t) << g.LWidth) | localID)
}

// SrcIDTile unpacks the tile coordinate encoded in a SrcID.
func (g Geometry) SrcIDTile(id SrcID) Tile {
	tileIdx := uint32(id) >> g.LWidth
	yMask := uint32(1)<<g.YWidth - 1
	y := tileIdx & yMask
	x := tileIdx >> g.YWidth
	return Tile{X: x, Y: y}
}

// LocalID unpacks the local initiator id encoded in a SrcID.
func (g Geometry) LocalID(id SrcID) uint32 {
	mask := uint32(1)<<g.LWidth - 1
	return uint32(id) & mask
}

// CCID is the global cache identity on the coherence network:
// (tile << l_width) | proc_id, per spec.md §3.1. It shares SrcID's bit
// layout but is a distinct type since the two id spaces are not
// interchangeable (a coherence CC_ID names a cache, a direct SRCID names
// any initiator including non-caching masters).
type CCID uint32

// NewCCID packs a tile coordinate and per-tile processor id into a CCID.
func (g Geometry) NewCCID(t Tile, procID uint32) CCID {
	return CCID((g.Index(t) << g.LWidth) | procID)
}

// CCIDTile unpacks the tile coordinate encoded in a CCID.
func (g Geometry) CCIDTile(id CCID) Tile {
	return g.SrcIDTile(SrcID(id))
}

// ProcID unpacks the per-tile processor id encoded in a CCID.
func (g Geometry) ProcID(id CCID) uint32 {
	return g.LocalID(SrcID(id))
}
