// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package addr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeometryValidate(t *testing.T) {
	g := DefaultGeometry
	require.NoError(t, g.Validate())

	bad := g
	bad.WordsPerLine = 3
	assert.Error(t, bad.Validate())

	bad = g
	bad.XWidth = 40
	assert.Error(t, bad.Validate())
}

func TestNLineAndWordOffset(t *testing.T) {
	g := DefaultGeometry // 16 words/line, 4 bytes/word -> 6 offset bits

	paddr := uint64(0x00_0010_0040)
	assert.Equal(t, paddr>>6, g.NLine(paddr))
	assert.Equal(t, uint(0), g.WordOffset(paddr))
}

func TestWordOffsetWraps(t *testing.T) {
	g := DefaultGeometry
	// word 3 within a line: byte offset 12
	assert.Equal(t, uint(3), g.WordOffset(0xC))
	// wraps back to word 0 at the next line
	assert.Equal(t, uint(0), g.WordOffset(0x40))
}

func TestTileRoundTrip(t *testing.T) {
	g := DefaultGeometry
	tile := Tile{X: 5, Y: 9}
	shift := g.AddrBits - g.XWidth - g.YWidth
	paddr := (uint64(g.Index(tile)) << shift)
	got := g.TileOf(paddr)
	assert.Equal(t, tile, got)
}

func TestSrcIDRoundTrip(t *testing.T) {
	g := DefaultGeometry
	tile := Tile{X: 3, Y: 2}
	id := g.NewSrcID(tile, 7)
	assert.Equal(t, tile, g.SrcIDTile(id))
	assert.Equal(t, uint32(7), g.LocalID(id))
}

func TestCCIDRoundTrip(t *testing.T) {
	g := DefaultGeometry
	tile := Tile{X: 1, Y: 1}
	id := g.NewCCID(tile, 2)
	assert.Equal(t, tile, g.CCIDTile(id))
	assert.Equal(t, uint32(2), g.ProcID(id))
}
