// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tile

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilecoh/tilecoh/pkg/addr"
	"github.com/tilecoh/tilecoh/pkg/config"
	"github.com/tilecoh/tilecoh/pkg/dcache"
	"github.com/tilecoh/tilecoh/pkg/extram"
)

func newTestTile(t *testing.T) *Tile {
	t.Helper()
	cfg := config.Default()
	cfg.L1SetBits, cfg.L1Ways = 2, 2
	cfg.L1TLBSetBits, cfg.L1TLBWays = 2, 2
	cfg.L2SetBits, cfg.L2Ways = 2, 2
	cfg.CoresPerTile = 2
	ram := extram.NewPort(logr.Discard(), extram.NewMapBackend(int(cfg.Geometry.WordsPerLine)), 1)
	return New(logr.Discard(), addr.Tile{X: 0, Y: 0}, cfg.Geometry, cfg, ram)
}

func TestLocalReportsOwnershipByAddress(t *testing.T) {
	tl := newTestTile(t)
	assert.True(t, tl.Local(0x0))
}

func TestServiceLocalReadFillsFromRAM(t *testing.T) {
	tl := newTestTile(t)
	cc := tl.geo.NewCCID(addr.Tile{X: 0, Y: 0}, 0)
	words, inval, err := tl.ServiceLocalRead(context.Background(), cc, tl.geo.NLine(0x0))
	require.NoError(t, err)
	assert.Nil(t, inval)
	assert.NotEmpty(t, words)
}

func TestStepDrainsCleanupOntoOutbound(t *testing.T) {
	tl := newTestTile(t)
	tl.Cores[0].EnqueueCleanup(dcache.CleanupReq{Nline: 3, WayIndex: 1})

	tl.Step()

	pkt, ok := tl.DrainOutbound()
	require.True(t, ok)
	require.NotNil(t, pkt.Cleanup)
	assert.Equal(t, uint64(3), pkt.Cleanup.Nline)
}

func TestLocalTLBFlushInvalidatesInstalledEntry(t *testing.T) {
	tl := newTestTile(t)
	d := tl.Cores[0].DCache

	_, hit := d.Translate(0x1000, false)
	require.False(t, hit)
	d.StepTLBMiss(nil, 0x2000, nil)
	d.StepTLBMiss(&dcache.PTE{PPN: 5, Writable: true}, 0x2000, nil)
	d.StepTLBMiss(nil, 0, nil)
	_, done := d.StepTLBMiss(nil, 0, nil)
	require.True(t, done)

	_, hit = d.Translate(0x1000, false)
	require.True(t, hit)

	tl.LocalTLBFlush()

	_, hit = d.Translate(0x1000, false)
	assert.False(t, hit)
}
