// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package dcache

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilecoh/tilecoh/pkg/addr"
	"github.com/tilecoh/tilecoh/pkg/cachesim"
	"github.com/tilecoh/tilecoh/pkg/direct"
	"github.com/tilecoh/tilecoh/pkg/llsc"
	"github.com/tilecoh/tilecoh/pkg/wbuf"
)

func newTestDCache() *DCache {
	g := addr.DefaultGeometry
	wb := wbuf.New(logr.Discard(), 4, 16, 4)
	res := llsc.New(0)
	return New(logr.Discard(), g, cachesim.Geometry{SetBits: 2, Ways: 2, OffsetBits: 0}, cachesim.Geometry{SetBits: 2, Ways: 2, OffsetBits: 0}, wb, res, nil)
}

func driveMiss(t *testing.T, d *DCache, words []uint32) {
	t.Helper()
	req, cleanup := d.StepMiss(nil)
	require.Nil(t, cleanup)
	require.NotNil(t, req)
	assert.Equal(t, StateMissWait, d.State())

	req, cleanup = d.StepMiss(nil)
	assert.Nil(t, req)
	assert.Nil(t, cleanup)

	d.StepMiss(&direct.Response{RData: words})
	assert.Equal(t, StateMissDataUpdt, d.State())

	d.StepMiss(nil)
	assert.Equal(t, StateMissDirUpdt, d.State())

	d.StepMiss(nil)
	assert.Equal(t, StateIdle, d.State())
}

func TestLoadMissThenHit(t *testing.T) {
	d := newTestDCache()
	_, stall := d.Load(0x40)
	assert.True(t, stall)
	assert.Equal(t, StateMissSelect, d.State())

	words := make([]uint32, 16)
	words[0] = 0x1234
	driveMiss(t, d, words)

	word, stall := d.Load(0x40)
	assert.False(t, stall)
	assert.Equal(t, uint32(0x1234), word)
}

func TestStoreMergesIntoWriteBufferAndUpdatesLine(t *testing.T) {
	d := newTestDCache()
	nline := d.geom.NLine(0x0)
	d.cache.Set(nline, 0, Line{Words: make([]uint32, 16), State: LineValid})

	stall, err := d.Store(0x0, 0x1, 0xAB)
	require.NoError(t, err)
	assert.False(t, stall)

	word, _ := d.Load(0x0)
	assert.Equal(t, uint32(0xAB), word&0xff)

	idx, ok := d.wbuf.NextToDrain()
	require.True(t, ok)
	assert.Equal(t, uint64(0), d.wbuf.Lines()[idx].Paddr)
}

func TestStoreOnCleanPTEDrivesDirtyGetPTEThenCAS(t *testing.T) {
	d := newTestDCache()
	nline := d.geom.NLine(0x0)
	d.cache.Set(nline, 0, Line{Words: make([]uint32, 16), State: LineValid})
	d.dtlb.Set(nline, 0, TLBEntry{VPN: nline, PTE: PTE{Writable: true}, PTEAddr: 0x8000})

	stall, err := d.Store(0x0, 0x1, 0xAB)
	require.NoError(t, err)
	assert.True(t, stall)
	assert.Equal(t, StateDirtyGetPTE, d.State())

	req, done := d.StepDirty(nil)
	require.NotNil(t, req)
	assert.Equal(t, direct.PktReadDataMiss, req.Cmd)
	assert.Equal(t, uint64(0x8000), req.Address)
	assert.False(t, done)
	assert.Equal(t, StateDirtyWait, d.State())

	cleanWord := EncodePTE(PTE{Writable: true})
	req, done = d.StepDirty(&direct.Response{RData: []uint32{cleanWord}})
	require.NotNil(t, req)
	assert.Equal(t, direct.PktCAS, req.Cmd)
	assert.Equal(t, cleanWord, req.WData[0])
	assert.Equal(t, cleanWord|pteDirtyBit, req.WData[1])
	assert.False(t, done)

	req, done = d.StepDirty(&direct.Response{RData: []uint32{cleanWord}})
	assert.Nil(t, req)
	assert.True(t, done)
	assert.Equal(t, StateIdle, d.State())

	_, line, hit := d.dtlb.Lookup(nline)
	require.True(t, hit)
	assert.True(t, line.Data.PTE.Dirty)

	stall, err = d.Store(0x0, 0x1, 0xAB)
	require.NoError(t, err)
	assert.False(t, stall)

	word, _ := d.Load(0x0)
	assert.Equal(t, uint32(0xAB), word&0xff)
}

func TestStoreSkipsDirtySubFSMWhenPTEAlreadyDirty(t *testing.T) {
	d := newTestDCache()
	nline := d.geom.NLine(0x0)
	d.cache.Set(nline, 0, Line{Words: make([]uint32, 16), State: LineValid})
	d.dtlb.Set(nline, 0, TLBEntry{VPN: nline, PTE: PTE{Writable: true, Dirty: true}, PTEAddr: 0x8000})

	stall, err := d.Store(0x0, 0x1, 0xCD)
	require.NoError(t, err)
	assert.False(t, stall)
	assert.Equal(t, StateIdle, d.State())
}

func TestLLThenSCSucceeds(t *testing.T) {
	d := newTestDCache()
	word, errd := d.LL(0x100, &direct.Response{RData: []uint32{0x55, 7}})
	assert.False(t, errd)
	assert.Equal(t, uint32(0x55), word)

	assert.True(t, d.SC(0x100, 7))
	// reservation is consumed regardless of outcome
	assert.False(t, d.SC(0x100, 7))
}

func TestSCFailsOnKeyMismatch(t *testing.T) {
	d := newTestDCache()
	d.LL(0x100, &direct.Response{RData: []uint32{0x55, 7}})
	assert.False(t, d.SC(0x100, 9))
}

func TestCCInvalBreaksLocalReservation(t *testing.T) {
	d := newTestDCache()
	d.LL(0x0, &direct.Response{RData: []uint32{0x1, 1}})

	d.CCReq(CCRequest{Kind: CCInval, Nline: d.geom.NLine(0x0)})
	assert.False(t, d.SC(0x0, 1))
}

func TestCCUpdtAppliesByteEnables(t *testing.T) {
	d := newTestDCache()
	nline := d.geom.NLine(0x0)
	d.cache.Set(nline, 0, Line{Words: make([]uint32, 16), State: LineValid})

	needsAck := d.CCReq(CCRequest{
		Kind: CCUpdt, Nline: nline, WordIndex: 0,
		BE:    []uint8{0x1},
		Words: []uint32{0x000000CD},
	})
	assert.True(t, needsAck)

	word, _ := d.Load(0x0)
	assert.Equal(t, uint32(0xCD), word&0xff)
}

func TestTLBMissWalkInstallsEntryAndReturnsIdle(t *testing.T) {
	d := newTestDCache()
	_, hit := d.Translate(0x1000, false)
	assert.False(t, hit)
	assert.Equal(t, StateTLBMiss, d.State())

	pte1 := PTE{PPN: 5, Writable: true}
	req, done := d.StepTLBMiss(nil, 0x2000, nil)
	require.NotNil(t, req)
	assert.False(t, done)
	assert.Equal(t, StateTLBPTE1Get, d.State())

	req, done = d.StepTLBMiss(&pte1, 0x2000, nil)
	assert.Nil(t, req)
	assert.False(t, done)
	assert.Equal(t, StateTLBPTE1Updt, d.State())

	req, done = d.StepTLBMiss(nil, 0, nil)
	assert.False(t, done)
	assert.Equal(t, StateTLBReturn, d.State())

	req, done = d.StepTLBMiss(nil, 0, nil)
	assert.True(t, done)
	assert.Equal(t, StateIdle, d.State())
	assert.Equal(t, MMUNone, d.MMUError())

	pte, hit := d.Translate(0x1000, false)
	assert.True(t, hit)
	assert.Equal(t, uint64(5), pte.PPN)
}

func TestTLBWriteToReadOnlyPageReportsMMUError(t *testing.T) {
	d := newTestDCache()
	d.Translate(0x1000, true)
	pte1 := PTE{PPN: 5, Writable: false}
	d.StepTLBMiss(nil, 0x2000, nil)
	d.StepTLBMiss(&pte1, 0x2000, nil)
	d.StepTLBMiss(nil, 0, nil)
	_, done := d.StepTLBMiss(nil, 0, nil)
	require.True(t, done)
	assert.Equal(t, MMUWriteAccessViol, d.MMUError())
}

func TestInvalTLBScanInvalidatesMatchingEntries(t *testing.T) {
	d := newTestDCache()
	nline := d.geom.NLine(0x0)
	d.dtlb.Set(1, 0, TLBEntry{VPN: 1, BackingNL: nline})

	d.InvalTLBScan(nline)

	_, _, hit := d.dtlb.Lookup(1)
	assert.False(t, hit)
}

func TestXTNDCInvalVAInvalidatesLine(t *testing.T) {
	d := newTestDCache()
	nline := d.geom.NLine(0x0)
	d.cache.Set(nline, 0, Line{Words: make([]uint32, 16), State: LineValid})

	forward := d.XTN(XTNDCInvalVA, 0x0)
	assert.False(t, forward)

	_, _, hit := d.cache.Lookup(nline)
	assert.False(t, hit)
}

func TestXTNICOpcodesForwardToICache(t *testing.T) {
	d := newTestDCache()
	assert.True(t, d.XTN(XTNICFlush, 0))
	assert.True(t, d.XTN(XTNICInvalVA, 0))
}
