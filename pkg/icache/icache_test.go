// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package icache

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilecoh/tilecoh/pkg/addr"
	"github.com/tilecoh/tilecoh/pkg/cachesim"
	"github.com/tilecoh/tilecoh/pkg/direct"
)

func newTestICache() *ICache {
	g := addr.DefaultGeometry
	return New(logr.Discard(), g, cachesim.Geometry{SetBits: 2, Ways: 2, OffsetBits: 0})
}

func driveMissToCompletion(t *testing.T, c *ICache, words []uint32) {
	t.Helper()
	req, cleanup := c.StepMiss(nil) // MISS_SELECT
	require.Nil(t, cleanup)
	require.NotNil(t, req)
	assert.Equal(t, StateMissWait, c.State())

	req, cleanup = c.StepMiss(nil) // still waiting, no response yet
	assert.Nil(t, req)
	assert.Nil(t, cleanup)

	req, cleanup = c.StepMiss(&direct.Response{RData: words}) // MISS_DATA_UPDT
	assert.Equal(t, StateMissDataUpdt, c.State())

	c.StepMiss(nil) // MISS_DATA_UPDT -> MISS_DIR_UPDT
	assert.Equal(t, StateMissDirUpdt, c.State())

	req, cleanup = c.StepMiss(nil) // MISS_DIR_UPDT
	assert.Nil(t, req)
	assert.Nil(t, cleanup)
	assert.Equal(t, StateIdle, c.State())
}

func TestFetchMissThenHit(t *testing.T) {
	c := newTestICache()
	res := c.Fetch(0x40)
	assert.True(t, res.Stall)
	assert.Equal(t, StateMissSelect, c.State())

	words := make([]uint32, 16)
	words[0] = 0xdeadbeef
	driveMissToCompletion(t, c, words)

	res = c.Fetch(0x40)
	assert.False(t, res.Stall)
	assert.Equal(t, uint32(0xdeadbeef), res.Word)
}

func TestBusErrorOnMissReturnsToIdle(t *testing.T) {
	c := newTestICache()
	c.Fetch(0x40)
	c.StepMiss(nil)
	req, _ := c.StepMiss(&direct.Response{RError: true})
	assert.Nil(t, req)
	assert.Equal(t, StateIdle, c.State())
}

func TestCCInvalDuringPendingMissArmsMissInvalAndReCleanups(t *testing.T) {
	c := newTestICache()
	c.Fetch(0x40)
	c.StepMiss(nil) // MISS_SELECT -> MISS_WAIT

	// an INVAL matching the in-flight miss line arrives before the refill
	needsAck := c.CCReq(CCRequest{Kind: CCInval, Nline: c.missNline})
	assert.False(t, needsAck)
	assert.True(t, c.missInval)

	words := make([]uint32, 16)
	c.StepMiss(&direct.Response{RData: words}) // MISS_DATA_UPDT
	c.StepMiss(nil)                            // MISS_DATA_UPDT -> MISS_DIR_UPDT
	_, cleanup := c.StepMiss(nil)              // MISS_DIR_UPDT: must re-cleanup, not complete
	require.NotNil(t, cleanup)
	assert.Equal(t, StateMissSelect, c.State())
}

func TestCCUpdtAppliesByteEnables(t *testing.T) {
	c := newTestICache()
	nline := c.geom.NLine(0x0)
	c.cache.Set(nline, 0, Line{Words: make([]uint32, 16), State: LineValid})

	needsAck := c.CCReq(CCRequest{
		Kind: CCUpdt, Nline: nline, WordIndex: 0,
		BE:    []uint8{0x1},
		Words: []uint32{0x000000AB},
	})
	assert.True(t, needsAck)

	res := c.Fetch(0x0)
	assert.Equal(t, uint32(0xAB), res.Word&0xff)
}

func TestCCInvalOnAbsentLineIsNoop(t *testing.T) {
	c := newTestICache()
	needsAck := c.CCReq(CCRequest{Kind: CCInval, Nline: 999})
	assert.False(t, needsAck)
}
