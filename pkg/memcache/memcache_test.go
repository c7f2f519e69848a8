// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package memcache

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilecoh/tilecoh/pkg/addr"
	"github.com/tilecoh/tilecoh/pkg/cachesim"
	"github.com/tilecoh/tilecoh/pkg/extram"
)

func newTestMemCache(broadcastThreshold int) (*MemCache, *extram.MapBackend) {
	g := addr.DefaultGeometry
	backend := extram.NewMapBackend(int(g.WordsPerLine))
	ram := extram.NewPort(logr.Discard(), backend, 1)
	geo := cachesim.Geometry{SetBits: 2, Ways: 2, OffsetBits: 0}
	m := New(logr.Discard(), g, geo, 64, 8, 8, 8, ram, broadcastThreshold)
	return m, backend
}

func TestReadMissFillsFromRAMAndAddsSharer(t *testing.T) {
	m, _ := newTestMemCache(4)
	nline := addr.DefaultGeometry.NLine(0x40)
	cc := addr.DefaultGeometry.NewCCID(addr.Tile{X: 1, Y: 0}, 0)

	words, inval, err := m.Read(context.Background(), cc, nline)
	require.NoError(t, err)
	require.Nil(t, inval)
	assert.Len(t, words, int(addr.DefaultGeometry.WordsPerLine))

	words2, inval2, err2 := m.Read(context.Background(), cc, nline)
	require.NoError(t, err2)
	assert.Nil(t, inval2)
	assert.Equal(t, words, words2)
}

func TestReadHitAddsSecondSharerWithoutRAMAccess(t *testing.T) {
	m, _ := newTestMemCache(4)
	nline := addr.DefaultGeometry.NLine(0x40)
	cc1 := addr.DefaultGeometry.NewCCID(addr.Tile{X: 0, Y: 0}, 0)
	cc2 := addr.DefaultGeometry.NewCCID(addr.Tile{X: 1, Y: 1}, 0)

	_, _, err := m.Read(context.Background(), cc1, nline)
	require.NoError(t, err)
	_, _, err = m.Read(context.Background(), cc2, nline)
	require.NoError(t, err)

	_, line, hit := m.cache.Lookup(nline)
	require.True(t, hit)
	assert.Equal(t, 2, line.Data.Dir.Count)
}

func TestWriteSendsMulticastUpdateBelowThreshold(t *testing.T) {
	m, _ := newTestMemCache(4)
	nline := addr.DefaultGeometry.NLine(0x0)
	writer := addr.DefaultGeometry.NewCCID(addr.Tile{X: 0, Y: 0}, 0)
	sharer := addr.DefaultGeometry.NewCCID(addr.Tile{X: 2, Y: 2}, 0)

	_, _, err := m.Read(context.Background(), writer, nline)
	require.NoError(t, err)
	_, _, err = m.Read(context.Background(), sharer, nline)
	require.NoError(t, err)

	inval, err := m.Write(writer, nline, 0, 0x1, 0xAB)
	require.NoError(t, err)
	require.NotNil(t, inval)
	assert.True(t, inval.IsUpdt)
	assert.False(t, inval.Broadcast)
	assert.Equal(t, []addr.CCID{sharer}, inval.Targets)
}

func TestWriteSwitchesToBroadcastAboveThreshold(t *testing.T) {
	m, _ := newTestMemCache(1)
	nline := addr.DefaultGeometry.NLine(0x0)
	writer := addr.DefaultGeometry.NewCCID(addr.Tile{X: 0, Y: 0}, 0)
	s1 := addr.DefaultGeometry.NewCCID(addr.Tile{X: 1, Y: 0}, 0)
	s2 := addr.DefaultGeometry.NewCCID(addr.Tile{X: 2, Y: 0}, 0)

	for _, cc := range []addr.CCID{writer, s1, s2} {
		_, _, err := m.Read(context.Background(), cc, nline)
		require.NoError(t, err)
	}

	inval, err := m.Write(writer, nline, 0, 0x1, 0xFF)
	require.NoError(t, err)
	require.NotNil(t, inval)
	assert.True(t, inval.Broadcast)
	assert.Empty(t, inval.Targets)
}

func TestAckUpdateCompletesOnLastAck(t *testing.T) {
	m, _ := newTestMemCache(4)
	nline := addr.DefaultGeometry.NLine(0x0)
	writer := addr.DefaultGeometry.NewCCID(addr.Tile{X: 0, Y: 0}, 0)
	s1 := addr.DefaultGeometry.NewCCID(addr.Tile{X: 1, Y: 0}, 0)
	s2 := addr.DefaultGeometry.NewCCID(addr.Tile{X: 2, Y: 0}, 0)
	for _, cc := range []addr.CCID{writer, s1, s2} {
		_, _, err := m.Read(context.Background(), cc, nline)
		require.NoError(t, err)
	}

	inval, err := m.Write(writer, nline, 0, 0x1, 0x1)
	require.NoError(t, err)

	complete, err := m.AckUpdate(inval.TableIdx)
	require.NoError(t, err)
	assert.False(t, complete)

	complete, err = m.AckUpdate(inval.TableIdx)
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestCleanupDrainsDirectoryAndWritesBackIfDirty(t *testing.T) {
	m, backend := newTestMemCache(4)
	nline := addr.DefaultGeometry.NLine(0x0)
	cc := addr.DefaultGeometry.NewCCID(addr.Tile{X: 0, Y: 0}, 0)

	_, _, err := m.Read(context.Background(), cc, nline)
	require.NoError(t, err)
	_, err = m.Write(cc, nline, 0, 0xF, 0xDEADBEEF)
	require.NoError(t, err)

	ack, err := m.Cleanup(context.Background(), cc, nline, 0, false)
	require.NoError(t, err)
	require.NotNil(t, ack)
	assert.Equal(t, cc, ack.Sender)

	_, line, hit := m.cache.Lookup(nline)
	require.True(t, hit)
	assert.Equal(t, 0, line.Data.Dir.Count)

	resp, rerr := backend.Transfer(context.Background(), extram.Request{Op: extram.OpGet, Nline: nline})
	require.NoError(t, rerr)
	assert.Equal(t, uint32(0xDEADBEEF), resp.Words[0])
}

func TestLLThenSCSucceedsOnMatchingGeneration(t *testing.T) {
	m, _ := newTestMemCache(4)
	nline := addr.DefaultGeometry.NLine(0x0)
	cc := addr.DefaultGeometry.NewCCID(addr.Tile{X: 0, Y: 0}, 0)
	_, _, err := m.Read(context.Background(), cc, nline)
	require.NoError(t, err)

	_, gen, ok := m.LL(nline)
	require.True(t, ok)

	assert.True(t, m.SC(nline, gen, 0, 0x99))
	assert.False(t, m.SC(nline, gen, 0, 0x99))
}

func TestCASSucceedsOnMatchAndFailsOnMismatch(t *testing.T) {
	m, _ := newTestMemCache(4)
	nline := addr.DefaultGeometry.NLine(0x0)
	cc := addr.DefaultGeometry.NewCCID(addr.Tile{X: 0, Y: 0}, 0)
	_, _, err := m.Read(context.Background(), cc, nline)
	require.NoError(t, err)

	old, ok := m.CAS(nline, 0, 0, 42)
	assert.True(t, ok)
	assert.Equal(t, uint32(0), old)

	old, ok = m.CAS(nline, 0, 0, 7)
	assert.False(t, ok)
	assert.Equal(t, uint32(42), old)
}
