// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package wbuf

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuf(n int) *WriteBuffer {
	return New(logr.Discard(), n, 16, 4)
}

func TestEnqueueMergesCacheableSameLine(t *testing.T) {
	w := newTestBuf(2)
	require.NoError(t, w.Enqueue(0x100, 0x1, 0xAA, true))
	require.NoError(t, w.Enqueue(0x104, 0x2, 0xBB00, true))

	idx, ok := w.NextToDrain()
	require.True(t, ok)
	assert.Equal(t, uint64(0x100), w.lines[idx].Paddr)
}

func TestEnqueueNonCacheableNeverMerges(t *testing.T) {
	w := newTestBuf(2)
	require.NoError(t, w.Enqueue(0x100, 0x1, 0xAA, false))
	require.NoError(t, w.Enqueue(0x100, 0x1, 0xBB, false))
	// two distinct OPEN lines, not merged
	openCount := 0
	for _, l := range w.lines {
		if l.State == StateOpen {
			openCount++
		}
	}
	assert.Equal(t, 2, openCount)
}

func TestEnqueueFullAndNoMatchFails(t *testing.T) {
	w := newTestBuf(1)
	require.NoError(t, w.Enqueue(0x100, 0x1, 0xAA, true))
	err := w.Enqueue(0x200, 0x1, 0xBB, true)
	assert.Error(t, err)
}

func TestNonCacheableDrainsBeforeCacheable(t *testing.T) {
	w := newTestBuf(4)
	require.NoError(t, w.Enqueue(0x100, 0x1, 0xAA, true))
	require.NoError(t, w.Enqueue(0x200, 0x1, 0xBB, false))

	idx, ok := w.NextToDrain()
	require.True(t, ok)
	assert.Equal(t, uint64(0x200), w.lines[idx].Paddr)
}

func TestCompleteAndRetire(t *testing.T) {
	w := newTestBuf(2)
	require.NoError(t, w.Enqueue(0x100, 0x1, 0xAA, true))
	idx, ok := w.NextToDrain()
	require.True(t, ok)
	w.MarkSent(idx, 7)

	w.Complete(7, false)
	assert.Equal(t, StateCompleted, w.lines[idx].State)

	writeErr := w.Retire(idx)
	assert.False(t, writeErr)
	assert.Equal(t, StateEmpty, w.lines[idx].State)
}

func TestCompleteWithErrorPropagatesToRetire(t *testing.T) {
	w := newTestBuf(2)
	require.NoError(t, w.Enqueue(0x100, 0x1, 0xAA, false))
	idx, _ := w.NextToDrain()
	w.MarkSent(idx, 3)
	w.Complete(3, true)
	assert.True(t, w.Retire(idx))
}

func TestApplyBytesOnlySelectedBytes(t *testing.T) {
	w := newTestBuf(1)
	require.NoError(t, w.Enqueue(0x0, 0b0001, 0x000000FF, true))
	require.NoError(t, w.Enqueue(0x0, 0b0010, 0x0000AA00, true))
	idx, _ := w.NextToDrain()
	assert.Equal(t, uint32(0x0000AAFF), w.lines[idx].Data[0])
}
