// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilecoh/tilecoh/pkg/addr"
)

func TestTRTAllocFindFree(t *testing.T) {
	trt := NewTRT(2)
	trdid, ok := trt.Alloc(TransactionEntry{Requester: addr.SrcID(1), Nline: 10, Type: TransactionGet})
	require.True(t, ok)

	found, ok := trt.Find(10)
	require.True(t, ok)
	assert.Equal(t, trdid, found)

	trt.Free(trdid)
	_, ok = trt.Get(trdid)
	assert.False(t, ok)
}

func TestTRTExhaustion(t *testing.T) {
	trt := NewTRT(1)
	_, ok := trt.Alloc(TransactionEntry{Nline: 1})
	require.True(t, ok)
	_, ok = trt.Alloc(TransactionEntry{Nline: 2})
	assert.False(t, ok)
}

func TestUPTAckCompletesAtExactCount(t *testing.T) {
	upt := NewUPT(4)
	idx, ok := upt.Alloc(5, addr.SrcID(1), 3)
	require.True(t, ok)

	for i := 0; i < 2; i++ {
		complete, err := upt.Ack(idx)
		require.NoError(t, err)
		assert.False(t, complete)
	}
	complete, err := upt.Ack(idx)
	require.NoError(t, err)
	assert.True(t, complete)

	upt.Free(idx)
	_, ok = upt.Get(idx)
	assert.False(t, ok)
}

func TestUPTAckOnFreeEntryErrors(t *testing.T) {
	upt := NewUPT(1)
	_, err := upt.Ack(0)
	assert.Error(t, err)
}

func TestIVTAckCompletesAtExactCount(t *testing.T) {
	ivt := NewIVT(2)
	idx, ok := ivt.Alloc(7, addr.SrcID(2), 1)
	require.True(t, ok)
	complete, err := ivt.Ack(idx)
	require.NoError(t, err)
	assert.True(t, complete)
}
