// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package disk

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMemory struct {
	data map[uint64][]byte
}

func newFakeMemory() *fakeMemory { return &fakeMemory{data: map[uint64][]byte{}} }

func (m *fakeMemory) ReadBytes(addr uint64, n int) ([]byte, error) {
	b, ok := m.data[addr]
	if !ok {
		return make([]byte, n), nil
	}
	return b, nil
}

func (m *fakeMemory) WriteBytes(addr uint64, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.data[addr] = cp
	return nil
}

func TestReadTransferSucceeds(t *testing.T) {
	mem := newFakeMemory()
	d := New(logr.Discard(), 512, 32, 4, mem)

	d.WriteReg(RegBuffer, 0x1000)
	d.WriteReg(RegCount, 1)
	d.WriteReg(RegLBA, 0)
	d.WriteReg(RegOp, uint32(OpRead))

	status := d.ReadReg(RegStatus)
	assert.Equal(t, uint32(StatusReadSuccess), status)
	assert.True(t, d.IRQ())

	// reading status in a terminal state resets to IDLE and deasserts IRQ
	status = d.ReadReg(RegStatus)
	assert.Equal(t, uint32(StatusIdle), status)
	assert.False(t, d.IRQ())
}

func TestWriteWhileBusyIsIgnored(t *testing.T) {
	mem := newFakeMemory()
	d := New(logr.Discard(), 512, 32, 4, mem)
	d.status = StatusBusy
	d.WriteReg(RegLBA, 99)
	assert.Equal(t, uint32(0), d.ReadReg(RegLBA))
}

func TestOutOfRangeTransferReportsError(t *testing.T) {
	mem := newFakeMemory()
	d := New(logr.Discard(), 512, 32, 2, mem)
	d.WriteReg(RegCount, 10)
	d.WriteReg(RegLBA, 0)
	d.WriteReg(RegOp, uint32(OpRead))
	assert.Equal(t, uint32(StatusReadError), d.ReadReg(RegStatus))
}

func TestInvalidGeometryPanics(t *testing.T) {
	mem := newFakeMemory()
	assert.Panics(t, func() { New(logr.Discard(), 100, 32, 1, mem) })
	assert.Panics(t, func() { New(logr.Discard(), 512, 7, 1, mem) })
}

func TestWriteThenReadBackRoundTrips(t *testing.T) {
	mem := newFakeMemory()
	mem.data[0x2000] = []byte{1, 2, 3, 4}
	for i := 4; i < 512; i++ {
		mem.data[0x2000] = append(mem.data[0x2000], 0)
	}

	d := New(logr.Discard(), 512, 32, 4, mem)
	d.WriteReg(RegBuffer, 0x2000)
	d.WriteReg(RegCount, 1)
	d.WriteReg(RegLBA, 1)
	d.WriteReg(RegOp, uint32(OpWrite))
	require.Equal(t, uint32(StatusWriteSuccess), d.ReadReg(RegStatus))

	d.WriteReg(RegBuffer, 0x3000)
	d.WriteReg(RegCount, 1)
	d.WriteReg(RegLBA, 1)
	d.WriteReg(RegOp, uint32(OpRead))
	require.Equal(t, uint32(StatusReadSuccess), d.ReadReg(RegStatus))

	got, _ := mem.ReadBytes(0x3000, 4)
	assert.Equal(t, []byte{1, 2, 3, 4}, got[:4])
}
