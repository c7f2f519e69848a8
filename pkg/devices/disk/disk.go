// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package disk models the memory-mapped block device register file
// (spec.md §6.4), one of the collaborator devices hung off the I/O tile's
// segment. Register offsets and the status-read-clears-IRQ semantics
// follow original_source's vci_block_device_tsar.h exactly, since spec.md
// §6.4 names the registers but not their byte offsets.
package disk

import "github.com/go-logr/logr"

// Register byte offsets, from vci_block_device_tsar.h.
const (
	RegBuffer    = 0x00
	RegCount     = 0x04
	RegLBA       = 0x08
	RegOp        = 0x0C
	RegStatus    = 0x10
	RegIRQEnable = 0x14
	RegSize      = 0x18
	RegBlockSize = 0x1C
	RegBufferExt = 0x20
)

// Op is a BLOCK_DEVICE_OP code.
type Op uint32

const (
	OpNoop Op = iota
	OpRead
	OpWrite
)

// Status is the device's BLOCK_DEVICE_STATUS value, driven by the
// initiator FSM state per the original.
type Status uint32

const (
	StatusIdle Status = iota
	StatusBusy
	StatusReadSuccess
	StatusWriteSuccess
	StatusReadError
	StatusWriteError
)

func (s Status) terminal() bool {
	return s == StatusReadSuccess || s == StatusWriteSuccess || s == StatusReadError || s == StatusWriteError
}

// Device is the block device register model. BlockSize and BurstSize are
// validated as the power-of-two ranges spec.md §6.4 specifies:
// BlockSize in [128,4096], BurstSize in [8,64] bytes.
type Device struct {
	log logr.Logger

	blockSize  uint32
	burstSize  uint32
	sizeBlocks uint64

	bufAddr   uint64
	count     uint32
	lba       uint32
	status    Status
	irqEnable bool
	irq       bool

	storage []byte // backing image, sizeBlocks*blockSize bytes
	memory  MemoryPort
}

// MemoryPort is the DMA target the device transfers into/out of — the
// simulated tile memory, reduced to a byte-addressable read/write port
// per spec.md §1's "reducible to simple request/response ports".
type MemoryPort interface {
	ReadBytes(addr uint64, n int) ([]byte, error)
	WriteBytes(addr uint64, data []byte) error
}

// New constructs a Device. It panics on an invalid geometry since block and
// burst size are fixed at elaboration time, not runtime-mutable state.
func New(log logr.Logger, blockSize, burstSize uint32, sizeBlocks uint64, mem MemoryPort) *Device {
	if !isPow2InRange(blockSize, 128, 4096) {
		panic("disk: block size must be a power of two in [128,4096]")
	}
	if !isPow2InRange(burstSize, 8, 64) {
		panic("disk: burst size must be a power of two in [8,64]")
	}
	return &Device{
		log:        log.WithName("disk"),
		blockSize:  blockSize,
		burstSize:  burstSize,
		sizeBlocks: sizeBlocks,
		irqEnable:  true,
		storage:    make([]byte, sizeBlocks*uint64(blockSize)),
		memory:     mem,
	}
}

func isPow2InRange(v, lo, hi uint32) bool {
	if v < lo || v > hi {
		return false
	}
	return v&(v-1) == 0
}

// ReadReg reads a target register, applying the
// status-read-clears-IRQ-and-returns-to-IDLE semantics in a terminal state
// (spec.md §6.4).
func (d *Device) ReadReg(offset uint32) uint32 {
	switch offset {
	case RegBuffer:
		return uint32(d.bufAddr)
	case RegCount:
		return d.count
	case RegLBA:
		return d.lba
	case RegStatus:
		s := d.status
		if s.terminal() {
			d.status = StatusIdle
			d.irq = false
		}
		return uint32(s)
	case RegIRQEnable:
		if d.irqEnable {
			return 1
		}
		return 0
	case RegSize:
		return uint32(d.sizeBlocks)
	case RegBlockSize:
		return d.blockSize
	case RegBufferExt:
		return uint32(d.bufAddr >> 32)
	default:
		return 0
	}
}

// WriteReg writes a target register. Writes to BUFFER/COUNT/LBA/OP are
// ignored unless the device is IDLE, per spec.md §6.4.
func (d *Device) WriteReg(offset uint32, value uint32) {
	switch offset {
	case RegBuffer:
		if d.status == StatusIdle {
			d.bufAddr = (d.bufAddr &^ 0xffffffff) | uint64(value)
		}
	case RegBufferExt:
		if d.status == StatusIdle {
			d.bufAddr = (d.bufAddr & 0xffffffff) | (uint64(value) << 32)
		}
	case RegCount:
		if d.status == StatusIdle {
			d.count = value
		}
	case RegLBA:
		if d.status == StatusIdle {
			d.lba = value
		}
	case RegOp:
		if d.status == StatusIdle {
			d.start(Op(value))
		}
	case RegIRQEnable:
		d.irqEnable = value != 0
	}
}

// start launches a transfer. The model performs it synchronously (no
// burst-level timing) since spec.md's Non-goals exclude device timing
// fidelity beyond the register contract; IRQEnabled + terminal status are
// still exact.
func (d *Device) start(op Op) {
	switch op {
	case OpNoop:
		return
	case OpRead:
		d.status = StatusBusy
		if err := d.doRead(); err != nil {
			d.status = StatusReadError
		} else {
			d.status = StatusReadSuccess
		}
	case OpWrite:
		d.status = StatusBusy
		if err := d.doWrite(); err != nil {
			d.status = StatusWriteError
		} else {
			d.status = StatusWriteSuccess
		}
	}
	if d.irqEnable {
		d.irq = true
	}
}

func (d *Device) doRead() error {
	n := uint64(d.count) * uint64(d.blockSize)
	off := uint64(d.lba) * uint64(d.blockSize)
	if off+n > uint64(len(d.storage)) {
		return errOutOfRange
	}
	return d.memory.WriteBytes(d.bufAddr, d.storage[off:off+n])
}

func (d *Device) doWrite() error {
	n := uint64(d.count) * uint64(d.blockSize)
	off := uint64(d.lba) * uint64(d.blockSize)
	if off+n > uint64(len(d.storage)) {
		return errOutOfRange
	}
	data, err := d.memory.ReadBytes(d.bufAddr, int(n))
	if err != nil {
		return err
	}
	copy(d.storage[off:off+n], data)
	return nil
}

// IRQ reports the device's current interrupt line level.
func (d *Device) IRQ() bool { return d.irq }

type devError string

func (e devError) Error() string { return string(e) }

const errOutOfRange = devError("disk: transfer exceeds device size")
