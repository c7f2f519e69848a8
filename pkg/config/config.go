// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config binds the coherence engine's elaboration-time parameters
// to command-line flags, following the teacher's cmd/main.go flag.StringVar
// style rather than a cobra/viper framework the teacher doesn't use.
package config

import (
	"flag"

	"github.com/tilecoh/tilecoh/pkg/addr"
)

// Config holds every mesh geometry, cache geometry, and protocol knob the
// simulator needs at elaboration time.
type Config struct {
	Geometry addr.Geometry

	MeshX, MeshY int
	CoresPerTile int

	L1Ways, L1SetBits         uint
	L1TLBWays, L1TLBSetBits   uint
	L2Ways, L2SetBits         uint
	WriteBufferLines          int
	SharerHeapCapacity        int
	TRTSize, UPTSize, IVTSize int

	// BroadcastThreshold is the sharer-count above which the directory
	// emits a single BROADCAST_INVAL instead of per-sharer MULTI_INVAL
	// (spec.md §4.4, §9 Open Question: "a configuration knob and must be
	// preserved, not re-derived").
	BroadcastThreshold int

	LLSCTimeoutCycles uint32

	// MaxFrozenCycles bounds how long any L1 request may remain pending
	// before the watchdog (spec.md §5) terminates the simulation.
	MaxFrozenCycles uint64

	BlockSize, BurstSize uint32
	DiskSizeBlocks       uint64

	InspectAddr string
	TraceDBPath string
}

// Default returns a small-but-complete configuration suitable for the
// end-to-end scenarios in spec.md §8: a 4x4 mesh, 2 cores per tile, 4-way
// 64-set L1 caches and an 8-way 256-set L2.
func Default() Config {
	return Config{
		Geometry:           addr.DefaultGeometry,
		MeshX:              4,
		MeshY:              4,
		CoresPerTile:       2,
		L1Ways:             4,
		L1SetBits:          6,
		L1TLBWays:          4,
		L1TLBSetBits:       4,
		L2Ways:             8,
		L2SetBits:          8,
		WriteBufferLines:   4,
		SharerHeapCapacity: 256,
		TRTSize:            8,
		UPTSize:            8,
		IVTSize:            8,
		BroadcastThreshold: 8,
		LLSCTimeoutCycles:  1024,
		MaxFrozenCycles:    1_000_000,
		BlockSize:          512,
		BurstSize:          32,
		DiskSizeBlocks:     4096,
		InspectAddr:        ":9090",
		TraceDBPath:        "./tilecoh-trace",
	}
}

// BindFlags registers c's fields on fs, mirroring the teacher's
// cmd/main.go init() pattern (flag.StringVar/flag.DurationVar per field).
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.MeshX, "mesh-x", c.MeshX, "Number of tiles along the X axis")
	fs.IntVar(&c.MeshY, "mesh-y", c.MeshY, "Number of tiles along the Y axis")
	fs.IntVar(&c.CoresPerTile, "cores-per-tile", c.CoresPerTile, "Number of CPU cores per tile")
	fs.IntVar(&c.BroadcastThreshold, "broadcast-threshold", c.BroadcastThreshold,
		"Sharer count above which the directory emits BROADCAST_INVAL instead of per-sharer MULTI_INVAL")
	fs.IntVar(&c.WriteBufferLines, "write-buffer-lines", c.WriteBufferLines, "Number of L1 write-buffer lines")
	fs.IntVar(&c.SharerHeapCapacity, "sharer-heap-capacity", c.SharerHeapCapacity, "Capacity of the L2 sharer heap")
	fs.IntVar(&c.TRTSize, "trt-size", c.TRTSize, "Transaction table size")
	fs.IntVar(&c.UPTSize, "upt-size", c.UPTSize, "Update table size")
	fs.IntVar(&c.IVTSize, "ivt-size", c.IVTSize, "Invalidation table size")
	fs.StringVar(&c.InspectAddr, "inspect-address", c.InspectAddr, "The address the introspection gRPC service binds to")
	fs.StringVar(&c.TraceDBPath, "trace-db-path", c.TraceDBPath, "Directory for the badger-backed coherence event trace")

	fs.Uint64Var(&c.MaxFrozenCycles, "max-frozen-cycles", c.MaxFrozenCycles,
		"Cycles an L1 request may remain pending before the watchdog terminates the simulation")
}
