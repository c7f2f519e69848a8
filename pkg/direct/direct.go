// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package direct defines the VCI-style request/response shape every L1 and
// I/O master uses on the direct network (spec.md §6.2): reads, writes, LL,
// SC, CAS, and uncached I/O, each tagged by a PktID transaction class.
package direct

import "github.com/tilecoh/tilecoh/pkg/addr"

// PktID encodes a direct-network transaction's class (spec.md §6.2).
type PktID uint8

const (
	PktReadDataUnc PktID = iota
	PktReadDataMiss
	PktReadInsUnc
	PktReadInsMiss
	PktWrite
	PktCAS
	PktLL
	PktSC
)

// Request is a direct-network command flit sequence, collapsed into one Go
// value for simulation convenience (spec.md §6.2 field list).
type Request struct {
	Cmd     PktID
	Address uint64
	WData   []uint32 // write/CAS payload; WData[0]=expected, WData[1]=new for CAS
	BE      []uint8  // per-word byte enables, parallel to WData
	PLen    uint32   // burst byte length
	SrcID   addr.SrcID
	TRDID   uint32
	PktID   uint8 // raw wire pktid, mirrors Cmd for devices that only look at the byte
	Contig  bool
	Cons    bool // LL/SC "consistent" hint
}

// Response is a direct-network response flit sequence, collapsed into one
// Go value.
type Response struct {
	RData  []uint32
	RError bool
	RSrcID addr.SrcID
	RTRDID uint32
	RPktID uint8
	REOP   bool
}
