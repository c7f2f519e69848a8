// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package inspect

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tilecoh/tilecoh/pkg/addr"
	"github.com/tilecoh/tilecoh/pkg/directory"
	"github.com/tilecoh/tilecoh/pkg/trace"
)

// grpcServerStream stubs the grpc.ServerStream methods events() doesn't
// exercise, so the tests only need to implement RecvMsg/SendMsg.
type grpcServerStream struct{}

func (grpcServerStream) SetHeader(metadata.MD) error  { return nil }
func (grpcServerStream) SendHeader(metadata.MD) error { return nil }
func (grpcServerStream) SetTrailer(metadata.MD)       {}
func (grpcServerStream) Context() context.Context     { return context.Background() }

func TestSnapshotEncodesEveryTileAndLine(t *testing.T) {
	tl := addr.Tile{X: 1, Y: 2}
	s := New(logr.Discard(), nil,
		func() []addr.Tile { return []addr.Tile{tl} },
		func(id addr.Tile) []DirEntry {
			return []DirEntry{{Nline: 9, State: directory.StateValid, Count: 1, Owner: addr.CCID(3)}}
		},
	)

	out, err := s.snapshot(&structpb.Struct{})
	require.NoError(t, err)

	tiles := out.Fields["tiles"].GetListValue().Values
	require.Len(t, tiles, 1)
	tile := tiles[0].GetStructValue().Fields
	assert.Equal(t, float64(1), tile["x"].GetNumberValue())
	assert.Equal(t, float64(2), tile["y"].GetNumberValue())

	lines := tile["lines"].GetListValue().Values
	require.Len(t, lines, 1)
	line := lines[0].GetStructValue().Fields
	assert.Equal(t, float64(9), line["nline"].GetNumberValue())
	assert.Equal(t, "VALID", line["state"].GetStringValue())
}

func TestSnapshotWithNoTilesReturnsEmptyList(t *testing.T) {
	s := New(logr.Discard(), nil, func() []addr.Tile { return nil }, func(addr.Tile) []DirEntry { return nil })
	out, err := s.snapshot(&structpb.Struct{})
	require.NoError(t, err)
	assert.Empty(t, out.Fields["tiles"].GetListValue().Values)
}

type recvOnlyStream struct {
	grpcServerStream
	recvd []any
	sent  []*structpb.Struct
}

func (r *recvOnlyStream) RecvMsg(m any) error {
	r.recvd = append(r.recvd, m)
	return nil
}

func (r *recvOnlyStream) SendMsg(m any) error {
	r.sent = append(r.sent, m.(*structpb.Struct))
	return nil
}

func TestEventsStreamsTraceTail(t *testing.T) {
	store, err := trace.Open(logr.Discard(), "")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(trace.Record{Cycle: 1, Kind: trace.KindBroadcast, Nline: 4}))
	require.NoError(t, store.Append(trace.Record{Cycle: 2, Kind: trace.KindAckRecv, TableIdx: 1, Success: true}))

	s := New(logr.Discard(), store, func() []addr.Tile { return nil }, func(addr.Tile) []DirEntry { return nil })

	stream := &recvOnlyStream{}
	require.NoError(t, s.events(stream))
	require.Len(t, stream.sent, 2)
	assert.Equal(t, "BROADCAST", stream.sent[0].Fields["kind"].GetStringValue())
	assert.Equal(t, "ACK_RECV", stream.sent[1].Fields["kind"].GetStringValue())
}

func TestEventsWithNilTraceSendsNothing(t *testing.T) {
	s := New(logr.Discard(), nil, func() []addr.Tile { return nil }, func(addr.Tile) []DirEntry { return nil })
	stream := &recvOnlyStream{}
	require.NoError(t, s.events(stream))
	assert.Empty(t, stream.sent)
}
