// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package inspect serves a live view of the simulator's coherence state over
// gRPC: a Snapshot RPC returning every tile's resident directory entries,
// and an Events RPC streaming the trace store's recent record tail. Both
// messages are plain google.protobuf.Struct values rather than a generated
// message type, since this module has no protoc step to compile a .proto
// file against; the ServiceDesc is hand-assembled the way a generated
// _grpc.pb.go file would build one.
package inspect

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tilecoh/tilecoh/pkg/addr"
	"github.com/tilecoh/tilecoh/pkg/directory"
	"github.com/tilecoh/tilecoh/pkg/trace"
)

const serviceName = "tilecoh.inspect.v1.InspectService"

// DirEntry is one L2-resident directory entry, named by its line address.
type DirEntry struct {
	Nline uint64
	State directory.State
	Count int
	Owner addr.CCID
}

// Server implements the InspectService gRPC service against a running
// simulation. Tiles and EntriesOf are supplied as closures rather than a
// *sim.Simulator reference, so pkg/inspect doesn't import pkg/sim (which
// will hold the *Server it serves, an import cycle otherwise).
type Server struct {
	log       logr.Logger
	trc       *trace.Store
	tiles     func() []addr.Tile
	entriesOf func(addr.Tile) []DirEntry

	grpc *grpc.Server
}

// New constructs a Server. trc may be nil, in which case Events streams
// nothing.
func New(log logr.Logger, trc *trace.Store, tiles func() []addr.Tile, entriesOf func(addr.Tile) []DirEntry) *Server {
	return &Server{
		log:       log.WithName("inspect"),
		trc:       trc,
		tiles:     tiles,
		entriesOf: entriesOf,
	}
}

// Serve blocks accepting connections on addr until Stop is called or the
// listener errors.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("inspect: listen on %s: %w", addr, err)
	}
	s.grpc = grpc.NewServer()
	s.grpc.RegisterService(&serviceDesc, s)
	s.log.Info("serving directory/trace inspection", "addr", addr)
	return s.grpc.Serve(lis)
}

// Stop gracefully shuts the gRPC server down. Safe to call before Serve.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

func (s *Server) snapshot(_ *structpb.Struct) (*structpb.Struct, error) {
	tiles := make([]any, 0, len(s.tiles()))
	for _, id := range s.tiles() {
		entries := s.entriesOf(id)
		lines := make([]any, 0, len(entries))
		for _, e := range entries {
			lines = append(lines, map[string]any{
				"nline": float64(e.Nline),
				"state": e.State.String(),
				"count": float64(e.Count),
				"owner": float64(e.Owner),
			})
		}
		tiles = append(tiles, map[string]any{
			"x":     float64(id.X),
			"y":     float64(id.Y),
			"lines": lines,
		})
	}
	out, err := structpb.NewStruct(map[string]any{"tiles": tiles})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "inspect: encode snapshot: %v", err)
	}
	return out, nil
}

func (s *Server) events(stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil && err != io.EOF {
		return err
	}
	if s.trc == nil {
		return nil
	}
	for _, r := range s.trc.Tail() {
		msg, err := structpb.NewStruct(map[string]any{
			"cycle":      float64(r.Cycle),
			"tile_x":     float64(r.Tile.X),
			"tile_y":     float64(r.Tile.Y),
			"kind":       r.Kind.String(),
			"nline":      float64(r.Nline),
			"table_idx":  float64(r.TableIdx),
			"expect_ack": float64(r.ExpectAck),
			"source":     float64(r.Source),
			"success":    r.Success,
		})
		if err != nil {
			return status.Errorf(codes.Internal, "inspect: encode record: %v", err)
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

func snapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.snapshot(in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Snapshot"}
	handler := func(_ context.Context, req any) (any, error) {
		return s.snapshot(req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(*Server).events(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: snapshotHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Events", Handler: eventsHandler, ServerStreams: true},
	},
	Metadata: "inspect.proto",
}
