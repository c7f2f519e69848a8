// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package extram models the external-RAM collaborator the L2 memory cache
// talks to on a miss or writeback (spec.md §1 lists RAM-facing masters as
// external collaborators reducible to a request/response port). The GET/PUT
// retry policy mirrors the teacher's intake-stream reconnect backoff
// (internal/intake/worker.go), using the same cenkalti/backoff/v5 policy
// shape rather than a hand-rolled retry loop.
package extram

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
)

// Op distinguishes a GET (refill) from a PUT (writeback).
type Op int

const (
	OpGet Op = iota
	OpPut
)

// Request is one external-RAM transaction.
type Request struct {
	Op    Op
	Nline uint64
	Words []uint32 // request payload for PUT; ignored for GET
}

// Response is the completion of a Request.
type Response struct {
	Words []uint32 // filled words for GET
	Error bool
}

// Backend performs the actual transfer. MapBackend, an in-memory map with
// no timing model, is the package's only implementation; the simulator
// and the tests both use it.
type Backend interface {
	Transfer(ctx context.Context, req Request) (Response, error)
}

// Port retries a Backend transfer with exponential backoff, the same
// policy shape the teacher's intake worker uses to reconnect its gRPC
// stream (internal/intake/worker.go).
type Port struct {
	log     logr.Logger
	backend Backend
	policy  backoff.BackOff
	maxTry  uint
}

// NewPort constructs a Port. maxTry bounds retries; 0 means "use backoff's
// default" (the teacher leaves its intake reconnect unbounded, but a
// bounded retry here lets the watchdog in pkg/sim fire deterministically
// instead of retrying forever).
func NewPort(log logr.Logger, backend Backend, maxTry uint) *Port {
	return &Port{
		log:     log.WithName("extram"),
		backend: backend,
		policy:  backoff.NewExponentialBackOff(),
		maxTry:  maxTry,
	}
}

// Do issues req against the backend, retrying transient errors.
func (p *Port) Do(ctx context.Context, req Request) (Response, error) {
	opts := []backoff.RetryOption{backoff.WithBackOff(p.policy)}
	if p.maxTry > 0 {
		opts = append(opts, backoff.WithMaxTries(p.maxTry))
	}
	return backoff.Retry(ctx, func() (Response, error) {
		resp, err := p.backend.Transfer(ctx, req)
		if err != nil {
			p.log.V(1).Info("external RAM transfer failed, retrying", "op", req.Op, "nline", req.Nline, "error", err)
			return Response{}, err
		}
		return resp, nil
	}, opts...)
}

// MapBackend is a trivial in-memory Backend used by tests and by
// single-process integration scenarios (spec.md §8 end-to-end scenarios):
// it stores one line's words per nline and never errors.
type MapBackend struct {
	WordsPerLine int
	lines        map[uint64][]uint32
	// ArtificialDelay, if set, is returned as the simulated transfer
	// latency by callers that want to model DRAM access time; the
	// MapBackend itself is synchronous.
	ArtificialDelay time.Duration
}

// NewMapBackend constructs a MapBackend.
func NewMapBackend(wordsPerLine int) *MapBackend {
	return &MapBackend{WordsPerLine: wordsPerLine, lines: make(map[uint64][]uint32)}
}

// Transfer implements Backend.
func (m *MapBackend) Transfer(_ context.Context, req Request) (Response, error) {
	switch req.Op {
	case OpGet:
		words, ok := m.lines[req.Nline]
		if !ok {
			words = make([]uint32, m.WordsPerLine)
		}
		out := make([]uint32, len(words))
		copy(out, words)
		return Response{Words: out}, nil
	case OpPut:
		words := make([]uint32, len(req.Words))
		copy(words, req.Words)
		m.lines[req.Nline] = words
		return Response{}, nil
	default:
		return Response{Error: true}, nil
	}
}
