// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command tilecohd runs the cycle-accurate coherence simulator against a
// generated workload, serving a live directory/trace introspection service
// and printing an invariant report when the run ends.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/tilecoh/tilecoh/pkg/addr"
	"github.com/tilecoh/tilecoh/pkg/config"
	"github.com/tilecoh/tilecoh/pkg/directory"
	"github.com/tilecoh/tilecoh/pkg/inspect"
	"github.com/tilecoh/tilecoh/pkg/sim"
	"github.com/tilecoh/tilecoh/pkg/verify"
)

var (
	setupLog logr.Logger

	maxCycles  uint64
	opsPerCore int
	addrWindow uint64
	seed       int64
	devLog     bool
)

func init() {
	flag.Uint64Var(&maxCycles, "max-cycles", 200_000, "Upper bound on cycles to run, independent of the watchdog")
	flag.IntVar(&opsPerCore, "ops-per-core", 2000, "Number of workload operations to issue per core")
	flag.Uint64Var(&addrWindow, "addr-window", 1<<20, "Shared physical address range the workload draws from")
	flag.Int64Var(&seed, "seed", 1, "Workload PRNG seed")
	flag.BoolVar(&devLog, "dev-log", false, "Use zap's development logging config instead of production")
}

func main() {
	cfg := config.Default()
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	var zapLog *zap.Logger
	var err error
	if devLog {
		zapLog, err = zap.NewDevelopment()
	} else {
		zapLog, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "tilecohd: unable to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLog.Sync() //nolint:errcheck
	setupLog = zapr.NewLogger(zapLog).WithName("tilecohd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workload := newRandomWorkload(seed, opsPerCore, addrWindow)
	s, err := sim.New(setupLog, cfg, workload)
	if err != nil {
		setupLog.Error(err, "unable to construct simulator")
		os.Exit(1)
	}
	defer func() {
		if err := s.Close(); err != nil {
			setupLog.Error(err, "error closing trace store")
		}
	}()

	inspectSrv := inspect.New(setupLog, s.Trace(), s.Tiles, func(id addr.Tile) []inspect.DirEntry {
		var out []inspect.DirEntry
		l2 := s.Tile(id).L2
		l2.ForEachEntry(func(nline uint64, e directory.Entry) {
			out = append(out, inspect.DirEntry{Nline: nline, State: e.State, Count: e.Count, Owner: e.Owner})
		})
		return out
	})
	go func() {
		if err := inspectSrv.Serve(cfg.InspectAddr); err != nil {
			setupLog.Error(err, "inspection service stopped")
		}
	}()
	defer inspectSrv.Stop()

	setupLog.Info("starting simulation", "meshX", cfg.MeshX, "meshY", cfg.MeshY, "coresPerTile", cfg.CoresPerTile, "maxCycles", maxCycles)

	start := time.Now()
	var runErr error
runLoop:
	for s.Cycle() < maxCycles {
		select {
		case <-ctx.Done():
			setupLog.Info("interrupted, stopping simulation", "cycle", s.Cycle())
			break runLoop
		default:
		}
		if err := s.RunCycle(ctx); err != nil {
			runErr = err
			break runLoop
		}
	}
	elapsed := time.Since(start)

	if runErr != nil {
		var watchdog *sim.ErrWatchdog
		if asWatchdog(runErr, &watchdog) {
			setupLog.Error(runErr, "watchdog fired", "globalCore", watchdog.GlobalCore, "cycle", watchdog.Cycle)
		} else {
			setupLog.Error(runErr, "simulation aborted")
		}
	}

	setupLog.Info("simulation finished", "cycles", s.Cycle(), "elapsed", elapsed)

	report(setupLog, s)

	if runErr != nil {
		os.Exit(1)
	}
}

func asWatchdog(err error, target **sim.ErrWatchdog) bool {
	w, ok := err.(*sim.ErrWatchdog)
	if ok {
		*target = w
	}
	return ok
}

func report(log logr.Logger, s *sim.Simulator) {
	traceReport, err := verify.CheckTrace(s.Trace())
	if err != nil {
		log.Error(err, "unable to check trace invariants")
	} else if !traceReport.OK() {
		for _, v := range traceReport.Violations {
			log.Info("invariant violation", "invariant", v.Invariant, "detail", v.Detail)
		}
	} else {
		log.Info("trace invariants (I-C, I-D) held for the entire run")
	}

	liveReport := verify.CheckLive(s.Tiles(), func(id addr.Tile) verify.MemCache { return s.Tile(id).L2 })
	if !liveReport.OK() {
		for _, v := range liveReport.Violations {
			log.Info("invariant violation", "invariant", v.Invariant, "detail", v.Detail)
		}
	} else {
		log.Info("live directory invariants (I-A, I-B) held at end of run")
	}
}
