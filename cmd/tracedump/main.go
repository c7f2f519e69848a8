// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command tracedump replays a badger-backed coherence event trace produced
// by tilecohd -trace-db-path, printing every record and a final invariant
// report without re-running the simulation that produced it.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/tilecoh/tilecoh/pkg/trace"
	"github.com/tilecoh/tilecoh/pkg/verify"
)

func main() {
	var dbPath string
	var quiet bool
	flag.StringVar(&dbPath, "trace-db-path", "./tilecoh-trace", "Path to the badger-backed coherence event trace to replay")
	flag.BoolVar(&quiet, "quiet", false, "Suppress per-record output, printing only the invariant report")
	flag.Parse()

	zapLog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracedump: unable to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLog.Sync() //nolint:errcheck
	log := zapr.NewLogger(zapLog).WithName("tracedump")

	store, err := trace.Open(log, dbPath)
	if err != nil {
		log.Error(err, "unable to open trace store", "path", dbPath)
		os.Exit(1)
	}
	defer store.Close()

	if !quiet {
		if err := printRecords(store); err != nil {
			log.Error(err, "error replaying trace")
			os.Exit(1)
		}
	}

	report, err := verify.CheckTrace(store)
	if err != nil {
		log.Error(err, "unable to check trace invariants")
		os.Exit(1)
	}
	if report.OK() {
		fmt.Println("I-C, I-D: OK")
		return
	}
	for _, v := range report.Violations {
		fmt.Printf("%s\n", v)
	}
	os.Exit(1)
}

func printRecords(store *trace.Store) error {
	return store.All(func(r trace.Record) error {
		fmt.Printf("cycle=%d tile=(%d,%d) kind=%s nline=%d tableIdx=%d expectAck=%d source=%d success=%t\n",
			r.Cycle, r.Tile.X, r.Tile.Y, r.Kind, r.Nline, r.TableIdx, r.ExpectAck, r.Source, r.Success)
		return nil
	})
}
