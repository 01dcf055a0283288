// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tpm-sim runs simulated nodes for the nodes of a station
// configuration.
//
// Usage:
//
//	$> tpm-sim -cfg station.toml
//	$> tpm-sim -cfg station.toml -nodes front -pmon -pmon-out sim.pmon
package main // import "github.com/go-lpc/tpm/cmd/tpm-sim"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/config"
	"github.com/go-lpc/tpm/nodesim"
	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetPrefix("tpm-sim: ")
	log.SetFlags(0)

	var (
		fname   = flag.String("cfg", "station.toml", "path to the station configuration file")
		nodes   = flag.String("nodes", "all", "nodes to simulate")
		doMon   = flag.Bool("pmon", false, "enable pmon monitoring")
		monFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")
		monOut  = flag.String("pmon-out", "tpm-sim.pmon", "pmon output file")
		verbose = flag.Bool("v", false, "enable verbose mode")
	)

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *doMon {
		kill, err := monitor(*monOut, *monFreq)
		if err != nil {
			log.Fatalf("%+v", err)
		}
		defer kill()
	}

	err := run(ctx, *fname, *nodes, *verbose)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func monitor(fname string, freq time.Duration) (func(), error) {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("could not start monitoring: %w", err)
	}
	f, err := os.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("could not create pmon output file: %w", err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		err := p.Run()
		if err != nil {
			log.Printf("could not run pmon: %+v", err)
		}
	}()

	return func() {
		err := p.Kill()
		if err != nil {
			log.Printf("could not stop monitoring: %+v", err)
		}
		f.Close()
	}, nil
}

func run(ctx context.Context, fname, nodes string, verbose bool) error {
	cfg, err := config.Load(fname)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}

	err = cfg.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("could not resolve configuration: %w", err)
	}

	reg, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("invalid topology: %w", err)
	}
	tbl, err := cfg.Table(reg)
	if err != nil {
		return fmt.Errorf("invalid register map: %w", err)
	}
	ids, err := reg.ResolveString(nodes)
	if err != nil {
		return fmt.Errorf("invalid node selection: %w", err)
	}

	lvl := tlog.LvlInfo
	if verbose {
		lvl = tlog.LvlDebug
	}

	srvs := make([]*nodesim.Server, 0, len(ids))
	defer func() {
		for _, srv := range srvs {
			_ = srv.Close()
		}
	}()

	for _, id := range ids {
		opts := []nodesim.Option{
			nodesim.WithMemSize(cfg.Sim.MemSize),
			nodesim.WithFlashSize(cfg.Sim.FlashSize),
			nodesim.WithPPSPeriod(cfg.Sim.PPS),
			nodesim.WithByteOrder(cfg.Order),
			nodesim.WithFifos(tbl.Fifos(id)),
			nodesim.WithMsgStream(tlog.NewMsgStream(reg.Alias(id), lvl, os.Stdout)),
		}
		if cfg.Sim.FlashDir != "" {
			opts = append(opts, nodesim.WithFlashImage(
				filepath.Join(cfg.Sim.FlashDir, reg.Alias(id)+".flash"),
			))
		}
		if ext := tbl.Extent(id); int(ext) > cfg.Sim.MemSize {
			return fmt.Errorf("register map of %v needs %d bytes of memory (mem-size=%d)", id, ext, cfg.Sim.MemSize)
		}

		srv, err := nodesim.Listen(id, cfg.Addrs[id], opts...)
		if err != nil {
			return fmt.Errorf("could not start %v: %w", id, err)
		}
		srvs = append(srvs, srv)
	}

	grp, ctx := errgroup.WithContext(ctx)
	for _, srv := range srvs {
		srv := srv
		grp.Go(func() error {
			return srv.Serve(ctx)
		})
	}

	log.Printf("simulating %d node(s)...", len(srvs))
	err = grp.Wait()
	if err != nil {
		return fmt.Errorf("could not serve: %w", err)
	}
	return nil
}
