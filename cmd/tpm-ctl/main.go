// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tpm-ctl runs one command against the nodes of a station.
//
// Usage:
//
//	$> tpm-ctl -cfg station.toml read all board.ctrl
//	$> tpm-ctl -cfg station.toml write fpga2 beam.coeffs 0 0x1 0x2
//	$> tpm-ctl -cfg station.toml or - fpga3.board.ctrl 0 0x4
//	$> tpm-ctl -cfg station.toml pps all
//	$> tpm-ctl -cfg station.toml help
package main // import "github.com/go-lpc/tpm/cmd/tpm-ctl"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm"
	"github.com/go-lpc/tpm/config"
	"github.com/go-lpc/tpm/internal/cmdline"
	"github.com/go-lpc/tpm/station"
)

func main() {
	log.SetPrefix("tpm-ctl: ")
	log.SetFlags(0)

	var (
		fname   = flag.String("cfg", "station.toml", "path to the station configuration file")
		timeout = flag.Duration("timeout", 0, "per-node round trip timeout (overrides configuration)")
		verbose = flag.Bool("v", false, "enable verbose mode")
		vers    = flag.Bool("version", false, "print version and exit")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tpm-ctl [options] <command> [args...]\n\nOptions:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *vers {
		v, sum := tpm.Version()
		fmt.Printf("tpm-ctl %s %s\n", v, sum)
		return
	}

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing command")
	}

	err := run(os.Stdout, *fname, *timeout, *verbose, flag.Args())
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(w io.Writer, fname string, timeout time.Duration, verbose bool, args []string) error {
	cfg, err := config.Load(fname)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}
	if timeout > 0 {
		cfg.Timeout = timeout
	}

	lvl := tlog.LvlError
	if verbose {
		lvl = tlog.LvlDebug
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cli, err := cfg.Dial(ctx, station.WithMsgStream(tlog.NewMsgStream("tpm-ctl", lvl, os.Stderr)))
	if err != nil {
		return fmt.Errorf("could not connect to station: %w", err)
	}
	defer cli.Close()

	err = cmdline.New(cli, w).Exec(args)
	if err != nil {
		return fmt.Errorf("could not run %q: %w", args[0], err)
	}
	return nil
}
