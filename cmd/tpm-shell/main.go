// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tpm-shell is an interactive shell to inspect and modify the
// registers of the nodes of a station.
package main // import "github.com/go-lpc/tpm/cmd/tpm-shell"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/config"
	"github.com/go-lpc/tpm/internal/cmdline"
	"github.com/go-lpc/tpm/station"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("tpm-shell: ")
	log.SetFlags(0)

	var (
		fname   = flag.String("cfg", "station.toml", "path to the station configuration file")
		hist    = flag.String("history", filepath.Join(os.TempDir(), ".tpm-shell.history"), "path to the history file")
		verbose = flag.Bool("v", false, "enable verbose mode")
	)

	flag.Parse()

	err := run(*fname, *hist, *verbose)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(fname, hist string, verbose bool) error {
	cfg, err := config.Load(fname)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}

	lvl := tlog.LvlWarning
	if verbose {
		lvl = tlog.LvlDebug
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cli, err := cfg.Dial(ctx, station.WithMsgStream(tlog.NewMsgStream("tpm-shell", lvl, os.Stderr)))
	if err != nil {
		return fmt.Errorf("could not connect to station: %w", err)
	}
	defer cli.Close()

	sh := newShell(cli, os.Stdout, hist)
	defer sh.close()

	return sh.run()
}

type shell struct {
	term *liner.State
	in   *cmdline.Interp
	hist string
}

func newShell(cli *station.Client, w io.Writer, hist string) *shell {
	sh := &shell{
		term: liner.NewLiner(),
		in:   cmdline.New(cli, w),
		hist: hist,
	}
	sh.term.SetCtrlCAborts(true)
	sh.term.SetCompleter(sh.in.Complete)

	if f, err := os.Open(hist); err == nil {
		_, _ = sh.term.ReadHistory(f)
		f.Close()
	}
	return sh
}

func (sh *shell) close() {
	f, err := os.Create(sh.hist)
	if err == nil {
		_, _ = sh.term.WriteHistory(f)
		f.Close()
	}
	_ = sh.term.Close()
}

func (sh *shell) run() error {
	for {
		line, err := sh.term.Prompt("tpm> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sh.term.AppendHistory(line)

		switch line {
		case "quit", "exit":
			return nil
		}

		err = sh.in.Exec(strings.Fields(line))
		if err != nil {
			log.Printf("%+v", err)
		}
	}
}
