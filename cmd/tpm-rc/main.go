// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tpm-rc starts a TDAQ run-control server driving a station.
//
// The /config command takes the path to the station configuration file
// as its payload, falling back to $TPM_CONFIG.
package main // import "github.com/go-lpc/tpm/cmd/tpm-rc"

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/tpm/config"
	"github.com/go-lpc/tpm/node"
	"github.com/go-lpc/tpm/regdb"
	"github.com/go-lpc/tpm/regs"
	"github.com/go-lpc/tpm/station"
)

func main() {
	cmd := flags.New()

	dev := rc{
		name:  cmd.Args[0],
		fname: os.Getenv("TPM_CONFIG"),
	}

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.RunHandle(dev.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

type rc struct {
	name  string
	fname string

	cfg config.Config
	cli *station.Client

	pps  int // number of PPS edges seen during the current run
	miss int // number of failed PPS waits during the current run
}

func (dev *rc) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	if len(req.Body) > 0 {
		dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
		if fname := dec.ReadStr(); fname != "" {
			dev.fname = fname
		}
	}
	if dev.fname == "" {
		return fmt.Errorf("no station configuration file")
	}

	cfg, err := config.Load(dev.fname)
	if err != nil {
		ctx.Msg.Errorf("could not load configuration %q: %+v", dev.fname, err)
		return fmt.Errorf("could not load configuration %q: %w", dev.fname, err)
	}

	err = cfg.Resolve(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not resolve configuration: %+v", err)
		return fmt.Errorf("could not resolve configuration: %w", err)
	}

	dev.cfg = cfg
	ctx.Msg.Infof("configured station with %d node(s) and %d register(s)",
		len(cfg.Nodes), len(cfg.Registers),
	)
	return nil
}

func (dev *rc) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")

	if dev.cli != nil {
		_ = dev.cli.Close()
		dev.cli = nil
	}

	cli, err := dev.cfg.Dial(ctx.Ctx, station.WithMsgStream(ctx.Msg))
	if err != nil {
		ctx.Msg.Errorf("could not connect to station: %+v", err)
		return fmt.Errorf("could not connect to station: %w", err)
	}

	// make sure every node answers before declaring the station ready.
	_, err = cli.ReadAddress(node.All, 0, 1)
	if err != nil {
		_ = cli.Close()
		ctx.Msg.Errorf("could not probe station: %+v", err)
		return fmt.Errorf("could not probe station: %w", err)
	}

	dev.cli = cli
	return nil
}

func (dev *rc) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	dev.pps = 0
	dev.miss = 0

	if dev.cli == nil {
		return nil
	}

	tbl, err := dev.table(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not reload register map: %+v", err)
		return fmt.Errorf("could not reload register map: %w", err)
	}
	dev.cli.Load(tbl)
	ctx.Msg.Infof("register map reloaded")
	return nil
}

// table reloads the register map, from the configuration database
// when one is configured.
func (dev *rc) table(ctx context.Context) (*regs.Table, error) {
	reg := dev.cli.Registry()
	if !dev.cfg.DB.Enabled() {
		return dev.cfg.Table(reg)
	}

	db, err := regdb.Open(dev.cfg.DB.Source)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	return db.Table(ctx, reg, dev.cfg.DB.Firmware)
}

func (dev *rc) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	if dev.cli == nil {
		return fmt.Errorf("station not initialized")
	}
	dev.pps = 0
	dev.miss = 0
	return nil
}

func (dev *rc) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command... -> pps=%d, missed=%d", dev.pps, dev.miss)
	return nil
}

func (dev *rc) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	if dev.cli == nil {
		return nil
	}
	err := dev.cli.Close()
	dev.cli = nil
	return err
}

func (dev *rc) run(ctx tdaq.Context) error {
	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		default:
			agg, err := dev.cli.WaitPPS(node.All)
			if err != nil {
				dev.miss++
				ctx.Msg.Warnf("could not wait for PPS: %+v", err)
				continue
			}
			dev.pps++
			ctx.Msg.Debugf("PPS edge %d: %v", dev.pps, agg.Values())
		}
	}
}
