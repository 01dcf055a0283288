// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nodesim

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/node"
	"github.com/go-lpc/tpm/proto"
	"github.com/go-lpc/tpm/regs"
)

const (
	DefaultMemSize   = 1 << 20
	DefaultFlashSize = 16 * proto.SectorSize
	DefaultPPS       = 1 * time.Second
)

// Option configures a simulated node.
type Option func(cfg *config)

type config struct {
	mem   int
	flash int
	image string
	pps   time.Duration
	order binary.ByteOrder
	fifos []regs.Descriptor
	msg   log.MsgStream
}

func newConfig() config {
	return config{
		mem:   DefaultMemSize,
		flash: DefaultFlashSize,
		pps:   DefaultPPS,
		order: proto.DefaultOrder,
	}
}

func (cfg *config) msgstream(id node.ID) log.MsgStream {
	if cfg.msg != nil {
		return cfg.msg
	}
	return log.NewMsgStream("nodesim-"+id.String(), log.LvlInfo, os.Stdout)
}

// WithMemSize sets the size in bytes of the register memory.
func WithMemSize(n int) Option {
	return func(cfg *config) {
		cfg.mem = n
	}
}

// WithFlashSize sets the size in bytes of the flash memory.
func WithFlashSize(n int) Option {
	return func(cfg *config) {
		cfg.flash = n
	}
}

// WithFlashImage backs the flash memory with the named file.
func WithFlashImage(fname string) Option {
	return func(cfg *config) {
		cfg.image = fname
	}
}

// WithPPSPeriod sets the period of the simulated PPS signal.
func WithPPSPeriod(d time.Duration) Option {
	return func(cfg *config) {
		cfg.pps = d
	}
}

// WithByteOrder sets the wire byte order.
func WithByteOrder(order binary.ByteOrder) Option {
	return func(cfg *config) {
		cfg.order = order
	}
}

// WithFifos declares the FIFO registers of the node.
func WithFifos(fifos []regs.Descriptor) Option {
	return func(cfg *config) {
		cfg.fifos = append(cfg.fifos, fifos...)
	}
}

// WithMsgStream sets the message stream used for logging.
func WithMsgStream(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}
