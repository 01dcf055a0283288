// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package station

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/proto"
	"github.com/go-lpc/tpm/transport"
)

// DefaultWorkers is the default maximum number of concurrent
// node requests.
const DefaultWorkers = 32

// Option configures a Client or a Dispatcher.
type Option func(cfg *config)

type config struct {
	timeout time.Duration
	workers int
	order   binary.ByteOrder
	msg     log.MsgStream
}

func newConfig() config {
	return config{
		timeout: transport.DefaultTimeout,
		workers: DefaultWorkers,
		order:   proto.DefaultOrder,
	}
}

func (cfg *config) msgstream(name string) log.MsgStream {
	if cfg.msg != nil {
		return cfg.msg
	}
	return log.NewMsgStream(name, log.LvlInfo, os.Stdout)
}

// WithTimeout sets the per-node round trip time budget.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.timeout = d
	}
}

// WithMaxWorkers caps the number of nodes served concurrently.
// A non-positive value removes the cap.
func WithMaxWorkers(n int) Option {
	return func(cfg *config) {
		cfg.workers = n
	}
}

// WithByteOrder sets the wire byte order.
func WithByteOrder(order binary.ByteOrder) Option {
	return func(cfg *config) {
		cfg.order = order
	}
}

// WithMsgStream sets the message stream used for logging.
func WithMsgStream(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}
