// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport exchanges protocol packets with remote nodes.
//
// Node identity is a transport property: each node is reached through
// its own endpoint and owns its own connection.
package transport // import "github.com/go-lpc/tpm/transport"

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/node"
	"github.com/go-lpc/tpm/proto"
)

// DefaultTimeout is the default time budget of a request/response round trip.
const DefaultTimeout = 1 * time.Second

// Transport sends a request to a single node and waits for its response.
//
// Implementations process at most one outstanding request at a time:
// concurrent callers block until the in-flight request completes.
type Transport interface {
	Send(req proto.Packet) (proto.Packet, error)
	io.Closer
}

// State is the state of a node transport.
type State uint32

const (
	Idle State = iota
	AwaitingResponse
)

func (st State) String() string {
	switch st {
	case Idle:
		return "idle"
	case AwaitingResponse:
		return "awaiting-response"
	}
	return fmt.Sprintf("State(%d)", uint32(st))
}

// TimeoutError is returned when no response with a matching PSN
// arrived within the time budget.
type TimeoutError struct {
	Node     node.ID
	PSN      uint32
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transport: %v did not answer request psn=0x%x within %v",
		e.Node, e.PSN, e.Deadline,
	)
}

// Timeout implements the net.Error-like timeout interface.
func (e *TimeoutError) Timeout() bool { return true }

// Option configures a transport.
type Option func(cfg *config)

type config struct {
	timeout time.Duration
	order   binary.ByteOrder
	msg     log.MsgStream
}

func newConfig() config {
	return config{
		timeout: DefaultTimeout,
		order:   proto.DefaultOrder,
	}
}

// WithTimeout sets the round trip time budget.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.timeout = d
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

func (cfg *config) msgstream(id node.ID) log.MsgStream {
	if cfg.msg != nil {
		return cfg.msg
	}
	return log.NewMsgStream("transport-"+id.String(), log.LvlInfo, os.Stdout)
}
