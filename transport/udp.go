// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/node"
	"github.com/go-lpc/tpm/proto"
)

// Conn is a datagram connection to a single node.
type Conn struct {
	id      node.ID
	timeout time.Duration
	codec   proto.Codec
	msg     log.MsgStream

	state uint32 // State, accessed atomically

	mu   sync.Mutex // serializes round trips
	conn net.Conn
	buf  []byte
}

var _ Transport = (*Conn)(nil)

// Dial opens a UDP connection to the node id listening at addr.
func Dial(id node.ID, addr string, opts ...Option) (*Conn, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: could not dial %v at %q: %w", id, addr, err)
	}
	return New(id, conn, opts...), nil
}

// New wraps an already connected datagram connection to node id.
func New(id node.ID, conn net.Conn, opts ...Option) *Conn {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Conn{
		id:      id,
		timeout: cfg.timeout,
		codec:   proto.NewCodec(cfg.order),
		msg:     cfg.msgstream(id),
		conn:    conn,
		buf:     make([]byte, proto.MaxPacketSize),
	}
}

// Node returns the node this connection is bound to.
func (c *Conn) Node() node.ID { return c.id }

// State returns the current state of the connection.
func (c *Conn) State() State {
	return State(atomic.LoadUint32(&c.state))
}

func (c *Conn) setState(st State) {
	atomic.StoreUint32(&c.state, uint32(st))
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Send sends req and blocks until the response carrying the same PSN
// arrives or the time budget expires.
// Responses with a different PSN are stale answers to previous,
// timed out, requests and are discarded, as are datagrams too short to
// carry a PSN.
// Exchanges that do not fit in a datagram fail before any I/O.
func (c *Conn) Send(req proto.Packet) (proto.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := proto.CheckSize(req)
	if err != nil {
		return proto.Packet{}, fmt.Errorf("transport: could not send %v request to %v: %w", req.Opcode, c.id, err)
	}

	raw, err := c.codec.EncodeRequest(req)
	if err != nil {
		return proto.Packet{}, fmt.Errorf("transport: could not encode request for %v: %w", c.id, err)
	}

	c.setState(AwaitingResponse)
	defer c.setState(Idle)

	deadline := time.Now().Add(c.timeout)
	err = c.conn.SetDeadline(deadline)
	if err != nil {
		return proto.Packet{}, fmt.Errorf("transport: could not set deadline for %v: %w", c.id, err)
	}

	_, err = c.conn.Write(raw)
	if err != nil {
		if isTimeout(err) {
			return proto.Packet{}, c.timeoutError(req)
		}
		return proto.Packet{}, fmt.Errorf("transport: could not send %v request to %v: %w", req.Opcode, c.id, err)
	}

	for {
		n, err := c.conn.Read(c.buf)
		if err != nil {
			if isTimeout(err) {
				return proto.Packet{}, c.timeoutError(req)
			}
			return proto.Packet{}, fmt.Errorf("transport: could not receive %v response from %v: %w", req.Opcode, c.id, err)
		}
		msg := c.buf[:n]
		if n < 4 {
			c.msg.Debugf("%v: discarding runt datagram (size=%d)", c.id, n)
			continue
		}
		psn := c.codec.Order.Uint32(msg[:4])
		if psn != req.PSN {
			c.msg.Debugf("%v: discarding stale response (psn=0x%x, want=0x%x)", c.id, psn, req.PSN)
			continue
		}

		rep, err := c.codec.DecodeResponse(msg, req.Opcode)
		if err != nil {
			return proto.Packet{}, fmt.Errorf("transport: invalid response from %v: %w", c.id, err)
		}
		if req.Opcode.HasAddress() && rep.Address != req.Address {
			return rep, fmt.Errorf("transport: invalid response from %v: %w", c.id, &proto.ProtocolError{
				Op:  "decode",
				Msg: fmt.Sprintf("address echo mismatch (got=0x%x, want=0x%x)", rep.Address, req.Address),
			})
		}
		return rep, nil
	}
}

func (c *Conn) timeoutError(req proto.Packet) error {
	return &TimeoutError{Node: c.id, PSN: req.PSN, Deadline: c.timeout}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
