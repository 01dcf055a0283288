// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package station

import (
	"fmt"

	"github.com/go-lpc/tpm/node"
	"github.com/go-lpc/tpm/proto"
	"github.com/go-lpc/tpm/regs"
	"github.com/go-lpc/tpm/transport"
)

// Client owns the node registry, the register descriptor table and one
// transport per node.
type Client struct {
	reg   *node.Registry
	disp  *Dispatcher
	conns map[node.ID]transport.Transport
	codec proto.Codec
}

// New creates a client from already established node transports.
func New(reg *node.Registry, tbl *regs.Table, conns map[node.ID]transport.Transport, opts ...Option) (*Client, error) {
	for id := range conns {
		if !reg.Has(id) {
			return nil, fmt.Errorf("station: transport for %v not in topology", id)
		}
	}
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{
		reg:   reg,
		disp:  NewDispatcher(tbl, conns, opts...),
		conns: conns,
		codec: proto.NewCodec(cfg.order),
	}, nil
}

// Dial creates a client connected over UDP to every node of addrs.
func Dial(reg *node.Registry, tbl *regs.Table, addrs map[node.ID]string, opts ...Option) (*Client, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	conns := make(map[node.ID]transport.Transport, len(addrs))
	for id, addr := range addrs {
		conn, err := transport.Dial(id, addr,
			transport.WithTimeout(cfg.timeout),
			transport.WithByteOrder(cfg.order),
			transport.WithMsgStream(cfg.msgstream("transport")),
		)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return nil, fmt.Errorf("station: could not connect to %v: %w", id, err)
		}
		conns[id] = conn
	}

	cli, err := New(reg, tbl, conns, opts...)
	if err != nil {
		for _, c := range conns {
			_ = c.Close()
		}
		return nil, err
	}
	return cli, nil
}

// Close closes all node transports.
func (cli *Client) Close() error {
	var err error
	for id, conn := range cli.conns {
		if e := conn.Close(); e != nil && err == nil {
			err = fmt.Errorf("station: could not close transport to %v: %w", id, e)
		}
	}
	return err
}

// Registry returns the node registry.
func (cli *Client) Registry() *node.Registry { return cli.reg }

// Dispatcher returns the client dispatcher.
func (cli *Client) Dispatcher() *Dispatcher { return cli.disp }

// Load replaces the register descriptor table, e.g. after a firmware load.
func (cli *Client) Load(tbl *regs.Table) { cli.disp.Load(tbl) }

// Table returns the current register descriptor table.
func (cli *Client) Table() *regs.Table { return cli.disp.Table() }

// Bytes unpacks words read from flash into bytes.
func (cli *Client) Bytes(words []uint32) []byte { return cli.codec.WordsToBytes(words) }

// Resolve resolves spec into an ordered list of nodes.
func (cli *Client) Resolve(spec node.Spec) ([]node.ID, error) {
	return cli.reg.Resolve(spec)
}

// targets resolves the nodes addressed by spec and by the optional
// node prefix of the register name.
func (cli *Client) targets(spec node.Spec, name string) ([]node.ID, string, error) {
	prefix, reg := regs.SplitName(name)
	switch {
	case prefix != "" && spec != nil:
		return nil, "", fmt.Errorf("station: register %q already names its node (spec=%v)", name, spec)
	case prefix != "":
		v, err := node.ParseSpec(prefix)
		if err != nil {
			return nil, "", err
		}
		spec = v
	case spec == nil:
		return nil, "", fmt.Errorf("station: no node specified for register %q", name)
	}

	ids, err := cli.reg.Resolve(spec)
	if err != nil {
		return nil, "", err
	}
	return ids, reg, nil
}

// Run executes op on the nodes selected by spec and the optional node
// prefix of op.Register, without escalating per-node failures.
func (cli *Client) Run(spec node.Spec, op Op) (AggregateResult, error) {
	ids, err := cli.resolveOp(spec, &op)
	if err != nil {
		return nil, err
	}
	return cli.disp.Run(op, ids)
}

// Execute executes op on the nodes selected by spec and the optional
// node prefix of op.Register.
// Any per-node failure is reported as an *AggregateError once all
// nodes have completed.
func (cli *Client) Execute(spec node.Spec, op Op) (AggregateResult, error) {
	ids, err := cli.resolveOp(spec, &op)
	if err != nil {
		return nil, err
	}
	return cli.disp.Execute(op, ids)
}

func (cli *Client) resolveOp(spec node.Spec, op *Op) ([]node.ID, error) {
	if op.Register == "" {
		if spec == nil {
			return nil, fmt.Errorf("station: no node specified for %v", op.Kind)
		}
		return cli.reg.Resolve(spec)
	}
	ids, reg, err := cli.targets(spec, op.Register)
	if err != nil {
		return nil, err
	}
	op.Register = reg
	return ids, nil
}

// Read reads count words at byte offset from register name.
func (cli *Client) Read(spec node.Spec, name string, offset uint32, count int) (AggregateResult, error) {
	return cli.Execute(spec, Op{Kind: OpRead, Register: name, Offset: offset, Count: count})
}

// Write writes values at byte offset into register name.
func (cli *Client) Write(spec node.Spec, name string, offset uint32, values ...uint32) (AggregateResult, error) {
	return cli.Execute(spec, Op{Kind: OpWrite, Register: name, Offset: offset, Values: values})
}

// Modify applies a remote read-modify-write (ModifyAnd, ModifyOr or
// ModifyXor) of operands at byte offset into register name.
// Each node returns the previous register values.
func (cli *Client) Modify(spec node.Spec, name string, op proto.Opcode, offset uint32, operands ...uint32) (AggregateResult, error) {
	return cli.Execute(spec, Op{Kind: OpModify, Register: name, Offset: offset, Values: operands, Modify: op})
}

// ReadAddress reads count words at byte address addr.
func (cli *Client) ReadAddress(spec node.Spec, addr uint32, count int) (AggregateResult, error) {
	return cli.Execute(spec, Op{Kind: OpRead, Address: addr, Count: count})
}

// WriteAddress writes values at byte address addr.
func (cli *Client) WriteAddress(spec node.Spec, addr uint32, values ...uint32) (AggregateResult, error) {
	return cli.Execute(spec, Op{Kind: OpWrite, Address: addr, Values: values})
}

// FlashRead reads the flash page at byte address addr.
// Values are the page bytes packed in wire order, see Bytes.
func (cli *Client) FlashRead(spec node.Spec, addr uint32) (AggregateResult, error) {
	return cli.Execute(spec, Op{Kind: OpFlashRead, Address: addr})
}

// FlashWrite programs the flash page at byte address addr.
func (cli *Client) FlashWrite(spec node.Spec, addr uint32, page []byte) (AggregateResult, error) {
	if len(page) != proto.PageSize {
		return nil, fmt.Errorf("station: invalid flash page size (got=%d, want=%d)", len(page), proto.PageSize)
	}
	return cli.Execute(spec, Op{Kind: OpFlashWrite, Address: addr, Values: cli.codec.BytesToWords(page)})
}

// FlashErase erases the flash sector containing byte address addr.
func (cli *Client) FlashErase(spec node.Spec, addr uint32) (AggregateResult, error) {
	addr -= addr % proto.PageSize
	return cli.Execute(spec, Op{Kind: OpFlashErase, Address: addr})
}

// WaitPPS blocks until the next pulse-per-second edge on every node.
func (cli *Client) WaitPPS(spec node.Spec) (AggregateResult, error) {
	return cli.Execute(spec, Op{Kind: OpWaitPPS})
}
