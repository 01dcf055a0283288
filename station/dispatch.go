// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package station

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/node"
	"github.com/go-lpc/tpm/proto"
	"github.com/go-lpc/tpm/regs"
	"github.com/go-lpc/tpm/transport"
	"golang.org/x/sync/errgroup"
)

// Stats counts how requests were dispatched.
type Stats struct {
	Direct uint64 // requests run on the caller goroutine
	Pooled uint64 // requests run on the worker pool
}

// Dispatcher executes operations against one or many nodes.
//
// Single-node operations run on the caller goroutine. Multi-node
// operations run one task per node on a bounded worker pool; all tasks
// run to completion before the results are aggregated.
type Dispatcher struct {
	direct atomic.Uint64
	pooled atomic.Uint64
	psn    atomic.Uint32

	table atomic.Pointer[regs.Table]
	conns map[node.ID]transport.Transport
	limit int
	msg   log.MsgStream
}

// NewDispatcher creates a dispatcher sending requests through conns
// and resolving registers from tbl.
func NewDispatcher(tbl *regs.Table, conns map[node.ID]transport.Transport, opts ...Option) *Dispatcher {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	disp := &Dispatcher{
		conns: conns,
		limit: cfg.workers,
		msg:   cfg.msgstream("station"),
	}
	disp.table.Store(tbl)
	return disp
}

// Load replaces the register descriptor table.
// Operations already planned keep using the previous table.
func (disp *Dispatcher) Load(tbl *regs.Table) {
	disp.table.Store(tbl)
}

// Table returns the current register descriptor table.
func (disp *Dispatcher) Table() *regs.Table {
	return disp.table.Load()
}

// Stats returns the dispatch counters.
func (disp *Dispatcher) Stats() Stats {
	return Stats{
		Direct: disp.direct.Load(),
		Pooled: disp.pooled.Load(),
	}
}

// Execute runs op on nodes and returns an *AggregateError if any node
// failed. The aggregate result is returned in all cases where the
// operation was dispatched.
func (disp *Dispatcher) Execute(op Op, nodes []node.ID) (AggregateResult, error) {
	agg, err := disp.Run(op, nodes)
	if err != nil {
		return nil, err
	}
	return agg, agg.Err()
}

// Run runs op on nodes and returns the per-node results without
// escalating per-node failures.
// The returned error is only non-nil when the operation could not be
// prepared, in which case no request was sent.
func (disp *Dispatcher) Run(op Op, nodes []node.ID) (AggregateResult, error) {
	reqs, err := disp.plan(disp.Table(), op, nodes)
	if err != nil {
		return nil, err
	}
	return disp.dispatch(reqs), nil
}

type request struct {
	node node.ID
	kind regs.Kind
	pkt  proto.Packet
}

// plan resolves and validates op for every node before any I/O.
func (disp *Dispatcher) plan(tbl *regs.Table, op Op, nodes []node.ID) ([]request, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("station: no node to run %v on", op.Kind)
	}
	reqs := make([]request, len(nodes))
	for i, id := range nodes {
		if _, ok := disp.conns[id]; !ok {
			return nil, fmt.Errorf("station: no transport for %v: %w", id, &node.UnknownNodeError{Token: id.String()})
		}
		req, err := disp.build(tbl, op, id)
		if err != nil {
			return nil, err
		}
		reqs[i] = req
	}
	for i := range reqs {
		reqs[i].pkt.PSN = disp.psn.Add(1)
	}
	return reqs, nil
}

func (disp *Dispatcher) build(tbl *regs.Table, op Op, id node.ID) (request, error) {
	req := request{node: id, kind: regs.Memory}

	switch op.Kind {
	case OpRead, OpWrite, OpModify:
		write := op.Kind != OpRead
		count := op.Count
		if write {
			count = len(op.Values)
			if count == 0 {
				return req, fmt.Errorf("station: no value to %v on %v", op.Kind, id)
			}
		}
		if count <= 0 || int64(count) > math.MaxUint32 {
			return req, fmt.Errorf("station: invalid word count %d for %v on %v", count, op.Kind, id)
		}

		addr := op.Address + op.Offset
		if op.Register != "" {
			desc, err := tbl.Lookup(op.Register, id)
			if err != nil {
				return req, err
			}
			err = regs.CheckPermission(desc, write)
			if err != nil {
				return req, err
			}
			if op.Kind == OpModify {
				err = regs.CheckPermission(desc, false)
				if err != nil {
					return req, err
				}
			}
			req.kind = desc.Kind
			offset := op.Offset
			if desc.Kind == regs.Fifo {
				// FIFOs have no addressable offset.
				offset = 0
			}
			err = regs.Validate(desc, offset, count)
			if err != nil {
				return req, err
			}
			addr = desc.Address + offset
		}

		req.pkt = proto.Packet{Address: addr, Length: uint32(count)}
		switch op.Kind {
		case OpRead:
			req.pkt.Opcode = proto.MemoryRead
			if req.kind == regs.Fifo {
				req.pkt.Opcode = proto.FifoRead
			}
		case OpWrite:
			req.pkt.Opcode = proto.MemoryWrite
			if req.kind == regs.Fifo {
				req.pkt.Opcode = proto.FifoWrite
			}
			req.pkt.Payload = op.Values
		case OpModify:
			switch op.Modify {
			case proto.ModifyAnd, proto.ModifyOr, proto.ModifyXor:
			default:
				return req, fmt.Errorf("station: invalid modify opcode %v", op.Modify)
			}
			if req.kind == regs.Fifo {
				return req, fmt.Errorf("station: can not %v FIFO register %q", op.Modify, op.Register)
			}
			req.pkt.Opcode = op.Modify
			req.pkt.Payload = op.Values
		}

	case OpFlashRead, OpFlashWrite, OpFlashErase:
		if op.Address%proto.PageSize != 0 {
			return req, fmt.Errorf("station: flash address 0x%x not aligned on a %d bytes page", op.Address, proto.PageSize)
		}
		req.pkt = proto.Packet{Address: op.Address}
		switch op.Kind {
		case OpFlashRead:
			req.pkt.Opcode = proto.FlashRead
			req.pkt.Length = proto.PageWords
		case OpFlashWrite:
			if len(op.Values) != proto.PageWords {
				return req, fmt.Errorf("station: flash write needs exactly one page (got=%d words, want=%d)",
					len(op.Values), proto.PageWords,
				)
			}
			req.pkt.Opcode = proto.FlashWrite
			req.pkt.Length = proto.PageWords
			req.pkt.Payload = op.Values
		case OpFlashErase:
			req.pkt.Opcode = proto.FlashErase
		}

	case OpWaitPPS:
		req.pkt = proto.Packet{Opcode: proto.WaitPPS}

	default:
		return req, fmt.Errorf("station: invalid operation kind %v", op.Kind)
	}

	err := proto.CheckSize(req.pkt)
	if err != nil {
		return req, fmt.Errorf("station: could not plan %v on %v: %w", op.Kind, id, err)
	}

	return req, nil
}

func (disp *Dispatcher) dispatch(reqs []request) AggregateResult {
	agg := make(AggregateResult, len(reqs))
	if len(reqs) == 1 {
		disp.direct.Add(1)
		agg[0] = disp.roundTrip(reqs[0])
		return agg
	}

	var grp errgroup.Group
	grp.SetLimit(disp.workers(len(reqs)))
	for i := range reqs {
		i := i
		disp.pooled.Add(1)
		grp.Go(func() error {
			agg[i] = disp.roundTrip(reqs[i])
			return nil
		})
	}
	_ = grp.Wait()

	return agg
}

func (disp *Dispatcher) workers(n int) int {
	if disp.limit > 0 && disp.limit < n {
		return disp.limit
	}
	return n
}

// roundTrip performs exactly one request/response exchange with a node.
func (disp *Dispatcher) roundTrip(req request) Result {
	res := Result{Node: req.node, Status: proto.Success, Code: proto.OK}
	conn := disp.conns[req.node]

	disp.msg.Debugf("%v: sending %v (psn=0x%x, addr=0x%x, len=%d)",
		req.node, req.pkt.Opcode, req.pkt.PSN, req.pkt.Address, req.pkt.Length,
	)
	rep, err := conn.Send(req.pkt)
	if err != nil {
		res.Status = proto.Failure
		res.Code = codeOf(err)
		res.Err = err
		disp.msg.Warnf("%v: %v failed: %+v", req.node, req.pkt.Opcode, err)
		return res
	}

	if !req.pkt.Opcode.IsRead() {
		return res
	}

	n := len(rep.Payload)
	want := int(req.pkt.Length)
	switch req.pkt.Opcode {
	case proto.WaitPPS:
		want = 1
	case proto.FifoRead:
		// reads dequeue at most Length words.
		if n > 0 && n <= want {
			want = n
		}
	}
	if n != want {
		res.Status = proto.Failure
		res.Code = proto.SizeErr
		res.Err = fmt.Errorf("station: %v returned %d words for %v (want=%d)", req.node, n, req.pkt.Opcode, want)
		disp.msg.Warnf("%v: %+v", req.node, res.Err)
		return res
	}
	res.Values = rep.Payload
	return res
}

func codeOf(err error) proto.Code {
	var (
		terr *transport.TimeoutError
		perr *proto.ProtocolError
	)
	switch {
	case errors.As(err, &terr):
		return proto.TimeoutErr
	case errors.As(err, &perr):
		if perr.Op == "encode" {
			return proto.PackErr
		}
		return proto.UnpackErr
	}
	return proto.FormatErr
}
