// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nodesim emulates a processing node serving the register
// access protocol over UDP.
//
// A simulated node processes one request at a time. Requests it can not
// serve (misaligned or out of range addresses, length fields disagreeing
// with the payload, empty FIFOs, unknown FIFOs) are dropped without answer.
package nodesim // import "github.com/go-lpc/tpm/nodesim"

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/internal/mmap"
	"github.com/go-lpc/tpm/node"
	"github.com/go-lpc/tpm/proto"
)

// Stats counts the requests seen by a simulated node.
type Stats struct {
	Handled uint64
	Dropped uint64
}

// Server is a simulated node.
type Server struct {
	id    node.ID
	conn  net.PacketConn
	codec proto.Codec
	msg   log.MsgStream

	mu    sync.Mutex
	mem   *mmap.Handle
	flash *mmap.Handle
	fifos map[uint32]*fifo

	pps   time.Duration
	epoch time.Time

	handled atomic.Uint64
	dropped atomic.Uint64
}

// Listen creates a simulated node listening on the UDP address addr.
func Listen(id node.ID, addr string, opts ...Option) (*Server, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("nodesim: could not listen on %q: %w", addr, err)
	}
	srv, err := New(id, conn, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return srv, nil
}

// New creates a simulated node serving requests received on conn.
func New(id node.ID, conn net.PacketConn, opts ...Option) (*Server, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.pps <= 0 {
		return nil, fmt.Errorf("nodesim: invalid PPS period %v", cfg.pps)
	}
	if cfg.flash%proto.SectorSize != 0 {
		return nil, fmt.Errorf("nodesim: flash size %d is not a multiple of the sector size", cfg.flash)
	}

	srv := &Server{
		id:    id,
		conn:  conn,
		codec: proto.NewCodec(cfg.order),
		msg:   cfg.msgstream(id),
		fifos: make(map[uint32]*fifo, len(cfg.fifos)),
		pps:   cfg.pps,
		epoch: time.Now(),
	}

	for _, desc := range cfg.fifos {
		if _, dup := srv.fifos[desc.Address]; dup {
			return nil, fmt.Errorf("nodesim: duplicate FIFO at 0x%x (%s)", desc.Address, desc.Name)
		}
		srv.fifos[desc.Address] = newFIFO(desc.Name, int(desc.Size))
	}

	var err error
	srv.mem, err = mmap.Anon(cfg.mem, cfg.order)
	if err != nil {
		return nil, fmt.Errorf("nodesim: could not create memory of %v: %w", id, err)
	}

	srv.flash, err = openFlash(cfg)
	if err != nil {
		_ = srv.mem.Close()
		return nil, fmt.Errorf("nodesim: could not create flash of %v: %w", id, err)
	}

	return srv, nil
}

func openFlash(cfg config) (*mmap.Handle, error) {
	if cfg.image == "" {
		h, err := mmap.Anon(cfg.flash, cfg.order)
		if err != nil {
			return nil, err
		}
		err = h.Fill(0, h.Len(), 0xff)
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		return h, nil
	}

	_, err := os.Stat(cfg.image)
	fresh := errors.Is(err, os.ErrNotExist)

	h, err := mmap.Open(cfg.image, cfg.flash, cfg.order)
	if err != nil {
		return nil, err
	}
	if fresh {
		err = h.Fill(0, h.Len(), 0xff)
		if err != nil {
			_ = h.Close()
			return nil, err
		}
	}
	return h, nil
}

// Node returns the identifier of the simulated node.
func (srv *Server) Node() node.ID { return srv.id }

// Addr returns the address the node listens on.
func (srv *Server) Addr() net.Addr { return srv.conn.LocalAddr() }

// Stats returns the request counters.
func (srv *Server) Stats() Stats {
	return Stats{
		Handled: srv.handled.Load(),
		Dropped: srv.dropped.Load(),
	}
}

// Close stops serving requests and releases the node memories.
func (srv *Server) Close() error {
	err := srv.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()

	if e := srv.flash.Close(); e != nil && err == nil {
		err = e
	}
	if e := srv.mem.Close(); e != nil && err == nil {
		err = e
	}
	if err != nil {
		return fmt.Errorf("nodesim: could not close %v: %w", srv.id, err)
	}
	return nil
}

// Serve processes requests until ctx is done or the node is closed.
func (srv *Server) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = srv.conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	srv.msg.Infof("serving %v on %v", srv.id, srv.Addr())
	buf := make([]byte, proto.MaxPacketSize)
	for {
		n, addr, err := srv.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("nodesim: could not read request: %w", err)
		}
		srv.serve(ctx, buf[:n], addr)
	}
}

func (srv *Server) serve(ctx context.Context, raw []byte, addr net.Addr) {
	req, err := srv.codec.DecodeRequest(raw)
	if err != nil {
		srv.dropped.Add(1)
		srv.msg.Warnf("could not decode request from %v: %+v", addr, err)
		return
	}

	rep, err := srv.handle(ctx, req)
	if err != nil {
		srv.dropped.Add(1)
		srv.msg.Debugf("dropping %v (psn=0x%x, addr=0x%x): %+v", req.Opcode, req.PSN, req.Address, err)
		return
	}

	out, err := srv.codec.EncodeResponse(rep)
	if err != nil {
		srv.dropped.Add(1)
		srv.msg.Errorf("could not encode response to %v: %+v", req.Opcode, err)
		return
	}

	_, err = srv.conn.WriteTo(out, addr)
	if err != nil {
		srv.dropped.Add(1)
		srv.msg.Warnf("could not send response to %v: %+v", addr, err)
		return
	}
	srv.handled.Add(1)
}

func (srv *Server) handle(ctx context.Context, req proto.Packet) (proto.Packet, error) {
	err := proto.CheckSize(req)
	if err != nil {
		return proto.Packet{}, err
	}
	if req.Opcode == proto.WaitPPS {
		return srv.waitPPS(ctx, req)
	}

	switch req.Opcode {
	case proto.MemoryWrite, proto.ModifyAnd, proto.ModifyOr, proto.ModifyXor,
		proto.FlashWrite, proto.FifoWrite:
		if int64(req.Length) != int64(len(req.Payload)) {
			return proto.Packet{}, fmt.Errorf(
				"%v length field %d does not match payload (%d words)",
				req.Opcode, req.Length, len(req.Payload),
			)
		}
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()

	rep := proto.Packet{PSN: req.PSN, Opcode: req.Opcode, Address: req.Address}
	switch req.Opcode {
	case proto.MemoryRead:
		rep.Payload, err = srv.readMem(req.Address, int(req.Length))
	case proto.MemoryWrite:
		err = srv.writeMem(req.Address, req.Payload)
	case proto.ModifyAnd, proto.ModifyOr, proto.ModifyXor:
		rep.Payload, err = srv.modify(req.Opcode, req.Address, req.Payload)
	case proto.FlashRead:
		rep.Payload, err = srv.readFlash(req.Address, int(req.Length))
	case proto.FlashWrite:
		err = srv.writeFlash(req.Address, req.Payload)
	case proto.FlashErase:
		err = srv.eraseFlash(req.Address)
	case proto.FifoRead:
		rep.Payload, err = srv.popFIFO(req.Address, int(req.Length))
	case proto.FifoWrite:
		err = srv.pushFIFO(req.Address, req.Payload)
	default:
		err = fmt.Errorf("opcode %v not implemented", req.Opcode)
	}
	return rep, err
}

func (srv *Server) waitPPS(ctx context.Context, req proto.Packet) (proto.Packet, error) {
	elapsed := time.Since(srv.epoch)
	edge := elapsed/srv.pps + 1
	timer := time.NewTimer(time.Duration(edge)*srv.pps - elapsed)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return proto.Packet{}, ctx.Err()
	case <-timer.C:
	}
	return proto.Packet{
		PSN:     req.PSN,
		Opcode:  req.Opcode,
		Payload: []uint32{uint32(edge)},
	}, nil
}

// ReadMem reads n words of the node memory at byte address addr.
func (srv *Server) ReadMem(addr uint32, n int) ([]uint32, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.readMem(addr, n)
}

// WriteMem writes vs into the node memory at byte address addr.
func (srv *Server) WriteMem(addr uint32, vs ...uint32) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.writeMem(addr, vs)
}

func aligned(addr uint32) error {
	if addr%4 != 0 {
		return fmt.Errorf("address 0x%x not word aligned", addr)
	}
	return nil
}

func (srv *Server) inMem(addr uint32, n int) error {
	if err := aligned(addr); err != nil {
		return err
	}
	if n < 0 || int64(addr)+4*int64(n) > int64(srv.mem.Len()) {
		return fmt.Errorf("memory range [0x%x, +%d words) out of range", addr, n)
	}
	return nil
}

func (srv *Server) readMem(addr uint32, n int) ([]uint32, error) {
	if err := srv.inMem(addr, n); err != nil {
		return nil, err
	}
	vs := make([]uint32, n)
	err := srv.mem.ReadWords(vs, int64(addr))
	if err != nil {
		return nil, err
	}
	return vs, nil
}

func (srv *Server) writeMem(addr uint32, vs []uint32) error {
	if err := srv.inMem(addr, len(vs)); err != nil {
		return err
	}
	return srv.mem.WriteWords(vs, int64(addr))
}

func (srv *Server) modify(op proto.Opcode, addr uint32, operands []uint32) ([]uint32, error) {
	old, err := srv.readMem(addr, len(operands))
	if err != nil {
		return nil, err
	}
	vs := make([]uint32, len(old))
	for i, v := range old {
		switch op {
		case proto.ModifyAnd:
			vs[i] = v & operands[i]
		case proto.ModifyOr:
			vs[i] = v | operands[i]
		case proto.ModifyXor:
			vs[i] = v ^ operands[i]
		}
	}
	err = srv.writeMem(addr, vs)
	if err != nil {
		return nil, err
	}
	return old, nil
}
