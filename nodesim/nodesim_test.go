// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nodesim

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/node"
	"github.com/go-lpc/tpm/proto"
	"github.com/go-lpc/tpm/regs"
	"github.com/go-lpc/tpm/transport"
)

const fifoAddr = 0x4000

func newTestNode(t *testing.T, opts ...Option) (*Server, *transport.Conn) {
	t.Helper()

	quiet := log.NewMsgStream("test", log.LvlError, io.Discard)
	opts = append([]Option{
		WithMemSize(64 * 1024),
		WithFlashSize(2 * proto.SectorSize),
		WithFifos([]regs.Descriptor{
			{Name: "daq.fifo", Address: fifoAddr, Size: 4, Kind: regs.Fifo},
		}),
		WithMsgStream(quiet),
	}, opts...)

	srv, err := Listen(3, "127.0.0.1:0", opts...)
	if err != nil {
		t.Fatalf("could not create node: %+v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := transport.Dial(srv.Node(), srv.Addr().String(),
		transport.WithTimeout(200*time.Millisecond),
		transport.WithMsgStream(quiet),
	)
	if err != nil {
		t.Fatalf("could not dial node: %+v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		if err := <-done; err != nil {
			t.Errorf("could not serve: %+v", err)
		}
		if err := srv.Close(); err != nil {
			t.Errorf("could not close node: %+v", err)
		}
	})
	return srv, conn
}

var psn uint32

func send(t *testing.T, conn *transport.Conn, op proto.Opcode, addr uint32, n int, vs ...uint32) ([]uint32, error) {
	t.Helper()
	psn++
	req := proto.Packet{PSN: psn, Opcode: op, Address: addr, Length: uint32(n), Payload: vs}
	if vs != nil {
		req.Length = uint32(len(vs))
	}
	rep, err := conn.Send(req)
	if err != nil {
		return nil, err
	}
	return rep.Payload, nil
}

func isTimeout(err error) bool {
	var terr *transport.TimeoutError
	return errors.As(err, &terr)
}

func TestMemory(t *testing.T) {
	srv, conn := newTestNode(t)

	_, err := send(t, conn, proto.MemoryWrite, 0x100, 0, 1, 2, 3)
	if err != nil {
		t.Fatalf("could not write: %+v", err)
	}

	got, err := send(t, conn, proto.MemoryRead, 0x104, 2)
	if err != nil {
		t.Fatalf("could not read: %+v", err)
	}
	if want := []uint32{2, 3}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid values: got=%v, want=%v", got, want)
	}

	got, err = srv.ReadMem(0x100, 3)
	if err != nil {
		t.Fatalf("could not peek: %+v", err)
	}
	if want := []uint32{1, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid memory: got=%v, want=%v", got, want)
	}
}

func TestModify(t *testing.T) {
	srv, conn := newTestNode(t)
	err := srv.WriteMem(0x20, 0xf0f0, 0x00ff)
	if err != nil {
		t.Fatalf("could not poke: %+v", err)
	}

	for _, tc := range []struct {
		op   proto.Opcode
		vs   []uint32
		old  []uint32
		want []uint32
	}{
		{proto.ModifyOr, []uint32{0x000f, 0xff00}, []uint32{0xf0f0, 0x00ff}, []uint32{0xf0ff, 0xffff}},
		{proto.ModifyAnd, []uint32{0x0ff0, 0x0f0f}, []uint32{0xf0ff, 0xffff}, []uint32{0x00f0, 0x0f0f}},
		{proto.ModifyXor, []uint32{0xffff, 0xffff}, []uint32{0x00f0, 0x0f0f}, []uint32{0xff0f, 0xf0f0}},
	} {
		t.Run(tc.op.String(), func(t *testing.T) {
			old, err := send(t, conn, tc.op, 0x20, 0, tc.vs...)
			if err != nil {
				t.Fatalf("could not modify: %+v", err)
			}
			if !reflect.DeepEqual(old, tc.old) {
				t.Fatalf("invalid previous values: got=%#x, want=%#x", old, tc.old)
			}
			got, err := srv.ReadMem(0x20, 2)
			if err != nil {
				t.Fatalf("could not peek: %+v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("invalid values: got=%#x, want=%#x", got, tc.want)
			}
		})
	}
}

func TestFIFO(t *testing.T) {
	srv, conn := newTestNode(t)

	_, err := send(t, conn, proto.FifoWrite, fifoAddr, 0, 1, 2, 3)
	if err != nil {
		t.Fatalf("could not push: %+v", err)
	}

	for _, want := range [][]uint32{{1, 2}, {3}} {
		got, err := send(t, conn, proto.FifoRead, fifoAddr, 2)
		if err != nil {
			t.Fatalf("could not pop: %+v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid values: got=%v, want=%v", got, want)
		}
	}

	_, err = send(t, conn, proto.FifoRead, fifoAddr, 1)
	if !isTimeout(err) {
		t.Fatalf("empty FIFO answered: %+v", err)
	}

	_, err = send(t, conn, proto.FifoWrite, fifoAddr, 0, 1, 2, 3, 4, 5, 6)
	if err != nil {
		t.Fatalf("could not push: %+v", err)
	}
	n, err := srv.Len(fifoAddr)
	if err != nil {
		t.Fatalf("could not get FIFO length: %+v", err)
	}
	if n != 4 {
		t.Fatalf("invalid FIFO length: got=%d, want=4", n)
	}
	got, err := send(t, conn, proto.FifoRead, fifoAddr, 8)
	if err != nil {
		t.Fatalf("could not pop: %+v", err)
	}
	if want := []uint32{3, 4, 5, 6}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid values: got=%v, want=%v", got, want)
	}
}

func TestFlash(t *testing.T) {
	_, conn := newTestNode(t)

	page := func(v uint32) []uint32 {
		vs := make([]uint32, proto.PageWords)
		for i := range vs {
			vs[i] = v
		}
		return vs
	}

	got, err := send(t, conn, proto.FlashRead, proto.SectorSize+proto.PageSize, proto.PageWords)
	if err != nil {
		t.Fatalf("could not read flash: %+v", err)
	}
	if want := page(0xffffffff); !reflect.DeepEqual(got, want) {
		t.Fatalf("flash not erased: %#x", got)
	}

	const addr = proto.SectorSize + proto.PageSize
	for _, v := range []uint32{0xff00ff00, 0x0ff00ff0} {
		_, err = send(t, conn, proto.FlashWrite, addr, 0, page(v)...)
		if err != nil {
			t.Fatalf("could not write flash: %+v", err)
		}
	}
	got, err = send(t, conn, proto.FlashRead, addr, proto.PageWords)
	if err != nil {
		t.Fatalf("could not read flash: %+v", err)
	}
	if want := page(0x0f000f00); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid NOR programming: got=%#x, want=%#x", got[0], want[0])
	}

	_, err = send(t, conn, proto.FlashErase, proto.SectorSize, 0)
	if err != nil {
		t.Fatalf("could not erase flash: %+v", err)
	}
	got, err = send(t, conn, proto.FlashRead, addr, proto.PageWords)
	if err != nil {
		t.Fatalf("could not read flash: %+v", err)
	}
	if want := page(0xffffffff); !reflect.DeepEqual(got, want) {
		t.Fatalf("sector not erased: %#x", got[0])
	}
}

func TestFlashImage(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "flash.img")
	srv, conn := newTestNode(t, WithFlashImage(fname))

	vs := make([]uint32, proto.PageWords)
	_, err := send(t, conn, proto.FlashWrite, 0, 0, vs...)
	if err != nil {
		t.Fatalf("could not write flash: %+v", err)
	}
	_ = conn.Close()
	_ = srv.Close()

	_, conn = newTestNode(t, WithFlashImage(fname))
	got, err := send(t, conn, proto.FlashRead, 0, proto.PageWords)
	if err != nil {
		t.Fatalf("could not read flash: %+v", err)
	}
	if !reflect.DeepEqual(got, vs) {
		t.Fatalf("flash image not persisted: %#x", got[0])
	}
	got, err = send(t, conn, proto.FlashRead, proto.PageSize, proto.PageWords)
	if err != nil {
		t.Fatalf("could not read flash: %+v", err)
	}
	if got[0] != 0xffffffff {
		t.Fatalf("flash image not erased: %#x", got[0])
	}
}

func TestWaitPPS(t *testing.T) {
	_, conn := newTestNode(t, WithPPSPeriod(50*time.Millisecond))

	var last uint32
	for i := 0; i < 3; i++ {
		got, err := send(t, conn, proto.WaitPPS, 0, 0)
		if err != nil {
			t.Fatalf("could not wait for PPS: %+v", err)
		}
		if len(got) != 1 {
			t.Fatalf("invalid PPS marker: %v", got)
		}
		if got[0] <= last {
			t.Fatalf("PPS marker did not increase: got=%d, last=%d", got[0], last)
		}
		last = got[0]
	}
}

func TestInvalidRequests(t *testing.T) {
	srv, conn := newTestNode(t)

	for _, tc := range []struct {
		name string
		op   proto.Opcode
		addr uint32
		n    int
		vs   []uint32
	}{
		{"misaligned", proto.MemoryRead, 0x101, 1, nil},
		{"out-of-range", proto.MemoryRead, 64*1024 - 4, 2, nil},
		{"write-out-of-range", proto.MemoryWrite, 64 * 1024, 0, []uint32{1}},
		{"unknown-fifo", proto.FifoRead, 0x8000, 1, nil},
		{"flash-misaligned", proto.FlashRead, 0x10, proto.PageWords, nil},
		{"flash-out-of-range", proto.FlashErase, 2 * proto.SectorSize, 0, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := send(t, conn, tc.op, tc.addr, tc.n, tc.vs...)
			if !isTimeout(err) {
				t.Fatalf("invalid request answered: %+v", err)
			}
		})
	}

	if got, want := srv.Stats().Dropped, uint64(6); got != want {
		t.Fatalf("invalid dropped count: got=%d, want=%d", got, want)
	}
}

func TestMalformedRequests(t *testing.T) {
	srv, conn := newTestNode(t)

	raw, err := net.Dial("udp", srv.Addr().String())
	if err != nil {
		t.Fatalf("could not dial node: %+v", err)
	}
	defer raw.Close()

	codec := proto.NewCodec(nil)
	reqs := []proto.Packet{
		{PSN: 1, Opcode: proto.MemoryRead, Address: 0, Length: 0xffffffff},
		{PSN: 2, Opcode: proto.MemoryRead, Address: 0, Length: 20000},
		{PSN: 3, Opcode: proto.MemoryWrite, Address: 0x100, Length: 2, Payload: []uint32{1}},
		{PSN: 4, Opcode: proto.ModifyOr, Address: 0x100, Length: 0xffffffff, Payload: []uint32{1}},
		{PSN: 5, Opcode: proto.FifoWrite, Address: fifoAddr, Length: 0, Payload: []uint32{1, 2}},
		{PSN: 6, Opcode: proto.FlashWrite, Address: 0, Length: 1, Payload: make([]uint32, proto.PageWords)},
	}
	for _, req := range reqs {
		buf, err := codec.EncodeRequest(req)
		if err != nil {
			t.Fatalf("psn=%d: could not encode request: %+v", req.PSN, err)
		}
		_, err = raw.Write(buf)
		if err != nil {
			t.Fatalf("psn=%d: could not send request: %+v", req.PSN, err)
		}
	}

	// requests are served in order: once this one is answered, all the
	// previous ones have been processed.
	got, err := send(t, conn, proto.MemoryRead, 0x100, 1)
	if err != nil {
		t.Fatalf("node does not answer anymore: %+v", err)
	}
	if want := []uint32{0}; !reflect.DeepEqual(got, want) {
		t.Fatalf("malformed write modified memory: got=%v, want=%v", got, want)
	}

	n, err := srv.Len(fifoAddr)
	if err != nil {
		t.Fatalf("could not inspect FIFO: %+v", err)
	}
	if n != 0 {
		t.Fatalf("malformed FIFO write queued %d words", n)
	}

	if got, want := srv.Stats(), (Stats{Handled: 1, Dropped: uint64(len(reqs))}); got != want {
		t.Fatalf("invalid stats: got=%+v, want=%+v", got, want)
	}
}

func TestNewErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []Option
	}{
		{"pps", []Option{WithPPSPeriod(0)}},
		{"flash", []Option{WithFlashSize(1000)}},
		{"mem", []Option{WithMemSize(0)}},
		{"fifos", []Option{WithFifos([]regs.Descriptor{
			{Name: "a", Address: 0x10, Size: 1, Kind: regs.Fifo},
			{Name: "b", Address: 0x10, Size: 1, Kind: regs.Fifo},
		})}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv, err := Listen(node.ID(0), "127.0.0.1:0", tc.opts...)
			if err == nil {
				_ = srv.Close()
				t.Fatalf("expected an error")
			}
		})
	}
}
