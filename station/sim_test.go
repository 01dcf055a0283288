// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package station_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/node"
	"github.com/go-lpc/tpm/nodesim"
	"github.com/go-lpc/tpm/proto"
	"github.com/go-lpc/tpm/regs"
	"github.com/go-lpc/tpm/station"
)

func newStation(t *testing.T, n int) (*station.Client, []*nodesim.Server) {
	t.Helper()

	quiet := log.NewMsgStream("test", log.LvlError, io.Discard)

	topo := make([]node.Entry, n)
	for i := range topo {
		topo[i] = node.Entry{ID: node.ID(i), Type: node.Front}
		if i >= n/2 {
			topo[i].Type = node.Back
		}
	}
	reg, err := node.NewRegistry(topo)
	if err != nil {
		t.Fatalf("could not create registry: %+v", err)
	}
	tbl, err := regs.NewTable(reg, []regs.Entry{
		{Name: "board.ctrl", Address: 0x100, Size: 1},
		{Name: "beam.coeffs", Address: 0x1000, Size: 4},
		{Name: "daq.fifo", Address: 0x4000, Size: 8, Kind: regs.Fifo},
	})
	if err != nil {
		t.Fatalf("could not create table: %+v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var (
		srvs  = make([]*nodesim.Server, n)
		addrs = make(map[node.ID]string, n)
	)
	for i, e := range topo {
		srv, err := nodesim.Listen(e.ID, "127.0.0.1:0",
			nodesim.WithMemSize(64*1024),
			nodesim.WithFlashSize(proto.SectorSize),
			nodesim.WithFifos(tbl.Fifos(e.ID)),
			nodesim.WithPPSPeriod(20*time.Millisecond),
			nodesim.WithMsgStream(quiet),
		)
		if err != nil {
			t.Fatalf("could not create node %v: %+v", e.ID, err)
		}
		t.Cleanup(func() { _ = srv.Close() })
		go func() { _ = srv.Serve(ctx) }()
		srvs[i] = srv
		addrs[e.ID] = srv.Addr().String()
	}

	cli, err := station.Dial(reg, tbl, addrs,
		station.WithTimeout(100*time.Millisecond),
		station.WithMsgStream(quiet),
	)
	if err != nil {
		t.Fatalf("could not dial nodes: %+v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	return cli, srvs
}

func TestStationReadWrite(t *testing.T) {
	cli, srvs := newStation(t, 4)

	_, err := cli.Write(node.All, "beam.coeffs", 4, 10, 20)
	if err != nil {
		t.Fatalf("could not write: %+v", err)
	}
	_, err = cli.Write(nil, "fpga2.beam.coeffs", 0, 7)
	if err != nil {
		t.Fatalf("could not write: %+v", err)
	}

	agg, err := cli.Read(node.All, "beam.coeffs", 0, 3)
	if err != nil {
		t.Fatalf("could not read: %+v", err)
	}
	want := [][]uint32{{0, 10, 20}, {7, 10, 20}, {0, 10, 20}, {0, 10, 20}}
	if got := agg.Values(); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid values:\ngot= %v\nwant=%v", got, want)
	}

	vs, err := srvs[1].ReadMem(0x1000, 3)
	if err != nil {
		t.Fatalf("could not peek: %+v", err)
	}
	if !reflect.DeepEqual(vs, want[1]) {
		t.Fatalf("invalid node memory: got=%v, want=%v", vs, want[1])
	}

	agg, err = cli.Modify(node.BackNodes, "board.ctrl", proto.ModifyOr, 0, 0x3)
	if err != nil {
		t.Fatalf("could not modify: %+v", err)
	}
	if got, want := agg.Values(), [][]uint32{{0}, {0}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid previous values: got=%v, want=%v", got, want)
	}
	agg, err = cli.ReadAddress(node.All, 0x100, 1)
	if err != nil {
		t.Fatalf("could not read: %+v", err)
	}
	if got, want := agg.Values(), [][]uint32{{0}, {0}, {3}, {3}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid values: got=%v, want=%v", got, want)
	}
}

func TestStationFIFO(t *testing.T) {
	cli, _ := newStation(t, 2)

	_, err := cli.Write(node.Single(1), "daq.fifo", 0, 1, 2, 3)
	if err != nil {
		t.Fatalf("could not write: %+v", err)
	}

	for _, want := range [][]uint32{{1, 2}, {3}} {
		agg, err := cli.Read(node.Single(1), "daq.fifo", 0, 2)
		if err != nil {
			t.Fatalf("could not read: %+v", err)
		}
		if got := agg[0].Values; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid values: got=%v, want=%v", got, want)
		}
	}

	agg, err := cli.Read(node.Single(1), "daq.fifo", 0, 2)
	var aerr *station.AggregateError
	if !errors.As(err, &aerr) {
		t.Fatalf("invalid error: %+v", err)
	}
	if got, want := agg[0].Code, proto.TimeoutErr; got != want {
		t.Fatalf("invalid code: got=%v, want=%v", got, want)
	}
}

func TestStationPartialFailure(t *testing.T) {
	cli, srvs := newStation(t, 4)
	_ = srvs[2].Close()

	agg, err := cli.Read(node.All, "board.ctrl", 0, 1)
	var aerr *station.AggregateError
	if !errors.As(err, &aerr) {
		t.Fatalf("invalid error: %+v", err)
	}
	if got, want := aerr.Nodes, []node.ID{2}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid failing nodes: got=%v, want=%v", got, want)
	}
	for _, i := range []int{0, 1, 3} {
		if agg[i].Status != proto.Success {
			t.Fatalf("node %d failed: %v", i, agg[i])
		}
	}
}

func TestStationFlash(t *testing.T) {
	cli, _ := newStation(t, 2)

	page := bytes.Repeat([]byte{0xa5, 0x5a, 0x00, 0xff}, proto.PageSize/4)
	_, err := cli.FlashWrite(node.All, proto.PageSize, page)
	if err != nil {
		t.Fatalf("could not write flash: %+v", err)
	}

	agg, err := cli.FlashRead(node.All, proto.PageSize)
	if err != nil {
		t.Fatalf("could not read flash: %+v", err)
	}
	for _, res := range agg {
		if got := cli.Bytes(res.Values); !bytes.Equal(got, page) {
			t.Fatalf("%v: invalid flash page", res.Node)
		}
	}

	_, err = cli.FlashErase(node.All, proto.PageSize)
	if err != nil {
		t.Fatalf("could not erase flash: %+v", err)
	}
	agg, err = cli.FlashRead(node.Single(0), proto.PageSize)
	if err != nil {
		t.Fatalf("could not read flash: %+v", err)
	}
	if got, want := cli.Bytes(agg[0].Values), bytes.Repeat([]byte{0xff}, proto.PageSize); !bytes.Equal(got, want) {
		t.Fatalf("flash not erased")
	}
}

func TestStationWaitPPS(t *testing.T) {
	cli, _ := newStation(t, 3)
	agg, err := cli.WaitPPS(node.All)
	if err != nil {
		t.Fatalf("could not wait for PPS: %+v", err)
	}
	for _, res := range agg {
		if len(res.Values) != 1 || res.Values[0] == 0 {
			t.Fatalf("%v: invalid PPS marker %v", res.Node, res.Values)
		}
	}
}

func TestStationOversizedRead(t *testing.T) {
	cli, srvs := newStation(t, 1)

	start := time.Now()
	_, err := cli.ReadAddress(node.Single(0), 0, 20000)
	var serr *proto.PacketSizeError
	if !errors.As(err, &serr) {
		t.Fatalf("invalid error: %+v", err)
	}
	if elapsed := time.Since(start); elapsed >= 100*time.Millisecond {
		t.Fatalf("oversized read waited for the time budget: %v", elapsed)
	}
	if got, want := srvs[0].Stats(), (nodesim.Stats{}); got != want {
		t.Fatalf("oversized read reached the node: got=%+v, want=%+v", got, want)
	}

	agg, err := cli.ReadAddress(node.Single(0), 0, 16)
	if err != nil {
		t.Fatalf("could not read: %+v", err)
	}
	if got, want := len(agg[0].Values), 16; got != want {
		t.Fatalf("invalid number of words: got=%d, want=%d", got, want)
	}
}
