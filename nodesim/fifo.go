// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nodesim

import (
	"fmt"
)

// fifo is a bounded word queue. Pushing into a full fifo evicts the
// oldest word.
type fifo struct {
	name  string
	depth int
	buf   []uint32
}

func newFIFO(name string, depth int) *fifo {
	return &fifo{
		name:  name,
		depth: depth,
		buf:   make([]uint32, 0, depth),
	}
}

func (f *fifo) push(vs []uint32) {
	for _, v := range vs {
		if len(f.buf) == f.depth {
			copy(f.buf, f.buf[1:])
			f.buf = f.buf[:len(f.buf)-1]
		}
		f.buf = append(f.buf, v)
	}
}

func (f *fifo) pop(n int) []uint32 {
	if n > len(f.buf) {
		n = len(f.buf)
	}
	out := make([]uint32, n)
	copy(out, f.buf)
	rem := copy(f.buf, f.buf[n:])
	f.buf = f.buf[:rem]
	return out
}

func (srv *Server) fifo(addr uint32) (*fifo, error) {
	f, ok := srv.fifos[addr]
	if !ok {
		return nil, fmt.Errorf("no FIFO at 0x%x", addr)
	}
	return f, nil
}

func (srv *Server) popFIFO(addr uint32, n int) ([]uint32, error) {
	f, err := srv.fifo(addr)
	if err != nil {
		return nil, err
	}
	if len(f.buf) == 0 {
		return nil, fmt.Errorf("FIFO %q is empty", f.name)
	}
	return f.pop(n), nil
}

func (srv *Server) pushFIFO(addr uint32, vs []uint32) error {
	f, err := srv.fifo(addr)
	if err != nil {
		return err
	}
	f.push(vs)
	return nil
}

// Len returns the number of words queued in the FIFO at byte address addr.
func (srv *Server) Len(addr uint32) (int, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	f, err := srv.fifo(addr)
	if err != nil {
		return 0, err
	}
	return len(f.buf), nil
}
