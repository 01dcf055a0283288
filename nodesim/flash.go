// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nodesim

import (
	"fmt"

	"github.com/go-lpc/tpm/proto"
)

func (srv *Server) page(addr uint32, n int) error {
	switch {
	case addr%proto.PageSize != 0:
		return fmt.Errorf("flash address 0x%x not page aligned", addr)
	case n != proto.PageWords:
		return fmt.Errorf("flash access of %d words (want=%d)", n, proto.PageWords)
	case int64(addr)+proto.PageSize > int64(srv.flash.Len()):
		return fmt.Errorf("flash address 0x%x out of range", addr)
	}
	return nil
}

func (srv *Server) readFlash(addr uint32, n int) ([]uint32, error) {
	if err := srv.page(addr, n); err != nil {
		return nil, err
	}
	vs := make([]uint32, n)
	err := srv.flash.ReadWords(vs, int64(addr))
	if err != nil {
		return nil, err
	}
	return vs, nil
}

// writeFlash programs a page: bits can only be cleared.
func (srv *Server) writeFlash(addr uint32, vs []uint32) error {
	old, err := srv.readFlash(addr, len(vs))
	if err != nil {
		return err
	}
	for i := range old {
		old[i] &= vs[i]
	}
	return srv.flash.WriteWords(old, int64(addr))
}

func (srv *Server) eraseFlash(addr uint32) error {
	beg := int64(addr) - int64(addr)%proto.SectorSize
	if beg+proto.SectorSize > int64(srv.flash.Len()) {
		return fmt.Errorf("flash address 0x%x out of range", addr)
	}
	return srv.flash.Fill(beg, proto.SectorSize, 0xff)
}
