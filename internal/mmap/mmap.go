// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap provides word-addressable memory regions backed by
// memory mappings.
package mmap // import "github.com/go-lpc/tpm/internal/mmap"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

// Handle is a memory region.
type Handle struct {
	data   []byte
	mapped bool
	order  binary.ByteOrder
}

// Anon creates an anonymous, zero-filled, memory mapping of size bytes.
func Anon(size int, order binary.ByteOrder) (*Handle, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmap: invalid region size %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not map %d bytes: %w", size, err)
	}
	return newHandle(data, true, order), nil
}

// Open maps the first size bytes of the named file, growing it if
// needed. Writes to the region are carried to the file.
func Open(fname string, size int, order binary.ByteOrder) (*Handle, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmap: invalid region size %d", size)
	}
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not open %q: %w", fname, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("mmap: could not stat %q: %w", fname, err)
	}
	if fi.Size() < int64(size) {
		err = f.Truncate(int64(size))
		if err != nil {
			return nil, fmt.Errorf("mmap: could not resize %q: %w", fname, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not map %q: %w", fname, err)
	}
	return newHandle(data, true, order), nil
}

// HandleFrom wraps an already allocated buffer.
func HandleFrom(data []byte, order binary.ByteOrder) *Handle {
	return newHandle(data, false, order)
}

func newHandle(data []byte, mapped bool, order binary.ByteOrder) *Handle {
	if order == nil {
		order = binary.LittleEndian
	}
	h := &Handle{data: data, mapped: mapped, order: order}
	if mapped {
		runtime.SetFinalizer(h, (*Handle).Close)
	}
	return h
}

// Close releases the memory region.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	if !h.mapped {
		return nil
	}
	runtime.SetFinalizer(h, nil)

	return unix.Munmap(data)
}

// Len returns the size in bytes of the region.
func (h *Handle) Len() int {
	return len(h.data)
}

// Words returns the size in 32b words of the region.
func (h *Handle) Words() int {
	return len(h.data) / 4
}

func (h *Handle) check(off int64, n int, op string) error {
	if h == nil {
		return os.ErrInvalid
	}
	if h.data == nil {
		return errClosed
	}
	if off < 0 || int64(len(h.data)) < off+int64(n) {
		return fmt.Errorf("mmap: invalid %s range [%d, %d)", op, off, off+int64(n))
	}
	return nil
}

// ReadWords reads len(vs) words starting at byte offset off.
func (h *Handle) ReadWords(vs []uint32, off int64) error {
	err := h.check(off, 4*len(vs), "read")
	if err != nil {
		return err
	}
	for i := range vs {
		beg := off + int64(4*i)
		vs[i] = h.order.Uint32(h.data[beg : beg+4])
	}
	return nil
}

// WriteWords writes vs starting at byte offset off.
func (h *Handle) WriteWords(vs []uint32, off int64) error {
	err := h.check(off, 4*len(vs), "write")
	if err != nil {
		return err
	}
	for i, v := range vs {
		beg := off + int64(4*i)
		h.order.PutUint32(h.data[beg:beg+4], v)
	}
	return nil
}

// Fill sets n bytes starting at byte offset off to v.
func (h *Handle) Fill(off int64, n int, v byte) error {
	err := h.check(off, n, "fill")
	if err != nil {
		return err
	}
	buf := h.data[off : off+int64(n)]
	for i := range buf {
		buf[i] = v
	}
	return nil
}

// ReadAt implements the io.ReaderAt interface.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	err := h.check(off, 0, "ReadAt")
	if err != nil {
		return 0, err
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	err := h.check(off, 0, "WriteAt")
	if err != nil {
		return 0, err
	}
	n := copy(h.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
