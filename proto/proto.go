// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package proto implements the binary opcode protocol used to access
// memory, flash and FIFO regions of a remote processing node.
//
// A request is laid out as:
//
//	psn:u32, opcode:u32, [address:u32], [length:u32], payload:u32[]
//
// and the corresponding response as:
//
//	psn:u32, [address:u32], payload:u32[]
//
// WAIT_PPS requests and responses carry no address nor length.
package proto // import "github.com/go-lpc/tpm/proto"

import (
	"encoding/binary"
	"fmt"
)

// DefaultOrder is the byte order of multi-byte integers on the wire.
var DefaultOrder binary.ByteOrder = binary.LittleEndian

// Flash geometry.
const (
	PageSize   = 256       // flash page size in bytes
	PageWords  = PageSize / 4
	SectorSize = 64 * 1024 // flash sector size in bytes
)

// MaxPacketSize is the largest encoded request or response, in bytes.
// It is the UDP payload limit over IPv4.
const MaxPacketSize = 65507

// Opcode identifies the operation carried by a request packet.
type Opcode uint32

const (
	MemoryRead  Opcode = 0x1
	MemoryWrite Opcode = 0x2
	ModifyAnd   Opcode = 0x3
	ModifyOr    Opcode = 0x4
	ModifyXor   Opcode = 0x5
	FlashWrite  Opcode = 0x6
	FlashRead   Opcode = 0x7
	FlashErase  Opcode = 0x8
	FifoRead    Opcode = 0x9
	FifoWrite   Opcode = 0xa
	WaitPPS     Opcode = 0xffffffff
)

var opnames = map[Opcode]string{
	MemoryRead:  "MEMORY_READ",
	MemoryWrite: "MEMORY_WRITE",
	ModifyAnd:   "MODIFY_AND",
	ModifyOr:    "MODIFY_OR",
	ModifyXor:   "MODIFY_XOR",
	FlashWrite:  "FLASH_WRITE",
	FlashRead:   "FLASH_READ",
	FlashErase:  "FLASH_ERASE",
	FifoRead:    "FIFO_READ",
	FifoWrite:   "FIFO_WRITE",
	WaitPPS:     "WAIT_PPS",
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	_, ok := opnames[op]
	return ok
}

func (op Opcode) String() string {
	if name, ok := opnames[op]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(0x%x)", uint32(op))
}

// HasAddress reports whether packets for op carry the address (and,
// for requests, the length) fields.
func (op Opcode) HasAddress() bool { return op != WaitPPS }

// IsRead reports whether the response to op carries data words.
func (op Opcode) IsRead() bool {
	switch op {
	case MemoryRead, FlashRead, FifoRead, ModifyAnd, ModifyOr, ModifyXor, WaitPPS:
		return true
	}
	return false
}

// Packet is a request or a response exchanged with a node.
//
// PSN is a correlation tag chosen by the caller and echoed verbatim by
// the node. Responses have their Opcode set from the originating request
// and a zero Length.
//
// Nil and empty payloads encode identically; decoding yields a nil
// Payload when no word follows the header.
type Packet struct {
	PSN     uint32
	Opcode  Opcode
	Address uint32
	Length  uint32
	Payload []uint32
}

// Status is the outcome of an operation on one node.
type Status int32

const (
	Success        Status = 0
	Failure        Status = -1
	NotImplemented Status = -2
)

func (st Status) String() string {
	switch st {
	case Success:
		return "Success"
	case Failure:
		return "Failure"
	case NotImplemented:
		return "NotImplemented"
	}
	return fmt.Sprintf("Status(%d)", int32(st))
}

// Code is a node-local status code refining a non-successful Status.
type Code uint8

const (
	OK          Code = 0
	RegisterErr Code = 1
	TimeoutErr  Code = 2
	FormatErr   Code = 3
	PackErr     Code = 4
	UnpackErr   Code = 5
	SizeErr     Code = 6
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case RegisterErr:
		return "REGISTER_ERR"
	case TimeoutErr:
		return "TIMEOUT_ERR"
	case FormatErr:
		return "FORMAT_ERR"
	case PackErr:
		return "PACK_ERR"
	case UnpackErr:
		return "UNPACK_ERR"
	case SizeErr:
		return "SIZE_ERR"
	}
	return fmt.Sprintf("Code(%d)", uint8(c))
}

// ProtocolError describes a malformed or unrecognized packet.
type ProtocolError struct {
	Op  string // "encode" or "decode"
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("proto: could not %s packet: %s", e.Op, e.Msg)
}

func errorf(op, format string, args ...interface{}) error {
	return &ProtocolError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// PacketSizeError reports an exchange whose request or response does not
// fit in a single datagram.
type PacketSizeError struct {
	Opcode Opcode
	Kind   string // "request" or "response"
	Size   int64  // encoded size in bytes
}

func (e *PacketSizeError) Error() string {
	return fmt.Sprintf("proto: %v %s of %d bytes exceeds the maximum packet size (max=%d)",
		e.Opcode, e.Kind, e.Size, MaxPacketSize,
	)
}

// CheckSize checks that the request p and the response it calls for
// both fit in a single datagram.
func CheckSize(p Packet) error {
	req := int64(RequestSize(p.Opcode, 0)) + 4*int64(len(p.Payload))
	if req > MaxPacketSize {
		return &PacketSizeError{Opcode: p.Opcode, Kind: "request", Size: req}
	}
	if !p.Opcode.IsRead() {
		return nil
	}
	words := int64(p.Length)
	if p.Opcode == WaitPPS {
		words = 1
	}
	rep := int64(ResponseSize(p.Opcode, 0)) + 4*words
	if rep > MaxPacketSize {
		return &PacketSizeError{Opcode: p.Opcode, Kind: "response", Size: rep}
	}
	return nil
}
