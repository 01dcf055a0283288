// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package proto

import (
	"encoding/binary"
)

// Codec encodes and decodes packets with a given byte order.
// The zero value uses DefaultOrder.
type Codec struct {
	Order binary.ByteOrder
}

// NewCodec returns a codec using the provided byte order,
// or DefaultOrder if order is nil.
func NewCodec(order binary.ByteOrder) Codec {
	if order == nil {
		order = DefaultOrder
	}
	return Codec{Order: order}
}

func (c Codec) order() binary.ByteOrder {
	if c.Order == nil {
		return DefaultOrder
	}
	return c.Order
}

// RequestSize returns the encoded size in bytes of a request for op
// carrying n payload words.
func RequestSize(op Opcode, n int) int {
	sz := 8 + 4*n
	if op.HasAddress() {
		sz += 8
	}
	return sz
}

// ResponseSize returns the encoded size in bytes of a response for op
// carrying n payload words.
func ResponseSize(op Opcode, n int) int {
	sz := 4 + 4*n
	if op.HasAddress() {
		sz += 4
	}
	return sz
}

// EncodeRequest encodes a request packet.
func (c Codec) EncodeRequest(p Packet) ([]byte, error) {
	if !p.Opcode.Valid() {
		return nil, errorf("encode", "unknown opcode 0x%x", uint32(p.Opcode))
	}
	if !p.Opcode.HasAddress() && (p.Address != 0 || p.Length != 0) {
		return nil, errorf("encode", "%v carries no address/length (addr=0x%x, len=%d)",
			p.Opcode, p.Address, p.Length,
		)
	}

	enc := newEncoder(c.order(), RequestSize(p.Opcode, len(p.Payload)))
	enc.writeU32(p.PSN)
	enc.writeU32(uint32(p.Opcode))
	if p.Opcode.HasAddress() {
		enc.writeU32(p.Address)
		enc.writeU32(p.Length)
	}
	enc.writeU32s(p.Payload)
	return enc.buf, nil
}

// DecodeRequest decodes a request packet.
func (c Codec) DecodeRequest(b []byte) (Packet, error) {
	var p Packet
	dec := decoder{order: c.order(), buf: b}
	if len(b)%4 != 0 {
		return p, errorf("decode", "request size not a multiple of 4 (size=%d)", len(b))
	}
	if len(b) < 8 {
		return p, errorf("decode", "request too short (size=%d)", len(b))
	}

	p.PSN = dec.readU32()
	p.Opcode = Opcode(dec.readU32())
	if !p.Opcode.Valid() {
		return p, errorf("decode", "unknown opcode 0x%x", uint32(p.Opcode))
	}
	if p.Opcode.HasAddress() {
		if len(b) < 16 {
			return p, errorf("decode", "%v request too short (size=%d)", p.Opcode, len(b))
		}
		p.Address = dec.readU32()
		p.Length = dec.readU32()
	}
	p.Payload = dec.readU32s()
	return p, nil
}

// EncodeResponse encodes a response packet.
// The packet opcode selects the layout and is not transmitted.
func (c Codec) EncodeResponse(p Packet) ([]byte, error) {
	if !p.Opcode.Valid() {
		return nil, errorf("encode", "unknown opcode 0x%x", uint32(p.Opcode))
	}
	enc := newEncoder(c.order(), ResponseSize(p.Opcode, len(p.Payload)))
	enc.writeU32(p.PSN)
	if p.Opcode.HasAddress() {
		enc.writeU32(p.Address)
	}
	enc.writeU32s(p.Payload)
	return enc.buf, nil
}

// DecodeResponse decodes a response to a request with opcode op.
func (c Codec) DecodeResponse(b []byte, op Opcode) (Packet, error) {
	p := Packet{Opcode: op}
	if !op.Valid() {
		return p, errorf("decode", "unknown opcode 0x%x", uint32(op))
	}
	if len(b)%4 != 0 {
		return p, errorf("decode", "response size not a multiple of 4 (size=%d)", len(b))
	}
	if len(b) < ResponseSize(op, 0) {
		return p, errorf("decode", "%v response too short (size=%d)", op, len(b))
	}

	dec := decoder{order: c.order(), buf: b}
	p.PSN = dec.readU32()
	if op.HasAddress() {
		p.Address = dec.readU32()
	}
	p.Payload = dec.readU32s()
	return p, nil
}

// BytesToWords packs p into words, padding the last word with zeros.
func (c Codec) BytesToWords(p []byte) []uint32 {
	order := c.order()
	ws := make([]uint32, (len(p)+3)/4)
	var tmp [4]byte
	for i := range ws {
		tmp = [4]byte{}
		copy(tmp[:], p[4*i:])
		ws[i] = order.Uint32(tmp[:])
	}
	return ws
}

// WordsToBytes unpacks words into bytes.
func (c Codec) WordsToBytes(ws []uint32) []byte {
	order := c.order()
	p := make([]byte, 4*len(ws))
	for i, w := range ws {
		order.PutUint32(p[4*i:], w)
	}
	return p
}

type encoder struct {
	order binary.ByteOrder
	buf   []byte
}

func newEncoder(order binary.ByteOrder, n int) *encoder {
	return &encoder{order: order, buf: make([]byte, 0, n)}
}

func (enc *encoder) writeU32(v uint32) {
	var p [4]byte
	enc.order.PutUint32(p[:], v)
	enc.buf = append(enc.buf, p[:]...)
}

func (enc *encoder) writeU32s(vs []uint32) {
	for _, v := range vs {
		enc.writeU32(v)
	}
}

type decoder struct {
	order binary.ByteOrder
	buf   []byte
	c     int
}

func (dec *decoder) readU32() uint32 {
	v := dec.order.Uint32(dec.buf[dec.c : dec.c+4])
	dec.c += 4
	return v
}

// readU32s decodes the remaining words, or nil if there are none.
func (dec *decoder) readU32s() []uint32 {
	n := (len(dec.buf) - dec.c) / 4
	if n == 0 {
		return nil
	}
	vs := make([]uint32, n)
	for i := range vs {
		vs[i] = dec.readU32()
	}
	return vs
}
