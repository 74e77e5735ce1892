// Copyright 2024 The ShredDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package codec implements the length-prefixed binary format used for
// column family values: fixed-width integers are little-endian,
// sequences carry a uvarint length prefix, and options are a one-byte
// tag followed by the value when present.
package codec

import (
	"encoding/binary"
	"errors"
)

var (
	ErrShortBuffer = errors.New("codec: short buffer")
	ErrBadOption   = errors.New("codec: bad option tag")
	ErrBadVarint   = errors.New("codec: bad varint")
)

// Encoder appends values to a growing buffer.
type Encoder struct {
	b []byte
}

func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{b: make([]byte, 0, sizeHint)}
}

func (e *Encoder) Bytes() []byte { return e.b }

func (e *Encoder) PutUint8(v uint8) {
	e.b = append(e.b, v)
}

func (e *Encoder) PutUint16(v uint16) {
	e.b = binary.LittleEndian.AppendUint16(e.b, v)
}

func (e *Encoder) PutUint32(v uint32) {
	e.b = binary.LittleEndian.AppendUint32(e.b, v)
}

func (e *Encoder) PutUint64(v uint64) {
	e.b = binary.LittleEndian.AppendUint64(e.b, v)
}

func (e *Encoder) PutBool(v bool) {
	if v {
		e.b = append(e.b, 1)
	} else {
		e.b = append(e.b, 0)
	}
}

func (e *Encoder) PutUvarint(v uint64) {
	e.b = binary.AppendUvarint(e.b, v)
}

func (e *Encoder) PutHash(h [32]byte) {
	e.b = append(e.b, h[:]...)
}

// PutBytes writes a uvarint length prefix followed by the raw bytes.
func (e *Encoder) PutBytes(b []byte) {
	e.PutUvarint(uint64(len(b)))
	e.b = append(e.b, b...)
}

func (e *Encoder) PutUint64Seq(vs []uint64) {
	e.PutUvarint(uint64(len(vs)))
	for _, v := range vs {
		e.PutUint64(v)
	}
}

func (e *Encoder) PutUint32Seq(vs []uint32) {
	e.PutUvarint(uint64(len(vs)))
	for _, v := range vs {
		e.PutUint32(v)
	}
}

func (e *Encoder) PutOptionUint64(v *uint64) {
	if v == nil {
		e.b = append(e.b, 0)
		return
	}
	e.b = append(e.b, 1)
	e.PutUint64(*v)
}

func (e *Encoder) PutOptionHash(h *[32]byte) {
	if h == nil {
		e.b = append(e.b, 0)
		return
	}
	e.b = append(e.b, 1)
	e.PutHash(*h)
}

// Decoder consumes values from a buffer. Errors are sticky: after the
// first failure every read returns the zero value and Err() reports
// the failure.
type Decoder struct {
	b   []byte
	off int
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{b: b}
}

func (d *Decoder) Err() error { return d.err }

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.b) {
		d.err = ErrShortBuffer
		return nil
	}
	s := d.b[d.off : d.off+n]
	d.off += n
	return s
}

func (d *Decoder) Uint8() uint8 {
	s := d.take(1)
	if s == nil {
		return 0
	}
	return s[0]
}

func (d *Decoder) Uint16() uint16 {
	s := d.take(2)
	if s == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(s)
}

func (d *Decoder) Uint32() uint32 {
	s := d.take(4)
	if s == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(s)
}

func (d *Decoder) Uint64() uint64 {
	s := d.take(8)
	if s == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(s)
}

func (d *Decoder) Bool() bool {
	return d.Uint8() != 0
}

func (d *Decoder) Uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.b[d.off:])
	if n <= 0 {
		d.err = ErrBadVarint
		return 0
	}
	d.off += n
	return v
}

func (d *Decoder) Hash() (h [32]byte) {
	s := d.take(32)
	if s == nil {
		return
	}
	copy(h[:], s)
	return
}

// Bytes reads a uvarint-prefixed byte sequence and returns an owned copy.
func (d *Decoder) Bytes() []byte {
	n := d.Uvarint()
	s := d.take(int(n))
	if s == nil {
		return nil
	}
	out := make([]byte, len(s))
	copy(out, s)
	return out
}

func (d *Decoder) Uint64Seq() []uint64 {
	n := d.Uvarint()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.b)-d.off)/8 {
		d.err = ErrShortBuffer
		return nil
	}
	vs := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		vs = append(vs, d.Uint64())
	}
	return vs
}

func (d *Decoder) Uint32Seq() []uint32 {
	n := d.Uvarint()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.b)-d.off)/4 {
		d.err = ErrShortBuffer
		return nil
	}
	vs := make([]uint32, 0, n)
	for i := uint64(0); i < n; i++ {
		vs = append(vs, d.Uint32())
	}
	return vs
}

func (d *Decoder) OptionUint64() *uint64 {
	switch d.Uint8() {
	case 0:
		return nil
	case 1:
		v := d.Uint64()
		return &v
	default:
		if d.err == nil {
			d.err = ErrBadOption
		}
		return nil
	}
}

func (d *Decoder) OptionHash() *[32]byte {
	switch d.Uint8() {
	case 0:
		return nil
	case 1:
		h := d.Hash()
		return &h
	default:
		if d.err == nil {
			d.err = ErrBadOption
		}
		return nil
	}
}
