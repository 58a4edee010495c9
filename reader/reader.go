// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package reader provides a byte-cursor over an immutable buffer, with
// the typed and variable-length reads the DWARF and ELF decoders need.
package reader

import (
	"encoding/binary"
	"fmt"
)

// ErrEndOfFile is returned when a read runs past the end of the buffer.
var ErrEndOfFile = fmt.Errorf("reader: end of file")

// maxLEB128Bytes bounds LEB128 decoding so that malformed input cannot
// spin the decoder forever; 10 bytes is enough to hold a 64-bit value.
const maxLEB128Bytes = 10

// Reader is a cursor over a read-only byte slice. The zero value is not
// usable; construct one with New.
type Reader struct {
	buf    []byte
	off    int
	order  binary.ByteOrder
	base   int // absolute base offset reported by Offset, for sub-readers
}

// New returns a Reader over buf using little-endian encoding, which is
// the only byte order the x86-64 target in this spec uses.
func New(buf []byte) *Reader {
	return &Reader{buf: buf, order: binary.LittleEndian}
}

// NewAt returns a Reader over buf whose Offset() calls report base+off,
// used when buf is a sub-slice of a larger section.
func NewAt(buf []byte, base int) *Reader {
	return &Reader{buf: buf, order: binary.LittleEndian, base: base}
}

// Offset returns the reader's current position, relative to the base
// passed to NewAt (or 0 for readers built with New).
func (r *Reader) Offset() int { return r.base + r.off }

// Len returns the number of unread bytes remaining.
func (r *Reader) Len() int { return len(r.buf) - r.off }

// AtEOF reports whether the reader has consumed the whole buffer.
func (r *Reader) AtEOF() bool { return r.off >= len(r.buf) }

// Seek moves the cursor to an absolute offset within the original buffer
// (i.e. relative to base, not to the current position).
func (r *Reader) Seek(offset int) error {
	o := offset - r.base
	if o < 0 || o > len(r.buf) {
		return fmt.Errorf("reader: seek %d out of range [%d,%d]", offset, r.base, r.base+len(r.buf))
	}
	r.off = o
	return nil
}

// SkipBytes advances the cursor by n bytes without returning them.
func (r *Reader) SkipBytes(n int) error {
	if n < 0 || r.off+n > len(r.buf) {
		return ErrEndOfFile
	}
	r.off += n
	return nil
}

func (r *Reader) need(n int) error {
	if r.off+n > len(r.buf) {
		return ErrEndOfFile
	}
	return nil
}

// ReadBytes reads and returns the next n bytes. The returned slice
// aliases the reader's backing array; callers that retain it across
// further reads must copy it.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// ReadBuf fills dst with the next len(dst) bytes.
func (r *Reader) ReadBuf(dst []byte) error {
	if err := r.need(len(dst)); err != nil {
		return err
	}
	copy(dst, r.buf[r.off:r.off+len(dst)])
	r.off += len(dst)
	return nil
}

// ReadUint8 reads a single unsigned byte.
func (r *Reader) ReadUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

// ReadInt8 reads a single signed byte.
func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUint8()
	return int8(v), err
}

// ReadUint16 reads a little-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := r.order.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

// ReadInt16 reads a little-endian int16.
func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := r.order.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// ReadInt32 reads a little-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := r.order.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

// ReadInt64 reads a little-endian int64.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadInitialLength reads a DWARF initial-length field: a 4-byte value,
// or, if that value is 0xFFFFFFFF, a following 8-byte value. is64
// reports which form was used, which callers need to size offset fields
// drawn from the rest of the unit.
func (r *Reader) ReadInitialLength() (length uint64, is64 bool, err error) {
	v, err := r.ReadUint32()
	if err != nil {
		return 0, false, err
	}
	if v != 0xFFFFFFFF {
		return uint64(v), false, nil
	}
	v64, err := r.ReadUint64()
	if err != nil {
		return 0, false, err
	}
	return v64, true, nil
}

// ReadOffset reads an offset-sized value: 4 bytes for 32-bit DWARF, 8 for 64-bit.
func (r *Reader) ReadOffset(is64 bool) (uint64, error) {
	if is64 {
		return r.ReadUint64()
	}
	v, err := r.ReadUint32()
	return uint64(v), err
}

// ReadULEB128 reads an unsigned LEB128-encoded integer.
func (r *Reader) ReadULEB128() (uint64, error) {
	var result uint64
	var shift uint
	for i := 0; i < maxLEB128Bytes; i++ {
		b, err := r.ReadUint8()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("reader: ULEB128 exceeds %d bytes", maxLEB128Bytes)
}

// ReadSLEB128 reads a signed LEB128-encoded integer.
func (r *Reader) ReadSLEB128() (int64, error) {
	var result int64
	var shift uint
	var b uint8
	var err error
	for i := 0; i < maxLEB128Bytes; i++ {
		b, err = r.ReadUint8()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
	}
	return 0, fmt.Errorf("reader: SLEB128 exceeds %d bytes", maxLEB128Bytes)
}

// ReadUntil reads bytes up to and including the first occurrence of
// delim, returning the bytes read without the delimiter.
func (r *Reader) ReadUntil(delim byte) ([]byte, error) {
	start := r.off
	for r.off < len(r.buf) {
		if r.buf[r.off] == delim {
			s := r.buf[start:r.off]
			r.off++
			return s, nil
		}
		r.off++
	}
	r.off = start
	return nil, ErrEndOfFile
}

// ReadCString reads a NUL-terminated string.
func (r *Reader) ReadCString() (string, error) {
	b, err := r.ReadUntil(0)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
