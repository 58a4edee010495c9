// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arch contains architecture-specific definitions. This core
// targets linux/amd64 only, but keeps an Architecture shape general
// enough that a second architecture is a matter of adding a value, not
// restructuring callers.
package arch

import (
	"encoding/binary"
	"math"
)

// MaxBreakpointSize is the largest breakpoint instruction encoding any
// supported architecture uses.
const MaxBreakpointSize = 4

// Architecture holds the architecture-specific constants the process
// adapter, unwinder, and expression evaluator need.
type Architecture struct {
	// BreakpointSize is the size of a breakpoint instruction, in bytes.
	BreakpointSize int
	// PointerSize is the size of a pointer, in bytes.
	PointerSize int
	// ByteOrder is the byte order for ints and pointers.
	ByteOrder binary.ByteOrder
	// BreakpointInstr holds the architecture's software-interrupt
	// instruction, left-justified in the array.
	BreakpointInstr [MaxBreakpointSize]byte
	// ReturnAddressRegister is the DWARF register number CFI programs
	// use for "the return address", i.e. the CIE's return_address_register.
	ReturnAddressRegister int
	// NumDWARFRegisters is the size of the architecture's DWARF register
	// number space. The CFI interpreter does not check register numbers
	// against it.
	NumDWARFRegisters int
}

// Uintptr decodes buf (sized PointerSize) as an unsigned pointer value.
func (a *Architecture) Uintptr(buf []byte) uint64 {
	if len(buf) != a.PointerSize {
		panic("arch: bad PointerSize")
	}
	switch a.PointerSize {
	case 4:
		return uint64(a.ByteOrder.Uint32(buf[:4]))
	case 8:
		return a.ByteOrder.Uint64(buf[:8])
	}
	panic("arch: unsupported PointerSize")
}

// IntN decodes buf as a signed integer of its own length, honoring
// ByteOrder and sign-extending widths below 8 bytes.
func (a *Architecture) IntN(buf []byte) int64 {
	u := a.UintN(buf)
	if n := len(buf); n > 0 && n < 8 {
		shift := uint(64 - 8*n)
		return int64(u<<shift) >> shift
	}
	return int64(u)
}

// UintN decodes buf as an unsigned integer of its own length, honoring ByteOrder.
func (a *Architecture) UintN(buf []byte) uint64 {
	u := uint64(0)
	if a.ByteOrder == binary.LittleEndian {
		shift := uint(0)
		for _, c := range buf {
			u |= uint64(c) << shift
			shift += 8
		}
	} else {
		for _, c := range buf {
			u <<= 8
			u |= uint64(c)
		}
	}
	return u
}

// Float32 decodes a 4-byte IEEE-754 float.
func (a *Architecture) Float32(buf []byte) float32 {
	return math.Float32frombits(uint32(a.UintN(buf)))
}

// Float64 decodes an 8-byte IEEE-754 float.
func (a *Architecture) Float64(buf []byte) float64 {
	return math.Float64frombits(a.UintN(buf))
}

// Complex64 decodes an 8-byte pair of float32s as a complex64.
func (a *Architecture) Complex64(buf []byte) complex64 {
	r := math.Float32frombits(uint32(a.UintN(buf[:4])))
	i := math.Float32frombits(uint32(a.UintN(buf[4:8])))
	return complex(r, i)
}

// Complex128 decodes a 16-byte pair of float64s as a complex128.
func (a *Architecture) Complex128(buf []byte) complex128 {
	r := math.Float64frombits(a.UintN(buf[:8]))
	i := math.Float64frombits(a.UintN(buf[8:16]))
	return complex(r, i)
}

// AMD64 is the only supported architecture: linux/amd64.
var AMD64 = Architecture{
	BreakpointSize:        1,
	PointerSize:           8,
	ByteOrder:             binary.LittleEndian,
	BreakpointInstr:       [MaxBreakpointSize]byte{0xCC}, // INT3
	ReturnAddressRegister: 16,                             // DWARF reg 16 == %rip, System V x86-64 ABI.
	NumDWARFRegisters:     67,
}

// DWARF register numbers for the System V AMD64 ABI, used by the
// expression evaluator's breg/reg opcodes and the unwinder's register
// rule table.
const (
	RegRAX = 0
	RegRDX = 1
	RegRCX = 2
	RegRBX = 3
	RegRSI = 4
	RegRDI = 5
	RegRBP = 6
	RegRSP = 7
	RegR8  = 8
	RegR9  = 9
	RegR10 = 10
	RegR11 = 11
	RegR12 = 12
	RegR13 = 13
	RegR14 = 14
	RegR15 = 15
	RegRIP = 16
)
