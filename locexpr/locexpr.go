// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package locexpr evaluates DWARF location expressions and CFI
// expressions: a stack machine over variable-width byte buffers.
package locexpr

import (
	"encoding/binary"
	"fmt"

	"github.com/traceworks/dbgcore/reader"
)

// Opcode constants, named per the DWARF standard.
const (
	opAddr        = 0x03
	opDeref       = 0x06
	opConst1u     = 0x08
	opConst1s     = 0x09
	opConst2u     = 0x0a
	opConst2s     = 0x0b
	opConst4u     = 0x0c
	opConst4s     = 0x0d
	opConst8u     = 0x0e
	opConst8s     = 0x0f
	opConstu      = 0x10
	opConsts      = 0x11
	opDup         = 0x12
	opDrop        = 0x13
	opOver        = 0x14
	opPick        = 0x15
	opSwap        = 0x16
	opRot         = 0x17
	opAbs         = 0x19
	opAnd         = 0x1a
	opDiv         = 0x1b
	opMinus       = 0x1c
	opMod         = 0x1d
	opMul         = 0x1e
	opNeg         = 0x1f
	opNot         = 0x20
	opOr          = 0x21
	opPlus        = 0x22
	opPlusUconst  = 0x23
	opShl         = 0x24
	opShr         = 0x25
	opShra        = 0x26
	opXor         = 0x27
	opBra         = 0x28
	opEq          = 0x29
	opGe          = 0x2a
	opGt          = 0x2b
	opLe          = 0x2c
	opLt          = 0x2d
	opNe          = 0x2e
	opLit0        = 0x30
	opLit31       = 0x4f
	opReg0        = 0x50
	opReg17       = 0x61
	opBreg0       = 0x70
	opBreg31      = 0x8f
	opRegx        = 0x90
	opFbreg       = 0x91
	opBregx       = 0x92
	opNop         = 0x96
	opCallFrameCFA = 0x9c
)

// Error kinds.
var (
	ErrInvalidLocationExpression = fmt.Errorf("locexpr: invalid location expression")
	ErrUnexpectedValue           = fmt.Errorf("locexpr: unexpected value")
)

// Memory is the subset of the process adapter the evaluator needs to
// read live bytes from the subordinate.
type Memory interface {
	PeekData(pid int, addr uint64, dst []byte) error
}

// Context carries everything a location-expression evaluation needs
// beyond the byte program itself.
type Context struct {
	Mem      Memory
	Pid      int
	LoadAddr uint64
	Regs     map[int]uint64 // DWARF register number -> value

	// VariableSize is how many bytes a deref/addr op reads from memory.
	VariableSize int

	// FrameBase and FrameBaseExpr back the fbreg opcode: FrameBase is
	// used directly if FrameBaseExpr is empty, otherwise FrameBaseExpr
	// is evaluated recursively (e.g. for call_frame_cfa-based bases).
	FrameBase     uint64
	FrameBaseExpr []byte

	// CFA is the frame's canonical frame address, used by call_frame_cfa.
	CFA uint64
}

// Result is the top-of-stack buffer an evaluation produced. IsAddress
// reports that the last opcode located the value at Address: after
// addr/fbreg, Data holds the bytes read there; after breg/bregx/
// call_frame_cfa, Data holds the address itself.
type Result struct {
	Data      []byte
	IsAddress bool
	Address   uint64
}

// Eval runs prog against ctx and returns the final top-of-stack value.
func Eval(prog []byte, ctx *Context) (Result, error) {
	e := &evaluator{ctx: ctx}
	return e.run(prog)
}

type evaluator struct {
	ctx   *Context
	stack [][]byte
	// lastWasAddress records whether the most recent opcode located a
	// value at an address (addr/breg/fbreg/bregx/call_frame_cfa), kept
	// in lastAddress; run clears it before every opcode.
	lastWasAddress bool
	lastAddress    uint64
}

func (e *evaluator) push8(v uint64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	e.stack = append(e.stack, b)
}

func (e *evaluator) pop() ([]byte, error) {
	if len(e.stack) == 0 {
		return nil, ErrInvalidLocationExpression
	}
	v := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return v, nil
}

func (e *evaluator) popUint64() (uint64, error) {
	v, err := e.pop()
	if err != nil {
		return 0, err
	}
	return decodeUint(v), nil
}

func decodeUint(b []byte) uint64 {
	var u uint64
	for i := len(b) - 1; i >= 0; i-- {
		u = u<<8 | uint64(b[i])
	}
	return u
}

func (e *evaluator) peek(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if e.ctx.Mem == nil {
		return nil, fmt.Errorf("locexpr: no memory source configured")
	}
	if err := e.ctx.Mem.PeekData(e.ctx.Pid, addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (e *evaluator) run(prog []byte) (Result, error) {
	if len(prog) == 0 {
		return Result{}, ErrInvalidLocationExpression
	}
	r := reader.New(prog)
	for !r.AtEOF() {
		op, err := r.ReadUint8()
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidLocationExpression, err)
		}
		e.lastWasAddress = false
		if err := e.step(op, r); err != nil {
			return Result{}, err
		}
	}
	top, err := e.pop()
	if err != nil {
		return Result{}, err
	}
	return Result{Data: top, IsAddress: e.lastWasAddress, Address: e.lastAddress}, nil
}

func (e *evaluator) step(op uint8, r *reader.Reader) error {
	switch {
	case op >= opLit0 && op <= opLit31:
		e.push8(uint64(op - opLit0))
		return nil
	case op >= opReg0 && op <= opReg17:
		regNum := int(op - opReg0)
		v, ok := e.ctx.Regs[regNum]
		if !ok {
			return fmt.Errorf("%w: register %d not available", ErrUnexpectedValue, regNum)
		}
		e.push8(v)
		return nil
	case op >= opBreg0 && op <= opBreg31:
		regNum := int(op - opBreg0)
		off, err := r.ReadSLEB128()
		if err != nil {
			return wrapRead(err)
		}
		v, ok := e.ctx.Regs[regNum]
		if !ok {
			return fmt.Errorf("%w: register %d not available", ErrUnexpectedValue, regNum)
		}
		addr := uint64(int64(v) + off)
		e.push8(addr)
		e.lastWasAddress = true
		e.lastAddress = addr
		return nil
	}

	switch op {
	case opAddr:
		addr, err := r.ReadUint64()
		if err != nil {
			return wrapRead(err)
		}
		full := addr + e.ctx.LoadAddr
		e.lastWasAddress = true
		e.lastAddress = full
		return e.pushPeek(full)
	case opDeref:
		addr, err := e.popUint64()
		if err != nil {
			return err
		}
		return e.pushPeek(addr)
	case opConst1u:
		v, err := r.ReadUint8()
		if err != nil {
			return wrapRead(err)
		}
		e.stack = append(e.stack, encodeWidth(int64(v), 1))
		return nil
	case opConst1s:
		v, err := r.ReadInt8()
		if err != nil {
			return wrapRead(err)
		}
		e.stack = append(e.stack, encodeWidth(int64(v), 1))
		return nil
	case opConst2u:
		v, err := r.ReadUint16()
		if err != nil {
			return wrapRead(err)
		}
		e.stack = append(e.stack, encodeWidth(int64(v), 2))
		return nil
	case opConst2s:
		v, err := r.ReadInt16()
		if err != nil {
			return wrapRead(err)
		}
		e.stack = append(e.stack, encodeWidth(int64(v), 2))
		return nil
	case opConst4u:
		v, err := r.ReadUint32()
		if err != nil {
			return wrapRead(err)
		}
		e.stack = append(e.stack, encodeWidth(int64(v), 4))
		return nil
	case opConst4s:
		v, err := r.ReadInt32()
		if err != nil {
			return wrapRead(err)
		}
		e.stack = append(e.stack, encodeWidth(int64(v), 4))
		return nil
	case opConst8u:
		v, err := r.ReadUint64()
		if err != nil {
			return wrapRead(err)
		}
		e.push8(v)
		return nil
	case opConst8s:
		v, err := r.ReadInt64()
		if err != nil {
			return wrapRead(err)
		}
		e.push8(uint64(v))
		return nil
	case opConstu:
		v, err := r.ReadULEB128()
		if err != nil {
			return wrapRead(err)
		}
		e.push8(v)
		return nil
	case opConsts:
		v, err := r.ReadSLEB128()
		if err != nil {
			return wrapRead(err)
		}
		e.push8(uint64(v))
		return nil
	case opDup:
		v, err := e.pop()
		if err != nil {
			return err
		}
		e.stack = append(e.stack, v, append([]byte(nil), v...))
		return nil
	case opDrop:
		_, err := e.pop()
		return err
	case opOver:
		if len(e.stack) < 2 {
			return ErrInvalidLocationExpression
		}
		v := e.stack[len(e.stack)-2]
		e.stack = append(e.stack, append([]byte(nil), v...))
		return nil
	case opPick:
		idx, err := r.ReadUint8()
		if err != nil {
			return wrapRead(err)
		}
		if int(idx) >= len(e.stack) {
			return ErrInvalidLocationExpression
		}
		v := e.stack[len(e.stack)-1-int(idx)]
		e.stack = append(e.stack, append([]byte(nil), v...))
		return nil
	case opSwap:
		if len(e.stack) < 2 {
			return ErrInvalidLocationExpression
		}
		n := len(e.stack)
		e.stack[n-1], e.stack[n-2] = e.stack[n-2], e.stack[n-1]
		return nil
	case opRot:
		if len(e.stack) < 3 {
			return ErrInvalidLocationExpression
		}
		n := len(e.stack)
		e.stack[n-1], e.stack[n-2], e.stack[n-3] = e.stack[n-2], e.stack[n-3], e.stack[n-1]
		return nil
	case opAbs:
		return e.unary(func(v int64) int64 { if v < 0 { return -v }; return v })
	case opNeg:
		return e.unary(func(v int64) int64 { return -v })
	case opNot:
		return e.unary(func(v int64) int64 { return ^v })
	case opAnd:
		return e.binary(func(a, b int64) int64 { return a & b })
	case opOr:
		return e.binary(func(a, b int64) int64 { return a | b })
	case opXor:
		return e.binary(func(a, b int64) int64 { return a ^ b })
	case opPlus:
		return e.binary(func(a, b int64) int64 { return a + b })
	case opMinus:
		return e.binary(func(a, b int64) int64 { return a - b })
	case opMul:
		return e.binary(func(a, b int64) int64 { return a * b })
	case opDiv:
		return e.binary(func(a, b int64) int64 { if b == 0 { return 0 }; return a / b })
	case opMod:
		return e.binary(func(a, b int64) int64 { if b == 0 { return 0 }; return a % b })
	case opShl:
		return e.binaryShift(func(a int64, n uint64) int64 { return int64(uint64(a) << n) })
	case opShr:
		return e.binaryShift(func(a int64, n uint64) int64 { return int64(uint64(a) >> n) })
	case opShra:
		return e.binaryShift(func(a int64, n uint64) int64 { return a >> n })
	case opPlusUconst:
		v, err := r.ReadULEB128()
		if err != nil {
			return wrapRead(err)
		}
		top, err := e.popUint64()
		if err != nil {
			return err
		}
		e.push8(top + v)
		return nil
	case opEq:
		return e.compare(func(a, b int64) bool { return a == b })
	case opNe:
		return e.compare(func(a, b int64) bool { return a != b })
	case opGe:
		return e.compare(func(a, b int64) bool { return a >= b })
	case opGt:
		return e.compare(func(a, b int64) bool { return a > b })
	case opLe:
		return e.compare(func(a, b int64) bool { return a <= b })
	case opLt:
		return e.compare(func(a, b int64) bool { return a < b })
	case opBra:
		cond, err := e.popUint64()
		if err != nil {
			return err
		}
		dist, err := r.ReadInt16()
		if err != nil {
			return wrapRead(err)
		}
		if cond != 0 {
			if err := r.SkipBytes(int(dist)); err != nil {
				return fmt.Errorf("%w: bra out of range", ErrInvalidLocationExpression)
			}
		}
		return nil
	case opRegx:
		regNum, err := r.ReadULEB128()
		if err != nil {
			return wrapRead(err)
		}
		v, ok := e.ctx.Regs[int(regNum)]
		if !ok {
			return fmt.Errorf("%w: register %d not available", ErrUnexpectedValue, regNum)
		}
		e.push8(v)
		return nil
	case opBregx:
		regNum, err := r.ReadULEB128()
		if err != nil {
			return wrapRead(err)
		}
		off, err := r.ReadSLEB128()
		if err != nil {
			return wrapRead(err)
		}
		v, ok := e.ctx.Regs[int(regNum)]
		if !ok {
			return fmt.Errorf("%w: register %d not available", ErrUnexpectedValue, regNum)
		}
		addr := uint64(int64(v) + off)
		e.push8(addr)
		e.lastWasAddress = true
		e.lastAddress = addr
		return nil
	case opFbreg:
		off, err := r.ReadSLEB128()
		if err != nil {
			return wrapRead(err)
		}
		base := e.ctx.FrameBase
		if len(e.ctx.FrameBaseExpr) > 0 {
			sub := *e.ctx
			sub.LoadAddr = 0
			res, err := Eval(e.ctx.FrameBaseExpr, &sub)
			if err != nil {
				return err
			}
			base = decodeUint(res.Data)
		}
		addr := uint64(int64(base) + off)
		e.lastWasAddress = true
		e.lastAddress = addr
		return e.pushPeek(addr)
	case opCallFrameCFA:
		e.push8(e.ctx.CFA)
		e.lastWasAddress = true
		e.lastAddress = e.ctx.CFA
		return nil
	case opNop:
		return nil
	default:
		return fmt.Errorf("%w: unknown opcode 0x%02x", ErrInvalidLocationExpression, op)
	}
}

func (e *evaluator) pushPeek(addr uint64) error {
	n := e.ctx.VariableSize
	if n <= 0 {
		n = 8
	}
	b, err := e.peek(addr, n)
	if err != nil {
		return err
	}
	e.stack = append(e.stack, b)
	return nil
}

func sameWidth(a, b []byte) (int, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: operand width mismatch (%d vs %d)", ErrInvalidLocationExpression, len(a), len(b))
	}
	switch len(a) {
	case 1, 2, 4, 8:
		return len(a), nil
	default:
		return 0, fmt.Errorf("%w: unsupported operand width %d", ErrInvalidLocationExpression, len(a))
	}
}

func signExtend(b []byte) int64 {
	switch len(b) {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case 8:
		return int64(binary.LittleEndian.Uint64(b))
	}
	return 0
}

func encodeWidth(v int64, width int) []byte {
	b := make([]byte, width)
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
	return b
}

func (e *evaluator) unary(f func(int64) int64) error {
	a, err := e.pop()
	if err != nil {
		return err
	}
	width, err := sameWidth(a, a)
	if err != nil {
		return err
	}
	e.stack = append(e.stack, encodeWidth(f(signExtend(a)), width))
	return nil
}

func (e *evaluator) binary(f func(a, b int64) int64) error {
	b, err := e.pop()
	if err != nil {
		return err
	}
	a, err := e.pop()
	if err != nil {
		return err
	}
	width, err := sameWidth(a, b)
	if err != nil {
		return err
	}
	e.stack = append(e.stack, encodeWidth(f(signExtend(a), signExtend(b)), width))
	return nil
}

func (e *evaluator) binaryShift(f func(a int64, n uint64) int64) error {
	shiftBuf, err := e.pop()
	if err != nil {
		return err
	}
	a, err := e.pop()
	if err != nil {
		return err
	}
	width, err := sameWidth(a, a)
	if err != nil {
		return err
	}
	n := decodeUint(shiftBuf)
	e.stack = append(e.stack, encodeWidth(f(signExtend(a), n), width))
	return nil
}

func (e *evaluator) compare(f func(a, b int64) bool) error {
	b, err := e.pop()
	if err != nil {
		return err
	}
	a, err := e.pop()
	if err != nil {
		return err
	}
	if _, err := sameWidth(a, b); err != nil {
		return err
	}
	v := uint64(0)
	if f(signExtend(a), signExtend(b)) {
		v = 1
	}
	e.push8(v)
	return nil
}

func wrapRead(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidLocationExpression, err)
}
