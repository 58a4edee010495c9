// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

import "fmt"

// Memory is the subset of the process adapter the unwinder needs to
// read live stack memory from the subordinate.
type Memory interface {
	PeekData(pid int, addr uint64, dst []byte) error
}

// Unwinder walks stack frames using a CIE/FDE table.
type Unwinder struct {
	Table                 *Table
	LoadAddr               uint64
	ReturnAddressRegister int
	PointerSize            int
}

// Walked is the result of a stack walk.
type Walked struct {
	CallStackAddrs []uint64
	FrameBaseAddr  uint64
}

// Walk walks the stack starting at pc/regs (process-virtual addresses;
// regs keyed by DWARF register number) until PC is 0, falls below the
// load address, maxDepth is reached (0 means unbounded), or no FDE
// matches. mem is used to read saved registers (CFA rule dereferences)
// and to chase the return-address rule.
func (u *Unwinder) Walk(mem Memory, pid int, pc uint64, regs map[int]uint64, maxDepth int) (Walked, error) {
	var out Walked
	regs = cloneRegs(regs)
	first := true
	for {
		if pc == 0 || pc < u.LoadAddr {
			break
		}
		if maxDepth > 0 && len(out.CallStackAddrs) >= maxDepth {
			break
		}
		filePC := pc - u.LoadAddr
		fde := u.Table.FDEForPC(filePC)
		if fde == nil {
			break
		}
		rows, err := BuildRows(fde)
		if err != nil {
			return out, fmt.Errorf("frame: %w", err)
		}
		row, ok := RowForPC(rows, filePC)
		if !ok {
			break
		}
		cfa, err := u.computeCFA(mem, pid, row, regs)
		if err != nil {
			return out, err
		}
		if first {
			out.FrameBaseAddr = cfa
			first = false
		}
		out.CallStackAddrs = append(out.CallStackAddrs, pc)

		raRule, ok := row.Rules[u.ReturnAddressRegister]
		if !ok {
			break
		}
		returnPC, err := u.applyRule(mem, pid, raRule, cfa, regs)
		if err != nil {
			return out, err
		}
		if returnPC == 0 {
			break
		}
		newRegs := cloneRegs(regs)
		for reg, rule := range row.Rules {
			if reg == u.ReturnAddressRegister {
				continue
			}
			v, err := u.applyRule(mem, pid, rule, cfa, regs)
			if err != nil {
				continue // register unrecoverable; caller's frame may still resolve without it
			}
			newRegs[reg] = v
		}
		pc = returnPC
		regs = newRegs
	}
	return out, nil
}

func cloneRegs(regs map[int]uint64) map[int]uint64 {
	c := make(map[int]uint64, len(regs))
	for k, v := range regs {
		c[k] = v
	}
	return c
}

func (u *Unwinder) computeCFA(mem Memory, pid int, row Row, regs map[int]uint64) (uint64, error) {
	base, ok := regs[row.CFAReg]
	if !ok {
		return 0, fmt.Errorf("frame: CFA register %d not available", row.CFAReg)
	}
	return uint64(int64(base) + row.CFAOffset), nil
}

func (u *Unwinder) applyRule(mem Memory, pid int, rule Rule, cfa uint64, regs map[int]uint64) (uint64, error) {
	switch rule.Kind {
	case RuleOffset:
		addr := uint64(int64(cfa) + rule.Offset)
		buf := make([]byte, u.PointerSize)
		if err := mem.PeekData(pid, addr, buf); err != nil {
			return 0, fmt.Errorf("frame: %w", err)
		}
		return decodeLE(buf), nil
	case RuleValOffset:
		return uint64(int64(cfa) + rule.Offset), nil
	case RuleRegister:
		v, ok := regs[rule.Reg]
		if !ok {
			return 0, fmt.Errorf("frame: register %d not available", rule.Reg)
		}
		return v, nil
	case RuleSameValue:
		return regs[u.ReturnAddressRegister], nil
	default:
		return 0, nil
	}
}

func decodeLE(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
