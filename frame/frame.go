// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package frame parses `.debug_frame` call-frame information into CIEs
// and FDEs and interprets their instruction programs into per-location
// register-rule tables, used by the unwinder. The `.eh_frame` form (CIE
// id 0, CIE pointers relative to the entry, encoded FDE addresses) is
// not decoded: Parse rejects such a section.
package frame

import (
	"fmt"

	"github.com/traceworks/dbgcore/reader"
)

// CFA opcode constants (DW_CFA_*).
const (
	cfaAdvanceLoc       = 0x40 // top two bits set, low six bits are delta
	cfaOffset           = 0x80 // top two bits set, low six bits are register
	cfaRestore          = 0xc0 // top two bits set, low six bits are register

	cfaNop               = 0x00
	cfaSetLoc            = 0x01
	cfaAdvanceLoc1       = 0x02
	cfaAdvanceLoc2       = 0x03
	cfaAdvanceLoc4       = 0x04
	cfaOffsetExtended    = 0x05
	cfaRestoreExtended   = 0x06
	cfaUndefined         = 0x07
	cfaSameValue         = 0x08
	cfaRegister          = 0x09
	cfaRememberState     = 0x0a
	cfaRestoreState      = 0x0b
	cfaDefCFA            = 0x0c
	cfaDefCFARegister    = 0x0d
	cfaDefCFAOffset      = 0x0e
	cfaDefCFAExpression  = 0x0f
	cfaExpression        = 0x10
	cfaOffsetExtendedSF  = 0x11
	cfaDefCFASF          = 0x12
	cfaDefCFAOffsetSF    = 0x13
	cfaValOffset         = 0x14
	cfaValOffsetSF       = 0x15
	cfaValExpression      = 0x16
)

// RuleKind describes how to recover one register's value at a frame row.
type RuleKind int

const (
	RuleUndefined RuleKind = iota
	RuleSameValue
	RuleOffset    // value = *(CFA + Offset)
	RuleValOffset // value = CFA + Offset
	RuleRegister  // value = registers[Reg]
)

// Rule is one register's recovery rule at a given row.
type Rule struct {
	Kind   RuleKind
	Reg    int
	Offset int64
}

// Row is one entry of the unwind table: the rules in effect starting at
// Location (a CU-relative, i.e. load-address-relative, PC).
type Row struct {
	Location  uint64
	CFAReg    int
	CFAOffset int64
	Rules     map[int]Rule
}

func (r Row) clone() Row {
	c := Row{Location: r.Location, CFAReg: r.CFAReg, CFAOffset: r.CFAOffset}
	c.Rules = make(map[int]Rule, len(r.Rules))
	for k, v := range r.Rules {
		c.Rules[k] = v
	}
	return c
}

// CIE is a Common Information Entry.
type CIE struct {
	Version               uint8
	Augmentation          string
	AddressSize           uint8
	SegmentSize           uint8
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister int
	InitialInstructions   []byte
}

// FDE is a Frame Description Entry.
type FDE struct {
	CIE       *CIE
	LowPC     uint64
	HighPC    uint64
	Instructions []byte
}

// Covers reports whether pc (CU/file-relative) falls in this FDE's range.
func (f *FDE) Covers(pc uint64) bool {
	return pc >= f.LowPC && pc < f.HighPC
}

// Table is the set of CIEs/FDEs parsed from one section.
type Table struct {
	FDEs []*FDE
}

// FDEForPC returns the FDE covering pc, or nil.
func (t *Table) FDEForPC(pc uint64) *FDE {
	for _, fde := range t.FDEs {
		if fde.Covers(pc) {
			return fde
		}
	}
	return nil
}

// Parse decodes a `.debug_frame`-shaped section (4-byte CIE_id form,
// i.e. not `.eh_frame`'s PC-relative pointer augmentation encodings).
func Parse(data []byte) (*Table, error) {
	r := reader.New(data)
	cies := map[int]*CIE{}
	t := &Table{}
	for !r.AtEOF() {
		entryStart := r.Offset()
		length, is64, err := r.ReadInitialLength()
		if err != nil {
			return nil, fmt.Errorf("frame: %w", err)
		}
		if length == 0 {
			break
		}
		entryBodyStart := r.Offset()
		entryEnd := entryBodyStart + int(length)
		if entryEnd > len(data) {
			return nil, fmt.Errorf("frame: entry at %#x overruns the section", entryStart)
		}
		// er covers this entry only, so the instruction bytes parseCIE and
		// parseFDE take stop at the entry's end.
		er := reader.NewAt(data[entryBodyStart:entryEnd], entryBodyStart)
		cieID, err := er.ReadOffset(is64)
		if err != nil {
			return nil, fmt.Errorf("frame: %w", err)
		}
		isCIE := cieID == 0xffffffff || (is64 && cieID == 0xffffffffffffffff)
		if isCIE {
			cie, err := parseCIE(er)
			if err != nil {
				return nil, err
			}
			cies[entryStart] = cie
		} else {
			cieOff := int(cieID)
			cie, ok := cies[cieOff]
			if !ok {
				return nil, fmt.Errorf("frame: FDE at %#x references unknown CIE at %#x", entryStart, cieOff)
			}
			fde, err := parseFDE(er, cie)
			if err != nil {
				return nil, err
			}
			t.FDEs = append(t.FDEs, fde)
		}
		if err := r.Seek(entryEnd); err != nil {
			return nil, fmt.Errorf("frame: %w", err)
		}
	}
	return t, nil
}

func parseCIE(r *reader.Reader) (*CIE, error) {
	cie := &CIE{}
	ver, err := r.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	cie.Version = ver
	aug, err := r.ReadCString()
	if err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	cie.Augmentation = aug
	if ver >= 4 {
		if _, err := r.ReadUint8(); err != nil { // address_size
			return nil, fmt.Errorf("frame: %w", err)
		}
		if _, err := r.ReadUint8(); err != nil { // segment_size
			return nil, fmt.Errorf("frame: %w", err)
		}
	}
	caf, err := r.ReadULEB128()
	if err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	cie.CodeAlignmentFactor = caf
	daf, err := r.ReadSLEB128()
	if err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	cie.DataAlignmentFactor = daf
	if ver == 1 {
		b, err := r.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("frame: %w", err)
		}
		cie.ReturnAddressRegister = int(b)
	} else {
		rar, err := r.ReadULEB128()
		if err != nil {
			return nil, fmt.Errorf("frame: %w", err)
		}
		cie.ReturnAddressRegister = int(rar)
	}
	if len(aug) > 0 && aug[0] == 'z' {
		// .eh_frame augmentation data; length-prefixed, skip.
		n, err := r.ReadULEB128()
		if err != nil {
			return nil, fmt.Errorf("frame: %w", err)
		}
		if err := r.SkipBytes(int(n)); err != nil {
			return nil, fmt.Errorf("frame: %w", err)
		}
	}
	rest, err := r.ReadBytes(r.Len())
	if err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	cie.InitialInstructions = rest
	return cie, nil
}

func parseFDE(r *reader.Reader, cie *CIE) (*FDE, error) {
	fde := &FDE{CIE: cie}
	low, err := r.ReadUint64()
	if err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	delta, err := r.ReadUint64()
	if err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	fde.LowPC = low
	fde.HighPC = low + delta
	if len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z' {
		n, err := r.ReadULEB128()
		if err != nil {
			return nil, fmt.Errorf("frame: %w", err)
		}
		if err := r.SkipBytes(int(n)); err != nil {
			return nil, fmt.Errorf("frame: %w", err)
		}
	}
	rest, err := r.ReadBytes(r.Len())
	if err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	fde.Instructions = rest
	return fde, nil
}

// BuildRows executes the CIE's initial instructions followed by the
// FDE's instructions, returning the ordered row table.
func BuildRows(fde *FDE) ([]Row, error) {
	cie := fde.CIE
	b := &rowBuilder{cie: cie}
	b.row = Row{Location: fde.LowPC, Rules: map[int]Rule{}}
	if err := b.run(cie.InitialInstructions, 0); err != nil {
		return nil, err
	}
	b.initial = b.row.clone()
	b.rows = append(b.rows, b.row.clone())
	if err := b.run(fde.Instructions, fde.HighPC); err != nil {
		return nil, err
	}
	b.rows = append(b.rows, b.row.clone())
	return b.rows, nil
}

type rowBuilder struct {
	cie     *CIE
	row     Row
	initial Row
	rows    []Row
	stack   []Row
}

func (b *rowBuilder) run(prog []byte, _ uint64) error {
	r := reader.New(prog)
	cie := b.cie
	for !r.AtEOF() {
		op, err := r.ReadUint8()
		if err != nil {
			return fmt.Errorf("frame: %w", err)
		}
		switch {
		case op&0xc0 == cfaAdvanceLoc:
			delta := uint64(op & 0x3f)
			b.rows = append(b.rows, b.row.clone())
			b.row.Location += delta * cie.CodeAlignmentFactor
			continue
		case op&0xc0 == cfaOffset:
			reg := int(op & 0x3f)
			off, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.row.Rules[reg] = Rule{Kind: RuleOffset, Offset: int64(off) * cie.DataAlignmentFactor}
			continue
		case op&0xc0 == cfaRestore:
			reg := int(op & 0x3f)
			if rule, ok := b.initial.Rules[reg]; ok {
				b.row.Rules[reg] = rule
			} else {
				delete(b.row.Rules, reg)
			}
			continue
		}
		switch op {
		case cfaNop:
		case cfaSetLoc:
			addr, err := r.ReadUint64()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.rows = append(b.rows, b.row.clone())
			b.row.Location = addr
		case cfaAdvanceLoc1:
			d, err := r.ReadUint8()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.rows = append(b.rows, b.row.clone())
			b.row.Location += uint64(d) * cie.CodeAlignmentFactor
		case cfaAdvanceLoc2:
			d, err := r.ReadUint16()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.rows = append(b.rows, b.row.clone())
			b.row.Location += uint64(d) * cie.CodeAlignmentFactor
		case cfaAdvanceLoc4:
			d, err := r.ReadUint32()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.rows = append(b.rows, b.row.clone())
			b.row.Location += uint64(d) * cie.CodeAlignmentFactor
		case cfaOffsetExtended:
			reg, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			off, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.row.Rules[int(reg)] = Rule{Kind: RuleOffset, Offset: int64(off) * cie.DataAlignmentFactor}
		case cfaOffsetExtendedSF:
			reg, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			off, err := r.ReadSLEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.row.Rules[int(reg)] = Rule{Kind: RuleOffset, Offset: off * cie.DataAlignmentFactor}
		case cfaRestoreExtended:
			reg, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			if rule, ok := b.initial.Rules[int(reg)]; ok {
				b.row.Rules[int(reg)] = rule
			}
		case cfaUndefined:
			reg, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.row.Rules[int(reg)] = Rule{Kind: RuleUndefined}
		case cfaSameValue:
			reg, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.row.Rules[int(reg)] = Rule{Kind: RuleSameValue}
		case cfaRegister:
			reg, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			reg2, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.row.Rules[int(reg)] = Rule{Kind: RuleRegister, Reg: int(reg2)}
		case cfaRememberState:
			b.stack = append(b.stack, b.row.clone())
		case cfaRestoreState:
			if len(b.stack) == 0 {
				return fmt.Errorf("frame: restore_state with empty stack")
			}
			saved := b.stack[len(b.stack)-1]
			b.stack = b.stack[:len(b.stack)-1]
			loc := b.row.Location
			b.row = saved
			b.row.Location = loc
		case cfaDefCFA:
			reg, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			off, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.row.CFAReg = int(reg)
			b.row.CFAOffset = int64(off)
		case cfaDefCFASF:
			reg, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			off, err := r.ReadSLEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.row.CFAReg = int(reg)
			b.row.CFAOffset = off * cie.DataAlignmentFactor
		case cfaDefCFARegister:
			reg, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.row.CFAReg = int(reg)
		case cfaDefCFAOffset:
			off, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.row.CFAOffset = int64(off)
		case cfaDefCFAOffsetSF:
			off, err := r.ReadSLEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.row.CFAOffset = off * cie.DataAlignmentFactor
		case cfaDefCFAExpression:
			n, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			if err := r.SkipBytes(int(n)); err != nil {
				return fmt.Errorf("frame: %w", err)
			}
		case cfaExpression:
			reg, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			n, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			if err := r.SkipBytes(int(n)); err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.row.Rules[int(reg)] = Rule{Kind: RuleUndefined}
		case cfaValOffset:
			reg, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			off, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.row.Rules[int(reg)] = Rule{Kind: RuleValOffset, Offset: int64(off) * cie.DataAlignmentFactor}
		case cfaValOffsetSF:
			reg, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			off, err := r.ReadSLEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.row.Rules[int(reg)] = Rule{Kind: RuleValOffset, Offset: off * cie.DataAlignmentFactor}
		case cfaValExpression:
			reg, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			n, err := r.ReadULEB128()
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			if err := r.SkipBytes(int(n)); err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			b.row.Rules[int(reg)] = Rule{Kind: RuleUndefined}
		default:
			return fmt.Errorf("frame: unknown CFA opcode 0x%02x", op)
		}
	}
	return nil
}

// RowForPC returns the row with the largest Location <= pc among rows,
// which must be sorted ascending by Location (BuildRows guarantees this).
func RowForPC(rows []Row, pc uint64) (Row, bool) {
	var best Row
	found := false
	for _, row := range rows {
		if row.Location <= pc {
			best = row
			found = true
		}
	}
	return best, found
}
