// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dwarfdata

import (
	"fmt"
	"path/filepath"

	"github.com/traceworks/dbgcore/reader"
	"github.com/traceworks/dbgcore/strcache"
)

// lineRow is one row the line-number state machine emits.
type lineRow struct {
	Addr     uint64
	FileHash uint64
	Line     int
	Column   int
	IsStmt   bool
	EndSeq   bool
}

const (
	lnsCopy          = 1
	lnsAdvancePC     = 2
	lnsAdvanceLine   = 3
	lnsSetFile       = 4
	lnsSetColumn     = 5
	lnsNegateStmt    = 6
	lnsSetBasicBlock = 7
	lnsConstAddPC    = 8
	lnsFixedAdvancePC = 9
	lnsSetPrologueEnd = 10
	lnsSetEpilogueBegin = 11
	lnsSetISA        = 12

	lneEndSequence   = 1
	lneSetAddress    = 2
	lneDefineFile    = 3
)

// parseLineProgram decodes one `.debug_line` program starting at
// offset, resolving file names against compDir and interning them.
func parseLineProgram(data []byte, offset int, compDir string, cuName string, strings *strcache.Cache, sec *sections) ([]lineRow, error) {
	r := reader.NewAt(data[offset:], offset)
	unitLen, is64, err := r.ReadInitialLength()
	if err != nil {
		return nil, fmt.Errorf("dwarfdata: %w", err)
	}
	end := r.Offset() + int(unitLen)

	ver, err := r.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("dwarfdata: %w", err)
	}

	if ver >= 5 {
		if _, err := r.ReadUint8(); err != nil { // address_size
			return nil, fmt.Errorf("dwarfdata: %w", err)
		}
		if _, err := r.ReadUint8(); err != nil { // segment_selector_size
			return nil, fmt.Errorf("dwarfdata: %w", err)
		}
	}

	headerLen, err := r.ReadOffset(is64)
	if err != nil {
		return nil, fmt.Errorf("dwarfdata: %w", err)
	}
	progStart := r.Offset() + int(headerLen)

	minInstrLen, err := r.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("dwarfdata: %w", err)
	}
	maxOpsPerInstr := uint8(1)
	if ver >= 4 {
		maxOpsPerInstr, err = r.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("dwarfdata: %w", err)
		}
	}
	defaultIsStmt, err := r.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("dwarfdata: %w", err)
	}
	lineBase, err := r.ReadInt8()
	if err != nil {
		return nil, fmt.Errorf("dwarfdata: %w", err)
	}
	lineRange, err := r.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("dwarfdata: %w", err)
	}
	opcodeBase, err := r.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("dwarfdata: %w", err)
	}
	stdOpcodeLengths := make([]uint8, opcodeBase-1)
	for i := range stdOpcodeLengths {
		stdOpcodeLengths[i], err = r.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("dwarfdata: %w", err)
		}
	}

	var fileNames []string
	if ver >= 5 {
		fileNames, err = readV5FileTable(r, is64, sec)
		if err != nil {
			return nil, err
		}
	} else {
		// directory table: NUL-terminated strings, terminated by an empty one.
		for {
			s, err := r.ReadCString()
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			if s == "" {
				break
			}
		}
		fileNames = append(fileNames, cuName) // index 0 unused pre-v5; reserve a slot
		for {
			s, err := r.ReadCString()
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			if s == "" {
				break
			}
			if _, err := r.ReadULEB128(); err != nil { // dir index
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			if _, err := r.ReadULEB128(); err != nil { // mtime
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			if _, err := r.ReadULEB128(); err != nil { // size
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			fileNames = append(fileNames, s)
		}
	}

	if err := r.Seek(progStart); err != nil {
		return nil, fmt.Errorf("dwarfdata: %w", err)
	}

	hashForFile := func(idx int) uint64 {
		name := cuName
		if idx >= 0 && idx < len(fileNames) {
			name = fileNames[idx]
		}
		abs := name
		if !filepath.IsAbs(abs) && compDir != "" {
			abs = filepath.Join(compDir, name)
		}
		return strings.AddString(abs)
	}

	var rows []lineRow
	addr := uint64(0)
	opIndex := uint8(0)
	file := 1
	line := 1
	column := 0
	isStmt := defaultIsStmt != 0

	advance := func(opAdvance uint64) {
		if maxOpsPerInstr <= 1 {
			addr += uint64(minInstrLen) * opAdvance
		} else {
			addr += uint64(minInstrLen) * ((uint64(opIndex) + opAdvance) / uint64(maxOpsPerInstr))
			opIndex = uint8((uint64(opIndex) + opAdvance) % uint64(maxOpsPerInstr))
		}
	}

	for r.Offset() < end {
		op, err := r.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("dwarfdata: %w", err)
		}
		switch {
		case op == 0:
			length, err := r.ReadULEB128()
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			sub, err := r.ReadUint8()
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			remaining := int(length) - 1
			switch sub {
			case lneEndSequence:
				rows = append(rows, lineRow{Addr: addr, FileHash: hashForFile(file), Line: line, Column: column, IsStmt: isStmt, EndSeq: true})
				addr, opIndex, file, line, column, isStmt = 0, 0, 1, 1, 0, defaultIsStmt != 0
			case lneSetAddress:
				a, err := readAddrN(r, remaining)
				if err != nil {
					return nil, err
				}
				addr = a
				opIndex = 0
			case lneDefineFile:
				// Deprecated in DWARF5 and rarely emitted; the whole
				// body (name + dir/mtime/size ULEB128s) is skipped
				// wholesale rather than field-by-field.
				if err := r.SkipBytes(remaining); err != nil {
					return nil, fmt.Errorf("dwarfdata: %w", err)
				}
			default:
				if err := r.SkipBytes(remaining); err != nil {
					return nil, fmt.Errorf("dwarfdata: %w", err)
				}
			}
		case op < opcodeBase:
			switch op {
			case lnsCopy:
				rows = append(rows, lineRow{Addr: addr, FileHash: hashForFile(file), Line: line, Column: column, IsStmt: isStmt})
			case lnsAdvancePC:
				v, err := r.ReadULEB128()
				if err != nil {
					return nil, fmt.Errorf("dwarfdata: %w", err)
				}
				advance(v)
			case lnsAdvanceLine:
				v, err := r.ReadSLEB128()
				if err != nil {
					return nil, fmt.Errorf("dwarfdata: %w", err)
				}
				line += int(v)
			case lnsSetFile:
				v, err := r.ReadULEB128()
				if err != nil {
					return nil, fmt.Errorf("dwarfdata: %w", err)
				}
				file = int(v)
			case lnsSetColumn:
				v, err := r.ReadULEB128()
				if err != nil {
					return nil, fmt.Errorf("dwarfdata: %w", err)
				}
				column = int(v)
			case lnsNegateStmt:
				isStmt = !isStmt
			case lnsSetBasicBlock:
			case lnsConstAddPC:
				adjusted := uint64(255-opcodeBase) / uint64(lineRange)
				advance(adjusted)
			case lnsFixedAdvancePC:
				v, err := r.ReadUint16()
				if err != nil {
					return nil, fmt.Errorf("dwarfdata: %w", err)
				}
				addr += uint64(v)
				opIndex = 0
			case lnsSetPrologueEnd, lnsSetEpilogueBegin:
			case lnsSetISA:
				if _, err := r.ReadULEB128(); err != nil {
					return nil, fmt.Errorf("dwarfdata: %w", err)
				}
			default:
				for i := uint8(0); i < stdOpcodeLengths[op-1]; i++ {
					if _, err := r.ReadULEB128(); err != nil {
						return nil, fmt.Errorf("dwarfdata: %w", err)
					}
				}
			}
		default:
			adjusted := uint64(op - opcodeBase)
			opAdvance := adjusted / uint64(lineRange)
			lineAdvance := int64(lineBase) + int64(adjusted%uint64(lineRange))
			advance(opAdvance)
			line += int(lineAdvance)
			rows = append(rows, lineRow{Addr: addr, FileHash: hashForFile(file), Line: line, Column: column, IsStmt: isStmt})
		}
	}
	return rows, nil
}

func readAddrN(r *reader.Reader, n int) (uint64, error) {
	switch n {
	case 4:
		v, err := r.ReadUint32()
		return uint64(v), err
	case 8:
		return r.ReadUint64()
	default:
		b, err := r.ReadBytes(n)
		if err != nil {
			return 0, err
		}
		var v uint64
		for i := len(b) - 1; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}
		return v, nil
	}
}

// readV5FileTable reads the DWARF v5 directory and file-name tables,
// which share a format-descriptor-driven entry layout.
func readV5FileTable(r *reader.Reader, is64 bool, sec *sections) ([]string, error) {
	readTable := func() ([]string, error) {
		formatCount, err := r.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("dwarfdata: %w", err)
		}
		type fd struct {
			contentType uint64
			form        Form
		}
		formats := make([]fd, formatCount)
		for i := range formats {
			ct, err := r.ReadULEB128()
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			f, err := r.ReadULEB128()
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			formats[i] = fd{contentType: ct, form: Form(f)}
		}
		count, err := r.ReadULEB128()
		if err != nil {
			return nil, fmt.Errorf("dwarfdata: %w", err)
		}
		var names []string
		for i := uint64(0); i < count; i++ {
			name := ""
			for _, f := range formats {
				val, err := skipOrReadString(r, f.form, is64, sec)
				if err != nil {
					return nil, err
				}
				if f.contentType == 1 { // DW_LNCT_path
					name = val
				}
			}
			names = append(names, name)
		}
		return names, nil
	}
	if _, err := readTable(); err != nil { // directories; content not threaded through here
		return nil, err
	}
	return readTable()
}

// skipOrReadString decodes one v5 file-table field, returning its
// string value when form carries one (path entries use string/strp/
// line_strp); other forms are consumed and ignored.
func skipOrReadString(r *reader.Reader, f Form, is64 bool, sec *sections) (string, error) {
	switch f {
	case FormString:
		return r.ReadCString()
	case FormStrp:
		off, err := r.ReadOffset(is64)
		if err != nil {
			return "", fmt.Errorf("dwarfdata: %w", err)
		}
		return cstringAt(sec.str, int(off)), nil
	case FormLineStrp:
		off, err := r.ReadOffset(is64)
		if err != nil {
			return "", fmt.Errorf("dwarfdata: %w", err)
		}
		return cstringAt(sec.lineStr, int(off)), nil
	case FormUdata:
		if _, err := r.ReadULEB128(); err != nil {
			return "", fmt.Errorf("dwarfdata: %w", err)
		}
		return "", nil
	case FormData1:
		if _, err := r.ReadUint8(); err != nil {
			return "", fmt.Errorf("dwarfdata: %w", err)
		}
		return "", nil
	case FormData2:
		if _, err := r.ReadUint16(); err != nil {
			return "", fmt.Errorf("dwarfdata: %w", err)
		}
		return "", nil
	case FormData4:
		if _, err := r.ReadUint32(); err != nil {
			return "", fmt.Errorf("dwarfdata: %w", err)
		}
		return "", nil
	case FormData8:
		if _, err := r.ReadUint64(); err != nil {
			return "", fmt.Errorf("dwarfdata: %w", err)
		}
		return "", nil
	case FormData16:
		if _, err := r.ReadBytes(16); err != nil {
			return "", fmt.Errorf("dwarfdata: %w", err)
		}
		return "", nil
	case FormBlock:
		n, err := r.ReadULEB128()
		if err != nil {
			return "", fmt.Errorf("dwarfdata: %w", err)
		}
		if _, err := r.ReadBytes(int(n)); err != nil {
			return "", fmt.Errorf("dwarfdata: %w", err)
		}
		return "", nil
	default:
		return "", fmt.Errorf("dwarfdata: unsupported v5 file-table form 0x%02x", f)
	}
}
