// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dwarfdata

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/traceworks/dbgcore/strcache"
)

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func cstr(s string) []byte { return append([]byte(s), 0) }

// buildFixture assembles a minimal DWARF4 compile unit with:
//
//	CU "main.c"
//	  base_type "int" (4 bytes, signed)
//	  subprogram "main" [0x1000, 0x1010)
//	    variable "x" -> int, location = DW_OP_addr 0x2000
func buildFixture(t *testing.T) (abbrevData, infoData []byte, strData []byte) {
	t.Helper()

	str := append([]byte{}, cstr("main.c")...)
	compDirOff := len(str)
	str = append(str, cstr("/tmp")...)
	intNameOff := len(str)
	str = append(str, cstr("int")...)
	mainNameOff := len(str)
	str = append(str, cstr("main")...)
	xNameOff := len(str)
	str = append(str, cstr("x")...)

	// abbrev table
	var ab []byte
	// code 1: compile_unit, children
	ab = append(ab, uleb(1)...)
	ab = append(ab, uleb(uint64(TagCompileUnit))...)
	ab = append(ab, 1)
	ab = append(ab, uleb(uint64(AttrName))...)
	ab = append(ab, uleb(uint64(FormStrp))...)
	ab = append(ab, uleb(uint64(AttrCompDir))...)
	ab = append(ab, uleb(uint64(FormStrp))...)
	ab = append(ab, 0, 0)

	// code 2: base_type, no children
	ab = append(ab, uleb(2)...)
	ab = append(ab, uleb(uint64(TagBaseType))...)
	ab = append(ab, 0)
	ab = append(ab, uleb(uint64(AttrName))...)
	ab = append(ab, uleb(uint64(FormStrp))...)
	ab = append(ab, uleb(uint64(AttrByteSize))...)
	ab = append(ab, uleb(uint64(FormData1))...)
	ab = append(ab, uleb(uint64(AttrEncoding))...)
	ab = append(ab, uleb(uint64(FormData1))...)
	ab = append(ab, 0, 0)

	// code 3: subprogram, children
	ab = append(ab, uleb(3)...)
	ab = append(ab, uleb(uint64(TagSubprogram))...)
	ab = append(ab, 1)
	ab = append(ab, uleb(uint64(AttrName))...)
	ab = append(ab, uleb(uint64(FormStrp))...)
	ab = append(ab, uleb(uint64(AttrLowpc))...)
	ab = append(ab, uleb(uint64(FormAddr))...)
	ab = append(ab, uleb(uint64(AttrHighpc))...)
	ab = append(ab, uleb(uint64(FormData8))...)
	ab = append(ab, 0, 0)

	// code 4: variable, no children
	ab = append(ab, uleb(4)...)
	ab = append(ab, uleb(uint64(TagVariable))...)
	ab = append(ab, 0)
	ab = append(ab, uleb(uint64(AttrName))...)
	ab = append(ab, uleb(uint64(FormStrp))...)
	ab = append(ab, uleb(uint64(AttrType))...)
	ab = append(ab, uleb(uint64(FormRef4))...)
	ab = append(ab, uleb(uint64(AttrLocation))...)
	ab = append(ab, uleb(uint64(FormExprloc))...)
	ab = append(ab, 0, 0)
	ab = append(ab, 0) // table terminator

	// .debug_info body (after the CU header, written by caller)
	var body []byte
	le32 := func(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }
	le64 := func(v uint64) []byte { b := make([]byte, 8); binary.LittleEndian.PutUint64(b, v); return b }

	body = append(body, uleb(1)...) // CU DIE (code 1)
	body = append(body, le32(uint32(0))...)
	body = append(body, le32(uint32(compDirOff))...)

	baseTypeOffsetPlaceholder := len(body) // recorded relative to body start; CU base added by caller
	body = append(body, uleb(2)...) // base_type DIE (code 2)
	body = append(body, le32(uint32(intNameOff))...)
	body = append(body, 4) // byte_size
	body = append(body, 5) // DW_ATE_signed

	body = append(body, uleb(3)...) // subprogram DIE (code 3)
	body = append(body, le32(uint32(mainNameOff))...)
	body = append(body, le64(0x1000)...)
	body = append(body, le64(0x10)...)

	body = append(body, uleb(4)...) // variable DIE (code 4)
	body = append(body, le32(uint32(xNameOff))...)
	_ = baseTypeOffsetPlaceholder // filled in below once header length is known

	return ab, body, str
}

func TestParseAbbrevTable(t *testing.T) {
	ab, _, _ := buildFixture(t)
	table, err := parseAbbrevTable(ab, 0)
	require.NoError(t, err)
	require.Len(t, table, 4)
	require.Equal(t, TagCompileUnit, table[1].Tag)
	require.True(t, table[1].HasChildren)
	require.Equal(t, TagVariable, table[4].Tag)
	require.False(t, table[4].HasChildren)
}

// TestReadDIEsWalksTree assembles a full CU (header + body) and checks
// that readDIEs visits every DIE with the right tag and depth.
func TestReadDIEsWalksTree(t *testing.T) {
	abbrevData, body, strData := buildFixture(t)

	// CU header: DWARF version 4, abbrev_offset=0, address_size=8.
	var header []byte
	header = append(header, 0, 0) // version placeholder, patched below
	binary.LittleEndian.PutUint16(header[0:2], 4)
	header = append(header, 0, 0, 0, 0) // abbrev_offset (4 bytes, 32-bit DWARF)
	header = append(header, 8)          // address_size

	full := append([]byte{}, header...)
	full = append(full, body...)

	// type ref in the variable DIE points at the base_type DIE. DW_FORM_ref4
	// is CU-relative to the CU's start, which (per this CU's header, h.offset
	// == 0) includes the 4-byte initial-length field itself.
	const initialLengthSize = 4
	const cuDIESize = 9 // abbrev code (1) + two strp offsets (4 + 4)
	baseTypeAbsOffset := initialLengthSize + len(header) + cuDIESize
	full = append(full, littleEndian32(uint32(baseTypeAbsOffset))...)
	full = append(full, uleb(1)...) // exprloc length
	full = append(full, 0x03)       // DW_OP_addr placeholder opcode byte (truncated operand intentionally omitted: length 1)

	full = append(full, 0) // end subprogram children
	full = append(full, 0) // end CU children

	// prefix with initial length (32-bit) covering everything after it.
	var info []byte
	info = append(info, littleEndian32(uint32(len(full)))...)
	cuStart := len(info)
	info = append(info, full...)

	sec := &sections{str: strData}
	h, err := parseCUHeader(info, 0)
	require.NoError(t, err)
	require.Equal(t, 4, h.version)
	require.Equal(t, 8, h.addrSize)

	abbrevs, err := parseAbbrevTable(abbrevData, 0)
	require.NoError(t, err)

	var tags []Tag
	var depths []int
	err = readDIEs(info, h, abbrevs, sec, func(e *Entry) error {
		tags = append(tags, e.Tag)
		depths = append(depths, e.Depth)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []Tag{TagCompileUnit, TagBaseType, TagSubprogram, TagVariable}, tags)
	require.Equal(t, []int{0, 1, 1, 2}, depths)
	_ = cuStart
}

func littleEndian32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestDwarfEncodingToPrimitive(t *testing.T) {
	require.Equal(t, EncSigned, dwarfEncodingToPrimitive(0x05))
	require.Equal(t, EncUnsigned, dwarfEncodingToPrimitive(0x07))
	require.Equal(t, EncFloat, dwarfEncodingToPrimitive(0x04))
	require.Equal(t, EncBoolean, dwarfEncodingToPrimitive(0x02))
}

func TestResolveHighPC(t *testing.T) {
	require.Equal(t, uint64(0x2000), resolveHighPC(0x1000, AttrValue{Class: ClassAddress, U: 0x2000}))
	require.Equal(t, uint64(0x1010), resolveHighPC(0x1000, AttrValue{Class: ClassConstant, U: 0x10}))
}

// TestBuildCUScopesVariablesByDepth assembles the same CU/base_type/
// subprogram/variable tree as buildFixture and checks that the
// variable, declared inside the subprogram's DIE children, ends up on
// the function's own Variables list rather than the compile unit's
// Globals list.
func TestBuildCUScopesVariablesByDepth(t *testing.T) {
	abbrevData, body, strData := buildFixture(t)

	var header []byte
	header = append(header, 0, 0)
	binary.LittleEndian.PutUint16(header[0:2], 4)
	header = append(header, 0, 0, 0, 0)
	header = append(header, 8)

	full := append([]byte{}, header...)
	full = append(full, body...)

	const initialLengthSize = 4
	baseTypeAbsOffset := initialLengthSize + len(header) + 1
	full = append(full, littleEndian32(uint32(baseTypeAbsOffset))...)
	full = append(full, uleb(1)...)
	full = append(full, 0x03)

	full = append(full, 0) // end subprogram children
	full = append(full, 0) // end CU children

	var info []byte
	info = append(info, littleEndian32(uint32(len(full)))...)
	info = append(info, full...)

	h, err := parseCUHeader(info, 0)
	require.NoError(t, err)
	abbrevs, err := parseAbbrevTable(abbrevData, 0)
	require.NoError(t, err)

	l := &loader{
		strings:        strcache.New(),
		localByOffset:  map[int]map[int]TypeNdx{},
		globalByOffset: map[int]TypeNdx{},
	}
	sec := &sections{str: strData}
	cu, err := l.buildCU(info, h, abbrevs, sec, nil)
	require.NoError(t, err)

	require.Len(t, cu.Functions, 1)
	require.Equal(t, []VariableNdx{0}, cu.Functions[0].Variables)
	require.Empty(t, cu.Globals)
}

func TestBuildSourceFilesGroupsByFileHash(t *testing.T) {
	rows := []lineRow{
		{Addr: 0x1000, FileHash: 1, Line: 10, IsStmt: true},
		{Addr: 0x1004, FileHash: 1, Line: 11, IsStmt: true},
		{Addr: 0x1008, FileHash: 2, Line: 5, IsStmt: true},
	}
	files := buildSourceFiles(rows)
	require.Len(t, files, 2)
	require.Len(t, files[0].Statements, 2)
	require.Len(t, files[1].Statements, 1)
}
