// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dwarfdata decodes `.debug_abbrev`/`.debug_info`/`.debug_line`
// and the address-range sections into a language-neutral program
// model: Target, CompileUnit, SourceFile, Function, Variable, and
// DataType.
package dwarfdata

import (
	"github.com/traceworks/dbgcore/frame"
	"github.com/traceworks/dbgcore/strcache"
)

// TypeNdx indexes into Target.DataTypes.
type TypeNdx int

// VariableNdx indexes into a compile unit's variable pool.
type VariableNdx int

// TypeForm distinguishes DataType's shape.
type TypeForm int

const (
	FormPrimitive TypeForm = iota
	FormPointer
	FormArray
	FormStruct
	FormUnion
	FormClass
	FormEnum
	FormTypedef
	FormConst
	FormFunction
	FormUnknown
)

// PrimitiveEncoding distinguishes a primitive DataType's decoding.
type PrimitiveEncoding int

const (
	EncSigned PrimitiveEncoding = iota
	EncUnsigned
	EncFloat
	EncBoolean
	EncString
	EncComplex
)

// StructMember is one field of a struct/union/class DataType.
type StructMember struct {
	NameHash   uint64
	Type       TypeNdx
	ByteOffset int64
}

// Enumerator is one name/value pair of an enum DataType.
type Enumerator struct {
	NameHash uint64
	Value    int64
}

// DataType is one node of the type DAG, keyed by its TypeNdx.
type DataType struct {
	SizeBytes int64
	NameHash  uint64
	Form      TypeForm

	// Primitive
	Encoding PrimitiveEncoding

	// Pointer / Typedef / Const / Array element
	ElementType TypeNdx

	// Array
	Length    int64
	HasLength bool

	// Struct / Union / Class
	Members []StructMember

	// Enum
	Enumerators []Enumerator
}

// Variable is a formal parameter or local/global variable.
type Variable struct {
	NameHash           uint64
	DataType           TypeNdx
	LocationExprBytes  []byte
	FrameBaseExprBytes []byte
}

// SourceStatement maps one instruction address to a source line.
type SourceStatement struct {
	Addr           uint64
	Line           int
	Column         int
	BreakpointAddr uint64
	IsStmt         bool
}

// SourceFile is one compile unit's source file: its canonical-path hash
// and the ordered statement list the line program produced for it.
type SourceFile struct {
	PathHash   uint64
	Statements []SourceStatement
}

// AddressRange is a disjoint, half-open [Low, High) range.
type AddressRange struct {
	Low, High uint64
}

// SourceLocation names a file/line pair, by hash, used in Function and
// to resolve breakpoints.
type SourceLocation struct {
	FileHash uint64
	Line     int
}

// Function is one subprogram DIE.
type Function struct {
	NameHash      uint64
	Declaration   SourceLocation
	Statements    []SourceStatement
	AddressRanges []AddressRange
	Variables     []VariableNdx
	FrameBaseExpr []byte
}

// CompileUnit is one `.debug_info` compile_unit DIE and everything
// reachable from it.
type CompileUnit struct {
	Language      int64
	AddressRanges []AddressRange
	SourceFiles   []*SourceFile
	Functions     []*Function
	Variables     []*Variable

	// Globals indexes the entries of Variables declared outside any
	// function (package/file-scope variables), so a symbol lookup by
	// name doesn't have to search every function's own Variables list.
	Globals []VariableNdx

	Offset   int // byte offset of this CU in `.debug_info`, for diagnostics
	Version  int
	Is64     bool
	AddrSize int
}

// Target is the output of symbol loading: the whole program model.
type Target struct {
	PIE          bool
	AddressSize  int
	Strings      *strcache.Cache
	CompileUnits []*CompileUnit
	DataTypes    []*DataType
	Unwinder     *frame.Table
}
