// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package render turns a DWARF DataType plus a memory address into a
// printable value tree: a type-switch over this repo's own DataType
// DAG that reads live process memory to decode each node.
package render

import (
	"fmt"

	"github.com/traceworks/dbgcore/arch"
	"github.com/traceworks/dbgcore/dwarfdata"
)

// Memory is the subset of process access rendering needs.
type Memory interface {
	PeekData(pid int, addr uint64, dst []byte) error
}

// Kind distinguishes the shape of a rendered Value.
type Kind int

const (
	KindPrimitive Kind = iota
	KindPointer
	KindArray
	KindStruct
	KindEnum
	KindUnknown
)

// Field is one named member of a struct/union/class Value.
type Field struct {
	Name  string
	Value *Value
}

// Value is one rendered node of the type DAG.
type Value struct {
	Kind     Kind
	TypeName string
	Address  uint64

	// KindPrimitive
	Encoding dwarfdata.PrimitiveEncoding
	Int      int64
	Uint     uint64
	Float    float64
	Bool     bool
	IsSet    bool // any primitive field above is meaningful

	// KindPointer: the pointee's own address, and its rendering if
	// dereferenced (nil if the pointer was null; a cycle or the
	// recursion bound yields a Pointee carrying only a Note).
	PointeeAddr uint64
	Pointee     *Value

	// KindArray
	Elements  []*Value
	Truncated bool // true if Length exceeded the render element cap

	// KindStruct / KindEnum
	Fields []Field

	// KindEnum
	EnumName string

	Note string // set when rendering stopped early (cycle, depth, unknown type)
}

const (
	maxDepth         = 24
	maxArrayElements = 256
)

// String renders a one-line summary of v, used by the CLI to print
// locals and watches and by eval's "val:" prefix to print a looked-up
// local's value.
func (v *Value) String() string {
	if v == nil {
		return "<unavailable>"
	}
	switch v.Kind {
	case KindPrimitive:
		if !v.IsSet {
			return v.TypeName
		}
		switch v.Encoding {
		case dwarfdata.EncFloat:
			return fmt.Sprintf("%v", v.Float)
		case dwarfdata.EncBoolean:
			return fmt.Sprintf("%v", v.Bool)
		case dwarfdata.EncUnsigned:
			return fmt.Sprintf("%v", v.Uint)
		default:
			return fmt.Sprintf("%v", v.Int)
		}
	case KindPointer:
		if v.Note == "nil" {
			return fmt.Sprintf("(%s) nil", v.TypeName)
		}
		return fmt.Sprintf("(%s) 0x%x", v.TypeName, v.PointeeAddr)
	case KindArray:
		return fmt.Sprintf("(%s) [%d elements]", v.TypeName, len(v.Elements))
	case KindStruct:
		return fmt.Sprintf("(%s) {%d fields}", v.TypeName, len(v.Fields))
	case KindEnum:
		return v.EnumName
	default:
		if v.Note != "" {
			return v.Note
		}
		return "<unknown>"
	}
}

type visitKey struct {
	addr uint64
	typ  dwarfdata.TypeNdx
}

// renderer holds the state threaded through one Render call: the
// program model, memory access, architecture decode helpers, and the
// visited (address, type) set that breaks reference cycles.
type renderer struct {
	target  *dwarfdata.Target
	mem     Memory
	pid     int
	arch    *arch.Architecture
	visited map[visitKey]bool
}

// Render decodes the value of type typeNdx located at addr into a
// printable tree.
func Render(target *dwarfdata.Target, mem Memory, pid int, a *arch.Architecture, typeNdx dwarfdata.TypeNdx, addr uint64) (*Value, error) {
	r := &renderer{target: target, mem: mem, pid: pid, arch: a, visited: map[visitKey]bool{}}
	return r.render(typeNdx, addr, 0)
}

func (r *renderer) typeName(dt *dwarfdata.DataType) string {
	if s, ok := r.target.Strings.GetString(dt.NameHash); ok && s != "" {
		return s
	}
	return "<anonymous>"
}

func (r *renderer) render(typeNdx dwarfdata.TypeNdx, addr uint64, depth int) (*Value, error) {
	if int(typeNdx) < 0 || int(typeNdx) >= len(r.target.DataTypes) {
		return &Value{Kind: KindUnknown, Note: "type index out of range"}, nil
	}
	dt := r.target.DataTypes[typeNdx]
	name := r.typeName(dt)

	if depth > maxDepth {
		return &Value{Kind: KindUnknown, TypeName: name, Address: addr, Note: "recursion bound reached"}, nil
	}
	key := visitKey{addr: addr, typ: typeNdx}
	if r.visited[key] {
		return &Value{Kind: KindUnknown, TypeName: name, Address: addr, Note: "cycle detected"}, nil
	}
	r.visited[key] = true
	defer delete(r.visited, key)

	switch dt.Form {
	case dwarfdata.FormPrimitive:
		return r.renderPrimitive(dt, name, addr)
	case dwarfdata.FormPointer:
		return r.renderPointer(dt, name, addr, depth)
	case dwarfdata.FormArray:
		return r.renderArray(dt, name, addr, depth)
	case dwarfdata.FormStruct, dwarfdata.FormUnion, dwarfdata.FormClass:
		return r.renderAggregate(dt, name, addr, depth)
	case dwarfdata.FormEnum:
		return r.renderEnum(dt, name, addr)
	case dwarfdata.FormTypedef, dwarfdata.FormConst:
		return r.render(dt.ElementType, addr, depth)
	default:
		return &Value{Kind: KindUnknown, TypeName: name, Address: addr, Note: "unsupported type form"}, nil
	}
}

func (r *renderer) readBasic(addr uint64, n int64) ([]byte, error) {
	switch n {
	case 1, 2, 4, 8, 16:
	default:
		return nil, fmt.Errorf("render: invalid basic size %d", n)
	}
	buf := make([]byte, n)
	if err := r.mem.PeekData(r.pid, addr, buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf, nil
}

func (r *renderer) renderPrimitive(dt *dwarfdata.DataType, name string, addr uint64) (*Value, error) {
	buf, err := r.readBasic(addr, dt.SizeBytes)
	if err != nil {
		return nil, err
	}
	v := &Value{Kind: KindPrimitive, TypeName: name, Address: addr, IsSet: true, Encoding: dt.Encoding}
	switch dt.Encoding {
	case dwarfdata.EncSigned:
		v.Int = r.arch.IntN(buf)
	case dwarfdata.EncUnsigned:
		v.Uint = r.arch.UintN(buf)
	case dwarfdata.EncFloat:
		switch len(buf) {
		case 4:
			v.Float = float64(r.arch.Float32(buf))
		default:
			v.Float = r.arch.Float64(buf)
		}
	case dwarfdata.EncBoolean:
		for _, b := range buf {
			if b != 0 {
				v.Bool = true
				break
			}
		}
	default:
		v.Uint = r.arch.UintN(buf)
	}
	return v, nil
}

func (r *renderer) renderPointer(dt *dwarfdata.DataType, name string, addr uint64, depth int) (*Value, error) {
	buf, err := r.readBasic(addr, int64(r.arch.PointerSize))
	if err != nil {
		return nil, err
	}
	pointee := r.arch.Uintptr(buf)
	v := &Value{Kind: KindPointer, TypeName: name, Address: addr, PointeeAddr: pointee}
	if pointee == 0 {
		v.Note = "nil"
		return v, nil
	}
	inner, err := r.render(dt.ElementType, pointee, depth+1)
	if err != nil {
		return nil, err
	}
	v.Pointee = inner
	return v, nil
}

func (r *renderer) renderArray(dt *dwarfdata.DataType, name string, addr uint64, depth int) (*Value, error) {
	v := &Value{Kind: KindArray, TypeName: name, Address: addr}
	if !dt.HasLength {
		v.Note = "unknown length"
		return v, nil
	}
	elemType := dt.ElementType
	elemSize := int64(0)
	if int(elemType) < len(r.target.DataTypes) {
		elemSize = r.target.DataTypes[elemType].SizeBytes
	}
	n := dt.Length
	if n > maxArrayElements {
		n = maxArrayElements
		v.Truncated = true
	}
	for i := int64(0); i < n; i++ {
		el, err := r.render(elemType, addr+uint64(i*elemSize), depth+1)
		if err != nil {
			return nil, err
		}
		v.Elements = append(v.Elements, el)
	}
	return v, nil
}

func (r *renderer) renderAggregate(dt *dwarfdata.DataType, name string, addr uint64, depth int) (*Value, error) {
	v := &Value{Kind: KindStruct, TypeName: name, Address: addr}
	for _, m := range dt.Members {
		fieldVal, err := r.render(m.Type, addr+uint64(m.ByteOffset), depth+1)
		if err != nil {
			return nil, err
		}
		fname := "<field>"
		if s, ok := r.target.Strings.GetString(m.NameHash); ok {
			fname = s
		}
		v.Fields = append(v.Fields, Field{Name: fname, Value: fieldVal})
	}
	return v, nil
}

func (r *renderer) renderEnum(dt *dwarfdata.DataType, name string, addr uint64) (*Value, error) {
	base := dt.SizeBytes
	if base == 0 {
		base = 4
	}
	buf, err := r.readBasic(addr, base)
	if err != nil {
		return nil, err
	}
	raw := int64(r.arch.IntN(buf))
	v := &Value{Kind: KindEnum, TypeName: name, Address: addr, Int: raw, IsSet: true}
	for _, e := range dt.Enumerators {
		if e.Value == raw {
			if s, ok := r.target.Strings.GetString(e.NameHash); ok {
				v.EnumName = s
			}
			break
		}
	}
	return v, nil
}
