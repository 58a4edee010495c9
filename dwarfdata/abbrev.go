// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dwarfdata

import (
	"fmt"

	"github.com/traceworks/dbgcore/reader"
)

// Tag is a DWARF DW_TAG_* value.
type Tag uint32

const (
	TagArrayType             Tag = 0x01
	TagClassType             Tag = 0x02
	TagEnumerationType       Tag = 0x04
	TagFormalParameter       Tag = 0x05
	TagStructureType         Tag = 0x13
	TagSubroutineType        Tag = 0x15
	TagTypedef               Tag = 0x16
	TagUnionType             Tag = 0x17
	TagUnspecifiedParameters Tag = 0x18
	TagVariant                Tag = 0x19
	TagInheritance            Tag = 0x1c
	TagSubrangeType          Tag = 0x21
	TagBaseType              Tag = 0x24
	TagConstType             Tag = 0x26
	TagEnumerator             Tag = 0x28
	TagSubprogram            Tag = 0x2e
	TagVariable              Tag = 0x34
	TagVolatileType          Tag = 0x35
	TagRestrictType          Tag = 0x37
	TagMember                Tag = 0x0d
	TagPointerType           Tag = 0x0f
	TagCompileUnit           Tag = 0x11
	TagUnspecifiedType       Tag = 0x3b
	TagRvalueReferenceType   Tag = 0x42
	TagReferenceType         Tag = 0x10
	TagPtrToMemberType       Tag = 0x1f
	TagInlinedSubroutine     Tag = 0x1d
)

// Attr is a DWARF DW_AT_* value.
type Attr uint32

const (
	AttrSibling       Attr = 0x01
	AttrLocation      Attr = 0x02
	AttrName          Attr = 0x03
	AttrByteSize      Attr = 0x0b
	AttrStmtList      Attr = 0x10
	AttrLowpc         Attr = 0x11
	AttrHighpc        Attr = 0x12
	AttrLanguage      Attr = 0x13
	AttrCompDir       Attr = 0x1b
	AttrConstValue    Attr = 0x1c
	AttrUpperBound    Attr = 0x2f
	AttrCount         Attr = 0x37
	AttrDataMemberLocation Attr = 0x38
	AttrDeclFile      Attr = 0x3a
	AttrDeclLine      Attr = 0x3b
	AttrEncoding      Attr = 0x3e
	AttrExternal      Attr = 0x3f
	AttrFrameBase     Attr = 0x40
	AttrType          Attr = 0x49
	AttrRanges        Attr = 0x55
	AttrStrOffsetsBase Attr = 0x72
	AttrAddrBase      Attr = 0x73
	AttrRnglistsBase  Attr = 0x74
)

// Form is a DWARF DW_FORM_* value.
type Form uint32

const (
	FormAddr        Form = 0x01
	FormBlock2      Form = 0x03
	FormBlock4      Form = 0x04
	FormData2       Form = 0x05
	FormData4       Form = 0x06
	FormData8       Form = 0x07
	FormString      Form = 0x08
	FormBlock       Form = 0x09
	FormBlock1      Form = 0x0a
	FormData1       Form = 0x0b
	FormFlag        Form = 0x0c
	FormSdata       Form = 0x0d
	FormStrp        Form = 0x0e
	FormUdata       Form = 0x0f
	FormRefAddr     Form = 0x10
	FormRef1        Form = 0x11
	FormRef2        Form = 0x12
	FormRef4        Form = 0x13
	FormRef8        Form = 0x14
	FormRefUdata    Form = 0x15
	FormIndirect    Form = 0x16
	FormSecOffset   Form = 0x17
	FormExprloc     Form = 0x18
	FormFlagPresent Form = 0x19
	FormStrx        Form = 0x1a
	FormAddrx       Form = 0x1b
	FormRefSup4     Form = 0x1c
	FormStrpSup     Form = 0x1d
	FormData16      Form = 0x1e
	FormLineStrp    Form = 0x1f
	FormRefSig8     Form = 0x20
	FormImplicitConst Form = 0x21
	FormLoclistx    Form = 0x22
	FormRnglistx    Form = 0x23
	FormStrx1       Form = 0x25
	FormStrx2       Form = 0x26
	FormStrx3       Form = 0x27
	FormStrx4       Form = 0x28
	FormAddrx1      Form = 0x29
	FormAddrx2      Form = 0x2a
	FormAddrx3      Form = 0x2b
	FormAddrx4      Form = 0x2c
)

// Class is the semantic class a Form decodes to: the class (not just
// the byte width) determines how some attributes are interpreted
// (e.g. DW_AT_high_pc as address vs. constant-offset).
type Class int

const (
	ClassAddress Class = iota
	ClassConstant
	ClassReference
	ClassGlobalReference
	ClassBlock
	ClassString
	ClassExprLoc
	ClassLocListPtr
	ClassFlag
)

func classOf(f Form) Class {
	switch f {
	case FormAddr, FormAddrx, FormAddrx1, FormAddrx2, FormAddrx3, FormAddrx4:
		return ClassAddress
	case FormData1, FormData2, FormData4, FormData8, FormData16, FormSdata, FormUdata, FormImplicitConst:
		return ClassConstant
	case FormRef1, FormRef2, FormRef4, FormRef8, FormRefUdata:
		return ClassReference
	case FormRefAddr, FormRefSig8, FormRefSup4:
		return ClassGlobalReference
	case FormBlock, FormBlock1, FormBlock2, FormBlock4:
		return ClassBlock
	case FormString, FormStrp, FormLineStrp, FormStrx, FormStrx1, FormStrx2, FormStrx3, FormStrx4, FormStrpSup:
		return ClassString
	case FormExprloc:
		return ClassExprLoc
	case FormSecOffset, FormLoclistx, FormRnglistx:
		return ClassLocListPtr
	case FormFlag, FormFlagPresent:
		return ClassFlag
	default:
		return ClassConstant
	}
}

// AbbrevAttr is one attribute spec within an AbbrevDecl.
type AbbrevAttr struct {
	Name          Attr
	Form          Form
	ImplicitValue int64
}

// AbbrevDecl is one `.debug_abbrev` entry: the code → (tag, children,
// attribute specs) mapping DIE decoding looks up.
type AbbrevDecl struct {
	Tag         Tag
	HasChildren bool
	Attrs       []AbbrevAttr
}

// AbbrevTable maps abbreviation code to its declaration, for one
// compile unit (each CU has its own abbrev_offset into `.debug_abbrev`).
type AbbrevTable map[uint64]*AbbrevDecl

// parseAbbrevTable decodes one abbreviation table starting at offset
// within the `.debug_abbrev` section contents.
func parseAbbrevTable(data []byte, offset int) (AbbrevTable, error) {
	if offset > len(data) {
		return nil, fmt.Errorf("dwarfdata: abbrev offset %d out of range", offset)
	}
	r := reader.NewAt(data[offset:], offset)
	table := AbbrevTable{}
	for {
		code, err := r.ReadULEB128()
		if err != nil {
			return nil, fmt.Errorf("dwarfdata: %w", err)
		}
		if code == 0 {
			break
		}
		tag, err := r.ReadULEB128()
		if err != nil {
			return nil, fmt.Errorf("dwarfdata: %w", err)
		}
		hasChildren, err := r.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("dwarfdata: %w", err)
		}
		decl := &AbbrevDecl{Tag: Tag(tag), HasChildren: hasChildren != 0}
		for {
			name, err := r.ReadULEB128()
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			form, err := r.ReadULEB128()
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			var implicit int64
			if Form(form) == FormImplicitConst {
				implicit, err = r.ReadSLEB128()
				if err != nil {
					return nil, fmt.Errorf("dwarfdata: %w", err)
				}
			}
			if name == 0 && form == 0 {
				break
			}
			decl.Attrs = append(decl.Attrs, AbbrevAttr{Name: Attr(name), Form: Form(form), ImplicitValue: implicit})
		}
		table[code] = decl
	}
	return table, nil
}
