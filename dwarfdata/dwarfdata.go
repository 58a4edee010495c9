// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dwarfdata

import (
	"fmt"
	"log/slog"

	"github.com/traceworks/dbgcore/elfimage"
	"github.com/traceworks/dbgcore/frame"
	"github.com/traceworks/dbgcore/strcache"
)

// Error kinds.
var (
	ErrInvalidDWARFInfo    = fmt.Errorf("dwarfdata: invalid DWARF info")
	ErrInvalidDWARFVersion = fmt.Errorf("dwarfdata: unsupported DWARF version")
)

// typeRef defers a not-yet-resolved type reference discovered during
// pass 1, to be rewritten in pass 2 once every type-defining DIE has a
// placeholder TypeNdx.
type typeRef struct {
	targetOffset uint64 // absolute .debug_info byte offset of the referenced DIE
	isGlobal     bool
	// exactly one of these is non-nil; set records where to write the
	// resolved TypeNdx once known.
	setElement *TypeNdx
	setMember  *TypeNdx
	setVarType *TypeNdx
}

// loader holds the state threaded through one Load call.
type loader struct {
	log     *slog.Logger
	strings *strcache.Cache

	localByOffset  map[int]map[int]TypeNdx // per-CU local offset -> TypeNdx
	globalByOffset map[int]TypeNdx         // global .debug_info offset -> TypeNdx
	dataTypes      []*DataType
	deferred       []typeRef
}

// Load builds a Target from an already-parsed ELF image. Missing
// optional sections degrade gracefully (nil slices); `.debug_abbrev`,
// `.debug_info`, and `.debug_line` are required.
func Load(img *elfimage.Image, log *slog.Logger) (*Target, error) {
	if log == nil {
		log = slog.Default()
	}
	abbrevSec := img.Section(".debug_abbrev")
	infoSec := img.Section(".debug_info")
	lineSec := img.Section(".debug_line")
	if abbrevSec == nil || infoSec == nil || lineSec == nil {
		return nil, fmt.Errorf("%w: missing .debug_abbrev, .debug_info or .debug_line", ErrInvalidDWARFInfo)
	}

	sec := &sections{}
	if s := img.Section(".debug_str"); s != nil {
		sec.str = s.Data
	}
	if s := img.Section(".debug_line_str"); s != nil {
		sec.lineStr = s.Data
	}
	if s := img.Section(".debug_str_offsets"); s != nil {
		sec.strOffsets = s.Data
	}
	if s := img.Section(".debug_addr"); s != nil {
		sec.addr = s.Data
	}
	if s := img.Section(".debug_ranges"); s != nil {
		sec.ranges = s.Data
	}
	if s := img.Section(".debug_rnglists"); s != nil {
		sec.rngLists = s.Data
	}

	l := &loader{
		log:            log,
		strings:        strcache.New(),
		localByOffset:  map[int]map[int]TypeNdx{},
		globalByOffset: map[int]TypeNdx{},
	}

	target := &Target{
		AddressSize: 8,
		Strings:     l.strings,
		PIE:         img.PIE,
	}

	info := infoSec.Data
	offset := 0
	for offset < len(info) {
		h, err := parseCUHeader(info, offset)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDWARFInfo, err)
		}
		if h.version < 1 || h.version > 5 {
			return nil, fmt.Errorf("%w: version %d", ErrInvalidDWARFVersion, h.version)
		}
		abbrevs, err := parseAbbrevTable(abbrevSec.Data, int(h.abbrevOff))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDWARFInfo, err)
		}
		cu, err := l.buildCU(info, h, abbrevs, sec, lineSec)
		if err != nil {
			log.Warn("dwarfdata: compile unit decode failed, skipping", "offset", h.offset, "error", err)
		} else {
			target.CompileUnits = append(target.CompileUnits, cu)
		}
		offset = h.endOffset
	}

	l.resolveDeferred()
	target.DataTypes = l.dataTypes

	if s := img.Section(".debug_frame"); s != nil {
		if table, err := frame.Parse(s.Data); err == nil {
			target.Unwinder = table
		} else {
			log.Warn("dwarfdata: .debug_frame decode failed", "error", err)
		}
	} else if s := img.Section(".eh_frame"); s != nil {
		if table, err := frame.Parse(s.Data); err == nil {
			target.Unwinder = table
		} else {
			log.Warn("dwarfdata: .eh_frame decode failed", "error", err)
		}
	}

	return target, nil
}

// placeholderType allocates a new DataType slot and returns its index;
// pass 2 fills in fields that depend on forward references.
func (l *loader) placeholderType() TypeNdx {
	l.dataTypes = append(l.dataTypes, &DataType{Form: FormUnknown})
	return TypeNdx(len(l.dataTypes) - 1)
}

func (l *loader) resolveDeferred() {
	for _, ref := range l.deferred {
		ndx, ok := l.globalByOffset[int(ref.targetOffset)]
		if !ok {
			continue
		}
		switch {
		case ref.setElement != nil:
			*ref.setElement = ndx
		case ref.setMember != nil:
			*ref.setMember = ndx
		case ref.setVarType != nil:
			*ref.setVarType = ndx
		}
	}
}

func (l *loader) buildCU(info []byte, h cuHeader, abbrevs AbbrevTable, sec *sections, lineSec *elfimage.Section) (*CompileUnit, error) {
	cu := &CompileUnit{Offset: h.offset, Version: h.version, Is64: h.is64, AddrSize: h.addrSize}
	local := map[int]TypeNdx{}
	l.localByOffset[h.offset] = local

	var (
		compDir      string
		cuName       string
		lowPC        uint64
		haveLow      bool
		highVal      AttrValue
		haveHigh     bool
		rangesOff    uint64
		haveRanges   bool
		stmtListOff  uint64
		haveStmtList bool
	)

	type pendingFunc struct {
		entry      *Function
		low        uint64
		haveLow    bool
		high       AttrValue
		haveHigh   bool
		ranges     uint64
		haveRanges bool
		depth      int
	}
	var funcs []*pendingFunc
	var funcStack []*pendingFunc
	curFunc := func() *pendingFunc {
		if len(funcStack) == 0 {
			return nil
		}
		return funcStack[len(funcStack)-1]
	}

	err := readDIEs(info, h, abbrevs, sec, func(e *Entry) error {
		for len(funcStack) > 0 && e.Depth <= funcStack[len(funcStack)-1].depth {
			funcStack = funcStack[:len(funcStack)-1]
		}
		switch e.Tag {
		case TagCompileUnit:
			if v, ok := e.Attrs[AttrLanguage]; ok {
				cu.Language = int64(v.U)
			}
			if v, ok := e.Attrs[AttrCompDir]; ok {
				compDir = v.Str
			}
			if v, ok := e.Attrs[AttrName]; ok {
				cuName = v.Str
			}
			if v, ok := e.Attrs[AttrLowpc]; ok {
				lowPC = v.U
				haveLow = true
			}
			if v, ok := e.Attrs[AttrHighpc]; ok {
				highVal = v
				haveHigh = true
			}
			if v, ok := e.Attrs[AttrRanges]; ok {
				rangesOff = v.U
				haveRanges = true
			}
			if v, ok := e.Attrs[AttrStmtList]; ok {
				stmtListOff = v.U
				haveStmtList = true
			}
		case TagBaseType, TagPointerType, TagReferenceType, TagRvalueReferenceType,
			TagRestrictType, TagVolatileType, TagPtrToMemberType, TagArrayType,
			TagStructureType, TagUnionType, TagClassType, TagEnumerationType,
			TagTypedef, TagConstType, TagSubroutineType, TagUnspecifiedType:
			ndx := l.placeholderType()
			local[e.Offset] = ndx
			l.globalByOffset[e.Offset] = ndx
			l.fillTypeShell(ndx, e, local)
		case TagSubprogram:
			fn := &Function{}
			if v, ok := e.Attrs[AttrName]; ok {
				fn.NameHash = l.strings.AddString(v.Str)
			}
			if v, ok := e.Attrs[AttrDeclLine]; ok {
				fn.Declaration.Line = int(v.U)
			}
			pf := &pendingFunc{entry: fn, depth: e.Depth}
			if v, ok := e.Attrs[AttrLowpc]; ok {
				pf.low, pf.haveLow = v.U, true
			}
			if v, ok := e.Attrs[AttrHighpc]; ok {
				pf.high, pf.haveHigh = v, true
			}
			if v, ok := e.Attrs[AttrRanges]; ok {
				pf.ranges, pf.haveRanges = v.U, true
			}
			if v, ok := e.Attrs[AttrFrameBase]; ok {
				fn.FrameBaseExpr = v.Bytes
			}
			funcs = append(funcs, pf)
			if e.Children {
				funcStack = append(funcStack, pf)
			}
		case TagFormalParameter, TagVariable:
			v := &Variable{}
			if nv, ok := e.Attrs[AttrName]; ok {
				v.NameHash = l.strings.AddString(nv.Str)
			}
			if lv, ok := e.Attrs[AttrLocation]; ok {
				v.LocationExprBytes = lv.Bytes
			}
			if tv, ok := e.Attrs[AttrType]; ok {
				ref := typeRef{targetOffset: tv.U, isGlobal: tv.Class == ClassGlobalReference}
				if !ref.isGlobal {
					if ndx, ok := local[int(tv.U)]; ok {
						v.DataType = ndx
					} else {
						l.deferLocalVarType(h.offset, tv.U, v)
					}
				} else {
					l.deferred = append(l.deferred, typeRef{targetOffset: tv.U, isGlobal: true, setVarType: &v.DataType})
				}
			}
			ndx := VariableNdx(len(cu.Variables))
			if pf := curFunc(); pf != nil {
				pf.entry.Variables = append(pf.entry.Variables, ndx)
			} else {
				cu.Globals = append(cu.Globals, ndx)
			}
			cu.Variables = append(cu.Variables, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if haveRanges {
		cu.AddressRanges = l.resolveRanges(rangesOff, h.addrSize, sec, lowPC, haveLow)
	} else if haveLow && haveHigh {
		high := resolveHighPC(lowPC, highVal)
		cu.AddressRanges = []AddressRange{{Low: lowPC, High: high}}
	}
	sortRanges(cu.AddressRanges)

	for _, pf := range funcs {
		if pf.haveRanges {
			pf.entry.AddressRanges = l.resolveRanges(pf.ranges, h.addrSize, sec, lowPC, haveLow)
		} else if pf.haveLow && pf.haveHigh {
			pf.entry.AddressRanges = []AddressRange{{Low: pf.low, High: resolveHighPC(pf.low, pf.high)}}
		}
		sortRanges(pf.entry.AddressRanges)
		cu.Functions = append(cu.Functions, pf.entry)
	}

	if haveStmtList && lineSec != nil {
		rows, err := parseLineProgram(lineSec.Data, int(stmtListOff), compDir, cuName, l.strings, sec)
		if err != nil {
			l.log.Warn("dwarfdata: line program decode failed", "cu", h.offset, "error", err)
		} else {
			cu.SourceFiles = buildSourceFiles(rows)
			attachFunctionStatements(cu)
		}
	}

	return cu, nil
}

func resolveHighPC(lowPC uint64, v AttrValue) uint64 {
	if v.Class == ClassAddress {
		return v.U
	}
	return lowPC + v.U
}

func (l *loader) resolveRanges(off uint64, addrSize int, sec *sections, cuLow uint64, haveLow bool) []AddressRange {
	base := uint64(0)
	if haveLow {
		base = cuLow
	}
	if sec.rngLists != nil {
		ranges, err := parseRnglistsV5(sec.rngLists, int(off), addrSize, sec, base)
		if err == nil {
			return ranges
		}
	}
	if sec.ranges != nil {
		ranges, err := parseRangesV2(sec.ranges, int(off), addrSize, base)
		if err == nil {
			return ranges
		}
	}
	return nil
}

// deferLocalVarType is used when a variable's type attribute references
// a DIE not yet seen in this CU's local offset map (forward reference);
// it is resolved once the whole CU has been walked by re-checking the
// (by-then-complete) local map in a closing pass driven by the global
// map fallback, since local offsets are also recorded globally above.
func (l *loader) deferLocalVarType(cuOffset int, targetOffset uint64, v *Variable) {
	l.deferred = append(l.deferred, typeRef{targetOffset: targetOffset, isGlobal: false, setVarType: &v.DataType})
}

// fillTypeShell records the attributes of a type-defining DIE that pass
// 1 can determine without waiting on forward references (size, name,
// form-specific scalar fields); reference fields are queued in
// l.deferred and rewritten by resolveDeferred.
func (l *loader) fillTypeShell(ndx TypeNdx, e *Entry, local map[int]TypeNdx) {
	dt := l.dataTypes[ndx]
	if v, ok := e.Attrs[AttrName]; ok {
		dt.NameHash = l.strings.AddString(v.Str)
	}
	if v, ok := e.Attrs[AttrByteSize]; ok {
		dt.SizeBytes = int64(v.U)
	}

	resolveRef := func(tv AttrValue, dst *TypeNdx) {
		if tv.Class == ClassGlobalReference {
			l.deferred = append(l.deferred, typeRef{targetOffset: tv.U, isGlobal: true, setElement: dst})
			return
		}
		if n, ok := local[int(tv.U)]; ok {
			*dst = n
			return
		}
		l.deferred = append(l.deferred, typeRef{targetOffset: tv.U, isGlobal: false, setElement: dst})
	}

	switch e.Tag {
	case TagBaseType:
		dt.Form = FormPrimitive
		enc := int64(0)
		if v, ok := e.Attrs[AttrEncoding]; ok {
			enc = int64(v.U)
		}
		dt.Encoding = dwarfEncodingToPrimitive(enc)
	case TagPointerType, TagReferenceType, TagRvalueReferenceType, TagPtrToMemberType:
		dt.Form = FormPointer
		if tv, ok := e.Attrs[AttrType]; ok {
			resolveRef(tv, &dt.ElementType)
		}
	case TagArrayType:
		dt.Form = FormArray
		if tv, ok := e.Attrs[AttrType]; ok {
			resolveRef(tv, &dt.ElementType)
		}
	case TagStructureType:
		dt.Form = FormStruct
	case TagUnionType:
		dt.Form = FormUnion
	case TagClassType:
		dt.Form = FormClass
	case TagEnumerationType:
		dt.Form = FormEnum
		if tv, ok := e.Attrs[AttrType]; ok {
			resolveRef(tv, &dt.ElementType)
		}
	case TagTypedef:
		dt.Form = FormTypedef
		if tv, ok := e.Attrs[AttrType]; ok {
			resolveRef(tv, &dt.ElementType)
		}
	case TagConstType, TagVolatileType, TagRestrictType:
		dt.Form = FormConst
		if tv, ok := e.Attrs[AttrType]; ok {
			resolveRef(tv, &dt.ElementType)
		}
	case TagSubroutineType:
		dt.Form = FormFunction
	case TagUnspecifiedType:
		dt.Form = FormUnknown
	}
}

func dwarfEncodingToPrimitive(enc int64) PrimitiveEncoding {
	switch enc {
	case 0x02: // DW_ATE_boolean
		return EncBoolean
	case 0x04: // DW_ATE_float
		return EncFloat
	case 0x05: // DW_ATE_signed
		return EncSigned
	case 0x06: // DW_ATE_signed_char
		return EncSigned
	case 0x07: // DW_ATE_unsigned
		return EncUnsigned
	case 0x08: // DW_ATE_unsigned_char
		return EncUnsigned
	case 0x03: // DW_ATE_complex_float
		return EncComplex
	default:
		return EncSigned
	}
}

func buildSourceFiles(rows []lineRow) []*SourceFile {
	byFile := map[uint64]*SourceFile{}
	var order []uint64
	for _, row := range rows {
		if row.EndSeq {
			continue
		}
		sf, ok := byFile[row.FileHash]
		if !ok {
			sf = &SourceFile{PathHash: row.FileHash}
			byFile[row.FileHash] = sf
			order = append(order, row.FileHash)
		}
		sf.Statements = append(sf.Statements, SourceStatement{
			Addr:           row.Addr,
			Line:           row.Line,
			Column:         row.Column,
			BreakpointAddr: row.Addr,
			IsStmt:         row.IsStmt,
		})
	}
	out := make([]*SourceFile, 0, len(order))
	for _, h := range order {
		out = append(out, byFile[h])
	}
	return out
}

func attachFunctionStatements(cu *CompileUnit) {
	var all []SourceStatement
	for _, sf := range cu.SourceFiles {
		all = append(all, sf.Statements...)
	}
	for _, fn := range cu.Functions {
		for _, st := range all {
			for _, rng := range fn.AddressRanges {
				if st.Addr >= rng.Low && st.Addr < rng.High {
					fn.Statements = append(fn.Statements, st)
					break
				}
			}
		}
	}
}
