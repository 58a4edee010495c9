// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dwarfdata

import (
	"fmt"

	"github.com/traceworks/dbgcore/reader"
)

// AttrValue is one decoded attribute: its semantic Class plus whichever
// of the value fields the class populates.
type AttrValue struct {
	Class Class
	U     uint64 // address, constant (unsigned), reference offset, flag (0/1)
	I     int64  // constant (signed), used for implicit_const/sdata
	Bytes []byte // block/exprloc contents
	Str   string // resolved string contents
}

// Entry is one DIE: its abbreviation-resolved tag, its byte offset
// (used as its identity for reference resolution), and its attributes.
type Entry struct {
	Offset   int
	Tag      Tag
	Children bool
	Depth    int
	Attrs    map[Attr]AttrValue
}

// sections bundles the raw section bytes a CU decode needs beyond
// `.debug_info`/`.debug_abbrev` themselves, to resolve indirect forms.
type sections struct {
	str        []byte
	lineStr    []byte
	strOffsets []byte
	addr       []byte
	rngLists   []byte
	ranges     []byte
}

// cuHeader is a parsed compile-unit header.
type cuHeader struct {
	offset      int // offset of the header itself
	bodyOffset  int // offset where DIEs begin
	totalLen    uint64
	is64        bool
	version     int
	unitType    uint8
	addrSize    int
	abbrevOff   uint64
	endOffset   int // offset one past the end of this CU
}

func parseCUHeader(info []byte, offset int) (cuHeader, error) {
	r := reader.NewAt(info[offset:], offset)
	h := cuHeader{offset: offset}
	length, is64, err := r.ReadInitialLength()
	if err != nil {
		return h, fmt.Errorf("dwarfdata: %w", err)
	}
	h.totalLen = length
	h.is64 = is64
	h.endOffset = r.Offset() + int(length)

	ver, err := r.ReadUint16()
	if err != nil {
		return h, fmt.Errorf("dwarfdata: %w", err)
	}
	h.version = int(ver)

	if h.version >= 5 {
		ut, err := r.ReadUint8()
		if err != nil {
			return h, fmt.Errorf("dwarfdata: %w", err)
		}
		h.unitType = ut
		addrSize, err := r.ReadUint8()
		if err != nil {
			return h, fmt.Errorf("dwarfdata: %w", err)
		}
		h.addrSize = int(addrSize)
		abbrevOff, err := r.ReadOffset(is64)
		if err != nil {
			return h, fmt.Errorf("dwarfdata: %w", err)
		}
		h.abbrevOff = abbrevOff
	} else {
		abbrevOff, err := r.ReadOffset(is64)
		if err != nil {
			return h, fmt.Errorf("dwarfdata: %w", err)
		}
		h.abbrevOff = abbrevOff
		addrSize, err := r.ReadUint8()
		if err != nil {
			return h, fmt.Errorf("dwarfdata: %w", err)
		}
		h.addrSize = int(addrSize)
	}
	h.bodyOffset = r.Offset()
	return h, nil
}

// decodeAttr reads one attribute's value per its form, resolving
// string-indirect and reference forms against the CU's sections.
func decodeAttr(r *reader.Reader, a AbbrevAttr, h cuHeader, cuBase int, sec *sections) (AttrValue, error) {
	v := AttrValue{Class: classOf(a.Form)}
	switch a.Form {
	case FormAddr:
		u, err := readSized(r, h.addrSize)
		if err != nil {
			return v, err
		}
		v.U = u
	case FormData1:
		b, err := r.ReadUint8()
		if err != nil {
			return v, err
		}
		v.U = uint64(b)
	case FormData2:
		b, err := r.ReadUint16()
		if err != nil {
			return v, err
		}
		v.U = uint64(b)
	case FormData4:
		b, err := r.ReadUint32()
		if err != nil {
			return v, err
		}
		v.U = uint64(b)
	case FormData8:
		b, err := r.ReadUint64()
		if err != nil {
			return v, err
		}
		v.U = b
	case FormData16:
		b, err := r.ReadBytes(16)
		if err != nil {
			return v, err
		}
		v.Bytes = append([]byte(nil), b...)
	case FormSdata:
		s, err := r.ReadSLEB128()
		if err != nil {
			return v, err
		}
		v.I = s
	case FormUdata:
		u, err := r.ReadULEB128()
		if err != nil {
			return v, err
		}
		v.U = u
	case FormImplicitConst:
		v.I = a.ImplicitValue
	case FormString:
		s, err := r.ReadCString()
		if err != nil {
			return v, err
		}
		v.Str = s
	case FormStrp:
		off, err := r.ReadOffset(h.is64)
		if err != nil {
			return v, err
		}
		v.Str = cstringAt(sec.str, int(off))
	case FormLineStrp:
		off, err := r.ReadOffset(h.is64)
		if err != nil {
			return v, err
		}
		v.Str = cstringAt(sec.lineStr, int(off))
	case FormStrx:
		idx, err := r.ReadULEB128()
		if err != nil {
			return v, err
		}
		v.Str = strxLookup(sec, idx)
	case FormStrx1:
		b, err := r.ReadUint8()
		if err != nil {
			return v, err
		}
		v.Str = strxLookup(sec, uint64(b))
	case FormStrx2:
		b, err := r.ReadUint16()
		if err != nil {
			return v, err
		}
		v.Str = strxLookup(sec, uint64(b))
	case FormStrx3:
		hi, err := r.ReadUint8()
		if err != nil {
			return v, err
		}
		lo, err := r.ReadUint16()
		if err != nil {
			return v, err
		}
		v.Str = strxLookup(sec, uint64(hi)<<16|uint64(lo))
	case FormStrx4:
		b, err := r.ReadUint32()
		if err != nil {
			return v, err
		}
		v.Str = strxLookup(sec, uint64(b))
	case FormFlag:
		b, err := r.ReadUint8()
		if err != nil {
			return v, err
		}
		v.U = uint64(b)
	case FormFlagPresent:
		v.U = 1
	case FormRef1:
		b, err := r.ReadUint8()
		if err != nil {
			return v, err
		}
		v.U = uint64(cuBase) + uint64(b)
	case FormRef2:
		b, err := r.ReadUint16()
		if err != nil {
			return v, err
		}
		v.U = uint64(cuBase) + uint64(b)
	case FormRef4:
		b, err := r.ReadUint32()
		if err != nil {
			return v, err
		}
		v.U = uint64(cuBase) + uint64(b)
	case FormRef8:
		b, err := r.ReadUint64()
		if err != nil {
			return v, err
		}
		v.U = uint64(cuBase) + b
	case FormRefUdata:
		b, err := r.ReadULEB128()
		if err != nil {
			return v, err
		}
		v.U = uint64(cuBase) + b
	case FormRefAddr:
		off, err := r.ReadOffset(h.is64)
		if err != nil {
			return v, err
		}
		v.U = off
	case FormRefSig8:
		b, err := r.ReadUint64()
		if err != nil {
			return v, err
		}
		v.U = b
	case FormSecOffset:
		off, err := r.ReadOffset(h.is64)
		if err != nil {
			return v, err
		}
		v.U = off
	case FormExprloc:
		n, err := r.ReadULEB128()
		if err != nil {
			return v, err
		}
		b, err := r.ReadBytes(int(n))
		if err != nil {
			return v, err
		}
		v.Bytes = append([]byte(nil), b...)
	case FormBlock1:
		n, err := r.ReadUint8()
		if err != nil {
			return v, err
		}
		b, err := r.ReadBytes(int(n))
		if err != nil {
			return v, err
		}
		v.Bytes = append([]byte(nil), b...)
	case FormBlock2:
		n, err := r.ReadUint16()
		if err != nil {
			return v, err
		}
		b, err := r.ReadBytes(int(n))
		if err != nil {
			return v, err
		}
		v.Bytes = append([]byte(nil), b...)
	case FormBlock4:
		n, err := r.ReadUint32()
		if err != nil {
			return v, err
		}
		b, err := r.ReadBytes(int(n))
		if err != nil {
			return v, err
		}
		v.Bytes = append([]byte(nil), b...)
	case FormBlock:
		n, err := r.ReadULEB128()
		if err != nil {
			return v, err
		}
		b, err := r.ReadBytes(int(n))
		if err != nil {
			return v, err
		}
		v.Bytes = append([]byte(nil), b...)
	case FormAddrx, FormAddrx1, FormAddrx2, FormAddrx3, FormAddrx4, FormLoclistx, FormRnglistx:
		var idx uint64
		var err error
		switch a.Form {
		case FormAddrx1:
			var b uint8
			b, err = r.ReadUint8()
			idx = uint64(b)
		case FormAddrx2:
			var b uint16
			b, err = r.ReadUint16()
			idx = uint64(b)
		case FormAddrx4:
			var b uint32
			b, err = r.ReadUint32()
			idx = uint64(b)
		default:
			idx, err = r.ReadULEB128()
		}
		if err != nil {
			return v, err
		}
		v.U = addrxLookup(sec, idx, h.addrSize)
	default:
		return v, fmt.Errorf("dwarfdata: unsupported form 0x%02x", a.Form)
	}
	return v, nil
}

func readSized(r *reader.Reader, size int) (uint64, error) {
	switch size {
	case 4:
		v, err := r.ReadUint32()
		return uint64(v), err
	case 8:
		return r.ReadUint64()
	default:
		return r.ReadUint64()
	}
}

func cstringAt(buf []byte, off int) string {
	if off < 0 || off >= len(buf) {
		return ""
	}
	r := reader.NewAt(buf, off)
	if err := r.Seek(off); err != nil {
		return ""
	}
	s, err := r.ReadCString()
	if err != nil {
		return ""
	}
	return s
}

// strxLookup resolves a DW_FORM_strx-family index via .debug_str_offsets
// (a table of 4-byte offsets into .debug_str, per CU, after an 8-byte
// header this simplified reader skips by assuming index 0 is the first
// table entry after the header).
func strxLookup(sec *sections, idx uint64) string {
	const headerLen = 8
	off := headerLen + int(idx)*4
	if off+4 > len(sec.strOffsets) {
		return ""
	}
	strOff := uint32(sec.strOffsets[off]) | uint32(sec.strOffsets[off+1])<<8 |
		uint32(sec.strOffsets[off+2])<<16 | uint32(sec.strOffsets[off+3])<<24
	return cstringAt(sec.str, int(strOff))
}

// addrxLookup resolves a DW_FORM_addrx-family index via .debug_addr (a
// table of addrSize-byte addresses per CU, after an 8-byte header).
func addrxLookup(sec *sections, idx uint64, addrSize int) uint64 {
	const headerLen = 8
	off := headerLen + int(idx)*addrSize
	if off+addrSize > len(sec.addr) {
		return 0
	}
	var v uint64
	for i := addrSize - 1; i >= 0; i-- {
		v = v<<8 | uint64(sec.addr[off+i])
	}
	return v
}

// readDIEs walks one CU's DIE tree in file order, calling visit for
// each entry with its parent-depth-tracked children flag already
// resolved (abbrev code 0 ends a sibling list and is not itself
// visited).
func readDIEs(info []byte, h cuHeader, abbrevs AbbrevTable, sec *sections, visit func(*Entry) error) error {
	r := reader.NewAt(info[h.bodyOffset:h.endOffset], h.bodyOffset)
	depth := 0
	for !r.AtEOF() {
		dieOffset := r.Offset()
		code, err := r.ReadULEB128()
		if err != nil {
			return fmt.Errorf("dwarfdata: %w", err)
		}
		if code == 0 {
			depth--
			if depth < 0 {
				return fmt.Errorf("dwarfdata: DIE nesting underflow at CU %#x", h.offset)
			}
			continue
		}
		decl, ok := abbrevs[code]
		if !ok {
			return fmt.Errorf("dwarfdata: unknown abbrev code %d in CU %#x", code, h.offset)
		}
		entry := &Entry{Offset: dieOffset, Tag: decl.Tag, Children: decl.HasChildren, Depth: depth, Attrs: map[Attr]AttrValue{}}
		for _, a := range decl.Attrs {
			val, err := decodeAttr(r, a, h, h.offset, sec)
			if err != nil {
				return fmt.Errorf("dwarfdata: DIE %#x attr %#x: %w", dieOffset, a.Name, err)
			}
			entry.Attrs[a.Name] = val
		}
		if err := visit(entry); err != nil {
			return err
		}
		if decl.HasChildren {
			depth++
		}
	}
	return nil
}
