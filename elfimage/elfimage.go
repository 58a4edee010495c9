// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elfimage parses an ELF executable's header and section table
// far enough to hand the DWARF decoder the debug sections it needs,
// decompressing zlib-compressed sections along the way.
package elfimage

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Error kinds, named as sentinel values rather than as distinct types.
var (
	ErrFileEmpty      = fmt.Errorf("elfimage: file is empty")
	ErrInvalidMagic   = fmt.Errorf("elfimage: invalid ELF magic")
	ErrInvalidVersion = fmt.Errorf("elfimage: invalid ELF version")
	ErrInvalidFile    = fmt.Errorf("elfimage: invalid or truncated ELF file")
)

const (
	classELF32 = 1
	classELF64 = 2

	dataLittle = 1
	dataBig    = 2

	shtNoBits = 8
	shfCompressed = 0x800

	dtFlags1 = 0x6ffffffb
	df1PIE   = 0x08000000
	dtNull   = 0
)

// Section is one extracted section: its loaded address (0 if not
// allocated) and decompressed contents.
type Section struct {
	Name string
	Addr uint64
	Data []byte
}

// Image is a parsed ELF file: class/endianness metadata, the PIE flag,
// and every section the loader was asked to pull out.
type Image struct {
	Is64       bool
	ByteOrder  binary.ByteOrder
	Type       uint16
	Machine    uint16
	EntryPoint uint64
	PIE        bool

	sections map[string]*Section
}

// Section returns the named section, or nil if the ELF file does not
// have one with that name.
func (img *Image) Section(name string) *Section {
	return img.sections[name]
}

// Load opens path, memory-maps... (in practice, reads) its contents,
// and parses the header and section table, extracting the sections the
// DWARF decoder needs.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfimage: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("elfimage: %w", err)
	}
	return Parse(data)
}

// Parse parses an in-memory ELF image.
func Parse(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrFileEmpty
	}
	if len(data) < 20 || !bytes.Equal(data[0:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return nil, ErrInvalidMagic
	}
	class := data[4]
	dataEnc := data[5]
	version := data[6]
	if version != 1 {
		return nil, ErrInvalidVersion
	}
	if class != classELF32 && class != classELF64 {
		return nil, ErrInvalidFile
	}
	var order binary.ByteOrder
	switch dataEnc {
	case dataLittle:
		order = binary.LittleEndian
	case dataBig:
		order = binary.BigEndian
	default:
		return nil, ErrInvalidFile
	}

	img := &Image{
		Is64:      class == classELF64,
		ByteOrder: order,
		sections:  make(map[string]*Section),
	}

	var (
		shoff     uint64
		shentsize uint16
		shnum     uint16
		shstrndx  uint16
	)
	if img.Is64 {
		if len(data) < 64 {
			return nil, ErrInvalidFile
		}
		img.Type = order.Uint16(data[16:18])
		img.Machine = order.Uint16(data[18:20])
		img.EntryPoint = order.Uint64(data[24:32])
		shoff = order.Uint64(data[40:48])
		shentsize = order.Uint16(data[58:60])
		shnum = order.Uint16(data[60:62])
		shstrndx = order.Uint16(data[62:64])
	} else {
		if len(data) < 52 {
			return nil, ErrInvalidFile
		}
		img.Type = order.Uint16(data[16:18])
		img.Machine = order.Uint16(data[18:20])
		img.EntryPoint = uint64(order.Uint32(data[24:28]))
		shoff = uint64(order.Uint32(data[32:36]))
		shentsize = order.Uint16(data[46:48])
		shnum = order.Uint16(data[48:50])
		shstrndx = order.Uint16(data[50:52])
	}

	type rawSection struct {
		nameOff uint32
		typ     uint32
		flags   uint64
		addr    uint64
		offset  uint64
		size    uint64
	}
	readRaw := func(i int) (rawSection, error) {
		off := shoff + uint64(i)*uint64(shentsize)
		if off+uint64(shentsize) > uint64(len(data)) {
			return rawSection{}, ErrInvalidFile
		}
		b := data[off:]
		var rs rawSection
		if img.Is64 {
			rs.nameOff = order.Uint32(b[0:4])
			rs.typ = order.Uint32(b[4:8])
			rs.flags = order.Uint64(b[8:16])
			rs.addr = order.Uint64(b[16:24])
			rs.offset = order.Uint64(b[24:32])
			rs.size = order.Uint64(b[32:40])
		} else {
			rs.nameOff = order.Uint32(b[0:4])
			rs.typ = order.Uint32(b[4:8])
			rs.flags = uint64(order.Uint32(b[8:12]))
			rs.addr = uint64(order.Uint32(b[12:16]))
			rs.offset = uint64(order.Uint32(b[16:20]))
			rs.size = uint64(order.Uint32(b[20:24]))
		}
		return rs, nil
	}

	if shnum == 0 {
		return img, nil
	}

	strtabSec, err := readRaw(int(shstrndx))
	if err != nil {
		return nil, err
	}
	if strtabSec.offset+strtabSec.size > uint64(len(data)) {
		return nil, ErrInvalidFile
	}
	strtab := data[strtabSec.offset : strtabSec.offset+strtabSec.size]
	nameAt := func(off uint32) string {
		end := bytes.IndexByte(strtab[off:], 0)
		if end < 0 {
			return string(strtab[off:])
		}
		return string(strtab[off : int(off)+end])
	}

	var dynamicRaw *rawSection
	for i := 0; i < int(shnum); i++ {
		rs, err := readRaw(i)
		if err != nil {
			return nil, err
		}
		name := nameAt(rs.nameOff)
		if name == ".dynamic" {
			r := rs
			dynamicRaw = &r
		}
		if rs.typ == shtNoBits || name == "" {
			continue
		}
		if rs.offset+rs.size > uint64(len(data)) {
			continue
		}
		raw := data[rs.offset : rs.offset+rs.size]
		contents := raw
		if rs.flags&shfCompressed != 0 {
			decompressed, err := decompressSection(raw, img.Is64, order)
			if err != nil {
				return nil, fmt.Errorf("elfimage: decompress %s: %w", name, err)
			}
			contents = decompressed
		}
		img.sections[name] = &Section{Name: name, Addr: rs.addr, Data: contents}
	}

	if dynamicRaw != nil {
		img.PIE = scanDynamicForPIE(data, *dynamicRaw, img.Is64, order)
	}

	return img, nil
}

// decompressSection strips a 12- or 24-byte compression header (format
// 1 == zlib, the only format in use) and inflates the rest.
func decompressSection(raw []byte, is64 bool, order binary.ByteOrder) ([]byte, error) {
	var headerLen int
	var format uint32
	if is64 {
		headerLen = 24
		if len(raw) < headerLen {
			return nil, ErrInvalidFile
		}
		format = order.Uint32(raw[0:4])
	} else {
		headerLen = 12
		if len(raw) < headerLen {
			return nil, ErrInvalidFile
		}
		format = order.Uint32(raw[0:4])
	}
	if format != 1 {
		return nil, fmt.Errorf("elfimage: unsupported compression format %d", format)
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw[headerLen:]))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// scanDynamicForPIE walks the .dynamic entries looking for DT_FLAGS_1
// with DF_1_PIE set.
func scanDynamicForPIE(data []byte, sec struct {
	nameOff uint32
	typ     uint32
	flags   uint64
	addr    uint64
	offset  uint64
	size    uint64
}, is64 bool, order binary.ByteOrder) bool {
	if sec.offset+sec.size > uint64(len(data)) {
		return false
	}
	b := data[sec.offset : sec.offset+sec.size]
	entsize := 16
	if !is64 {
		entsize = 8
	}
	for off := 0; off+entsize <= len(b); off += entsize {
		var tag uint64
		var val uint64
		if is64 {
			tag = order.Uint64(b[off : off+8])
			val = order.Uint64(b[off+8 : off+16])
		} else {
			tag = uint64(order.Uint32(b[off : off+4]))
			val = uint64(order.Uint32(b[off+4 : off+8]))
		}
		if tag == dtNull {
			break
		}
		if tag == dtFlags1 && val&df1PIE != 0 {
			return true
		}
	}
	return false
}
