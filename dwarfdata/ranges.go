// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dwarfdata

import (
	"fmt"
	"sort"

	"github.com/traceworks/dbgcore/reader"
)

// parseRangesV2 decodes a pre-v5 `.debug_ranges` list starting at
// offset: pairs of addresses, terminated by a (0, 0) pair. A pair
// whose first value is the address-size max (all-ones) sets a new base
// address instead of describing a range.
func parseRangesV2(data []byte, offset int, addrSize int, cuLowPC uint64) ([]AddressRange, error) {
	r := reader.NewAt(data[offset:], offset)
	base := cuLowPC
	maxAddr := uint64(0xffffffffffffffff)
	if addrSize == 4 {
		maxAddr = 0xffffffff
	}
	var out []AddressRange
	for {
		lo, err := readAddrN(r, addrSize)
		if err != nil {
			return nil, fmt.Errorf("dwarfdata: %w", err)
		}
		hi, err := readAddrN(r, addrSize)
		if err != nil {
			return nil, fmt.Errorf("dwarfdata: %w", err)
		}
		if lo == 0 && hi == 0 {
			break
		}
		if lo == maxAddr {
			base = hi
			continue
		}
		out = append(out, AddressRange{Low: base + lo, High: base + hi})
	}
	return out, nil
}

// rnglists v5 opcodes.
const (
	rleEndOfList   = 0x00
	rleBaseAddressx = 0x01
	rleStartxEndx  = 0x02
	rleStartxLength = 0x03
	rleOffsetPair  = 0x04
	rleBaseAddress = 0x05
	rleStartEnd    = 0x06
	rleStartLength = 0x07
)

// parseRnglistsV5 decodes a v5 `.debug_rnglists` range list starting at
// offset, resolving *x forms via the .debug_addr section.
func parseRnglistsV5(data []byte, offset int, addrSize int, sec *sections, cuLowPC uint64) ([]AddressRange, error) {
	r := reader.NewAt(data[offset:], offset)
	base := cuLowPC
	var out []AddressRange
	for {
		op, err := r.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("dwarfdata: %w", err)
		}
		switch op {
		case rleEndOfList:
			return out, nil
		case rleBaseAddressx:
			idx, err := r.ReadULEB128()
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			base = addrxLookup(sec, idx, addrSize)
		case rleStartxEndx:
			sidx, err := r.ReadULEB128()
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			eidx, err := r.ReadULEB128()
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			out = append(out, AddressRange{Low: addrxLookup(sec, sidx, addrSize), High: addrxLookup(sec, eidx, addrSize)})
		case rleStartxLength:
			sidx, err := r.ReadULEB128()
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			length, err := r.ReadULEB128()
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			lo := addrxLookup(sec, sidx, addrSize)
			out = append(out, AddressRange{Low: lo, High: lo + length})
		case rleOffsetPair:
			lo, err := r.ReadULEB128()
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			hi, err := r.ReadULEB128()
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			out = append(out, AddressRange{Low: base + lo, High: base + hi})
		case rleBaseAddress:
			b, err := readAddrN(r, addrSize)
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			base = b
		case rleStartEnd:
			lo, err := readAddrN(r, addrSize)
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			hi, err := readAddrN(r, addrSize)
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			out = append(out, AddressRange{Low: lo, High: hi})
		case rleStartLength:
			lo, err := readAddrN(r, addrSize)
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			length, err := r.ReadULEB128()
			if err != nil {
				return nil, fmt.Errorf("dwarfdata: %w", err)
			}
			out = append(out, AddressRange{Low: lo, High: lo + length})
		default:
			return nil, fmt.Errorf("dwarfdata: unknown rnglists opcode 0x%02x", op)
		}
	}
}

// sortRanges keeps address ranges sorted by low address before
// publishing them, so callers can binary-search or tie-break on order.
func sortRanges(ranges []AddressRange) {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Low < ranges[j].Low })
}
