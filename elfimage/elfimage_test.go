package elfimage

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildMinimalELF64 assembles a minimal little-endian 64-bit ELF file
// with a shstrtab section and one named section, for header/section
// parsing tests.
func buildMinimalELF64(t *testing.T, extraSections map[string][]byte, compressed map[string]bool) []byte {
	t.Helper()
	order := binary.LittleEndian

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0) // index 0 is the empty name
	nameOffsets := map[string]uint32{}
	names := []string{""}
	for name := range extraSections {
		names = append(names, name)
	}
	// deterministic order
	for _, name := range []string{".text", ".debug_info"} {
		if _, ok := extraSections[name]; ok {
			nameOffsets[name] = uint32(shstrtab.Len())
			shstrtab.WriteString(name)
			shstrtab.WriteByte(0)
		}
	}
	nameOffsets[".shstrtab"] = uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)

	const ehsize = 64
	const shentsize = 64
	numSections := 1 + len(extraSections) + 1 // null + data sections + shstrtab

	var body bytes.Buffer
	sectionData := map[string][]byte{}
	sectionOffsets := map[string]uint64{}
	cur := uint64(ehsize)
	for _, name := range []string{".text", ".debug_info"} {
		raw, ok := extraSections[name]
		if !ok {
			continue
		}
		data := raw
		if compressed[name] {
			var buf bytes.Buffer
			hdr := make([]byte, 24)
			order.PutUint32(hdr[0:4], 1) // ELFCOMPRESS_ZLIB
			order.PutUint64(hdr[8:16], uint64(len(raw)))
			buf.Write(hdr)
			zw := zlib.NewWriter(&buf)
			_, err := zw.Write(raw)
			require.NoError(t, err)
			require.NoError(t, zw.Close())
			data = buf.Bytes()
		}
		sectionOffsets[name] = cur
		sectionData[name] = data
		cur += uint64(len(data))
	}
	shstrtabBytes := shstrtab.Bytes()
	sectionOffsets[".shstrtab"] = cur
	cur += uint64(len(shstrtabBytes))
	shoff := cur

	body.WriteByte(0x7f)
	body.WriteString("ELF")
	body.WriteByte(2) // ELFCLASS64
	body.WriteByte(1) // ELFDATA2LSB
	body.WriteByte(1) // version
	body.Write(make([]byte, 9))
	hdrRest := make([]byte, ehsize-16)
	order.PutUint16(hdrRest[0:2], 2)  // e_type ET_EXEC
	order.PutUint16(hdrRest[2:4], 62) // e_machine EM_X86_64
	order.PutUint32(hdrRest[4:8], 1)  // e_version
	order.PutUint64(hdrRest[8:16], 0x400000)
	order.PutUint64(hdrRest[16:24], 0) // e_phoff
	order.PutUint64(hdrRest[24:32], shoff)
	order.PutUint32(hdrRest[32:36], 0) // e_flags
	order.PutUint16(hdrRest[36:38], ehsize)
	order.PutUint16(hdrRest[38:40], 0) // e_phentsize
	order.PutUint16(hdrRest[40:42], 0) // e_phnum
	order.PutUint16(hdrRest[42:44], shentsize)
	order.PutUint16(hdrRest[44:46], uint16(numSections))
	order.PutUint16(hdrRest[46:48], uint16(numSections-1)) // shstrndx
	body.Write(hdrRest)

	for _, name := range []string{".text", ".debug_info"} {
		if d, ok := sectionData[name]; ok {
			body.Write(d)
		}
	}
	body.Write(shstrtabBytes)

	writeShdr := func(nameOff uint32, typ uint32, flags, addr, offset, size uint64) {
		row := make([]byte, shentsize)
		order.PutUint32(row[0:4], nameOff)
		order.PutUint32(row[4:8], typ)
		order.PutUint64(row[8:16], flags)
		order.PutUint64(row[16:24], addr)
		order.PutUint64(row[24:32], offset)
		order.PutUint64(row[32:40], size)
		body.Write(row)
	}
	writeShdr(0, 0, 0, 0, 0, 0) // null section
	for _, name := range []string{".text", ".debug_info"} {
		_, ok := extraSections[name]
		if !ok {
			continue
		}
		flags := uint64(0)
		if compressed[name] {
			flags |= shfCompressed
		}
		writeShdr(nameOffsets[name], 1, flags, 0, sectionOffsets[name], uint64(len(sectionData[name])))
	}
	writeShdr(nameOffsets[".shstrtab"], 3, 0, 0, sectionOffsets[".shstrtab"], uint64(len(shstrtabBytes)))

	return body.Bytes()
}

func TestParseEmptyFile(t *testing.T) {
	_, err := Parse(nil)
	assert.ErrorIs(t, err, ErrFileEmpty)
}

func TestParseBadMagic(t *testing.T) {
	_, err := Parse([]byte("not an elf file at all"))
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestParseHeaderFields(t *testing.T) {
	raw := buildMinimalELF64(t, map[string][]byte{".text": {0x90, 0x90}}, nil)
	img, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, img.Is64)
	assert.Equal(t, uint16(62), img.Machine)
	assert.Equal(t, uint64(0x400000), img.EntryPoint)
	sec := img.Section(".text")
	require.NotNil(t, sec)
	assert.Equal(t, []byte{0x90, 0x90}, sec.Data)
}

func TestParseDecompressesSection(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 200)
	raw := buildMinimalELF64(t, map[string][]byte{".debug_info": payload}, map[string]bool{".debug_info": true})
	img, err := Parse(raw)
	require.NoError(t, err)
	sec := img.Section(".debug_info")
	require.NotNil(t, sec)
	assert.Equal(t, payload, sec.Data)
}
