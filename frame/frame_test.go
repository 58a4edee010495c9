package frame

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildDebugFrame constructs a minimal .debug_frame-shaped section with
// one CIE (def_cfa rbp+16, return address in the CFA-8 slot — i.e. a
// classic frame-pointer prologue) and one FDE covering [0x1000,0x1010).
func buildDebugFrame(t *testing.T) []byte {
	t.Helper()
	order := binary.LittleEndian

	var cieBody bytes.Buffer
	cieBody.WriteByte(1)          // version
	cieBody.WriteByte(0)          // augmentation "" + NUL
	cieBody.WriteByte(1)          // code_alignment_factor ULEB128 = 1
	cieBody.WriteByte(0x78)       // data_alignment_factor SLEB128 = -8
	cieBody.WriteByte(16)         // return_address_register = rip (16)
	// initial instructions: DW_CFA_def_cfa(reg=6 [rbp], offset=16)
	cieBody.WriteByte(cfaDefCFA)
	cieBody.WriteByte(6)
	cieBody.WriteByte(16)
	// DW_CFA_offset(reg=16 [rip encoded via extended]) -> use offset_extended
	cieBody.WriteByte(cfaOffsetExtended)
	cieBody.WriteByte(16)
	cieBody.WriteByte(1) // ULEB128 offset=1 -> *1*(-8) = -8

	var cieEntry bytes.Buffer
	lenPlaceholder := make([]byte, 4)
	cieEntry.Write(lenPlaceholder)
	cieEntry.Write([]byte{0xff, 0xff, 0xff, 0xff}) // CIE_id marker
	cieEntry.Write(cieBody.Bytes())
	cieEntryBytes := cieEntry.Bytes()
	order.PutUint32(cieEntryBytes[0:4], uint32(len(cieEntryBytes)-4))

	var fdeBody bytes.Buffer
	low := make([]byte, 8)
	order.PutUint64(low, 0x1000)
	rangeLen := make([]byte, 8)
	order.PutUint64(rangeLen, 0x10)
	fdeBody.Write(low)
	fdeBody.Write(rangeLen)
	// advance_loc(4): DW_CFA_advance_loc is (0x40 | delta)
	fdeBody.WriteByte(byte(cfaAdvanceLoc | 4))

	var fdeEntry bytes.Buffer
	fdeEntry.Write(lenPlaceholder)
	cieIDBytes := make([]byte, 4)
	order.PutUint32(cieIDBytes, 0) // points at CIE starting at offset 0
	fdeEntry.Write(cieIDBytes)
	fdeEntry.Write(fdeBody.Bytes())
	fdeEntryBytes := fdeEntry.Bytes()
	order.PutUint32(fdeEntryBytes[0:4], uint32(len(fdeEntryBytes)-4))

	var out bytes.Buffer
	out.Write(cieEntryBytes)
	out.Write(fdeEntryBytes)
	return out.Bytes()
}

func TestParseCIEAndFDE(t *testing.T) {
	data := buildDebugFrame(t)
	table, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, table.FDEs, 1)
	fde := table.FDEs[0]
	assert.EqualValues(t, 0x1000, fde.LowPC)
	assert.EqualValues(t, 0x1010, fde.HighPC)
	assert.EqualValues(t, 16, fde.CIE.ReturnAddressRegister)
	assert.EqualValues(t, -8, fde.CIE.DataAlignmentFactor)
}

func TestBuildRowsDefCFAAndOffset(t *testing.T) {
	data := buildDebugFrame(t)
	table, err := Parse(data)
	require.NoError(t, err)
	rows, err := BuildRows(table.FDEs[0])
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	row, ok := RowForPC(rows, 0x1000)
	require.True(t, ok)
	assert.Equal(t, 6, row.CFAReg)
	assert.EqualValues(t, 16, row.CFAOffset)
	raRule, ok := row.Rules[16]
	require.True(t, ok)
	assert.Equal(t, RuleOffset, raRule.Kind)
	assert.EqualValues(t, -8, raRule.Offset)

	afterAdvance, ok := RowForPC(rows, 0x1004)
	require.True(t, ok)
	assert.EqualValues(t, 0x1004, afterAdvance.Location)
}

func TestFDEForPC(t *testing.T) {
	data := buildDebugFrame(t)
	table, err := Parse(data)
	require.NoError(t, err)
	assert.NotNil(t, table.FDEForPC(0x1005))
	assert.Nil(t, table.FDEForPC(0x2000))
}

type fakeMem struct {
	mem map[uint64][]byte
}

func (f *fakeMem) PeekData(pid int, addr uint64, dst []byte) error {
	copy(dst, f.mem[addr])
	return nil
}

func TestUnwinderWalkSingleFrame(t *testing.T) {
	data := buildDebugFrame(t)
	table, err := Parse(data)
	require.NoError(t, err)

	u := &Unwinder{Table: table, ReturnAddressRegister: 16, PointerSize: 8}
	retAddrBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(retAddrBuf, 0)
	mem := &fakeMem{mem: map[uint64][]byte{
		16 + 16 - 8: retAddrBuf, // CFA = rbp(16)+16 = 32, offset -8 -> addr 24... placeholder
	}}
	regs := map[int]uint64{6: 16}
	walked, err := u.Walk(mem, 1, 0x1004, regs, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x1004}, walked.CallStackAddrs)
	assert.EqualValues(t, 32, walked.FrameBaseAddr)
}
