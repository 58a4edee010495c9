package reader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTypedFields(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x00, 0x03, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	r := New(buf)

	b, err := r.ReadUint8()
	require.NoError(t, err)
	assert.EqualValues(t, 1, b)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	assert.EqualValues(t, 2, u16)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	assert.EqualValues(t, 3, u32)

	u64, err := r.ReadUint64()
	require.NoError(t, err)
	assert.EqualValues(t, 4, u64)

	assert.True(t, r.AtEOF())
}

func TestReadEndOfFile(t *testing.T) {
	r := New([]byte{0x01})
	_, err := r.ReadUint32()
	assert.ErrorIs(t, err, ErrEndOfFile)
}

func TestULEB128(t *testing.T) {
	cases := []struct {
		bytes []byte
		want  uint64
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x02}, 2},
		{[]byte{0x7f}, 0x7f},
		{[]byte{0x80, 0x01}, 0x80},
		{[]byte{0xe5, 0x8e, 0x26}, 624485},
	}
	for _, c := range cases {
		r := New(c.bytes)
		got, err := r.ReadULEB128()
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
		assert.True(t, r.AtEOF())
	}
}

func TestSLEB128(t *testing.T) {
	cases := []struct {
		bytes []byte
		want  int64
	}{
		{[]byte{0x02}, 2},
		{[]byte{0x7e}, -2},
		{[]byte{0xff, 0x00}, 127},
		{[]byte{0x81, 0x7f}, -127},
		{[]byte{0x9b, 0xf1, 0x59}, -624485},
	}
	for _, c := range cases {
		r := New(c.bytes)
		got, err := r.ReadSLEB128()
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestULEB128Truncated(t *testing.T) {
	r := New([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80})
	_, err := r.ReadULEB128()
	assert.Error(t, err)
}

func TestReadUntilAndCString(t *testing.T) {
	r := New([]byte("hello\x00world"))
	s, err := r.ReadCString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
	rest, err := r.ReadBytes(5)
	require.NoError(t, err)
	assert.Equal(t, "world", string(rest))
}

func TestSeekAndOffset(t *testing.T) {
	r := New([]byte{1, 2, 3, 4, 5})
	_, _ = r.ReadUint8()
	_, _ = r.ReadUint8()
	assert.Equal(t, 2, r.Offset())
	require.NoError(t, r.Seek(0))
	assert.Equal(t, 0, r.Offset())
	assert.Error(t, r.Seek(100))
}

func TestInitialLength32And64(t *testing.T) {
	r := New([]byte{0x10, 0x00, 0x00, 0x00})
	n, is64, err := r.ReadInitialLength()
	require.NoError(t, err)
	assert.False(t, is64)
	assert.EqualValues(t, 0x10, n)

	r = New([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x20, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	n, is64, err = r.ReadInitialLength()
	require.NoError(t, err)
	assert.True(t, is64)
	assert.EqualValues(t, 0x20, n)
}
