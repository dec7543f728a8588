package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderTypedReads(t *testing.T) {
	img := NewImage(0x1000)
	addr := img.AllocBytes([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 'h', 'i'})
	r := NewReader(img)

	v8, err := r.U8(addr)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), v8)

	v32, err := r.U32(addr)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), v32)

	v64, err := r.U64(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0807060504030201), v64)

	s, err := r.String(addr+8, 2)
	require.NoError(t, err)
	assert.Equal(t, "hi", s)
}

func TestReaderNullAndLimit(t *testing.T) {
	r := NewReader(NewImage(0x1000), WithLimit(16))

	_, err := r.U64(0)
	assert.True(t, errors.Is(err, ErrNullPointer))

	_, err = r.Bytes(0x1000, 32)
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestReaderShortRead(t *testing.T) {
	img := NewImage(0x1000)
	addr := img.AllocBytes([]byte{1, 2, 3})
	r := NewReader(img)

	_, err := r.U64(addr)
	var re *ReadError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 3, re.Read)
	assert.Equal(t, 8, re.Size)
}

func TestNestedViewsDoNotShareBuffer(t *testing.T) {
	img := NewImage(0x1000)
	a := img.AllocBytes([]byte("outer"))
	b := img.AllocBytes([]byte("in"))
	r := NewReader(img)

	err := r.View(a, 5, func(outer []byte) error {
		inner, err := r.String(b, 2)
		require.NoError(t, err)
		assert.Equal(t, "in", inner)
		assert.Equal(t, "outer", string(outer))
		return nil
	})
	require.NoError(t, err)
}

func TestImageUnmapped(t *testing.T) {
	img := NewImage(0x1000)
	img.Alloc(8)
	_, err := img.ReadMemory(0x10, make([]byte, 1))
	assert.Error(t, err)
}
