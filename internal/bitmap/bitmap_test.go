package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitmapBasics(t *testing.T) {
	data := []byte{0x15, 0x2A} // bits 0,2,4 and 9,11,13
	bm := New(data, 16)

	assert.Equal(t, 16, bm.Size())
	assert.Equal(t, 2, bm.Bytes())
	assert.Equal(t, "1010100001010100", bm.String())

	assert.True(t, bm.Get(0))
	assert.False(t, bm.Get(1))
	assert.True(t, bm.Get(2))
	assert.True(t, bm.Get(9))
	assert.False(t, bm.Get(15))

	assert.Equal(t, 1, bm.NextZeroBit(0))

	bm.Set(1)
	bm.Set(7)
	assert.Equal(t, 3, bm.NextZeroBit(0))

	// Writes go through to the caller's bytes.
	assert.Equal(t, byte(0x97), data[0])
}

func TestBitmapNextZeroBit(t *testing.T) {
	data := make([]byte, 8)
	bm := New(data, 64)
	for i := 0; i < 64; i++ {
		bm.Set(i)
	}

	bm.Clear(5)
	bm.Clear(10)
	bm.Clear(20)

	assert.Equal(t, 5, bm.NextZeroBit(0))
	assert.Equal(t, 10, bm.NextZeroBit(6))
	assert.Equal(t, 20, bm.NextZeroBit(11))
	assert.Equal(t, -1, bm.NextZeroBit(21))
	assert.Equal(t, -1, bm.NextZeroBit(64))
}

func TestBitmapNextOneBit(t *testing.T) {
	data := make([]byte, 4)
	bm := New(data, 32)

	assert.Equal(t, -1, bm.NextOneBit(0))

	bm.Set(3)
	bm.Set(17)
	assert.Equal(t, 3, bm.NextOneBit(0))
	assert.Equal(t, 17, bm.NextOneBit(4))
	assert.Equal(t, -1, bm.NextOneBit(18))
}
