// Package bitmap provides a bit map view over a caller-owned byte slice.
// Mutations write through to the underlying bytes, which lets the buffer
// pool keep its page-allocation map inside the cached header page.
package bitmap

import "strings"

// Bitmap is a view over size bits stored LSB-first in bits.
// The zero value is an empty bitmap.
type Bitmap struct {
	bits []byte
	size int
}

// New wraps the given bytes as a bitmap of size bits.
func New(bits []byte, size int) Bitmap {
	return Bitmap{bits: bits, size: size}
}

// Init rebinds the bitmap to a new byte slice.
func (b *Bitmap) Init(bits []byte, size int) {
	b.bits = bits
	b.size = size
}

// Size returns the number of addressable bits.
func (b Bitmap) Size() int { return b.size }

// Bytes returns the number of underlying bytes.
func (b Bitmap) Bytes() int { return (b.size + 7) / 8 }

// Set sets bit index to 1.
func (b Bitmap) Set(index int) {
	b.bits[index/8] |= 1 << (index % 8)
}

// Clear sets bit index to 0.
func (b Bitmap) Clear(index int) {
	b.bits[index/8] &^= 1 << (index % 8)
}

// Get reports whether bit index is set.
func (b Bitmap) Get(index int) bool {
	return b.bits[index/8]&(1<<(index%8)) != 0
}

// NextZeroBit returns the index of the first clear bit at or after start,
// or -1 if every bit in [start, size) is set.
func (b Bitmap) NextZeroBit(start int) int {
	if start < 0 {
		start = 0
	}
	ret := -1
	startInByte := start % 8
	for i, end := start/8, b.Bytes(); i < end; i++ {
		if b.bits[i] != 0xFF {
			if idx := findFirstZero(b.bits[i], startInByte); idx >= 0 {
				ret = i*8 + idx
				break
			}
		}
		startInByte = 0
	}
	if ret >= b.size {
		ret = -1
	}
	return ret
}

// NextOneBit returns the index of the first set bit at or after start,
// or -1 if every bit in [start, size) is clear.
func (b Bitmap) NextOneBit(start int) int {
	if start < 0 {
		start = 0
	}
	ret := -1
	startInByte := start % 8
	for i, end := start/8, b.Bytes(); i < end; i++ {
		if b.bits[i] != 0x00 {
			if idx := findFirstOne(b.bits[i], startInByte); idx >= 0 {
				ret = i*8 + idx
				break
			}
		}
		startInByte = 0
	}
	if ret >= b.size {
		ret = -1
	}
	return ret
}

// String renders the bits in index order, "1" for set.
func (b Bitmap) String() string {
	var sb strings.Builder
	sb.Grow(b.size)
	for i := 0; i < b.size; i++ {
		if b.Get(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

func findFirstZero(byt byte, start int) int {
	for i := start; i < 8; i++ {
		if byt&(1<<i) == 0 {
			return i
		}
	}
	return -1
}

func findFirstOne(byt byte, start int) int {
	for i := start; i < 8; i++ {
		if byt&(1<<i) != 0 {
			return i
		}
	}
	return -1
}
