// Package bitfield provides bit vectors used for piece availability and chunk tracking.
package bitfield

import (
	"encoding/hex"
	"errors"
	"math/bits"
)

var errInvalidLength = errors.New("invalid bitfield length")

// Bitfield is a fixed length bit vector. Bit 0 is the most significant bit of the first byte.
// Bitfield is not safe for concurrent use; see Shared.
type Bitfield struct {
	b      []byte
	length uint32
}

// New creates a new Bitfield of length bits.
func New(length uint32) *Bitfield {
	return &Bitfield{
		b:      make([]byte, (length+7)/8),
		length: length,
	}
}

// NewBytes returns a new Bitfield value from b.
// Bytes in b are not copied. Unused bits in last byte are cleared.
// Returns error if the number of bytes in b does not match the length.
func NewBytes(b []byte, length uint32) (*Bitfield, error) {
	div, mod := divMod32(length, 8)
	lastByteIncomplete := mod != 0
	requiredBytes := div
	if lastByteIncomplete {
		requiredBytes++
	}
	if uint32(len(b)) != requiredBytes {
		return nil, errInvalidLength
	}
	if lastByteIncomplete {
		b[len(b)-1] &= ^(0xff >> mod)
	}
	return &Bitfield{b: b, length: length}, nil
}

// Bytes returns bytes in b. If you modify the returned slice the bits in b are modified too.
func (b *Bitfield) Bytes() []byte { return b.b }

// Len returns the number of bits as given to New.
func (b *Bitfield) Len() uint32 { return b.length }

// Hex returns bytes as string. If not all the bits in last byte are used, they encode as not set.
func (b *Bitfield) Hex() string { return hex.EncodeToString(b.b) }

// Copy returns a new Bitfield with the same bits.
func (b *Bitfield) Copy() *Bitfield {
	b2 := make([]byte, len(b.b))
	copy(b2, b.b)
	return &Bitfield{b: b2, length: b.length}
}

// Set bit i. 0 is the most significant bit. Panics if i >= b.Len().
func (b *Bitfield) Set(i uint32) {
	b.checkIndex(i)
	div, mod := divMod32(i, 8)
	b.b[div] |= 1 << (7 - mod)
}

// SetTo sets bit i to value. Panics if i >= b.Len().
func (b *Bitfield) SetTo(i uint32, value bool) {
	if value {
		b.Set(i)
	} else {
		b.Clear(i)
	}
}

// Clear bit i. 0 is the most significant bit. Panics if i >= b.Len().
func (b *Bitfield) Clear(i uint32) {
	b.checkIndex(i)
	div, mod := divMod32(i, 8)
	b.b[div] &= ^(1 << (7 - mod))
}

// SetAll sets all bits.
func (b *Bitfield) SetAll() {
	for i := range b.b {
		b.b[i] = 0xff
	}
	if mod := b.length % 8; mod != 0 {
		b.b[len(b.b)-1] &= ^(0xff >> mod)
	}
}

// ClearAll clears all bits.
func (b *Bitfield) ClearAll() {
	for i := range b.b {
		b.b[i] = 0
	}
}

// Test bit i. 0 is the most significant bit. Panics if i >= b.Len().
func (b *Bitfield) Test(i uint32) bool {
	b.checkIndex(i)
	div, mod := divMod32(i, 8)
	return (b.b[div] & (1 << (7 - mod))) > 0
}

// Count returns the count of set bits.
func (b *Bitfield) Count() uint32 {
	var total uint32
	for _, v := range b.b {
		total += uint32(bits.OnesCount8(v))
	}
	return total
}

// All returns true if all bits are set, false otherwise.
func (b *Bitfield) All() bool {
	return b.Count() == b.length
}

// FirstClear returns the index of the first unset bit at or after start.
// Search wraps around to the beginning. Returns false if all bits are set.
func (b *Bitfield) FirstClear(start uint32) (uint32, bool) {
	if b.length == 0 {
		return 0, false
	}
	start %= b.length
	for n := uint32(0); n < b.length; n++ {
		i := (start + n) % b.length
		if !b.Test(i) {
			return i, true
		}
	}
	return 0, false
}

func (b *Bitfield) checkIndex(i uint32) {
	if i >= b.Len() {
		panic("index out of bound")
	}
}

func divMod32(a, b uint32) (uint32, uint32) { return a / b, a % b }
