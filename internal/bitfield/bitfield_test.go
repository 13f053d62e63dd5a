package bitfield

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewBytes(t *testing.T) {
	v, err := NewBytes([]byte{0x0f}, 8)
	assert.NoError(t, err)
	assert.Equal(t, "0f", v.Hex())

	v, err = NewBytes([]byte{0x0f}, 7)
	assert.NoError(t, err)
	assert.Equal(t, "0e", v.Hex())

	_, err = NewBytes([]byte{0x0f}, 9)
	assert.Error(t, err)

	_, err = NewBytes([]byte{0x0f, 0x00}, 8)
	assert.Error(t, err)
}

func TestSetClear(t *testing.T) {
	v := New(10)
	assert.Equal(t, "0000", v.Hex())

	v.Set(0)
	assert.Equal(t, "8000", v.Hex())

	v.Set(9)
	assert.Equal(t, "8040", v.Hex())
	assert.Panics(t, func() { v.Set(10) })

	v.Clear(0)
	assert.Equal(t, "0040", v.Hex())
	assert.False(t, v.Test(2))
	assert.True(t, v.Test(9))
	assert.Equal(t, uint32(1), v.Count())
}

func TestSetAll(t *testing.T) {
	v := New(10)
	v.SetAll()
	assert.Equal(t, "ffc0", v.Hex())
	assert.True(t, v.All())
	assert.Equal(t, uint32(10), v.Count())

	v.ClearAll()
	assert.Equal(t, uint32(0), v.Count())
}

func TestFirstClear(t *testing.T) {
	v := New(5)
	v.Set(2)
	v.Set(3)

	i, ok := v.FirstClear(2)
	assert.True(t, ok)
	assert.Equal(t, uint32(4), i)

	v.Set(4)
	i, ok = v.FirstClear(2)
	assert.True(t, ok)
	assert.Equal(t, uint32(0), i)

	v.SetAll()
	_, ok = v.FirstClear(0)
	assert.False(t, ok)

	_, ok = New(0).FirstClear(0)
	assert.False(t, ok)
}

func TestSharedConcurrent(t *testing.T) {
	s := NewShared(64)
	var wg sync.WaitGroup
	for i := uint32(0); i < 64; i++ {
		wg.Add(1)
		go func(i uint32) {
			defer wg.Done()
			s.Set(i)
		}(i)
	}
	wg.Wait()
	assert.True(t, s.All())

	snap := s.Snapshot()
	s.Clear(0)
	assert.True(t, snap.Test(0))
	assert.False(t, s.Test(0))
}
