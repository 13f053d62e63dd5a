package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool(t *testing.T) {
	p := New(16)
	b := p.Get(4)
	assert.Len(t, b.Data, 4)
	assert.Equal(t, 16, cap(b.Data))
	b.Release()
	assert.Equal(t, 16, p.Cap())
}

func TestSet(t *testing.T) {
	var s Set
	a := s.Get(10)
	b := s.Get(20)
	assert.Len(t, a.Data, 10)
	assert.Len(t, b.Data, 20)
	a.Release()
	b.Release()
	Buffer{}.Release()
}
