// Package bufferpool recycles byte slices of a fixed capacity.
package bufferpool

import "sync"

// Pool is a wrapper around sync.Pool with a helper Release method on returned objects.
// Objects in the Pool are Buffers which are wrapper of a slice with a pointer to the Pool object.
type Pool struct {
	pool   sync.Pool
	buflen int
}

// New returns a new Pool for Buffers of size buflen.
func New(buflen int) *Pool {
	p := &Pool{buflen: buflen}
	p.pool.New = func() interface{} {
		b := make([]byte, buflen)
		return &b
	}
	return p
}

// Cap returns the capacity of buffers in the pool.
func (p *Pool) Cap() int {
	return p.buflen
}

// Get a new Buffer from the pool. datalen must not exceed buffer length given in constructor.
// You should release the Buffer after your work is done by calling Buffer.Release.
func (p *Pool) Get(datalen int) Buffer {
	buf := p.pool.Get().(*[]byte)
	return Buffer{
		Data: (*buf)[:datalen],
		buf:  buf,
		pool: p,
	}
}

// Buffer is a slice with a pointer to Pool.
type Buffer struct {
	Data []byte
	buf  *[]byte
	pool *Pool
}

// Release the Buffer and return it to the Pool.
func (b Buffer) Release() {
	if b.pool == nil {
		return
	}
	// argument to Put should be pointer-like to avoid allocations
	b.pool.pool.Put(b.buf)
}

// Set is a group of pools keyed by buffer capacity.
type Set struct {
	m     sync.Mutex
	pools map[int]*Pool
}

// Get returns a Buffer of length n from the pool for that size.
func (s *Set) Get(n int) Buffer {
	s.m.Lock()
	if s.pools == nil {
		s.pools = make(map[int]*Pool)
	}
	p, ok := s.pools[n]
	if !ok {
		p = New(n)
		s.pools[n] = p
	}
	s.m.Unlock()
	return p.Get(n)
}
