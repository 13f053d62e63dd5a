package bitfield

import "sync"

// Shared is a Bitfield that can be accessed from multiple goroutines.
// Its methods are the only access path to the underlying bits.
type Shared struct {
	m  sync.RWMutex
	bf *Bitfield
}

// NewShared returns a Shared wrapping a new Bitfield of length bits.
func NewShared(length uint32) *Shared {
	return &Shared{bf: New(length)}
}

// Wrap takes ownership of bf. The caller must not use bf after calling Wrap.
func Wrap(bf *Bitfield) *Shared {
	return &Shared{bf: bf}
}

// Len returns the number of bits.
func (s *Shared) Len() uint32 {
	s.m.RLock()
	defer s.m.RUnlock()
	return s.bf.Len()
}

// Set bit i.
func (s *Shared) Set(i uint32) {
	s.m.Lock()
	s.bf.Set(i)
	s.m.Unlock()
}

// Clear bit i.
func (s *Shared) Clear(i uint32) {
	s.m.Lock()
	s.bf.Clear(i)
	s.m.Unlock()
}

// SetAll sets all bits.
func (s *Shared) SetAll() {
	s.m.Lock()
	s.bf.SetAll()
	s.m.Unlock()
}

// Test bit i.
func (s *Shared) Test(i uint32) bool {
	s.m.RLock()
	defer s.m.RUnlock()
	return s.bf.Test(i)
}

// Count returns the number of set bits.
func (s *Shared) Count() uint32 {
	s.m.RLock()
	defer s.m.RUnlock()
	return s.bf.Count()
}

// All returns true if all bits are set.
func (s *Shared) All() bool {
	s.m.RLock()
	defer s.m.RUnlock()
	return s.bf.All()
}

// Snapshot returns a copy of the current bits.
func (s *Shared) Snapshot() *Bitfield {
	s.m.RLock()
	defer s.m.RUnlock()
	return s.bf.Copy()
}
