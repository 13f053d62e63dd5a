// Package semaphore bounds the number of goroutines doing a kind of work at the same time.
package semaphore

// Semaphore is a counting semaphore. A nil *Semaphore never blocks.
type Semaphore struct {
	c chan struct{}
}

// New returns a Semaphore that lets n holders in. n <= 0 means no limit.
func New(n int) *Semaphore {
	if n <= 0 {
		return nil
	}
	return &Semaphore{
		c: make(chan struct{}, n),
	}
}

// Wait blocks until a slot is available.
func (s *Semaphore) Wait() {
	if s == nil {
		return
	}
	s.c <- struct{}{}
}

// Signal releases a slot taken by Wait.
func (s *Semaphore) Signal() {
	if s == nil {
		return
	}
	<-s.c
}

// Len returns the number of current holders.
func (s *Semaphore) Len() int {
	if s == nil {
		return 0
	}
	return len(s.c)
}
