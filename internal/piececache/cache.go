// Package piececache keeps recently read pieces in memory for serving block requests of peers.
package piececache

import (
	"container/list"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

const sweepInterval = 5 * time.Second

// Loader reads the data of a piece on a cache miss.
type Loader func() ([]byte, error)

type entry struct {
	index    uint32
	data     []byte
	err      error
	ready    chan struct{}
	accessed time.Time
	// elem is nil while the piece is being loaded.
	elem *list.Element
}

// Cache is a size bounded LRU cache of piece data. Pieces not accessed for ttl are dropped.
type Cache struct {
	maxSize int64
	ttl     time.Duration
	now     func() time.Time

	m       sync.Mutex
	size    int64
	entries map[uint32]*entry
	lru     *list.List

	hits  metrics.EWMA
	total metrics.EWMA

	closeC chan struct{}
}

// New returns a new Cache. The hit ratio is registered as "piececache_utilization" if r is not nil.
func New(maxSize int64, ttl time.Duration, r metrics.Registry) *Cache {
	c := &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[uint32]*entry),
		lru:     list.New(),
		hits:    metrics.NewEWMA1(),
		total:   metrics.NewEWMA1(),
		closeC:  make(chan struct{}),
	}
	if r != nil {
		_ = r.Register("piececache_utilization", metrics.NewFunctionalGauge(func() int64 { return int64(c.Utilization()) }))
	}
	go c.run()
	return c
}

func (c *Cache) run() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.hits.Tick()
			c.total.Tick()
			c.expire()
		case <-c.closeC:
			return
		}
	}
}

// Close stops the background goroutine.
func (c *Cache) Close() {
	close(c.closeC)
}

// Clear removes all pieces.
func (c *Cache) Clear() {
	c.m.Lock()
	defer c.m.Unlock()
	c.entries = make(map[uint32]*entry)
	c.lru.Init()
	c.size = 0
}

// Len returns the number of cached pieces.
func (c *Cache) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return c.lru.Len()
}

// Size returns the total length of cached data.
func (c *Cache) Size() int64 {
	c.m.Lock()
	defer c.m.Unlock()
	return c.size
}

// Utilization returns the percentage of recent Get calls served from the cache.
func (c *Cache) Utilization() int {
	total := c.total.Rate()
	if total == 0 {
		return 0
	}
	return int(100 * c.hits.Rate() / total)
}

// Get returns the data of the piece at index. The loader is called if the piece is not in the cache.
// Concurrent calls for the same piece wait for a single load.
func (c *Cache) Get(index uint32, loader Loader) ([]byte, error) {
	c.m.Lock()
	c.total.Update(1)
	e, ok := c.entries[index]
	if ok && e.elem != nil && c.now().Sub(e.accessed) >= c.ttl {
		c.remove(e)
		ok = false
	}
	if ok {
		c.hits.Update(1)
		if e.elem != nil {
			e.accessed = c.now()
			c.lru.MoveToFront(e.elem)
			data := e.data
			c.m.Unlock()
			return data, nil
		}
		c.m.Unlock()
		<-e.ready
		return e.data, e.err
	}
	e = &entry{index: index, ready: make(chan struct{})}
	c.entries[index] = e
	c.m.Unlock()

	data, err := loader()

	c.m.Lock()
	defer c.m.Unlock()
	e.data, e.err = data, err
	close(e.ready)
	if c.entries[index] != e {
		// Removed while loading.
		return data, err
	}
	if err != nil || int64(len(data)) > c.maxSize {
		delete(c.entries, index)
		return data, err
	}
	for c.size+int64(len(data)) > c.maxSize {
		c.remove(c.lru.Back().Value.(*entry))
	}
	e.accessed = c.now()
	e.elem = c.lru.PushFront(e)
	c.size += int64(len(data))
	return data, nil
}

// Remove drops the piece at index from the cache.
func (c *Cache) Remove(index uint32) {
	c.m.Lock()
	defer c.m.Unlock()
	if e, ok := c.entries[index]; ok {
		c.remove(e)
	}
}

func (c *Cache) remove(e *entry) {
	delete(c.entries, e.index)
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
		c.size -= int64(len(e.data))
	}
}

func (c *Cache) expire() {
	c.m.Lock()
	defer c.m.Unlock()
	now := c.now()
	for back := c.lru.Back(); back != nil; back = c.lru.Back() {
		e := back.Value.(*entry)
		if now.Sub(e.accessed) < c.ttl {
			return
		}
		c.remove(e)
	}
}
