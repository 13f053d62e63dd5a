package blockbuffer

import (
	"sync"

	"github.com/I2PPlus/i2pplus-sub004/internal/bufferpool"
	"github.com/I2PPlus/i2pplus-sub004/internal/logger"
	"github.com/I2PPlus/i2pplus-sub004/internal/semaphore"
)

// DefaultMemoryThreshold is the largest piece kept in memory by default.
const DefaultMemoryThreshold = 1 << 20

// Options for Allocator.
type Options struct {
	// MemoryThreshold is the largest piece length kept in memory.
	MemoryThreshold int64
	// MaxMemory is the total memory budget of in-memory buffers. Zero means unlimited.
	MaxMemory int64
	// TempDir is the directory for temporary files. Empty means os.TempDir.
	TempDir string
	// DiskWorkers limits concurrent temp file reads and writes. Zero means unlimited.
	DiskWorkers int
}

// Allocator creates Buffers and keeps track of memory used by them.
// When the memory budget is exhausted, the memory threshold is lowered for future buffers
// and the current one is placed on disk.
type Allocator struct {
	tempDir string
	disk    *semaphore.Semaphore
	pools   bufferpool.Set
	log     logger.Logger

	m         sync.Mutex
	threshold int64
	maxMemory int64
	used      int64
}

// NewAllocator returns a new Allocator.
func NewAllocator(o Options) *Allocator {
	if o.MemoryThreshold <= 0 {
		o.MemoryThreshold = DefaultMemoryThreshold
	}
	return &Allocator{
		tempDir:   o.TempDir,
		disk:      semaphore.New(o.DiskWorkers),
		log:       logger.New("blockbuffer"),
		threshold: o.MemoryThreshold,
		maxMemory: o.MaxMemory,
	}
}

// New returns an empty Buffer for the piece.
func (a *Allocator) New(index, length uint32) *Buffer {
	return newBuffer(a, index, length, a.reserveMemory(int64(length)))
}

func (a *Allocator) reserveMemory(n int64) bool {
	a.m.Lock()
	defer a.m.Unlock()
	if n > a.threshold {
		return false
	}
	if a.maxMemory > 0 && a.used+n > a.maxMemory {
		old := a.threshold
		a.threshold = max(a.threshold/2, BlockSize)
		if a.threshold != old {
			a.log.Warningf("memory budget exhausted (%d/%d bytes), lowering memory threshold to %d bytes", a.used, a.maxMemory, a.threshold)
		}
		return false
	}
	a.used += n
	return true
}

func (a *Allocator) freeMemory(n int64) {
	a.m.Lock()
	a.used -= n
	a.m.Unlock()
}

// Threshold returns the current memory threshold.
func (a *Allocator) Threshold() int64 {
	a.m.Lock()
	defer a.m.Unlock()
	return a.threshold
}

// MemoryUsed returns the bytes held by in-memory buffers.
func (a *Allocator) MemoryUsed() int64 {
	a.m.Lock()
	defer a.m.Unlock()
	return a.used
}
