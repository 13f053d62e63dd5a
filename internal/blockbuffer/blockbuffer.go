// Package blockbuffer holds the data of a piece while its blocks are being downloaded.
// Small pieces are kept in memory, large ones in a temporary file.
package blockbuffer

import (
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/I2PPlus/i2pplus-sub004/internal/bitfield"
	"github.com/I2PPlus/i2pplus-sub004/internal/bufferpool"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerprotocol"
	"github.com/I2PPlus/i2pplus-sub004/internal/semaphore"
)

// BlockSize is the size of chunks tracked in a Buffer.
const BlockSize = peerprotocol.BlockSize

var (
	// ErrUnaligned is returned when a write does not start at a block boundary
	// or does not have the length of that block.
	ErrUnaligned = errors.New("unaligned block")
	// ErrReleased is returned when a released Buffer is used.
	ErrReleased = errors.New("buffer released")
)

// Buffer is the data of a single piece being downloaded from a single peer.
// The data is stored either in memory or in a temporary file, never both.
type Buffer struct {
	Index  uint32
	length uint32

	m        sync.Mutex
	chunks   *bitfield.Bitfield
	mem      bufferpool.Buffer
	inMemory bool
	file     *os.File
	tempDir  string
	released bool
	// number of ReadBlock calls writing into mem without holding m
	reading int

	alloc *Allocator
	disk  *semaphore.Semaphore
}

func newBuffer(a *Allocator, index, length uint32, inMemory bool) *Buffer {
	b := &Buffer{
		Index:    index,
		length:   length,
		chunks:   bitfield.New(numChunks(length)),
		inMemory: inMemory,
		tempDir:  a.tempDir,
		alloc:    a,
		disk:     a.disk,
	}
	if inMemory {
		b.mem = a.pools.Get(int(length))
	}
	return b
}

func numChunks(length uint32) uint32 {
	return (length + BlockSize - 1) / BlockSize
}

// Length of the piece.
func (b *Buffer) Length() uint32 { return b.length }

// NumChunks returns the number of blocks in the piece.
func (b *Buffer) NumChunks() uint32 { return b.chunks.Len() }

// InMemory reports whether the data is kept in memory.
func (b *Buffer) InMemory() bool { return b.inMemory }

// ChunkLength returns the length of the block starting at begin.
// Only the last block may be shorter than BlockSize.
func (b *Buffer) ChunkLength(begin uint32) uint32 {
	if begin >= b.length {
		return 0
	}
	return min(BlockSize, b.length-begin)
}

func (b *Buffer) checkBlock(begin, length uint32) (uint32, error) {
	if begin%BlockSize != 0 || begin >= b.length || length != b.ChunkLength(begin) {
		return 0, fmt.Errorf("%w: piece %d begin %d length %d", ErrUnaligned, b.Index, begin, length)
	}
	return begin / BlockSize, nil
}

// HasChunk reports whether the block starting at begin has been written.
func (b *Buffer) HasChunk(begin uint32) bool {
	if begin%BlockSize != 0 || begin >= b.length {
		return false
	}
	b.m.Lock()
	defer b.m.Unlock()
	return b.chunks.Test(begin / BlockSize)
}

// Downloaded returns the number of bytes written so far.
// The value is derived from the written blocks only.
func (b *Buffer) Downloaded() int64 {
	b.m.Lock()
	defer b.m.Unlock()
	if b.chunks.Len() == 0 {
		return 0
	}
	n := int64(b.chunks.Count()) * BlockSize
	last := b.chunks.Len() - 1
	if b.chunks.Test(last) {
		n -= int64(BlockSize - b.ChunkLength(last*BlockSize))
	}
	return n
}

// Complete reports whether all blocks have been written.
func (b *Buffer) Complete() bool {
	b.m.Lock()
	defer b.m.Unlock()
	return b.chunks.All()
}

// NextBlock returns the first block at or after from that is not written yet.
func (b *Buffer) NextBlock(from uint32) (begin, length uint32, ok bool) {
	b.m.Lock()
	defer b.m.Unlock()
	for i := from / BlockSize; i < b.chunks.Len(); i++ {
		if !b.chunks.Test(i) {
			begin = i * BlockSize
			return begin, b.ChunkLength(begin), true
		}
	}
	return 0, 0, false
}

// Write stores the block starting at begin.
func (b *Buffer) Write(begin uint32, data []byte) error {
	idx, err := b.checkBlock(begin, uint32(len(data)))
	if err != nil {
		return err
	}
	b.m.Lock()
	defer b.m.Unlock()
	if b.released {
		return ErrReleased
	}
	if b.inMemory {
		copy(b.mem.Data[begin:], data)
	} else if err = b.writeFile(begin, data); err != nil {
		return err
	}
	b.chunks.Set(idx)
	return nil
}

// ReadBlock reads length bytes from r and stores them as the block starting at begin.
// In-memory data is read directly into place without an intermediate buffer.
func (b *Buffer) ReadBlock(r io.Reader, begin, length uint32) error {
	idx, err := b.checkBlock(begin, length)
	if err != nil {
		return err
	}
	if b.inMemory {
		b.m.Lock()
		if b.released {
			b.m.Unlock()
			return ErrReleased
		}
		dst := b.mem.Data[begin : begin+length]
		b.reading++
		b.m.Unlock()
		// The block is not marked as written yet so nobody else reads this region.
		_, err = io.ReadFull(r, dst)
		b.m.Lock()
		defer b.m.Unlock()
		b.reading--
		if b.released {
			// Memory of a buffer released during the read goes back to the pool only now.
			if b.reading == 0 {
				b.freeMemory()
			}
			return ErrReleased
		}
		if err != nil {
			return err
		}
		b.chunks.Set(idx)
		return nil
	}
	buf := blockPool.Get(int(length))
	defer buf.Release()
	if _, err = io.ReadFull(r, buf.Data); err != nil {
		return err
	}
	b.m.Lock()
	defer b.m.Unlock()
	if b.released {
		return ErrReleased
	}
	if err = b.writeFile(begin, buf.Data); err != nil {
		return err
	}
	b.chunks.Set(idx)
	return nil
}

var blockPool = bufferpool.New(BlockSize)

func (b *Buffer) writeFile(begin uint32, data []byte) error {
	if b.file == nil {
		f, err := os.CreateTemp(b.tempDir, "piece-*.tmp")
		if err != nil {
			return fmt.Errorf("cannot create temp file for piece %d: %w", b.Index, err)
		}
		b.file = f
	}
	b.disk.Wait()
	defer b.disk.Signal()
	_, err := b.file.WriteAt(data, int64(begin))
	return err
}

// ReadAt reads piece data. Only written blocks contain meaningful data.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	b.m.Lock()
	defer b.m.Unlock()
	if b.released {
		return 0, ErrReleased
	}
	if off >= int64(b.length) {
		return 0, io.EOF
	}
	if b.inMemory {
		n := copy(p, b.mem.Data[off:])
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}
	if b.file == nil {
		return 0, io.ErrUnexpectedEOF
	}
	b.disk.Wait()
	defer b.disk.Signal()
	if rest := int64(b.length) - off; int64(len(p)) > rest {
		n, err := b.file.ReadAt(p[:rest], off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return b.file.ReadAt(p, off)
}

// WriteTo copies the whole piece to w.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	return io.Copy(w, io.NewSectionReader(b, 0, int64(b.length)))
}

// Hash returns the SHA-1 of the piece data.
func (b *Buffer) Hash() ([20]byte, error) {
	var sum [20]byte
	h := sha1.New() // nolint: gosec
	if _, err := b.WriteTo(h); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// Release frees the memory or deletes the temporary file.
// Calling Release more than once is safe. If a ReadBlock is in progress,
// the memory is freed when it returns.
func (b *Buffer) Release() error {
	b.m.Lock()
	defer b.m.Unlock()
	if b.released {
		return nil
	}
	b.released = true
	if b.inMemory {
		if b.reading == 0 {
			b.freeMemory()
		}
		return nil
	}
	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	err := b.file.Close()
	b.file = nil
	if rerr := os.Remove(name); err == nil {
		err = rerr
	}
	return err
}

func (b *Buffer) freeMemory() {
	b.mem.Release()
	b.mem = bufferpool.Buffer{}
	b.alloc.freeMemory(int64(b.length))
}

func (b *Buffer) String() string {
	return fmt.Sprintf("piece %d (%d/%d bytes)", b.Index, b.Downloaded(), b.length)
}
