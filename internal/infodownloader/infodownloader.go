// Package infodownloader keeps track of info dictionary chunks fetched from peers
// with the ut_metadata extension while the torrent metadata is unknown.
package infodownloader

import (
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/I2PPlus/i2pplus-sub004/internal/bitfield"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerprotocol"
	"github.com/zeebo/bencode"
)

// ChunkSize is the size of metadata chunks. Only the last chunk may be shorter.
const ChunkSize = peerprotocol.MetadataChunkSize

// MaxSize is the largest metadata size accepted from peers.
const MaxSize = 10 << 20

var (
	// ErrHashMismatch is returned when the assembled metadata does not hash to the info hash.
	// All chunks must be fetched again after this error.
	ErrHashMismatch = errors.New("metadata hash mismatch")
	// ErrInvalidMetadata is returned when the assembled metadata is not a bencoded dictionary.
	ErrInvalidMetadata = errors.New("invalid metadata")

	errInvalidSize      = errors.New("invalid metadata size")
	errSizeChanged      = errors.New("metadata size differs from previous peers")
	errNotInitialized   = errors.New("metadata size is not known")
	errInvalidChunk     = errors.New("invalid metadata chunk index")
	errInvalidChunkSize = errors.New("invalid metadata chunk length")
)

// State is shared by all peers of a torrent while downloading the info dictionary.
type State struct {
	InfoHash [20]byte

	m         sync.Mutex
	size      uint32
	requested *bitfield.Bitfield
	have      *bitfield.Bitfield
	data      []byte
	complete  bool
	info      map[string]interface{}
	rnd       *rand.Rand
}

// New returns a State for the info hash. Size is unknown until Initialize is called.
func New(infoHash [20]byte) *State {
	return &State{
		InfoHash: infoHash,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())), // nolint: gosec
	}
}

// Initialize sets the total metadata size advertised by a peer.
// Calling it again with the same size is a no-op.
func (s *State) Initialize(size uint32) error {
	if size == 0 || size > MaxSize {
		return fmt.Errorf("%w: %d", errInvalidSize, size)
	}
	s.m.Lock()
	defer s.m.Unlock()
	if s.size != 0 {
		if s.size != size {
			return fmt.Errorf("%w: %d != %d", errSizeChanged, size, s.size)
		}
		return nil
	}
	s.size = size
	n := (size + ChunkSize - 1) / ChunkSize
	s.requested = bitfield.New(n)
	s.have = bitfield.New(n)
	s.data = make([]byte, size)
	return nil
}

// Initialized reports whether the metadata size is known.
func (s *State) Initialized() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.size != 0
}

// Size returns the metadata size or zero if unknown.
func (s *State) Size() uint32 {
	s.m.Lock()
	defer s.m.Unlock()
	return s.size
}

// NumChunks returns the number of chunks, zero if the size is unknown.
func (s *State) NumChunks() uint32 {
	s.m.Lock()
	defer s.m.Unlock()
	if s.have == nil {
		return 0
	}
	return s.have.Len()
}

func (s *State) chunkLength(i uint32) uint32 {
	begin := i * ChunkSize
	return min(ChunkSize, s.size-begin)
}

// NextRequest returns a chunk to request next.
// Chunks that are neither received nor requested are preferred, scanning from a random position.
// When all chunks are requested, chunks that are not received yet are returned again.
func (s *State) NextRequest() (uint32, bool) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.have == nil || s.complete {
		return 0, false
	}
	n := s.have.Len()
	start := uint32(s.rnd.Intn(int(n)))
	for j := uint32(0); j < n; j++ {
		i := (start + j) % n
		if !s.have.Test(i) && !s.requested.Test(i) {
			s.requested.Set(i)
			return i, true
		}
	}
	for j := uint32(0); j < n; j++ {
		i := (start + j) % n
		if !s.have.Test(i) {
			return i, true
		}
	}
	return 0, false
}

// Unrequest marks a chunk as not requested, e.g. after a peer rejects the request or disconnects.
func (s *State) Unrequest(i uint32) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.requested != nil && i < s.requested.Len() && !s.have.Test(i) {
		s.requested.Clear(i)
	}
}

// SaveChunk stores the data of chunk i. When the last chunk is saved, the metadata is verified
// against the info hash. On mismatch all chunks are discarded and ErrHashMismatch is returned.
func (s *State) SaveChunk(i uint32, data []byte) (complete bool, err error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.have == nil {
		return false, errNotInitialized
	}
	if s.complete {
		return true, nil
	}
	if i >= s.have.Len() {
		return false, fmt.Errorf("%w: %d", errInvalidChunk, i)
	}
	if uint32(len(data)) != s.chunkLength(i) {
		return false, fmt.Errorf("%w: chunk %d has %d bytes", errInvalidChunkSize, i, len(data))
	}
	copy(s.data[i*ChunkSize:], data)
	s.requested.Set(i)
	s.have.Set(i)
	if !s.have.All() {
		return false, nil
	}
	if err = s.verify(); err != nil {
		s.have.ClearAll()
		s.requested.ClearAll()
		return false, err
	}
	s.complete = true
	return true, nil
}

func (s *State) verify() error {
	sum := sha1.Sum(s.data) // nolint: gosec
	if sum != s.InfoHash {
		return ErrHashMismatch
	}
	var info map[string]interface{}
	if err := bencode.DecodeBytes(s.data, &info); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidMetadata, err)
	}
	s.info = info
	return nil
}

// Complete reports whether the metadata is assembled and verified.
func (s *State) Complete() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.complete
}

// Bytes returns the verified metadata, nil if not complete.
func (s *State) Bytes() []byte {
	s.m.Lock()
	defer s.m.Unlock()
	if !s.complete {
		return nil
	}
	return s.data
}

// Info returns the decoded info dictionary, nil if not complete.
func (s *State) Info() map[string]interface{} {
	s.m.Lock()
	defer s.m.Unlock()
	return s.info
}

// Progress returns the number of received and total chunks.
func (s *State) Progress() (have, total uint32) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.have == nil {
		return 0, 0
	}
	return s.have.Count(), s.have.Len()
}
