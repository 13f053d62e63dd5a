// Package peerstate implements the protocol state of a peer session:
// choke and interest flags, the request pipeline and the handling of received messages.
package peerstate

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/I2PPlus/i2pplus-sub004/internal/bandwidth"
	"github.com/I2PPlus/i2pplus-sub004/internal/bitfield"
	"github.com/I2PPlus/i2pplus-sub004/internal/counters"
	"github.com/I2PPlus/i2pplus-sub004/internal/infodownloader"
	"github.com/I2PPlus/i2pplus-sub004/internal/logger"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerid"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerprotocol"
	"github.com/RoaringBitmap/roaring"
)

// ErrBothComplete is returned when both peers have all pieces and there is no reason to stay connected.
var ErrBothComplete = errors.New("both peers are complete")

// Options for State.
type Options struct {
	// Fast is true when the fast extension is negotiated.
	Fast bool
	// Extensions is true when the extension protocol is negotiated.
	Extensions bool
	// MinPipeline is the initial number of outstanding requests.
	MinPipeline int
	// MaxPipeline is the upper bound of outstanding requests.
	MaxPipeline int
	// MaxUploadQueueBytes limits the piece data queued for the peer.
	MaxUploadQueueBytes int64
	// ClientVersion is sent in the extension handshake.
	ClientVersion string
	// Disconnect is called when the session must be closed from outside the reader goroutine.
	Disconnect func(error)
}

// DefaultOptions are used for the zero fields of Options.
var DefaultOptions = Options{
	MinPipeline:         5,
	MaxPipeline:         64,
	MaxUploadQueueBytes: 1 << 20,
}

// State is the protocol state of a peer session.
// Handler methods are called by the reader goroutine, the writer reads the choke flags without locking.
type State struct {
	peer     *peerid.Identity
	coord    Coordinator
	gate     bandwidth.Gate
	magnet   *infodownloader.State
	counters *counters.Counters
	options  Options
	log      logger.Logger

	// choking is true when we are choking the peer, choked when the peer is choking us.
	choking atomic.Bool
	choked  atomic.Bool
	// remoteBitfield mirrors remote for the methods that do not lock m.
	remoteBitfield atomic.Pointer[bitfield.Shared]

	// w holds the Writer for the methods that do not lock m.
	w atomic.Value

	m           sync.Mutex
	writer      Writer
	closed      bool
	interesting bool
	interested  bool
	meta        Metadata
	// remote is the bitfield of the peer, nil until metadata is known.
	remote *bitfield.Shared

	// Availability received before metadata is known.
	pendingBitfield []byte
	pendingHaveAll  bool
	pendingHaves    []uint32

	outstanding []*Request
	receiving   *Request
	lastRequest *Request
	pipeline    int
	allowedFast *roaring.Bitmap

	// Extension handshake of the peer.
	peerReqq       int
	peerMetadataID uint8
	peerVersion    string
	metaRequested  []uint32
}

// New returns the protocol state of a new session.
// magnet is shared by all sessions of the torrent and used only while metadata is unknown.
func New(peer *peerid.Identity, coord Coordinator, gate bandwidth.Gate, magnet *infodownloader.State, c *counters.Counters, o Options, l logger.Logger) *State {
	if o.MinPipeline <= 0 {
		o.MinPipeline = DefaultOptions.MinPipeline
	}
	if o.MaxPipeline <= 0 {
		o.MaxPipeline = DefaultOptions.MaxPipeline
	}
	if o.MaxPipeline < o.MinPipeline {
		o.MaxPipeline = o.MinPipeline
	}
	if o.MaxUploadQueueBytes <= 0 {
		o.MaxUploadQueueBytes = DefaultOptions.MaxUploadQueueBytes
	}
	if c == nil {
		c = new(counters.Counters)
	}
	s := &State{
		peer:        peer,
		coord:       coord,
		gate:        gate,
		magnet:      magnet,
		counters:    c,
		options:     o,
		log:         l,
		pipeline:    o.MinPipeline,
		allowedFast: roaring.New(),
	}
	s.choking.Store(true)
	s.choked.Store(true)
	return s
}

// Start sets the writer and sends the first messages: the extension handshake and our pieces.
func (s *State) Start(w Writer) {
	s.m.Lock()
	defer s.m.Unlock()
	s.writer = w
	s.w.Store(writerBox{w})
	if m := s.coord.Metadata(); m != nil {
		s.meta = m
		s.setRemoteEmpty()
	}

	if s.options.Extensions {
		var size uint32
		if s.meta != nil {
			size = uint32(len(s.meta.Bytes()))
		}
		reqq := int(s.options.MaxUploadQueueBytes / peerprotocol.BlockSize)
		hs := peerprotocol.NewExtensionHandshake(size, s.options.ClientVersion, reqq)
		s.writer.SendMessage(peerprotocol.ExtensionMessage{ExtendedMessageID: peerprotocol.ExtensionIDHandshake, Payload: hs})
	}
	s.sendFirstMessage()
}

func (s *State) sendFirstMessage() {
	if s.meta == nil {
		if s.options.Fast {
			s.writer.SendMessage(peerprotocol.HaveNoneMessage{})
		}
		return
	}
	bf := s.coord.Bitfield()
	switch {
	case s.options.Fast && bf != nil && bf.All():
		s.writer.SendMessage(peerprotocol.HaveAllMessage{})
	case s.options.Fast && (bf == nil || bf.Count() == 0):
		s.writer.SendMessage(peerprotocol.HaveNoneMessage{})
	case bf != nil && bf.Count() > 0:
		s.writer.SendMessage(peerprotocol.BitfieldMessage{Data: bf.Bytes()})
	}
}

// checkMetadata picks up metadata that became known through another session.
func (s *State) checkMetadata() error {
	if s.meta != nil {
		return nil
	}
	if m := s.coord.Metadata(); m != nil {
		return s.setMetadata(m)
	}
	return nil
}

func (s *State) setRemoteEmpty() {
	s.remote = bitfield.NewShared(s.meta.NumPieces())
	s.remoteBitfield.Store(s.remote)
}

// Peer returns the identity of the remote peer.
func (s *State) Peer() *peerid.Identity { return s.peer }

// Choking reports whether we are choking the peer.
func (s *State) Choking() bool { return s.choking.Load() }

// Choked reports whether the peer is choking us.
func (s *State) Choked() bool { return s.choked.Load() }

// Interesting reports whether we are interested in the peer.
func (s *State) Interesting() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.interesting
}

// Interested reports whether the peer is interested in us.
func (s *State) Interested() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.interested
}

// Bitfield returns a snapshot of the peer pieces, nil if unknown.
func (s *State) Bitfield() *bitfield.Bitfield {
	if bf := s.remoteBitfield.Load(); bf != nil {
		return bf.Snapshot()
	}
	return nil
}

// Pipeline returns the current number of allowed outstanding requests.
func (s *State) Pipeline() int {
	s.m.Lock()
	defer s.m.Unlock()
	return s.pipeline
}

// Outstanding returns a copy of the outstanding requests in queue order.
func (s *State) Outstanding() []Request {
	s.m.Lock()
	defer s.m.Unlock()
	reqs := make([]Request, len(s.outstanding))
	for i, r := range s.outstanding {
		reqs[i] = *r
	}
	return reqs
}

// AllowedFast returns the pieces the peer allows us to request while choked.
func (s *State) AllowedFast() []uint32 {
	s.m.Lock()
	defer s.m.Unlock()
	return s.allowedFast.ToArray()
}

// PeerVersion returns the client version from the extension handshake of the peer.
func (s *State) PeerVersion() string {
	s.m.Lock()
	defer s.m.Unlock()
	return s.peerVersion
}

// SetChoking chokes or unchokes the peer. Safe to call from the Coordinator.
func (s *State) SetChoking(choke bool) {
	if s.choking.Swap(choke) == choke {
		return
	}
	w := s.loadWriter()
	if w == nil {
		return
	}
	if choke {
		w.SendMessage(peerprotocol.ChokeMessage{})
	} else {
		w.SendMessage(peerprotocol.UnchokeMessage{})
	}
}

// SetInteresting changes our interest in the peer.
func (s *State) SetInteresting(interesting bool) {
	s.m.Lock()
	defer s.m.Unlock()
	s.setInteresting(interesting)
}

func (s *State) setInteresting(interesting bool) {
	if s.interesting == interesting || s.writer == nil {
		return
	}
	s.interesting = interesting
	if interesting {
		s.writer.SendMessage(peerprotocol.InterestedMessage{})
		s.addRequest()
	} else {
		s.writer.SendMessage(peerprotocol.NotInterestedMessage{})
	}
}

// Have announces a piece we have just completed. Safe to call from the Coordinator.
// If both peers become complete the session is disconnected.
func (s *State) Have(piece uint32) {
	w := s.loadWriter()
	if w == nil {
		return
	}
	w.SendMessage(peerprotocol.HaveMessage{Index: piece})
	bf := s.remoteBitfield.Load()
	if bf != nil && bf.All() && s.coord.Complete() && !s.coord.WantsComments(s.peer) && s.options.Disconnect != nil {
		go s.options.Disconnect(ErrBothComplete)
	}
}

type writerBox struct{ Writer }

func (s *State) loadWriter() Writer {
	b, ok := s.w.Load().(writerBox)
	if !ok {
		return nil
	}
	return b.Writer
}

// Close gives back all in-flight buffers and metadata requests. Handlers do nothing after Close.
func (s *State) Close() {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return
	}
	s.returnPartialPieces(false)
	if s.magnet != nil {
		for _, i := range s.metaRequested {
			s.magnet.Unrequest(i)
		}
	}
	s.metaRequested = nil
	s.closed = true
}
