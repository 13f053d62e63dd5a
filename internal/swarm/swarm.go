// Package swarm coordinates the peer sessions of a single torrent.
package swarm

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/I2PPlus/i2pplus-sub004/internal/bandwidth"
	"github.com/I2PPlus/i2pplus-sub004/internal/bitfield"
	"github.com/I2PPlus/i2pplus-sub004/internal/blockbuffer"
	"github.com/I2PPlus/i2pplus-sub004/internal/blocklist"
	"github.com/I2PPlus/i2pplus-sub004/internal/counters"
	"github.com/I2PPlus/i2pplus-sub004/internal/handshake"
	"github.com/I2PPlus/i2pplus-sub004/internal/infodownloader"
	"github.com/I2PPlus/i2pplus-sub004/internal/logger"
	"github.com/I2PPlus/i2pplus-sub004/internal/metainfo"
	"github.com/I2PPlus/i2pplus-sub004/internal/peer"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerstate"
	"github.com/I2PPlus/i2pplus-sub004/internal/piececache"
	"github.com/I2PPlus/i2pplus-sub004/internal/piecewriter"
	"github.com/I2PPlus/i2pplus-sub004/internal/resumer"
	"github.com/I2PPlus/i2pplus-sub004/internal/storage"
	"github.com/I2PPlus/i2pplus-sub004/internal/transport"
	"github.com/I2PPlus/i2pplus-sub004/internal/unchoker"
	"github.com/I2PPlus/i2pplus-sub004/internal/verifier"
	"github.com/google/btree"
	"github.com/rcrowley/go-metrics"
)

var (
	errClosed       = errors.New("swarm is closed")
	errTooManyPeers = errors.New("too many peers")
	errDuplicate    = errors.New("peer is already connected")
	errInfoHash     = errors.New("info hash does not match")
	errBlocked      = errors.New("peer address is blocked")
)

// Config of a Swarm.
type Config struct {
	Session peer.Config
	Buffers blockbuffer.Options

	// UploadSlots is the number of peers unchoked by transfer rate.
	UploadSlots int
	// OptimisticSlots is the number of peers unchoked at random.
	OptimisticSlots int
	UnchokeInterval time.Duration

	PieceCacheSize int64
	PieceCacheTTL  time.Duration
	ParallelWrites int

	HandshakeTimeout time.Duration
	// MaxPeers limits the number of sessions. Zero means no limit.
	MaxPeers int
	// Blocklist is checked before connecting and peers violating the protocol are banned in it. May be nil.
	Blocklist *blocklist.Blocklist
}

// DefaultConfig for a Swarm.
var DefaultConfig = Config{
	Session: peer.Config{
		Options: handshake.NewOptions(true, true, false),
		State:   peerstate.DefaultOptions,
	},
	UploadSlots:      3,
	OptimisticSlots:  1,
	UnchokeInterval:  10 * time.Second,
	PieceCacheSize:   64 << 20,
	PieceCacheTTL:    5 * time.Minute,
	ParallelWrites:   4,
	HandshakeTimeout: 10 * time.Second,
	MaxPeers:         50,
}

type orphan struct {
	index uint32
	buf   *blockbuffer.Buffer
}

func orphanLess(a, b orphan) bool { return a.index < b.index }

// Swarm implements peerstate.Coordinator for one torrent.
// Pieces are picked sequentially, partially downloaded pieces left by other peers first.
type Swarm struct {
	infoHash [20]byte
	cfg      Config
	storage  storage.Storage
	gate     bandwidth.Gate
	resumer  resumer.Resumer
	registry metrics.Registry
	alloc    *blockbuffer.Allocator
	cache    *piececache.Cache
	log      logger.Logger

	m         sync.Mutex
	info      *metainfo.Info
	magnet    *infodownloader.State
	data      *storage.Data
	writer    *piecewriter.PieceWriter
	have      *bitfield.Bitfield
	requested *bitfield.Bitfield
	orphans   *btree.BTreeG[orphan]
	peers     map[uint64]*peerEntry
	unchoker  *unchoker.Unchoker
	totals    resumer.Stats
	completed bool
	closed    bool

	metadataC chan struct{}
	completeC chan struct{}
	closeC    chan struct{}
	wg        sync.WaitGroup
}

var _ peerstate.Coordinator = (*Swarm)(nil)

// New returns a Swarm for infoHash. If info is nil, it is loaded from the resumer or fetched from peers.
// Files that already exist in st are verified before New returns.
func New(ctx context.Context, infoHash [20]byte, info *metainfo.Info, st storage.Storage, gate bandwidth.Gate, res resumer.Resumer, cfg Config) (*Swarm, error) {
	registry := metrics.NewRegistry()
	s := &Swarm{
		infoHash:  infoHash,
		cfg:       cfg,
		storage:   st,
		gate:      gate,
		resumer:   res,
		registry:  registry,
		alloc:     blockbuffer.NewAllocator(cfg.Buffers),
		cache:     piececache.New(cfg.PieceCacheSize, cfg.PieceCacheTTL, registry),
		log:       logger.New("swarm " + hex.EncodeToString(infoHash[:3])),
		orphans:   btree.NewG[orphan](2, orphanLess),
		peers:     make(map[uint64]*peerEntry),
		unchoker:  unchoker.New(cfg.UploadSlots, cfg.OptimisticSlots),
		metadataC: make(chan struct{}),
		completeC: make(chan struct{}),
		closeC:    make(chan struct{}),
	}
	_ = registry.Register("peers", metrics.NewFunctionalGauge(func() int64 {
		s.m.Lock()
		defer s.m.Unlock()
		return int64(len(s.peers))
	}))
	started := false
	defer func() {
		if !started {
			s.cache.Close()
		}
	}()
	if res != nil {
		stats, err := res.ReadStats(infoHash)
		if err != nil {
			return nil, err
		}
		s.totals = stats
		if info == nil {
			b, err := res.ReadInfo(infoHash)
			if err != nil {
				return nil, err
			}
			if b != nil {
				if info, err = metainfo.NewInfo(b); err != nil {
					s.log.Warningln("ignoring saved info:", err)
					info = nil
				}
			}
		}
	}
	if info != nil {
		if info.InfoHash() != infoHash {
			return nil, errInfoHash
		}
		if err := s.setInfo(ctx, info); err != nil {
			return nil, err
		}
	} else {
		s.magnet = infodownloader.New(infoHash)
	}
	started = true
	s.wg.Add(1)
	go s.unchokeLoop()
	return s, nil
}

func entries(info *metainfo.Info) []storage.Entry {
	files := info.GetFiles()
	out := make([]storage.Entry, len(files))
	for i, f := range files {
		path := f.Path
		if info.MultiFile() {
			path = append([]string{info.Name}, f.Path...)
		}
		out[i] = storage.Entry{Path: path, Length: f.Length, Padding: f.Padding()}
	}
	return out
}

// setInfo opens the files of the torrent and checks the pieces already on disk.
func (s *Swarm) setInfo(ctx context.Context, info *metainfo.Info) error {
	data, exists, err := storage.Open(s.storage, entries(info))
	if err != nil {
		return err
	}
	have := bitfield.New(info.NumPieces())
	if exists {
		s.log.Infof("verifying %d pieces", info.NumPieces())
		have, err = verifier.Verify(ctx, data, info, info.PieceSize, nil)
		if err != nil {
			_ = data.Close()
			return err
		}
	}

	s.m.Lock()
	if s.info != nil {
		s.m.Unlock()
		return data.Close()
	}
	s.info = info
	s.data = data
	s.writer = piecewriter.New(data, s.cfg.ParallelWrites, s.registry)
	s.have = have
	s.requested = have.Copy()
	close(s.metadataC)
	s.checkCompleted()
	s.m.Unlock()

	s.log.Infof("have %d of %d pieces", have.Count(), info.NumPieces())
	if s.resumer != nil {
		if err := s.resumer.WriteInfo(s.infoHash, info.Bytes()); err != nil {
			s.log.Errorln("cannot save info:", err)
		}
	}
	return nil
}

// checkCompleted closes completeC once all pieces are there.
func (s *Swarm) checkCompleted() bool {
	if s.completed || !s.complete() {
		return false
	}
	s.completed = true
	close(s.completeC)
	return true
}

func contextUntilClosed(closeC <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-closeC:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Registry returns the metrics of the swarm.
func (s *Swarm) Registry() metrics.Registry { return s.registry }

// Info returns the torrent info or nil if it is not known yet.
func (s *Swarm) Info() *metainfo.Info {
	s.m.Lock()
	defer s.m.Unlock()
	return s.info
}

// MetadataReady is closed when the info dictionary is known.
func (s *Swarm) MetadataReady() <-chan struct{} { return s.metadataC }

// Completed is closed when all pieces are downloaded and verified.
func (s *Swarm) Completed() <-chan struct{} { return s.completeC }

func (s *Swarm) torrent() peer.Torrent {
	return peer.Torrent{
		InfoHash:    s.infoHash,
		Coordinator: s,
		Gate:        s.gate,
		Magnet:      s.magnet,
	}
}

// AddPeer connects to the peer at addr and starts a session in the background.
func (s *Swarm) AddPeer(ctx context.Context, d transport.Dialer, addr net.Addr) error {
	if s.blocked(addr) {
		return errBlocked
	}
	if s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}
	sess, err := peer.Connect(ctx, d, addr, s.torrent(), s.cfg.Session)
	if err != nil {
		return err
	}
	return s.start(sess)
}

// Serve accepts incoming connections from ln until it is closed.
func (s *Swarm) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closeC:
				return nil
			default:
				return err
			}
		}
		s.m.Lock()
		if s.closed {
			s.m.Unlock()
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		s.m.Unlock()
		go s.accept(conn)
	}
}

func (s *Swarm) accept(conn net.Conn) {
	defer s.wg.Done()
	if s.blocked(conn.RemoteAddr()) {
		s.log.Debugln("rejected blocked peer", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	ctx := context.Background()
	if s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}
	lookup := func(ih [20]byte) (peer.Torrent, bool) {
		if ih != s.infoHash {
			return peer.Torrent{}, false
		}
		return s.torrent(), true
	}
	sess, err := peer.Accept(ctx, conn, lookup, s.cfg.Session)
	if err != nil {
		s.log.Debugln("cannot accept peer:", err)
		return
	}
	if err = s.start(sess); err != nil {
		s.log.Debugln("rejected peer:", err)
	}
}

func (s *Swarm) start(sess *peer.Session) error {
	err := s.register(sess)
	if err != nil {
		sess.Disconnect(false)
		return err
	}
	go func() {
		defer s.wg.Done()
		if err := sess.Run(); err != nil {
			if peer.IsProtocolError(err) {
				s.log.Warningf("peer %s (client %q) violated protocol: %s", sess, sess.State().PeerVersion(), err)
				s.ban(sess.Peer.Addr)
			} else {
				s.log.Debugln("session", sess, "ended:", err)
			}
		}
	}()
	return nil
}

func (s *Swarm) blocked(addr net.Addr) bool {
	return s.cfg.Blocklist != nil && addr != nil && s.cfg.Blocklist.BlockedAddr(addr)
}

func (s *Swarm) ban(addr net.Addr) {
	if tcp, ok := addr.(*net.TCPAddr); ok && s.cfg.Blocklist != nil {
		s.cfg.Blocklist.Ban(tcp.IP)
	}
}

func (s *Swarm) register(sess *peer.Session) error {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return errClosed
	}
	if s.cfg.MaxPeers > 0 && len(s.peers) >= s.cfg.MaxPeers {
		return errTooManyPeers
	}
	for _, pe := range s.peers {
		if pe.session.Peer.Equal(sess.Peer) {
			return errDuplicate
		}
	}
	s.peers[sess.Peer.Key()] = &peerEntry{session: sess}
	s.wg.Add(1)
	return nil
}

func (s *Swarm) unchokeLoop() {
	defer s.wg.Done()
	interval := s.cfg.UnchokeInterval
	if interval <= 0 {
		interval = DefaultConfig.UnchokeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tickUnchoke(interval)
		case <-s.closeC:
			return
		}
	}
}

func (s *Swarm) tickUnchoke(interval time.Duration) {
	s.m.Lock()
	defer s.m.Unlock()
	peers := make([]unchoker.Peer, 0, len(s.peers))
	for _, pe := range s.peers {
		pe.updateSpeed(interval)
		peers = append(peers, pe)
	}
	s.unchoker.Tick(peers, s.complete())
}

// Stats of the swarm.
type Stats struct {
	Pieces struct {
		Have  uint32
		Total uint32
	}
	Metadata struct {
		Have  uint32
		Total uint32
	}
	Peers int
	Bytes struct {
		Downloaded int64
		Uploaded   int64
		Wasted     int64
	}
}

// Stats returns the current state of the swarm. Byte counts include the saved totals of previous runs.
func (s *Swarm) Stats() Stats {
	s.m.Lock()
	defer s.m.Unlock()
	var st Stats
	if s.info != nil {
		st.Pieces.Have = s.have.Count()
		st.Pieces.Total = s.info.NumPieces()
	} else if s.magnet != nil {
		st.Metadata.Have, st.Metadata.Total = s.magnet.Progress()
	}
	st.Peers = len(s.peers)
	t := s.liveTotals()
	st.Bytes.Downloaded = t.BytesDownloaded
	st.Bytes.Uploaded = t.BytesUploaded
	st.Bytes.Wasted = t.BytesWasted
	return st
}

func (s *Swarm) liveTotals() resumer.Stats {
	t := s.totals
	for _, pe := range s.peers {
		addStats(&t, pe.session.Stats())
	}
	return t
}

func addStats(t *resumer.Stats, c counters.Stats) {
	t.BytesDownloaded += c.Downloaded
	t.BytesUploaded += c.Uploaded
	t.BytesWasted += c.Wasted
}

func (s *Swarm) saveStats() {
	if s.resumer == nil {
		return
	}
	s.m.Lock()
	t := s.liveTotals()
	s.m.Unlock()
	if err := s.resumer.WriteStats(s.infoHash, t); err != nil {
		s.log.Errorln("cannot save stats:", err)
	}
}

// Close disconnects all peers and closes the files. Partial pieces are discarded.
func (s *Swarm) Close() error {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return nil
	}
	s.closed = true
	close(s.closeC)
	sessions := make([]*peer.Session, 0, len(s.peers))
	for _, pe := range s.peers {
		sessions = append(sessions, pe.session)
	}
	s.m.Unlock()

	for _, sess := range sessions {
		sess.Disconnect(true)
	}
	s.wg.Wait()
	s.saveStats()

	s.m.Lock()
	defer s.m.Unlock()
	s.orphans.Ascend(func(o orphan) bool {
		_ = o.buf.Release()
		return true
	})
	s.orphans.Clear(false)
	s.cache.Close()
	if s.writer != nil {
		s.writer.Stop()
	}
	if s.data != nil {
		return s.data.Close()
	}
	return nil
}
