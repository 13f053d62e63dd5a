package swarm

import (
	"time"

	"github.com/I2PPlus/i2pplus-sub004/internal/bitfield"
	"github.com/I2PPlus/i2pplus-sub004/internal/blockbuffer"
	"github.com/I2PPlus/i2pplus-sub004/internal/metainfo"
	"github.com/I2PPlus/i2pplus-sub004/internal/peer"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerid"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerstate"
)

// peerEntry is the view of a session kept by the swarm. Fields are guarded by Swarm.m.
type peerEntry struct {
	session    *peer.Session
	interested bool

	lastDownloaded, lastUploaded int64
	downloadSpeed, uploadSpeed   int64
}

func (pe *peerEntry) SetChoking(choke bool) { pe.session.SetChoking(choke) }
func (pe *peerEntry) Choking() bool         { return pe.session.State().Choking() }
func (pe *peerEntry) Interested() bool      { return pe.interested }
func (pe *peerEntry) DownloadSpeed() int64  { return pe.downloadSpeed }
func (pe *peerEntry) UploadSpeed() int64    { return pe.uploadSpeed }

func (pe *peerEntry) updateSpeed(interval time.Duration) {
	st := pe.session.Stats()
	secs := int64(interval / time.Second)
	if secs <= 0 {
		secs = 1
	}
	pe.downloadSpeed = (st.Downloaded - pe.lastDownloaded) / secs
	pe.uploadSpeed = (st.Uploaded - pe.lastUploaded) / secs
	pe.lastDownloaded = st.Downloaded
	pe.lastUploaded = st.Uploaded
}

// Metadata implements peerstate.Coordinator.
func (s *Swarm) Metadata() peerstate.Metadata {
	s.m.Lock()
	defer s.m.Unlock()
	if s.info == nil {
		return nil
	}
	return s.info
}

// Bitfield implements peerstate.Coordinator.
func (s *Swarm) Bitfield() *bitfield.Bitfield {
	s.m.Lock()
	defer s.m.Unlock()
	if s.have == nil {
		return nil
	}
	return s.have.Copy()
}

// Complete implements peerstate.Coordinator.
func (s *Swarm) Complete() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.complete()
}

func (s *Swarm) complete() bool {
	return s.have != nil && s.have.All()
}

// NeedPiece implements peerstate.Coordinator.
func (s *Swarm) NeedPiece(p *peerid.Identity, bf *bitfield.Bitfield) bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.needPiece(bf)
}

func (s *Swarm) needPiece(bf *bitfield.Bitfield) bool {
	if s.info == nil || s.closed {
		return false
	}
	n := min(bf.Len(), s.info.NumPieces())
	for i := uint32(0); i < n; i++ {
		if bf.Test(i) && !s.requested.Test(i) {
			return true
		}
	}
	found := false
	s.orphans.Ascend(func(o orphan) bool {
		found = o.index < bf.Len() && bf.Test(o.index)
		return !found
	})
	return found
}

// GotBitfield implements peerstate.Coordinator.
func (s *Swarm) GotBitfield(p *peerid.Identity, bf *bitfield.Bitfield) bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.needPiece(bf)
}

// GotHave implements peerstate.Coordinator.
func (s *Swarm) GotHave(p *peerid.Identity, piece uint32) bool {
	s.m.Lock()
	defer s.m.Unlock()
	if s.info == nil || s.closed || piece >= s.info.NumPieces() {
		return false
	}
	if !s.requested.Test(piece) {
		return true
	}
	_, ok := s.orphans.Get(orphan{index: piece})
	return ok
}

// GetPartialPiece implements peerstate.Coordinator.
// An orphaned partial piece the peer has is returned first, otherwise the lowest missing piece.
func (s *Swarm) GetPartialPiece(p *peerid.Identity, bf *bitfield.Bitfield) *blockbuffer.Buffer {
	s.m.Lock()
	defer s.m.Unlock()
	if s.info == nil || s.closed {
		return nil
	}
	var adopted *orphan
	s.orphans.Ascend(func(o orphan) bool {
		if o.index < bf.Len() && bf.Test(o.index) {
			adopted = &o
			return false
		}
		return true
	})
	if adopted != nil {
		s.orphans.Delete(*adopted)
		s.log.Debugf("peer %s continues piece %d at %d bytes", p, adopted.index, adopted.buf.Downloaded())
		return adopted.buf
	}
	n := min(bf.Len(), s.info.NumPieces())
	for i := uint32(0); i < n; i++ {
		if bf.Test(i) && !s.requested.Test(i) {
			s.requested.Set(i)
			return s.alloc.New(i, s.info.PieceLength(i))
		}
	}
	return nil
}

// GotPiece implements peerstate.Coordinator.
// The hash is checked and the piece is written without holding the lock.
func (s *Swarm) GotPiece(p *peerid.Identity, buf *blockbuffer.Buffer) bool {
	s.m.Lock()
	info, writer := s.info, s.writer
	s.m.Unlock()
	if info == nil {
		return false
	}

	hash, err := buf.Hash()
	if err != nil {
		s.log.Errorf("cannot hash piece %d: %s", buf.Index, err)
		s.unrequest(buf.Index)
		return false
	}
	if !info.CheckPiece(buf.Index, hash) {
		s.unrequest(buf.Index)
		return false
	}
	err = writer.Write(buf, int64(buf.Index)*int64(info.PieceSize))
	if rerr := buf.Release(); rerr != nil {
		s.log.Errorf("cannot release buffer of piece %d: %s", buf.Index, rerr)
	}
	if err != nil {
		s.log.Errorf("cannot write piece %d: %s", buf.Index, err)
		s.unrequest(buf.Index)
		return true
	}

	s.m.Lock()
	s.have.Set(buf.Index)
	s.cache.Remove(buf.Index)
	complete := s.checkCompleted()
	sessions := make([]*peer.Session, 0, len(s.peers))
	for _, pe := range s.peers {
		sessions = append(sessions, pe.session)
	}
	s.m.Unlock()

	for _, sess := range sessions {
		sess.Have(buf.Index)
	}
	if complete {
		s.log.Info("download completed")
		s.saveStats()
	}
	return true
}

func (s *Swarm) unrequest(piece uint32) {
	s.m.Lock()
	if s.requested != nil {
		s.requested.Clear(piece)
	}
	s.m.Unlock()
}

// GotRequest implements peerstate.Coordinator. Pieces are read through the cache.
func (s *Swarm) GotRequest(p *peerid.Identity, piece, begin, length uint32) []byte {
	s.m.Lock()
	info, data := s.info, s.data
	ok := s.have != nil && piece < s.have.Len() && s.have.Test(piece)
	s.m.Unlock()
	if info == nil || !ok {
		return nil
	}
	b, err := s.cache.Get(piece, func() ([]byte, error) {
		b := make([]byte, info.PieceLength(piece))
		_, err := data.ReadAt(b, int64(piece)*int64(info.PieceSize))
		return b, err
	})
	if err != nil {
		s.log.Errorf("cannot read piece %d: %s", piece, err)
		return nil
	}
	if uint64(begin)+uint64(length) > uint64(len(b)) {
		return nil
	}
	return b[begin : begin+length]
}

// SavePartialPieces implements peerstate.Coordinator.
// Buffers with data are kept for the next peer, empty ones are released.
func (s *Swarm) SavePartialPieces(p *peerid.Identity, reqs []*peerstate.Request) {
	s.m.Lock()
	defer s.m.Unlock()
	for _, r := range reqs {
		buf := r.Buffer
		if s.closed || buf.Downloaded() == 0 {
			_ = buf.Release()
			if s.requested != nil {
				s.requested.Clear(buf.Index)
			}
			continue
		}
		if old, ok := s.orphans.ReplaceOrInsert(orphan{index: buf.Index, buf: buf}); ok && old.buf != buf {
			_ = old.buf.Release()
		}
	}
}

// GotInterest implements peerstate.Coordinator.
func (s *Swarm) GotInterest(p *peerid.Identity, interested bool) {
	s.m.Lock()
	defer s.m.Unlock()
	pe, ok := s.peers[p.Key()]
	if !ok {
		return
	}
	pe.interested = interested
	if interested && s.info != nil {
		s.unchoker.FastUnchoke(pe)
	}
}

// GotExtension implements peerstate.Coordinator.
func (s *Swarm) GotExtension(p *peerid.Identity, id uint8, payload []byte) {
	s.log.Debugf("peer %s sent unsupported extension message %d", p, id)
}

// GotMetadata implements peerstate.Coordinator. Files are opened and verified before it returns.
func (s *Swarm) GotMetadata(p *peerid.Identity, b []byte) (peerstate.Metadata, error) {
	if m := s.Metadata(); m != nil {
		return m, nil
	}
	info, err := metainfo.NewInfo(b)
	if err != nil {
		return nil, err
	}
	if info.InfoHash() != s.infoHash {
		return nil, errInfoHash
	}
	s.log.Infof("received metadata of %q from %s", info.Name, p)
	ctx, cancel := contextUntilClosed(s.closeC)
	defer cancel()
	if err = s.setInfo(ctx, info); err != nil {
		return nil, err
	}
	return s.Metadata(), nil
}

// GotPort implements peerstate.Coordinator.
func (s *Swarm) GotPort(p *peerid.Identity, port uint16) {
	s.log.Debugf("peer %s has DHT port %d", p, port)
}

// WantsComments implements peerstate.Coordinator.
func (s *Swarm) WantsComments(p *peerid.Identity) bool { return false }

// Connected implements peerstate.Coordinator.
func (s *Swarm) Connected(p *peerid.Identity) {
	s.log.Debugln("connected to peer", p)
}

// Disconnected implements peerstate.Coordinator.
func (s *Swarm) Disconnected(p *peerid.Identity) {
	s.m.Lock()
	defer s.m.Unlock()
	pe, ok := s.peers[p.Key()]
	if !ok {
		return
	}
	delete(s.peers, p.Key())
	s.unchoker.HandleDisconnect(pe)
	addStats(&s.totals, pe.session.Stats())
	s.log.Debugln("disconnected from peer", p)
}
