package peerstate

import (
	"fmt"

	"github.com/I2PPlus/i2pplus-sub004/internal/bitfield"
	"github.com/I2PPlus/i2pplus-sub004/internal/blockbuffer"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerconn/peerreader"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerconn/peerwriter"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerprotocol"
)

var (
	_ peerreader.Handler = (*State)(nil)
	_ peerwriter.State   = (*State)(nil)
)

func protocolError(format string, args ...interface{}) error {
	return &peerreader.ProtocolError{Err: fmt.Errorf(format, args...)}
}

// HandleMessage handles all messages except piece and keep-alive.
func (s *State) HandleMessage(msg peerprotocol.Message) error {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return nil
	}
	if err := s.checkMetadata(); err != nil {
		return err
	}
	switch id := msg.ID(); {
	case id.Fast():
		if !s.options.Fast {
			return protocolError("%s message received but fast extension is not enabled", id)
		}
	case id == peerprotocol.Extension:
		if !s.options.Extensions {
			return protocolError("extension message received but extension protocol is not enabled")
		}
	}
	switch msg := msg.(type) {
	case peerprotocol.ChokeMessage:
		s.gotChoke()
	case peerprotocol.UnchokeMessage:
		s.gotUnchoke()
	case peerprotocol.InterestedMessage:
		s.gotInterest(true)
	case peerprotocol.NotInterestedMessage:
		s.gotInterest(false)
	case peerprotocol.HaveMessage:
		return s.gotHave(msg.Index)
	case peerprotocol.SuggestMessage:
		return s.gotHave(msg.Index)
	case peerprotocol.BitfieldMessage:
		return s.gotBitfield(msg.Data)
	case peerprotocol.HaveAllMessage:
		return s.gotHaveAll()
	case peerprotocol.HaveNoneMessage:
		return s.gotHaveNone()
	case peerprotocol.AllowedFastMessage:
		s.allowedFast.Add(msg.Index)
	case peerprotocol.RequestMessage:
		return s.gotRequest(msg)
	case peerprotocol.CancelMessage:
		if s.writer.CancelPiece(msg.RequestMessage) && s.options.Fast {
			s.writer.SendMessage(peerprotocol.RejectMessage{RequestMessage: msg.RequestMessage})
		}
	case peerprotocol.RejectMessage:
		s.gotReject(msg.RequestMessage)
	case peerprotocol.PortMessage:
		s.coord.GotPort(s.peer, msg.Port)
	case peerprotocol.ExtensionMessage:
		return s.gotExtension(msg)
	}
	return nil
}

func (s *State) gotChoke() {
	if s.choked.Swap(true) {
		return
	}
	s.writer.CancelRequestMessages()
	s.returnPartialPieces(true)
}

func (s *State) gotUnchoke() {
	if !s.choked.Swap(false) {
		return
	}
	if !s.interesting {
		return
	}
	for _, r := range s.outstanding {
		s.writer.SendMessage(r.message())
	}
	s.addRequest()
}

func (s *State) gotInterest(interested bool) {
	if s.interested == interested {
		return
	}
	s.interested = interested
	s.coord.GotInterest(s.peer, interested)
}

// setRemote replaces the peer bitfield and reports it to the coordinator.
func (s *State) setRemote(bf *bitfield.Bitfield) error {
	s.remote = bitfield.Wrap(bf.Copy())
	s.remoteBitfield.Store(s.remote)
	interesting := s.coord.GotBitfield(s.peer, bf)
	if s.bothComplete() {
		return ErrBothComplete
	}
	if interesting {
		s.setInteresting(true)
	}
	return nil
}

func (s *State) bothComplete() bool {
	return s.remote != nil && s.remote.All() && s.coord.Complete() && !s.coord.WantsComments(s.peer)
}

func (s *State) gotHave(index uint32) error {
	if s.meta == nil {
		s.pendingHaves = append(s.pendingHaves, index)
		return nil
	}
	return s.applyHave(index)
}

func (s *State) applyHave(index uint32) error {
	if index >= s.meta.NumPieces() {
		return protocolError("unexpected piece index: %d", index)
	}
	s.remote.Set(index)
	interesting := s.coord.GotHave(s.peer, index)
	if s.bothComplete() {
		return ErrBothComplete
	}
	switch {
	case interesting && !s.interesting:
		s.setInteresting(true)
	case s.interesting:
		s.addRequest()
	}
	return nil
}

func (s *State) gotBitfield(data []byte) error {
	if s.meta == nil {
		s.pendingBitfield = append([]byte(nil), data...)
		return nil
	}
	bf, err := bitfield.NewBytes(data, s.meta.NumPieces())
	if err != nil {
		return &peerreader.ProtocolError{Err: err}
	}
	return s.setRemote(bf)
}

func (s *State) gotHaveAll() error {
	if s.meta == nil {
		s.pendingHaveAll = true
		return nil
	}
	bf := bitfield.New(s.meta.NumPieces())
	bf.SetAll()
	return s.setRemote(bf)
}

func (s *State) gotHaveNone() error {
	if s.meta == nil {
		return nil
	}
	return s.setRemote(bitfield.New(s.meta.NumPieces()))
}

// gotRequest queues the requested block for upload if the request is valid and we are not choking the peer.
// Requests that cannot be served are rejected when the fast extension is enabled, otherwise dropped.
func (s *State) gotRequest(msg peerprotocol.RequestMessage) error {
	if reason := s.checkRequest(msg); reason != "" {
		s.log.Debugf("cannot serve request %d/%d+%d: %s", msg.Index, msg.Begin, msg.Length, reason)
		if s.options.Fast {
			s.writer.SendMessage(peerprotocol.RejectMessage{RequestMessage: msg})
		}
		return nil
	}
	peer, coord := s.peer, s.coord
	s.writer.SendPiece(msg, func() ([]byte, error) {
		return coord.GotRequest(peer, msg.Index, msg.Begin, msg.Length), nil
	})
	return nil
}

func (s *State) checkRequest(msg peerprotocol.RequestMessage) string {
	switch {
	case s.meta == nil:
		return "metadata is not known"
	case msg.Index >= s.meta.NumPieces():
		return "invalid piece index"
	case msg.Length == 0 || msg.Length > peerprotocol.MaxBlockSize:
		return "invalid block length"
	case uint64(msg.Begin)+uint64(msg.Length) > uint64(s.meta.PieceLength(msg.Index)):
		return "block is out of piece bounds"
	case s.choking.Load():
		return "peer is choked"
	case s.writer.QueuedPieceBytes()+int64(msg.Length) > s.options.MaxUploadQueueBytes:
		return "upload queue is full"
	}
	if bf := s.coord.Bitfield(); bf == nil || !bf.Test(msg.Index) {
		return "we do not have the piece"
	}
	return ""
}

// gotReject gives the buffer of a rejected request back to the coordinator.
// The other requests for the same piece are cancelled so that the piece can be requested from another peer.
func (s *State) gotReject(msg peerprotocol.RequestMessage) {
	var buf *blockbuffer.Buffer
	for _, r := range s.outstanding {
		if r.message() == msg {
			buf = r.Buffer
			break
		}
	}
	if buf == nil {
		s.log.Debugf("received reject for a block we did not request: %d/%d+%d", msg.Index, msg.Begin, msg.Length)
		return
	}
	for _, r := range s.removeRequests(msg.Index) {
		if r.message() != msg && !s.choked.Load() {
			s.writer.SendMessage(peerprotocol.CancelMessage{RequestMessage: r.message()})
		}
	}
	if s.lastRequest != nil && s.lastRequest.Buffer == buf {
		s.lastRequest = nil
	}
	if s.receiving == nil || s.receiving.Buffer != buf {
		s.coord.SavePartialPieces(s.peer, []*Request{{Piece: msg.Index, Buffer: buf}})
	}
	s.addRequest()
}

// OutstandingRequest matches a piece message header with an outstanding request.
func (s *State) OutstandingRequest(index, begin, length uint32) peerreader.Block {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return nil
	}
	req := s.getOutstandingRequest(index, begin, length)
	if req == nil {
		return nil
	}
	s.receiving = req
	return req
}

// PieceMessage is called after the block of a request has been read into its buffer.
func (s *State) PieceMessage(b peerreader.Block) error {
	req := b.(*Request)
	s.m.Lock()
	defer s.m.Unlock()
	if s.receiving == req {
		s.receiving = nil
	}
	if s.closed {
		return nil
	}
	s.gate.Downloaded(int(req.Length))
	s.counters.AddDownloaded(int64(req.Length))
	if req.Buffer.Complete() {
		s.completePiece(req.Buffer)
	}
	s.addRequest()
	if !req.Buffer.Complete() && !s.holds(req.Buffer) {
		// Requests for the rest of the piece were returned while this block was being read.
		s.coord.SavePartialPieces(s.peer, []*Request{req})
	}
	return nil
}

// UnexpectedPiece counts the discarded block as wasted.
func (s *State) UnexpectedPiece(index, begin, length uint32) {
	s.gate.Downloaded(int(length))
	s.counters.AddWasted(int64(length))
}

func (s *State) holds(buf *blockbuffer.Buffer) bool {
	if s.lastRequest != nil && s.lastRequest.Buffer == buf {
		return true
	}
	for _, r := range s.outstanding {
		if r.Buffer == buf {
			return true
		}
	}
	return false
}
