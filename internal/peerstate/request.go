package peerstate

import (
	"fmt"
	"io"
	"time"

	"github.com/I2PPlus/i2pplus-sub004/internal/blockbuffer"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerconn/peerreader"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerprotocol"
)

// Request is a block requested from the peer.
type Request struct {
	Piece  uint32
	Begin  uint32
	Length uint32
	SentAt time.Time
	Buffer *blockbuffer.Buffer
}

var _ peerreader.Block = (*Request)(nil)

// ReadBlock reads the block data from r into the buffer of the request.
func (r *Request) ReadBlock(rd io.Reader) error {
	return r.Buffer.ReadBlock(rd, r.Begin, r.Length)
}

func (r *Request) message() peerprotocol.RequestMessage {
	return peerprotocol.RequestMessage{Index: r.Piece, Begin: r.Begin, Length: r.Length}
}

func (r *Request) String() string {
	return fmt.Sprintf("%d/%d+%d", r.Piece, r.Begin, r.Length)
}

// adjustPipeline grows the pipeline by one while the download rate is below 70% of the limit
// and drops it to one when the rate is above 90% of the limit.
func (s *State) adjustPipeline() {
	limit := s.gate.DownloadLimit()
	rate := s.gate.DownloadRate()
	switch {
	case limit <= 0 || rate < limit*7/10:
		if s.pipeline < s.options.MaxPipeline {
			s.pipeline++
		}
	case rate > limit*9/10:
		s.pipeline = 1
	}
	if s.peerReqq > 0 && s.pipeline > s.peerReqq {
		s.pipeline = s.peerReqq
	}
}

// addRequest fills the pipeline. Blocks of the last requested piece are requested first,
// a new piece is asked from the coordinator only when they are exhausted.
// Requests are sent only when we are not choked, otherwise they are sent on unchoke.
func (s *State) addRequest() {
	if s.closed || s.meta == nil || s.remote == nil || !s.interesting {
		return
	}
	s.adjustPipeline()
	bf := s.remote.Snapshot()
	for len(s.outstanding) < s.pipeline {
		req := s.nextInPiece()
		if req == nil {
			buf := s.coord.GetPartialPiece(s.peer, bf)
			if buf == nil {
				break
			}
			if s.requesting(buf.Index) {
				s.log.Debugf("coordinator returned piece %d which is already requested", buf.Index)
				s.coord.SavePartialPieces(s.peer, []*Request{{Piece: buf.Index, Buffer: buf}})
				break
			}
			begin, length, ok := buf.NextBlock(0)
			if !ok {
				s.completePiece(buf)
				continue
			}
			req = &Request{Piece: buf.Index, Begin: begin, Length: length, Buffer: buf}
		}
		req.SentAt = time.Now()
		s.outstanding = append(s.outstanding, req)
		s.lastRequest = req
		if !s.choked.Load() {
			s.writer.SendMessage(req.message())
		}
	}
	if len(s.outstanding) == 0 && s.receiving == nil && !s.coord.NeedPiece(s.peer, bf) {
		s.setInteresting(false)
	}
}

// nextInPiece returns the block after the last request in the same piece, skipping received blocks.
func (s *State) nextInPiece() *Request {
	last := s.lastRequest
	if last == nil {
		return nil
	}
	begin, length, ok := last.Buffer.NextBlock(last.Begin + peerprotocol.BlockSize)
	if !ok {
		return nil
	}
	return &Request{Piece: last.Piece, Begin: begin, Length: length, Buffer: last.Buffer}
}

func (s *State) requesting(piece uint32) bool {
	if s.receiving != nil && s.receiving.Piece == piece {
		return true
	}
	for _, r := range s.outstanding {
		if r.Piece == piece {
			return true
		}
	}
	return false
}

// getOutstandingRequest finds the request matching a piece message header and removes it from the queue.
// Requests queued before the match are treated as lost: they are moved to the end of the queue
// and sent again.
func (s *State) getOutstandingRequest(piece, begin, length uint32) *Request {
	first := -1
	for i, r := range s.outstanding {
		if r.Piece == piece {
			first = i
			break
		}
	}
	if first < 0 {
		return nil
	}
	match := -1
	for i := first; i < len(s.outstanding); i++ {
		r := s.outstanding[i]
		if r.Piece == piece && r.Begin == begin {
			match = i
			break
		}
	}
	if match < 0 || s.outstanding[match].Length != length {
		return nil
	}
	req := s.outstanding[match]
	lost := append([]*Request(nil), s.outstanding[:match]...)
	rest := s.outstanding[match+1:]
	s.outstanding = append(append(make([]*Request, 0, len(s.outstanding)-1), rest...), lost...)
	if len(lost) > 0 {
		s.log.Debugf("peer answered %s before %d earlier requests, sending them again", req, len(lost))
		if !s.choked.Load() {
			now := time.Now()
			for _, r := range lost {
				r.SentAt = now
				s.writer.SendMessage(r.message())
			}
		}
	}
	return req
}

// removeRequests removes outstanding requests for the piece and returns them.
func (s *State) removeRequests(piece uint32) []*Request {
	var removed []*Request
	kept := s.outstanding[:0]
	for _, r := range s.outstanding {
		if r.Piece == piece {
			removed = append(removed, r)
		} else {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(s.outstanding); i++ {
		s.outstanding[i] = nil
	}
	s.outstanding = kept
	return removed
}

// completePiece hands a complete buffer to the coordinator.
// Corrupt pieces are released so that they can be requested again.
func (s *State) completePiece(buf *blockbuffer.Buffer) {
	if s.lastRequest != nil && s.lastRequest.Buffer == buf {
		s.lastRequest = nil
	}
	for _, r := range s.removeRequests(buf.Index) {
		if !s.choked.Load() {
			s.writer.SendMessage(peerprotocol.CancelMessage{RequestMessage: r.message()})
		}
	}
	if s.coord.GotPiece(s.peer, buf) {
		return
	}
	s.log.Warningf("received corrupt piece %d", buf.Index)
	s.counters.AddWasted(int64(buf.Length()))
	if err := buf.Release(); err != nil {
		s.log.Errorf("cannot release buffer of piece %d: %s", buf.Index, err)
	}
}

// salvageRequests returns one request per unfinished buffer in reqs.
func salvageRequests(reqs ...*Request) []*Request {
	var out []*Request
	seen := make(map[*blockbuffer.Buffer]struct{})
	for _, r := range reqs {
		if r == nil || r.Buffer == nil {
			continue
		}
		if _, ok := seen[r.Buffer]; ok {
			continue
		}
		seen[r.Buffer] = struct{}{}
		out = append(out, r)
	}
	return out
}

// returnPartialPieces gives in-flight buffers back to the coordinator.
// If keepReceiving is set, the buffer of the block being read from the connection is kept.
func (s *State) returnPartialPieces(keepReceiving bool) {
	all := append([]*Request(nil), s.outstanding...)
	if s.lastRequest != nil && !s.lastRequest.Buffer.Complete() {
		all = append(all, s.lastRequest)
	}
	if !keepReceiving {
		all = append(all, s.receiving)
		s.receiving = nil
	} else if s.receiving != nil {
		kept := all[:0]
		for _, r := range all {
			if r.Buffer != s.receiving.Buffer {
				kept = append(kept, r)
			}
		}
		all = kept
	}
	s.outstanding = nil
	s.lastRequest = nil
	reqs := salvageRequests(all...)
	if len(reqs) > 0 {
		s.coord.SavePartialPieces(s.peer, reqs)
	}
}
