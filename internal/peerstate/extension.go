package peerstate

import (
	"errors"

	"github.com/I2PPlus/i2pplus-sub004/internal/bitfield"
	"github.com/I2PPlus/i2pplus-sub004/internal/infodownloader"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerconn/peerreader"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerprotocol"
)

// metadataPipeline is the number of metadata chunks requested from a peer at once.
const metadataPipeline = 2

var (
	// ErrNoMetadata is returned when the metadata is not known and the peer cannot send it.
	ErrNoMetadata = errors.New("peer does not support metadata exchange")
	// ErrMetadataRejected is returned when the peer rejects a metadata request.
	ErrMetadataRejected = errors.New("peer rejected metadata request")
)

func (s *State) gotExtension(msg peerprotocol.ExtensionMessage) error {
	switch payload := msg.Payload.(type) {
	case peerprotocol.ExtensionHandshakeMessage:
		return s.gotExtensionHandshake(payload)
	case peerprotocol.ExtensionMetadataMessage:
		return s.gotMetadataMessage(payload)
	case []byte:
		s.coord.GotExtension(s.peer, msg.ExtendedMessageID, payload)
	}
	return nil
}

func (s *State) gotExtensionHandshake(msg peerprotocol.ExtensionHandshakeMessage) error {
	s.peerVersion = msg.V
	if msg.RequestQueue > 0 {
		s.peerReqq = msg.RequestQueue
		if s.pipeline > s.peerReqq {
			s.pipeline = s.peerReqq
		}
	}
	s.peerMetadataID = msg.M[peerprotocol.ExtensionKeyMetadata]
	if s.meta != nil {
		return nil
	}
	if s.peerMetadataID == 0 || msg.MetadataSize <= 0 || s.magnet == nil {
		return ErrNoMetadata
	}
	if msg.MetadataSize > infodownloader.MaxSize {
		return protocolError("metadata size too large: %d", msg.MetadataSize)
	}
	if err := s.magnet.Initialize(uint32(msg.MetadataSize)); err != nil {
		s.log.Debugf("cannot use metadata size %d: %s", msg.MetadataSize, err)
		return ErrNoMetadata
	}
	s.requestMetadata()
	return nil
}

func (s *State) gotMetadataMessage(msg peerprotocol.ExtensionMetadataMessage) error {
	switch msg.Type {
	case peerprotocol.ExtensionMetadataMessageTypeRequest:
		s.sendMetadata(msg.Piece)
	case peerprotocol.ExtensionMetadataMessageTypeData:
		return s.gotMetadataChunk(msg.Piece, msg.Data)
	case peerprotocol.ExtensionMetadataMessageTypeReject:
		if s.meta != nil {
			return nil
		}
		s.unrequestMetadata(msg.Piece)
		return ErrMetadataRejected
	}
	return nil
}

// sendMetadata serves a chunk of the info dictionary, or rejects the request if we do not have it.
func (s *State) sendMetadata(piece uint32) {
	if s.peerMetadataID == 0 {
		return
	}
	reply := peerprotocol.ExtensionMetadataMessage{Type: peerprotocol.ExtensionMetadataMessageTypeReject, Piece: piece}
	if s.meta != nil {
		info := s.meta.Bytes()
		start := uint64(piece) * infodownloader.ChunkSize
		if start < uint64(len(info)) {
			end := min(start+infodownloader.ChunkSize, uint64(len(info)))
			reply.Type = peerprotocol.ExtensionMetadataMessageTypeData
			reply.TotalSize = len(info)
			reply.Data = info[start:end]
		}
	}
	s.writer.SendMessage(peerprotocol.ExtensionMessage{ExtendedMessageID: s.peerMetadataID, Payload: reply})
}

func (s *State) gotMetadataChunk(piece uint32, data []byte) error {
	if s.meta != nil {
		return nil
	}
	if !s.unrequestMetadata(piece) {
		s.log.Debugf("received metadata chunk %d that we did not request", piece)
		return nil
	}
	complete, err := s.magnet.SaveChunk(piece, data)
	switch {
	case errors.Is(err, infodownloader.ErrHashMismatch), errors.Is(err, infodownloader.ErrInvalidMetadata):
		// The chunks are already discarded. Another peer has to provide the metadata.
		s.log.Warningln("downloaded metadata is invalid:", err)
		return &peerreader.ProtocolError{Err: err}
	case err != nil:
		return &peerreader.ProtocolError{Err: err}
	case complete:
		m, err := s.coord.GotMetadata(s.peer, s.magnet.Bytes())
		if err != nil {
			return err
		}
		return s.setMetadata(m)
	}
	s.requestMetadata()
	return nil
}

func (s *State) requestMetadata() {
	for len(s.metaRequested) < metadataPipeline {
		i, ok := s.magnet.NextRequest()
		if !ok || s.metadataRequested(i) {
			return
		}
		s.metaRequested = append(s.metaRequested, i)
		s.writer.SendMessage(peerprotocol.ExtensionMessage{
			ExtendedMessageID: s.peerMetadataID,
			Payload:           peerprotocol.ExtensionMetadataMessage{Type: peerprotocol.ExtensionMetadataMessageTypeRequest, Piece: i},
		})
	}
}

func (s *State) metadataRequested(piece uint32) bool {
	for _, i := range s.metaRequested {
		if i == piece {
			return true
		}
	}
	return false
}

// unrequestMetadata removes piece from our requests. Returns false if it was not requested.
func (s *State) unrequestMetadata(piece uint32) bool {
	for k, i := range s.metaRequested {
		if i == piece {
			s.metaRequested = append(s.metaRequested[:k], s.metaRequested[k+1:]...)
			s.magnet.Unrequest(piece)
			return true
		}
	}
	return false
}

// setMetadata switches the session out of magnet mode.
// Availability messages received before are applied to the peer bitfield.
func (s *State) setMetadata(m Metadata) error {
	s.meta = m
	for _, i := range s.metaRequested {
		s.magnet.Unrequest(i)
	}
	s.metaRequested = nil

	n := m.NumPieces()
	pendingBitfield, pendingHaveAll, pendingHaves := s.pendingBitfield, s.pendingHaveAll, s.pendingHaves
	s.pendingBitfield, s.pendingHaveAll, s.pendingHaves = nil, false, nil

	bf := bitfield.New(n)
	switch {
	case pendingHaveAll:
		bf.SetAll()
	case pendingBitfield != nil:
		var err error
		bf, err = bitfield.NewBytes(pendingBitfield, n)
		if err != nil {
			return &peerreader.ProtocolError{Err: err}
		}
	}
	for _, i := range pendingHaves {
		if i >= n {
			return protocolError("unexpected piece index: %d", i)
		}
		bf.Set(i)
	}
	if !pendingHaveAll && pendingBitfield == nil && len(pendingHaves) == 0 {
		s.setRemoteEmpty()
		return nil
	}
	return s.setRemote(bf)
}
