package peerstate

import (
	"github.com/I2PPlus/i2pplus-sub004/internal/bitfield"
	"github.com/I2PPlus/i2pplus-sub004/internal/blockbuffer"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerid"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerprotocol"
)

// Metadata is the part of the torrent metadata needed by a peer session.
type Metadata interface {
	NumPieces() uint32
	PieceLength(i uint32) uint32
	TotalLength() int64
	InfoHash() [20]byte
	CheckPiece(i uint32, hash [20]byte) bool
	// Bytes returns the bencoded info dictionary.
	Bytes() []byte
}

// Coordinator decides which pieces are downloaded from which peers.
// Methods are called from the reader and writer goroutines of all sessions of a torrent.
// A Coordinator must not call back into the session that called it,
// except for the methods documented as safe for that (Have and SetChoking).
type Coordinator interface {
	// Metadata returns the torrent metadata or nil if it is not known yet.
	Metadata() Metadata
	// Bitfield returns a snapshot of the pieces we have, nil if metadata is not known.
	Bitfield() *bitfield.Bitfield
	// Complete reports whether we have all pieces.
	Complete() bool

	// NeedPiece reports whether the peer has any piece we want.
	NeedPiece(p *peerid.Identity, bf *bitfield.Bitfield) bool
	// GotBitfield is called when the whole peer bitfield is known. Returns true if the peer is interesting.
	GotBitfield(p *peerid.Identity, bf *bitfield.Bitfield) bool
	// GotHave is called when the peer announces a piece. Returns true if the peer is interesting.
	GotHave(p *peerid.Identity, piece uint32) bool
	// GetPartialPiece returns a buffer for the next piece to download from the peer, nil if there is none.
	// The buffer may be a partially downloaded piece salvaged from another peer.
	GetPartialPiece(p *peerid.Identity, bf *bitfield.Bitfield) *blockbuffer.Buffer
	// GotPiece is called with a complete buffer. Returns false if the piece is corrupt.
	// The Coordinator owns the buffer if it returns true.
	GotPiece(p *peerid.Identity, buf *blockbuffer.Buffer) bool
	// GotRequest returns the data for a block requested by the peer, nil if not available.
	GotRequest(p *peerid.Identity, piece, begin, length uint32) []byte
	// SavePartialPieces takes back the buffers of unfinished requests. There is one request per buffer.
	SavePartialPieces(p *peerid.Identity, reqs []*Request)
	// GotInterest is called when the peer changes its interest in us.
	GotInterest(p *peerid.Identity, interested bool)
	// GotExtension receives extension messages not handled by the session.
	GotExtension(p *peerid.Identity, id uint8, payload []byte)
	// GotMetadata is called with verified info dictionary bytes fetched from the peer.
	GotMetadata(p *peerid.Identity, info []byte) (Metadata, error)
	// GotPort is called when the peer announces its DHT port.
	GotPort(p *peerid.Identity, port uint16)
	// WantsComments reports whether the connection should be kept for comment exchange
	// even if both peers are complete.
	WantsComments(p *peerid.Identity) bool
	Connected(p *peerid.Identity)
	Disconnected(p *peerid.Identity)
}

// Writer is the outbound side of the connection.
type Writer interface {
	SendMessage(msg peerprotocol.Message)
	SendPiece(msg peerprotocol.RequestMessage, load func() ([]byte, error))
	CancelPiece(msg peerprotocol.RequestMessage) bool
	CancelRequestMessages()
	QueuedPieceBytes() int64
}
