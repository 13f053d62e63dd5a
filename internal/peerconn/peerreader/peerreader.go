package peerreader

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/I2PPlus/i2pplus-sub004/internal/logger"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerprotocol"
)

// length + msgid + requestmsg
const readBufferSize = 4 + 1 + 12

// Block is the destination of a piece message payload.
type Block interface {
	// ReadBlock reads exactly the block length from r.
	ReadBlock(r io.Reader) error
}

// Handler receives the messages decoded by PeerReader.
// Returning an error from a handler method stops the reader.
type Handler interface {
	// HandleMessage is called for every message except piece and keep-alive.
	HandleMessage(msg peerprotocol.Message) error
	// OutstandingRequest returns the block matching a piece message header, nil if there is none.
	// It is called before the payload is read.
	OutstandingRequest(index, begin, length uint32) Block
	// PieceMessage is called after the payload of b has been read.
	PieceMessage(b Block) error
	// UnexpectedPiece is called after the payload of an unrequested piece message has been discarded.
	UnexpectedPiece(index, begin, length uint32)
}

// ProtocolError is returned from Run when the peer violates the protocol.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Err.Error() }

func (e *ProtocolError) Unwrap() error { return e.Err }

// PeerReader owns the read side of a peer connection.
type PeerReader struct {
	r          io.Reader
	handler    Handler
	log        logger.Logger
	lastActive atomic.Int64
}

// New returns a new PeerReader reading from conn.
func New(conn io.Reader, h Handler, l logger.Logger) *PeerReader {
	p := &PeerReader{
		r:       bufio.NewReaderSize(conn, readBufferSize),
		handler: h,
		log:     l,
	}
	p.touch()
	return p
}

func (p *PeerReader) touch() {
	p.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time the last message was received.
func (p *PeerReader) LastActive() time.Time {
	return time.Unix(0, p.lastActive.Load())
}

// Run reads messages until the connection is closed, a read fails or a handler returns an error.
// Errors caused by the peer closing the connection are returned as they are,
// protocol violations are returned as *ProtocolError.
func (p *PeerReader) Run() (err error) {
	defer func() {
		if err == nil {
			return
		}
		var perr *ProtocolError
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
			p.log.Debugln("connection closed:", err)
		case errors.As(err, &perr):
			p.log.Debugln("peer sent invalid data:", err)
		default:
			if _, ok := err.(*net.OpError); ok {
				p.log.Debugln("read error:", err)
				return
			}
			p.log.Error(err)
		}
	}()

	first := true
	for {
		var h peerprotocol.Header
		h, err = peerprotocol.ReadHeader(p.r)
		if errors.Is(err, peerprotocol.ErrMessageTooLarge) {
			return &ProtocolError{err}
		}
		if err != nil {
			return err
		}
		p.touch()
		if h.KeepAlive {
			continue
		}

		switch h.ID {
		case peerprotocol.Bitfield, peerprotocol.HaveAll, peerprotocol.HaveNone:
			if !first {
				return &ProtocolError{fmt.Errorf("%s can only be sent after handshake", h.ID)}
			}
		}
		// Only message types defined in BEP 3 are counted.
		if h.ID < peerprotocol.Port {
			first = false
		}

		if h.ID == peerprotocol.Piece {
			if err = p.readPiece(h); err != nil {
				return err
			}
			continue
		}

		payload := make([]byte, h.Length)
		if _, err = io.ReadFull(p.r, payload); err != nil {
			return err
		}
		var msg peerprotocol.Message
		msg, err = peerprotocol.Decode(h.ID, payload)
		if err != nil {
			return &ProtocolError{err}
		}
		if um, ok := msg.(peerprotocol.UnknownMessage); ok {
			p.log.Debugf("unhandled message type: %s (%d bytes)", um.Type, len(um.Payload))
		}
		if err = p.handler.HandleMessage(msg); err != nil {
			return err
		}
	}
}

// readPiece matches the piece header with an outstanding request and streams the payload into it.
// If there is no match, the payload is discarded to keep the stream aligned.
func (p *PeerReader) readPiece(h peerprotocol.Header) error {
	index, begin, length, err := peerprotocol.ReadPieceHeader(p.r, h)
	if err == peerprotocol.ErrInvalidLength {
		return &ProtocolError{err}
	}
	if err != nil {
		return err
	}
	if length > peerprotocol.MaxBlockSize {
		return &ProtocolError{fmt.Errorf("received a piece with block size larger than allowed (%d > %d)", length, peerprotocol.MaxBlockSize)}
	}
	b := p.handler.OutstandingRequest(index, begin, length)
	if b == nil {
		if _, err = io.CopyN(io.Discard, p.r, int64(length)); err != nil {
			return err
		}
		p.log.Debugf("discarded unexpected piece: index=%d begin=%d length=%d", index, begin, length)
		p.handler.UnexpectedPiece(index, begin, length)
		return nil
	}
	if err = b.ReadBlock(p.r); err != nil {
		return err
	}
	return p.handler.PieceMessage(b)
}
