package peerprotocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// BlockSize is the size of blocks we request from peers. Only the last block of a piece may be shorter.
	BlockSize = 16 * 1024
	// MaxBlockSize is the largest block a peer may request from us.
	MaxBlockSize = 32 * 1024
	// MetadataChunkSize is the size of ut_metadata pieces.
	MetadataChunkSize = 16 * 1024

	// msgid + index + begin
	pieceHeaderLength = 1 + 8
	// msgid + extended message id + bencoded dictionary
	extensionOverhead = 1 + 1 + 512
)

// MaxMessageLength is the largest length prefix accepted from a peer.
const MaxMessageLength uint32 = max(pieceHeaderLength+MaxBlockSize, extensionOverhead+MetadataChunkSize)

var (
	// ErrMessageTooLarge is returned when a peer advertises a message length above MaxMessageLength.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrInvalidLength is returned when the payload length does not match the message type.
	ErrInvalidLength = errors.New("invalid message length")
)

// Header is the part of the message preceding the payload.
type Header struct {
	// Length of the payload, excluding the message id.
	Length    uint32
	ID        MessageID
	KeepAlive bool
}

// ReadHeader reads the length prefix and message id.
// Keep-alive messages are returned with KeepAlive set and no id.
func ReadHeader(r io.Reader) (h Header, err error) {
	var buf [4]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return
	}
	length := binary.BigEndian.Uint32(buf[:])
	if length == 0 {
		h.KeepAlive = true
		return
	}
	if length > MaxMessageLength {
		err = fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, MaxMessageLength)
		return
	}
	if _, err = io.ReadFull(r, buf[:1]); err != nil {
		return
	}
	h.ID = MessageID(buf[0])
	h.Length = length - 1
	return
}

// ReadPieceHeader reads index and begin fields of a piece message.
// The block data that follows is left in the reader.
func ReadPieceHeader(r io.Reader, h Header) (index, begin, length uint32, err error) {
	if h.Length < 8 {
		err = ErrInvalidLength
		return
	}
	var buf [8]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return
	}
	index = binary.BigEndian.Uint32(buf[0:4])
	begin = binary.BigEndian.Uint32(buf[4:8])
	length = h.Length - 8
	return
}

// Decode parses the payload of a message other than piece.
// Unknown message types are returned as UnknownMessage.
func Decode(id MessageID, payload []byte) (Message, error) {
	fixed := func(n int) error {
		if len(payload) != n {
			return fmt.Errorf("%w: %s message with %d bytes", ErrInvalidLength, id, len(payload))
		}
		return nil
	}
	switch id {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		if err := fixed(0); err != nil {
			return nil, err
		}
		switch id {
		case Choke:
			return ChokeMessage{}, nil
		case Unchoke:
			return UnchokeMessage{}, nil
		case Interested:
			return InterestedMessage{}, nil
		case NotInterested:
			return NotInterestedMessage{}, nil
		case HaveAll:
			return HaveAllMessage{}, nil
		default:
			return HaveNoneMessage{}, nil
		}
	case Have, Suggest, AllowedFast:
		if err := fixed(4); err != nil {
			return nil, err
		}
		hm := HaveMessage{Index: binary.BigEndian.Uint32(payload)}
		switch id {
		case Suggest:
			return SuggestMessage{hm}, nil
		case AllowedFast:
			return AllowedFastMessage{hm}, nil
		default:
			return hm, nil
		}
	case Request, Cancel, Reject:
		if err := fixed(12); err != nil {
			return nil, err
		}
		rm := RequestMessage{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}
		switch id {
		case Cancel:
			return CancelMessage{rm}, nil
		case Reject:
			return RejectMessage{rm}, nil
		default:
			return rm, nil
		}
	case Bitfield:
		return BitfieldMessage{Data: payload}, nil
	case Port:
		if err := fixed(2); err != nil {
			return nil, err
		}
		return PortMessage{Port: binary.BigEndian.Uint16(payload)}, nil
	case Piece:
		if len(payload) < 8 {
			return nil, ErrInvalidLength
		}
		return PieceMessage{
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Data:  payload[8:],
		}, nil
	case Extension:
		var em ExtensionMessage
		if err := em.UnmarshalBinary(payload); err != nil {
			return nil, err
		}
		return em, nil
	default:
		return UnknownMessage{Type: id, Payload: payload}, nil
	}
}

// WriteMessage writes msg with its length prefix in a single Write call.
// Returns the number of bytes written to w.
func WriteMessage(w io.Writer, msg Message) (int, error) {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("cannot marshal message [%v]: %w", msg.ID(), err)
	}
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = byte(msg.ID())
	copy(buf[5:], payload)
	return w.Write(buf)
}

// WriteKeepAlive writes a keep-alive message which is a zero length prefix.
func WriteKeepAlive(w io.Writer) error {
	_, err := w.Write([]byte{0, 0, 0, 0})
	return err
}
