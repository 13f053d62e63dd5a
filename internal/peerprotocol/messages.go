package peerprotocol

import (
	"encoding/binary"
)

// Message is a Peer message of BitTorrent protocol.
type Message interface {
	ID() MessageID
	MarshalBinary() ([]byte, error)
}

// HaveMessage indicates a peer has the piece with index.
type HaveMessage struct {
	Index uint32
}

// ID returns the peer protocol message type.
func (m HaveMessage) ID() MessageID { return Have }

// MarshalBinary returns the payload of the message.
func (m HaveMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Index)
	return b, nil
}

// RequestMessage is sent when a peer needs a certain piece.
type RequestMessage struct {
	Index, Begin, Length uint32
}

// ID returns the peer protocol message type.
func (m RequestMessage) ID() MessageID { return Request }

// MarshalBinary returns the payload of the message.
func (m RequestMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b, nil
}

// PieceMessage is sent when a peer wants to upload piece data.
type PieceMessage struct {
	Index, Begin uint32
	Data         []byte
}

// ID returns the peer protocol message type.
func (m PieceMessage) ID() MessageID { return Piece }

// MarshalBinary returns the payload of the message.
func (m PieceMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8+len(m.Data))
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	copy(b[8:], m.Data)
	return b, nil
}

// BitfieldMessage sent after the peer handshake to exchange piece availability information between peers.
type BitfieldMessage struct {
	Data []byte
}

// ID returns the peer protocol message type.
func (m BitfieldMessage) ID() MessageID { return Bitfield }

// MarshalBinary returns the payload of the message.
func (m BitfieldMessage) MarshalBinary() ([]byte, error) {
	return m.Data, nil
}

// PortMessage is sent to announce the UDP port number of DHT node run by the peer.
type PortMessage struct {
	Port uint16
}

// ID returns the peer protocol message type.
func (m PortMessage) ID() MessageID { return Port }

// MarshalBinary returns the payload of the message.
func (m PortMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, m.Port)
	return b, nil
}

// UnknownMessage holds a message with a type we do not understand.
type UnknownMessage struct {
	Type    MessageID
	Payload []byte
}

// ID returns the peer protocol message type.
func (m UnknownMessage) ID() MessageID { return m.Type }

// MarshalBinary returns the payload of the message.
func (m UnknownMessage) MarshalBinary() ([]byte, error) {
	return m.Payload, nil
}

type emptyMessage struct{}

func (m emptyMessage) MarshalBinary() ([]byte, error) {
	return nil, nil
}

// SuggestMessage is sent to tell a peer that it might want to download a piece.
type SuggestMessage struct{ HaveMessage }

// AllowedFastMessage is sent to tell a peer that it can download pieces regardless of choking status.
type AllowedFastMessage struct{ HaveMessage }

// ChokeMessage is sent to peer that it should not request pieces.
type ChokeMessage struct{ emptyMessage }

// UnchokeMessage is sent to peer that it can request pieces.
type UnchokeMessage struct{ emptyMessage }

// InterestedMessage is sent to peer that we want to request pieces if you unchoke us.
type InterestedMessage struct{ emptyMessage }

// NotInterestedMessage is sent to peer that we don't want any peer from you.
type NotInterestedMessage struct{ emptyMessage }

// HaveAllMessage can be sent to peer to indicate that we are a seed for this torrent.
type HaveAllMessage struct{ emptyMessage }

// HaveNoneMessage is sent to peer to tell that we don't have any pieces.
type HaveNoneMessage struct{ emptyMessage }

// RejectMessage is sent to peer to tell that we are rejecting a request from you.
type RejectMessage struct{ RequestMessage }

// CancelMessage is sent to peer to cancel previosly sent request.
type CancelMessage struct{ RequestMessage }

// ID returns the peer protocol message type.
func (m SuggestMessage) ID() MessageID { return Suggest }

// ID returns the peer protocol message type.
func (m AllowedFastMessage) ID() MessageID { return AllowedFast }

// ID returns the peer protocol message type.
func (m ChokeMessage) ID() MessageID { return Choke }

// ID returns the peer protocol message type.
func (m UnchokeMessage) ID() MessageID { return Unchoke }

// ID returns the peer protocol message type.
func (m InterestedMessage) ID() MessageID { return Interested }

// ID returns the peer protocol message type.
func (m NotInterestedMessage) ID() MessageID { return NotInterested }

// ID returns the peer protocol message type.
func (m HaveAllMessage) ID() MessageID { return HaveAll }

// ID returns the peer protocol message type.
func (m HaveNoneMessage) ID() MessageID { return HaveNone }

// ID returns the peer protocol message type.
func (m RejectMessage) ID() MessageID { return Reject }

// ID returns the peer protocol message type.
func (m CancelMessage) ID() MessageID { return Cancel }
