package peerwriter

import (
	"github.com/I2PPlus/i2pplus-sub004/internal/peerprotocol"
)

// Piece is a queued piece message. Data is loaded when the message is about to be sent.
type Piece struct {
	peerprotocol.RequestMessage
	Load func() ([]byte, error)
}

// ID returns the peer protocol message type.
func (p *Piece) ID() peerprotocol.MessageID { return peerprotocol.Piece }
