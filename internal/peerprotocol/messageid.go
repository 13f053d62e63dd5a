package peerprotocol

import "strconv"

// MessageID is the byte following the length prefix of a message.
type MessageID uint8

// Core protocol messages.
const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
)

// Fast extension (BEP 6) messages.
const (
	Suggest MessageID = iota + 13
	HaveAll
	HaveNone
	Reject
	AllowedFast
)

// Extension is the extension protocol (BEP 10) message.
const Extension MessageID = 20

var messageNames = [...]string{
	Choke:         "choke",
	Unchoke:       "unchoke",
	Interested:    "interested",
	NotInterested: "not interested",
	Have:          "have",
	Bitfield:      "bitfield",
	Request:       "request",
	Piece:         "piece",
	Cancel:        "cancel",
	Port:          "port",
	Suggest:       "suggest",
	HaveAll:       "have all",
	HaveNone:      "have none",
	Reject:        "reject",
	AllowedFast:   "allowed fast",
	Extension:     "extension",
}

// Fast reports whether the message may only be sent when the fast extension is negotiated.
func (m MessageID) Fast() bool {
	return m >= Suggest && m <= AllowedFast
}

func (m MessageID) String() string {
	if int(m) < len(messageNames) && messageNames[m] != "" {
		return messageNames[m]
	}
	return "unknown(" + strconv.Itoa(int(m)) + ")"
}
