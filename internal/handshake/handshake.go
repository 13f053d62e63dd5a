// Package handshake implements the BitTorrent protocol handshake.
package handshake

import (
	"bytes"
	"encoding/binary"
	"io"
)

var pstr = [19]byte{'B', 'i', 't', 'T', 'o', 'r', 'r', 'e', 'n', 't', ' ', 'p', 'r', 'o', 't', 'o', 'c', 'o', 'l'}

// Length is the size of a handshake message on the wire.
const Length = 1 + len(pstr) + 8 + 20 + 20

// Result is the outcome of a successful handshake.
type Result struct {
	// Version is the length byte of the protocol string, always 19.
	Version byte
	// Options advertised by the remote peer.
	Options Options
	// Negotiated options are the ones advertised by both sides.
	Negotiated Options
	InfoHash   [20]byte
	PeerID     [20]byte
}

// Write sends a handshake message to w in a single Write call.
func Write(w io.Writer, ih [20]byte, id [20]byte, options Options) error {
	var h = struct {
		Pstrlen  byte
		Pstr     [len(pstr)]byte
		Options  Options
		InfoHash [20]byte
		PeerID   [20]byte
	}{
		Pstrlen:  byte(len(pstr)),
		Pstr:     pstr,
		Options:  options,
		InfoHash: ih,
		PeerID:   id,
	}
	var buf bytes.Buffer
	buf.Grow(Length)
	_ = binary.Write(&buf, binary.BigEndian, h)
	_, err := w.Write(buf.Bytes())
	return err
}

// Read reads a handshake message from r and validates the protocol string.
// Info hash and peer id are returned to the caller for validation.
func Read(r io.Reader) (options Options, ih [20]byte, id [20]byte, err error) {
	var pstrLen [1]byte
	if _, err = io.ReadFull(r, pstrLen[:]); err != nil {
		return
	}
	if pstrLen[0] != byte(len(pstr)) {
		err = errInvalidProtocolLength
		return
	}
	var name [len(pstr)]byte
	if _, err = io.ReadFull(r, name[:]); err != nil {
		return
	}
	if name != pstr {
		err = errInvalidProtocol
		return
	}
	if _, err = io.ReadFull(r, options[:]); err != nil {
		return
	}
	if _, err = io.ReadFull(r, ih[:]); err != nil {
		return
	}
	_, err = io.ReadFull(r, id[:])
	return
}

// Outgoing sends our handshake and reads the mirrored response.
// No deadline is set here, callers must set their own on the connection.
func Outgoing(rw io.ReadWriter, ih, ourID [20]byte, ourOptions Options) (res Result, err error) {
	if err = Write(rw, ih, ourID, ourOptions); err != nil {
		return
	}
	options, ihRead, peerID, err := Read(rw)
	if err != nil {
		return
	}
	if ihRead != ih {
		err = errInvalidInfoHash
		return
	}
	if peerID == ourID {
		err = errOwnConnection
		return
	}
	return newResult(options, ourOptions, ih, peerID), nil
}

// Incoming reads the handshake of a connecting peer and replies with ours.
// The remote info hash is checked with hasInfoHash before our handshake is sent.
func Incoming(rw io.ReadWriter, hasInfoHash func([20]byte) bool, ourID [20]byte, ourOptions Options) (res Result, err error) {
	options, ih, peerID, err := Read(rw)
	if err != nil {
		return
	}
	if !hasInfoHash(ih) {
		err = errInvalidInfoHash
		return
	}
	if peerID == ourID {
		err = errOwnConnection
		return
	}
	if err = Write(rw, ih, ourID, ourOptions); err != nil {
		return
	}
	return newResult(options, ourOptions, ih, peerID), nil
}

func newResult(theirs, ours Options, ih, peerID [20]byte) Result {
	return Result{
		Version:    byte(len(pstr)),
		Options:    theirs,
		Negotiated: ours.Negotiate(theirs),
		InfoHash:   ih,
		PeerID:     peerID,
	}
}
