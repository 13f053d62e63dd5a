// Package magnet parses magnet links: the info hash plus optional name and peer addresses.
// Tracker parameters are ignored.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/multiformats/go-multihash"
)

// Magnet link contains the information to download torrent metadata from network.
type Magnet struct {
	InfoHash [20]byte
	Name     string
	// Peers are "host:port" strings from x.pe parameters.
	Peers []string
}

// New parses the string and returns new Magnet.
func New(s string) (*Magnet, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "magnet" {
		return nil, errors.New("not a magnet link")
	}
	params := u.Query()

	xts := params["xt"]
	if len(xts) == 0 {
		return nil, errors.New("missing xt param")
	}
	var m Magnet
	m.InfoHash, err = parseExactTopic(xts[0])
	if err != nil {
		return nil, err
	}
	if names := params["dn"]; len(names) != 0 {
		m.Name = names[0]
	}
	m.Peers = params["x.pe"]
	return &m, nil
}

// PeerAddrs resolves the peer addresses of the link. Invalid addresses are skipped.
func (m *Magnet) PeerAddrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(m.Peers))
	for _, p := range m.Peers {
		addr, err := net.ResolveTCPAddr("tcp", p)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

// ParseInfoHash decodes a 40 characters hex or 32 characters base32 info hash.
func ParseInfoHash(s string) ([20]byte, error) {
	var ih [20]byte
	var b []byte
	var err error
	switch len(s) {
	case 40:
		b, err = hex.DecodeString(s)
	case 32:
		b, err = base32.StdEncoding.DecodeString(strings.ToUpper(s))
	default:
		return ih, errors.New("info hash must be 32 or 40 characters")
	}
	if err != nil {
		return ih, err
	}
	copy(ih[:], b)
	return ih, nil
}

// parseExactTopic returns the info hash in a "urn:btih:" or a SHA-1 "urn:btmh:" value.
func parseExactTopic(xt string) ([20]byte, error) {
	switch {
	case strings.HasPrefix(xt, "urn:btih:"):
		return ParseInfoHash(xt[len("urn:btih:"):])
	case strings.HasPrefix(xt, "urn:btmh:"):
		var ih [20]byte
		mh, err := multihash.FromHexString(xt[len("urn:btmh:"):])
		if err != nil {
			return ih, err
		}
		dm, err := multihash.Decode(mh)
		if err != nil {
			return ih, err
		}
		if dm.Code != multihash.SHA1 || len(dm.Digest) != len(ih) {
			return ih, errors.New("only SHA-1 multihash is supported")
		}
		copy(ih[:], dm.Digest)
		return ih, nil
	default:
		return [20]byte{}, errors.New(`invalid xt param: must start with "urn:btih:" or "urn:btmh:"`)
	}
}
