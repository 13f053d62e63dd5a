// Package peerid provides identities of remote and local peers.
package peerid

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"hash/fnv"
	"net"
	"sync/atomic"

	"github.com/gofrs/uuid"
)

// ClientPrefix is put at the start of local peer ids in Azureus style.
const ClientPrefix = "-SN0100-"

var sessionCounter atomic.Uint64

// Identity of a peer: a stable 20 bytes id and a network address.
// Two connection attempts to the same logical peer have different Key values.
type Identity struct {
	ID      [20]byte
	Addr    net.Addr
	session uint64
}

// New returns a new Identity and assigns a new session number to it.
func New(id [20]byte, addr net.Addr) *Identity {
	return &Identity{
		ID:      id,
		Addr:    addr,
		session: sessionCounter.Add(1),
	}
}

// Session returns the connection attempt number of this Identity.
func (i *Identity) Session() uint64 { return i.session }

// Equal compares identities by peer id only.
func (i *Identity) Equal(o *Identity) bool {
	return i.ID == o.ID
}

// Less orders identities by peer id.
func (i *Identity) Less(o *Identity) bool {
	return bytes.Compare(i.ID[:], o.ID[:]) < 0
}

// Key returns a hash that combines the peer id with the session number.
func (i *Identity) Key() uint64 {
	h := fnv.New64a()
	h.Write(i.ID[:])
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], i.session)
	h.Write(b[:])
	return h.Sum64()
}

func (i *Identity) String() string {
	var addr string
	if i.Addr != nil {
		addr = i.Addr.String()
	}
	return addr + " " + hex.EncodeToString(i.ID[:])
}

// Generate returns a new local peer id made of ClientPrefix and random bytes.
func Generate() ([20]byte, error) {
	var id [20]byte
	u, err := uuid.NewV4()
	if err != nil {
		return id, err
	}
	copy(id[:], ClientPrefix)
	copy(id[len(ClientPrefix):], u[:])
	return id, nil
}
