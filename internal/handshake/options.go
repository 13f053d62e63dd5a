package handshake

// Options is the 8 reserved bytes of the handshake advertising protocol extensions.
type Options [8]byte

// Option bits in the reserved bytes.
const (
	byteExtension = 5
	bitExtension  = 0x10
	byteDHT       = 7
	bitDHT        = 0x01
	byteFast      = 7
	bitFast       = 0x04
	byteV2        = 7
	bitV2         = 0x10
)

// NewOptions returns Options with the given extensions advertised.
func NewOptions(extension, fast, dht bool) Options {
	var o Options
	o.setBit(byteExtension, bitExtension, extension)
	o.setBit(byteFast, bitFast, fast)
	o.setBit(byteDHT, bitDHT, dht)
	return o
}

func (o *Options) setBit(i int, mask byte, value bool) {
	if value {
		o[i] |= mask
	} else {
		o[i] &^= mask
	}
}

// Extension reports whether the extension protocol (BEP 10) is advertised.
func (o Options) Extension() bool { return o[byteExtension]&bitExtension != 0 }

// Fast reports whether the fast extension (BEP 6) is advertised.
func (o Options) Fast() bool { return o[byteFast]&bitFast != 0 }

// DHT reports whether the peer runs a DHT node.
func (o Options) DHT() bool { return o[byteDHT]&bitDHT != 0 }

// V2 reports whether the peer supports hybrid v2 torrents.
func (o Options) V2() bool { return o[byteV2]&bitV2 != 0 }

// Negotiate returns options supported by both sides.
func (o Options) Negotiate(other Options) Options {
	var r Options
	for i := range r {
		r[i] = o[i] & other[i]
	}
	return r
}
