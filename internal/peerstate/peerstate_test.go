package peerstate

import (
	"bytes"
	"crypto/sha1" // nolint: gosec
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/I2PPlus/i2pplus-sub004/internal/bitfield"
	"github.com/I2PPlus/i2pplus-sub004/internal/blockbuffer"
	"github.com/I2PPlus/i2pplus-sub004/internal/counters"
	"github.com/I2PPlus/i2pplus-sub004/internal/infodownloader"
	"github.com/I2PPlus/i2pplus-sub004/internal/logger"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerconn/peerreader"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerid"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerprotocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

const kib = 1024

type testMeta struct {
	pieces      uint32
	pieceLength uint32
	info        []byte
}

func (m *testMeta) NumPieces() uint32                       { return m.pieces }
func (m *testMeta) PieceLength(i uint32) uint32             { return m.pieceLength }
func (m *testMeta) TotalLength() int64                      { return int64(m.pieces) * int64(m.pieceLength) }
func (m *testMeta) InfoHash() [20]byte                      { return sha1.Sum(m.info) } // nolint: gosec
func (m *testMeta) CheckPiece(i uint32, hash [20]byte) bool { return true }
func (m *testMeta) Bytes() []byte                           { return m.info }

type testCoordinator struct {
	m         sync.Mutex
	meta      Metadata
	gotMeta   Metadata
	have      *bitfield.Bitfield
	complete  bool
	corrupt   bool
	alloc     *blockbuffer.Allocator
	next      []*blockbuffer.Buffer
	saved     []*Request
	pieces    []*blockbuffer.Buffer
	bitfields []*bitfield.Bitfield
	interest  []bool
	ports     []uint16
}

func newTestCoordinator(meta Metadata) *testCoordinator {
	return &testCoordinator{meta: meta, alloc: blockbuffer.NewAllocator(blockbuffer.Options{})}
}

func (c *testCoordinator) addPiece(index uint32, written ...uint32) *blockbuffer.Buffer {
	buf := c.alloc.New(index, c.meta.PieceLength(index))
	for _, begin := range written {
		if err := buf.Write(begin, make([]byte, buf.ChunkLength(begin))); err != nil {
			panic(err)
		}
	}
	c.next = append(c.next, buf)
	return buf
}

func (c *testCoordinator) Metadata() Metadata {
	c.m.Lock()
	defer c.m.Unlock()
	return c.meta
}

func (c *testCoordinator) Bitfield() *bitfield.Bitfield {
	c.m.Lock()
	defer c.m.Unlock()
	if c.have == nil {
		return nil
	}
	return c.have.Copy()
}

func (c *testCoordinator) Complete() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.complete
}

func (c *testCoordinator) NeedPiece(p *peerid.Identity, bf *bitfield.Bitfield) bool {
	return len(c.next) > 0
}

func (c *testCoordinator) GotBitfield(p *peerid.Identity, bf *bitfield.Bitfield) bool {
	c.bitfields = append(c.bitfields, bf)
	return len(c.next) > 0
}

func (c *testCoordinator) GotHave(p *peerid.Identity, piece uint32) bool { return len(c.next) > 0 }

func (c *testCoordinator) GetPartialPiece(p *peerid.Identity, bf *bitfield.Bitfield) *blockbuffer.Buffer {
	if len(c.next) == 0 {
		return nil
	}
	buf := c.next[0]
	c.next = c.next[1:]
	return buf
}

func (c *testCoordinator) GotPiece(p *peerid.Identity, buf *blockbuffer.Buffer) bool {
	c.pieces = append(c.pieces, buf)
	return !c.corrupt
}

func (c *testCoordinator) GotRequest(p *peerid.Identity, piece, begin, length uint32) []byte {
	return bytes.Repeat([]byte{byte(piece)}, int(length))
}

func (c *testCoordinator) SavePartialPieces(p *peerid.Identity, reqs []*Request) {
	c.saved = append(c.saved, reqs...)
}

func (c *testCoordinator) GotInterest(p *peerid.Identity, interested bool) {
	c.interest = append(c.interest, interested)
}

func (c *testCoordinator) GotExtension(p *peerid.Identity, id uint8, payload []byte) {}

func (c *testCoordinator) GotMetadata(p *peerid.Identity, info []byte) (Metadata, error) {
	c.m.Lock()
	defer c.m.Unlock()
	c.meta = c.gotMeta
	return c.meta, nil
}

func (c *testCoordinator) GotPort(p *peerid.Identity, port uint16) { c.ports = append(c.ports, port) }
func (c *testCoordinator) WantsComments(p *peerid.Identity) bool  { return false }
func (c *testCoordinator) Connected(p *peerid.Identity)           {}
func (c *testCoordinator) Disconnected(p *peerid.Identity)        {}

type testWriter struct {
	messages        []peerprotocol.Message
	pieces          []peerprotocol.RequestMessage
	cancelRequests  int
	queuedPieceSize int64
}

func (w *testWriter) SendMessage(msg peerprotocol.Message) { w.messages = append(w.messages, msg) }

func (w *testWriter) SendPiece(msg peerprotocol.RequestMessage, load func() ([]byte, error)) {
	w.pieces = append(w.pieces, msg)
	w.queuedPieceSize += int64(msg.Length)
}

func (w *testWriter) CancelPiece(msg peerprotocol.RequestMessage) bool {
	for i, p := range w.pieces {
		if p == msg {
			w.pieces = append(w.pieces[:i], w.pieces[i+1:]...)
			w.queuedPieceSize -= int64(msg.Length)
			return true
		}
	}
	return false
}

func (w *testWriter) CancelRequestMessages()  { w.cancelRequests++ }
func (w *testWriter) QueuedPieceBytes() int64 { return w.queuedPieceSize }

func (w *testWriter) reset() { w.messages = nil }

type testGate struct {
	rate, limit int64
	downloaded  int
}

func (g *testGate) ShouldSend(n int) bool                         { return true }
func (g *testGate) ShouldRequest(p *peerid.Identity, n int) bool { return true }
func (g *testGate) Downloaded(n int)                              { g.downloaded += n }
func (g *testGate) Uploaded(n int)                                {}
func (g *testGate) DownloadRate() int64                           { return g.rate }
func (g *testGate) DownloadLimit() int64                          { return g.limit }

type fixture struct {
	state    *State
	coord    *testCoordinator
	writer   *testWriter
	gate     *testGate
	counters *counters.Counters
}

func newFixture(t *testing.T, meta Metadata, o Options) *fixture {
	t.Helper()
	f := &fixture{
		coord:    newTestCoordinator(meta),
		writer:   &testWriter{},
		gate:     &testGate{},
		counters: new(counters.Counters),
	}
	var magnet *infodownloader.State
	if meta == nil {
		magnet = infodownloader.New([20]byte{})
	}
	f.state = New(peerid.New([20]byte{1}, nil), f.coord, f.gate, magnet, f.counters, o, logger.New("test"))
	return f
}

func (f *fixture) start() {
	f.state.Start(f.writer)
	f.writer.reset()
}

func (f *fixture) handle(t *testing.T, msgs ...peerprotocol.Message) {
	t.Helper()
	for _, msg := range msgs {
		require.NoError(t, f.state.HandleMessage(msg))
	}
}

func requestMsg(piece, begin, length uint32) peerprotocol.RequestMessage {
	return peerprotocol.RequestMessage{Index: piece, Begin: begin, Length: length}
}

func TestBitfieldMakesInteresting(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 4, pieceLength: 32 * kib}, Options{MinPipeline: 4, MaxPipeline: 4})
	f.coord.addPiece(0)
	f.start()

	f.handle(t, peerprotocol.BitfieldMessage{Data: []byte{0xf0}})
	assert.True(t, f.state.Interesting())
	assert.Equal(t, []peerprotocol.Message{peerprotocol.InterestedMessage{}}, f.writer.messages)
	// Built while choked, sent on unchoke.
	require.Len(t, f.state.Outstanding(), 2)
	require.Len(t, f.coord.bitfields, 1)
	assert.True(t, f.coord.bitfields[0].All())

	f.writer.reset()
	f.handle(t, peerprotocol.UnchokeMessage{})
	assert.Equal(t, []peerprotocol.Message{requestMsg(0, 0, 16*kib), requestMsg(0, 16*kib, 16*kib)}, f.writer.messages)
}

func TestBothComplete(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 4, pieceLength: 32 * kib}, Options{Fast: true})
	f.coord.complete = true
	f.start()
	err := f.state.HandleMessage(peerprotocol.HaveAllMessage{})
	assert.Equal(t, ErrBothComplete, err)
}

func TestHaveDisconnectsWhenBothComplete(t *testing.T) {
	disconnected := make(chan error, 1)
	f := newFixture(t, &testMeta{pieces: 4, pieceLength: 32 * kib}, Options{Fast: true, Disconnect: func(err error) { disconnected <- err }})
	f.start()
	f.handle(t, peerprotocol.HaveAllMessage{})

	f.coord.complete = true
	f.state.Have(3)
	assert.Equal(t, []peerprotocol.Message{peerprotocol.HaveMessage{Index: 3}}, f.writer.messages)
	select {
	case err := <-disconnected:
		assert.Equal(t, ErrBothComplete, err)
	case <-time.After(time.Second):
		t.Fatal("session is not disconnected")
	}
}

func TestOutOfOrderPieceResendsEarlierRequests(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 8, pieceLength: 256 * kib}, Options{MinPipeline: 2, MaxPipeline: 2})
	// Blocks between 16KiB and 128KiB are already downloaded from another peer.
	f.coord.addPiece(5, 16*kib, 32*kib, 48*kib, 64*kib, 80*kib, 96*kib, 112*kib)
	f.start()
	f.handle(t, peerprotocol.BitfieldMessage{Data: []byte{0x04}}, peerprotocol.UnchokeMessage{})
	assert.Equal(t, []peerprotocol.Message{
		peerprotocol.InterestedMessage{},
		requestMsg(5, 0, 16*kib),
		requestMsg(5, 128*kib, 16*kib),
	}, f.writer.messages)

	f.writer.reset()
	b := f.state.OutstandingRequest(5, 128*kib, 16*kib)
	require.NotNil(t, b)
	assert.Equal(t, []peerprotocol.Message{requestMsg(5, 0, 16*kib)}, f.writer.messages)
	out := f.state.Outstanding()
	require.Len(t, out, 1)
	assert.Equal(t, uint32(0), out[0].Begin)

	require.NoError(t, b.ReadBlock(bytes.NewReader(make([]byte, 16*kib))))
	require.NoError(t, f.state.PieceMessage(b))
	assert.Equal(t, 16*kib, f.gate.downloaded)
	assert.Equal(t, int64(16*kib), f.counters.Downloaded())
	out = f.state.Outstanding()
	require.Len(t, out, 2)
	assert.Equal(t, uint32(144*kib), out[1].Begin)
}

func TestLengthMismatchIsUnexpected(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 1, pieceLength: 32 * kib}, Options{})
	f.coord.addPiece(0)
	f.start()
	f.handle(t, peerprotocol.BitfieldMessage{Data: []byte{0x80}}, peerprotocol.UnchokeMessage{})
	assert.Nil(t, f.state.OutstandingRequest(0, 0, 8*kib))
	assert.Nil(t, f.state.OutstandingRequest(1, 0, 16*kib))
	f.state.UnexpectedPiece(0, 0, 8*kib)
	assert.Equal(t, int64(8*kib), f.counters.Wasted())
}

func TestChokeReturnsPartialPieces(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 2, pieceLength: 64 * kib}, Options{MinPipeline: 2, MaxPipeline: 2})
	buf := f.coord.addPiece(1)
	f.start()
	f.handle(t, peerprotocol.BitfieldMessage{Data: []byte{0x40}}, peerprotocol.UnchokeMessage{})
	require.Len(t, f.state.Outstanding(), 2)

	f.handle(t, peerprotocol.ChokeMessage{})
	assert.True(t, f.state.Choked())
	assert.Equal(t, 1, f.writer.cancelRequests)
	assert.Empty(t, f.state.Outstanding())
	require.Len(t, f.coord.saved, 1)
	assert.Equal(t, buf, f.coord.saved[0].Buffer)
}

func TestChokeWhileReceivingKeepsBuffer(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 2, pieceLength: 64 * kib}, Options{MinPipeline: 2, MaxPipeline: 2})
	buf := f.coord.addPiece(1)
	f.start()
	f.handle(t, peerprotocol.BitfieldMessage{Data: []byte{0x40}}, peerprotocol.UnchokeMessage{})

	b := f.state.OutstandingRequest(1, 0, 16*kib)
	require.NotNil(t, b)
	f.handle(t, peerprotocol.ChokeMessage{})
	assert.Empty(t, f.coord.saved)

	require.NoError(t, b.ReadBlock(bytes.NewReader(make([]byte, 16*kib))))
	require.NoError(t, f.state.PieceMessage(b))
	require.Len(t, f.coord.saved, 1)
	assert.Equal(t, buf, f.coord.saved[0].Buffer)
	assert.True(t, buf.HasChunk(0))
}

func TestCorruptPieceIsWasted(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 1, pieceLength: 16 * kib}, Options{})
	f.coord.corrupt = true
	buf := f.coord.addPiece(0)
	f.start()
	f.handle(t, peerprotocol.BitfieldMessage{Data: []byte{0x80}}, peerprotocol.UnchokeMessage{})

	b := f.state.OutstandingRequest(0, 0, 16*kib)
	require.NotNil(t, b)
	require.NoError(t, b.ReadBlock(bytes.NewReader(make([]byte, 16*kib))))
	require.NoError(t, f.state.PieceMessage(b))
	require.Len(t, f.coord.pieces, 1)
	assert.Equal(t, int64(16*kib), f.counters.Wasted())
	assert.Equal(t, blockbuffer.ErrReleased, buf.Write(0, make([]byte, 16*kib)))
	assert.False(t, f.state.Interesting())
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 2, pieceLength: 32 * kib}, Options{Fast: true})
	f.coord.have = bitfield.New(2)
	f.coord.have.Set(0)
	f.start()

	// Choked peers are rejected.
	f.handle(t, requestMsg(0, 0, 16*kib))
	assert.Equal(t, []peerprotocol.Message{peerprotocol.RejectMessage{RequestMessage: requestMsg(0, 0, 16*kib)}}, f.writer.messages)

	f.state.SetChoking(false)
	f.writer.reset()
	f.handle(t,
		requestMsg(0, 0, 16*kib),
		requestMsg(2, 0, 16*kib),
		requestMsg(0, 24*kib, 16*kib),
		requestMsg(0, 0, 64*kib),
		requestMsg(1, 0, 16*kib),
	)
	assert.Equal(t, []peerprotocol.RequestMessage{requestMsg(0, 0, 16*kib)}, f.writer.pieces)
	assert.Len(t, f.writer.messages, 4)
	for _, msg := range f.writer.messages {
		assert.Equal(t, peerprotocol.Reject, msg.ID())
	}

	f.writer.reset()
	f.handle(t, peerprotocol.CancelMessage{RequestMessage: requestMsg(0, 0, 16*kib)})
	assert.Empty(t, f.writer.pieces)
	assert.Equal(t, []peerprotocol.Message{peerprotocol.RejectMessage{RequestMessage: requestMsg(0, 0, 16*kib)}}, f.writer.messages)
}

func TestRequestDroppedWithoutFast(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 2, pieceLength: 32 * kib}, Options{})
	f.coord.have = bitfield.New(2)
	f.start()
	f.handle(t, requestMsg(0, 0, 16*kib))
	assert.Empty(t, f.writer.messages)
	assert.Empty(t, f.writer.pieces)
}

func TestUploadQueueLimit(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 1, pieceLength: 64 * kib}, Options{Fast: true, MaxUploadQueueBytes: 32 * kib})
	f.coord.have = bitfield.New(1)
	f.coord.have.SetAll()
	f.start()
	f.state.SetChoking(false)
	f.writer.reset()
	f.handle(t, requestMsg(0, 0, 16*kib), requestMsg(0, 16*kib, 16*kib), requestMsg(0, 32*kib, 16*kib))
	assert.Len(t, f.writer.pieces, 2)
	assert.Equal(t, []peerprotocol.Message{peerprotocol.RejectMessage{RequestMessage: requestMsg(0, 32*kib, 16*kib)}}, f.writer.messages)
}

func TestRejectReturnsPiece(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 1, pieceLength: 64 * kib}, Options{Fast: true, MinPipeline: 2, MaxPipeline: 2})
	buf := f.coord.addPiece(0)
	f.start()
	f.handle(t, peerprotocol.HaveAllMessage{}, peerprotocol.UnchokeMessage{})
	f.writer.reset()

	f.handle(t, peerprotocol.RejectMessage{RequestMessage: requestMsg(0, 0, 16*kib)})
	assert.Equal(t, []peerprotocol.Message{
		peerprotocol.CancelMessage{RequestMessage: requestMsg(0, 16*kib, 16*kib)},
		peerprotocol.NotInterestedMessage{},
	}, f.writer.messages)
	require.Len(t, f.coord.saved, 1)
	assert.Equal(t, buf, f.coord.saved[0].Buffer)
}

func TestAdjustPipeline(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 1, pieceLength: 16 * kib}, Options{MinPipeline: 2, MaxPipeline: 4})
	f.gate.limit = 1000

	f.gate.rate = 500
	f.state.adjustPipeline()
	assert.Equal(t, 3, f.state.Pipeline())
	f.state.adjustPipeline()
	f.state.adjustPipeline()
	assert.Equal(t, 4, f.state.Pipeline())

	f.gate.rate = 800
	f.state.adjustPipeline()
	assert.Equal(t, 4, f.state.Pipeline())

	f.gate.rate = 950
	f.state.adjustPipeline()
	assert.Equal(t, 1, f.state.Pipeline())

	f.gate.limit, f.gate.rate = 0, 0
	f.state.peerReqq = 2
	for i := 0; i < 5; i++ {
		f.state.adjustPipeline()
	}
	assert.Equal(t, 2, f.state.Pipeline())
}

func TestFastMessagesRequireFast(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 1, pieceLength: 16 * kib}, Options{})
	f.start()
	err := f.state.HandleMessage(peerprotocol.HaveAllMessage{})
	var perr *peerreader.ProtocolError
	assert.True(t, errors.As(err, &perr))

	err = f.state.HandleMessage(peerprotocol.ExtensionMessage{Payload: peerprotocol.ExtensionHandshakeMessage{}})
	assert.True(t, errors.As(err, &perr))
}

func TestInvalidHave(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 4, pieceLength: 16 * kib}, Options{})
	f.start()
	err := f.state.HandleMessage(peerprotocol.HaveMessage{Index: 4})
	var perr *peerreader.ProtocolError
	assert.True(t, errors.As(err, &perr))
}

func TestAllowedFast(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 4, pieceLength: 16 * kib}, Options{Fast: true})
	f.start()
	f.handle(t,
		peerprotocol.AllowedFastMessage{HaveMessage: peerprotocol.HaveMessage{Index: 3}},
		peerprotocol.AllowedFastMessage{HaveMessage: peerprotocol.HaveMessage{Index: 1}},
		peerprotocol.AllowedFastMessage{HaveMessage: peerprotocol.HaveMessage{Index: 3}},
	)
	assert.Equal(t, []uint32{1, 3}, f.state.AllowedFast())
}

func TestInterestAndPort(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 4, pieceLength: 16 * kib}, Options{})
	f.start()
	f.handle(t,
		peerprotocol.InterestedMessage{},
		peerprotocol.InterestedMessage{},
		peerprotocol.NotInterestedMessage{},
		peerprotocol.PortMessage{Port: 6881},
	)
	assert.Equal(t, []bool{true, false}, f.coord.interest)
	assert.Equal(t, []uint16{6881}, f.coord.ports)
	assert.False(t, f.state.Interested())
}

func testInfo(t *testing.T) []byte {
	b, err := bencode.EncodeBytes(map[string]interface{}{
		"name":         "test",
		"piece length": 16 * kib,
		"length":       4 * 16 * kib,
		"pieces":       string(make([]byte, 4*20)),
	})
	require.NoError(t, err)
	return b
}

func TestMagnetBuffersAvailability(t *testing.T) {
	info := testInfo(t)
	f := newFixture(t, nil, Options{Extensions: true})
	f.state.magnet = infodownloader.New(sha1.Sum(info)) // nolint: gosec
	f.coord.gotMeta = &testMeta{pieces: 4, pieceLength: 16 * kib, info: info}
	f.state.Start(f.writer)
	require.Len(t, f.writer.messages, 1)
	hs := f.writer.messages[0].(peerprotocol.ExtensionMessage).Payload.(peerprotocol.ExtensionHandshakeMessage)
	assert.Equal(t, 0, hs.MetadataSize)
	f.writer.reset()

	f.handle(t, peerprotocol.BitfieldMessage{Data: []byte{0x40}}, peerprotocol.HaveMessage{Index: 2})
	assert.Nil(t, f.state.Bitfield())
	assert.Empty(t, f.coord.bitfields)

	f.handle(t, peerprotocol.ExtensionMessage{Payload: peerprotocol.ExtensionHandshakeMessage{
		M:            map[string]uint8{peerprotocol.ExtensionKeyMetadata: 3},
		MetadataSize: len(info),
		RequestQueue: 10,
	}})
	assert.Equal(t, []peerprotocol.Message{peerprotocol.ExtensionMessage{
		ExtendedMessageID: 3,
		Payload:           peerprotocol.ExtensionMetadataMessage{Type: peerprotocol.ExtensionMetadataMessageTypeRequest, Piece: 0},
	}}, f.writer.messages)

	f.handle(t, peerprotocol.ExtensionMessage{
		ExtendedMessageID: peerprotocol.ExtensionIDMetadata,
		Payload: peerprotocol.ExtensionMetadataMessage{
			Type:      peerprotocol.ExtensionMetadataMessageTypeData,
			Piece:     0,
			TotalSize: len(info),
			Data:      info,
		},
	})
	bf := f.state.Bitfield()
	require.NotNil(t, bf)
	assert.Equal(t, uint32(2), bf.Count())
	assert.True(t, bf.Test(1))
	assert.True(t, bf.Test(2))
	require.Len(t, f.coord.bitfields, 1)
}

func TestCorruptMetadataEndsSession(t *testing.T) {
	info := testInfo(t)
	f := newFixture(t, nil, Options{Extensions: true})
	f.state.magnet = infodownloader.New(sha1.Sum(info)) // nolint: gosec
	f.coord.gotMeta = &testMeta{pieces: 4, pieceLength: 16 * kib, info: info}
	f.start()
	f.handle(t, peerprotocol.ExtensionMessage{Payload: peerprotocol.ExtensionHandshakeMessage{
		M:            map[string]uint8{peerprotocol.ExtensionKeyMetadata: 3},
		V:            "Other 1.0",
		MetadataSize: len(info),
	}})
	require.Len(t, f.writer.messages, 1)
	f.writer.reset()
	assert.Equal(t, "Other 1.0", f.state.PeerVersion())

	err := f.state.HandleMessage(peerprotocol.ExtensionMessage{
		ExtendedMessageID: peerprotocol.ExtensionIDMetadata,
		Payload: peerprotocol.ExtensionMetadataMessage{
			Type:      peerprotocol.ExtensionMetadataMessageTypeData,
			Piece:     0,
			TotalSize: len(info),
			Data:      bytes.Repeat([]byte{'x'}, len(info)),
		},
	})
	var perr *peerreader.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.True(t, errors.Is(err, infodownloader.ErrHashMismatch))
	assert.Empty(t, f.writer.messages)
	assert.Empty(t, f.state.metaRequested)
	assert.Nil(t, f.coord.Metadata())
	assert.False(t, f.state.magnet.Complete())

	f.state.Close()
	i, ok := f.state.magnet.NextRequest()
	assert.True(t, ok)
	assert.Equal(t, uint32(0), i)
}

func TestMetadataNotSupported(t *testing.T) {
	f := newFixture(t, nil, Options{Extensions: true})
	f.start()
	err := f.state.HandleMessage(peerprotocol.ExtensionMessage{Payload: peerprotocol.ExtensionHandshakeMessage{}})
	assert.Equal(t, ErrNoMetadata, err)
}

func TestServeMetadata(t *testing.T) {
	info := testInfo(t)
	f := newFixture(t, &testMeta{pieces: 4, pieceLength: 16 * kib, info: info}, Options{Extensions: true})
	f.state.Start(f.writer)
	hs := f.writer.messages[0].(peerprotocol.ExtensionMessage).Payload.(peerprotocol.ExtensionHandshakeMessage)
	assert.Equal(t, len(info), hs.MetadataSize)
	f.writer.reset()

	f.handle(t,
		peerprotocol.ExtensionMessage{Payload: peerprotocol.ExtensionHandshakeMessage{M: map[string]uint8{peerprotocol.ExtensionKeyMetadata: 7}}},
		peerprotocol.ExtensionMessage{ExtendedMessageID: peerprotocol.ExtensionIDMetadata, Payload: peerprotocol.ExtensionMetadataMessage{Type: peerprotocol.ExtensionMetadataMessageTypeRequest, Piece: 0}},
		peerprotocol.ExtensionMessage{ExtendedMessageID: peerprotocol.ExtensionIDMetadata, Payload: peerprotocol.ExtensionMetadataMessage{Type: peerprotocol.ExtensionMetadataMessageTypeRequest, Piece: 1}},
	)
	require.Len(t, f.writer.messages, 2)
	data := f.writer.messages[0].(peerprotocol.ExtensionMessage)
	assert.Equal(t, uint8(7), data.ExtendedMessageID)
	assert.Equal(t, peerprotocol.ExtensionMetadataMessage{
		Type:      peerprotocol.ExtensionMetadataMessageTypeData,
		Piece:     0,
		TotalSize: len(info),
		Data:      info,
	}, data.Payload)
	reject := f.writer.messages[1].(peerprotocol.ExtensionMessage).Payload.(peerprotocol.ExtensionMetadataMessage)
	assert.Equal(t, peerprotocol.ExtensionMetadataMessageTypeReject, reject.Type)
}

func TestCloseReturnsEverything(t *testing.T) {
	f := newFixture(t, &testMeta{pieces: 2, pieceLength: 64 * kib}, Options{MinPipeline: 2, MaxPipeline: 2})
	buf := f.coord.addPiece(1)
	f.start()
	f.handle(t, peerprotocol.BitfieldMessage{Data: []byte{0x40}}, peerprotocol.UnchokeMessage{})
	require.NotNil(t, f.state.OutstandingRequest(1, 0, 16*kib))

	f.state.Close()
	require.Len(t, f.coord.saved, 1)
	assert.Equal(t, buf, f.coord.saved[0].Buffer)
	f.state.Close()
	assert.Len(t, f.coord.saved, 1)
	assert.NoError(t, f.state.HandleMessage(peerprotocol.ChokeMessage{}))
}
