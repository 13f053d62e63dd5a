package peerwriter

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/I2PPlus/i2pplus-sub004/internal/logger"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerid"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerprotocol"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState struct {
	choking, choked atomic.Bool
}

func (s *testState) Choking() bool { return s.choking.Load() }
func (s *testState) Choked() bool  { return s.choked.Load() }

type testGate struct {
	denySend    atomic.Bool
	denyRequest atomic.Bool
	uploaded    atomic.Int64
}

func (g *testGate) ShouldSend(n int) bool                         { return !g.denySend.Load() }
func (g *testGate) ShouldRequest(p *peerid.Identity, n int) bool { return !g.denyRequest.Load() }
func (g *testGate) Downloaded(n int)                              {}
func (g *testGate) Uploaded(n int)                                { g.uploaded.Add(int64(n)) }
func (g *testGate) DownloadRate() int64                           { return 0 }
func (g *testGate) DownloadLimit() int64                          { return 0 }

type keepAlive struct{}

type testConn struct {
	t        *testing.T
	w        *PeerWriter
	state    *testState
	gate     *testGate
	messages chan interface{}
	runErr   chan error
	local    net.Conn
	remote   net.Conn
}

func newTestConn(t *testing.T, o Options) *testConn {
	local, remote := net.Pipe()
	c := &testConn{
		t:        t,
		state:    new(testState),
		gate:     new(testGate),
		messages: make(chan interface{}, 100),
		runErr:   make(chan error, 1),
		local:    local,
		remote:   remote,
	}
	c.w = New(local, c.state, c.gate, peerid.New([20]byte{1}, nil), nil, o, logger.New("test"))
	go c.readMessages()
	return c
}

func (c *testConn) readMessages() {
	defer close(c.messages)
	for {
		h, err := peerprotocol.ReadHeader(c.remote)
		if err != nil {
			return
		}
		if h.KeepAlive {
			c.messages <- keepAlive{}
			continue
		}
		payload := make([]byte, h.Length)
		if _, err = io.ReadFull(c.remote, payload); err != nil {
			return
		}
		msg, err := peerprotocol.Decode(h.ID, payload)
		if err != nil {
			return
		}
		c.messages <- msg
	}
}

func (c *testConn) run() {
	go func() { c.runErr <- c.w.Run() }()
}

func (c *testConn) close() {
	c.w.Stop()
	c.local.Close()
	c.remote.Close()
	<-c.w.Done()
}

func (c *testConn) next() interface{} {
	select {
	case msg := <-c.messages:
		return msg
	case <-time.After(2 * time.Second):
		c.t.Fatal("timeout waiting for message")
		return nil
	}
}

func (c *testConn) expectNothing(d time.Duration) {
	select {
	case msg := <-c.messages:
		c.t.Fatalf("unexpected message: %#v", msg)
	case <-time.After(d):
	}
}

func load(data []byte) func() ([]byte, error) {
	return func() ([]byte, error) { return data, nil }
}

func TestChokePurgesPiecesAndRejectsAfterChoke(t *testing.T) {
	defer leaktest.Check(t)()
	c := newTestConn(t, Options{Fast: true})
	defer c.close()

	r1 := peerprotocol.RequestMessage{Index: 1, Begin: 0, Length: 3}
	r2 := peerprotocol.RequestMessage{Index: 1, Begin: 16384, Length: 3}
	c.w.SendPiece(r1, load([]byte("abc")))
	c.w.SendPiece(r2, load([]byte("def")))
	assert.Equal(t, int64(6), c.w.QueuedPieceBytes())
	c.state.choking.Store(true)
	c.w.SendMessage(peerprotocol.ChokeMessage{})
	c.run()

	assert.Equal(t, peerprotocol.ChokeMessage{}, c.next())
	assert.Equal(t, peerprotocol.RejectMessage{RequestMessage: r1}, c.next())
	assert.Equal(t, peerprotocol.RejectMessage{RequestMessage: r2}, c.next())
	c.expectNothing(50 * time.Millisecond)
	assert.Zero(t, c.w.QueuedPieceBytes())
	assert.Zero(t, c.gate.uploaded.Load())
}

func TestChokePurgesPiecesWithoutFast(t *testing.T) {
	defer leaktest.Check(t)()
	c := newTestConn(t, Options{})
	defer c.close()

	c.w.SendPiece(peerprotocol.RequestMessage{Index: 1, Length: 3}, load([]byte("abc")))
	c.state.choking.Store(true)
	c.w.SendMessage(peerprotocol.ChokeMessage{})
	c.w.SendMessage(peerprotocol.HaveMessage{Index: 2})
	c.run()

	assert.Equal(t, peerprotocol.ChokeMessage{}, c.next())
	assert.Equal(t, peerprotocol.HaveMessage{Index: 2}, c.next())
	c.expectNothing(50 * time.Millisecond)
}

func TestRequestWhileChokedIsDropped(t *testing.T) {
	defer leaktest.Check(t)()
	c := newTestConn(t, Options{})
	defer c.close()

	c.state.choked.Store(true)
	c.w.SendMessage(peerprotocol.RequestMessage{Index: 1, Length: 16384})
	c.w.SendMessage(peerprotocol.HaveMessage{Index: 3})
	c.run()

	assert.Equal(t, peerprotocol.HaveMessage{Index: 3}, c.next())
	c.expectNothing(50 * time.Millisecond)
	assert.Zero(t, c.w.QueueLength())
}

func TestOppositeMessagesCancel(t *testing.T) {
	c := newTestConn(t, Options{})
	defer c.close()

	c.w.SendMessage(peerprotocol.UnchokeMessage{})
	c.w.SendMessage(peerprotocol.ChokeMessage{})
	assert.Zero(t, c.w.QueueLength())

	c.w.SendMessage(peerprotocol.InterestedMessage{})
	c.w.SendMessage(peerprotocol.HaveMessage{Index: 1})
	c.w.SendMessage(peerprotocol.NotInterestedMessage{})
	assert.Equal(t, 1, c.w.QueueLength())

	c.w.SendMessage(peerprotocol.InterestedMessage{})
	c.w.SendMessage(peerprotocol.InterestedMessage{})
	assert.Equal(t, 3, c.w.QueueLength())
}

func TestChokeSpacing(t *testing.T) {
	defer leaktest.Check(t)()
	const spacing = 100 * time.Millisecond
	c := newTestConn(t, Options{ChokeSpacing: spacing})
	defer c.close()
	c.run()

	c.w.SendMessage(peerprotocol.UnchokeMessage{})
	assert.Equal(t, peerprotocol.UnchokeMessage{}, c.next())
	start := time.Now()
	c.w.SendMessage(peerprotocol.ChokeMessage{})
	c.w.SendMessage(peerprotocol.HaveMessage{Index: 9})
	// Other messages are not held back by the choke.
	assert.Equal(t, peerprotocol.HaveMessage{Index: 9}, c.next())
	assert.Equal(t, peerprotocol.ChokeMessage{}, c.next())
	assert.GreaterOrEqual(t, time.Since(start), spacing-10*time.Millisecond)
}

func TestPieceWaitsForGate(t *testing.T) {
	defer leaktest.Check(t)()
	c := newTestConn(t, Options{ThrottleWait: 20 * time.Millisecond})
	defer c.close()

	c.gate.denySend.Store(true)
	rm := peerprotocol.RequestMessage{Index: 4, Begin: 0, Length: 4}
	c.w.SendPiece(rm, load([]byte("data")))
	c.w.SendMessage(peerprotocol.HaveMessage{Index: 1})
	c.run()

	assert.Equal(t, peerprotocol.HaveMessage{Index: 1}, c.next())
	c.expectNothing(50 * time.Millisecond)
	c.gate.denySend.Store(false)
	assert.Equal(t, peerprotocol.PieceMessage{Index: 4, Begin: 0, Data: []byte("data")}, c.next())
	assert.Equal(t, int64(4), c.gate.uploaded.Load())
}

func TestDeniedRequestSkipsLaterRequests(t *testing.T) {
	defer leaktest.Check(t)()
	c := newTestConn(t, Options{ThrottleWait: 20 * time.Millisecond})
	defer c.close()

	c.gate.denyRequest.Store(true)
	r1 := peerprotocol.RequestMessage{Index: 1, Length: 16384}
	r2 := peerprotocol.RequestMessage{Index: 2, Length: 16384}
	c.w.SendMessage(r1)
	c.w.SendMessage(r2)
	c.w.SendMessage(peerprotocol.HaveMessage{Index: 5})
	c.run()

	assert.Equal(t, peerprotocol.HaveMessage{Index: 5}, c.next())
	c.expectNothing(50 * time.Millisecond)
	c.gate.denyRequest.Store(false)
	assert.Equal(t, r1, c.next())
	assert.Equal(t, r2, c.next())
}

func TestCancelPiece(t *testing.T) {
	c := newTestConn(t, Options{})
	defer c.close()

	rm := peerprotocol.RequestMessage{Index: 1, Begin: 0, Length: 3}
	c.w.SendPiece(rm, load([]byte("abc")))
	assert.True(t, c.w.CancelPiece(rm))
	assert.False(t, c.w.CancelPiece(rm))
	assert.Zero(t, c.w.QueuedPieceBytes())
}

func TestUnavailablePieceIsRejected(t *testing.T) {
	defer leaktest.Check(t)()
	c := newTestConn(t, Options{Fast: true})
	defer c.close()

	rm := peerprotocol.RequestMessage{Index: 1, Begin: 0, Length: 3}
	c.w.SendPiece(rm, load(nil))
	c.run()
	assert.Equal(t, peerprotocol.RejectMessage{RequestMessage: rm}, c.next())
}

func TestKeepAlive(t *testing.T) {
	defer leaktest.Check(t)()
	c := newTestConn(t, Options{KeepAlivePeriod: 30 * time.Millisecond})
	defer c.close()
	c.run()
	assert.Equal(t, keepAlive{}, c.next())
}

func TestWriteErrorStopsRun(t *testing.T) {
	defer leaktest.Check(t)()
	c := newTestConn(t, Options{})
	c.remote.Close()
	c.run()
	c.w.SendMessage(peerprotocol.HaveMessage{Index: 1})
	select {
	case err := <-c.runErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop")
	}
	c.close()
}
