// Package peer runs a session with a remote peer: handshake, message exchange and teardown.
package peer

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/I2PPlus/i2pplus-sub004/internal/bandwidth"
	"github.com/I2PPlus/i2pplus-sub004/internal/counters"
	"github.com/I2PPlus/i2pplus-sub004/internal/handshake"
	"github.com/I2PPlus/i2pplus-sub004/internal/infodownloader"
	"github.com/I2PPlus/i2pplus-sub004/internal/logger"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerconn"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerconn/peerreader"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerconn/peerwriter"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerid"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerstate"
	"github.com/I2PPlus/i2pplus-sub004/internal/transport"
)

var (
	// ErrNoExtensions is returned when the metadata is not known and the peer does not support the extension protocol.
	ErrNoExtensions = errors.New("peer does not support extension protocol")

	errDisconnected = errors.New("disconnected")
)

// Torrent is the part of a torrent shared by all of its sessions.
type Torrent struct {
	InfoHash    [20]byte
	Coordinator peerstate.Coordinator
	Gate        bandwidth.Gate
	// Magnet tracks metadata chunks while metadata is unknown. May be nil if metadata is known.
	Magnet *infodownloader.State
}

// Config of sessions.
type Config struct {
	PeerID [20]byte
	// Options advertised in our handshake.
	Options handshake.Options
	State   peerstate.Options
	Writer  peerwriter.Options
}

// Session is a connection to a remote peer after a successful handshake.
type Session struct {
	Peer     *peerid.Identity
	Result   handshake.Result
	Outgoing bool

	conn     transport.Conn
	pc       *peerconn.Conn
	state    *peerstate.State
	coord    peerstate.Coordinator
	counters counters.Counters
	log      logger.Logger

	disconnected atomic.Bool
	m            sync.Mutex
	running      bool
	reason       error
	notify       bool
	doneC        chan struct{}
}

// Connect dials addr and does the handshake. The deadline of ctx is applied to the handshake,
// there is no other timeout.
func Connect(ctx context.Context, d transport.Dialer, addr net.Addr, t Torrent, cfg Config) (*Session, error) {
	conn, err := d.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	res, err := withDeadline(ctx, conn, func() (handshake.Result, error) {
		return handshake.Outgoing(conn, t.InfoHash, cfg.PeerID, cfg.Options)
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return newSession(conn, res, true, t, cfg)
}

// Accept does the handshake on an incoming connection.
// lookup returns the torrent for the info hash sent by the peer.
// The connection is closed if the handshake fails.
func Accept(ctx context.Context, conn transport.Conn, lookup func(infoHash [20]byte) (Torrent, bool), cfg Config) (*Session, error) {
	res, err := withDeadline(ctx, conn, func() (handshake.Result, error) {
		return handshake.Incoming(conn, func(ih [20]byte) bool {
			_, ok := lookup(ih)
			return ok
		}, cfg.PeerID, cfg.Options)
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	t, ok := lookup(res.InfoHash)
	if !ok {
		_ = conn.Close()
		return nil, errors.New("torrent is removed during handshake")
	}
	return newSession(conn, res, false, t, cfg)
}

func withDeadline(ctx context.Context, conn transport.Conn, f func() (handshake.Result, error)) (handshake.Result, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return handshake.Result{}, err
		}
		defer conn.SetDeadline(time.Time{}) // nolint: errcheck
	}
	return f()
}

func newSession(conn transport.Conn, res handshake.Result, outgoing bool, t Torrent, cfg Config) (*Session, error) {
	if t.Coordinator.Metadata() == nil && !res.Negotiated.Extension() {
		_ = conn.Close()
		return nil, ErrNoExtensions
	}
	s := &Session{
		Peer:     peerid.New(res.PeerID, conn.RemoteAddr()),
		Result:   res,
		Outgoing: outgoing,
		conn:     conn,
		coord:    t.Coordinator,
		log:      logger.Peer(conn.RemoteAddr().String(), outgoing),
		doneC:    make(chan struct{}),
	}
	so := cfg.State
	so.Fast = res.Negotiated.Fast()
	so.Extensions = res.Negotiated.Extension()
	so.Disconnect = func(err error) { s.disconnect(err, true) }
	s.state = peerstate.New(s.Peer, t.Coordinator, t.Gate, t.Magnet, &s.counters, so, s.log)

	wo := cfg.Writer
	wo.Fast = so.Fast
	s.pc = peerconn.New(conn, s.state, s.state, t.Gate, s.Peer, &s.counters, wo, s.log)
	return s, nil
}

// Run exchanges messages with the peer until the connection is closed.
// The coordinator is notified of the connection before messages are processed.
// Returns nil if the session is closed by Disconnect or because both peers are complete.
func (s *Session) Run() error {
	s.m.Lock()
	closed := s.disconnected.Load()
	s.running = !closed
	s.m.Unlock()
	if !closed {
		s.state.Start(s.pc.Writer())
		s.coord.Connected(s.Peer)
		err := s.pc.Run()
		s.disconnect(err, true)
		// The reader has returned, no block is being read into a buffer anymore.
		s.teardown()
	}
	<-s.doneC

	s.m.Lock()
	reason := s.reason
	s.m.Unlock()
	switch {
	case reason == errDisconnected, errors.Is(reason, peerstate.ErrBothComplete):
		s.log.Debugln("disconnected:", reason)
		return nil
	case IsProtocolError(reason):
		s.log.Debugln("peer violated protocol:", reason)
	}
	return reason
}

// Disconnect closes the connection. Safe to call more than once and from any goroutine,
// but not while holding a lock the Coordinator also takes.
// If notify is true, in-flight pieces are given back to the Coordinator and it is notified of the disconnect.
// Both happen once the reader has stopped, wait on Done to observe them.
func (s *Session) Disconnect(notify bool) {
	s.disconnect(errDisconnected, notify)
}

// disconnect closes the connection. In-flight buffers are given back by teardown,
// after Run has seen the reader return.
func (s *Session) disconnect(reason error, notify bool) {
	if !s.disconnected.CompareAndSwap(false, true) {
		return
	}
	s.m.Lock()
	s.reason = reason
	s.notify = notify
	running := s.running
	s.m.Unlock()
	_ = s.pc.Close()
	if !running {
		s.teardown()
	}
}

func (s *Session) teardown() {
	s.m.Lock()
	notify := s.notify
	s.m.Unlock()
	if notify {
		s.state.Close()
		s.coord.Disconnected(s.Peer)
	}
	close(s.doneC)
}

// Done is closed after the session is disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.doneC
}

// State returns the protocol state of the session.
func (s *Session) State() *peerstate.State {
	return s.state
}

// Have announces a piece to the peer. Safe to call from the Coordinator.
func (s *Session) Have(piece uint32) {
	s.state.Have(piece)
}

// SetChoking chokes or unchokes the peer. Safe to call from the Coordinator.
func (s *Session) SetChoking(choke bool) {
	s.state.SetChoking(choke)
}

// Stats returns the bytes transferred in this session.
func (s *Session) Stats() counters.Stats {
	return s.counters.Stats()
}

// LastActive returns the time of the last message received from the peer.
// Inactive sessions are detected by the owner of the session.
func (s *Session) LastActive() time.Time {
	return s.pc.LastActive()
}

func (s *Session) String() string {
	return s.Peer.String()
}

// IsProtocolError reports whether err is caused by the peer sending invalid data.
// Such peers may be blacklisted by the caller.
func IsProtocolError(err error) bool {
	var perr *peerreader.ProtocolError
	var herr *handshake.Error
	return errors.As(err, &perr) || errors.As(err, &herr)
}
