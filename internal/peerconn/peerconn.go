// Package peerconn runs the reader and writer of a peer connection together.
package peerconn

import (
	"sync"
	"time"

	"github.com/I2PPlus/i2pplus-sub004/internal/bandwidth"
	"github.com/I2PPlus/i2pplus-sub004/internal/counters"
	"github.com/I2PPlus/i2pplus-sub004/internal/logger"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerconn/peerreader"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerconn/peerwriter"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerid"
	"github.com/I2PPlus/i2pplus-sub004/internal/transport"
)

// Conn is a peer connection that reads messages into a handler and sends queued messages.
type Conn struct {
	conn      transport.Conn
	reader    *peerreader.PeerReader
	writer    *peerwriter.PeerWriter
	log       logger.Logger
	closeOnce sync.Once
	closeErr  error

	errM sync.Mutex
	err  error
}

// New returns a new Conn by wrapping a transport.Conn.
// Messages read from the connection are passed to h. The writer consults st for the choke state.
func New(conn transport.Conn, h peerreader.Handler, st peerwriter.State, gate bandwidth.Gate, peer *peerid.Identity, c *counters.Counters, o peerwriter.Options, l logger.Logger) *Conn {
	return &Conn{
		conn:   conn,
		reader: peerreader.New(conn, h, l),
		writer: peerwriter.New(conn, st, gate, peer, c, o, l),
		log:    l,
	}
}

// Writer returns the write side of the connection.
func (p *Conn) Writer() *peerwriter.PeerWriter {
	return p.writer
}

// LastActive returns the time the last message was received from the peer.
func (p *Conn) LastActive() time.Time {
	return p.reader.LastActive()
}

// String returns the remote address as string.
func (p *Conn) String() string {
	return p.conn.RemoteAddr().String()
}

// Close stops the writer and closes the underlying connection. Safe to call more than once,
// also from the reader and writer goroutines.
func (p *Conn) Close() error {
	p.closeOnce.Do(func() {
		p.writer.Stop()
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

// Run starts receiving messages from peer and starts sending queued messages.
// It returns when either side stops. The connection is closed before Run returns
// and the error that stopped the connection is returned.
func (p *Conn) Run() error {
	p.log.Debugln("Communicating peer", p.conn.RemoteAddr())

	writerErrC := make(chan error, 1)
	go func() {
		err := p.writer.Run()
		p.setErr(err)
		writerErrC <- err
		// Unblock the reader.
		_ = p.Close()
	}()

	readErr := p.reader.Run()
	p.setErr(readErr)
	_ = p.Close()
	<-writerErrC

	p.errM.Lock()
	defer p.errM.Unlock()
	return p.err
}

// setErr keeps the first error. The other side usually fails only because the connection is closed.
func (p *Conn) setErr(err error) {
	if err == nil {
		return
	}
	p.errM.Lock()
	if p.err == nil {
		p.err = err
	}
	p.errM.Unlock()
}
