// Package transport provides the byte stream connections that peer sessions run on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/I2PPlus/i2pplus-sub004/internal/logger"
	"github.com/cenkalti/backoff/v3"
)

// Conn is a bidirectional byte stream to a remote peer.
// A Conn is owned by a single peer session and is closed exactly once.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetDeadline(t time.Time) error
}

// Dialer opens outbound connections to peers.
type Dialer interface {
	Dial(ctx context.Context, addr net.Addr) (Conn, error)
}

// TCPDialer dials peers over TCP and retries failed attempts with exponential backoff.
type TCPDialer struct {
	// Timeout of a single connection attempt.
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first one. Zero disables retrying.
	MaxRetries uint64
	// InitialInterval is the wait before the first retry.
	InitialInterval time.Duration

	log logger.Logger
}

var _ Dialer = (*TCPDialer)(nil)

// NewTCPDialer returns a dialer with the given attempt timeout and retry count.
func NewTCPDialer(timeout time.Duration, maxRetries uint64) *TCPDialer {
	return &TCPDialer{
		Timeout:         timeout,
		MaxRetries:      maxRetries,
		InitialInterval: time.Second,
		log:             logger.New("dialer"),
	}
}

// Dial connects to addr. Errors that are not temporary are not retried.
func (d *TCPDialer) Dial(ctx context.Context, addr net.Addr) (Conn, error) {
	var conn net.Conn
	nd := net.Dialer{Timeout: d.Timeout}
	op := func() error {
		var err error
		conn, err = nd.DialContext(ctx, addr.Network(), addr.String())
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return err
		}
		var operr *net.OpError
		if errors.As(err, &operr) && operr.Op == "dial" {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		d.log.Debugf("cannot connect to %s, retrying in %s: %s", addr, wait, err)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(d.newBackOff(), ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("cannot dial %s: %w", addr, err)
	}
	return conn, nil
}

func (d *TCPDialer) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     d.InitialInterval,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         time.Minute,
		MaxElapsedTime:      0, // limited by retry count
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithMaxRetries(b, d.MaxRetries)
}
