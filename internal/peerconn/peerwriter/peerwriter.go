package peerwriter

import (
	"container/list"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/I2PPlus/i2pplus-sub004/internal/bandwidth"
	"github.com/I2PPlus/i2pplus-sub004/internal/counters"
	"github.com/I2PPlus/i2pplus-sub004/internal/logger"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerid"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerprotocol"
)

// State gives the writer the current choke state of the session.
type State interface {
	// Choking reports whether we are choking the peer.
	Choking() bool
	// Choked reports whether the peer is choking us.
	Choked() bool
}

// Options for PeerWriter.
type Options struct {
	// Fast is true when the fast extension is negotiated.
	Fast bool
	// ChokeSpacing is the minimum time between two choke or unchoke messages.
	ChokeSpacing time.Duration
	// ThrottleWait is the longest wait before checking the bandwidth gate again.
	ThrottleWait time.Duration
	// KeepAlivePeriod is the idle time after which a keep-alive message is sent.
	KeepAlivePeriod time.Duration
}

// DefaultOptions are used for the zero fields of Options.
var DefaultOptions = Options{
	ChokeSpacing:    200 * time.Millisecond,
	ThrottleWait:    5 * time.Second,
	KeepAlivePeriod: 2 * time.Minute,
}

// delayer is implemented by gates that can estimate how long a denied call must wait.
type delayer interface {
	SendDelay(n int) time.Duration
	RequestDelay(n int) time.Duration
}

var errStopped = errors.New("peer writer stopped")

// PeerWriter owns the write side of a peer connection.
// Messages are queued without blocking and sent by Run in queue order,
// except that piece messages are sent only when no other message can be sent.
type PeerWriter struct {
	conn     io.Writer
	state    State
	gate     bandwidth.Gate
	peer     *peerid.Identity
	counters *counters.Counters
	options  Options
	log      logger.Logger

	m                sync.Mutex
	queue            *list.List
	queuedPieceBytes int64
	lastChoke        time.Time
	stopped          bool

	wakeC     chan struct{}
	stopC     chan struct{}
	doneC     chan struct{}
	closeOnce sync.Once
}

// New returns a new PeerWriter. Call Run to start sending messages.
func New(conn io.Writer, state State, gate bandwidth.Gate, peer *peerid.Identity, c *counters.Counters, o Options, l logger.Logger) *PeerWriter {
	if o.ChokeSpacing == 0 {
		o.ChokeSpacing = DefaultOptions.ChokeSpacing
	}
	if o.ThrottleWait == 0 {
		o.ThrottleWait = DefaultOptions.ThrottleWait
	}
	if o.KeepAlivePeriod == 0 {
		o.KeepAlivePeriod = DefaultOptions.KeepAlivePeriod
	}
	if c == nil {
		c = new(counters.Counters)
	}
	return &PeerWriter{
		conn:     conn,
		state:    state,
		gate:     gate,
		peer:     peer,
		counters: c,
		options:  o,
		log:      l,
		queue:    list.New(),
		wakeC:    make(chan struct{}, 1),
		stopC:    make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

func (p *PeerWriter) wake() {
	select {
	case p.wakeC <- struct{}{}:
	default:
	}
}

// SendMessage queues a message for sending. Does not block.
// A choke queued while an unchoke is still waiting in the queue cancels both,
// the same applies to interested and not interested.
func (p *PeerWriter) SendMessage(msg peerprotocol.Message) {
	p.m.Lock()
	defer p.m.Unlock()
	if p.stopped {
		return
	}
	if p.cancelOpposite(msg) {
		return
	}
	p.queue.PushBack(msg)
	p.wake()
}

func (p *PeerWriter) cancelOpposite(msg peerprotocol.Message) bool {
	var opposite peerprotocol.MessageID
	switch msg.ID() {
	case peerprotocol.Choke:
		opposite = peerprotocol.Unchoke
	case peerprotocol.Unchoke:
		opposite = peerprotocol.Choke
	case peerprotocol.Interested:
		opposite = peerprotocol.NotInterested
	case peerprotocol.NotInterested:
		opposite = peerprotocol.Interested
	default:
		return false
	}
	for e := p.queue.Back(); e != nil; e = e.Prev() {
		m, ok := e.Value.(peerprotocol.Message)
		if !ok {
			continue
		}
		switch m.ID() {
		case opposite:
			p.queue.Remove(e)
			return true
		case msg.ID():
			return false
		}
	}
	return false
}

// SendPiece queues a piece message for sending. Does not block.
// Piece data is loaded by calling load just before the message is sent.
// A nil slice returned from load means the data is not available.
func (p *PeerWriter) SendPiece(msg peerprotocol.RequestMessage, load func() ([]byte, error)) {
	p.m.Lock()
	defer p.m.Unlock()
	if p.stopped {
		return
	}
	p.queue.PushBack(&Piece{RequestMessage: msg, Load: load})
	p.queuedPieceBytes += int64(msg.Length)
	p.wake()
}

// CancelPiece removes previously queued piece message matching msg.
// Returns false if the piece is not in the queue.
func (p *PeerWriter) CancelPiece(msg peerprotocol.RequestMessage) bool {
	p.m.Lock()
	defer p.m.Unlock()
	for e := p.queue.Front(); e != nil; e = e.Next() {
		if pi, ok := e.Value.(*Piece); ok && pi.RequestMessage == msg {
			p.removePiece(e, pi)
			return true
		}
	}
	return false
}

// CancelRequestMessages removes all queued request messages.
func (p *PeerWriter) CancelRequestMessages() {
	p.m.Lock()
	defer p.m.Unlock()
	var next *list.Element
	for e := p.queue.Front(); e != nil; e = next {
		next = e.Next()
		if _, ok := e.Value.(peerprotocol.RequestMessage); ok {
			p.queue.Remove(e)
		}
	}
}

// QueuedPieceBytes returns the total length of queued piece messages.
func (p *PeerWriter) QueuedPieceBytes() int64 {
	p.m.Lock()
	defer p.m.Unlock()
	return p.queuedPieceBytes
}

// QueueLength returns the number of queued messages.
func (p *PeerWriter) QueueLength() int {
	p.m.Lock()
	defer p.m.Unlock()
	return p.queue.Len()
}

func (p *PeerWriter) removePiece(e *list.Element, pi *Piece) {
	p.queue.Remove(e)
	p.queuedPieceBytes -= int64(pi.Length)
}

// Stop the writer. Queued messages are dropped. Safe to call more than once.
func (p *PeerWriter) Stop() {
	p.closeOnce.Do(func() {
		p.m.Lock()
		p.stopped = true
		p.queue.Init()
		p.queuedPieceBytes = 0
		p.m.Unlock()
		close(p.stopC)
	})
}

// Done is closed when Run returns.
func (p *PeerWriter) Done() chan struct{} {
	return p.doneC
}

// Run sends queued messages until Stop is called or a write fails.
func (p *PeerWriter) Run() error {
	defer close(p.doneC)

	keepAlive := time.NewTimer(p.options.KeepAlivePeriod)
	defer keepAlive.Stop()
	var throttle *time.Timer
	defer func() {
		if throttle != nil {
			throttle.Stop()
		}
	}()

	for {
		msg, wait := p.next(time.Now())
		if msg != nil {
			if err := p.write(msg); err != nil {
				if err == errStopped {
					return nil
				}
				return err
			}
			if !keepAlive.Stop() {
				select {
				case <-keepAlive.C:
				default:
				}
			}
			keepAlive.Reset(p.options.KeepAlivePeriod)
			continue
		}
		var throttleC <-chan time.Time
		if wait > 0 {
			if throttle == nil {
				throttle = time.NewTimer(wait)
			} else {
				throttle.Reset(wait)
			}
			throttleC = throttle.C
		}
		select {
		case <-p.wakeC:
		case <-throttleC:
		case <-keepAlive.C:
			if err := p.writeKeepAlive(); err != nil {
				return err
			}
			keepAlive.Reset(p.options.KeepAlivePeriod)
		case <-p.stopC:
			return nil
		}
		if throttle != nil && !throttle.Stop() {
			select {
			case <-throttle.C:
			default:
			}
		}
	}
}

// next returns the next message to send. If nothing can be sent now,
// it returns the time after which the queue must be checked again, or zero to wait for new messages.
func (p *PeerWriter) next(now time.Time) (interface{}, time.Duration) {
	p.m.Lock()
	defer p.m.Unlock()
	if p.stopped {
		return nil, 0
	}
	var (
		wait         time.Duration
		skipRequests bool
		chokeQueued  bool
		headPiece    *list.Element
		next         *list.Element
	)
	setWait := func(d time.Duration) {
		if d <= 0 || d > p.options.ThrottleWait {
			d = p.options.ThrottleWait
		}
		if wait == 0 || d < wait {
			wait = d
		}
	}
	for e := p.queue.Front(); e != nil; e = e.Next() {
		if _, ok := e.Value.(peerprotocol.ChokeMessage); ok {
			chokeQueued = true
			break
		}
	}
	for e := p.queue.Front(); e != nil; e = next {
		next = e.Next()
		switch msg := e.Value.(type) {
		case *Piece:
			if p.state.Choking() {
				if chokeQueued {
					// Purged after the choke is sent.
					continue
				}
				p.removePiece(e, msg)
				if p.options.Fast {
					return peerprotocol.RejectMessage{RequestMessage: msg.RequestMessage}, 0
				}
				continue
			}
			if headPiece == nil {
				headPiece = e
			}
		case peerprotocol.RequestMessage:
			if p.state.Choked() {
				// Will be sent again on unchoke.
				p.queue.Remove(e)
				continue
			}
			if skipRequests {
				continue
			}
			if !p.gate.ShouldRequest(p.peer, int(msg.Length)) {
				skipRequests = true
				if d, ok := p.gate.(delayer); ok {
					setWait(d.RequestDelay(int(msg.Length)))
				} else {
					setWait(0)
				}
				continue
			}
			p.queue.Remove(e)
			return msg, 0
		case peerprotocol.ChokeMessage, peerprotocol.UnchokeMessage:
			if since := now.Sub(p.lastChoke); since < p.options.ChokeSpacing {
				setWait(p.options.ChokeSpacing - since)
				continue
			}
			p.queue.Remove(e)
			p.lastChoke = now
			return msg, 0
		default:
			p.queue.Remove(e)
			return msg, 0
		}
	}
	if headPiece != nil {
		pi := headPiece.Value.(*Piece)
		if p.gate.ShouldSend(int(pi.Length)) {
			p.removePiece(headPiece, pi)
			return pi, 0
		}
		if d, ok := p.gate.(delayer); ok {
			setWait(d.SendDelay(int(pi.Length)))
		} else {
			setWait(0)
		}
	}
	return nil, wait
}

// purgePieces removes queued piece messages after a choke is sent.
// Rejects for the purged pieces are queued to be sent right after the choke.
func (p *PeerWriter) purgePieces() {
	p.m.Lock()
	defer p.m.Unlock()
	var rejects []peerprotocol.Message
	var next *list.Element
	for e := p.queue.Front(); e != nil; e = next {
		next = e.Next()
		if pi, ok := e.Value.(*Piece); ok {
			p.removePiece(e, pi)
			if p.options.Fast {
				rejects = append(rejects, peerprotocol.RejectMessage{RequestMessage: pi.RequestMessage})
			}
		}
	}
	for i := len(rejects) - 1; i >= 0; i-- {
		p.queue.PushFront(rejects[i])
	}
	if len(rejects) > 0 {
		p.log.Debugf("purged %d pieces after choke", len(rejects))
	}
}

func (p *PeerWriter) write(v interface{}) error {
	var msg peerprotocol.Message
	switch m := v.(type) {
	case *Piece:
		data, err := m.Load()
		if err != nil {
			p.log.Errorf("cannot load piece data for %d/%d: %s", m.Index, m.Begin, err)
		}
		if err != nil || data == nil {
			if p.options.Fast {
				msg = peerprotocol.RejectMessage{RequestMessage: m.RequestMessage}
				break
			}
			return nil
		}
		msg = peerprotocol.PieceMessage{Index: m.Index, Begin: m.Begin, Data: data}
	case peerprotocol.Message:
		msg = m
	}
	select {
	case <-p.stopC:
		return errStopped
	default:
	}
	_, err := peerprotocol.WriteMessage(p.conn, msg)
	if err != nil {
		if _, ok := err.(*net.OpError); ok || errors.Is(err, io.ErrClosedPipe) {
			p.log.Debugf("cannot write message [%v]: %s", msg.ID(), err.Error())
		} else {
			p.log.Errorf("cannot write message [%v]: %s", msg.ID(), err.Error())
		}
		return err
	}
	switch m := msg.(type) {
	case peerprotocol.PieceMessage:
		p.gate.Uploaded(len(m.Data))
		p.counters.AddUploaded(int64(len(m.Data)))
	case peerprotocol.ChokeMessage:
		p.purgePieces()
	}
	return nil
}

func (p *PeerWriter) writeKeepAlive() error {
	err := peerprotocol.WriteKeepAlive(p.conn)
	if err != nil {
		p.log.Debugf("cannot write keepalive message: %s", err.Error())
	}
	return err
}
