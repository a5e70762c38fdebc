// Package dispatch implements at-least-once delivery of sealed frames.
// Every reliable payload is sent, tracked by its msg_id, and retransmitted
// with exponential backoff until the peer acknowledges it or the attempt
// budget runs out.
//
// Frames are sealed once and retransmitted byte-identical; the dispatcher
// never re-encrypts.
package dispatch

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pion/logging"
)

// Retransmission defaults.
const (
	DefaultRTOBase     = time.Second
	DefaultRTOMax      = 8 * time.Second
	DefaultMaxAttempts = 5
)

// Dispatch errors.
var (
	// ErrDuplicateMsgID is returned when a msg_id is already in flight.
	ErrDuplicateMsgID = errors.New("dispatch: msg_id already pending")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatch: dispatcher closed")
)

// Peer is the destination of a reliable frame. Implemented by
// session.Context.
type Peer interface {
	ID() string
	RemoteAddr() net.Addr
}

// Sender puts a frame on the wire. Implemented by the UDP transport.
type Sender interface {
	WriteTo(frame []byte, addr net.Addr) error
}

// Config configures a Dispatcher.
type Config struct {
	// Sender transmits frames. Required.
	Sender Sender

	// RTOBase is the first retransmission timeout. Default: DefaultRTOBase.
	RTOBase time.Duration

	// RTOMax caps the backoff. Default: DefaultRTOMax.
	RTOMax time.Duration

	// MaxAttempts is the total transmission budget per frame, the initial
	// send included. Default: DefaultMaxAttempts.
	MaxAttempts int

	// OnGiveUp, if set, is called when a frame exhausts its attempts.
	OnGiveUp func(peerID, msgID string)

	// OnRetransmit, if set, is called once per retransmission.
	OnRetransmit func(peerID, msgID string)

	// LoggerFactory is used for logging. Default: a new default factory.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.RTOBase <= 0 {
		c.RTOBase = DefaultRTOBase
	}
	if c.RTOMax <= 0 {
		c.RTOMax = DefaultRTOMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// entry is one in-flight reliable frame.
type entry struct {
	msgID    string
	peer     Peer
	frame    []byte
	attempts int
	backoff  *backoff.Backoff
	timer    *time.Timer
}

func (e *entry) stop() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Dispatcher tracks in-flight reliable frames and drives their
// retransmission.
type Dispatcher struct {
	sender       Sender
	rtoBase      time.Duration
	rtoMax       time.Duration
	maxAttempts  int
	onGiveUp     func(peerID, msgID string)
	onRetransmit func(peerID, msgID string)
	log          logging.LeveledLogger

	mu      sync.Mutex
	entries map[string]*entry            // msg_id -> entry
	byPeer  map[string]map[string]*entry // peer id -> msg_id -> entry
	closed  bool
}

// New creates a dispatcher.
func New(config Config) (*Dispatcher, error) {
	if config.Sender == nil {
		return nil, errors.New("dispatch: Config.Sender is required")
	}
	config.applyDefaults()

	return &Dispatcher{
		sender:       config.Sender,
		rtoBase:      config.RTOBase,
		rtoMax:       config.RTOMax,
		maxAttempts:  config.MaxAttempts,
		onGiveUp:     config.OnGiveUp,
		onRetransmit: config.OnRetransmit,
		log:          config.LoggerFactory.NewLogger("dispatch"),
		entries:      make(map[string]*entry),
		byPeer:       make(map[string]map[string]*entry),
	}, nil
}

// Enqueue transmits the frame and tracks it until Ack(msgID) or until the
// attempt budget is spent. The frame must already carry msgID inside its
// sealed payload.
func (d *Dispatcher) Enqueue(peer Peer, msgID string, frame []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if _, exists := d.entries[msgID]; exists {
		d.mu.Unlock()
		return ErrDuplicateMsgID
	}

	e := &entry{
		msgID:    msgID,
		peer:     peer,
		frame:    frame,
		attempts: 1,
		backoff: &backoff.Backoff{
			Min:    d.rtoBase,
			Max:    d.rtoMax,
			Factor: 2,
			Jitter: true,
		},
	}
	d.entries[msgID] = e
	peerEntries := d.byPeer[peer.ID()]
	if peerEntries == nil {
		peerEntries = make(map[string]*entry)
		d.byPeer[peer.ID()] = peerEntries
	}
	peerEntries[msgID] = e
	e.timer = time.AfterFunc(e.backoff.Duration(), func() { d.onTimeout(msgID) })
	d.mu.Unlock()

	if err := d.sender.WriteTo(frame, peer.RemoteAddr()); err != nil {
		// Keep the entry; the retransmit timer gets another shot.
		d.log.Warnf("send to %s failed: %v", peer.ID(), err)
	}
	return nil
}

func (d *Dispatcher) onTimeout(msgID string) {
	d.mu.Lock()
	e, ok := d.entries[msgID]
	if !ok || d.closed {
		d.mu.Unlock()
		return
	}

	if e.attempts >= d.maxAttempts {
		d.removeLocked(e)
		d.mu.Unlock()
		d.log.Infof("giving up on %s to peer %s after %d attempts", msgID, e.peer.ID(), e.attempts)
		if d.onGiveUp != nil {
			d.onGiveUp(e.peer.ID(), msgID)
		}
		return
	}

	e.attempts++
	e.timer = time.AfterFunc(e.backoff.Duration(), func() { d.onTimeout(msgID) })
	frame, peer := e.frame, e.peer
	d.mu.Unlock()

	if d.onRetransmit != nil {
		d.onRetransmit(peer.ID(), msgID)
	}
	if err := d.sender.WriteTo(frame, peer.RemoteAddr()); err != nil {
		d.log.Warnf("retransmit to %s failed: %v", peer.ID(), err)
	}
}

// Ack settles an in-flight frame. Reports whether msgID was pending;
// duplicate and stray acks return false.
func (d *Dispatcher) Ack(msgID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[msgID]
	if !ok {
		return false
	}
	d.removeLocked(e)
	return true
}

// DropPeer cancels every in-flight frame to the peer. Called when a
// session is evicted or merged away.
func (d *Dispatcher) DropPeer(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.byPeer[peerID] {
		e.stop()
		delete(d.entries, e.msgID)
	}
	delete(d.byPeer, peerID)
}

func (d *Dispatcher) removeLocked(e *entry) {
	e.stop()
	delete(d.entries, e.msgID)
	peerEntries := d.byPeer[e.peer.ID()]
	delete(peerEntries, e.msgID)
	if len(peerEntries) == 0 {
		delete(d.byPeer, e.peer.ID())
	}
}

// Depth returns the number of in-flight frames.
func (d *Dispatcher) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Close cancels all timers. Pending frames are dropped without their
// give-up callback.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	for _, e := range d.entries {
		e.stop()
	}
	d.entries = make(map[string]*entry)
	d.byPeer = make(map[string]map[string]*entry)
}
