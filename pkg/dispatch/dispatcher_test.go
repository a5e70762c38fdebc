package dispatch

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

type testPeer struct {
	id   string
	addr net.Addr
}

func (p *testPeer) ID() string           { return p.id }
func (p *testPeer) RemoteAddr() net.Addr { return p.addr }

func newTestPeer(id string) *testPeer {
	return &testPeer{id: id, addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}}
}

// captureSender records every transmitted frame.
type captureSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *captureSender) WriteTo(frame []byte, _ net.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newTestDispatcher(t *testing.T, config Config) (*Dispatcher, *captureSender) {
	t.Helper()
	sender := &captureSender{}
	config.Sender = sender
	d, err := New(config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(d.Close)
	return d, sender
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEnqueueSendsImmediately(t *testing.T) {
	d, sender := newTestDispatcher(t, Config{RTOBase: time.Hour, RTOMax: time.Hour})

	if err := d.Enqueue(newTestPeer("p1"), "m1", []byte("frame")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if sender.count() != 1 {
		t.Errorf("sends = %d, want 1", sender.count())
	}
	if d.Depth() != 1 {
		t.Errorf("Depth() = %d, want 1", d.Depth())
	}
}

func TestDuplicateMsgID(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{RTOBase: time.Hour})

	peer := newTestPeer("p1")
	if err := d.Enqueue(peer, "m1", []byte("a")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := d.Enqueue(peer, "m1", []byte("b")); !errors.Is(err, ErrDuplicateMsgID) {
		t.Errorf("error = %v, want %v", err, ErrDuplicateMsgID)
	}
}

func TestAckStopsRetransmission(t *testing.T) {
	d, sender := newTestDispatcher(t, Config{RTOBase: 20 * time.Millisecond, RTOMax: 20 * time.Millisecond})

	if err := d.Enqueue(newTestPeer("p1"), "m1", []byte("frame")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !d.Ack("m1") {
		t.Fatal("Ack() = false for pending msg_id")
	}
	if d.Ack("m1") {
		t.Error("duplicate Ack() = true")
	}
	if d.Depth() != 0 {
		t.Errorf("Depth() = %d, want 0", d.Depth())
	}

	sends := sender.count()
	time.Sleep(100 * time.Millisecond)
	if sender.count() != sends {
		t.Errorf("sends grew after ack: %d -> %d", sends, sender.count())
	}
}

func TestRetransmitsIdenticalFrame(t *testing.T) {
	d, sender := newTestDispatcher(t, Config{
		RTOBase:     10 * time.Millisecond,
		RTOMax:      10 * time.Millisecond,
		MaxAttempts: 3,
	})

	frame := []byte("sealed-bytes")
	if err := d.Enqueue(newTestPeer("p1"), "m1", frame); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, time.Second, func() bool { return sender.count() >= 2 })

	sender.mu.Lock()
	defer sender.mu.Unlock()
	for i, sent := range sender.frames {
		if string(sent) != string(frame) {
			t.Errorf("send %d = %q, want %q", i, sent, frame)
		}
	}
}

func TestGiveUpAfterMaxAttempts(t *testing.T) {
	var (
		mu       sync.Mutex
		givenUp  []string
		peerSeen string
	)
	d, sender := newTestDispatcher(t, Config{
		RTOBase:     5 * time.Millisecond,
		RTOMax:      5 * time.Millisecond,
		MaxAttempts: 3,
		OnGiveUp: func(peerID, msgID string) {
			mu.Lock()
			givenUp = append(givenUp, msgID)
			peerSeen = peerID
			mu.Unlock()
		},
	})

	if err := d.Enqueue(newTestPeer("p1"), "m1", []byte("frame")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(givenUp) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if givenUp[0] != "m1" || peerSeen != "p1" {
		t.Errorf("give-up = (%v, %s)", givenUp, peerSeen)
	}
	if got := sender.count(); got != 3 {
		t.Errorf("total sends = %d, want 3", got)
	}
	if d.Depth() != 0 {
		t.Errorf("Depth() = %d, want 0", d.Depth())
	}
}

func TestDropPeerCancelsInFlight(t *testing.T) {
	d, sender := newTestDispatcher(t, Config{RTOBase: 10 * time.Millisecond, RTOMax: 10 * time.Millisecond})

	p1, p2 := newTestPeer("p1"), newTestPeer("p2")
	if err := d.Enqueue(p1, "m1", []byte("a")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := d.Enqueue(p1, "m2", []byte("b")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := d.Enqueue(p2, "m3", []byte("c")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	d.DropPeer("p1")

	if d.Depth() != 1 {
		t.Errorf("Depth() = %d, want 1", d.Depth())
	}
	if d.Ack("m1") || d.Ack("m2") {
		t.Error("dropped frames still ackable")
	}
	if !d.Ack("m3") {
		t.Error("other peer's frame was dropped too")
	}
	_ = sender
}

func TestCloseRejectsEnqueue(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{RTOBase: time.Hour})
	d.Close()
	if err := d.Enqueue(newTestPeer("p1"), "m1", []byte("a")); !errors.Is(err, ErrClosed) {
		t.Errorf("error = %v, want %v", err, ErrClosed)
	}
}
