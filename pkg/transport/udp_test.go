package transport

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"

	"github.com/udpchat/udpchat/pkg/dispatch"
	"github.com/udpchat/udpchat/pkg/wire"
)

// frameSink collects frames delivered to a transport handler.
type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) handle(data []byte, _ net.Addr) {
	s.mu.Lock()
	s.frames = append(s.frames, data)
	s.mu.Unlock()
}

func (s *frameSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
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

func TestUDPRoundTrip(t *testing.T) {
	sink := &frameSink{}
	receiver, err := NewUDP(UDPConfig{
		ListenAddr: "127.0.0.1:0",
		Handler:    sink.handle,
	})
	if err != nil {
		t.Fatalf("NewUDP() error = %v", err)
	}
	if err := receiver.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer receiver.Stop()

	sender, err := NewUDP(UDPConfig{
		ListenAddr: "127.0.0.1:0",
		Handler:    func([]byte, net.Addr) {},
	})
	if err != nil {
		t.Fatalf("NewUDP() error = %v", err)
	}
	if err := sender.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sender.Stop()

	frame := []byte(`{"type":"SESSION_INIT","client_key":"AAAA"}`)
	if err := sender.WriteTo(frame, receiver.LocalAddr()); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return sink.count() == 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if string(sink.frames[0]) != string(frame) {
		t.Errorf("received %q, want %q", sink.frames[0], frame)
	}
}

func TestUDPWriteOverSizeCap(t *testing.T) {
	u, err := NewUDP(UDPConfig{
		ListenAddr: "127.0.0.1:0",
		Handler:    func([]byte, net.Addr) {},
	})
	if err != nil {
		t.Fatalf("NewUDP() error = %v", err)
	}
	defer u.Stop()

	oversize := make([]byte, wire.MaxFrameSize+1)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	if err := u.WriteTo(oversize, addr); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("error = %v, want %v", err, ErrFrameTooLarge)
	}
}

func TestUDPRequiresHandler(t *testing.T) {
	if _, err := NewUDP(UDPConfig{ListenAddr: "127.0.0.1:0"}); !errors.Is(err, ErrNoHandler) {
		t.Errorf("error = %v, want %v", err, ErrNoHandler)
	}
}

type staticPeer struct {
	id   string
	addr net.Addr
}

func (p *staticPeer) ID() string           { return p.id }
func (p *staticPeer) RemoteAddr() net.Addr { return p.addr }

// TestLossyLinkRetransmit runs the dispatcher over a virtual network that
// drops the first transmissions, verifying the frame still arrives via
// retransmission.
func TestLossyLinkRetransmit(t *testing.T) {
	lf := logging.NewDefaultLoggerFactory()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: lf,
	})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	clientNet, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("NewNet() error = %v", err)
	}
	serverNet, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("NewNet() error = %v", err)
	}
	if err := router.AddNet(clientNet); err != nil {
		t.Fatalf("AddNet() error = %v", err)
	}
	if err := router.AddNet(serverNet); err != nil {
		t.Fatalf("AddNet() error = %v", err)
	}

	// Drop the first two datagrams crossing the router.
	var filterMu sync.Mutex
	dropped := 0
	router.AddChunkFilter(func(vnet.Chunk) bool {
		filterMu.Lock()
		defer filterMu.Unlock()
		if dropped < 2 {
			dropped++
			return false
		}
		return true
	})

	if err := router.Start(); err != nil {
		t.Fatalf("router start: %v", err)
	}
	defer router.Stop()

	serverConn, err := serverNet.ListenPacket("udp4", "10.0.0.2:9999")
	if err != nil {
		t.Fatalf("server listen: %v", err)
	}
	clientConn, err := clientNet.ListenPacket("udp4", "10.0.0.1:0")
	if err != nil {
		t.Fatalf("client listen: %v", err)
	}

	sink := &frameSink{}
	server, err := NewUDP(UDPConfig{Conn: serverConn, Handler: sink.handle, LoggerFactory: lf})
	if err != nil {
		t.Fatalf("NewUDP(server) error = %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	client, err := NewUDP(UDPConfig{Conn: clientConn, Handler: func([]byte, net.Addr) {}, LoggerFactory: lf})
	if err != nil {
		t.Fatalf("NewUDP(client) error = %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("client start: %v", err)
	}
	defer client.Stop()

	d, err := dispatch.New(dispatch.Config{
		Sender:      client,
		RTOBase:     30 * time.Millisecond,
		RTOMax:      120 * time.Millisecond,
		MaxAttempts: 10,
	})
	if err != nil {
		t.Fatalf("dispatch.New() error = %v", err)
	}
	defer d.Close()

	peer := &staticPeer{id: "server", addr: serverConn.LocalAddr()}
	if err := d.Enqueue(peer, "m1", []byte(`{"type":"SECURE_MSG"}`)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return sink.count() >= 1 })
	if !d.Ack("m1") {
		t.Error("Ack() = false for delivered frame")
	}
}
