package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/udpchat/udpchat/pkg/crypto"
	"github.com/udpchat/udpchat/pkg/metrics"
	"github.com/udpchat/udpchat/pkg/store"
	"github.com/udpchat/udpchat/pkg/wire"
)

func newTestServer(t *testing.T) *Server {
	return newTestServerWith(t, &Config{})
}

func newTestServerWith(t *testing.T, cfg *Config) *Server {
	t.Helper()
	cfg.BindAddr = "127.0.0.1:0"
	cfg.KeyDir = t.TempDir()
	srv, err := New(cfg, store.NewMemoryStore(), metrics.New())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

// udpClient speaks the datagram protocol against a running server, the
// way a real client does: real socket, real handshake, real crypto.
type udpClient struct {
	conn       net.PacketConn
	server     net.Addr
	private    *rsa.PrivateKey
	sessionID  string
	sessionKey []byte
}

func dialServer(t *testing.T, srv *Server) *udpClient {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("binding client socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating client key: %v", err)
	}
	return &udpClient{conn: conn, server: srv.LocalAddr(), private: private}
}

func (c *udpClient) handshake(t *testing.T) {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&c.private.PublicKey)
	if err != nil {
		t.Fatalf("encoding client key: %v", err)
	}
	c.sendRaw(t, mustJSON(t, wire.HandshakeRequest{
		Type:      wire.FrameSessionInit,
		ClientKey: base64.StdEncoding.EncodeToString(der),
	}))

	data, ok := c.read(t, 3*time.Second)
	if !ok {
		t.Fatal("no handshake response")
	}
	var resp wire.HandshakeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decoding handshake response: %v", err)
	}
	wrapped, err := hex.DecodeString(resp.EncryptedKey)
	if err != nil {
		t.Fatalf("decoding encrypted_key: %v", err)
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, c.private, wrapped, nil)
	if err != nil {
		t.Fatalf("unwrapping session key: %v", err)
	}
	c.sessionID = resp.SessionID
	c.sessionKey = key
}

// sealPayload builds the SECURE_MSG frame bytes for an inner payload.
func (c *udpClient) sealPayload(t *testing.T, p *wire.Payload) []byte {
	t.Helper()
	plaintext, err := p.Encode()
	if err != nil {
		t.Fatalf("encoding payload: %v", err)
	}
	nonce := crypto.GenerateNonce()
	ciphertext, err := crypto.AEADSeal(c.sessionKey, nonce, plaintext)
	if err != nil {
		t.Fatalf("sealing payload: %v", err)
	}
	return mustJSON(t, wire.SecureEnvelope{
		Type:       wire.FrameSecureMsg,
		SessionID:  c.sessionID,
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
	})
}

func (c *udpClient) send(t *testing.T, p *wire.Payload) {
	t.Helper()
	c.sendRaw(t, c.sealPayload(t, p))
}

func (c *udpClient) sendRaw(t *testing.T, frame []byte) {
	t.Helper()
	if _, err := c.conn.WriteTo(frame, c.server); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

// read returns one raw datagram, or false if none arrives in time.
func (c *udpClient) read(t *testing.T, timeout time.Duration) ([]byte, bool) {
	t.Helper()
	buf := make([]byte, wire.MaxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := c.conn.ReadFrom(buf)
	if err != nil {
		return nil, false
	}
	data := make([]byte, n)
	copy(data, buf[:n])
	return data, true
}

// openPayload decrypts a SECURE_MSG frame; nil for anything else.
func (c *udpClient) openPayload(t *testing.T, data []byte) *wire.Payload {
	t.Helper()
	var env wire.SecureEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != wire.FrameSecureMsg {
		return nil
	}
	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil {
		t.Fatalf("decoding nonce: %v", err)
	}
	ciphertext, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		t.Fatalf("decoding ciphertext: %v", err)
	}
	plaintext, err := crypto.AEADOpen(c.sessionKey, nonce, ciphertext)
	if err != nil {
		t.Fatalf("opening frame: %v", err)
	}
	p, err := wire.DecodePayload(plaintext)
	if err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	return p
}

func (c *udpClient) ack(t *testing.T, msgID string) {
	t.Helper()
	p, err := wire.NewPayload(wire.KindAck, map[string]string{"msg_id": msgID})
	if err != nil {
		t.Fatalf("building ack: %v", err)
	}
	c.send(t, p)
}

// waitFor reads frames until one of the wanted kind arrives, acking every
// reliable frame it sees on the way.
func (c *udpClient) waitFor(t *testing.T, kind string) *wire.Payload {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		data, ok := c.read(t, time.Until(deadline))
		if !ok {
			break
		}
		p := c.openPayload(t, data)
		if p == nil {
			continue
		}
		if p.MsgID != "" && p.Type != wire.KindAck {
			c.ack(t, p.MsgID)
		}
		if p.Type == kind {
			return p
		}
	}
	t.Fatalf("no %s frame before timeout", kind)
	return nil
}

func (c *udpClient) login(t *testing.T, email string) {
	t.Helper()
	p, err := wire.NewPayload(wire.KindLogin, map[string]string{"email": email})
	if err != nil {
		t.Fatalf("building login: %v", err)
	}
	p.MsgID = newClientMsgID()
	c.send(t, p)
	c.waitFor(t, wire.KindWelcome)
}

func newClientMsgID() string {
	var buf [16]byte
	rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func decodeData(t *testing.T, p *wire.Payload, v any) {
	t.Helper()
	if err := p.DecodeData(v); err != nil {
		t.Fatalf("decoding %s data: %v", p.Type, err)
	}
}

func TestHandshakeAndHello(t *testing.T) {
	srv := newTestServer(t)
	c := dialServer(t, srv)
	c.handshake(t)
	if c.sessionID == "" || len(c.sessionKey) != crypto.SessionKeySize {
		t.Fatalf("handshake left sessionID=%q keyLen=%d", c.sessionID, len(c.sessionKey))
	}

	hello, err := wire.NewPayload(wire.KindHello, nil)
	if err != nil {
		t.Fatalf("building hello: %v", err)
	}
	hello.MsgID = newClientMsgID()
	c.send(t, hello)

	ack := c.waitFor(t, wire.KindAck)
	var acked ackShape
	decodeData(t, ack, &acked)
	if acked.MsgID != hello.MsgID {
		t.Errorf("acked msg_id = %q, want %q", acked.MsgID, hello.MsgID)
	}

	status := c.waitFor(t, wire.KindStatus)
	var st statusShape
	decodeData(t, status, &st)
	if st.SessionID != c.sessionID {
		t.Errorf("status session_id = %q, want %q", st.SessionID, c.sessionID)
	}
	if st.User != nil {
		t.Errorf("status user = %+v, want nil before login", st.User)
	}
}

func TestLoginWelcome(t *testing.T) {
	srv := newTestServer(t)
	c := dialServer(t, srv)
	c.handshake(t)

	p, err := wire.NewPayload(wire.KindLogin, map[string]string{"email": "Alice@Example.com"})
	if err != nil {
		t.Fatalf("building login: %v", err)
	}
	p.MsgID = newClientMsgID()
	c.send(t, p)

	welcome := c.waitFor(t, wire.KindWelcome)
	var w welcomeShape
	decodeData(t, welcome, &w)
	if w.User == nil {
		t.Fatal("welcome carries no user")
	}
	if w.User.Email != "alice@example.com" {
		t.Errorf("email = %q, want lowercased", w.User.Email)
	}
	if w.User.Name != "alice" {
		t.Errorf("name = %q, want local part", w.User.Name)
	}
}

func TestReplayedFrameIsDropped(t *testing.T) {
	srv := newTestServer(t)
	c := dialServer(t, srv)
	c.handshake(t)

	hello, err := wire.NewPayload(wire.KindHello, nil)
	if err != nil {
		t.Fatalf("building hello: %v", err)
	}
	frame := c.sealPayload(t, hello)

	c.sendRaw(t, frame)
	c.waitFor(t, wire.KindStatus)

	// The identical bytes again: dropped without any reply.
	c.sendRaw(t, frame)
	if data, ok := c.read(t, 300*time.Millisecond); ok {
		t.Errorf("replayed frame produced a reply: %s", data)
	}
}

func TestRoomMessageBroadcast(t *testing.T) {
	srv := newTestServer(t)
	alice := dialServer(t, srv)
	alice.handshake(t)
	alice.login(t, "alice@example.com")
	bob := dialServer(t, srv)
	bob.handshake(t)
	bob.login(t, "bob@example.com")

	create, err := wire.NewPayload(wire.KindCreateRoom, map[string]any{"name": "general"})
	if err != nil {
		t.Fatalf("building create: %v", err)
	}
	create.MsgID = newClientMsgID()
	alice.send(t, create)
	created := alice.waitFor(t, wire.KindRoomCreated)
	var room roomShape
	decodeData(t, created, &room)
	if room.RoomID == "" {
		t.Fatal("room created without an id")
	}

	join, err := wire.NewPayload(wire.KindJoinRoom, map[string]string{"room_id": room.RoomID})
	if err != nil {
		t.Fatalf("building join: %v", err)
	}
	join.MsgID = newClientMsgID()
	bob.send(t, join)
	bob.waitFor(t, wire.KindRoomJoined)
	alice.waitFor(t, wire.KindMemberJoined)

	msg, err := wire.NewPayload(wire.KindMessage, map[string]string{
		"room_id": room.RoomID,
		"content": "hello room",
	})
	if err != nil {
		t.Fatalf("building message: %v", err)
	}
	msg.MsgID = newClientMsgID()
	alice.send(t, msg)

	gotAlice := alice.waitFor(t, wire.KindMessage)
	gotBob := bob.waitFor(t, wire.KindMessage)
	var evA, evB messageShape
	decodeData(t, gotAlice, &evA)
	decodeData(t, gotBob, &evB)
	if evA.Content != "hello room" || evB.Content != "hello room" {
		t.Errorf("contents = %q, %q", evA.Content, evB.Content)
	}
	if evA.MessageID != evB.MessageID {
		t.Errorf("message ids differ: %d vs %d", evA.MessageID, evB.MessageID)
	}
	if gotAlice.MsgID == gotBob.MsgID {
		t.Error("deliveries share one msg_id; each delivery needs its own")
	}
	if evA.Name != "alice" {
		t.Errorf("sender name = %q, want alice", evA.Name)
	}
}

func TestSessionPayloadsHandledInOrder(t *testing.T) {
	// More workers than the default so out-of-order handling would have
	// every chance to show up.
	srv := newTestServerWith(t, &Config{Workers: 8})
	c := dialServer(t, srv)
	c.handshake(t)
	c.login(t, "alice@example.com")

	create, err := wire.NewPayload(wire.KindCreateRoom, map[string]any{"name": "ordered"})
	if err != nil {
		t.Fatalf("building create: %v", err)
	}
	create.MsgID = newClientMsgID()
	c.send(t, create)
	created := c.waitFor(t, wire.KindRoomCreated)
	var room roomShape
	decodeData(t, created, &room)

	// A burst of messages on one session. They are decrypted in arrival
	// order by the receive loop and must be appended in that same order.
	const n = 24
	for i := 0; i < n; i++ {
		msg, err := wire.NewPayload(wire.KindMessage, map[string]string{
			"room_id": room.RoomID,
			"content": fmt.Sprintf("m%03d", i),
		})
		if err != nil {
			t.Fatalf("building message %d: %v", i, err)
		}
		msg.MsgID = newClientMsgID()
		c.send(t, msg)
	}
	for i := 0; i < n; i++ {
		c.waitFor(t, wire.KindMessage)
	}

	list, err := wire.NewPayload(wire.KindListMessages, map[string]string{"room_id": room.RoomID})
	if err != nil {
		t.Fatalf("building list: %v", err)
	}
	list.MsgID = newClientMsgID()
	c.send(t, list)
	history := c.waitFor(t, wire.KindRoomHistory)
	var h historyShape
	decodeData(t, history, &h)
	if len(h.Messages) != n {
		t.Fatalf("history length = %d, want %d", len(h.Messages), n)
	}
	for i, entry := range h.Messages {
		if want := fmt.Sprintf("m%03d", i); entry.Content != want {
			t.Fatalf("history[%d] = %q, want %q (burst handled out of order)", i, entry.Content, want)
		}
	}
}

func TestNoSessionHint(t *testing.T) {
	srv := newTestServer(t)
	c := dialServer(t, srv)
	c.handshake(t)

	// A frame for a session the server never saw, from an address that does
	// hold a live session: the server answers with a cleartext hint.
	lost := &udpClient{
		conn:       c.conn,
		server:     c.server,
		sessionID:  "0123456789abcdef0123456789abcdef",
		sessionKey: make([]byte, crypto.SessionKeySize),
	}
	hello, err := wire.NewPayload(wire.KindHello, nil)
	if err != nil {
		t.Fatalf("building hello: %v", err)
	}
	lost.sendRaw(t, lost.sealPayload(t, hello))

	data, ok := c.read(t, 3*time.Second)
	if !ok {
		t.Fatal("no NO_SESSION hint")
	}
	var hint wire.CleartextError
	if err := json.Unmarshal(data, &hint); err != nil {
		t.Fatalf("decoding hint: %v", err)
	}
	if hint.Code != "NO_SESSION" {
		t.Errorf("hint code = %q, want NO_SESSION", hint.Code)
	}
}

func TestUnknownSessionFromStrangerStaysSilent(t *testing.T) {
	srv := newTestServer(t)
	stranger := dialServer(t, srv)
	stranger.sessionID = "ffffffffffffffffffffffffffffffff"
	stranger.sessionKey = make([]byte, crypto.SessionKeySize)

	hello, err := wire.NewPayload(wire.KindHello, nil)
	if err != nil {
		t.Fatalf("building hello: %v", err)
	}
	stranger.sendRaw(t, stranger.sealPayload(t, hello))

	if data, ok := stranger.read(t, 300*time.Millisecond); ok {
		t.Errorf("stranger got a reply: %s", data)
	}
}

// Client-side views of the reply data shapes.
type ackShape struct {
	MsgID string `json:"msg_id"`
}

type userShape struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

type statusShape struct {
	SessionID string     `json:"session_id"`
	User      *userShape `json:"user"`
}

type welcomeShape struct {
	User *userShape `json:"user"`
}

type roomShape struct {
	RoomID string `json:"room_id"`
	Name   string `json:"name"`
}

type messageShape struct {
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
}

type historyShape struct {
	RoomID   string `json:"room_id"`
	Messages []struct {
		Content string `json:"content"`
	} `json:"messages"`
}
