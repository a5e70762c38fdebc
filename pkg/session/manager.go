// Package session manages secure channels: the SESSION_INIT handshake,
// admission of encrypted frames (session lookup, replay rejection,
// decryption), sealing of outbound frames, and idle-session eviction.
//
// Live channels are kept in an in-memory table backed by the store, so a
// restarted server transparently revives sessions from persisted state on
// their next frame.
package session

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/udpchat/udpchat/pkg/crypto"
	"github.com/udpchat/udpchat/pkg/store"
	"github.com/udpchat/udpchat/pkg/wire"
)

// DefaultIdleTimeout is how long a session may stay silent before the
// sweeper evicts it.
const DefaultIdleTimeout = 10 * time.Minute

// maxSweepInterval caps the sweeper period for long idle timeouts.
const maxSweepInterval = time.Minute

// sealAttempts bounds nonce regeneration on the (astronomically rare)
// outbound nonce collision.
const sealAttempts = 3

// Config configures a session Manager.
type Config struct {
	// Store persists sessions and nonces. Required.
	Store store.Store

	// Keys holds the server identity used in the handshake. Required.
	Keys *crypto.ServerKeys

	// IdleTimeout evicts sessions silent for this long.
	// Default: DefaultIdleTimeout.
	IdleTimeout time.Duration

	// OnEvict, if set, is called with the public id of every evicted
	// session, after it has been removed.
	OnEvict func(sessionID string)

	// LoggerFactory is used for logging. Default: a new default factory.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

func (c *Config) validate() error {
	if c.Store == nil {
		return errors.New("session: Config.Store is required")
	}
	if c.Keys == nil {
		return errors.New("session: Config.Keys is required")
	}
	return nil
}

// Manager coordinates session contexts for frame encryption/decryption.
type Manager struct {
	store       store.Store
	keys        *crypto.ServerKeys
	idleTimeout time.Duration
	onEvict     func(sessionID string)
	log         logging.LeveledLogger

	mu     sync.RWMutex
	byID   map[string]*Context
	byAddr map[string]*Context

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(config Config) (*Manager, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	return &Manager{
		store:       config.Store,
		keys:        config.Keys,
		idleTimeout: config.IdleTimeout,
		onEvict:     config.OnEvict,
		log:         config.LoggerFactory.NewLogger("session"),
		byID:        make(map[string]*Context),
		byAddr:      make(map[string]*Context),
		done:        make(chan struct{}),
	}, nil
}

// HandleInit performs the server half of the SESSION_INIT handshake:
// generate a session key, wrap it to the client key, sign it, persist the
// session and answer with the server identity.
func (m *Manager) HandleInit(clientKeyB64 string, addr net.Addr) (*wire.HandshakeResponse, error) {
	clientKey, err := crypto.ParseClientKey(clientKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientKey, err)
	}

	sessionKey := crypto.GenerateSessionKey()
	wrapped, err := crypto.OAEPEncrypt(clientKey, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: key too small", ErrClientKey)
	}
	signature, err := m.keys.PSSSign(sessionKey)
	if err != nil {
		return nil, err
	}

	sessionID := crypto.GenerateID()
	rec := &store.Session{
		SessionID:  sessionID,
		SessionKey: hex.EncodeToString(sessionKey),
		RemoteAddr: addr.String(),
	}
	if err := m.store.CreateSession(rec); err != nil {
		return nil, err
	}

	ctx := &Context{
		sessionID:  sessionID,
		rowID:      rec.ID,
		key:        sessionKey,
		remoteAddr: addr,
		lastActive: rec.LastActiveAt,
	}
	m.mu.Lock()
	m.byID[sessionID] = ctx
	m.byAddr[addr.String()] = ctx
	m.mu.Unlock()

	m.log.Debugf("handshake complete: session=%s addr=%s", sessionID, addr)

	return &wire.HandshakeResponse{
		Type:         wire.FrameSessionInit,
		SessionID:    sessionID,
		EncryptedKey: hex.EncodeToString(wrapped),
		Signature:    hex.EncodeToString(signature),
		ServerPubkey: hex.EncodeToString(m.keys.PublicDER),
		Fingerprint:  m.keys.Fingerprint,
	}, nil
}

// Admit processes an inbound SECURE_MSG envelope: look up the session,
// record the nonce (rejecting replays), decrypt, and refresh activity.
// On success it returns the session context and the inner plaintext.
//
// The nonce is recorded before decryption so that two racing copies of
// the same frame cannot both be accepted.
func (m *Manager) Admit(env *wire.SecureEnvelope, addr net.Addr) (*Context, []byte, error) {
	ctx, err := m.Lookup(env.SessionID)
	if err != nil {
		return nil, nil, err
	}

	if err := m.store.InsertNonce(ctx.rowID, env.Nonce); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ctx, nil, ErrReplay
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrNoSession
		}
		return nil, nil, err
	}

	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil {
		return ctx, nil, wire.ErrMalformed
	}
	ciphertext, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return ctx, nil, wire.ErrMalformed
	}
	plaintext, err := crypto.AEADOpen(ctx.key, nonce, ciphertext)
	if err != nil {
		return ctx, nil, err
	}

	now := time.Now()
	m.trackAddr(ctx, addr)
	ctx.touch(addr, now)
	if err := m.store.TouchSession(ctx.sessionID, now, addr.String()); err != nil {
		m.log.Warnf("touch session %s: %v", ctx.sessionID, err)
	}
	return ctx, plaintext, nil
}

// Seal encrypts a plaintext for the session and records the outbound
// nonce so it can never be accepted inbound.
func (m *Manager) Seal(ctx *Context, plaintext []byte) (*wire.SecureEnvelope, error) {
	for i := 0; i < sealAttempts; i++ {
		nonce := crypto.GenerateNonce()
		nonceHex := hex.EncodeToString(nonce)
		if err := m.store.InsertNonce(ctx.rowID, nonceHex); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return nil, err
		}
		ciphertext, err := crypto.AEADSeal(ctx.key, nonce, plaintext)
		if err != nil {
			return nil, err
		}
		return &wire.SecureEnvelope{
			Type:       wire.FrameSecureMsg,
			SessionID:  ctx.sessionID,
			Nonce:      nonceHex,
			Ciphertext: hex.EncodeToString(ciphertext),
		}, nil
	}
	return nil, errors.New("session: nonce generation kept colliding")
}

// Lookup finds a live context by public session id, reviving it from the
// store when the server restarted since the handshake.
func (m *Manager) Lookup(sessionID string) (*Context, error) {
	m.mu.RLock()
	ctx := m.byID[sessionID]
	m.mu.RUnlock()
	if ctx != nil {
		return ctx, nil
	}

	rec, err := m.store.SessionBySID(sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	return m.revive(rec)
}

func (m *Manager) revive(rec *store.Session) (*Context, error) {
	key, err := hex.DecodeString(rec.SessionKey)
	if err != nil || len(key) != crypto.SessionKeySize {
		return nil, ErrNoSession
	}
	var addr net.Addr
	if rec.RemoteAddr != "" {
		addr, _ = net.ResolveUDPAddr("udp", rec.RemoteAddr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.byID[rec.SessionID]; existing != nil {
		return existing, nil
	}
	ctx := &Context{
		sessionID:  rec.SessionID,
		rowID:      rec.ID,
		key:        key,
		userID:     rec.UserID,
		remoteAddr: addr,
		lastActive: rec.LastActiveAt,
	}
	m.byID[rec.SessionID] = ctx
	if addr != nil {
		m.byAddr[addr.String()] = ctx
	}
	m.log.Debugf("revived session %s from store", rec.SessionID)
	return ctx, nil
}

func (m *Manager) trackAddr(ctx *Context, addr net.Addr) {
	if addr == nil {
		return
	}
	prev := ctx.RemoteAddr()
	m.mu.Lock()
	if prev != nil && prev.String() != addr.String() && m.byAddr[prev.String()] == ctx {
		delete(m.byAddr, prev.String())
	}
	m.byAddr[addr.String()] = ctx
	m.mu.Unlock()
}

// HasPeerAt reports whether some live session is bound to the address.
// Used to decide whether a NO_SESSION hint is worth sending.
func (m *Manager) HasPeerAt(addr net.Addr) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byAddr[addr.String()] != nil
}

// BindUser attaches a user to the session, in memory and in the store.
func (m *Manager) BindUser(ctx *Context, userID int64) error {
	if err := m.store.BindSessionUser(ctx.sessionID, userID); err != nil {
		return err
	}
	ctx.setUser(userID)
	return nil
}

// ClearUser detaches the session from its user.
func (m *Manager) ClearUser(ctx *Context) error {
	return m.BindUser(ctx, 0)
}

// Remove deletes a session from memory and from the store.
func (m *Manager) Remove(sessionID string) error {
	m.evict(sessionID)
	err := m.store.DeleteSession(sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (m *Manager) evict(sessionID string) {
	m.mu.Lock()
	ctx := m.byID[sessionID]
	delete(m.byID, sessionID)
	if ctx != nil {
		if addr := ctx.RemoteAddr(); addr != nil && m.byAddr[addr.String()] == ctx {
			delete(m.byAddr, addr.String())
		}
	}
	m.mu.Unlock()
}

// ContextsForUser returns a live context for every session bound to the
// user, reviving persisted ones as needed.
func (m *Manager) ContextsForUser(userID int64) ([]*Context, error) {
	recs, err := m.store.SessionsByUser(userID)
	if err != nil {
		return nil, err
	}
	out := make([]*Context, 0, len(recs))
	for _, rec := range recs {
		ctx, err := m.Lookup(rec.SessionID)
		if err != nil {
			continue
		}
		out = append(out, ctx)
	}
	return out, nil
}

// Count returns the number of sessions currently held in memory.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// CountAuthenticated returns how many in-memory sessions have a bound
// user.
func (m *Manager) CountAuthenticated() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ctx := range m.byID {
		if ctx.UserID() != 0 {
			n++
		}
	}
	return n
}

// Start launches the idle-session sweeper.
func (m *Manager) Start() {
	interval := m.idleTimeout / 6
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}
	if interval <= 0 {
		interval = time.Second
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.idleTimeout)
	removed, err := m.store.DeleteIdleSessions(cutoff)
	if err != nil {
		m.log.Warnf("sweep: %v", err)
		return
	}
	for _, sessionID := range removed {
		m.evict(sessionID)
		m.log.Infof("evicted idle session %s", sessionID)
		if m.onEvict != nil {
			m.onEvict(sessionID)
		}
	}
}
