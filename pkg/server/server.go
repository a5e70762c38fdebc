// Package server wires the transport, session manager, dispatcher,
// router and AI bridge into the running UDPChat daemon.
package server

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/udpchat/udpchat/pkg/ai"
	"github.com/udpchat/udpchat/pkg/crypto"
	"github.com/udpchat/udpchat/pkg/dispatch"
	"github.com/udpchat/udpchat/pkg/metrics"
	"github.com/udpchat/udpchat/pkg/protocol"
	"github.com/udpchat/udpchat/pkg/session"
	"github.com/udpchat/udpchat/pkg/store"
	"github.com/udpchat/udpchat/pkg/transport"
	"github.com/udpchat/udpchat/pkg/wire"
)

const jobQueueSize = 64

const gaugeInterval = 10 * time.Second

type job struct {
	ctx     *session.Context
	payload *wire.Payload
}

// Server is the assembled UDPChat daemon.
type Server struct {
	cfg        *Config
	store      store.Store
	keys       *crypto.ServerKeys
	transport  *transport.UDP
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	router     *protocol.Router
	aiBridge   *ai.Bridge
	metrics    *metrics.Metrics
	log        logging.LeveledLogger

	// jobs holds one queue per handler worker. A session is pinned to one
	// queue by hashing its id, so payloads decrypted in order on the
	// receive loop are also handled in order.
	jobs     []chan job
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New assembles a server. The store is injected so the caller decides
// between Postgres and the in-memory store; m may be nil to disable
// instrumentation.
func New(cfg *Config, st store.Store, m *metrics.Metrics) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	keys, err := crypto.LoadOrCreateServerKeys(cfg.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("loading server keys: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		store:   st,
		keys:    keys,
		metrics: m,
		log:     cfg.LoggerFactory.NewLogger("server"),
		jobs:    make([]chan job, cfg.Workers),
		done:    make(chan struct{}),
	}
	for i := range s.jobs {
		s.jobs[i] = make(chan job, jobQueueSize)
	}

	s.transport, err = transport.NewUDP(transport.UDPConfig{
		ListenAddr:    cfg.BindAddr,
		Handler:       s.handleDatagram,
		LoggerFactory: cfg.LoggerFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", cfg.BindAddr, err)
	}

	s.dispatcher, err = dispatch.New(dispatch.Config{
		Sender:      s,
		RTOBase:     cfg.RTOBase,
		RTOMax:      cfg.RTOMax,
		MaxAttempts: cfg.MaxAttempts,
		OnGiveUp: func(peerID, msgID string) {
			s.log.Warnf("session %s degraded: gave up on %s", peerID, msgID)
			m.DeliveryGiveUp()
		},
		OnRetransmit:  func(string, string) { m.Retransmit() },
		LoggerFactory: cfg.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	s.sessions, err = session.NewManager(session.Config{
		Store:         st,
		Keys:          keys,
		IdleTimeout:   cfg.IdleTimeout,
		OnEvict:       s.dispatcher.DropPeer,
		LoggerFactory: cfg.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	s.router, err = protocol.NewRouter(protocol.Config{
		Store:         st,
		Sessions:      s.sessions,
		Sender:        s,
		Metrics:       m,
		LoggerFactory: cfg.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	if generator := cfg.generator(); generator != nil {
		s.aiBridge, err = ai.NewBridge(ai.Config{
			Store:         st,
			Generator:     generator,
			Poster:        s.router,
			Workers:       cfg.AIWorkers,
			Metrics:       m,
			LoggerFactory: cfg.LoggerFactory,
		})
		if err != nil {
			return nil, err
		}
		s.router.SetAI(s.aiBridge)
	}

	return s, nil
}

func (c *Config) generator() ai.Generator {
	switch c.AIBackend {
	case AIBackendOpenAI:
		return &ai.OpenAIGenerator{APIKey: c.OpenAIAPIKey, Model: c.OpenAIModel}
	case AIBackendOllama:
		return &ai.OllamaGenerator{URL: c.OllamaURL, Model: c.OllamaModel}
	default:
		return nil
	}
}

// Start launches the read loop, the handler pool, the sweeper and the AI
// workers.
func (s *Server) Start() error {
	if err := s.transport.Start(); err != nil {
		return err
	}
	s.sessions.Start()
	if s.aiBridge != nil {
		s.aiBridge.Start()
	}

	for _, queue := range s.jobs {
		s.wg.Add(1)
		go func(queue chan job) {
			defer s.wg.Done()
			for j := range queue {
				s.router.Handle(j.ctx, j.payload)
			}
		}(queue)
	}

	s.wg.Add(1)
	go s.gaugeLoop()

	s.log.Infof("listening on %s", s.transport.LocalAddr())
	return nil
}

// Stop shuts the server down: no new frames, drain the handler pool,
// cancel retransmissions, finish AI work, close the store.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.transport.Stop()
		s.sessions.Stop()
		for _, queue := range s.jobs {
			close(queue)
		}
		close(s.done)
		s.wg.Wait()
		s.dispatcher.Close()
		if s.aiBridge != nil {
			s.aiBridge.Stop()
		}
		if err := s.store.Close(); err != nil {
			s.log.Warnf("closing store: %v", err)
		}
		s.log.Info("server stopped")
	})
}

// ServeMetrics blocks serving /metrics until the listener fails. No-op
// without a metrics address.
func (s *Server) ServeMetrics() error {
	if s.cfg.MetricsAddr == "" || s.metrics == nil {
		return nil
	}
	err := s.metrics.Serve(s.cfg.MetricsAddr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// LocalAddr returns the bound UDP address.
func (s *Server) LocalAddr() net.Addr {
	return s.transport.LocalAddr()
}

// handleDatagram is the transport callback: it runs on the receive loop
// and must only do admission work before handing off to the pool.
func (s *Server) handleDatagram(data []byte, addr net.Addr) {
	s.metrics.BytesReceived(len(data))
	frameType, err := wire.FrameType(data)
	if err != nil {
		s.metrics.FrameError("malformed")
		return
	}
	s.metrics.FrameReceived(frameType)

	switch frameType {
	case wire.FrameSessionInit:
		s.handleHandshake(data, addr)
	case wire.FrameSecureMsg:
		s.handleSecure(data, addr)
	}
}

func (s *Server) handleHandshake(data []byte, addr net.Addr) {
	req, err := wire.DecodeHandshakeRequest(data)
	if err != nil {
		s.metrics.FrameError("malformed")
		return
	}
	resp, err := s.sessions.HandleInit(req.ClientKey, addr)
	if err != nil {
		s.log.Warnf("handshake from %v failed: %v", addr, err)
		s.metrics.FrameError("handshake")
		return
	}
	s.metrics.Handshake()
	s.writeFrame(resp, wire.FrameSessionInit, addr)
}

func (s *Server) handleSecure(data []byte, addr net.Addr) {
	env, err := wire.DecodeSecureEnvelope(data)
	if err != nil {
		s.metrics.FrameError("malformed")
		return
	}

	ctx, plaintext, err := s.sessions.Admit(env, addr)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNoSession):
		s.metrics.FrameError("no_session")
		// Only hint at the lost session when the address has some other
		// live session; otherwise stay silent.
		if s.sessions.HasPeerAt(addr) {
			s.writeFrame(&wire.CleartextError{Type: wire.KindError, Code: "NO_SESSION"}, wire.KindError, addr)
		}
		return
	case errors.Is(err, session.ErrReplay):
		s.metrics.NonceReplay()
		return
	case errors.Is(err, crypto.ErrDecrypt):
		s.metrics.FrameError("decrypt")
		return
	case errors.Is(err, wire.ErrMalformed):
		s.metrics.FrameError("malformed")
		return
	default:
		s.log.Errorf("admitting frame from %v: %v", addr, err)
		s.metrics.FrameError("internal")
		return
	}

	payload, err := wire.DecodePayload(plaintext)
	if err != nil {
		s.metrics.FrameError("malformed")
		if sendErr := s.SendDirect(ctx, wire.NewError("malformed payload")); sendErr != nil {
			s.log.Warnf("error reply to %s: %v", ctx.ID(), sendErr)
		}
		return
	}

	select {
	case s.queueFor(ctx.ID()) <- job{ctx: ctx, payload: payload}:
	case <-s.done:
	}
}

// queueFor pins a session to one handler queue.
func (s *Server) queueFor(sessionID string) chan job {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return s.jobs[h.Sum32()%uint32(len(s.jobs))]
}

// SendDirect implements protocol.Sender: seal and transmit once.
func (s *Server) SendDirect(ctx *session.Context, p *wire.Payload) error {
	frame, err := s.seal(ctx, p)
	if err != nil {
		return err
	}
	if err := s.WriteTo(frame, ctx.RemoteAddr()); err != nil {
		return err
	}
	s.metrics.FrameSent(p.Type)
	return nil
}

// SendReliable implements protocol.Sender: stamp, seal once, then let the
// dispatcher retransmit the identical bytes until acknowledged.
func (s *Server) SendReliable(ctx *session.Context, msgID string, p *wire.Payload) error {
	p.MsgID = msgID
	frame, err := s.seal(ctx, p)
	if err != nil {
		return err
	}
	err = s.dispatcher.Enqueue(ctx, msgID, frame)
	if err == nil {
		s.metrics.FrameSent(p.Type)
	}
	return err
}

// Ack implements protocol.Sender.
func (s *Server) Ack(msgID string) bool {
	return s.dispatcher.Ack(msgID)
}

// DropPeer implements protocol.Sender.
func (s *Server) DropPeer(sessionID string) {
	s.dispatcher.DropPeer(sessionID)
}

func (s *Server) seal(ctx *session.Context, p *wire.Payload) ([]byte, error) {
	plaintext, err := p.Encode()
	if err != nil {
		return nil, err
	}
	env, err := s.sessions.Seal(ctx, plaintext)
	if err != nil {
		return nil, err
	}
	return wire.EncodeFrame(env)
}

func (s *Server) writeFrame(frame any, kind string, addr net.Addr) {
	data, err := wire.EncodeFrame(frame)
	if err != nil {
		s.metrics.FrameError("oversize")
		s.log.Warnf("encoding frame for %v: %v", addr, err)
		return
	}
	if err := s.WriteTo(data, addr); err != nil {
		s.log.Warnf("writing frame to %v: %v", addr, err)
		return
	}
	s.metrics.FrameSent(kind)
}

// WriteTo implements dispatch.Sender: raw transmission with byte
// accounting. Retransmissions land here too, so bytes-out covers them.
func (s *Server) WriteTo(data []byte, addr net.Addr) error {
	if err := s.transport.WriteTo(data, addr); err != nil {
		return err
	}
	s.metrics.BytesSent(len(data))
	return nil
}

func (s *Server) gaugeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.metrics.SetSessionsLive(s.sessions.Count())
			s.metrics.SetSessionsAuthenticated(s.sessions.CountAuthenticated())
			s.metrics.SetInflightFrames(s.dispatcher.Depth())
			rooms, members, err := s.store.Counts()
			if err != nil {
				s.log.Warnf("reading store counts: %v", err)
				continue
			}
			s.metrics.SetRooms(rooms)
			s.metrics.SetMembers(members)
		}
	}
}
