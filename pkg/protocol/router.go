// Package protocol routes decrypted inner payloads to their handlers and
// implements the chat semantics: login, presence, room lifecycle,
// messaging, session merge and the AI hand-off.
package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/udpchat/udpchat/pkg/metrics"
	"github.com/udpchat/udpchat/pkg/session"
	"github.com/udpchat/udpchat/pkg/store"
	"github.com/udpchat/udpchat/pkg/wire"
)

// DefaultHistoryLimit is the number of messages returned by LIST_MESSAGES.
const DefaultHistoryLimit = 100

// Sender delivers sealed payloads to peers. Implemented by pkg/server,
// which owns the transport and the reliable dispatcher.
type Sender interface {
	// SendDirect seals and transmits the payload once, without delivery
	// tracking. Used for ACK and STATUS replies.
	SendDirect(ctx *session.Context, p *wire.Payload) error

	// SendReliable stamps the payload with msgID, seals it and hands it to
	// the dispatcher for at-least-once delivery.
	SendReliable(ctx *session.Context, msgID string, p *wire.Payload) error

	// Ack settles an in-flight reliable frame.
	Ack(msgID string) bool

	// DropPeer cancels all in-flight frames to a session.
	DropPeer(sessionID string)
}

// AIBridge accepts asynchronous reply-generation requests. Implemented by
// pkg/ai; nil disables the AI handler.
type AIBridge interface {
	Submit(room *store.Room, requester, content string) error
}

// authLevel is the precondition a handler declares.
type authLevel int

const (
	authSession authLevel = iota // any valid session
	authUser                     // session bound to a user
)

type handlerFunc func(ctx *session.Context, p *wire.Payload) error

type handlerEntry struct {
	auth authLevel
	fn   handlerFunc
}

// Config configures a Router.
type Config struct {
	// Store persists chat state. Required.
	Store store.Store

	// Sessions resolves user fan-out targets and merge requests. Required.
	Sessions *session.Manager

	// Sender delivers replies and broadcasts. Required.
	Sender Sender

	// AI handles AI_MESSAGE requests. Optional.
	AI AIBridge

	// Metrics records chat counters. Optional.
	Metrics *metrics.Metrics

	// HistoryLimit bounds LIST_MESSAGES. Default: DefaultHistoryLimit.
	HistoryLimit int

	// LoggerFactory is used for logging. Default: a new default factory.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

func (c *Config) validate() error {
	if c.Store == nil {
		return errors.New("protocol: Config.Store is required")
	}
	if c.Sessions == nil {
		return errors.New("protocol: Config.Sessions is required")
	}
	if c.Sender == nil {
		return errors.New("protocol: Config.Sender is required")
	}
	return nil
}

// Router dispatches inner payloads by type.
type Router struct {
	store        store.Store
	sessions     *session.Manager
	sender       Sender
	ai           AIBridge
	metrics      *metrics.Metrics
	historyLimit int
	log          logging.LeveledLogger

	handlers map[string]handlerEntry
}

// NewRouter creates a router with the full handler table registered.
func NewRouter(config Config) (*Router, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	r := &Router{
		store:        config.Store,
		sessions:     config.Sessions,
		sender:       config.Sender,
		ai:           config.AI,
		metrics:      config.Metrics,
		historyLimit: config.HistoryLimit,
		log:          config.LoggerFactory.NewLogger("protocol"),
	}
	r.handlers = map[string]handlerEntry{
		wire.KindHello:        {authSession, r.handleHello},
		wire.KindLogin:        {authSession, r.handleLogin},
		wire.KindLogout:       {authUser, r.handleLogout},
		wire.KindStatus:       {authSession, r.handleStatus},
		wire.KindMergeSession: {authSession, r.handleMergeSession},
		wire.KindListRooms:    {authUser, r.handleListRooms},
		wire.KindCreateRoom:   {authUser, r.handleCreateRoom},
		wire.KindJoinRoom:     {authUser, r.handleJoinRoom},
		wire.KindLeaveRoom:    {authUser, r.handleLeaveRoom},
		wire.KindListMembers:  {authUser, r.handleListMembers},
		wire.KindListMessages: {authUser, r.handleListMessages},
		wire.KindMessage:      {authUser, r.handleMessage},
		wire.KindAIMessage:    {authUser, r.handleAIMessage},
		wire.KindAck:          {authSession, r.handleAck},
	}
	return r, nil
}

// SetAI installs the AI bridge. Needed because the bridge posts replies
// through the router and so is constructed after it.
func (r *Router) SetAI(bridge AIBridge) {
	r.ai = bridge
}

// Handle processes one decrypted inner payload. Inbound payloads bearing
// msg_id are acknowledged before their handler runs.
func (r *Router) Handle(ctx *session.Context, p *wire.Payload) {
	if p.MsgID != "" && p.Type != wire.KindAck {
		r.sendAck(ctx, p.MsgID)
	}

	start := time.Now()
	defer func() {
		r.metrics.ObserveHandle(p.Type, time.Since(start))
	}()

	entry, ok := r.handlers[p.Type]
	if !ok {
		r.log.Debugf("unknown payload type %q from session %s", p.Type, ctx.ID())
		r.mapError(ctx, p.Type, ErrUnknownType)
		return
	}
	if entry.auth == authUser && ctx.UserID() == 0 {
		r.reply(ctx, mustPayload(wire.KindUnauthorised, nil))
		return
	}

	if err := entry.fn(ctx, p); err != nil {
		r.mapError(ctx, p.Type, err)
	}
}

// mapError converts a handler's residual error into the reply the peer
// sees, per the error taxonomy.
func (r *Router) mapError(ctx *session.Context, payloadType string, err error) {
	switch {
	case errors.Is(err, ErrUnauthorised):
		r.reply(ctx, mustPayload(wire.KindUnauthorised, nil))
	case errors.Is(err, ErrUnknownType):
		r.replyError(ctx, "unknown message type")
	case errors.Is(err, wire.ErrMalformed):
		r.replyError(ctx, "malformed payload")
	case errors.Is(err, store.ErrNotFound):
		r.replyError(ctx, "not found")
	case errors.Is(err, store.ErrConflict):
		r.replyError(ctx, "conflict")
	default:
		r.log.Errorf("handler %s failed for session %s: %v", payloadType, ctx.ID(), err)
		r.replyError(ctx, "internal")
	}
}

// sendAck emits a direct, unreliable ACK for an inbound msg_id.
func (r *Router) sendAck(ctx *session.Context, msgID string) {
	p := mustPayload(wire.KindAck, ackData{MsgID: msgID})
	if err := r.sender.SendDirect(ctx, p); err != nil {
		r.log.Warnf("ack to session %s failed: %v", ctx.ID(), err)
	}
}

// reply sends a reliable reply to the session.
func (r *Router) reply(ctx *session.Context, p *wire.Payload) {
	if err := r.sender.SendReliable(ctx, newMsgID(), p); err != nil {
		r.log.Warnf("reply %s to session %s failed: %v", p.Type, ctx.ID(), err)
	}
}

// replyDirect sends an unreliable reply. Used for STATUS, which is a
// liveness probe and superseded by the next probe anyway.
func (r *Router) replyDirect(ctx *session.Context, p *wire.Payload) {
	if err := r.sender.SendDirect(ctx, p); err != nil {
		r.log.Warnf("reply %s to session %s failed: %v", p.Type, ctx.ID(), err)
	}
}

func (r *Router) replyError(ctx *session.Context, message string) {
	r.reply(ctx, wire.NewError(message))
}

// broadcast sends the payload reliably to every live session of every
// listed user, each delivery under its own msg_id.
func (r *Router) broadcast(userIDs []int64, p *wire.Payload) {
	for _, userID := range userIDs {
		ctxs, err := r.sessions.ContextsForUser(userID)
		if err != nil {
			r.log.Warnf("resolving sessions of user %d: %v", userID, err)
			continue
		}
		for _, target := range ctxs {
			if err := r.sender.SendReliable(target, newMsgID(), p); err != nil {
				r.log.Warnf("broadcast %s to session %s failed: %v", p.Type, target.ID(), err)
			}
		}
	}
}

// newMsgID returns a fresh delivery id: a uuid as 32 hex chars.
func newMsgID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// mustPayload wraps wire.NewPayload for data values that cannot fail to
// marshal.
func mustPayload(kind string, data any) *wire.Payload {
	p, err := wire.NewPayload(kind, data)
	if err != nil {
		panic(fmt.Sprintf("protocol: encoding %s payload: %v", kind, err))
	}
	return p
}
