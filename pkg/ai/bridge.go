// Package ai runs reply generation off the request path. Requests are
// queued onto a bounded worker pool; each worker builds a prompt from the
// room's recent history, calls the configured backend and re-enters the
// result as a normal announcement message authored by the AI user.
package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/udpchat/udpchat/pkg/metrics"
	"github.com/udpchat/udpchat/pkg/store"
)

// Pool defaults.
const (
	DefaultWorkers      = 2
	DefaultQueueSize    = 8
	DefaultHistoryLimit = 20
	DefaultTimeout      = 60 * time.Second
)

// AIUserEmail is the account the generated replies are authored by. It is
// created on first use and joined to the room it replies in.
const AIUserEmail = "ai@udpchat.local"

const aiUserName = "AI"

// ErrSaturated is returned by Submit when the queue is full. The request
// is dropped; the requester already got its ACK.
var ErrSaturated = errors.New("ai: request queue full")

// Turn is one prompt message for a chat-completion backend.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces a reply from a prompt. Implementations wrap a
// concrete backend (OpenAI, Ollama).
type Generator interface {
	Generate(ctx context.Context, prompt []Turn) (string, error)
}

// Poster re-enters the generated text as a chat message. Implemented by
// protocol.Router.
type Poster interface {
	PostMessage(room *store.Room, userID int64, content string, announcement bool) error
}

type request struct {
	room      *store.Room
	requester string
	content   string
}

// Config configures a Bridge.
type Config struct {
	// Store reads history and provisions the AI user. Required.
	Store store.Store

	// Generator produces replies. Required.
	Generator Generator

	// Poster broadcasts the result. Required.
	Poster Poster

	// Workers is the pool size. Default: DefaultWorkers.
	Workers int

	// QueueSize bounds pending requests. Default: DefaultQueueSize.
	QueueSize int

	// HistoryLimit is how many recent messages seed the prompt.
	// Default: DefaultHistoryLimit.
	HistoryLimit int

	// Timeout bounds one backend call. Default: DefaultTimeout.
	Timeout time.Duration

	// Metrics records request outcomes. Optional.
	Metrics *metrics.Metrics

	// LoggerFactory is used for logging. Default: a new default factory.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

func (c *Config) validate() error {
	if c.Store == nil {
		return errors.New("ai: Config.Store is required")
	}
	if c.Generator == nil {
		return errors.New("ai: Config.Generator is required")
	}
	if c.Poster == nil {
		return errors.New("ai: Config.Poster is required")
	}
	return nil
}

// Bridge is the bounded AI worker pool.
type Bridge struct {
	store        store.Store
	generator    Generator
	poster       Poster
	historyLimit int
	timeout      time.Duration
	metrics      *metrics.Metrics
	log          logging.LeveledLogger

	queue    chan request
	workers  int
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBridge creates a bridge. Call Start to launch its workers.
func NewBridge(config Config) (*Bridge, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	return &Bridge{
		store:        config.Store,
		generator:    config.Generator,
		poster:       config.Poster,
		historyLimit: config.HistoryLimit,
		timeout:      config.Timeout,
		metrics:      config.Metrics,
		log:          config.LoggerFactory.NewLogger("ai"),
		queue:        make(chan request, config.QueueSize),
		workers:      config.Workers,
	}, nil
}

// Start launches the worker pool.
func (b *Bridge) Start() {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for req := range b.queue {
				b.process(req)
			}
		}()
	}
}

// Stop drains the queue and waits for in-flight generations to finish.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.queue) })
	b.wg.Wait()
}

// Submit queues a generation request. Never blocks: a full queue drops
// the request with ErrSaturated.
func (b *Bridge) Submit(room *store.Room, requester, content string) error {
	select {
	case b.queue <- request{room: room, requester: requester, content: content}:
		return nil
	default:
		return ErrSaturated
	}
}

func (b *Bridge) process(req request) {
	aiUser, err := b.ensureAIUser(req.room)
	if err != nil {
		b.log.Errorf("provisioning AI user for room %s: %v", req.room.RoomID, err)
		b.metrics.AIRequest("error")
		return
	}

	history, err := b.store.LastMessages(req.room.ID, b.historyLimit)
	if err != nil {
		b.log.Errorf("reading history of room %s: %v", req.room.RoomID, err)
		b.metrics.AIRequest("error")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	text, err := b.generator.Generate(ctx, BuildPrompt(history, req.requester, req.content))
	if err != nil {
		// Generation failures are swallowed; the requester already moved on.
		b.log.Warnf("generation for room %s failed: %v", req.room.RoomID, err)
		b.metrics.AIRequest("error")
		return
	}
	text = cleanReply(text)
	if text == "" {
		b.metrics.AIRequest("empty")
		return
	}

	if err := b.poster.PostMessage(req.room, aiUser.ID, text, true); err != nil {
		b.log.Errorf("posting AI reply to room %s: %v", req.room.RoomID, err)
		b.metrics.AIRequest("error")
		return
	}
	b.metrics.AIRequest("ok")
}

// ensureAIUser returns the AI account, creating it and joining it to the
// room as needed.
func (b *Bridge) ensureAIUser(room *store.Room) (*store.User, error) {
	user, err := b.store.UserByEmail(AIUserEmail)
	if errors.Is(err, store.ErrNotFound) {
		user = &store.User{UserID: uuid.NewString(), Name: aiUserName, Email: AIUserEmail}
		if err := b.store.CreateUser(user); errors.Is(err, store.ErrConflict) {
			user, err = b.store.UserByEmail(AIUserEmail)
			if err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	err = b.store.AddMember(&store.Member{RoomID: room.ID, UserID: user.ID})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, err
	}
	return user, nil
}

func cleanReply(text string) string {
	text = strings.TrimSpace(text)
	text = strings.Trim(text, `"'`)
	return strings.TrimSpace(text)
}
