package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/udpchat/udpchat/pkg/store"
)

type fakeGenerator struct {
	mu      sync.Mutex
	prompts [][]Turn
	reply   string
	err     error
	block   chan struct{} // if set, Generate blocks until closed
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt []Turn) (string, error) {
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	return g.reply, g.err
}

type postedMessage struct {
	room         *store.Room
	userID       int64
	content      string
	announcement bool
}

type fakePoster struct {
	mu     sync.Mutex
	posted []postedMessage
}

func (p *fakePoster) PostMessage(room *store.Room, userID int64, content string, announcement bool) error {
	p.mu.Lock()
	p.posted = append(p.posted, postedMessage{room, userID, content, announcement})
	p.mu.Unlock()
	return nil
}

func (p *fakePoster) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.posted)
}

func newRoom(t *testing.T, s store.Store) *store.Room {
	t.Helper()
	creator := &store.User{UserID: "u1", Name: "alice", Email: "alice@x.com"}
	if err := s.CreateUser(creator); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	room := &store.Room{RoomID: "r1", Name: "general"}
	if err := s.CreateRoomWithAdmin(room, creator.ID); err != nil {
		t.Fatalf("creating room: %v", err)
	}
	return room
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

func TestSubmitGeneratesAndPosts(t *testing.T) {
	s := store.NewMemoryStore()
	room := newRoom(t, s)
	gen := &fakeGenerator{reply: ` "sounds good, see you there!" `}
	poster := &fakePoster{}

	b, err := NewBridge(Config{Store: s, Generator: gen, Poster: poster})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	b.Start()
	defer b.Stop()

	if err := b.Submit(room, "alice", ""); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return poster.count() == 1 })

	poster.mu.Lock()
	got := poster.posted[0]
	poster.mu.Unlock()
	if got.content != "sounds good, see you there!" {
		t.Errorf("content = %q", got.content)
	}
	if !got.announcement {
		t.Error("announcement = false, want true")
	}

	// The reply is authored by the provisioned AI user, now a member.
	aiUser, err := s.UserByEmail(AIUserEmail)
	if err != nil {
		t.Fatalf("AI user not created: %v", err)
	}
	if got.userID != aiUser.ID {
		t.Errorf("author = %d, want AI user %d", got.userID, aiUser.ID)
	}
	if _, err := s.GetMember(room.ID, aiUser.ID); err != nil {
		t.Errorf("AI user not joined to room: %v", err)
	}
}

func TestSubmitSaturated(t *testing.T) {
	s := store.NewMemoryStore()
	room := newRoom(t, s)
	gen := &fakeGenerator{reply: "hi", block: make(chan struct{})}

	b, err := NewBridge(Config{
		Store:     s,
		Generator: gen,
		Poster:    &fakePoster{},
		Workers:   1,
		QueueSize: 1,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	b.Start()
	defer b.Stop()
	// Unblock the worker before Stop waits on it.
	defer close(gen.block)

	// First fills the worker, second fills the queue; eventually the
	// queue stays full and Submit drops.
	var saturated bool
	for i := 0; i < 4; i++ {
		if errors.Is(b.Submit(room, "alice", ""), ErrSaturated) {
			saturated = true
			break
		}
	}
	if !saturated {
		t.Error("Submit never returned ErrSaturated with a blocked pool")
	}
}

func TestGenerationFailureIsSwallowed(t *testing.T) {
	s := store.NewMemoryStore()
	room := newRoom(t, s)
	gen := &fakeGenerator{err: errors.New("backend down")}
	poster := &fakePoster{}

	b, err := NewBridge(Config{Store: s, Generator: gen, Poster: poster})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	b.Start()

	if err := b.Submit(room, "alice", ""); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	b.Stop() // waits for the worker to finish the request

	if poster.count() != 0 {
		t.Errorf("posted = %d, want 0 after generator failure", poster.count())
	}
}

func TestBuildPrompt(t *testing.T) {
	history := []*store.MessageView{
		{Message: store.Message{Content: "anyone up for lunch?"}, SenderName: "bob"},
		{Message: store.Message{Content: "sure, where?"}, SenderName: "alice"},
	}

	t.Run("continuation", func(t *testing.T) {
		prompt := BuildPrompt(history, "alice", "")
		if len(prompt) != 4 {
			t.Fatalf("len = %d, want 4", len(prompt))
		}
		if prompt[0].Role != "system" || !strings.Contains(prompt[0].Content, "'alice'") {
			t.Errorf("system turn = %+v", prompt[0])
		}
		if prompt[1].Content != "bob: anyone up for lunch?" {
			t.Errorf("history turn = %q", prompt[1].Content)
		}
		if !strings.Contains(prompt[3].Content, "Continue the chat") {
			t.Errorf("instruction turn = %q", prompt[3].Content)
		}
	})

	t.Run("improvement", func(t *testing.T) {
		prompt := BuildPrompt(history, "alice", "lets go pizza")
		last := prompt[len(prompt)-1]
		if !strings.Contains(last.Content, "'lets go pizza'") {
			t.Errorf("instruction turn = %q", last.Content)
		}
		if !strings.Contains(last.Content, "Improve it") {
			t.Errorf("instruction turn = %q", last.Content)
		}
	})
}
