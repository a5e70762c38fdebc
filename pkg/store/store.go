// Package store defines the persisted entities of the chat server (users,
// sessions, nonces, rooms, members, messages) and the Store interface over
// them. Two implementations exist: MemoryStore for tests and development,
// and PostgresStore for production.
package store

import (
	"errors"
	"time"
)

// Errors returned by Store implementations.
var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an insert violates a uniqueness
	// constraint (duplicate nonce, room name, email, membership).
	ErrConflict = errors.New("store: conflict")

	// ErrTransient is returned after a retryable database failure has
	// exhausted its retries.
	ErrTransient = errors.New("store: transient failure")
)

// User is a chat account. Accounts are created on first login and never
// destroyed. An empty PasswordHash means the account is passwordless.
type User struct {
	ID           int64
	UserID       string // public opaque id
	Name         string
	Email        string // case-insensitive unique, stored lowercase
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

// Session is the durable record of a secure channel. UserID is 0 until
// the client logs in.
type Session struct {
	ID           int64
	SessionID    string // public opaque id
	UserID       int64  // 0 = anonymous
	SessionKey   string // 32-byte AES key, hex encoded
	RemoteAddr   string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Room is a chat room. Rooms persist even when empty.
type Room struct {
	ID           int64
	RoomID       string // public opaque id
	Name         string // unique display name
	IsPrivate    bool
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Member is a room membership. At most one per (room, user); the first
// member of a room is its admin.
type Member struct {
	RoomID   int64
	UserID   int64
	IsAdmin  bool
	JoinedAt time.Time
}

// Message is an append-only chat message. Ordering within a room is total
// by (CreatedAt, ID).
type Message struct {
	ID             int64
	RoomID         int64
	UserID         int64
	Content        string
	IsAnnouncement bool
	CreatedAt      time.Time
}

// MemberView is a membership joined with the member's user row, as
// serialized into ROOM_MEMBERS payloads.
type MemberView struct {
	UserID   string
	Name     string
	IsAdmin  bool
	JoinedAt time.Time
}

// MessageView is a message joined with its sender, as serialized into
// MESSAGE and ROOM_HISTORY payloads.
type MessageView struct {
	Message
	SenderUserID string
	SenderName   string
}

// Store is the repository over all persisted chat state.
//
// All methods must be safe for concurrent use. Implementations map
// uniqueness violations to ErrConflict and absent rows to ErrNotFound.
type Store interface {
	// Users
	CreateUser(u *User) error
	UserByEmail(email string) (*User, error)
	UserByID(id int64) (*User, error)

	// Sessions
	CreateSession(s *Session) error
	SessionBySID(sessionID string) (*Session, error)
	SessionsByUser(userID int64) ([]*Session, error)
	BindSessionUser(sessionID string, userID int64) error
	TouchSession(sessionID string, at time.Time, remoteAddr string) error
	DeleteSession(sessionID string) error
	// DeleteIdleSessions removes sessions (and, by cascade, their
	// nonces) whose last activity is before cutoff. Returns the public
	// ids of the removed sessions.
	DeleteIdleSessions(cutoff time.Time) ([]string, error)

	// Nonces. InsertNonce records an accepted nonce for a session row
	// and returns ErrConflict if the (session, nonce) pair was already
	// recorded.
	InsertNonce(sessionRowID int64, nonce string) error

	// Rooms
	// CreateRoomWithAdmin inserts the room and the creator's admin
	// membership atomically.
	CreateRoomWithAdmin(r *Room, creatorUserID int64) error
	RoomByRoomID(roomID string) (*Room, error)
	ListPublicRooms() ([]*Room, error)
	TouchRoom(roomRowID int64, at time.Time) error
	// RoomByUser returns the user's most recently active room, or
	// ErrNotFound.
	RoomByUser(userID int64) (*Room, error)

	// Members
	AddMember(m *Member) error
	GetMember(roomRowID, userID int64) (*Member, error)
	RemoveMember(roomRowID, userID int64) error
	SetMemberAdmin(roomRowID, userID int64, isAdmin bool) error
	ListMembers(roomRowID int64) ([]*MemberView, error)
	ListMemberUserIDs(roomRowID int64) ([]int64, error)
	// NextAdminCandidate returns the earliest-joined remaining member
	// of the room, or ErrNotFound if the room is empty.
	NextAdminCandidate(roomRowID int64) (*Member, error)

	// Messages
	// AppendMessage inserts the message and fills in its ID and
	// CreatedAt.
	AppendMessage(m *Message) error
	// LastMessages returns up to limit most recent messages of a room
	// in ascending (CreatedAt, ID) order, joined with their senders.
	LastMessages(roomRowID int64, limit int) ([]*MessageView, error)

	// Counts returns the total number of rooms and memberships, for
	// gauges.
	Counts() (rooms, members int64, err error)

	Close() error
}
