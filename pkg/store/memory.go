package store

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation. Useful for testing and
// development; data is lost when the process exits. It enforces the same
// uniqueness constraints as the Postgres schema.
//
// All methods are safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	nextID   int64
	users    map[int64]*User
	sessions map[int64]*Session
	rooms    map[int64]*Room
	members  map[int64]map[int64]*Member // room row id -> user row id
	messages []*Message
	nonces   map[int64]map[string]bool // session row id -> nonce set
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]*User),
		sessions: make(map[int64]*Session),
		rooms:    make(map[int64]*Room),
		members:  make(map[int64]map[int64]*Member),
		nonces:   make(map[int64]map[string]bool),
	}
}

func (m *MemoryStore) nextRowID() int64 {
	m.nextID++
	return m.nextID
}

// CreateUser inserts a user. Email comparison is case-insensitive.
func (m *MemoryStore) CreateUser(u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(u.Email)
	for _, existing := range m.users {
		if strings.ToLower(existing.Email) == email {
			return ErrConflict
		}
	}
	u.ID = m.nextRowID()
	u.Email = email
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	clone := *u
	m.users[u.ID] = &clone
	return nil
}

// UserByEmail finds a user by case-insensitive email.
func (m *MemoryStore) UserByEmail(email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email = strings.ToLower(email)
	for _, u := range m.users {
		if strings.ToLower(u.Email) == email {
			clone := *u
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

// UserByID finds a user by internal id.
func (m *MemoryStore) UserByID(id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *u
	return &clone, nil
}

// CreateSession inserts a session. Session keys are unique across live
// sessions.
func (m *MemoryStore) CreateSession(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sessions {
		if existing.SessionID == s.SessionID || existing.SessionKey == s.SessionKey {
			return ErrConflict
		}
	}
	s.ID = m.nextRowID()
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.LastActiveAt.IsZero() {
		s.LastActiveAt = now
	}
	clone := *s
	m.sessions[s.ID] = &clone
	return nil
}

// SessionBySID finds a session by public id.
func (m *MemoryStore) SessionBySID(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.sessionBySIDLocked(sessionID)
	if s == nil {
		return nil, ErrNotFound
	}
	clone := *s
	return &clone, nil
}

func (m *MemoryStore) sessionBySIDLocked(sessionID string) *Session {
	for _, s := range m.sessions {
		if s.SessionID == sessionID {
			return s
		}
	}
	return nil
}

// SessionsByUser returns all live sessions bound to a user.
func (m *MemoryStore) SessionsByUser(userID int64) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.UserID == userID && userID != 0 {
			clone := *s
			out = append(out, &clone)
		}
	}
	return out, nil
}

// BindSessionUser sets (or clears, with userID 0) the user binding.
func (m *MemoryStore) BindSessionUser(sessionID string, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessionBySIDLocked(sessionID)
	if s == nil {
		return ErrNotFound
	}
	s.UserID = userID
	s.LastActiveAt = time.Now()
	return nil
}

// TouchSession refreshes activity and the remote address.
func (m *MemoryStore) TouchSession(sessionID string, at time.Time, remoteAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessionBySIDLocked(sessionID)
	if s == nil {
		return ErrNotFound
	}
	s.LastActiveAt = at
	if remoteAddr != "" {
		s.RemoteAddr = remoteAddr
	}
	return nil
}

// DeleteSession removes a session and its nonces.
func (m *MemoryStore) DeleteSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessionBySIDLocked(sessionID)
	if s == nil {
		return ErrNotFound
	}
	delete(m.nonces, s.ID)
	delete(m.sessions, s.ID)
	return nil
}

// DeleteIdleSessions removes sessions idle since before cutoff.
func (m *MemoryStore) DeleteIdleSessions(cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for id, s := range m.sessions {
		if s.LastActiveAt.Before(cutoff) {
			removed = append(removed, s.SessionID)
			delete(m.nonces, id)
			delete(m.sessions, id)
		}
	}
	return removed, nil
}

// InsertNonce records an accepted nonce, failing on replay.
func (m *MemoryStore) InsertNonce(sessionRowID int64, nonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionRowID]; !ok {
		return ErrNotFound
	}
	set := m.nonces[sessionRowID]
	if set == nil {
		set = make(map[string]bool)
		m.nonces[sessionRowID] = set
	}
	if set[nonce] {
		return ErrConflict
	}
	set[nonce] = true
	return nil
}

// CreateRoomWithAdmin inserts the room plus the creator's admin
// membership.
func (m *MemoryStore) CreateRoomWithAdmin(r *Room, creatorUserID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.rooms {
		if existing.Name == r.Name || existing.RoomID == r.RoomID {
			return ErrConflict
		}
	}
	if _, ok := m.users[creatorUserID]; !ok {
		return ErrNotFound
	}
	r.ID = m.nextRowID()
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.LastActiveAt.IsZero() {
		r.LastActiveAt = now
	}
	clone := *r
	m.rooms[r.ID] = &clone
	m.members[r.ID] = map[int64]*Member{
		creatorUserID: {RoomID: r.ID, UserID: creatorUserID, IsAdmin: true, JoinedAt: now},
	}
	return nil
}

// RoomByRoomID finds a room by public id.
func (m *MemoryStore) RoomByRoomID(roomID string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rooms {
		if r.RoomID == roomID {
			clone := *r
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

// ListPublicRooms returns all non-private rooms sorted by last activity,
// newest first.
func (m *MemoryStore) ListPublicRooms() ([]*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Room
	for _, r := range m.rooms {
		if !r.IsPrivate {
			clone := *r
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out, nil
}

// TouchRoom refreshes a room's activity timestamp.
func (m *MemoryStore) TouchRoom(roomRowID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomRowID]
	if !ok {
		return ErrNotFound
	}
	r.LastActiveAt = at
	return nil
}

// RoomByUser returns the user's most recently active room.
func (m *MemoryStore) RoomByUser(userID int64) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Room
	for roomID, members := range m.members {
		if _, ok := members[userID]; !ok {
			continue
		}
		r := m.rooms[roomID]
		if r == nil {
			continue
		}
		if best == nil || r.LastActiveAt.After(best.LastActiveAt) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	clone := *best
	return &clone, nil
}

// AddMember inserts a membership, failing if it already exists.
func (m *MemoryStore) AddMember(member *Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[member.RoomID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.users[member.UserID]; !ok {
		return ErrNotFound
	}
	set := m.members[member.RoomID]
	if set == nil {
		set = make(map[int64]*Member)
		m.members[member.RoomID] = set
	}
	if _, ok := set[member.UserID]; ok {
		return ErrConflict
	}
	if member.JoinedAt.IsZero() {
		member.JoinedAt = time.Now()
	}
	clone := *member
	set[member.UserID] = &clone
	return nil
}

// GetMember returns a membership row.
func (m *MemoryStore) GetMember(roomRowID, userID int64) (*Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	member, ok := m.members[roomRowID][userID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *member
	return &clone, nil
}

// RemoveMember deletes a membership.
func (m *MemoryStore) RemoveMember(roomRowID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.members[roomRowID][userID]; !ok {
		return ErrNotFound
	}
	delete(m.members[roomRowID], userID)
	return nil
}

// SetMemberAdmin flips the admin flag of a membership.
func (m *MemoryStore) SetMemberAdmin(roomRowID, userID int64, isAdmin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[roomRowID][userID]
	if !ok {
		return ErrNotFound
	}
	member.IsAdmin = isAdmin
	return nil
}

// ListMembers returns the room's members joined with their users, sorted
// by name.
func (m *MemoryStore) ListMembers(roomRowID int64) ([]*MemberView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*MemberView
	for userID, member := range m.members[roomRowID] {
		u := m.users[userID]
		if u == nil {
			continue
		}
		out = append(out, &MemberView{
			UserID:   u.UserID,
			Name:     u.Name,
			IsAdmin:  member.IsAdmin,
			JoinedAt: member.JoinedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListMemberUserIDs returns the internal user ids of a room's members.
func (m *MemoryStore) ListMemberUserIDs(roomRowID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []int64
	for userID := range m.members[roomRowID] {
		out = append(out, userID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// NextAdminCandidate returns the earliest-joined remaining member.
func (m *MemoryStore) NextAdminCandidate(roomRowID int64) (*Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Member
	for _, member := range m.members[roomRowID] {
		if best == nil || member.JoinedAt.Before(best.JoinedAt) {
			best = member
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	clone := *best
	return &clone, nil
}

// AppendMessage inserts a message and assigns its id and timestamp.
func (m *MemoryStore) AppendMessage(msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[msg.RoomID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.users[msg.UserID]; !ok {
		return ErrNotFound
	}
	msg.ID = m.nextRowID()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	clone := *msg
	m.messages = append(m.messages, &clone)
	return nil
}

// LastMessages returns up to limit most recent messages in ascending
// (CreatedAt, ID) order.
func (m *MemoryStore) LastMessages(roomRowID int64, limit int) ([]*MessageView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Message
	for _, msg := range m.messages {
		if msg.RoomID == roomRowID {
			all = append(all, msg)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}

	out := make([]*MessageView, 0, len(all))
	for _, msg := range all {
		view := &MessageView{Message: *msg}
		if u := m.users[msg.UserID]; u != nil {
			view.SenderUserID = u.UserID
			view.SenderName = u.Name
		}
		out = append(out, view)
	}
	return out, nil
}

// Counts returns the number of rooms and memberships.
func (m *MemoryStore) Counts() (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var members int64
	for _, set := range m.members {
		members += int64(len(set))
	}
	return int64(len(m.rooms)), members, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
