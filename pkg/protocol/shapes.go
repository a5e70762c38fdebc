package protocol

import "time"

// Data shapes of the inner payloads, as serialized to clients.

type ackData struct {
	MsgID string `json:"msg_id"`
}

type roomRef struct {
	RoomID string `json:"room_id"`
	Name   string `json:"name"`
}

type userInfo struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	Room   *roomRef `json:"room"`
}

type statusData struct {
	SessionID string    `json:"session_id"`
	User      *userInfo `json:"user"`
}

type welcomeData struct {
	User *userInfo `json:"user"`
}

type loginData struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type pleaseLoginData struct {
	Email string `json:"email"`
}

type mergeData struct {
	OldSessionID  string `json:"old_session_id"`
	OldSessionKey string `json:"old_session_key"`
}

type mergeFailedData struct {
	Message string `json:"message"`
}

type createRoomData struct {
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private"`
}

type roomIDData struct {
	RoomID string `json:"room_id"`
}

type roomCreatedData struct {
	RoomID string `json:"room_id"`
	Name   string `json:"name"`
}

type roomJoinedData struct {
	RoomID string `json:"room_id"`
	Name   string `json:"name"`
}

type roomLeftData struct {
	RoomID string `json:"room_id"`
}

type memberInfo struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	IsAdmin  bool      `json:"is_admin"`
	JoinedAt time.Time `json:"joined_at"`
}

type memberJoinedData struct {
	RoomID string     `json:"room_id"`
	Member memberInfo `json:"member"`
}

type memberLeftData struct {
	RoomID   string `json:"room_id"`
	MemberID string `json:"member_id"`
}

type roomListEntry struct {
	RoomID       string    `json:"room_id"`
	Name         string    `json:"name"`
	LastActiveAt time.Time `json:"last_active_at"`
}

type roomListData struct {
	Rooms []roomListEntry `json:"rooms"`
}

type roomMembersData struct {
	RoomID  string       `json:"room_id"`
	Members []memberInfo `json:"members"`
}

type historyEntry struct {
	MessageID int64     `json:"message_id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type roomHistoryData struct {
	RoomID   string         `json:"room_id"`
	Messages []historyEntry `json:"messages"`
}

type messageData struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

type messageEvent struct {
	RoomID         string    `json:"room_id"`
	MessageID      int64     `json:"message_id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	IsAnnouncement bool      `json:"is_announcement"`
}

type aiMessageData struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}
