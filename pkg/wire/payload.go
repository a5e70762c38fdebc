package wire

import "encoding/json"

// Client-to-server payload kinds.
const (
	KindHello        = "HELLO"
	KindLogin        = "LOGIN"
	KindLogout       = "LOGOUT"
	KindStatus       = "STATUS"
	KindMergeSession = "MERGE_SESSION"
	KindListRooms    = "LIST_ROOMS"
	KindCreateRoom   = "CREATE_ROOM"
	KindJoinRoom     = "JOIN_ROOM"
	KindLeaveRoom    = "LEAVE_ROOM"
	KindListMembers  = "LIST_MEMBERS"
	KindListMessages = "LIST_MESSAGES"
	KindMessage      = "MESSAGE"
	KindAIMessage    = "AI_MESSAGE"
	KindAck          = "ACK"
)

// Server-to-client payload kinds. KindStatus, KindMessage and KindAck are
// shared with the client direction.
const (
	KindWelcome            = "WELCOME"
	KindError              = "ERROR"
	KindPleaseLogin        = "PLEASE_LOGIN"
	KindUnauthorised       = "UNAUTHORISED"
	KindMergeSessionFailed = "MERGE_SESSION_FAILED"
	KindRoomList           = "ROOM_LIST"
	KindRoomCreated        = "ROOM_CREATED"
	KindRoomJoined         = "ROOM_JOINED"
	KindRoomLeft           = "ROOM_LEFT"
	KindRoomMembers        = "ROOM_MEMBERS"
	KindRoomHistory        = "ROOM_HISTORY"
	KindMemberJoined       = "MEMBER_JOINED"
	KindMemberLeft         = "MEMBER_LEFT"
)

// Payload is the inner plaintext carried inside a SECURE_MSG envelope.
// Data stays raw until the handler for Type decodes its own struct.
type Payload struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	MsgID string          `json:"msg_id,omitempty"`
}

// NewPayload builds a payload of the given kind, marshaling data into the
// Data field. A nil data leaves Data empty.
func NewPayload(kind string, data any) (*Payload, error) {
	p := &Payload{Type: kind}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		p.Data = raw
	}
	return p, nil
}

// DecodePayload parses a decrypted inner plaintext.
func DecodePayload(plaintext []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, ErrMalformed
	}
	if p.Type == "" {
		return nil, ErrMalformed
	}
	return &p, nil
}

// Encode serializes the payload for sealing.
func (p *Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodeData unmarshals the payload data into v. An empty Data is treated
// as an empty object so handlers can rely on zero values.
func (p *Payload) DecodeData(v any) error {
	if len(p.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(p.Data, v); err != nil {
		return ErrMalformed
	}
	return nil
}

// ErrorData is the data shape of ERROR payloads.
type ErrorData struct {
	Message string `json:"message"`
}

// NewError builds an ERROR payload with the given message.
func NewError(message string) *Payload {
	p, _ := NewPayload(KindError, ErrorData{Message: message})
	return p
}
