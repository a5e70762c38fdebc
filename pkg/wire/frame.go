// Package wire defines the two datagram frame shapes of the UDPChat
// protocol (the SESSION_INIT handshake frame and the SECURE_MSG encrypted
// envelope) and the inner payload envelope carried inside SECURE_MSG.
//
// Every datagram is exactly one UTF-8 JSON frame. Hex encoding is used for
// all binary fields at the wire boundary.
package wire

import (
	"encoding/json"
	"errors"
)

// Frame type discriminators.
const (
	FrameSessionInit = "SESSION_INIT"
	FrameSecureMsg   = "SECURE_MSG"
)

// MaxFrameSize is the hard cap on an outbound frame in bytes. Larger
// frames are dropped.
const MaxFrameSize = 60 * 1024

// Errors returned by the codec.
var (
	// ErrMalformed is returned for frames or payloads that are not valid
	// JSON or miss required fields.
	ErrMalformed = errors.New("wire: malformed frame")

	// ErrTooLarge is returned when an encoded frame exceeds MaxFrameSize.
	ErrTooLarge = errors.New("wire: frame exceeds size cap")

	// ErrUnknownFrame is returned for frames whose type is neither
	// SESSION_INIT nor SECURE_MSG.
	ErrUnknownFrame = errors.New("wire: unknown frame type")
)

// HandshakeRequest is the client half of the SESSION_INIT exchange.
type HandshakeRequest struct {
	Type string `json:"type"`

	// ClientKey is the client's base64-encoded DER SubjectPublicKeyInfo.
	ClientKey string `json:"client_key"`
}

// HandshakeResponse is the server half of the SESSION_INIT exchange.
type HandshakeResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`

	// EncryptedKey is the session key wrapped to the client key with
	// RSA-OAEP, hex encoded.
	EncryptedKey string `json:"encrypted_key"`

	// Signature is the RSA-PSS signature over the raw session key, hex
	// encoded.
	Signature string `json:"signature"`

	// ServerPubkey is the server's DER SubjectPublicKeyInfo, hex encoded.
	ServerPubkey string `json:"server_pubkey"`

	// Fingerprint is the lowercase hex SHA-256 of ServerPubkey, used by
	// clients for trust-on-first-use pinning.
	Fingerprint string `json:"fingerprint"`
}

// SecureEnvelope is the encrypted frame carried in both directions after
// the handshake.
type SecureEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`

	// Nonce is the 12-byte AEAD nonce, hex encoded (24 chars).
	Nonce string `json:"nonce"`

	// Ciphertext is the AES-GCM output with the 16-byte tag appended,
	// hex encoded.
	Ciphertext string `json:"ciphertext"`
}

// CleartextError is the unencrypted notice sent when no usable session
// exists, e.g. the NO_SESSION hint after a server restart.
type CleartextError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// FrameType peeks at the type discriminator of a raw datagram without
// decoding the full frame.
func FrameType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", ErrMalformed
	}
	switch head.Type {
	case FrameSessionInit, FrameSecureMsg:
		return head.Type, nil
	default:
		return head.Type, ErrUnknownFrame
	}
}

// DecodeHandshakeRequest parses a client SESSION_INIT frame.
func DecodeHandshakeRequest(data []byte) (*HandshakeRequest, error) {
	var req HandshakeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, ErrMalformed
	}
	if req.Type != FrameSessionInit || req.ClientKey == "" {
		return nil, ErrMalformed
	}
	return &req, nil
}

// DecodeSecureEnvelope parses a SECURE_MSG frame.
func DecodeSecureEnvelope(data []byte) (*SecureEnvelope, error) {
	var env SecureEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrMalformed
	}
	if env.Type != FrameSecureMsg || env.SessionID == "" || env.Nonce == "" || env.Ciphertext == "" {
		return nil, ErrMalformed
	}
	return &env, nil
}

// EncodeFrame serializes a frame and enforces the outbound size cap.
func EncodeFrame(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, ErrTooLarge
	}
	return data, nil
}
