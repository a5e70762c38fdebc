package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// GenerateNonce constructs a 12-byte AEAD nonce for outbound frames.
//
// Format: 8 bytes big-endian nanosecond timestamp || 4 bytes of
// cryptographic randomness. The timestamp prefix keeps nonces unique across
// restarts; the random suffix covers frames sealed within the same
// nanosecond.
func GenerateNonce() []byte {
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint64(nonce[:8], uint64(time.Now().UnixNano()))
	if _, err := rand.Read(nonce[8:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic("crypto: rand.Read: " + err.Error())
	}
	return nonce
}

// GenerateSessionKey returns a fresh random 32-byte AES session key.
func GenerateSessionKey() []byte {
	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		panic("crypto: rand.Read: " + err.Error())
	}
	return key
}

// GenerateID returns a random 32-character lowercase hex identifier,
// used for session ids.
func GenerateID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("crypto: rand.Read: " + err.Error())
	}
	return hex.EncodeToString(buf[:])
}
