package crypto

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestGenerateNonce(t *testing.T) {
	before := uint64(time.Now().UnixNano())
	nonce := GenerateNonce()
	after := uint64(time.Now().UnixNano())

	if len(nonce) != NonceSize {
		t.Fatalf("nonce length = %d, want %d", len(nonce), NonceSize)
	}

	ts := binary.BigEndian.Uint64(nonce[:8])
	if ts < before || ts > after {
		t.Errorf("nonce timestamp %d outside [%d, %d]", ts, before, after)
	}
}

func TestGenerateNonceUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		n := string(GenerateNonce())
		if seen[n] {
			t.Fatal("duplicate nonce generated")
		}
		seen[n] = true
	}
}

func TestGenerateID(t *testing.T) {
	id := GenerateID()
	if len(id) != 32 {
		t.Errorf("id length = %d, want 32", len(id))
	}
	if id == GenerateID() {
		t.Error("two generated ids collide")
	}
}

func TestGenerateSessionKey(t *testing.T) {
	key := GenerateSessionKey()
	if len(key) != SessionKeySize {
		t.Errorf("key length = %d, want %d", len(key), SessionKeySize)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !VerifyPassword(hash, "hunter2") {
		t.Error("VerifyPassword() rejected correct password")
	}
	if VerifyPassword(hash, "hunter3") {
		t.Error("VerifyPassword() accepted wrong password")
	}
}
