package crypto

import (
	"bytes"
	"testing"
)

func TestAEADRoundTrip(t *testing.T) {
	key := GenerateSessionKey()
	nonce := GenerateNonce()
	plaintext := []byte(`{"type":"HELLO","data":{}}`)

	ciphertext, err := AEADSeal(key, nonce, plaintext)
	if err != nil {
		t.Fatalf("AEADSeal() error = %v", err)
	}
	if len(ciphertext) != len(plaintext)+TagSize {
		t.Errorf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+TagSize)
	}

	got, err := AEADOpen(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("AEADOpen() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("AEADOpen() = %q, want %q", got, plaintext)
	}
}

func TestAEADTamperDetection(t *testing.T) {
	key := GenerateSessionKey()
	nonce := GenerateNonce()
	plaintext := []byte("secret chat payload")

	ciphertext, err := AEADSeal(key, nonce, plaintext)
	if err != nil {
		t.Fatalf("AEADSeal() error = %v", err)
	}

	// Tampering any byte must fail authentication.
	for _, i := range []int{0, len(ciphertext) / 2, len(ciphertext) - 1} {
		tampered := bytes.Clone(ciphertext)
		tampered[i] ^= 0x01
		if _, err := AEADOpen(key, nonce, tampered); err != ErrDecrypt {
			t.Errorf("AEADOpen(tampered[%d]) error = %v, want %v", i, err, ErrDecrypt)
		}
	}
}

func TestAEADWrongKey(t *testing.T) {
	nonce := GenerateNonce()
	ciphertext, err := AEADSeal(GenerateSessionKey(), nonce, []byte("hi"))
	if err != nil {
		t.Fatalf("AEADSeal() error = %v", err)
	}
	if _, err := AEADOpen(GenerateSessionKey(), nonce, ciphertext); err != ErrDecrypt {
		t.Errorf("AEADOpen(wrong key) error = %v, want %v", err, ErrDecrypt)
	}
}

func TestAEADInvalidSizes(t *testing.T) {
	t.Run("short key", func(t *testing.T) {
		if _, err := AEADSeal(make([]byte, 16), GenerateNonce(), nil); err != ErrInvalidKeySize {
			t.Errorf("error = %v, want %v", err, ErrInvalidKeySize)
		}
	})
	t.Run("short nonce", func(t *testing.T) {
		if _, err := AEADSeal(GenerateSessionKey(), make([]byte, 8), nil); err != ErrInvalidNonceSize {
			t.Errorf("error = %v, want %v", err, ErrInvalidNonceSize)
		}
	})
}
