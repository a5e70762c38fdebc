package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// Transport cipher constants.
const (
	// SessionKeySize is the AES-256 session key length in bytes.
	SessionKeySize = 32

	// NonceSize is the AES-GCM nonce length in bytes.
	NonceSize = 12

	// TagSize is the AES-GCM authentication tag length in bytes. The tag
	// is appended to the ciphertext.
	TagSize = 16
)

// Errors returned by the transport cipher.
var (
	// ErrInvalidKeySize is returned when a session key is not 32 bytes.
	ErrInvalidKeySize = errors.New("crypto: invalid session key size")

	// ErrInvalidNonceSize is returned when a nonce is not 12 bytes.
	ErrInvalidNonceSize = errors.New("crypto: invalid nonce size")

	// ErrDecrypt is returned when authenticated decryption fails. Frames
	// that fail decryption are dropped without a reply.
	ErrDecrypt = errors.New("crypto: decryption failed")
)

// AEADSeal encrypts plaintext with AES-256-GCM under key and nonce. The
// returned ciphertext carries the 16-byte tag appended.
func AEADSeal(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// AEADOpen decrypts and authenticates ciphertext produced by AEADSeal.
// Returns ErrDecrypt if the tag does not verify.
func AEADOpen(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key, nonce)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newGCM(key, nonce []byte) (cipher.AEAD, error) {
	if len(key) != SessionKeySize {
		return nil, ErrInvalidKeySize
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
