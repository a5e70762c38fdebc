// Package crypto provides the cryptographic primitives for the UDPChat
// protocol: the server RSA keypair, the RSA-OAEP key wrap and RSA-PSS
// signature used during the handshake, and the AES-GCM transport cipher.
package crypto

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// cryptoSHA256 is the stdlib hash identifier used for PSS signatures.
const cryptoSHA256 = stdcrypto.SHA256

// RSAKeySize is the modulus size of the server keypair in bits.
const RSAKeySize = 2048

// PSSSaltLength is the salt length used for RSA-PSS signatures.
const PSSSaltLength = 32

// Key file names within the key directory.
const (
	privateKeyFile = "server_private_key.pem"
	publicKeyFile  = "server_public_key.pem"
)

// Errors returned by key operations.
var (
	// ErrNotRSA is returned when a parsed public key is not an RSA key.
	ErrNotRSA = errors.New("crypto: public key is not RSA")

	// ErrDecryptKey is returned when an OAEP key unwrap fails.
	ErrDecryptKey = errors.New("crypto: key unwrap failed")
)

// ServerKeys holds the server's RSA keypair and its derived identity.
type ServerKeys struct {
	private *rsa.PrivateKey

	// PublicDER is the DER-encoded SubjectPublicKeyInfo of the public key.
	PublicDER []byte

	// Fingerprint is the lowercase hex SHA-256 of PublicDER. Clients pin
	// it on first use.
	Fingerprint string
}

// LoadOrCreateServerKeys loads the server keypair from dir, generating and
// persisting a fresh 2048-bit pair if none exists. The private key is
// stored as unencrypted PKCS#8 PEM, the public key as SPKI PEM.
func LoadOrCreateServerKeys(dir string) (*ServerKeys, error) {
	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	if fileExists(privPath) && fileExists(pubPath) {
		return loadServerKeys(privPath)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	private, err := rsa.GenerateKey(rand.Reader, RSAKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating server keypair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}

	return newServerKeys(private)
}

func loadServerKeys(privPath string) (*ServerKeys, error) {
	data, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("crypto: no PEM block in %s", privPath)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	private, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSA
	}
	return newServerKeys(private)
}

func newServerKeys(private *rsa.PrivateKey) (*ServerKeys, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	return &ServerKeys{
		private:     private,
		PublicDER:   pubDER,
		Fingerprint: FingerprintDER(pubDER),
	}, nil
}

// OAEPDecrypt unwraps ciphertext with the server private key using
// RSA-OAEP with SHA-256 for both the hash and MGF1.
func (k *ServerKeys) OAEPDecrypt(ciphertext []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.private, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptKey
	}
	return plaintext, nil
}

// PSSSign signs message with the server private key using RSA-PSS over
// SHA-256 with a 32-byte salt.
func (k *ServerKeys) PSSSign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return rsa.SignPSS(rand.Reader, k.private, cryptoSHA256, digest[:], &rsa.PSSOptions{
		SaltLength: PSSSaltLength,
		Hash:       cryptoSHA256,
	})
}

// FingerprintDER returns the lowercase hex SHA-256 of a DER-encoded
// SubjectPublicKeyInfo.
func FingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// ParseClientKey parses a base64-encoded DER SubjectPublicKeyInfo as sent
// by clients in the SESSION_INIT frame.
func ParseClientKey(b64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding client key: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing client key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSA
	}
	return pub, nil
}

// OAEPEncrypt wraps plaintext to the given public key using RSA-OAEP with
// SHA-256. The server uses it to wrap session keys for clients.
func OAEPEncrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
}

// PSSVerify verifies an RSA-PSS signature over message. Clients use it to
// verify the server's signature over the raw session key.
func PSSVerify(pub *rsa.PublicKey, message, signature []byte) error {
	digest := sha256.Sum256(message)
	return rsa.VerifyPSS(pub, cryptoSHA256, digest[:], signature, &rsa.PSSOptions{
		SaltLength: PSSSaltLength,
		Hash:       cryptoSHA256,
	})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
