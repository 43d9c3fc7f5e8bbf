// Package identity protects subject-provided identity values at rest: a
// deterministic blind-index hash for equality lookups and reversible
// encryption for traversal seeding.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Hasher produces a deterministic keyed digest of an identity value. Equal
// inputs hash equally, so the digest works as a blind index; the key keeps
// the index useless without the server secret.
type Hasher struct {
	key []byte
}

// NewHasher derives the index key from the application secret so the same
// secret never keys both hashing and encryption directly.
func NewHasher(secret []byte) (*Hasher, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte("dsrd identity blind index"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive blind index key: %w", err)
	}
	return &Hasher{key: key}, nil
}

// Hash returns the hex blind index of one identity value.
func (h *Hasher) Hash(value string) string {
	mac := sha256.New()
	mac.Write(h.key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// Encryptor is the reversible half of identity protection.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESGCM encrypts with AES-256-GCM, nonce prepended to the ciphertext.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM derives a 32-byte encryption key from the application secret.
func NewAESGCM(secret []byte) (*AESGCM, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte("dsrd identity encryption"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

func (e *AESGCM) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESGCM) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < e.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:e.aead.NonceSize()], ciphertext[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt identity value: %w", err)
	}
	return plaintext, nil
}
