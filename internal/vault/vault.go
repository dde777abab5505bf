// Package vault seals uploaded documents at rest.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// magic prefixes sealed blobs so plaintext files written before a
// passphrase was configured can still be read.
var magic = []byte("DPV1")

var ErrNotSealed = errors.New("data is not sealed")

type Vault struct {
	aead cipher.AEAD
}

// New derives an AES-256 key from the passphrase via Argon2id. The salt is
// the SHA-256 of the passphrase so the key is stable across restarts.
func New(passphrase string) (*Vault, error) {
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{aead: gcm}, nil
}

// Seal encrypts plaintext into magic || nonce || ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(magic)+len(nonce)+len(plaintext)+v.aead.Overhead())
	out = append(out, magic...)
	out = append(out, nonce...)
	return v.aead.Seal(out, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, ErrNotSealed
	}
	body := sealed[len(magic):]
	ns := v.aead.NonceSize()
	if len(body) < ns {
		return nil, fmt.Errorf("decrypt: truncated data")
	}
	plaintext, err := v.aead.Open(nil, body[:ns], body[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}
