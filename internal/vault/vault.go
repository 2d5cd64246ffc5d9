// Package vault encrypts host credentials at rest. Tokens are AES-GCM
// sealed and base64 encoded so they can live in ordinary text columns.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

const keySize = 32

// ErrBadToken is returned when a token cannot be decoded or authenticated.
var ErrBadToken = errors.New("vault: malformed or tampered token")

// Vault seals and opens short secrets with a single symmetric key.
type Vault struct {
	aead cipher.AEAD
}

// Open loads the key file at path, generating a fresh key on first use.
func Open(path string) (*Vault, error) {
	key, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		key = make([]byte, keySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, key, 0o600); err != nil {
			return nil, fmt.Errorf("vault: write key file: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("vault: read key file: %w", err)
	}
	return New(key)
}

// New builds a Vault from a raw 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// EncryptString seals plaintext into a printable token. Empty input
// yields an empty token.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a token produced by EncryptString.
func (v *Vault) DecryptString(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrBadToken
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrBadToken
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrBadToken
	}
	return string(plain), nil
}
