// Package crypto seals card codes at rest.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealedPrefix = "x1:"

type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

// AEAD seals with XChaCha20-Poly1305. Values without the sealed prefix are
// returned unchanged by Open so rows written before a key was configured
// stay readable.
type AEAD struct{ aead cipher.AEAD }

func New(key []byte) (*AEAD, error) {
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("card key: %w", err)
	}
	return &AEAD{aead: a}, nil
}

// FromBase64 builds a Sealer from a base64 key, or a Plain one when empty.
func FromBase64(key string) (Sealer, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Plain{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("card key: %w", err)
	}
	return New(raw)
}

func NewKey() ([]byte, error) {
	k := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	return k, nil
}

func (a *AEAD) Seal(plaintext string) (string, error) {
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plaintext)+a.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	buf := a.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(buf), nil
}

func (a *AEAD) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	buf, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", err
	}
	ns := a.aead.NonceSize()
	if len(buf) < ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	pt, err := a.aead.Open(nil, buf[:ns], buf[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open card code: %w", err)
	}
	return string(pt), nil
}

// Plain stores values as they are.
type Plain struct{}

func (Plain) Seal(plaintext string) (string, error) { return plaintext, nil }

func (Plain) Open(stored string) (string, error) {
	if strings.HasPrefix(stored, sealedPrefix) {
		return "", fmt.Errorf("card code is sealed but no key is configured")
	}
	return stored, nil
}
