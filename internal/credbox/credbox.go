// Package credbox seals long-lived API tokens for storage in text columns.
//
// Wire layout: nonce(12) || tag(16) || ciphertext. One key for all records,
// derived from the master secret; per-record uniqueness comes from the nonce.
// There is no key rotation: changing the master secret invalidates every
// stored blob.
package credbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrIntegrity means the blob did not authenticate under the current key.
// Callers must treat the stored credential as unreadable and force re-entry.
var ErrIntegrity = errors.New("credbox: integrity check failed")

const (
	nonceSize = chacha20poly1305.NonceSize
	tagSize   = 16
)

type Box struct {
	key []byte
}

// New derives the 256-bit sealing key from the master secret.
func New(masterSecret string) (*Box, error) {
	r := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte("deploybot/credbox/v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("credbox: derive key: %w", err)
	}
	return &Box{key: key}, nil
}

func (b *Box) Seal(plaintext string) ([]byte, error) {
	aead, err := chacha20poly1305.New(b.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	// AEAD output is ciphertext||tag; the stored layout wants the tag first.
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, nonceSize+tagSize+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return blob, nil
}

func (b *Box) Open(blob []byte) (string, error) {
	if len(blob) < nonceSize+tagSize {
		return "", ErrIntegrity
	}
	aead, err := chacha20poly1305.New(b.key)
	if err != nil {
		return "", err
	}

	nonce := blob[:nonceSize]
	tag := blob[nonceSize : nonceSize+tagSize]
	ct := blob[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrIntegrity
	}
	return string(plain), nil
}

// SealString base64-encodes a sealed blob for storage in text columns.
func (b *Box) SealString(plaintext string) (string, error) {
	blob, err := b.Seal(plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

func (b *Box) OpenString(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrIntegrity
	}
	return b.Open(blob)
}
