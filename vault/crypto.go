// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/geilt/tairseach-sub001/lib/secret"
)

// KeySize is the master key size in bytes (AES-256).
const KeySize = 32

// AlgorithmAES256GCM is the only algorithm tag the engine produces or
// accepts.
const AlgorithmAES256GCM = "AES-256-GCM"

const (
	nonceSize = 12
	tagSize   = 16
)

// HKDF parameters. Changing either makes every existing store
// unreadable.
var (
	hkdfSalt       = []byte("tairseach.vault.salt.v1")
	hkdfInfoMaster = []byte("tairseach.vault.master.v1")
)

// DeriveMasterKey derives the 256-bit master key from the host
// identity. Deterministic: the same identity always yields the same
// key. The caller must Close the returned buffer.
func DeriveMasterKey(identity HostIdentity) (*secret.Buffer, error) {
	if err := identity.validate(); err != nil {
		return nil, err
	}

	ikm := []byte(identity.HardwareID + ":" + identity.Username)
	defer secret.Zero(ikm)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, hkdfSalt, hkdfInfoMaster), key); err != nil {
		secret.Zero(key)
		return nil, fmt.Errorf("deriving master key: %w", err)
	}
	return secret.NewFromBytes(key)
}

// Blob is one encrypted record. Each field is encoded independently
// (base64 in JSON) so the algorithm can be checked before anything is
// decrypted.
type Blob struct {
	Algorithm  string `json:"algorithm"`
	Nonce      []byte `json:"nonce"`
	Tag        []byte `json:"tag"`
	Ciphertext []byte `json:"ciphertext"`
}

// Engine performs AES-256-GCM encryption under one master key.
type Engine struct {
	key *secret.Buffer
}

// NewEngine takes ownership of masterKey, which must be KeySize bytes.
// Close releases it.
func NewEngine(masterKey *secret.Buffer) (*Engine, error) {
	if masterKey.Len() != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, masterKey.Len())
	}
	return &Engine{key: masterKey}, nil
}

// NewEngineForHost detects the host identity and derives the engine's
// key from it.
func NewEngineForHost() (*Engine, error) {
	identity, err := DetectHostIdentity()
	if err != nil {
		return nil, err
	}
	key, err := DeriveMasterKey(identity)
	if err != nil {
		return nil, err
	}
	return NewEngine(key)
}

func (e *Engine) aead() (cipher.AEAD, error) {
	if e == nil || e.key == nil {
		return nil, ErrMasterKeyNotInitialized
	}
	block, err := aes.NewCipher(e.key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with a fresh random 96-bit nonce. aad is
// authenticated but not encrypted; the store passes the record key so a
// blob cannot be moved to a different record.
func (e *Engine) Encrypt(plaintext, aad []byte) (*Blob, error) {
	aead, err := e.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - tagSize
	return &Blob{
		Algorithm:  AlgorithmAES256GCM,
		Nonce:      nonce,
		Tag:        sealed[split:],
		Ciphertext: sealed[:split],
	}, nil
}

// Decrypt opens blob. Any authentication failure, including a
// malformed blob, is a *DecryptionError. The returned plaintext is on
// the heap; callers zero it once decoded.
func (e *Engine) Decrypt(blob *Blob, aad []byte) ([]byte, error) {
	aead, err := e.aead()
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, &DecryptionError{Err: errors.New("nil blob")}
	}
	if blob.Algorithm != AlgorithmAES256GCM {
		return nil, &DecryptionError{Err: fmt.Errorf("unsupported algorithm %q", blob.Algorithm)}
	}
	if len(blob.Nonce) != nonceSize || len(blob.Tag) != tagSize {
		return nil, &DecryptionError{Err: fmt.Errorf("malformed blob: nonce %d bytes, tag %d bytes", len(blob.Nonce), len(blob.Tag))}
	}

	sealed := make([]byte, 0, len(blob.Ciphertext)+tagSize)
	sealed = append(sealed, blob.Ciphertext...)
	sealed = append(sealed, blob.Tag...)

	plaintext, err := aead.Open(nil, blob.Nonce, sealed, aad)
	if err != nil {
		return nil, &DecryptionError{Err: fmt.Errorf("AEAD authentication failed (wrong key, tampered data, or different machine): %w", err)}
	}
	return plaintext, nil
}

// Close releases the master key. Idempotent.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	return e.key.Close()
}
