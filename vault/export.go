// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"errors"
	"fmt"
	"time"

	"github.com/geilt/tairseach-sub001/lib/codec"
	"github.com/geilt/tairseach-sub001/lib/sealed"
	"github.com/geilt/tairseach-sub001/lib/secret"
)

const bundleVersion = 1

// bundle is the CBOR plaintext inside a sealed export.
type bundle struct {
	Version     int              `cbor:"version"`
	ExportedAt  time.Time        `cbor:"exported_at"`
	Tokens      []tokenWire      `cbor:"tokens"`
	Credentials []credentialWire `cbor:"credentials"`
}

func (b *bundle) zero() {
	for index := range b.Tokens {
		b.Tokens[index].zero()
	}
	for index := range b.Credentials {
		b.Credentials[index].zero()
	}
}

// ExportResult describes a sealed export.
type ExportResult struct {
	// Data is the ASCII-armored age file.
	Data []byte

	Tokens      int
	Credentials int

	// Skipped lists record keys that could not be decrypted and were
	// left out of the bundle.
	Skipped []string
}

// Export decrypts every readable record and seals them into one age
// bundle for recipients. Unreadable records are skipped and reported.
func (s *Store) Export(recipients []string) (*ExportResult, error) {
	contents := bundle{Version: bundleVersion, ExportedAt: s.clock.Now().UTC()}
	defer contents.zero()

	result := &ExportResult{}
	for _, key := range s.keys(tokenPrefix) {
		provider, account := splitKey(key, tokenPrefix)
		record, err := s.GetToken(provider, account)
		if err != nil {
			result.Skipped = append(result.Skipped, key)
			continue
		}
		contents.Tokens = append(contents.Tokens, record.wire())
		record.Close()
	}
	for _, key := range s.keys(credentialPrefix) {
		provider, label := splitKey(key, credentialPrefix)
		credential, err := s.GetCredential(provider, label)
		if err != nil {
			result.Skipped = append(result.Skipped, key)
			continue
		}
		contents.Credentials = append(contents.Credentials, credential.wire())
		credential.Close()
	}

	plaintext, err := codec.Marshal(contents)
	if err != nil {
		return nil, fmt.Errorf("encoding export bundle: %w", err)
	}
	defer secret.Zero(plaintext)

	data, err := sealed.Encrypt(plaintext, recipients)
	if err != nil {
		return nil, fmt.Errorf("sealing export bundle: %w", err)
	}

	result.Data = data
	result.Tokens = len(contents.Tokens)
	result.Credentials = len(contents.Credentials)
	s.logger.Info("vault exported",
		"tokens", result.Tokens,
		"credentials", result.Credentials,
		"skipped", len(result.Skipped),
	)
	return result, nil
}

// ImportResult counts the records restored by Import.
type ImportResult struct {
	Tokens      int
	Credentials int
}

// Import opens a sealed bundle with identity and stores every record
// under this store's key, replacing records with the same key.
func (s *Store) Import(data []byte, identity *secret.Buffer) (*ImportResult, error) {
	plaintext, err := sealed.Decrypt(data, identity)
	if err != nil {
		return nil, fmt.Errorf("opening export bundle: %w", err)
	}
	defer plaintext.Close()

	var contents bundle
	if err := codec.Unmarshal(plaintext.Bytes(), &contents); err != nil {
		return nil, fmt.Errorf("decoding export bundle: %w", err)
	}
	defer contents.zero()
	if contents.Version != bundleVersion {
		return nil, fmt.Errorf("unsupported export bundle version %d", contents.Version)
	}

	result := &ImportResult{}
	var errs []error
	for index := range contents.Tokens {
		record, err := contents.Tokens[index].record()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.PutToken(record); err != nil {
			errs = append(errs, err)
		} else {
			result.Tokens++
		}
		record.Close()
	}
	for index := range contents.Credentials {
		credential, err := contents.Credentials[index].credential()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.PutCredential(credential); err != nil {
			errs = append(errs, err)
		} else {
			result.Credentials++
		}
		credential.Close()
	}
	return result, errors.Join(errs...)
}
