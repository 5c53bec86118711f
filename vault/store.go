// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/geilt/tairseach-sub001/lib/clock"
	"github.com/geilt/tairseach-sub001/lib/secret"
)

// documentVersion is the on-disk format version of the store document.
const documentVersion = 1

const (
	tokenPrefix      = "token:"
	credentialPrefix = "credential:"
)

// document is the on-disk JSON layout: one encrypted blob per record.
type document struct {
	Version int              `json:"version"`
	Records map[string]*Blob `json:"records"`
}

// StoreConfig holds configuration for opening a Store.
type StoreConfig struct {
	// Path is the store document. Its directory is created with mode
	// 0700 if missing; the document is written with mode 0600.
	Path string

	// Engine encrypts and decrypts records. The store takes ownership
	// and closes it on Close.
	Engine *Engine

	// Clock stamps credential updates. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives audit lines for mutations. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Store is the encrypted record store. Reads decrypt one blob under a
// read lock and proceed in parallel; a write holds the write lock only
// for its own record's mutation and the atomic document rewrite.
type Store struct {
	path   string
	engine *Engine
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]*Blob
}

// Open loads the store document at config.Path, or starts empty if the
// file does not exist yet.
func Open(config StoreConfig) (*Store, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if config.Engine == nil {
		return nil, ErrMasterKeyNotInitialized
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	store := &Store{
		path:    config.Path,
		engine:  config.Engine,
		clock:   config.Clock,
		logger:  config.Logger,
		records: make(map[string]*Blob),
	}

	data, err := os.ReadFile(config.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return store, nil
	case err != nil:
		return nil, fmt.Errorf("reading store %s: %w", config.Path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing store %s: %w", config.Path, err)
	}
	if doc.Version != documentVersion {
		return nil, fmt.Errorf("store %s: unsupported version %d", config.Path, doc.Version)
	}
	for key, blob := range doc.Records {
		if blob != nil {
			store.records[key] = blob
		}
	}
	return store, nil
}

// Close releases the master key. The store must not be used afterwards.
func (s *Store) Close() error {
	return s.engine.Close()
}

// Path returns the store document path.
func (s *Store) Path() string { return s.path }

// TokenKey returns the record key for a token record.
func TokenKey(provider, account string) string {
	return tokenPrefix + provider + ":" + account
}

// CredentialKey returns the record key for a generic credential.
func CredentialKey(provider, label string) string {
	return credentialPrefix + provider + ":" + label
}

func validateName(kind, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if strings.Contains(value, ":") {
		return fmt.Errorf("%s %q must not contain ':'", kind, value)
	}
	return nil
}

// GetToken decrypts the token record for (provider, account). The
// caller must Close the result.
func (s *Store) GetToken(provider, account string) (*TokenRecord, error) {
	key := TokenKey(provider, account)
	plaintext, err := s.open(key)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(plaintext)
	return decodeToken(plaintext)
}

// PutToken encrypts and stores record, replacing any existing record
// for the same (provider, account).
func (s *Store) PutToken(record *TokenRecord) error {
	if err := validateName("provider", record.Provider); err != nil {
		return err
	}
	if record.Account == "" {
		return fmt.Errorf("account is required")
	}
	key := TokenKey(record.Provider, record.Account)
	if err := s.seal(key, record, false); err != nil {
		return err
	}
	s.logger.Info("token stored", "provider", record.Provider, "account", record.Account)
	return nil
}

// ReplaceToken stores record only if a record for its key already
// exists. A refresh that completes after a revoke must not bring the
// revoked record back.
func (s *Store) ReplaceToken(record *TokenRecord) error {
	return s.seal(TokenKey(record.Provider, record.Account), record, true)
}

// DeleteToken removes the token record. Returns whether it existed;
// deleting an absent record is not an error.
func (s *Store) DeleteToken(provider, account string) (bool, error) {
	existed, err := s.remove(TokenKey(provider, account))
	if err == nil && existed {
		s.logger.Info("token revoked", "provider", provider, "account", account)
	}
	return existed, err
}

// GetCredential decrypts the generic credential for (provider, label).
// An empty label means DefaultLabel.
func (s *Store) GetCredential(provider, label string) (*Credential, error) {
	if label == "" {
		label = DefaultLabel
	}
	plaintext, err := s.open(CredentialKey(provider, label))
	if err != nil {
		return nil, err
	}
	defer secret.Zero(plaintext)
	return decodeCredential(plaintext)
}

// PutCredential encrypts and stores credential. An empty label is
// stored as DefaultLabel. UpdatedAt is stamped from the store's clock.
func (s *Store) PutCredential(credential *Credential) error {
	if err := validateName("provider", credential.Provider); err != nil {
		return err
	}
	if credential.Label == "" {
		credential.Label = DefaultLabel
	}
	credential.UpdatedAt = s.clock.Now()
	if err := s.seal(CredentialKey(credential.Provider, credential.Label), credential, false); err != nil {
		return err
	}
	s.logger.Info("credential stored",
		"provider", credential.Provider,
		"label", credential.Label,
		"type", credential.Type,
	)
	return nil
}

// DeleteCredential removes the credential. Returns whether it existed.
func (s *Store) DeleteCredential(provider, label string) (bool, error) {
	if label == "" {
		label = DefaultLabel
	}
	existed, err := s.remove(CredentialKey(provider, label))
	if err == nil && existed {
		s.logger.Info("credential deleted", "provider", provider, "label", label)
	}
	return existed, err
}

// Resolve finds the credential a tool call should use for provider.
// Candidate names are tried in order: label, account, DefaultLabel
// (empty and repeated candidates skipped). For each candidate the
// token record shape is tried before the generic field-map shape.
// Returns ErrNotFound when nothing matches. A record that exists but
// fails to decrypt is returned as its *DecryptionError rather than
// skipped.
func (s *Store) Resolve(provider, label, account string) (*Credential, error) {
	for _, name := range ResolutionChain(label, account) {
		record, err := s.GetToken(provider, name)
		if err == nil {
			credential, err := record.AsCredential()
			record.Close()
			return credential, err
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		credential, err := s.GetCredential(provider, name)
		if err == nil {
			return credential, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no credential for provider %q: %w", provider, ErrNotFound)
}

// ResolutionChain returns the ordered, de-duplicated candidate names
// tried when resolving a credential: label, account, DefaultLabel.
func ResolutionChain(label, account string) []string {
	var chain []string
	for _, name := range []string{label, account, DefaultLabel} {
		if name != "" && !containsString(chain, name) {
			chain = append(chain, name)
		}
	}
	return chain
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

// ListTokens returns metadata for every token record, sorted by
// provider then account. Records that fail to decrypt are listed with
// Error set.
func (s *Store) ListTokens() []TokenMetadata {
	var result []TokenMetadata
	for _, key := range s.keys(tokenPrefix) {
		provider, account := splitKey(key, tokenPrefix)
		record, err := s.GetToken(provider, account)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			result = append(result, TokenMetadata{Provider: provider, Account: account, Error: err.Error()})
			continue
		}
		result = append(result, record.Metadata())
		record.Close()
	}
	return result
}

// ListCredentials returns metadata for every generic credential.
func (s *Store) ListCredentials() []CredentialMetadata {
	var result []CredentialMetadata
	for _, key := range s.keys(credentialPrefix) {
		provider, label := splitKey(key, credentialPrefix)
		credential, err := s.GetCredential(provider, label)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			result = append(result, CredentialMetadata{Provider: provider, Label: label, Error: err.Error()})
			continue
		}
		result = append(result, credential.Metadata())
		credential.Close()
	}
	return result
}

// keys returns the sorted record keys with prefix.
func (s *Store) keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key := range s.records {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func splitKey(key, prefix string) (string, string) {
	provider, name, _ := strings.Cut(strings.TrimPrefix(key, prefix), ":")
	return provider, name
}

// open decrypts one record. Only the target blob is touched.
func (s *Store) open(key string) ([]byte, error) {
	s.mu.RLock()
	blob, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}

	plaintext, err := s.engine.Decrypt(blob, []byte(key))
	if err != nil {
		var decryptionError *DecryptionError
		if errors.As(err, &decryptionError) {
			decryptionError.Record = key
		}
		return nil, err
	}
	return plaintext, nil
}

// seal encodes, encrypts and persists one record. With mustExist, the
// write is refused with ErrNotFound if the key is absent at commit
// time.
func (s *Store) seal(key string, record any, mustExist bool) error {
	var (
		plaintext []byte
		err       error
	)
	switch value := record.(type) {
	case *TokenRecord:
		plaintext, err = encodeToken(value)
	case *Credential:
		plaintext, err = encodeCredential(value)
	default:
		return fmt.Errorf("unsupported record type %T", record)
	}
	if err != nil {
		return err
	}
	blob, err := s.engine.Encrypt(plaintext, []byte(key))
	secret.Zero(plaintext)
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.records[key]
	if mustExist && !existed {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	s.records[key] = blob
	if err := s.persistLocked(); err != nil {
		if existed {
			s.records[key] = previous
		} else {
			delete(s.records, key)
		}
		return err
	}
	return nil
}

func (s *Store) remove(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.records[key]
	if !existed {
		return false, nil
	}
	delete(s.records, key)
	if err := s.persistLocked(); err != nil {
		s.records[key] = previous
		return false, err
	}
	return true, nil
}

// persistLocked atomically rewrites the document: write a temporary
// file in the same directory, fsync, rename. Must be called with s.mu
// held for writing.
func (s *Store) persistLocked() error {
	directory := filepath.Dir(s.path)
	if err := os.MkdirAll(directory, 0700); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	data, err := json.MarshalIndent(document{Version: documentVersion, Records: s.records}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding store document: %w", err)
	}

	temporary, err := os.CreateTemp(directory, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary store file: %w", err)
	}
	temporaryPath := temporary.Name()
	cleanup := func() {
		temporary.Close()
		os.Remove(temporaryPath)
	}

	if err := temporary.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("setting store permissions: %w", err)
	}
	if _, err := temporary.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("writing store: %w", err)
	}
	if err := temporary.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing store: %w", err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing store: %w", err)
	}
	if err := os.Rename(temporaryPath, s.path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("replacing store: %w", err)
	}
	return nil
}
