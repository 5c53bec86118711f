// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/geilt/tairseach-sub001/lib/codec"
	"github.com/geilt/tairseach-sub001/lib/secret"
)

// DefaultLabel is the credential label used when none is given.
const DefaultLabel = "default"

// TypeOAuth2 is the credential type of a token record presented as a
// field map.
const TypeOAuth2 = "oauth2"

// TokenRecord is an OAuth token for one (provider, account). Secret
// fields are buffers owned by the record; Close releases them.
type TokenRecord struct {
	Provider      string
	Account       string
	ClientID      string
	ClientSecret  *secret.Buffer
	TokenType     string
	AccessToken   *secret.Buffer
	RefreshToken  *secret.Buffer
	Expiry        time.Time
	Scopes        []string
	IssuedAt      time.Time
	LastRefreshed time.Time
}

// Close releases every secret held by the record. Idempotent.
func (r *TokenRecord) Close() error {
	if r == nil {
		return nil
	}
	return errors.Join(r.ClientSecret.Close(), r.AccessToken.Close(), r.RefreshToken.Close())
}

// Clone returns a deep copy with independent secret buffers.
func (r *TokenRecord) Clone() (*TokenRecord, error) {
	clone := &TokenRecord{
		Provider:      r.Provider,
		Account:       r.Account,
		ClientID:      r.ClientID,
		TokenType:     r.TokenType,
		Expiry:        r.Expiry,
		Scopes:        slices.Clone(r.Scopes),
		IssuedAt:      r.IssuedAt,
		LastRefreshed: r.LastRefreshed,
	}
	var err error
	if clone.ClientSecret, err = r.ClientSecret.Clone(); err != nil {
		return nil, err
	}
	if clone.AccessToken, err = r.AccessToken.Clone(); err != nil {
		clone.Close()
		return nil, err
	}
	if clone.RefreshToken, err = r.RefreshToken.Clone(); err != nil {
		clone.Close()
		return nil, err
	}
	return clone, nil
}

// MissingScopes returns the required scopes the record does not hold.
func (r *TokenRecord) MissingScopes(required []string) []string {
	var missing []string
	for _, scope := range required {
		if !slices.Contains(r.Scopes, scope) {
			missing = append(missing, scope)
		}
	}
	return missing
}

// ExpiresWithin reports whether the token expires less than window
// after now. A zero Expiry means the token does not expire.
func (r *TokenRecord) ExpiresWithin(now time.Time, window time.Duration) bool {
	if r.Expiry.IsZero() {
		return false
	}
	return r.Expiry.Sub(now) < window
}

// Metadata returns the non-secret description of the record.
func (r *TokenRecord) Metadata() TokenMetadata {
	return TokenMetadata{
		Provider:        r.Provider,
		Account:         r.Account,
		TokenType:       r.TokenType,
		Scopes:          slices.Clone(r.Scopes),
		Expiry:          r.Expiry,
		IssuedAt:        r.IssuedAt,
		LastRefreshed:   r.LastRefreshed,
		HasRefreshToken: r.RefreshToken.Len() > 0,
	}
}

// TokenMetadata describes a token record without secret material.
type TokenMetadata struct {
	Provider        string    `json:"provider"`
	Account         string    `json:"account"`
	TokenType       string    `json:"token_type,omitempty"`
	Scopes          []string  `json:"scopes"`
	Expiry          time.Time `json:"expiry,omitzero"`
	IssuedAt        time.Time `json:"issued_at,omitzero"`
	LastRefreshed   time.Time `json:"last_refreshed,omitzero"`
	HasRefreshToken bool      `json:"has_refresh_token"`

	// Error is set when the record exists but could not be decrypted.
	Error string `json:"error,omitempty"`
}

// AsCredential presents the token record in the generic field-map
// shape: access_token, refresh_token, token_type, expiry, scope,
// account, client_id.
func (r *TokenRecord) AsCredential() (*Credential, error) {
	fields := secret.NewFields()
	for name, buffer := range map[string]*secret.Buffer{
		"access_token":  r.AccessToken,
		"refresh_token": r.RefreshToken,
	} {
		clone, err := buffer.Clone()
		if err != nil {
			fields.Close()
			return nil, err
		}
		fields.Put(name, clone)
	}
	plain := map[string]string{
		"token_type": r.TokenType,
		"scope":      strings.Join(r.Scopes, " "),
		"account":    r.Account,
		"client_id":  r.ClientID,
	}
	if !r.Expiry.IsZero() {
		plain["expiry"] = r.Expiry.UTC().Format(time.RFC3339)
	}
	for name, value := range plain {
		if err := fields.SetString(name, value); err != nil {
			fields.Close()
			return nil, err
		}
	}
	return &Credential{
		Provider:  r.Provider,
		Label:     r.Account,
		Type:      TypeOAuth2,
		Fields:    fields,
		UpdatedAt: r.LastRefreshed,
	}, nil
}

// Credential is a generic credential: a typed map of named secret
// fields for one (provider, label).
type Credential struct {
	Provider  string
	Label     string
	Type      string
	Fields    *secret.Fields
	UpdatedAt time.Time
}

// Close releases the field buffers. Idempotent.
func (c *Credential) Close() error {
	if c == nil {
		return nil
	}
	return c.Fields.Close()
}

// Metadata returns the non-secret description of the credential.
func (c *Credential) Metadata() CredentialMetadata {
	return CredentialMetadata{
		Provider:  c.Provider,
		Label:     c.Label,
		Type:      c.Type,
		Fields:    c.Fields.Names(),
		UpdatedAt: c.UpdatedAt,
	}
}

// CredentialMetadata describes a credential without secret material.
type CredentialMetadata struct {
	Provider  string    `json:"provider"`
	Label     string    `json:"label"`
	Type      string    `json:"type"`
	Fields    []string  `json:"fields"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// tokenWire is the CBOR plaintext of a token record.
type tokenWire struct {
	Provider      string    `cbor:"provider"`
	Account       string    `cbor:"account"`
	ClientID      string    `cbor:"client_id,omitempty"`
	ClientSecret  []byte    `cbor:"client_secret,omitempty"`
	TokenType     string    `cbor:"token_type,omitempty"`
	AccessToken   []byte    `cbor:"access_token"`
	RefreshToken  []byte    `cbor:"refresh_token,omitempty"`
	Expiry        time.Time `cbor:"expiry"`
	Scopes        []string  `cbor:"scopes"`
	IssuedAt      time.Time `cbor:"issued_at"`
	LastRefreshed time.Time `cbor:"last_refreshed"`
}

func (w *tokenWire) zero() {
	secret.Zero(w.ClientSecret)
	secret.Zero(w.AccessToken)
	secret.Zero(w.RefreshToken)
}

func (r *TokenRecord) wire() tokenWire {
	return tokenWire{
		Provider:      r.Provider,
		Account:       r.Account,
		ClientID:      r.ClientID,
		ClientSecret:  copyBytes(r.ClientSecret),
		TokenType:     r.TokenType,
		AccessToken:   copyBytes(r.AccessToken),
		RefreshToken:  copyBytes(r.RefreshToken),
		Expiry:        r.Expiry,
		Scopes:        r.Scopes,
		IssuedAt:      r.IssuedAt,
		LastRefreshed: r.LastRefreshed,
	}
}

// record moves the wire secrets into buffers; the wire slices are
// zeroed.
func (w *tokenWire) record() (*TokenRecord, error) {
	defer w.zero()
	record := &TokenRecord{
		Provider:      w.Provider,
		Account:       w.Account,
		ClientID:      w.ClientID,
		TokenType:     w.TokenType,
		Expiry:        w.Expiry,
		Scopes:        w.Scopes,
		IssuedAt:      w.IssuedAt,
		LastRefreshed: w.LastRefreshed,
	}
	var err error
	if record.ClientSecret, err = bufferFrom(w.ClientSecret); err != nil {
		return nil, err
	}
	if record.AccessToken, err = bufferFrom(w.AccessToken); err != nil {
		record.Close()
		return nil, err
	}
	if record.RefreshToken, err = bufferFrom(w.RefreshToken); err != nil {
		record.Close()
		return nil, err
	}
	return record, nil
}

// credentialWire is the CBOR plaintext of a generic credential.
type credentialWire struct {
	Provider  string            `cbor:"provider"`
	Label     string            `cbor:"label"`
	Type      string            `cbor:"type"`
	Fields    map[string][]byte `cbor:"fields"`
	UpdatedAt time.Time         `cbor:"updated_at"`
}

func (w *credentialWire) zero() {
	for _, value := range w.Fields {
		secret.Zero(value)
	}
}

func (c *Credential) wire() credentialWire {
	fields := make(map[string][]byte, c.Fields.Len())
	for _, name := range c.Fields.Names() {
		fields[name] = copyBytes(c.Fields.Get(name))
	}
	return credentialWire{
		Provider:  c.Provider,
		Label:     c.Label,
		Type:      c.Type,
		Fields:    fields,
		UpdatedAt: c.UpdatedAt,
	}
}

func (w *credentialWire) credential() (*Credential, error) {
	defer w.zero()
	fields := secret.NewFields()
	names := make([]string, 0, len(w.Fields))
	for name := range w.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := fields.Set(name, w.Fields[name]); err != nil {
			fields.Close()
			return nil, err
		}
	}
	return &Credential{
		Provider:  w.Provider,
		Label:     w.Label,
		Type:      w.Type,
		Fields:    fields,
		UpdatedAt: w.UpdatedAt,
	}, nil
}

// encode marshals a wire struct to CBOR and zeroes the wire secrets.
// The caller zeroes the returned plaintext after encryption.
func encodeToken(record *TokenRecord) ([]byte, error) {
	wire := record.wire()
	defer wire.zero()
	plaintext, err := codec.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encoding token record: %w", err)
	}
	return plaintext, nil
}

func decodeToken(plaintext []byte) (*TokenRecord, error) {
	var wire tokenWire
	if err := codec.Unmarshal(plaintext, &wire); err != nil {
		wire.zero()
		return nil, fmt.Errorf("decoding token record: %w", err)
	}
	return wire.record()
}

func encodeCredential(credential *Credential) ([]byte, error) {
	wire := credential.wire()
	defer wire.zero()
	plaintext, err := codec.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encoding credential: %w", err)
	}
	return plaintext, nil
}

func decodeCredential(plaintext []byte) (*Credential, error) {
	var wire credentialWire
	if err := codec.Unmarshal(plaintext, &wire); err != nil {
		wire.zero()
		return nil, fmt.Errorf("decoding credential: %w", err)
	}
	return wire.credential()
}

func copyBytes(buffer *secret.Buffer) []byte {
	if buffer.Len() == 0 {
		return nil
	}
	return append([]byte(nil), buffer.Bytes()...)
}

func bufferFrom(data []byte) (*secret.Buffer, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return secret.NewFromBytes(data)
}
