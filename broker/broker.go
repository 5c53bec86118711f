// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/geilt/tairseach-sub001/lib/clock"
	"github.com/geilt/tairseach-sub001/vault"
)

// Defaults for Config fields left zero.
const (
	DefaultExpiryMargin  = 5 * time.Minute
	DefaultMaxRetries    = 3
	DefaultRetryInterval = time.Second
)

// Credential requirement kinds accepted by ResolveCredential.
const (
	KindOAuth  = "oauth"
	KindStatic = "static"
)

// Config holds the dependencies and tuning for a Broker.
type Config struct {
	// Store is the encrypted record store. Required. The broker does
	// not close it.
	Store *vault.Store

	// Providers are the OAuth providers tokens can be refreshed and
	// obtained through.
	Providers []Provider

	// Types validates generic credentials on StoreCredential. When
	// nil, the built-in types are used.
	Types *TypeRegistry

	// ExpiryMargin is how close to expiry a token may be before
	// GetToken refreshes it first.
	ExpiryMargin time.Duration

	// MaxRetries is the number of retries after the first refresh
	// attempt fails. Each retry waits twice as long as the previous,
	// starting at RetryInterval.
	MaxRetries    int
	RetryInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Broker serves tokens and credentials out of a vault.Store, refreshing
// OAuth tokens as they approach expiry.
type Broker struct {
	store         *vault.Store
	providers     map[string]Provider
	types         *TypeRegistry
	expiryMargin  time.Duration
	maxRetries    int
	retryInterval time.Duration
	clock         clock.Clock
	logger        *slog.Logger

	// refreshes deduplicates in-flight refreshes by record key.
	refreshes singleflight.Group

	// sweep is held by RefreshAll. A second sweep does not wait.
	sweep sync.Mutex
}

// New validates config and creates a Broker.
func New(config Config) (*Broker, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("broker: store is required")
	}
	if config.ExpiryMargin <= 0 {
		config.ExpiryMargin = DefaultExpiryMargin
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	} else if config.MaxRetries == 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Types == nil {
		types, err := NewTypeRegistry()
		if err != nil {
			return nil, err
		}
		config.Types = types
	}

	providers := make(map[string]Provider, len(config.Providers))
	for _, provider := range config.Providers {
		name := provider.Name()
		if _, exists := providers[name]; exists {
			return nil, fmt.Errorf("broker: provider %q registered twice", name)
		}
		providers[name] = provider
	}

	return &Broker{
		store:         config.Store,
		providers:     providers,
		types:         config.Types,
		expiryMargin:  config.ExpiryMargin,
		maxRetries:    config.MaxRetries,
		retryInterval: config.RetryInterval,
		clock:         config.Clock,
		logger:        config.Logger,
	}, nil
}

// Store returns the underlying record store.
func (b *Broker) Store() *vault.Store { return b.store }

// Types returns the credential type registry.
func (b *Broker) Types() *TypeRegistry { return b.types }

// Providers returns the registered provider names, sorted.
func (b *Broker) Providers() []string {
	names := make([]string, 0, len(b.providers))
	for name := range b.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Provider returns the registered provider for name.
func (b *Broker) Provider(name string) (Provider, error) {
	provider, ok := b.providers[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrProviderNotSupported)
	}
	return provider, nil
}

// GetToken returns a usable token for (provider, account) holding
// every scope in requiredScopes. A token within the expiry margin is
// refreshed first. The caller must Close the result.
func (b *Broker) GetToken(ctx context.Context, provider, account string, requiredScopes []string) (*vault.TokenRecord, error) {
	record, err := b.loadToken(provider, account)
	if err != nil {
		return nil, err
	}

	if missing := record.MissingScopes(requiredScopes); len(missing) > 0 {
		record.Close()
		return nil, &ScopeInsufficientError{Provider: provider, Account: account, Missing: missing}
	}

	if !record.ExpiresWithin(b.clock.Now(), b.expiryMargin) {
		return record, nil
	}
	record.Close()

	if err := b.refresh(ctx, provider, account, b.expiryMargin); err != nil {
		return nil, err
	}
	return b.loadToken(provider, account)
}

// Refresh refreshes (provider, account) now regardless of expiry and
// returns the new token metadata.
func (b *Broker) Refresh(ctx context.Context, provider, account string) (vault.TokenMetadata, error) {
	if err := b.refresh(ctx, provider, account, 0); err != nil {
		return vault.TokenMetadata{}, err
	}
	record, err := b.loadToken(provider, account)
	if err != nil {
		return vault.TokenMetadata{}, err
	}
	defer record.Close()
	return record.Metadata(), nil
}

// StoreToken stores record, replacing any existing token for the same
// (provider, account). IssuedAt defaults to now.
func (b *Broker) StoreToken(record *vault.TokenRecord) error {
	if record.IssuedAt.IsZero() {
		record.IssuedAt = b.clock.Now()
	}
	return b.store.PutToken(record)
}

// RevokeToken deletes the token for (provider, account). Revoking a
// token that does not exist succeeds.
func (b *Broker) RevokeToken(provider, account string) error {
	_, err := b.store.DeleteToken(provider, account)
	return err
}

// Accounts lists token metadata, optionally filtered to one provider.
func (b *Broker) Accounts(provider string) []vault.TokenMetadata {
	all := b.store.ListTokens()
	if provider == "" {
		return all
	}
	var filtered []vault.TokenMetadata
	for _, metadata := range all {
		if metadata.Provider == provider {
			filtered = append(filtered, metadata)
		}
	}
	return filtered
}

// TokenStatus describes one token record for status queries.
type TokenStatus struct {
	vault.TokenMetadata

	// Valid is false once the token has expired.
	Valid bool `json:"valid"`

	// NeedsRefresh is true within the expiry margin.
	NeedsRefresh bool `json:"needs_refresh"`

	// ExpiresIn is the remaining lifetime in whole seconds, zero for
	// tokens without expiry or already expired.
	ExpiresIn int64 `json:"expires_in,omitempty"`
}

// Status reports the state of (provider, account) without refreshing.
func (b *Broker) Status(provider, account string) (TokenStatus, error) {
	record, err := b.loadToken(provider, account)
	if err != nil {
		return TokenStatus{}, err
	}
	defer record.Close()

	now := b.clock.Now()
	status := TokenStatus{
		TokenMetadata: record.Metadata(),
		Valid:         !record.ExpiresWithin(now, 0),
		NeedsRefresh:  record.ExpiresWithin(now, b.expiryMargin),
	}
	if !record.Expiry.IsZero() && status.Valid {
		status.ExpiresIn = int64(record.Expiry.Sub(now) / time.Second)
	}
	return status, nil
}

// AuthorizationURL starts an authorization-code flow. It returns the
// URL to visit and the random state the redirect must carry back.
func (b *Broker) AuthorizationURL(provider string, scopes []string) (authURL, state string, err error) {
	p, err := b.Provider(provider)
	if err != nil {
		return "", "", err
	}
	state = uuid.NewString()
	return p.AuthorizationURL(state, scopes), state, nil
}

// Exchange completes an authorization-code flow and stores the token
// under (provider, account). An empty account is stored as
// vault.DefaultLabel.
func (b *Broker) Exchange(ctx context.Context, provider, account, code string) (vault.TokenMetadata, error) {
	p, err := b.Provider(provider)
	if err != nil {
		return vault.TokenMetadata{}, err
	}
	if account == "" {
		account = vault.DefaultLabel
	}

	record, err := p.ExchangeCode(ctx, code)
	if err != nil {
		return vault.TokenMetadata{}, err
	}
	defer record.Close()

	record.Provider = provider
	record.Account = account
	if err := b.StoreToken(record); err != nil {
		return vault.TokenMetadata{}, err
	}
	return record.Metadata(), nil
}

// StoreCredential validates credential against its registered type and
// stores it. A type with no registered schema is stored without
// validation.
func (b *Broker) StoreCredential(credential *vault.Credential) error {
	known, err := b.types.Validate(credential.Type, credential.Fields)
	if err != nil {
		return err
	}
	if !known {
		b.logger.Warn("storing credential of unregistered type without validation",
			"provider", credential.Provider,
			"label", credential.Label,
			"type", credential.Type,
		)
	}
	return b.store.PutCredential(credential)
}

// DeleteCredential removes a generic credential. Deleting one that does
// not exist succeeds.
func (b *Broker) DeleteCredential(provider, label string) error {
	_, err := b.store.DeleteCredential(provider, label)
	return err
}

// CredentialRequest describes the credential a tool call needs.
type CredentialRequest struct {
	Provider string
	Label    string
	Account  string
	Scopes   []string

	// Kind is KindOAuth, KindStatic, or empty. Empty means KindOAuth
	// when Scopes is non-empty, otherwise either shape is accepted.
	Kind string
}

// ResolveCredential finds the credential for request, trying each name
// of vault.ResolutionChain in order. OAuth tokens go through GetToken
// and so are refreshed and scope-checked. Returns an error wrapping
// ErrCredentialNotFound when nothing matches.
func (b *Broker) ResolveCredential(ctx context.Context, request CredentialRequest) (*vault.Credential, error) {
	kind := request.Kind
	if kind == "" && len(request.Scopes) > 0 {
		kind = KindOAuth
	}

	if kind == KindStatic {
		credential, err := b.store.Resolve(request.Provider, request.Label, request.Account)
		if errors.Is(err, vault.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", request.Provider, ErrCredentialNotFound)
		}
		return credential, err
	}

	for _, name := range vault.ResolutionChain(request.Label, request.Account) {
		record, err := b.GetToken(ctx, request.Provider, name, request.Scopes)
		if err == nil {
			credential, err := record.AsCredential()
			record.Close()
			return credential, err
		}
		if !errors.Is(err, ErrTokenNotFound) {
			return nil, err
		}

		if kind == KindOAuth {
			continue
		}
		credential, err := b.store.GetCredential(request.Provider, name)
		if err == nil {
			return credential, nil
		}
		if !errors.Is(err, vault.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: %w", request.Provider, ErrCredentialNotFound)
}

// loadToken reads a token, mapping a missing record to
// ErrTokenNotFound.
func (b *Broker) loadToken(provider, account string) (*vault.TokenRecord, error) {
	record, err := b.store.GetToken(provider, account)
	if errors.Is(err, vault.ErrNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", provider, account, ErrTokenNotFound)
	}
	return record, err
}
