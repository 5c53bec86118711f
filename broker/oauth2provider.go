// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/geilt/tairseach-sub001/lib/clock"
	"github.com/geilt/tairseach-sub001/lib/secret"
	"github.com/geilt/tairseach-sub001/vault"
)

// DefaultHTTPTimeout bounds each token endpoint request.
const DefaultHTTPTimeout = 30 * time.Second

// presets maps well-known provider names to their endpoints. A
// provider config may omit auth_url/token_url for these.
var presets = map[string]oauth2.Endpoint{
	"google": endpoints.Google,
	"github": endpoints.GitHub,
}

// PresetEndpoint returns the built-in endpoint for name.
func PresetEndpoint(name string) (oauth2.Endpoint, bool) {
	endpoint, ok := presets[name]
	return endpoint, ok
}

// OAuth2Config configures an OAuth2Provider.
type OAuth2Config struct {
	// Name is the provider key ("google", "github", ...).
	Name string

	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes are requested when AuthorizationURL is called without
	// explicit scopes.
	Scopes []string

	// AuthURL and TokenURL override the preset endpoint. Required for
	// providers without a preset.
	AuthURL  string
	TokenURL string

	// HTTPClient is used for token endpoint requests. Defaults to a
	// client with DefaultHTTPTimeout.
	HTTPClient *http.Client

	// Clock computes expiry from expires_in. Defaults to clock.Real().
	Clock clock.Clock
}

// OAuth2Provider is a Provider for standard authorization-code servers.
type OAuth2Provider struct {
	name       string
	config     oauth2.Config
	httpClient *http.Client
	clock      clock.Clock
}

// NewOAuth2Provider validates config and builds the provider.
func NewOAuth2Provider(config OAuth2Config) (*OAuth2Provider, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("provider %s: client_id is required", config.Name)
	}

	endpoint, _ := PresetEndpoint(config.Name)
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		return nil, fmt.Errorf("provider %s: auth_url and token_url are required (no preset for this provider)", config.Name)
	}
	// Auto-detection retries a failed request with the other style,
	// which doubles upstream requests on every failure.
	if endpoint.AuthStyle == oauth2.AuthStyleAutoDetect {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	return &OAuth2Provider{
		name: config.Name,
		config: oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  config.RedirectURL,
			Scopes:       slices.Clone(config.Scopes),
		},
		httpClient: config.HTTPClient,
		clock:      config.Clock,
	}, nil
}

// Name implements Provider.
func (p *OAuth2Provider) Name() string { return p.name }

// AuthorizationURL implements Provider. It requests offline access and
// forces the consent screen so the server issues a refresh token even
// for a returning user.
func (p *OAuth2Provider) AuthorizationURL(state string, scopes []string) string {
	config := p.config
	if len(scopes) > 0 {
		config.Scopes = scopes
	}
	return config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// ExchangeCode implements Provider.
func (p *OAuth2Provider) ExchangeCode(ctx context.Context, code string) (*vault.TokenRecord, error) {
	token, err := p.config.Exchange(p.context(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code with %s: %w", p.name, err)
	}
	record, err := p.record(token)
	if err != nil {
		return nil, err
	}
	if len(record.Scopes) == 0 {
		record.Scopes = slices.Clone(p.config.Scopes)
	}
	record.ClientID = p.config.ClientID
	return record, nil
}

// RefreshToken implements Provider.
func (p *OAuth2Provider) RefreshToken(ctx context.Context, record *vault.TokenRecord) (*vault.TokenRecord, error) {
	if record.RefreshToken.Len() == 0 {
		return nil, backoff.Permanent(errNoRefreshToken)
	}

	config := p.config
	if record.ClientID != "" && record.ClientID != config.ClientID {
		config.ClientID = record.ClientID
		config.ClientSecret = record.ClientSecret.String()
	}

	// An empty access token makes the source refresh immediately.
	source := config.TokenSource(p.context(ctx), &oauth2.Token{RefreshToken: record.RefreshToken.String()})
	token, err := source.Token()
	if err != nil {
		err = fmt.Errorf("refreshing token with %s: %w", p.name, err)
		if rejected(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return p.record(token)
}

// rejected reports whether the token endpoint refused the request
// outright. Repeating the same grant cannot succeed, and some servers
// revoke a refresh token that is presented again after a rejection.
func rejected(err error) bool {
	var retrieve *oauth2.RetrieveError
	if !errors.As(err, &retrieve) {
		return false
	}
	switch retrieve.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client", "unsupported_grant_type", "invalid_scope":
		return true
	}
	if retrieve.Response == nil {
		return false
	}
	status := retrieve.Response.StatusCode
	return status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

func (p *OAuth2Provider) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// record converts a token endpoint response. Expiry is computed from
// expires_in against the provider clock when the server sent it.
func (p *OAuth2Provider) record(token *oauth2.Token) (*vault.TokenRecord, error) {
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%s token response has no access_token", p.name)
	}

	now := p.clock.Now()
	record := &vault.TokenRecord{
		TokenType: token.Type(),
		Scopes:    parseScopes(token.Extra("scope")),
		IssuedAt:  now,
	}
	switch {
	case token.ExpiresIn > 0:
		record.Expiry = now.Add(time.Duration(token.ExpiresIn) * time.Second)
	case !token.Expiry.IsZero():
		record.Expiry = token.Expiry
	}

	var err error
	if record.AccessToken, err = secret.NewFromString(token.AccessToken); err != nil {
		return nil, err
	}
	if record.RefreshToken, err = secret.NewFromString(token.RefreshToken); err != nil {
		record.Close()
		return nil, err
	}
	return record, nil
}

// parseScopes reads the granted scope list. RFC 6749 separates scopes
// with spaces; GitHub uses commas.
func parseScopes(value any) []string {
	text, ok := value.(string)
	if !ok {
		return nil
	}
	return strings.FieldsFunc(text, func(r rune) bool { return r == ' ' || r == ',' })
}
