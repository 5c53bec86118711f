// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"

	"github.com/geilt/tairseach-sub001/vault"
)

// Provider is one OAuth authorization server.
//
// ExchangeCode and RefreshToken return a new record owned by the
// caller. The broker fills in Provider, Account and the fields a
// refresh response omits (refresh token, scopes, client credentials),
// so implementations only report what the server returned.
type Provider interface {
	// Name is the provider key used in token records and manifests.
	Name() string

	// AuthorizationURL returns the URL the user visits to grant
	// scopes. state is echoed back on the redirect.
	AuthorizationURL(state string, scopes []string) string

	// ExchangeCode trades an authorization code for tokens.
	ExchangeCode(ctx context.Context, code string) (*vault.TokenRecord, error)

	// RefreshToken obtains a new access token using record's refresh
	// token. It makes exactly one upstream request; retries belong to
	// the broker. Failures no retry can fix (a revoked grant, a
	// rejected client) are wrapped with backoff.Permanent so the broker
	// gives up at once.
	RefreshToken(ctx context.Context, record *vault.TokenRecord) (*vault.TokenRecord, error)
}
