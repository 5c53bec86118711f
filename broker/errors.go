// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTokenNotFound is returned when no token record exists for the
	// requested (provider, account).
	ErrTokenNotFound = errors.New("token not found")

	// ErrCredentialNotFound is returned by ResolveCredential when no
	// name in the resolution chain yields a credential.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrProviderNotSupported is returned for a provider name with no
	// registered Provider.
	ErrProviderNotSupported = errors.New("provider not supported")

	// ErrSweepInProgress is returned by RefreshAll when another sweep
	// holds the broker.
	ErrSweepInProgress = errors.New("refresh sweep already in progress")

	errNoRefreshToken = errors.New("record has no refresh token")
)

// ScopeInsufficientError reports required scopes the stored token was
// not granted. Refreshing cannot add scopes; the user must authorize
// again.
type ScopeInsufficientError struct {
	Provider string
	Account  string
	Missing  []string
}

func (e *ScopeInsufficientError) Error() string {
	return fmt.Sprintf("token for %s/%s is missing scopes: %s",
		e.Provider, e.Account, strings.Join(e.Missing, ", "))
}

// RefreshFailedError reports that every refresh attempt failed. The
// stored record is left as it was.
type RefreshFailedError struct {
	Provider string
	Account  string
	Attempts int
	Err      error
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("refreshing token for %s/%s failed after %d attempt(s): %v",
		e.Provider, e.Account, e.Attempts, e.Err)
}

func (e *RefreshFailedError) Unwrap() error { return e.Err }
