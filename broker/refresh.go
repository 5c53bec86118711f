// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/geilt/tairseach-sub001/vault"
)

// refresh refreshes (provider, account) unless a refresh for the same
// record is already in flight, in which case it waits for that one.
// A positive window skips the upstream call when the stored token
// (possibly refreshed by the flight just finished) is no longer within
// window of expiry. Zero forces the refresh.
//
// The refresh itself is detached from ctx: a caller giving up must not
// abandon a refresh other callers are waiting on, or leave a rotated
// refresh token unsaved.
func (b *Broker) refresh(ctx context.Context, provider, account string, window time.Duration) error {
	p, err := b.Provider(provider)
	if err != nil {
		return err
	}

	detached := context.WithoutCancel(ctx)
	result := b.refreshes.DoChan(vault.TokenKey(provider, account), func() (any, error) {
		return nil, b.refreshRecord(detached, p, account, window)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case outcome := <-result:
		return outcome.Err
	}
}

// refreshRecord performs the refresh with retries. On failure the
// stored record is untouched.
func (b *Broker) refreshRecord(ctx context.Context, provider Provider, account string, window time.Duration) error {
	name := provider.Name()
	current, err := b.loadToken(name, account)
	if err != nil {
		return err
	}
	defer current.Close()

	if window > 0 && !current.ExpiresWithin(b.clock.Now(), window) {
		return nil
	}
	if current.RefreshToken.Len() == 0 {
		return &RefreshFailedError{Provider: name, Account: account, Err: errNoRefreshToken}
	}

	delays := &backoff.ExponentialBackOff{
		InitialInterval:     b.retryInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         b.retryInterval << max(b.maxRetries-1, 0),
	}
	delays.Reset()

	var (
		refreshed *vault.TokenRecord
		attempts  int
		lastErr   error
	)
	for {
		attempts++
		refreshed, lastErr = provider.RefreshToken(ctx, current)
		if lastErr == nil {
			break
		}
		var permanent *backoff.PermanentError
		if attempts > b.maxRetries || errors.As(lastErr, &permanent) || errors.Is(lastErr, errNoRefreshToken) {
			b.logger.Error("token refresh failed",
				"provider", name,
				"account", account,
				"attempts", attempts,
				"error", lastErr,
			)
			return &RefreshFailedError{Provider: name, Account: account, Attempts: attempts, Err: lastErr}
		}

		delay := delays.NextBackOff()
		b.logger.Warn("token refresh attempt failed, retrying",
			"provider", name,
			"account", account,
			"attempt", attempts,
			"retry_in", delay,
			"error", lastErr,
		)
		<-b.clock.After(delay)
	}
	defer refreshed.Close()

	if err := b.merge(refreshed, current); err != nil {
		return err
	}
	if err := b.store.ReplaceToken(refreshed); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			// Revoked while the refresh was in flight.
			return fmt.Errorf("%s/%s: %w", name, account, ErrTokenNotFound)
		}
		return fmt.Errorf("saving refreshed token: %w", err)
	}

	b.logger.Info("token refreshed",
		"provider", name,
		"account", account,
		"expiry", refreshed.Expiry,
		"attempts", attempts,
	)
	return nil
}

// merge fills the fields of a refresh response that identify the
// record or that token endpoints commonly omit on refresh.
func (b *Broker) merge(refreshed, previous *vault.TokenRecord) error {
	refreshed.Provider = previous.Provider
	refreshed.Account = previous.Account
	refreshed.ClientID = previous.ClientID
	refreshed.IssuedAt = previous.IssuedAt
	refreshed.LastRefreshed = b.clock.Now()
	if len(refreshed.Scopes) == 0 {
		refreshed.Scopes = slices.Clone(previous.Scopes)
	}
	if refreshed.TokenType == "" {
		refreshed.TokenType = previous.TokenType
	}

	var err error
	if refreshed.ClientSecret == nil {
		if refreshed.ClientSecret, err = previous.ClientSecret.Clone(); err != nil {
			return err
		}
	}
	if refreshed.RefreshToken.Len() == 0 {
		refreshed.RefreshToken.Close()
		if refreshed.RefreshToken, err = previous.RefreshToken.Clone(); err != nil {
			return err
		}
	}
	return nil
}

// SweepResult summarizes one RefreshAll pass.
type SweepResult struct {
	// Checked is the number of token records examined.
	Checked int

	// Refreshed lists "provider/account" for each record refreshed.
	Refreshed []string

	// Failed maps "provider/account" to the refresh error.
	Failed map[string]error
}

// RefreshAll refreshes every token expiring within window. A record
// that fails is recorded in the result and the sweep continues.
// Returns ErrSweepInProgress immediately if another sweep is running.
func (b *Broker) RefreshAll(ctx context.Context, window time.Duration) (SweepResult, error) {
	if !b.sweep.TryLock() {
		return SweepResult{}, ErrSweepInProgress
	}
	defer b.sweep.Unlock()

	result := SweepResult{Failed: make(map[string]error)}
	now := b.clock.Now()
	for _, metadata := range b.store.ListTokens() {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++
		name := metadata.Provider + "/" + metadata.Account

		if metadata.Error != "" {
			result.Failed[name] = errors.New(metadata.Error)
			continue
		}
		if metadata.Expiry.IsZero() || metadata.Expiry.Sub(now) >= window {
			continue
		}

		if err := b.refresh(ctx, metadata.Provider, metadata.Account, window); err != nil {
			b.logger.Warn("sweep could not refresh token",
				"provider", metadata.Provider,
				"account", metadata.Account,
				"error", err,
			)
			result.Failed[name] = err
			continue
		}
		result.Refreshed = append(result.Refreshed, name)
	}
	return result, nil
}
