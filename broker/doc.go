// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker manages the lifecycle of stored credentials: OAuth
// token retrieval with on-demand refresh, code exchange, revocation,
// the background refresh daemon, and validation of generic credentials
// against registered credential types.
//
// The [Broker] sits on top of a [vault.Store]. Reads go straight to the
// store; refreshes are deduplicated per (provider, account) so that two
// callers racing on a near-expiry token produce exactly one upstream
// refresh request. Some providers invalidate the previous refresh
// grant on use, so a duplicated refresh can lock the account out.
//
// Providers implement [Provider]. [OAuth2Provider] covers standard
// authorization-code providers via golang.org/x/oauth2.
package broker
