// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Tairseach-broker is the local capability broker daemon.
//
// It loads the configuration, derives the machine-bound master key,
// opens the encrypted credential store and serves JSON-RPC on a Unix
// socket. Capability calls are routed through the manifests found in
// the configured directories; the refresh daemon keeps OAuth tokens
// fresh in the background.
//
// SIGINT and SIGTERM shut the broker down gracefully. SIGHUP reloads
// manifests and the permissions file.
package main
