// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds sensitive material such as OAuth access tokens,
// refresh tokens, API keys, and the vault master key.
//
// [Buffer] allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// asks the kernel to keep it resident (mlock) and, on Linux, to leave it
// out of core dumps (MADV_DONTDUMP). On Close the memory is zeroed,
// unlocked, and unmapped. The garbage collector never sees the backing
// memory, so it cannot leave stale copies behind.
//
// [Fields] groups named buffers: the decrypted field map of a stored
// credential is one Fields value, closed as a unit.
//
// Both types implement slog.LogValuer and render as "[REDACTED]", so a
// record accidentally passed to a logger never prints its contents.
//
// Access via [Buffer.Bytes] (slice into the mmap region) or
// [Buffer.String] (heap copy for API boundaries such as HTTP headers).
// After Close, any access panics. Close is idempotent. A nil *Buffer
// behaves as an empty secret.
package secret
