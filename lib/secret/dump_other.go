// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package secret

// excludeFromCoreDump is a no-op where MADV_DONTDUMP does not exist.
// macOS does not write core dumps by default.
func excludeFromCoreDump(data []byte) error { return nil }
