// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"errors"
	"fmt"
)

// ErrMasterKeyNotInitialized means no master key could be derived at
// all, typically because the host identity is unavailable. It affects
// every record, unlike DecryptionError.
var ErrMasterKeyNotInitialized = errors.New("master key not initialized")

// ErrNotFound is returned when a record key is absent from the store.
var ErrNotFound = errors.New("record not found")

// DecryptionError reports that one record failed authentication:
// corruption, tampering, or a key derived on a different machine or
// for a different user. Other records remain readable.
type DecryptionError struct {
	// Record is the store key of the failing record. Empty when the
	// blob was decrypted outside the store.
	Record string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Record == "" {
		return fmt.Sprintf("decryption failed: %v", e.Err)
	}
	return fmt.Sprintf("decrypting record %q: %v", e.Record, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }
