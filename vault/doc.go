// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault stores OAuth token records and generic credentials
// encrypted at rest.
//
// # Master key
//
// The master key is derived, never stored: HKDF-SHA256 over
// "<hardware id>:<username>" with a fixed salt and info string. The
// same user on the same machine always derives the same key without a
// keychain prompt. A different machine or user derives a different
// key, and records written under the old key fail authentication with
// a [DecryptionError]. When no hardware id or username can be found,
// derivation fails with [ErrMasterKeyNotInitialized].
//
// # Records
//
// The store is one JSON document holding a map of record key to
// [Blob]. Each blob is an independent AES-256-GCM encryption of one
// record's CBOR plaintext, with the record key as additional
// authenticated data. Reading one credential decrypts exactly one blob;
// a corrupted blob fails only its own record.
//
// Token records ([TokenRecord]) are keyed by (provider, account).
// Generic credentials ([Credential]) are keyed by (provider, label).
// [Store.Resolve] implements the lookup chain used by the router:
// label, then account, then "default", trying the token shape before
// the field-map shape at each step.
//
// # Backups
//
// [Store.Export] writes every readable record into an age-encrypted
// bundle for a set of recipients; [Store.Import] re-encrypts a bundle
// under this machine's key.
package vault
