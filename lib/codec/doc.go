// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the module's CBOR encoding configuration.
//
// JSON is the external format: the JSON-RPC wire protocol, manifest
// files, and the outer token store document. CBOR is the internal
// format for the plaintext of each encrypted record and for sealed
// export bundles. Keeping plaintext in CBOR means the bytes that get
// encrypted are produced by one deterministic encoder: sorted map keys,
// smallest integer encoding, no indefinite-length items.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
package codec
