// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed wraps filippo.io/age for vault backups. The token
// store's master key is bound to one machine and one user, so moving
// credentials to another machine means exporting them under a key that
// travels: an age x25519 recipient.
//
//   - [GenerateKeypair] -- new x25519 keypair, private key in a secret.Buffer
//   - [Encrypt] -- ASCII-armored age file for one or more recipients
//   - [Decrypt] -- plaintext in a secret.Buffer
//
// Module imports: lib/secret.
package sealed
