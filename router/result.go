// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"github.com/geilt/tairseach-sub001/permission"
)

// Result is the outcome of routing one call. It is a closed union:
// [Success], [NotFound], [PermissionDenied], [CredentialMissing] or
// [Failed].
type Result interface {
	result()
}

// Success carries the value returned by the dispatched call.
type Success struct {
	Value any
}

// NotFound means no manifest tool matches the method.
type NotFound struct {
	Method string
}

// PermissionDenied means a required permission is not granted.
type PermissionDenied struct {
	Permission string
	Status     permission.Status
}

// CredentialMissing means a required credential is not stored.
type CredentialMissing struct {
	// ID is the credential requirement id from the manifest.
	ID       string
	Provider string
}

// Failed carries every other error: invalid params, broker errors
// (insufficient scopes, refresh failure, decryption failure) and
// [*DispatchError].
type Failed struct {
	Err error
}

func (Success) result()           {}
func (NotFound) result()          {}
func (PermissionDenied) result()  {}
func (CredentialMissing) result() {}
func (Failed) result()            {}
