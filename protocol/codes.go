// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/geilt/tairseach-sub001/broker"
	"github.com/geilt/tairseach-sub001/manifest"
	"github.com/geilt/tairseach-sub001/router"
	"github.com/geilt/tairseach-sub001/vault"
)

// JSON-RPC error codes. The -327xx/-326xx codes are defined by
// JSON-RPC 2.0; the -320xx codes are broker-specific.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodePermissionDenied  = -32001
	CodeCredentialMissing = -32002
	CodeNotFound          = -32003
	CodeHandlerError      = -32004
	CodeDispatchTimeout   = -32005

	CodeTokenNotFound           = -32010
	CodeTokenRefreshFailed      = -32011
	CodeScopeInsufficient       = -32012
	CodeProviderNotSupported    = -32013
	CodeMasterKeyNotInitialized = -32014
	CodeDecryptionFailed        = -32015
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// NewError returns an error with optional key/value data pairs.
func NewError(code int, message string, data ...any) *Error {
	rpcError := &Error{Code: code, Message: message}
	for index := 0; index+1 < len(data); index += 2 {
		key, ok := data[index].(string)
		if !ok {
			continue
		}
		if rpcError.Data == nil {
			rpcError.Data = make(map[string]any)
		}
		rpcError.Data[key] = data[index+1]
	}
	return rpcError
}

// invalidParams reports a built-in method's malformed params.
func invalidParams(method string, err error) *Error {
	return NewError(CodeInvalidParams, fmt.Sprintf("invalid params: %v", err), "method", method)
}

// ErrorFor maps a Go error from the broker, vault or router to its
// JSON-RPC error. Unrecognized errors become InternalError.
func ErrorFor(method string, err error) *Error {
	var rpcError *Error
	if errors.As(err, &rpcError) {
		return rpcError
	}

	var invalid *router.InvalidParamsError
	var dispatchError *router.DispatchError
	var scopeError *broker.ScopeInsufficientError
	var refreshError *broker.RefreshFailedError
	var decryptionError *vault.DecryptionError
	var syntaxError *json.SyntaxError
	var typeError *json.UnmarshalTypeError

	switch {
	case errors.As(err, &invalid):
		return NewError(CodeInvalidParams, err.Error(), "method", method)

	case errors.As(err, &dispatchError):
		if dispatchError.Kind == router.DispatchTimeout {
			return NewError(CodeDispatchTimeout, err.Error(), "method", method)
		}
		rpcError := NewError(CodeHandlerError, err.Error(), "method", method, "kind", string(dispatchError.Kind))
		switch dispatchError.Kind {
		case router.DispatchHTTP:
			if dispatchError.Status != 0 {
				rpcError.Data["status"] = dispatchError.Status
			}
		case router.DispatchExit:
			rpcError.Data["exit_code"] = dispatchError.ExitCode
		}
		return rpcError

	case errors.As(err, &scopeError):
		return NewError(CodeScopeInsufficient, err.Error(),
			"provider", scopeError.Provider,
			"account", scopeError.Account,
			"missing_scopes", scopeError.Missing,
		)

	case errors.As(err, &refreshError):
		return NewError(CodeTokenRefreshFailed, err.Error(),
			"provider", refreshError.Provider,
			"account", refreshError.Account,
			"attempts", refreshError.Attempts,
		)

	case errors.Is(err, broker.ErrTokenNotFound):
		return NewError(CodeTokenNotFound, err.Error())

	case errors.Is(err, broker.ErrCredentialNotFound):
		return NewError(CodeCredentialMissing, err.Error())

	case errors.Is(err, broker.ErrProviderNotSupported):
		return NewError(CodeProviderNotSupported, err.Error())

	case errors.Is(err, vault.ErrMasterKeyNotInitialized):
		return NewError(CodeMasterKeyNotInitialized, err.Error())

	case errors.As(err, &decryptionError):
		return NewError(CodeDecryptionFailed, err.Error(), "record", decryptionError.Record)

	case errors.Is(err, vault.ErrNotFound):
		return NewError(CodeNotFound, err.Error())

	case errors.As(err, &syntaxError), errors.As(err, &typeError):
		return invalidParams(method, err)
	}
	return NewError(CodeInternalError, err.Error(), "method", method)
}

// errorForResult maps a non-success routing outcome. A miss is
// MethodNotFound when no manifest serves the method's namespace, and
// NotFound when the manifest exists but has no such tool.
func errorForResult(method string, result router.Result, snapshot *manifest.Snapshot) *Error {
	switch outcome := result.(type) {
	case router.NotFound:
		namespace, _, _ := strings.Cut(outcome.Method, ".")
		if _, ok := snapshot.Manifest(namespace); ok {
			return NewError(CodeNotFound, fmt.Sprintf("manifest %q has no tool for %q", namespace, outcome.Method), "method", outcome.Method)
		}
		return NewError(CodeMethodNotFound, fmt.Sprintf("method %q not found", outcome.Method), "method", outcome.Method)
	case router.PermissionDenied:
		return NewError(CodePermissionDenied,
			fmt.Sprintf("permission %q is %s", outcome.Permission, outcome.Status),
			"method", method,
			"permission", outcome.Permission,
			"status", outcome.Status.String(),
			"source", "manifest",
		)
	case router.CredentialMissing:
		return NewError(CodeCredentialMissing,
			fmt.Sprintf("credential %q (%s) is not stored", outcome.ID, outcome.Provider),
			"method", method,
			"credential", outcome.ID,
			"provider", outcome.Provider,
		)
	case router.Failed:
		return ErrorFor(method, outcome.Err)
	default:
		return NewError(CodeInternalError, fmt.Sprintf("unexpected routing result %T", result), "method", method)
	}
}
