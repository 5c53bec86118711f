// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"fmt"
	"strings"
)

// DispatchKind classifies a [DispatchError].
type DispatchKind string

const (
	// DispatchHTTP is an upstream response with status >= 400, or a
	// transport failure.
	DispatchHTTP DispatchKind = "http"

	// DispatchExit is a script that exited non-zero.
	DispatchExit DispatchKind = "exit"

	// DispatchTimeout is a call that exceeded the dispatch timeout.
	DispatchTimeout DispatchKind = "timeout"

	// DispatchSpawn is a script that could not be started.
	DispatchSpawn DispatchKind = "spawn"

	// DispatchHandler is an internal handler that failed or is not
	// registered, or a result that could not be decoded.
	DispatchHandler DispatchKind = "handler"
)

// DispatchError reports a failure during dispatch. Its message is
// returned to the caller verbatim.
type DispatchError struct {
	Kind DispatchKind

	// Method is the JSON-RPC method being dispatched.
	Method string

	// Status is the upstream HTTP status, for DispatchHTTP.
	Status int

	// ExitCode is the script exit code, for DispatchExit.
	ExitCode int

	// Detail is an excerpt of the upstream error body or the script's
	// stderr.
	Detail string

	Err error
}

func (e *DispatchError) Error() string {
	var message strings.Builder
	fmt.Fprintf(&message, "%s: ", e.Method)
	switch e.Kind {
	case DispatchHTTP:
		if e.Status != 0 {
			fmt.Fprintf(&message, "upstream returned HTTP %d", e.Status)
		} else {
			message.WriteString("upstream request failed")
		}
	case DispatchExit:
		fmt.Fprintf(&message, "script exited with status %d", e.ExitCode)
	case DispatchTimeout:
		message.WriteString("dispatch timed out")
	case DispatchSpawn:
		message.WriteString("starting script")
	default:
		message.WriteString("handler failed")
	}
	if e.Err != nil {
		fmt.Fprintf(&message, ": %v", e.Err)
	}
	if detail := strings.TrimSpace(e.Detail); detail != "" {
		fmt.Fprintf(&message, ": %s", detail)
	}
	return message.String()
}

func (e *DispatchError) Unwrap() error { return e.Err }

// InvalidParamsError means the call params are malformed or fail the
// tool's input schema.
type InvalidParamsError struct {
	Method string
	Err    error
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("%s: invalid params: %v", e.Method, e.Err)
}

func (e *InvalidParamsError) Unwrap() error { return e.Err }
