// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides bounded HTTP response reads and connection
// error classification.
//
// Proxy dispatch and OAuth token endpoints read upstream bodies through
// ReadResponse and DecodeResponse, which stop at MaxResponseSize so a
// misbehaving API cannot exhaust the broker's memory. ErrorBody reads a
// short diagnostic excerpt for error messages.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds upstream response body reads: 32 MB. Tool
// results are JSON documents handed back to a local caller over a
// socket; anything larger is a misbehaving upstream.
const MaxResponseSize int64 = 32 << 20

// MaxErrorBodySize bounds the excerpt of an error body included in a
// dispatch error message.
const MaxErrorBodySize int64 = 4 << 10

// ReadResponse reads a response body up to MaxResponseSize bytes.
// Returns an error if the body exceeds the bound rather than silently
// truncating a JSON document.
func ReadResponse(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > MaxResponseSize {
		return nil, fmt.Errorf("response body exceeds %d bytes", MaxResponseSize)
	}
	return data, nil
}

// DecodeResponse reads a response body (bounded by MaxResponseSize) and
// JSON-decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads up to MaxErrorBodySize bytes of an error response
// for diagnostics. Read errors are ignored; a partial body is still
// useful in an error message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxErrorBodySize))
	return string(data)
}
