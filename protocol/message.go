// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version spoken.
const Version = "2.0"

// Request is one JSON-RPC request or notification.
type Request struct {
	JSONRPC string `json:"jsonrpc"`

	// ID is nil for a notification. A present "id": null is kept as
	// the literal null and answered.
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request has no id member.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response is one JSON-RPC response. Exactly one of Result and Error
// is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

var nullID = json.RawMessage("null")

func errorResponse(id json.RawMessage, rpcError *Error) *Response {
	if id == nil {
		id = nullID
	}
	return &Response{JSONRPC: Version, ID: id, Error: rpcError}
}

func resultResponse(id json.RawMessage, result json.RawMessage) *Response {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// decodeRequest parses one element of a line (a whole line, or one
// batch member). On failure it returns an InvalidRequest error and
// whatever id could be recovered, so the caller can still answer.
func decodeRequest(raw json.RawMessage) (*Request, *Error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, NewError(CodeInvalidRequest, "request must be a JSON object")
	}

	var request Request
	if err := json.Unmarshal(trimmed, &request); err != nil {
		var partial struct {
			ID json.RawMessage `json:"id"`
		}
		json.Unmarshal(trimmed, &partial)
		return &Request{ID: validID(partial.ID)}, NewError(CodeInvalidRequest, fmt.Sprintf("invalid request: %v", err))
	}

	if request.ID != nil && validID(request.ID) == nil {
		return &Request{}, NewError(CodeInvalidRequest, "id must be a string, number or null")
	}
	if request.JSONRPC != Version {
		return &request, NewError(CodeInvalidRequest, fmt.Sprintf("jsonrpc must be %q", Version))
	}
	if request.Method == "" {
		return &request, NewError(CodeInvalidRequest, "method is required")
	}
	if params := bytes.TrimSpace(request.Params); len(params) > 0 && params[0] != '{' && params[0] != '[' && !bytes.Equal(params, nullID) {
		return &request, NewError(CodeInvalidRequest, "params must be an object or array")
	}
	return &request, nil
}

// validID returns id when it is a JSON string, number or null, and
// nil otherwise.
func validID(id json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) == 0 {
		return nil
	}
	switch first := trimmed[0]; {
	case first == '"', first == '-', first >= '0' && first <= '9', bytes.Equal(trimmed, nullID):
		return trimmed
	}
	return nil
}
