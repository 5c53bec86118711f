// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"encoding/json"
	"fmt"
)

// Implementation kinds, as written in the "type" member.
const (
	KindInternal = "internal"
	KindProxy    = "proxy"
	KindScript   = "script"
)

// Implementation is how a manifest's tools are executed. It is a
// closed union: *Internal, *Proxy or *Script.
type Implementation interface {
	// Kind returns the "type" tag of the implementation.
	Kind() string

	// HasBinding reports whether tool can be dispatched.
	HasBinding(tool string) bool

	implementation()
}

// Internal dispatches to an in-process handler registered under
// (Module, Methods[tool]).
type Internal struct {
	Module string `json:"module"`

	// Methods maps tool names to handler method names.
	Methods map[string]string `json:"methods"`
}

func (*Internal) Kind() string    { return KindInternal }
func (*Internal) implementation() {}

func (i *Internal) HasBinding(tool string) bool {
	method, ok := i.Methods[tool]
	return ok && method != ""
}

// Proxy dispatches to an HTTP API.
type Proxy struct {
	BaseURL      string                  `json:"base_url"`
	Auth         *ProxyAuth              `json:"auth,omitempty"`
	ToolBindings map[string]ProxyBinding `json:"tool_bindings"`
}

func (*Proxy) Kind() string    { return KindProxy }
func (*Proxy) implementation() {}

func (p *Proxy) HasBinding(tool string) bool {
	_, ok := p.ToolBindings[tool]
	return ok
}

// Auth strategies for [ProxyAuth].
const (
	AuthBearer = "bearer"
	AuthAPIKey = "apikey"
	AuthBasic  = "basic"
)

// Placements for [ProxyAuth].
const (
	PlaceHeader = "header"
	PlaceQuery  = "query"
)

// ProxyAuth attaches a resolved credential to outgoing requests.
type ProxyAuth struct {
	// Strategy is "bearer", "apikey" or "basic".
	Strategy string `json:"strategy"`

	// Credential is the id of the credential requirement supplying
	// the secret.
	Credential string `json:"credential"`

	// Placement is "header" (default) or "query".
	Placement string `json:"placement,omitempty"`

	// Name is the header or query parameter name. Defaults to
	// "Authorization" for header placement and "api_key" for query
	// placement.
	Name string `json:"name,omitempty"`

	// Field selects the credential field holding the secret. Defaults
	// to "access_token", then "token", then "api_key", whichever the
	// credential has.
	Field string `json:"field,omitempty"`

	// Prefix is prepended to the value ("Bearer " for the bearer
	// strategy in a header).
	Prefix *string `json:"prefix,omitempty"`
}

// ProxyBinding describes the HTTP request for one tool. Every string
// may contain {{param}} and {{credential:field}} placeholders.
type ProxyBinding struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   map[string]string `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Body is a JSON template. Placeholders inside string values are
	// substituted; a string that is exactly one {{param}} placeholder
	// is replaced by the parameter's JSON value.
	Body json.RawMessage `json:"body,omitempty"`

	// ResponsePath extracts part of the JSON response, in "$.a.b[0]"
	// or "{.a.b[0]}" form.
	ResponsePath string `json:"response_path,omitempty"`
}

// Script dispatches to an external program.
type Script struct {
	// Runtime is the interpreter ("python3", "node", "bash"). Empty
	// runs Entrypoint directly.
	Runtime      string                   `json:"runtime"`
	Entrypoint   string                   `json:"entrypoint"`
	Env          map[string]string        `json:"env,omitempty"`
	ToolBindings map[string]ScriptBinding `json:"tool_bindings"`
}

func (*Script) Kind() string    { return KindScript }
func (*Script) implementation() {}

func (s *Script) HasBinding(tool string) bool {
	_, ok := s.ToolBindings[tool]
	return ok
}

// Script input and output modes.
const (
	ModeJSON = "json"
	ModeText = "text"
	ModeNone = "none"
)

// ScriptBinding describes the invocation for one tool.
type ScriptBinding struct {
	Args []string `json:"args,omitempty"`

	// InputMode "json" writes the call params to stdin.
	InputMode string `json:"input_mode,omitempty"`

	// OutputMode "json" parses stdout as JSON; anything else returns
	// it as a string.
	OutputMode string `json:"output_mode,omitempty"`

	Env map[string]string `json:"env,omitempty"`
}

func decodeImplementation(data []byte) (Implementation, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, err
	}
	var implementation Implementation
	switch tag.Type {
	case KindInternal:
		implementation = &Internal{}
	case KindProxy:
		implementation = &Proxy{}
	case KindScript:
		implementation = &Script{}
	case "":
		return nil, fmt.Errorf("missing type (expected %q, %q or %q)", KindInternal, KindProxy, KindScript)
	default:
		return nil, fmt.Errorf("unknown type %q (expected %q, %q or %q)", tag.Type, KindInternal, KindProxy, KindScript)
	}
	if err := json.Unmarshal(data, implementation); err != nil {
		return nil, fmt.Errorf("%s: %w", tag.Type, err)
	}
	return implementation, nil
}
