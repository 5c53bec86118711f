// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/geilt/tairseach-sub001/vault"
)

// Call is what an internal handler receives.
type Call struct {
	// Method is the JSON-RPC method ("contacts.list").
	Method string

	// Params are the call params decoded as a JSON object.
	Params map[string]any

	// RawParams are the params as received.
	RawParams json.RawMessage

	// Credentials holds the resolved credentials by requirement id.
	// Optional credentials that could not be resolved are absent. The
	// router closes them when the handler returns.
	Credentials map[string]*vault.Credential
}

// Handler implements one internal method. The returned value is
// marshalled to JSON as the call result.
type Handler func(ctx context.Context, call *Call) (any, error)

// HandlerTable maps (module, method) pairs to handlers. Safe for
// concurrent use.
type HandlerTable struct {
	mu       sync.RWMutex
	handlers map[handlerKey]Handler
}

type handlerKey struct {
	module string
	method string
}

// NewHandlerTable returns an empty table.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{handlers: make(map[handlerKey]Handler)}
}

// Register adds a handler. Registering the same pair twice is an
// error.
func (t *HandlerTable) Register(module, method string, handler Handler) error {
	if module == "" || method == "" {
		return fmt.Errorf("handler module and method are required")
	}
	if handler == nil {
		return fmt.Errorf("handler %s.%s is nil", module, method)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := handlerKey{module, method}
	if _, exists := t.handlers[key]; exists {
		return fmt.Errorf("handler %s.%s already registered", module, method)
	}
	t.handlers[key] = handler
	return nil
}

// Lookup returns the handler for (module, method).
func (t *HandlerTable) Lookup(module, method string) (Handler, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	handler, ok := t.handlers[handlerKey{module, method}]
	return handler, ok
}

// Methods returns the registered "module.method" names, sorted.
func (t *HandlerTable) Methods() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.handlers))
	for key := range t.handlers {
		names = append(names, key.module+"."+key.method)
	}
	slices.Sort(names)
	return names
}
