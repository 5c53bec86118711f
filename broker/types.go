// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/geilt/tairseach-sub001/lib/schema"
	"github.com/geilt/tairseach-sub001/lib/secret"
)

// Built-in credential field layouts. The schemas registered for them
// are reflected from these structs.
type (
	// APIKeyFields is the "api_key" credential type.
	APIKeyFields struct {
		APIKey string `json:"api_key" jsonschema:"minLength=1,description=API key sent with each request"`
	}

	// BearerFields is the "bearer" credential type.
	BearerFields struct {
		Token string `json:"token" jsonschema:"minLength=1,description=Bearer token"`
	}

	// BasicFields is the "basic" credential type.
	BasicFields struct {
		Username string `json:"username" jsonschema:"minLength=1"`
		Password string `json:"password"`
	}

	// OAuth2Fields is the "oauth2" credential type: a manually supplied
	// token pair, or the field-map view of a token record.
	OAuth2Fields struct {
		AccessToken  string `json:"access_token" jsonschema:"minLength=1"`
		RefreshToken string `json:"refresh_token,omitempty"`
		TokenType    string `json:"token_type,omitempty"`
		ClientID     string `json:"client_id,omitempty"`
		ClientSecret string `json:"client_secret,omitempty"`
	}
)

// TypeRegistry holds compiled JSON Schemas for credential types.
type TypeRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*schema.Schema
}

// NewTypeRegistry returns a registry with the built-in types:
// api_key, bearer, basic and oauth2.
func NewTypeRegistry() (*TypeRegistry, error) {
	registry := &TypeRegistry{schemas: make(map[string]*schema.Schema)}
	reflector := &jsonschema.Reflector{Anonymous: true, ExpandedStruct: true, AllowAdditionalProperties: true}
	for name, layout := range map[string]any{
		"api_key": &APIKeyFields{},
		"bearer":  &BearerFields{},
		"basic":   &BasicFields{},
		"oauth2":  &OAuth2Fields{},
	} {
		document, err := json.Marshal(reflector.Reflect(layout))
		if err != nil {
			return nil, fmt.Errorf("reflecting schema for %s: %w", name, err)
		}
		if err := registry.RegisterType(name, document); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// RegisterType compiles document (a JSON Schema) and registers
// it for name, replacing any previous schema.
func (r *TypeRegistry) RegisterType(name string, document []byte) error {
	compiled, err := schema.Compile("credential-types/"+name+".json", document)
	if err != nil {
		return fmt.Errorf("credential type %s: %w", name, err)
	}
	r.mu.Lock()
	r.schemas[name] = compiled
	r.mu.Unlock()
	return nil
}

// Types returns the registered type names, sorted.
func (r *TypeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks fields against the schema for credentialType.
// Returns known=false without validating for an unregistered type.
func (r *TypeRegistry) Validate(credentialType string, fields *secret.Fields) (known bool, err error) {
	r.mu.RLock()
	compiled, ok := r.schemas[credentialType]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	instance := make(map[string]any, fields.Len())
	for _, name := range fields.Names() {
		value, _ := fields.Value(name)
		instance[name] = value
	}
	if err := compiled.Validate(instance); err != nil {
		return true, fmt.Errorf("fields do not match credential type %s: %w", credentialType, err)
	}
	return true, nil
}
