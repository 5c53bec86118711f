// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a compiled JSON Schema.
type Schema struct {
	compiled *jsonschema.Schema
}

// Compile compiles document, registered under name for error messages
// and internal references. name need not resolve to anything.
func Compile(name string, document []byte) (*Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}

	url := "mem://schemas/" + strings.TrimPrefix(name, "/")
	compiler := jsonschema.NewCompiler()
	compiler.UseLoader(noRemoteLoader{})
	if err := compiler.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &Schema{compiled: compiled}, nil
}

// Validate checks instance, which must be made of the types
// encoding/json produces when decoding into any (map[string]any,
// []any, string, float64 or json.Number, bool, nil).
func (s *Schema) Validate(instance any) error {
	if s == nil {
		return nil
	}
	if err := s.compiled.Validate(instance); err != nil {
		var validationError *jsonschema.ValidationError
		if errors.As(err, &validationError) {
			return &ValidationError{Detail: validationError}
		}
		return err
	}
	return nil
}

// ValidateJSON decodes data and validates the result.
func (s *Schema) ValidateJSON(data []byte) error {
	if s == nil {
		return nil
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decoding instance: %w", err)
	}
	return s.Validate(instance)
}

// Normalize converts a Go value into the generic form Validate expects
// by round-tripping it through JSON.
func Normalize(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

// ValidationError is an instance that does not match its schema.
type ValidationError struct {
	Detail *jsonschema.ValidationError
}

func (e *ValidationError) Error() string {
	return e.Detail.Error()
}

// Causes returns one line per failing keyword, each prefixed with the
// instance location ("/a/b").
func (e *ValidationError) Causes() []string {
	var causes []string
	for _, unit := range e.Detail.BasicOutput().Errors {
		if unit.Error == nil {
			continue
		}
		location := unit.InstanceLocation
		if location == "" {
			location = "/"
		}
		causes = append(causes, location+": "+unit.Error.String())
	}
	return causes
}

// noRemoteLoader refuses every URL so a schema cannot trigger network
// or file access through $ref.
type noRemoteLoader struct{}

func (noRemoteLoader) Load(url string) (any, error) {
	return nil, fmt.Errorf("remote schema reference %q is not allowed", url)
}
