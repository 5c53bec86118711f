// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// Fields is a set of named secrets: the decrypted field map of a stored
// credential, or the credential view handed to a dispatcher. Every
// value lives in its own Buffer; Close releases all of them.
//
// An empty value is stored as a nil Buffer, so Has reports true and
// Value returns "" for it.
type Fields struct {
	mu     sync.Mutex
	values map[string]*Buffer
}

// NewFields returns an empty field set.
func NewFields() *Fields {
	return &Fields{values: make(map[string]*Buffer)}
}

// FieldsFromMap copies a plain map into a new field set. The map's
// strings remain on the heap; callers that decoded the map from a
// secret source should drop their reference promptly.
func FieldsFromMap(source map[string]string) (*Fields, error) {
	fields := NewFields()
	for name, value := range source {
		if err := fields.SetString(name, value); err != nil {
			fields.Close()
			return nil, err
		}
	}
	return fields, nil
}

// Set stores value under name, taking ownership of the slice (it is
// zeroed). Any previous value for name is closed.
func (f *Fields) Set(name string, value []byte) error {
	var buffer *Buffer
	if len(value) > 0 {
		var err error
		buffer, err = NewFromBytes(value)
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	f.Put(name, buffer)
	return nil
}

// SetString stores a string value under name.
func (f *Fields) SetString(name, value string) error {
	return f.Set(name, []byte(value))
}

// Put stores an existing buffer under name. The field set takes
// ownership of buffer.
func (f *Fields) Put(name string, buffer *Buffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if previous, ok := f.values[name]; ok && previous != buffer {
		previous.Close()
	}
	f.values[name] = buffer
}

// Get returns the buffer stored under name, or nil. The buffer is
// borrowed and must not be closed by the caller.
func (f *Fields) Get(name string) *Buffer {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[name]
}

// Has reports whether name is present.
func (f *Fields) Has(name string) bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[name]
	return ok
}

// Value returns a heap copy of the named value.
func (f *Fields) Value(name string) (string, bool) {
	if f == nil {
		return "", false
	}
	f.mu.Lock()
	buffer, ok := f.values[name]
	f.mu.Unlock()
	if !ok {
		return "", false
	}
	return buffer.String(), true
}

// Names returns the field names in sorted order.
func (f *Fields) Names() []string {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.values))
	for name := range f.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of fields.
func (f *Fields) Len() int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.values)
}

// Map returns heap copies of every field. Only for encoding at a trust
// boundary (record serialization before encryption, JSON Schema
// validation); the caller zeroes or drops the result.
func (f *Fields) Map() map[string]string {
	result := make(map[string]string, f.Len())
	for _, name := range f.Names() {
		value, _ := f.Value(name)
		result[name] = value
	}
	return result
}

// LogValue implements slog.LogValuer. Field names are not secret and
// are included; values are not.
func (f *Fields) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("names", f.Names()),
		slog.String("values", Redacted),
	)
}

// Format implements fmt.Formatter.
func (f *Fields) Format(state fmt.State, verb rune) {
	io.WriteString(state, Redacted)
}

// Close releases every buffer. Idempotent.
func (f *Fields) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for name, buffer := range f.values {
		if err := buffer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("field %q: %w", name, err))
		}
		delete(f.values, name)
	}
	return errors.Join(errs...)
}
