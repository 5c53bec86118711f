// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package permission reports the status of OS-level permissions
// (contacts, calendar, camera) that capabilities declare they need.
//
// Querying the operating system is platform-specific and lives behind
// the [Oracle] interface. [Static] answers from a fixed table, loaded
// from the broker configuration or a YAML file.
package permission

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Status is the state of one permission.
type Status int

const (
	// Unknown means the oracle has no information about the
	// permission.
	Unknown Status = iota
	Granted
	Denied
	NotDetermined
	Restricted
)

var statusNames = [...]string{
	Unknown:       "unknown",
	Granted:       "granted",
	Denied:        "denied",
	NotDetermined: "not_determined",
	Restricted:    "restricted",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus parses the names produced by String. Matching is case
// insensitive and accepts "authorized" for granted and
// "notdetermined" for not_determined.
func ParseStatus(text string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "granted", "authorized":
		return Granted, nil
	case "denied":
		return Denied, nil
	case "not_determined", "notdetermined":
		return NotDetermined, nil
	case "restricted":
		return Restricted, nil
	case "unknown":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("unknown permission status %q", text)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Oracle reports permission status.
type Oracle interface {
	Status(ctx context.Context, name string) (Status, error)
}

// Static is an [Oracle] backed by a table. Permissions missing from
// the table are Unknown. Safe for concurrent use.
type Static struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewStatic returns an oracle answering from statuses.
func NewStatic(statuses map[string]Status) *Static {
	table := make(map[string]Status, len(statuses))
	for name, status := range statuses {
		table[name] = status
	}
	return &Static{statuses: table}
}

func (s *Static) Status(_ context.Context, name string) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[name], nil
}

// Set changes the status of one permission.
func (s *Static) Set(name string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[name] = status
}

// Replace swaps the whole table for statuses.
func (s *Static) Replace(statuses map[string]Status) {
	table := make(map[string]Status, len(statuses))
	for name, status := range statuses {
		table[name] = status
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = table
}

// Snapshot returns a copy of the table.
func (s *Static) Snapshot() map[string]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	table := make(map[string]Status, len(s.statuses))
	for name, status := range s.statuses {
		table[name] = status
	}
	return table
}

// LoadFile reads a YAML mapping of permission name to status:
//
//	contacts: granted
//	calendar: denied
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading permission file: %w", err)
	}
	var statuses map[string]Status
	if err := yaml.Unmarshal(data, &statuses); err != nil {
		return nil, fmt.Errorf("parsing permission file %s: %w", path, err)
	}
	return NewStatic(statuses), nil
}
