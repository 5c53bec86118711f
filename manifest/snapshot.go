// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Snapshot is an immutable index of loaded manifests. Lookups on a
// snapshot are safe for concurrent use.
type Snapshot struct {
	manifests   map[string]*Manifest
	ids         []string
	errors      []*LoadError
	skipped     []Skipped
	fingerprint [32]byte

	searchOnce sync.Once
	search     *toolIndex
}

func newSnapshot() *Snapshot {
	return &Snapshot{manifests: make(map[string]*Manifest)}
}

func (s *Snapshot) add(m *Manifest) {
	s.manifests[m.ID] = m
}

func (s *Snapshot) seal() {
	s.ids = slices.Sorted(maps.Keys(s.manifests))
}

// Build makes a snapshot from in-memory manifests. Each manifest is
// validated as [Parse] would; all problems are returned together and
// no snapshot is produced.
func Build(manifests ...*Manifest) (*Snapshot, error) {
	snapshot := newSnapshot()
	var errs []error
	for index, m := range manifests {
		if err := prepare(m); err != nil {
			errs = append(errs, fmt.Errorf("manifests[%d] %q: %w", index, m.ID, err))
			continue
		}
		if _, exists := snapshot.manifests[m.ID]; exists {
			errs = append(errs, fmt.Errorf("manifests[%d]: duplicate manifest id %q", index, m.ID))
			continue
		}
		snapshot.add(m)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	snapshot.seal()
	return snapshot, nil
}

// Empty returns a snapshot with no manifests.
func Empty() *Snapshot {
	snapshot := newSnapshot()
	snapshot.seal()
	return snapshot
}

// Lookup resolves a method name such as "contacts.list" by splitting
// on the first "." into a manifest id and a tool name. The tool name
// may itself contain dots.
func (s *Snapshot) Lookup(method string) (*Manifest, *Tool, bool) {
	namespace, action, found := strings.Cut(method, ".")
	if !found || namespace == "" || action == "" {
		return nil, nil, false
	}
	m, ok := s.manifests[namespace]
	if !ok {
		return nil, nil, false
	}
	tool, ok := m.Tool(action)
	if !ok {
		return nil, nil, false
	}
	return m, tool, true
}

// Manifest returns the manifest with the given id.
func (s *Snapshot) Manifest(id string) (*Manifest, bool) {
	m, ok := s.manifests[id]
	return m, ok
}

// Manifests returns every loaded manifest, ordered by id.
func (s *Snapshot) Manifests() []*Manifest {
	result := make([]*Manifest, 0, len(s.ids))
	for _, id := range s.ids {
		result = append(result, s.manifests[id])
	}
	return result
}

// Len returns the number of loaded manifests.
func (s *Snapshot) Len() int { return len(s.ids) }

// Errors returns the files that failed to load.
func (s *Snapshot) Errors() []*LoadError { return slices.Clone(s.errors) }

// Skipped returns the manifests filtered out as incompatible.
func (s *Snapshot) Skipped() []Skipped { return slices.Clone(s.skipped) }

// Fingerprint is a BLAKE3 digest over the path and content of every
// file the snapshot was loaded from. Snapshots from [Build] have a
// zero fingerprint.
func (s *Snapshot) Fingerprint() string {
	return hex.EncodeToString(s.fingerprint[:])
}
