// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// RegistryConfig configures a [Registry].
type RegistryConfig struct {
	// Dirs are scanned recursively on every load.
	Dirs []string

	// Options are passed to [Load]. Options.Logger defaults to Logger.
	Options LoadOptions

	Logger *slog.Logger
}

// Registry holds the current manifest snapshot. Readers take the
// snapshot once per request and use it throughout, so a concurrent
// reload never changes a request's view halfway.
type Registry struct {
	dirs    []string
	options LoadOptions
	logger  *slog.Logger

	current atomic.Pointer[Snapshot]

	// reloadMu serializes reloads; readers never take it.
	reloadMu sync.Mutex
}

// NewRegistry performs the initial load and returns the registry.
// Files that fail to load are reported through Snapshot().Errors().
func NewRegistry(config RegistryConfig) *Registry {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	options := config.Options
	if options.Logger == nil {
		options.Logger = logger
	}
	registry := &Registry{
		dirs:    slices.Clone(config.Dirs),
		options: options,
		logger:  logger,
	}
	snapshot := Load(registry.dirs, registry.options)
	registry.current.Store(snapshot)
	logger.Info("manifests loaded",
		"manifests", snapshot.Len(),
		"errors", len(snapshot.errors),
		"skipped", len(snapshot.skipped),
	)
	return registry
}

// Dirs returns the directories the registry loads from.
func (r *Registry) Dirs() []string { return slices.Clone(r.dirs) }

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Lookup resolves method against the current snapshot.
func (r *Registry) Lookup(method string) (*Manifest, *Tool, bool) {
	return r.Snapshot().Lookup(method)
}

// Reload rescans the directories and swaps in the new snapshot.
// Returns false, keeping the current snapshot, when no manifest file
// changed since the last load.
func (r *Registry) Reload() bool {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	next := Load(r.dirs, r.options)
	previous := r.current.Load()
	if previous != nil && previous.fingerprint == next.fingerprint {
		r.logger.Debug("manifest reload skipped, nothing changed")
		return false
	}
	r.current.Store(next)
	r.logger.Info("manifests reloaded",
		"manifests", next.Len(),
		"errors", len(next.errors),
		"skipped", len(next.skipped),
		"fingerprint", next.Fingerprint()[:16],
	)
	return true
}
