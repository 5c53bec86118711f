// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last file
// event before reloading.
const DefaultDebounce = 500 * time.Millisecond

// WatcherConfig configures a [Watcher].
type WatcherConfig struct {
	Debounce time.Duration

	// OnReload, when set, is called after each reload that changed
	// the snapshot.
	OnReload func(*Snapshot)

	Logger *slog.Logger
}

// Watcher reloads a [Registry] when files under its directories
// change. Bursts of events (an editor writing a temp file and renaming
// it over the original) collapse into one reload.
type Watcher struct {
	registry *Registry
	debounce time.Duration
	onReload func(*Snapshot)
	logger   *slog.Logger
	fs       *fsnotify.Watcher
}

// NewWatcher creates the underlying fsnotify watcher and registers
// every directory (recursively) of the registry. Missing manifest
// directories are created.
func NewWatcher(registry *Registry, config WatcherConfig) (*Watcher, error) {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	watcher := &Watcher{
		registry: registry,
		debounce: config.Debounce,
		onReload: config.OnReload,
		logger:   logger,
		fs:       notify,
	}
	for _, dir := range registry.Dirs() {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			notify.Close()
			return nil, fmt.Errorf("creating manifest directory %s: %w", dir, err)
		}
		if err := watcher.addTree(dir); err != nil {
			notify.Close()
			return nil, err
		}
	}
	return watcher, nil
}

// Run processes file events until ctx is cancelled, then closes the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("manifest watcher error", "error", err)

		case <-fire:
			fire = nil
			if w.registry.Reload() && w.onReload != nil {
				w.onReload(w.registry.Snapshot())
			}
		}
	}
}

// relevant reports whether event can change the loaded manifests.
// New directories are added to the watch as a side effect.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("watching new manifest directory", "path", event.Name, "error", err)
			}
			return true
		}
	}
	if isManifestFile(event.Name) {
		return true
	}
	// A removed or renamed directory has no extension and no longer
	// exists to stat.
	return (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) &&
		filepath.Ext(event.Name) == "" && !strings.HasPrefix(filepath.Base(event.Name), ".")
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(entry.Name(), ".") {
			return fs.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		w.logger.Debug("watching manifest directory", "path", path)
		return nil
	})
}
