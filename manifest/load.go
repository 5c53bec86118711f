// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"

	"github.com/geilt/tairseach-sub001/lib/schema"
	"github.com/geilt/tairseach-sub001/lib/version"
)

// LoadError records a manifest file that could not be loaded. Other
// files are unaffected.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *LoadError) Unwrap() error { return e.Err }

// IssuesError is returned for a manifest that parsed but failed
// [Validate].
type IssuesError struct {
	Issues []string
}

func (e *IssuesError) Error() string {
	return "invalid manifest: " + strings.Join(e.Issues, "; ")
}

// Skipped records a valid manifest that was not loaded because it is
// incompatible with this host or broker version.
type Skipped struct {
	Path   string
	ID     string
	Reason string
}

// LoadOptions controls compatibility filtering.
type LoadOptions struct {
	// Platform is compared against compatibility.platforms. Defaults
	// to runtime.GOOS.
	Platform string

	// Version is compared against compatibility.min_version. Defaults
	// to version.Version.
	Version string

	Logger *slog.Logger
}

// Load scans dirs recursively for *.json and *.jsonc files and builds
// a snapshot from every manifest that parses, validates and is
// compatible. Files are processed in lexical path order across all
// directories; when two files declare the same id the first wins and
// the second is a load error. A directory that does not exist is
// ignored.
func Load(dirs []string, options LoadOptions) *Snapshot {
	if options.Platform == "" {
		options.Platform = runtime.GOOS
	}
	if options.Version == "" {
		options.Version = version.Version
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	snapshot := newSnapshot()
	paths, walkErrors := findManifestFiles(dirs)
	snapshot.errors = append(snapshot.errors, walkErrors...)

	hasher := blake3.New()
	origins := make(map[string]string)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			snapshot.errors = append(snapshot.errors, &LoadError{Path: path, Err: err})
			continue
		}
		fmt.Fprintf(hasher, "%s\x00%d\x00", path, len(data))
		hasher.Write(data)

		manifest, err := Parse(data)
		if err != nil {
			snapshot.errors = append(snapshot.errors, &LoadError{Path: path, Err: err})
			continue
		}
		manifest.Path = path

		if reason, err := incompatibility(manifest, options); err != nil {
			snapshot.errors = append(snapshot.errors, &LoadError{Path: path, Err: err})
			continue
		} else if reason != "" {
			logger.Info("skipping incompatible manifest", "path", path, "id", manifest.ID, "reason", reason)
			snapshot.skipped = append(snapshot.skipped, Skipped{Path: path, ID: manifest.ID, Reason: reason})
			continue
		}

		if first, exists := origins[manifest.ID]; exists {
			snapshot.errors = append(snapshot.errors, &LoadError{
				Path: path,
				Err:  fmt.Errorf("duplicate manifest id %q (first loaded from %s)", manifest.ID, first),
			})
			continue
		}
		origins[manifest.ID] = path
		snapshot.add(manifest)
	}

	for _, loadError := range snapshot.errors {
		logger.Warn("manifest not loaded", "path", loadError.Path, "error", loadError.Err)
	}
	copy(snapshot.fingerprint[:], hasher.Sum(nil))
	snapshot.seal()
	return snapshot
}

// Parse decodes a JSON or JSONC manifest document, validates it, and
// compiles its tool input schemas.
func Parse(data []byte) (*Manifest, error) {
	stripped := jsonc.ToJSON(data)
	var manifest Manifest
	if err := json.Unmarshal(stripped, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest JSON: %w", err)
	}
	if err := prepare(&manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// prepare validates m and compiles its input schemas.
func prepare(m *Manifest) error {
	issues := Validate(m)
	for index := range m.Tools {
		tool := &m.Tools[index]
		if len(tool.InputSchema) == 0 || tool.Name == "" {
			continue
		}
		compiled, err := schema.Compile(m.ID+"/"+tool.Name+".json", tool.InputSchema)
		if err != nil {
			issues = append(issues, fmt.Sprintf("tools[%d] %q: input_schema: %v", index, tool.Name, err))
			continue
		}
		tool.inputSchema = compiled
	}
	if len(issues) > 0 {
		return &IssuesError{Issues: issues}
	}
	return nil
}

func incompatibility(m *Manifest, options LoadOptions) (string, error) {
	if platforms := m.Compatibility.Platforms; len(platforms) > 0 {
		supported := slices.ContainsFunc(platforms, func(platform string) bool {
			return normalizePlatform(platform) == options.Platform
		})
		if !supported {
			return fmt.Sprintf("platform %s not in %v", options.Platform, platforms), nil
		}
	}
	satisfied, err := version.Satisfies(options.Version, m.Compatibility.MinVersion)
	if err != nil {
		return "", fmt.Errorf("compatibility.min_version: %w", err)
	}
	if !satisfied {
		return fmt.Sprintf("requires version %s (running %s)", m.Compatibility.MinVersion, options.Version), nil
	}
	return "", nil
}

func normalizePlatform(platform string) string {
	platform = strings.ToLower(platform)
	if platform == "macos" {
		return "darwin"
	}
	return platform
}

func findManifestFiles(dirs []string) ([]string, []*LoadError) {
	var paths []string
	var loadErrors []*LoadError
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				if path == dir && errors.Is(err, fs.ErrNotExist) {
					return fs.SkipAll
				}
				loadErrors = append(loadErrors, &LoadError{Path: path, Err: err})
				if entry != nil && entry.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if entry.IsDir() {
				if path != dir && strings.HasPrefix(entry.Name(), ".") {
					return fs.SkipDir
				}
				return nil
			}
			if isManifestFile(path) {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			loadErrors = append(loadErrors, &LoadError{Path: dir, Err: err})
		}
	}
	slices.Sort(paths)
	return slices.Compact(paths), loadErrors
}

func isManifestFile(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	switch filepath.Ext(path) {
	case ".json", ".jsonc":
		return true
	}
	return false
}
