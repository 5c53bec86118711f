// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"
)

// These variables are set via -ldflags at build time.
var (
	GitCommit = "unknown"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info returns a formatted version string suitable for --version output.
func Info() string {
	return fmt.Sprintf("%s (%s, %s)", Version, GitCommit, BuildTime)
}

// Full returns detailed version information including Go version.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Satisfies reports whether running meets the minimum version min.
// An empty min is always satisfied. Pre-release builds compare by
// their release triple, so 0.2.0-dev satisfies a minimum of 0.2.0.
func Satisfies(running, min string) (bool, error) {
	if min == "" {
		return true, nil
	}
	minimum, err := semver.NewVersion(min)
	if err != nil {
		return false, fmt.Errorf("invalid minimum version %q: %w", min, err)
	}
	current, err := semver.NewVersion(running)
	if err != nil {
		return false, fmt.Errorf("invalid running version %q: %w", running, err)
	}
	release, err := current.SetPrerelease("")
	if err != nil {
		return false, err
	}
	return !release.LessThan(minimum), nil
}
