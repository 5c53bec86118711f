// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the broker's YAML configuration.
//
// Configuration comes from a single file named by the --config flag
// (via [LoadFile]) or the TAIRSEACH_CONFIG environment variable (via
// [Load]). Values missing from the file keep their [Default]. There is
// no search path and no per-field environment override.
//
// After loading, ${HOME}, ${TAIRSEACH_HOME} and ${VAR:-default}
// patterns are expanded in path fields. [Config.Validate] checks
// struct tags with go-playground/validator and then the cross-field
// rules, returning every problem joined with errors.Join.
//
// This package depends on no other broker packages.
package config
