// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest loads, validates and indexes capability manifests.
//
// A manifest declares a namespace of tools (its id), the permissions
// and credentials they require, and how calls are implemented: by an
// in-process handler ([Internal]), by an HTTP API ([Proxy]), or by an
// external script ([Script]). Manifests are authored as JSON files;
// comments and trailing commas are accepted.
//
// [Load] scans directories recursively and produces an immutable
// [Snapshot]. A file that fails to parse or validate is reported as a
// [LoadError] and does not prevent the others from loading. The
// [Registry] holds the current snapshot behind an atomic pointer;
// [Registry.Reload] builds a new snapshot and swaps it in, so callers
// that already hold a snapshot keep a consistent view. [Watcher]
// triggers reloads on file changes.
//
// A JSON-RPC method "contacts.list" resolves to the tool "list" of
// the manifest with id "contacts": the method is split on its first
// dot.
package manifest
