// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema compiles and applies JSON Schema documents. Manifests
// use it for tool input schemas; the broker uses it for credential
// type schemas.
//
// Documents are compiled with santhosh-tekuri/jsonschema, which
// accepts drafts 4 through 2020-12 and defaults to 2020-12 when
// "$schema" is absent. Remote references are not fetched: a schema
// must be self-contained.
//
// This package depends on no other internal packages.
package schema
