// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [SocketDir] creates a short temporary directory under /tmp for Unix
// domain sockets, whose paths are limited to 108 bytes (sun_path).
// t.TempDir() paths can exceed that on some systems.
//
// [RequireReceive], [RequireClosed] and [Eventually] hold the
// wall-clock safety valves that keep a broken test from hanging the
// suite. Time under test is driven by clock.FakeClock instead.
//
// All helpers call t.Fatalf on failure rather than returning errors.
package testutil
