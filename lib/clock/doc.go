// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The broker compares token expiry against Now, waits between refresh
// attempts with After, and drives the refresh daemon with NewTicker.
// Production code uses Real(); tests use Fake(), which only moves when
// Advance is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go daemon.Run(ctx)
//	c.WaitForTimers(1)         // daemon has registered its ticker
//	c.Advance(30 * time.Minute) // fire one sweep deterministically
package clock
