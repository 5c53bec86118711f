// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol serves JSON-RPC 2.0 on a Unix socket.
//
// Framing is one JSON value per line in each direction. A line holding
// a JSON array is a batch: its requests are dispatched concurrently
// and the responses are written as one array in request order.
// Requests without an "id" member are notifications and get no
// response; a batch of only notifications produces no output at all.
//
// Every connection is checked against the broker's own uid (peer
// credentials from the kernel) before any request is read. A method
// first passes the coarse gate, which maps method prefixes to
// permissions, then either a built-in method (server.*, manifests.*,
// tools.*, auth.*, credentials.*) or the capability router handles it.
//
// Error codes are stable and listed in codes.go. No response ever
// carries raw token or credential material.
package protocol
