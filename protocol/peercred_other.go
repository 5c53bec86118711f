// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux && !darwin

package protocol

import "net"

func peerUID(*net.UnixConn) (uint32, error) {
	return 0, errPeerCredentialsUnsupported
}
