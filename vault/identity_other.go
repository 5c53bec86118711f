// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux && !darwin

package vault

import (
	"fmt"
	"runtime"
)

func readHardwareID() (string, error) {
	return "", fmt.Errorf("no hardware id source on %s", runtime.GOOS)
}
