// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"fmt"
	"os/exec"
	"regexp"
)

var platformUUIDPattern = regexp.MustCompile(`"IOPlatformUUID"\s*=\s*"([^"]+)"`)

func readHardwareID() (string, error) {
	output, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return "", fmt.Errorf("running ioreg: %w", err)
	}
	match := platformUUIDPattern.FindSubmatch(output)
	if match == nil {
		return "", fmt.Errorf("IOPlatformUUID not found in ioreg output")
	}
	return string(match[1]), nil
}
