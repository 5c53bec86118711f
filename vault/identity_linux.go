// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// machineIDPaths are tried in order. systemd writes /etc/machine-id;
// older dbus-only systems have the second.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

func readHardwareID() (string, error) {
	var errs []error
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
		errs = append(errs, fmt.Errorf("%s is empty", path))
	}
	return "", errors.Join(errs...)
}
