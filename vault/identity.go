// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"fmt"
	"os/user"
	"strings"
)

// HostIdentity is the machine-bound input to master key derivation.
type HostIdentity struct {
	// HardwareID is a stable per-machine identifier: /etc/machine-id on
	// Linux, IOPlatformUUID on macOS.
	HardwareID string

	// Username is the login name of the user running the broker.
	Username string
}

// DetectHostIdentity reads the hardware id and the current username.
func DetectHostIdentity() (HostIdentity, error) {
	hardwareID, err := readHardwareID()
	if err != nil {
		return HostIdentity{}, fmt.Errorf("%w: hardware id: %v", ErrMasterKeyNotInitialized, err)
	}

	current, err := user.Current()
	if err != nil {
		return HostIdentity{}, fmt.Errorf("%w: current user: %v", ErrMasterKeyNotInitialized, err)
	}

	identity := HostIdentity{
		HardwareID: strings.TrimSpace(hardwareID),
		Username:   current.Username,
	}
	if err := identity.validate(); err != nil {
		return HostIdentity{}, err
	}
	return identity, nil
}

func (h HostIdentity) validate() error {
	if h.HardwareID == "" {
		return fmt.Errorf("%w: empty hardware id", ErrMasterKeyNotInitialized)
	}
	if h.Username == "" {
		return fmt.Errorf("%w: empty username", ErrMasterKeyNotInitialized)
	}
	return nil
}
