// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"github.com/geilt/tairseach-sub001/manifest"
)

// EffectiveRequirements merges the manifest-level and tool-level
// requirement layers. A tool-level permission replaces the
// manifest-level permission with the same name, and a tool-level
// credential replaces the manifest-level credential with the same id,
// including its optional flag. Entries present in only one layer are
// kept. Manifest-level entries come first, in declaration order,
// followed by tool-only entries.
func EffectiveRequirements(m *manifest.Manifest, tool *manifest.Tool) manifest.Requirements {
	if tool.Requires == nil {
		return m.Requires
	}
	override := tool.Requires

	var merged manifest.Requirements

	toolPermissions := make(map[string]manifest.PermissionRequirement, len(override.Permissions))
	for _, permission := range override.Permissions {
		toolPermissions[permission.Name] = permission
	}
	seen := make(map[string]bool)
	for _, permission := range m.Requires.Permissions {
		if replacement, ok := toolPermissions[permission.Name]; ok {
			permission = replacement
		}
		merged.Permissions = append(merged.Permissions, permission)
		seen[permission.Name] = true
	}
	for _, permission := range override.Permissions {
		if !seen[permission.Name] {
			merged.Permissions = append(merged.Permissions, permission)
			seen[permission.Name] = true
		}
	}

	toolCredentials := make(map[string]manifest.CredentialRequirement, len(override.Credentials))
	for _, credential := range override.Credentials {
		toolCredentials[credential.ID] = credential
	}
	seen = make(map[string]bool)
	for _, credential := range m.Requires.Credentials {
		if replacement, ok := toolCredentials[credential.ID]; ok {
			credential = replacement
		}
		merged.Credentials = append(merged.Credentials, credential)
		seen[credential.ID] = true
	}
	for _, credential := range override.Credentials {
		if !seen[credential.ID] {
			merged.Credentials = append(merged.Credentials, credential)
		}
	}

	return merged
}
