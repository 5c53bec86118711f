// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
)

// Validate checks a manifest for structural issues. Returns a list of
// human-readable issue descriptions. An empty list means the manifest
// is valid.
//
// Structural checks include:
//   - manifest_version must be SchemaVersion
//   - id must be non-empty and contain no "." (the method separator)
//   - at least one tool, each with a non-empty unique name
//   - an implementation, with a binding for every tool
//   - proxy base_url must be an absolute http(s) URL
//   - script entrypoint must be non-empty
//   - credential ids unique within each requirement layer
//   - proxy auth must name a declared credential
//
// Input schemas are compiled separately by [Load].
func Validate(m *Manifest) []string {
	var issues []string

	if m.ManifestVersion != SchemaVersion {
		issues = append(issues, fmt.Sprintf("manifest_version %q is not supported (expected %q)", m.ManifestVersion, SchemaVersion))
	}
	switch {
	case m.ID == "":
		issues = append(issues, "id is required")
	case strings.Contains(m.ID, "."):
		issues = append(issues, fmt.Sprintf("id %q must not contain \".\"", m.ID))
	}

	if len(m.Tools) == 0 {
		issues = append(issues, "manifest has no tools (at least one tool is required)")
	}
	toolNames := make(map[string]int, len(m.Tools))
	for index, tool := range m.Tools {
		prefix := fmt.Sprintf("tools[%d]", index)
		if tool.Name == "" {
			issues = append(issues, prefix+": name is required")
			continue
		}
		if firstIndex, exists := toolNames[tool.Name]; exists {
			issues = append(issues, fmt.Sprintf("%s %q: duplicate tool name (first used at tools[%d])", prefix, tool.Name, firstIndex))
		} else {
			toolNames[tool.Name] = index
		}
		if m.Implementation != nil && !m.Implementation.HasBinding(tool.Name) {
			issues = append(issues, fmt.Sprintf("%s %q: no %s binding", prefix, tool.Name, m.Implementation.Kind()))
		}
		if tool.Requires != nil {
			issues = append(issues, validateRequirements(*tool.Requires, fmt.Sprintf("%s %q requires", prefix, tool.Name))...)
		}
	}

	issues = append(issues, validateRequirements(m.Requires, "requires")...)

	switch implementation := m.Implementation.(type) {
	case nil:
		issues = append(issues, "implementation is required")
	case *Internal:
		if implementation.Module == "" {
			issues = append(issues, "implementation.module is required")
		}
	case *Proxy:
		issues = append(issues, validateProxy(m, implementation)...)
	case *Script:
		if implementation.Entrypoint == "" {
			issues = append(issues, "implementation.entrypoint is required")
		}
		for _, tool := range slices.Sorted(maps.Keys(implementation.ToolBindings)) {
			binding := implementation.ToolBindings[tool]
			if !validMode(binding.InputMode) {
				issues = append(issues, fmt.Sprintf("implementation.tool_bindings[%q]: unknown input_mode %q", tool, binding.InputMode))
			}
			if !validMode(binding.OutputMode) {
				issues = append(issues, fmt.Sprintf("implementation.tool_bindings[%q]: unknown output_mode %q", tool, binding.OutputMode))
			}
		}
	}

	return issues
}

func validateRequirements(requirements Requirements, prefix string) []string {
	var issues []string
	for index, permission := range requirements.Permissions {
		if permission.Name == "" {
			issues = append(issues, fmt.Sprintf("%s.permissions[%d]: name is required", prefix, index))
		}
	}
	ids := make(map[string]int, len(requirements.Credentials))
	for index, credential := range requirements.Credentials {
		entry := fmt.Sprintf("%s.credentials[%d]", prefix, index)
		if credential.ID == "" {
			issues = append(issues, entry+": id is required")
		} else if firstIndex, exists := ids[credential.ID]; exists {
			issues = append(issues, fmt.Sprintf("%s %q: duplicate credential id (first used at credentials[%d])", entry, credential.ID, firstIndex))
		} else {
			ids[credential.ID] = index
		}
		if credential.Provider == "" {
			issues = append(issues, entry+": provider is required")
		}
		switch credential.Kind {
		case "", "oauth", "static":
		default:
			issues = append(issues, fmt.Sprintf("%s: unknown kind %q (expected \"oauth\" or \"static\")", entry, credential.Kind))
		}
	}
	return issues
}

func validateProxy(m *Manifest, proxy *Proxy) []string {
	var issues []string
	if proxy.BaseURL == "" {
		issues = append(issues, "implementation.base_url is required")
	} else if parsed, err := url.Parse(proxy.BaseURL); err != nil {
		issues = append(issues, fmt.Sprintf("implementation.base_url: %v", err))
	} else if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		issues = append(issues, fmt.Sprintf("implementation.base_url %q must be an absolute http or https URL", proxy.BaseURL))
	}

	if auth := proxy.Auth; auth != nil {
		switch auth.Strategy {
		case AuthBearer, AuthAPIKey, AuthBasic:
		default:
			issues = append(issues, fmt.Sprintf("implementation.auth: unknown strategy %q", auth.Strategy))
		}
		switch auth.Placement {
		case "", PlaceHeader, PlaceQuery:
		default:
			issues = append(issues, fmt.Sprintf("implementation.auth: unknown placement %q", auth.Placement))
		}
		if auth.Credential == "" {
			issues = append(issues, "implementation.auth.credential is required")
		} else if !declaresCredential(m, auth.Credential) {
			issues = append(issues, fmt.Sprintf("implementation.auth.credential %q is not declared in any requires.credentials", auth.Credential))
		}
	}

	for _, tool := range slices.Sorted(maps.Keys(proxy.ToolBindings)) {
		if proxy.ToolBindings[tool].Path == "" {
			issues = append(issues, fmt.Sprintf("implementation.tool_bindings[%q]: path is required", tool))
		}
	}
	return issues
}

func declaresCredential(m *Manifest, id string) bool {
	for _, credential := range m.Requires.Credentials {
		if credential.ID == id {
			return true
		}
	}
	for _, tool := range m.Tools {
		if tool.Requires == nil {
			continue
		}
		for _, credential := range tool.Requires.Credentials {
			if credential.ID == id {
				return true
			}
		}
	}
	return false
}

func validMode(mode string) bool {
	switch mode {
	case "", ModeJSON, ModeText, ModeNone:
		return true
	}
	return false
}
