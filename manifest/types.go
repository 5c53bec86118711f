// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/geilt/tairseach-sub001/lib/schema"
)

// SchemaVersion is the only manifest_version accepted.
const SchemaVersion = "1.0"

// Manifest is one capability namespace.
type Manifest struct {
	ManifestVersion string         `json:"manifest_version"`
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Version         string         `json:"version,omitempty"`
	Category        string         `json:"category,omitempty"`
	Tools           []Tool         `json:"tools"`
	Requires        Requirements   `json:"requires"`
	Implementation  Implementation `json:"-"`
	Compatibility   Compatibility  `json:"compatibility"`

	// Path is the file the manifest was loaded from.
	Path string `json:"-"`
}

// Tool returns the tool named name.
func (m *Manifest) Tool(name string) (*Tool, bool) {
	for index := range m.Tools {
		if m.Tools[index].Name == name {
			return &m.Tools[index], true
		}
	}
	return nil, false
}

// UnmarshalJSON decodes a manifest, resolving the implementation
// union from its "type" member.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	type plain Manifest
	var wire struct {
		plain
		Implementation json.RawMessage `json:"implementation"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*m = Manifest(wire.plain)
	if len(wire.Implementation) == 0 || string(wire.Implementation) == "null" {
		return nil
	}
	implementation, err := decodeImplementation(wire.Implementation)
	if err != nil {
		return fmt.Errorf("implementation: %w", err)
	}
	m.Implementation = implementation
	return nil
}

// Tool is one callable operation.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Annotations  Annotations     `json:"annotations"`

	// Requires, when set, overrides manifest-level requirements entry
	// by entry (see router.EffectiveRequirements).
	Requires *Requirements `json:"requires,omitempty"`

	// MCPExpose controls listing in tools.list. Nil means true.
	MCPExpose *bool `json:"mcp_expose,omitempty"`

	inputSchema *schema.Schema
}

// Exposed reports whether the tool is listed to MCP clients.
func (t *Tool) Exposed() bool {
	return t.MCPExpose == nil || *t.MCPExpose
}

// ValidateInput checks params against the tool's input schema. A tool
// without a schema accepts anything.
func (t *Tool) ValidateInput(params any) error {
	if t.inputSchema == nil {
		return nil
	}
	instance, err := schema.Normalize(params)
	if err != nil {
		return fmt.Errorf("normalizing params: %w", err)
	}
	return t.inputSchema.Validate(instance)
}

// Annotations are behavioural hints passed through to MCP clients.
type Annotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    *bool  `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool  `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

// Requirements are the permissions and credentials a call needs.
type Requirements struct {
	Permissions []PermissionRequirement `json:"permissions,omitempty"`
	Credentials []CredentialRequirement `json:"credentials,omitempty"`
}

// PermissionRequirement names an OS-level permission.
type PermissionRequirement struct {
	Name     string `json:"name"`
	Optional bool   `json:"optional,omitempty"`
}

// UnmarshalJSON accepts either a bare permission name or an object.
func (p *PermissionRequirement) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*p = PermissionRequirement{Name: name}
		return nil
	}
	type plain PermissionRequirement
	return json.Unmarshal(data, (*plain)(p))
}

// CredentialRequirement names a credential a call needs.
type CredentialRequirement struct {
	// ID identifies the requirement within the manifest. Tool-level
	// requirements replace manifest-level ones with the same ID.
	ID       string   `json:"id"`
	Provider string   `json:"provider"`
	Scopes   []string `json:"scopes,omitempty"`
	Optional bool     `json:"optional,omitempty"`

	// Kind is "oauth", "static" or empty (see broker.CredentialRequest).
	Kind string `json:"kind,omitempty"`

	// Label selects a stored credential; when empty, the call's
	// "account" parameter and then "default" are tried.
	Label string `json:"label,omitempty"`
}

// Compatibility restricts where a manifest is loaded.
type Compatibility struct {
	// MinVersion is the lowest broker version the manifest runs on.
	MinVersion string `json:"min_version,omitempty"`

	// Platforms lists GOOS values ("linux", "darwin"; "macos" is
	// accepted for darwin). Empty means every platform.
	Platforms []string `json:"platforms,omitempty"`
}
