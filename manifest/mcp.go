// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// MCPTools returns an MCP tool descriptor for every exposed tool, named
// by its JSON-RPC method ("contacts.list"), ordered by manifest id and
// then declaration order.
func (s *Snapshot) MCPTools() []mcp.Tool {
	var tools []mcp.Tool
	for _, m := range s.Manifests() {
		for index := range m.Tools {
			tool := &m.Tools[index]
			if !tool.Exposed() {
				continue
			}
			tools = append(tools, tool.mcpTool(m.ID+"."+tool.Name))
		}
	}
	return tools
}

func (t *Tool) mcpTool(name string) mcp.Tool {
	inputSchema := t.InputSchema
	if len(inputSchema) == 0 {
		inputSchema = emptyObjectSchema
	}
	descriptor := mcp.NewToolWithRawSchema(name, t.Description, inputSchema)
	if len(t.OutputSchema) > 0 {
		descriptor.RawOutputSchema = t.OutputSchema
	}
	descriptor.Annotations = mcp.ToolAnnotation{
		Title:           t.Annotations.Title,
		ReadOnlyHint:    t.Annotations.ReadOnlyHint,
		DestructiveHint: t.Annotations.DestructiveHint,
		IdempotentHint:  t.Annotations.IdempotentHint,
		OpenWorldHint:   t.Annotations.OpenWorldHint,
	}
	return descriptor
}
