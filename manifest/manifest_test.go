// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const contactsManifest = `{
	// Comments and trailing commas are accepted.
	"manifest_version": "1.0",
	"id": "contacts",
	"name": "Contacts",
	"requires": {
		"permissions": ["contacts"],
	},
	"tools": [
		{"name": "list", "description": "List contacts", "annotations": {"readOnlyHint": true, "title": "List"}},
		{
			"name": "get",
			"input_schema": {"type": "object", "required": ["id"], "properties": {"id": {"type": "string"}}},
			"mcp_expose": false,
		},
	],
	"implementation": {"type": "internal", "module": "contacts", "methods": {"list": "list_all", "get": "get_one"}},
}`

const githubManifest = `{
	"manifest_version": "1.0",
	"id": "github",
	"name": "GitHub",
	"requires": {"credentials": [{"id": "gh", "provider": "github", "kind": "static"}]},
	"tools": [{"name": "user", "input_schema": {"type": "object"}}],
	"implementation": {
		"type": "proxy",
		"base_url": "https://api.github.com",
		"auth": {"strategy": "bearer", "credential": "gh"},
		"tool_bindings": {"user": {"method": "GET", "path": "/users/{{login}}"}}
	}
}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func quietLoad(dirs ...string) *Snapshot {
	return Load(dirs, LoadOptions{Platform: "linux", Version: "1.0.0", Logger: discardLogger()})
}

func TestParse(t *testing.T) {
	manifest, err := Parse([]byte(contactsManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if manifest.ID != "contacts" || len(manifest.Tools) != 2 {
		t.Fatalf("manifest = %+v", manifest)
	}
	internal, ok := manifest.Implementation.(*Internal)
	if !ok {
		t.Fatalf("Implementation = %T, want *Internal", manifest.Implementation)
	}
	if internal.Module != "contacts" || internal.Methods["list"] != "list_all" {
		t.Errorf("internal = %+v", internal)
	}
	if len(manifest.Requires.Permissions) != 1 || manifest.Requires.Permissions[0].Name != "contacts" {
		t.Errorf("permissions = %+v (bare string form not decoded)", manifest.Requires.Permissions)
	}
	list, _ := manifest.Tool("list")
	if list.Annotations.ReadOnlyHint == nil || !*list.Annotations.ReadOnlyHint {
		t.Error("readOnlyHint not decoded")
	}
	if !list.Exposed() {
		t.Error("list should be exposed by default")
	}
	get, _ := manifest.Tool("get")
	if get.Exposed() {
		t.Error("get has mcp_expose=false")
	}
}

func TestParseImplementationKinds(t *testing.T) {
	manifest, err := Parse([]byte(githubManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	proxy, ok := manifest.Implementation.(*Proxy)
	if !ok {
		t.Fatalf("Implementation = %T, want *Proxy", manifest.Implementation)
	}
	if proxy.Auth == nil || proxy.Auth.Strategy != AuthBearer || proxy.ToolBindings["user"].Path != "/users/{{login}}" {
		t.Errorf("proxy = %+v", proxy)
	}

	script := `{
		"manifest_version": "1.0", "id": "notes", "name": "Notes",
		"tools": [{"name": "add"}],
		"implementation": {"type": "script", "runtime": "python3", "entrypoint": "notes.py",
			"tool_bindings": {"add": {"args": ["add"], "input_mode": "json", "output_mode": "json"}}}
	}`
	manifest, err = Parse([]byte(script))
	if err != nil {
		t.Fatalf("Parse script: %v", err)
	}
	if s, ok := manifest.Implementation.(*Script); !ok || s.ToolBindings["add"].InputMode != ModeJSON {
		t.Errorf("Implementation = %#v", manifest.Implementation)
	}

	unknown := `{"manifest_version": "1.0", "id": "x", "tools": [{"name": "a"}], "implementation": {"type": "wasm"}}`
	if _, err := Parse([]byte(unknown)); err == nil || !strings.Contains(err.Error(), `unknown type "wasm"`) {
		t.Errorf("unknown implementation type: err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		document string
		want     string
	}{
		{
			name:     "wrong version",
			document: `{"manifest_version": "2.0", "id": "a", "tools": [{"name": "t"}], "implementation": {"type": "internal", "module": "m", "methods": {"t": "t"}}}`,
			want:     `manifest_version "2.0" is not supported`,
		},
		{
			name:     "missing id",
			document: `{"manifest_version": "1.0", "tools": [{"name": "t"}], "implementation": {"type": "internal", "module": "m", "methods": {"t": "t"}}}`,
			want:     "id is required",
		},
		{
			name:     "dotted id",
			document: `{"manifest_version": "1.0", "id": "a.b", "tools": [{"name": "t"}], "implementation": {"type": "internal", "module": "m", "methods": {"t": "t"}}}`,
			want:     `id "a.b" must not contain "."`,
		},
		{
			name:     "no tools",
			document: `{"manifest_version": "1.0", "id": "a", "tools": [], "implementation": {"type": "internal", "module": "m"}}`,
			want:     "manifest has no tools",
		},
		{
			name:     "duplicate tool",
			document: `{"manifest_version": "1.0", "id": "a", "tools": [{"name": "t"}, {"name": "t"}], "implementation": {"type": "internal", "module": "m", "methods": {"t": "t"}}}`,
			want:     `tools[1] "t": duplicate tool name (first used at tools[0])`,
		},
		{
			name:     "missing internal binding",
			document: `{"manifest_version": "1.0", "id": "a", "tools": [{"name": "t"}, {"name": "u"}], "implementation": {"type": "internal", "module": "m", "methods": {"t": "t"}}}`,
			want:     `tools[1] "u": no internal binding`,
		},
		{
			name:     "missing proxy binding",
			document: `{"manifest_version": "1.0", "id": "a", "tools": [{"name": "t"}], "implementation": {"type": "proxy", "base_url": "https://x.test", "tool_bindings": {}}}`,
			want:     `tools[0] "t": no proxy binding`,
		},
		{
			name:     "relative base url",
			document: `{"manifest_version": "1.0", "id": "a", "tools": [{"name": "t"}], "implementation": {"type": "proxy", "base_url": "/api", "tool_bindings": {"t": {"path": "/"}}}}`,
			want:     "must be an absolute http or https URL",
		},
		{
			name:     "undeclared auth credential",
			document: `{"manifest_version": "1.0", "id": "a", "tools": [{"name": "t"}], "implementation": {"type": "proxy", "base_url": "https://x.test", "auth": {"strategy": "bearer", "credential": "nope"}, "tool_bindings": {"t": {"path": "/"}}}}`,
			want:     `implementation.auth.credential "nope" is not declared`,
		},
		{
			name:     "missing entrypoint",
			document: `{"manifest_version": "1.0", "id": "a", "tools": [{"name": "t"}], "implementation": {"type": "script", "runtime": "bash", "tool_bindings": {"t": {}}}}`,
			want:     "implementation.entrypoint is required",
		},
		{
			name:     "duplicate credential id in one layer",
			document: `{"manifest_version": "1.0", "id": "a", "requires": {"credentials": [{"id": "c", "provider": "p"}, {"id": "c", "provider": "q"}]}, "tools": [{"name": "t"}], "implementation": {"type": "internal", "module": "m", "methods": {"t": "t"}}}`,
			want:     `duplicate credential id`,
		},
		{
			name:     "no implementation",
			document: `{"manifest_version": "1.0", "id": "a", "tools": [{"name": "t"}]}`,
			want:     "implementation is required",
		},
		{
			name:     "bad input schema",
			document: `{"manifest_version": "1.0", "id": "a", "tools": [{"name": "t", "input_schema": {"type": 12}}], "implementation": {"type": "internal", "module": "m", "methods": {"t": "t"}}}`,
			want:     `tools[0] "t": input_schema`,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.document))
			var issues *IssuesError
			if !errors.As(err, &issues) {
				t.Fatalf("Parse error = %v, want *IssuesError", err)
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("issues %q do not mention %q", issues.Issues, test.want)
			}
		})
	}
}

func TestToolLayerMayReuseManifestCredentialID(t *testing.T) {
	document := `{
		"manifest_version": "1.0", "id": "a",
		"requires": {"credentials": [{"id": "c", "provider": "p"}]},
		"tools": [{"name": "t", "requires": {"credentials": [{"id": "c", "provider": "p", "optional": true}]}}],
		"implementation": {"type": "internal", "module": "m", "methods": {"t": "t"}}
	}`
	if _, err := Parse([]byte(document)); err != nil {
		t.Fatalf("a tool-level override of a manifest-level id is valid: %v", err)
	}
}

func TestValidateInput(t *testing.T) {
	manifest, err := Parse([]byte(contactsManifest))
	if err != nil {
		t.Fatal(err)
	}
	get, _ := manifest.Tool("get")
	if err := get.ValidateInput(map[string]any{"id": "c-1"}); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}
	if err := get.ValidateInput(map[string]any{}); err == nil {
		t.Error("input without required id accepted")
	}
	if err := get.ValidateInput(json.RawMessage(`{"id": 5}`)); err == nil {
		t.Error("input with wrong type accepted")
	}
	list, _ := manifest.Tool("list")
	if err := list.ValidateInput(map[string]any{"anything": true}); err != nil {
		t.Errorf("tool without schema rejected input: %v", err)
	}
}

func TestLoadPartialFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "contacts.jsonc"), contactsManifest)
	writeFile(t, filepath.Join(dir, "nested", "deeper", "github.json"), githubManifest)
	writeFile(t, filepath.Join(dir, "broken.json"), `{"manifest_version": `)
	writeFile(t, filepath.Join(dir, "invalid.json"), `{"manifest_version": "1.0", "id": "bad", "tools": []}`)
	writeFile(t, filepath.Join(dir, "README.md"), "not a manifest")
	writeFile(t, filepath.Join(dir, ".hidden", "ignored.json"), `garbage`)

	snapshot := quietLoad(dir)

	if snapshot.Len() != 2 {
		t.Fatalf("loaded %d manifests, want 2", snapshot.Len())
	}
	ids := []string{}
	for _, m := range snapshot.Manifests() {
		ids = append(ids, m.ID)
	}
	if strings.Join(ids, ",") != "contacts,github" {
		t.Errorf("ids = %v", ids)
	}
	loadErrors := snapshot.Errors()
	if len(loadErrors) != 2 {
		t.Fatalf("errors = %v, want 2", loadErrors)
	}
	failed := map[string]bool{}
	for _, loadError := range loadErrors {
		failed[filepath.Base(loadError.Path)] = true
	}
	if !failed["broken.json"] || !failed["invalid.json"] {
		t.Errorf("failed files = %v", failed)
	}
	m, _ := snapshot.Manifest("github")
	if m.Path != filepath.Join(dir, "nested", "deeper", "github.json") {
		t.Errorf("Path = %q", m.Path)
	}
}

func TestLoadDuplicateIDFirstWins(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeFile(t, filepath.Join(first, "a.json"), contactsManifest)
	writeFile(t, filepath.Join(second, "b.json"), strings.Replace(contactsManifest, `"name": "Contacts"`, `"name": "Second"`, 1))

	snapshot := quietLoad(second, first)

	m, ok := snapshot.Manifest("contacts")
	if !ok {
		t.Fatal("contacts not loaded")
	}
	wantPath := filepath.Join(first, "a.json")
	if filepath.Join(second, "b.json") < wantPath {
		wantPath = filepath.Join(second, "b.json")
	}
	if m.Path != wantPath {
		t.Errorf("winner = %s, want lexically first %s", m.Path, wantPath)
	}
	loadErrors := snapshot.Errors()
	if len(loadErrors) != 1 || !strings.Contains(loadErrors[0].Error(), `duplicate manifest id "contacts"`) {
		t.Errorf("errors = %v", loadErrors)
	}
}

func TestLoadCompatibility(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "mac.json"), strings.Replace(contactsManifest,
		`"name": "Contacts",`, `"name": "Contacts", "compatibility": {"platforms": ["macos"]},`, 1))
	writeFile(t, filepath.Join(dir, "future.json"), strings.Replace(githubManifest,
		`"name": "GitHub",`, `"name": "GitHub", "compatibility": {"min_version": "9.0.0"},`, 1))

	linux := quietLoad(dir)
	if linux.Len() != 0 || len(linux.Errors()) != 0 {
		t.Fatalf("linux: loaded %d, errors %v", linux.Len(), linux.Errors())
	}
	if skipped := linux.Skipped(); len(skipped) != 2 {
		t.Errorf("skipped = %+v, want 2", skipped)
	}

	darwin := Load([]string{dir}, LoadOptions{Platform: "darwin", Version: "9.1.0", Logger: discardLogger()})
	if darwin.Len() != 2 {
		t.Errorf("darwin at 9.1.0 loaded %d manifests, want 2", darwin.Len())
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	snapshot := quietLoad(filepath.Join(t.TempDir(), "absent"))
	if snapshot.Len() != 0 || len(snapshot.Errors()) != 0 {
		t.Errorf("missing dir: loaded %d, errors %v", snapshot.Len(), snapshot.Errors())
	}
}

func TestLookup(t *testing.T) {
	dotted := strings.Replace(contactsManifest, `{"name": "list",`, `{"name": "groups.list",`, 1)
	dotted = strings.Replace(dotted, `"list": "list_all"`, `"groups.list": "list_groups"`, 1)
	manifest, err := Parse([]byte(dotted))
	if err != nil {
		t.Fatal(err)
	}
	snapshot, err := Build(manifest)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		method string
		tool   string
	}{
		{"contacts.get", "get"},
		{"contacts.groups.list", "groups.list"},
		{"contacts.list", ""},
		{"contacts", ""},
		{"contacts.", ""},
		{".get", ""},
		{"calendar.get", ""},
	}
	for _, test := range tests {
		m, tool, ok := snapshot.Lookup(test.method)
		if test.tool == "" {
			if ok {
				t.Errorf("Lookup(%q) = %s, want miss", test.method, tool.Name)
			}
			continue
		}
		if !ok || m.ID != "contacts" || tool.Name != test.tool {
			t.Errorf("Lookup(%q) = (%v, %v, %v), want tool %q", test.method, m, tool, ok, test.tool)
		}
	}
}

func TestBuildReportsEveryProblem(t *testing.T) {
	a, _ := Parse([]byte(contactsManifest))
	b, _ := Parse([]byte(contactsManifest))
	invalid := &Manifest{ManifestVersion: SchemaVersion, ID: "empty"}
	_, err := Build(a, b, invalid)
	if err == nil {
		t.Fatal("Build accepted a duplicate id and an invalid manifest")
	}
	for _, want := range []string{`duplicate manifest id "contacts"`, "manifest has no tools"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestRegistryReload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "contacts.json"), contactsManifest)
	registry := NewRegistry(RegistryConfig{Dirs: []string{dir}, Logger: discardLogger()})

	held := registry.Snapshot()
	if held.Len() != 1 {
		t.Fatalf("initial load: %d manifests", held.Len())
	}

	if registry.Reload() {
		t.Error("Reload reported a change with no files modified")
	}
	if registry.Snapshot() != held {
		t.Error("unchanged reload swapped the snapshot")
	}

	writeFile(t, filepath.Join(dir, "github.json"), githubManifest)
	if !registry.Reload() {
		t.Fatal("Reload did not notice the new manifest")
	}
	if _, _, ok := registry.Lookup("github.user"); !ok {
		t.Error("github.user not found after reload")
	}
	if held.Len() != 1 {
		t.Error("held snapshot changed after reload")
	}
	if _, _, ok := held.Lookup("github.user"); ok {
		t.Error("held snapshot sees the reloaded manifest")
	}
	if held.Fingerprint() == registry.Snapshot().Fingerprint() {
		t.Error("fingerprint unchanged after adding a file")
	}
}

func TestMCPTools(t *testing.T) {
	contacts, _ := Parse([]byte(contactsManifest))
	github, _ := Parse([]byte(githubManifest))
	snapshot, err := Build(github, contacts)
	if err != nil {
		t.Fatal(err)
	}

	tools := snapshot.MCPTools()
	names := []string{}
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if strings.Join(names, ",") != "contacts.list,github.user" {
		t.Fatalf("tools = %v (contacts.get is not exposed)", names)
	}

	encoded, err := json.Marshal(tools[0])
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Name        string         `json:"name"`
		InputSchema map[string]any `json:"inputSchema"`
		Annotations map[string]any `json:"annotations"`
	}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.InputSchema["type"] != "object" {
		t.Errorf("inputSchema = %v, want default object schema", decoded.InputSchema)
	}
	if decoded.Annotations["readOnlyHint"] != true || decoded.Annotations["title"] != "List" {
		t.Errorf("annotations = %v", decoded.Annotations)
	}
}
