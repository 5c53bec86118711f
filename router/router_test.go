// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/geilt/tairseach-sub001/broker"
	"github.com/geilt/tairseach-sub001/lib/secret"
	"github.com/geilt/tairseach-sub001/manifest"
	"github.com/geilt/tairseach-sub001/permission"
	"github.com/geilt/tairseach-sub001/vault"
)

// fixedCatalog serves one snapshot.
type fixedCatalog struct {
	snapshot *manifest.Snapshot
}

func (c fixedCatalog) Snapshot() *manifest.Snapshot { return c.snapshot }

// fakeResolver serves credentials from a table keyed by
// "provider/name", following the label, account, default chain.
type fakeResolver struct {
	mu       sync.Mutex
	stored   map[string]map[string]string
	errs     map[string]error
	requests []broker.CredentialRequest
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		stored: make(map[string]map[string]string),
		errs:   make(map[string]error),
	}
}

func (f *fakeResolver) store(provider, name string, fields map[string]string) {
	f.stored[provider+"/"+name] = fields
}

func (f *fakeResolver) ResolveCredential(_ context.Context, request broker.CredentialRequest) (*vault.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request)
	if err := f.errs[request.Provider]; err != nil {
		return nil, err
	}
	for _, name := range vault.ResolutionChain(request.Label, request.Account) {
		if fields, ok := f.stored[request.Provider+"/"+name]; ok {
			secrets, err := secret.FieldsFromMap(fields)
			if err != nil {
				return nil, err
			}
			return &vault.Credential{Provider: request.Provider, Label: name, Type: "bearer", Fields: secrets}, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", request.Provider, broker.ErrCredentialNotFound)
}

func (f *fakeResolver) lastRequest() broker.CredentialRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseManifest(t *testing.T, document string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(document))
	if err != nil {
		t.Fatalf("parsing test manifest: %v", err)
	}
	return m
}

type routerFixture struct {
	router      *Router
	permissions *permission.Static
	credentials *fakeResolver
	handlers    *HandlerTable
}

func newRouterFixture(t *testing.T, config Config, manifests ...*manifest.Manifest) *routerFixture {
	t.Helper()
	snapshot, err := manifest.Build(manifests...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	fixture := &routerFixture{
		permissions: permission.NewStatic(nil),
		credentials: newFakeResolver(),
		handlers:    NewHandlerTable(),
	}
	config.Manifests = fixedCatalog{snapshot}
	config.Permissions = fixture.permissions
	config.Credentials = fixture.credentials
	config.Handlers = fixture.handlers
	config.Logger = discardLogger()
	fixture.router, err = New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture
}

func (f *routerFixture) route(method, params string) Result {
	return f.router.Route(context.Background(), method, json.RawMessage(params))
}

const contactsDocument = `{
	"manifest_version": "1.0",
	"id": "contacts",
	"name": "Contacts",
	"requires": {"permissions": ["contacts"]},
	"tools": [
		{"name": "list"},
		{"name": "get", "input_schema": {"type": "object", "required": ["id"], "properties": {"id": {"type": "string"}}}}
	],
	"implementation": {"type": "internal", "module": "contacts", "methods": {"list": "list_all", "get": "get_one"}}
}`

func requireSuccess(t *testing.T, result Result) any {
	t.Helper()
	success, ok := result.(Success)
	if !ok {
		t.Fatalf("result = %#v, want Success", result)
	}
	return success.Value
}

func requireFailed[E error](t *testing.T, result Result) E {
	t.Helper()
	failed, ok := result.(Failed)
	if !ok {
		t.Fatalf("result = %#v, want Failed", result)
	}
	var target E
	if !errors.As(failed.Err, &target) {
		t.Fatalf("error = %v (%T), want %T", failed.Err, failed.Err, target)
	}
	return target
}

func TestPermissionDeniedNeverDispatches(t *testing.T) {
	fixture := newRouterFixture(t, Config{}, parseManifest(t, contactsDocument))
	var invoked bool
	fixture.handlers.Register("contacts", "list_all", func(context.Context, *Call) (any, error) {
		invoked = true
		return nil, nil
	})

	for _, status := range []permission.Status{permission.Denied, permission.NotDetermined, permission.Restricted, permission.Unknown} {
		fixture.permissions.Set("contacts", status)
		result := fixture.route("contacts.list", `{}`)
		denied, ok := result.(PermissionDenied)
		if !ok {
			t.Fatalf("status %v: result = %#v, want PermissionDenied", status, result)
		}
		if denied.Permission != "contacts" || denied.Status != status {
			t.Errorf("denied = %+v", denied)
		}
	}
	if invoked {
		t.Error("handler invoked for a denied call")
	}
}

func TestInternalDispatch(t *testing.T) {
	fixture := newRouterFixture(t, Config{}, parseManifest(t, contactsDocument))
	fixture.permissions.Set("contacts", permission.Granted)
	fixture.handlers.Register("contacts", "get_one", func(_ context.Context, call *Call) (any, error) {
		return map[string]any{"method": call.Method, "id": call.Params["id"]}, nil
	})

	value := requireSuccess(t, fixture.route("contacts.get", `{"id": "c-7"}`))
	result := value.(map[string]any)
	if result["method"] != "contacts.get" || result["id"] != "c-7" {
		t.Errorf("result = %v", result)
	}
}

func TestNotFound(t *testing.T) {
	fixture := newRouterFixture(t, Config{}, parseManifest(t, contactsDocument))
	for _, method := range []string{"contacts.delete", "calendar.list", "contacts", ""} {
		result := fixture.route(method, `{}`)
		if notFound, ok := result.(NotFound); !ok || notFound.Method != method {
			t.Errorf("Route(%q) = %#v, want NotFound", method, result)
		}
	}
}

func TestUnregisteredHandler(t *testing.T) {
	fixture := newRouterFixture(t, Config{}, parseManifest(t, contactsDocument))
	fixture.permissions.Set("contacts", permission.Granted)
	dispatchError := requireFailed[*DispatchError](t, fixture.route("contacts.list", `{}`))
	if dispatchError.Kind != DispatchHandler || !strings.Contains(dispatchError.Error(), "contacts.list_all") {
		t.Errorf("error = %v", dispatchError)
	}
}

func TestHandlerError(t *testing.T) {
	fixture := newRouterFixture(t, Config{}, parseManifest(t, contactsDocument))
	fixture.permissions.Set("contacts", permission.Granted)
	fixture.handlers.Register("contacts", "list_all", func(context.Context, *Call) (any, error) {
		return nil, errors.New("address book locked")
	})
	dispatchError := requireFailed[*DispatchError](t, fixture.route("contacts.list", `{}`))
	if dispatchError.Kind != DispatchHandler || !strings.Contains(dispatchError.Error(), "address book locked") {
		t.Errorf("error = %v", dispatchError)
	}
}

func TestInvalidParams(t *testing.T) {
	fixture := newRouterFixture(t, Config{}, parseManifest(t, contactsDocument))
	fixture.permissions.Set("contacts", permission.Granted)
	var invoked bool
	fixture.handlers.Register("contacts", "get_one", func(context.Context, *Call) (any, error) {
		invoked = true
		return nil, nil
	})

	for _, params := range []string{`{}`, `{"id": 12}`, `[1, 2]`, `"id"`} {
		requireFailed[*InvalidParamsError](t, fixture.route("contacts.get", params))
	}
	if invoked {
		t.Error("handler invoked with invalid params")
	}

	// Permission checks come first.
	fixture.permissions.Set("contacts", permission.Denied)
	if _, ok := fixture.route("contacts.get", `{}`).(PermissionDenied); !ok {
		t.Error("invalid params reported before permission denial")
	}
}

const mailDocument = `{
	"manifest_version": "1.0",
	"id": "mail",
	"name": "Mail",
	"requires": {
		"credentials": [{"id": "google", "provider": "google", "scopes": ["gmail.readonly"]}]
	},
	"tools": [
		{"name": "search"},
		{"name": "draft", "requires": {"credentials": [{"id": "google", "provider": "google", "optional": true}]}},
		{"name": "work", "requires": {"credentials": [{"id": "work", "provider": "google", "label": "work"}]}}
	],
	"implementation": {"type": "internal", "module": "mail", "methods": {"search": "search", "draft": "draft", "work": "work"}}
}`

func registerEcho(t *testing.T, handlers *HandlerTable, module string, methods ...string) {
	t.Helper()
	for _, method := range methods {
		err := handlers.Register(module, method, func(_ context.Context, call *Call) (any, error) {
			present := map[string]any{}
			for id, credential := range call.Credentials {
				token, _ := credential.Fields.Value("access_token")
				present[id] = token
			}
			return present, nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestCredentialMissing(t *testing.T) {
	fixture := newRouterFixture(t, Config{}, parseManifest(t, mailDocument))
	registerEcho(t, fixture.handlers, "mail", "search", "draft", "work")

	result := fixture.route("mail.search", `{}`)
	missing, ok := result.(CredentialMissing)
	if !ok {
		t.Fatalf("result = %#v, want CredentialMissing", result)
	}
	if missing.ID != "google" || missing.Provider != "google" {
		t.Errorf("missing = %+v", missing)
	}

	fixture.credentials.store("google", "default", map[string]string{"access_token": "ya29.default"})
	value := requireSuccess(t, fixture.route("mail.search", `{}`))
	if value.(map[string]any)["google"] != "ya29.default" {
		t.Errorf("result = %v", value)
	}
	request := fixture.credentials.lastRequest()
	if request.Provider != "google" || len(request.Scopes) != 1 || request.Scopes[0] != "gmail.readonly" {
		t.Errorf("request = %+v", request)
	}
}

func TestToolOverrideMakesCredentialOptional(t *testing.T) {
	m := parseManifest(t, mailDocument)
	draft, _ := m.Tool("draft")
	effective := EffectiveRequirements(m, draft)
	if len(effective.Credentials) != 1 || !effective.Credentials[0].Optional {
		t.Fatalf("effective = %+v, want the tool's optional google requirement", effective.Credentials)
	}
	if len(effective.Credentials[0].Scopes) != 0 {
		t.Errorf("tool-level entry replaces the whole requirement, scopes = %v", effective.Credentials[0].Scopes)
	}

	fixture := newRouterFixture(t, Config{}, m)
	registerEcho(t, fixture.handlers, "mail", "search", "draft", "work")

	value := requireSuccess(t, fixture.route("mail.draft", `{}`))
	if len(value.(map[string]any)) != 0 {
		t.Errorf("optional credential should be absent, got %v", value)
	}
	if _, ok := fixture.route("mail.search", `{}`).(CredentialMissing); !ok {
		t.Error("manifest-level requirement still applies to tools without an override")
	}
}

func TestToolOverrideMakesCredentialRequired(t *testing.T) {
	document := strings.Replace(mailDocument,
		`[{"id": "google", "provider": "google", "scopes": ["gmail.readonly"]}]`,
		`[{"id": "google", "provider": "google", "optional": true}]`, 1)
	document = strings.Replace(document,
		`{"id": "google", "provider": "google", "optional": true}]}}`,
		`{"id": "google", "provider": "google"}]}}`, 1)
	fixture := newRouterFixture(t, Config{}, parseManifest(t, document))
	registerEcho(t, fixture.handlers, "mail", "search", "draft", "work")

	requireSuccess(t, fixture.route("mail.search", `{}`))
	if _, ok := fixture.route("mail.draft", `{}`).(CredentialMissing); !ok {
		t.Error("tool-level required override was not enforced")
	}
}

func TestCredentialLabelAndAccount(t *testing.T) {
	fixture := newRouterFixture(t, Config{}, parseManifest(t, mailDocument))
	registerEcho(t, fixture.handlers, "mail", "search", "draft", "work")
	fixture.credentials.store("google", "default", map[string]string{"access_token": "default-token"})
	fixture.credentials.store("google", "alice@example.com", map[string]string{"access_token": "alice-token"})
	fixture.credentials.store("google", "work", map[string]string{"access_token": "work-token"})

	tests := []struct {
		method string
		params string
		id     string
		want   string
	}{
		{"mail.search", `{}`, "google", "default-token"},
		{"mail.search", `{"account": "alice@example.com"}`, "google", "alice-token"},
		{"mail.search", `{"account": "nobody@example.com"}`, "google", "default-token"},
		{"mail.work", `{"account": "alice@example.com"}`, "work", "work-token"},
	}
	for _, test := range tests {
		value := requireSuccess(t, fixture.route(test.method, test.params))
		if got := value.(map[string]any)[test.id]; got != test.want {
			t.Errorf("%s %s: %s = %v, want %s", test.method, test.params, test.id, got, test.want)
		}
	}
}

func TestBrokerErrorsPropagate(t *testing.T) {
	fixture := newRouterFixture(t, Config{}, parseManifest(t, mailDocument))
	registerEcho(t, fixture.handlers, "mail", "search", "draft", "work")
	fixture.credentials.errs["google"] = &broker.ScopeInsufficientError{
		Provider: "google", Account: "default", Missing: []string{"gmail.readonly"},
	}

	scopeError := requireFailed[*broker.ScopeInsufficientError](t, fixture.route("mail.search", `{}`))
	if scopeError.Missing[0] != "gmail.readonly" {
		t.Errorf("missing = %v", scopeError.Missing)
	}
	// An optional requirement that fails for any reason is skipped.
	requireSuccess(t, fixture.route("mail.draft", `{}`))
}

func TestEffectiveRequirements(t *testing.T) {
	m := &manifest.Manifest{
		Requires: manifest.Requirements{
			Permissions: []manifest.PermissionRequirement{{Name: "contacts"}, {Name: "calendar", Optional: true}},
			Credentials: []manifest.CredentialRequirement{{ID: "a", Provider: "p"}, {ID: "b", Provider: "q"}},
		},
	}
	tool := &manifest.Tool{
		Requires: &manifest.Requirements{
			Permissions: []manifest.PermissionRequirement{{Name: "calendar"}, {Name: "photos"}},
			Credentials: []manifest.CredentialRequirement{{ID: "b", Provider: "r", Optional: true}, {ID: "c", Provider: "s"}},
		},
	}
	effective := EffectiveRequirements(m, tool)

	wantPermissions := []manifest.PermissionRequirement{{Name: "contacts"}, {Name: "calendar"}, {Name: "photos"}}
	if fmt.Sprint(effective.Permissions) != fmt.Sprint(wantPermissions) {
		t.Errorf("permissions = %v, want %v", effective.Permissions, wantPermissions)
	}
	var credentials []string
	for _, credential := range effective.Credentials {
		credentials = append(credentials, fmt.Sprintf("%s:%s:%t", credential.ID, credential.Provider, credential.Optional))
	}
	if got := strings.Join(credentials, ","); got != "a:p:false,b:r:true,c:s:false" {
		t.Errorf("credentials = %s", got)
	}

	if got := EffectiveRequirements(m, &manifest.Tool{}); len(got.Permissions) != 2 || len(got.Credentials) != 2 {
		t.Errorf("tool without requires: %+v", got)
	}
}

func TestHandlerTable(t *testing.T) {
	table := NewHandlerTable()
	handler := func(context.Context, *Call) (any, error) { return nil, nil }
	if err := table.Register("contacts", "list", handler); err != nil {
		t.Fatal(err)
	}
	if err := table.Register("contacts", "list", handler); err == nil {
		t.Error("duplicate registration accepted")
	}
	if err := table.Register("", "list", handler); err == nil {
		t.Error("empty module accepted")
	}
	if err := table.Register("calendar", "events", nil); err == nil {
		t.Error("nil handler accepted")
	}
	if _, ok := table.Lookup("contacts", "list"); !ok {
		t.Error("registered handler not found")
	}
	if methods := table.Methods(); len(methods) != 1 || methods[0] != "contacts.list" {
		t.Errorf("Methods = %v", methods)
	}
}
