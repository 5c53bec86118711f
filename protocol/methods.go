// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/geilt/tairseach-sub001/broker"
	"github.com/geilt/tairseach-sub001/lib/clock"
	"github.com/geilt/tairseach-sub001/lib/schema"
	"github.com/geilt/tairseach-sub001/lib/secret"
	"github.com/geilt/tairseach-sub001/lib/version"
	"github.com/geilt/tairseach-sub001/manifest"
	"github.com/geilt/tairseach-sub001/router"
	"github.com/geilt/tairseach-sub001/vault"
)

// Builtins are the dependencies of the built-in methods.
type Builtins struct {
	Broker    *broker.Broker
	Manifests router.Catalog

	// Reload, when set, enables manifests.reload.
	Reload func() bool

	// Handlers lists internal handlers in server.status.
	Handlers *router.HandlerTable

	Clock clock.Clock
}

// RegisterBuiltins registers the server.*, manifests.*, tools.*,
// auth.* and credentials.* methods. None of them returns raw token or
// credential material.
func (s *Server) RegisterBuiltins(builtins Builtins) {
	if builtins.Clock == nil {
		builtins.Clock = clock.Real()
	}
	methods := &builtinMethods{Builtins: builtins, server: s, started: builtins.Clock.Now()}

	s.Handle("server.status", methods.serverStatus)
	s.Handle("manifests.list", methods.manifestsList)
	s.Handle("tools.list", methods.toolsList)
	s.Handle("tools.search", methods.toolsSearch)
	if builtins.Reload != nil {
		s.Handle("manifests.reload", methods.manifestsReload)
	}

	s.Handle("auth.providers", methods.authProviders)
	s.Handle("auth.accounts", methods.authAccounts)
	s.Handle("auth.status", methods.authStatus)
	s.Handle("auth.authorize_url", methods.authAuthorizeURL)
	s.Handle("auth.exchange", methods.authExchange)
	s.Handle("auth.refresh", methods.authRefresh)
	s.Handle("auth.revoke", methods.authRevoke)

	s.Handle("credentials.list", methods.credentialsList)
	s.Handle("credentials.types", methods.credentialsTypes)
	s.Handle("credentials.store", methods.credentialsStore)
	s.Handle("credentials.delete", methods.credentialsDelete)
}

type builtinMethods struct {
	Builtins
	server  *Server
	started time.Time
}

// decodeParams decodes an object params member into T. Absent params
// decode to T's zero value.
func decodeParams[T any](method string, params json.RawMessage) (T, error) {
	var value T
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, nullID) {
		return value, nil
	}
	if trimmed[0] != '{' {
		return value, invalidParams(method, errors.New("params must be an object"))
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&value); err != nil {
		return value, invalidParams(method, err)
	}
	return value, nil
}

func require(method string, fields ...string) error {
	for index := 0; index+1 < len(fields); index += 2 {
		if fields[index+1] == "" {
			return invalidParams(method, fmt.Errorf("%s is required", fields[index]))
		}
	}
	return nil
}

// ServerStatus is the result of server.status.
type ServerStatus struct {
	Version       string   `json:"version"`
	Platform      string   `json:"platform"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Socket        string   `json:"socket"`
	Manifests     int      `json:"manifests"`
	Tools         int      `json:"tools"`
	Fingerprint   string   `json:"manifest_fingerprint,omitempty"`
	LoadErrors    []string `json:"manifest_errors,omitempty"`
	Providers     []string `json:"providers"`
	Handlers      []string `json:"internal_handlers,omitempty"`
	Tokens        int      `json:"tokens"`
	Credentials   int      `json:"credentials"`
	Stats         Stats    `json:"stats"`
}

func (m *builtinMethods) serverStatus(context.Context, json.RawMessage) (any, error) {
	snapshot := m.Manifests.Snapshot()
	status := ServerStatus{
		Version:       version.Version,
		Platform:      runtime.GOOS + "/" + runtime.GOARCH,
		UptimeSeconds: int64(m.Clock.Now().Sub(m.started) / time.Second),
		Socket:        m.server.SocketPath(),
		Manifests:     snapshot.Len(),
		Fingerprint:   snapshot.Fingerprint(),
		Providers:     m.Broker.Providers(),
		Tokens:        len(m.Broker.Store().ListTokens()),
		Credentials:   len(m.Broker.Store().ListCredentials()),
		Stats:         m.server.Stats(),
	}
	for _, loaded := range snapshot.Manifests() {
		status.Tools += len(loaded.Tools)
	}
	for _, loadError := range snapshot.Errors() {
		status.LoadErrors = append(status.LoadErrors, loadError.Error())
	}
	if m.Handlers != nil {
		status.Handlers = m.Handlers.Methods()
	}
	return status, nil
}

// ManifestSummary is one entry of manifests.list.
type ManifestSummary struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Version        string   `json:"version,omitempty"`
	Category       string   `json:"category,omitempty"`
	Implementation string   `json:"implementation"`
	Tools          []string `json:"tools"`
	Path           string   `json:"path,omitempty"`
}

func (m *builtinMethods) manifestsList(context.Context, json.RawMessage) (any, error) {
	manifests := m.Manifests.Snapshot().Manifests()
	summaries := make([]ManifestSummary, 0, len(manifests))
	for _, loaded := range manifests {
		summary := ManifestSummary{
			ID:             loaded.ID,
			Name:           loaded.Name,
			Description:    loaded.Description,
			Version:        loaded.Version,
			Category:       loaded.Category,
			Implementation: loaded.Implementation.Kind(),
			Path:           loaded.Path,
		}
		for _, tool := range loaded.Tools {
			summary.Tools = append(summary.Tools, tool.Name)
		}
		summaries = append(summaries, summary)
	}
	return map[string]any{"manifests": summaries}, nil
}

func (m *builtinMethods) manifestsReload(context.Context, json.RawMessage) (any, error) {
	changed := m.Reload()
	snapshot := m.Manifests.Snapshot()
	return map[string]any{
		"changed":   changed,
		"manifests": snapshot.Len(),
		"errors":    len(snapshot.Errors()),
	}, nil
}

func (m *builtinMethods) toolsList(context.Context, json.RawMessage) (any, error) {
	tools := m.Manifests.Snapshot().MCPTools()
	if tools == nil {
		tools = []mcp.Tool{}
	}
	return mcp.ListToolsResult{Tools: tools}, nil
}

type searchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (m *builtinMethods) toolsSearch(_ context.Context, raw json.RawMessage) (any, error) {
	const method = "tools.search"
	params, err := decodeParams[searchParams](method, raw)
	if err != nil {
		return nil, err
	}
	if err := require(method, "query", params.Query); err != nil {
		return nil, err
	}
	if params.Limit < 0 {
		return nil, invalidParams(method, fmt.Errorf("limit must not be negative"))
	}
	results := m.Manifests.Snapshot().Search(params.Query, params.Limit)
	if results == nil {
		results = []manifest.SearchResult{}
	}
	return map[string]any{"results": results}, nil
}

type accountParams struct {
	Provider string `json:"provider"`
	Account  string `json:"account"`
}

func (p accountParams) account() string {
	if p.Account == "" {
		return vault.DefaultLabel
	}
	return p.Account
}

func (m *builtinMethods) authProviders(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"providers": m.Broker.Providers()}, nil
}

func (m *builtinMethods) authAccounts(_ context.Context, raw json.RawMessage) (any, error) {
	const method = "auth.accounts"
	params, err := decodeParams[accountParams](method, raw)
	if err != nil {
		return nil, err
	}
	accounts := m.Broker.Accounts(params.Provider)
	if accounts == nil {
		accounts = []vault.TokenMetadata{}
	}
	return map[string]any{"accounts": accounts}, nil
}

func (m *builtinMethods) authStatus(_ context.Context, raw json.RawMessage) (any, error) {
	const method = "auth.status"
	params, err := decodeParams[accountParams](method, raw)
	if err != nil {
		return nil, err
	}
	if err := require(method, "provider", params.Provider); err != nil {
		return nil, err
	}
	return m.Broker.Status(params.Provider, params.account())
}

func (m *builtinMethods) authAuthorizeURL(_ context.Context, raw json.RawMessage) (any, error) {
	const method = "auth.authorize_url"
	params, err := decodeParams[struct {
		Provider string   `json:"provider"`
		Scopes   []string `json:"scopes"`
	}](method, raw)
	if err != nil {
		return nil, err
	}
	if err := require(method, "provider", params.Provider); err != nil {
		return nil, err
	}
	authURL, state, err := m.Broker.AuthorizationURL(params.Provider, params.Scopes)
	if err != nil {
		return nil, err
	}
	return map[string]string{"url": authURL, "state": state}, nil
}

func (m *builtinMethods) authExchange(ctx context.Context, raw json.RawMessage) (any, error) {
	const method = "auth.exchange"
	params, err := decodeParams[struct {
		Provider string `json:"provider"`
		Account  string `json:"account"`
		Code     string `json:"code"`
	}](method, raw)
	if err != nil {
		return nil, err
	}
	if err := require(method, "provider", params.Provider, "code", params.Code); err != nil {
		return nil, err
	}
	return m.Broker.Exchange(ctx, params.Provider, params.Account, params.Code)
}

func (m *builtinMethods) authRefresh(ctx context.Context, raw json.RawMessage) (any, error) {
	const method = "auth.refresh"
	params, err := decodeParams[accountParams](method, raw)
	if err != nil {
		return nil, err
	}
	if err := require(method, "provider", params.Provider); err != nil {
		return nil, err
	}
	return m.Broker.Refresh(ctx, params.Provider, params.account())
}

func (m *builtinMethods) authRevoke(_ context.Context, raw json.RawMessage) (any, error) {
	const method = "auth.revoke"
	params, err := decodeParams[accountParams](method, raw)
	if err != nil {
		return nil, err
	}
	if err := require(method, "provider", params.Provider); err != nil {
		return nil, err
	}
	if err := m.Broker.RevokeToken(params.Provider, params.account()); err != nil {
		return nil, err
	}
	return map[string]bool{"revoked": true}, nil
}

func (m *builtinMethods) credentialsList(context.Context, json.RawMessage) (any, error) {
	store := m.Broker.Store()
	tokens := store.ListTokens()
	if tokens == nil {
		tokens = []vault.TokenMetadata{}
	}
	credentials := store.ListCredentials()
	if credentials == nil {
		credentials = []vault.CredentialMetadata{}
	}
	return map[string]any{"tokens": tokens, "credentials": credentials}, nil
}

func (m *builtinMethods) credentialsTypes(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"types": m.Broker.Types().Types()}, nil
}

func (m *builtinMethods) credentialsStore(_ context.Context, raw json.RawMessage) (any, error) {
	const method = "credentials.store"
	params, err := decodeParams[struct {
		Provider string            `json:"provider"`
		Label    string            `json:"label"`
		Type     string            `json:"type"`
		Fields   map[string]string `json:"fields"`
	}](method, raw)
	if err != nil {
		return nil, err
	}
	if err := require(method, "provider", params.Provider, "type", params.Type); err != nil {
		return nil, err
	}
	if len(params.Fields) == 0 {
		return nil, invalidParams(method, errors.New("fields must not be empty"))
	}
	if params.Label == "" {
		params.Label = vault.DefaultLabel
	}

	fields, err := secret.FieldsFromMap(params.Fields)
	clear(params.Fields)
	if err != nil {
		return nil, err
	}
	credential := &vault.Credential{
		Provider: params.Provider,
		Label:    params.Label,
		Type:     params.Type,
		Fields:   fields,
	}
	defer credential.Close()
	if err := m.Broker.StoreCredential(credential); err != nil {
		var validation *schema.ValidationError
		if errors.As(err, &validation) {
			return nil, invalidParams(method, err)
		}
		return nil, err
	}
	return credential.Metadata(), nil
}

func (m *builtinMethods) credentialsDelete(_ context.Context, raw json.RawMessage) (any, error) {
	const method = "credentials.delete"
	params, err := decodeParams[struct {
		Provider string `json:"provider"`
		Label    string `json:"label"`
	}](method, raw)
	if err != nil {
		return nil, err
	}
	if err := require(method, "provider", params.Provider); err != nil {
		return nil, err
	}
	if params.Label == "" {
		params.Label = vault.DefaultLabel
	}
	if err := m.Broker.DeleteCredential(params.Provider, params.Label); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}
