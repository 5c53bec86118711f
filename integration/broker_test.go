// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package integration_test runs the broker end to end in one process:
// a real encrypted store, an OAuth provider and an upstream API served
// by httptest, a manifest directory under watch, and the JSON-RPC
// server reached through its Unix socket.
package integration_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/geilt/tairseach-sub001/broker"
	"github.com/geilt/tairseach-sub001/lib/secret"
	"github.com/geilt/tairseach-sub001/lib/testutil"
	"github.com/geilt/tairseach-sub001/manifest"
	"github.com/geilt/tairseach-sub001/permission"
	"github.com/geilt/tairseach-sub001/protocol"
	"github.com/geilt/tairseach-sub001/router"
	"github.com/geilt/tairseach-sub001/vault"
)

const issuesManifest = `{
	"manifest_version": "1.0",
	"id": "issues",
	"name": "Issues",
	"requires": {"credentials": [{"id": "tracker", "provider": "tracker", "kind": "oauth", "scopes": ["issues.read"]}]},
	"tools": [{"name": "get", "input_schema": {"type": "object", "required": ["number"]}}],
	"implementation": {
		"type": "proxy",
		"base_url": %q,
		"auth": {"strategy": "bearer", "credential": "tracker"},
		"tool_bindings": {"get": {"method": "GET", "path": "/issues/{{number}}"}}
	}
}`

const labelsManifest = `{
	"manifest_version": "1.0",
	"id": "labels",
	"name": "Labels",
	"tools": [{"name": "list"}],
	"implementation": {"type": "internal", "module": "labels", "methods": {"list": "list"}}
}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stack is a running broker with its upstream fakes.
type stack struct {
	client       *protocol.Client
	manifestDir  string
	refreshCalls *atomic.Int32

	mu          sync.Mutex
	authHeaders []string
}

func (s *stack) recordAuthorization(header string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authHeaders = append(s.authHeaders, header)
}

func (s *stack) authorizations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.authHeaders)
}

// startStack wires every component the daemon wires, with the stored
// tracker token expiring after tokenLifetime.
func startStack(t *testing.T, tokenLifetime time.Duration) *stack {
	t.Helper()
	running := &stack{refreshCalls: new(atomic.Int32)}

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		running.refreshCalls.Add(1)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "refresh_token" {
			http.Error(w, "unexpected grant", http.StatusBadRequest)
			return
		}
		// Hold the response long enough for concurrent callers to pile up.
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "refreshed-access",
			"refresh_token": "rotated-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(tokenServer.Close)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		running.recordAuthorization(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"path": r.URL.Path, "state": "open"})
	}))
	t.Cleanup(upstream.Close)

	running.manifestDir = t.TempDir()
	writeManifest(t, filepath.Join(running.manifestDir, "issues.json"), fmt.Sprintf(issuesManifest, upstream.URL))

	key, err := vault.DeriveMasterKey(vault.HostIdentity{HardwareID: "integration", Username: "tester"})
	if err != nil {
		t.Fatalf("DeriveMasterKey: %v", err)
	}
	engine, err := vault.NewEngine(key)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	store, err := vault.Open(vault.StoreConfig{
		Path:   filepath.Join(t.TempDir(), "store.json"),
		Engine: engine,
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("vault.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	provider, err := broker.NewOAuth2Provider(broker.OAuth2Config{
		Name:         "tracker",
		ClientID:     "tracker-client",
		ClientSecret: "tracker-secret",
		RedirectURL:  "http://127.0.0.1:8085/callback",
		AuthURL:      tokenServer.URL + "/authorize",
		TokenURL:     tokenServer.URL + "/token",
		HTTPClient:   tokenServer.Client(),
	})
	if err != nil {
		t.Fatalf("NewOAuth2Provider: %v", err)
	}
	credentialBroker, err := broker.New(broker.Config{
		Store:        store,
		Providers:    []broker.Provider{provider},
		ExpiryMargin: 5 * time.Minute,
		Logger:       discardLogger(),
	})
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	storeToken(t, credentialBroker, time.Now().Add(tokenLifetime))

	registry := manifest.NewRegistry(manifest.RegistryConfig{
		Dirs:   []string{running.manifestDir},
		Logger: discardLogger(),
	})
	watcher, err := manifest.NewWatcher(registry, manifest.WatcherConfig{
		Debounce: 20 * time.Millisecond,
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	handlers := router.NewHandlerTable()
	if err := handlers.Register("labels", "list", func(context.Context, *router.Call) (any, error) {
		return []string{"bug", "feature"}, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	permissions := permission.NewStatic(nil)
	capabilityRouter, err := router.New(router.Config{
		Manifests:   registry,
		Permissions: permissions,
		Credentials: credentialBroker,
		Handlers:    handlers,
		HTTPClient:  upstream.Client(),
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	socketPath := filepath.Join(testutil.SocketDir(t), "tairseach.sock")
	server, err := protocol.NewServer(protocol.Config{
		SocketPath: socketPath,
		Router:     capabilityRouter,
		Manifests:  registry,
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	server.RegisterBuiltins(protocol.Builtins{
		Broker:    credentialBroker,
		Manifests: registry,
		Reload:    registry.Reload,
		Handlers:  handlers,
	})

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Serve(groupCtx) })
	group.Go(func() error { return watcher.Run(groupCtx) })
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for the stack to stop"); err != nil {
			t.Errorf("stack: %v", err)
		}
	})

	testutil.Eventually(t, 5*time.Second, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, "waiting for socket")
	running.client = protocol.NewClient(socketPath)
	return running
}

func storeToken(t *testing.T, credentialBroker *broker.Broker, expiry time.Time) {
	t.Helper()
	buffer := func(value string) *secret.Buffer {
		b, err := secret.NewFromString(value)
		if err != nil {
			t.Fatalf("NewFromString: %v", err)
		}
		return b
	}
	record := &vault.TokenRecord{
		Provider:     "tracker",
		Account:      vault.DefaultLabel,
		ClientID:     "tracker-client",
		ClientSecret: buffer("tracker-secret"),
		TokenType:    "Bearer",
		AccessToken:  buffer("stale-access"),
		RefreshToken: buffer("original-refresh"),
		Expiry:       expiry,
		Scopes:       []string{"issues.read"},
	}
	defer record.Close()
	if err := credentialBroker.StoreToken(record); err != nil {
		t.Fatalf("StoreToken: %v", err)
	}
}

func writeManifest(t *testing.T, path, content string) {
	t.Helper()
	temporary := path + ".tmp"
	if err := os.WriteFile(temporary, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(temporary, path); err != nil {
		t.Fatal(err)
	}
}

func toolNames(t *testing.T, client *protocol.Client) []string {
	t.Helper()
	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := client.Call(context.Background(), "tools.list", nil, &result); err != nil {
		t.Fatalf("tools.list: %v", err)
	}
	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestProxyCall_FreshToken(t *testing.T) {
	running := startStack(t, time.Hour)

	var result map[string]any
	err := running.client.Call(context.Background(), "issues.get", map[string]any{"number": 42}, &result)
	if err != nil {
		t.Fatalf("issues.get: %v", err)
	}
	if result["path"] != "/issues/42" || result["state"] != "open" {
		t.Errorf("result = %v", result)
	}
	if got := running.authorizations(); len(got) != 1 || got[0] != "Bearer stale-access" {
		t.Errorf("Authorization headers = %v", got)
	}
	if calls := running.refreshCalls.Load(); calls != 0 {
		t.Errorf("token endpoint called %d times for an unexpired token", calls)
	}
}

func TestProxyCall_ConcurrentCallersShareOneRefresh(t *testing.T) {
	running := startStack(t, time.Minute)

	const callers = 8
	var group errgroup.Group
	for index := range callers {
		group.Go(func() error {
			var result map[string]any
			return running.client.Call(context.Background(), "issues.get", map[string]any{"number": index}, &result)
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("issues.get: %v", err)
	}

	if calls := running.refreshCalls.Load(); calls != 1 {
		t.Errorf("token endpoint called %d times, want 1", calls)
	}
	headers := running.authorizations()
	if len(headers) != callers {
		t.Fatalf("upstream saw %d requests, want %d", len(headers), callers)
	}
	for _, header := range headers {
		if header != "Bearer refreshed-access" {
			t.Errorf("Authorization = %q, want the refreshed token", header)
		}
	}

	var listing struct {
		Accounts []vault.TokenMetadata `json:"accounts"`
	}
	if err := running.client.Call(context.Background(), "auth.accounts", nil, &listing); err != nil {
		t.Fatalf("auth.accounts: %v", err)
	}
	if len(listing.Accounts) != 1 || listing.Accounts[0].LastRefreshed.IsZero() {
		t.Errorf("auth.accounts = %+v, want one refreshed token", listing.Accounts)
	}
}

func TestProxyCall_MissingRequiredParam(t *testing.T) {
	running := startStack(t, time.Hour)

	err := running.client.Call(context.Background(), "issues.get", map[string]any{}, nil)
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.CodeInvalidParams {
		t.Fatalf("err = %v, want invalid params", err)
	}
	if len(running.authorizations()) != 0 {
		t.Error("upstream was called for an invalid request")
	}
}

func TestHotReload_NewManifestAppears(t *testing.T) {
	running := startStack(t, time.Hour)

	if names := toolNames(t, running.client); !slices.Equal(names, []string{"issues.get"}) {
		t.Fatalf("initial tools = %v", names)
	}

	writeManifest(t, filepath.Join(running.manifestDir, "labels.json"), labelsManifest)
	testutil.Eventually(t, 5*time.Second, func() bool {
		return slices.Contains(toolNames(t, running.client), "labels.list")
	}, "waiting for labels.list after writing its manifest")

	var labels []string
	if err := running.client.Call(context.Background(), "labels.list", nil, &labels); err != nil {
		t.Fatalf("labels.list: %v", err)
	}
	if !slices.Equal(labels, []string{"bug", "feature"}) {
		t.Errorf("labels = %v", labels)
	}

	if err := os.Remove(filepath.Join(running.manifestDir, "labels.json")); err != nil {
		t.Fatal(err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return !slices.Contains(toolNames(t, running.client), "labels.list")
	}, "waiting for labels.list to disappear")

	err := running.client.Call(context.Background(), "labels.list", nil, nil)
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.CodeMethodNotFound {
		t.Fatalf("err = %v, want method not found", err)
	}
}

func TestManualReload(t *testing.T) {
	running := startStack(t, time.Hour)

	var reload struct {
		Manifests int `json:"manifests"`
		Errors    int `json:"errors"`
	}
	if err := running.client.Call(context.Background(), "manifests.reload", nil, &reload); err != nil {
		t.Fatalf("manifests.reload: %v", err)
	}
	if reload.Manifests != 1 || reload.Errors != 0 {
		t.Errorf("reload = %+v", reload)
	}
}
