// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/geilt/tairseach-sub001/lib/clock"
	"github.com/geilt/tairseach-sub001/lib/testutil"
	"github.com/geilt/tairseach-sub001/vault"
)

// tokenServer is an OAuth token endpoint that counts requests and
// records the last form it received.
type tokenServer struct {
	*httptest.Server
	requests atomic.Int32
	lastForm atomic.Pointer[url.Values]
	status   int
	response map[string]any
	hold     chan struct{}
	received chan struct{}
}

func newTokenServer(t *testing.T, response map[string]any) *tokenServer {
	t.Helper()
	return startTokenServer(t, &tokenServer{status: http.StatusOK, response: response})
}

// startTokenServer starts server after its fields are configured.
func startTokenServer(t *testing.T, server *tokenServer) *tokenServer {
	t.Helper()
	server.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.requests.Add(1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		form := r.PostForm
		server.lastForm.Store(&form)
		if server.received != nil {
			server.received <- struct{}{}
		}
		if server.hold != nil {
			<-server.hold
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(server.status)
		json.NewEncoder(w).Encode(server.response)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestOAuth2Provider(t *testing.T, server *tokenServer, fake clock.Clock) *OAuth2Provider {
	t.Helper()
	provider, err := NewOAuth2Provider(OAuth2Config{
		Name:         "example",
		ClientID:     "client-abc",
		ClientSecret: "secret-xyz",
		RedirectURL:  "http://127.0.0.1:8085/callback",
		Scopes:       []string{"contacts.readonly"},
		AuthURL:      server.URL + "/authorize",
		TokenURL:     server.URL + "/token",
		HTTPClient:   server.Client(),
		Clock:        fake,
	})
	if err != nil {
		t.Fatalf("NewOAuth2Provider: %v", err)
	}
	return provider
}

func TestOAuth2Provider_AuthorizationURL(t *testing.T) {
	server := newTokenServer(t, nil)
	provider := newTestOAuth2Provider(t, server, clock.Fake(testEpoch))

	raw := provider.AuthorizationURL("state-123", []string{"calendar", "contacts"})
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	query := parsed.Query()
	for key, want := range map[string]string{
		"state":         "state-123",
		"client_id":     "client-abc",
		"access_type":   "offline",
		"prompt":        "consent",
		"response_type": "code",
		"scope":         "calendar contacts",
		"redirect_uri":  "http://127.0.0.1:8085/callback",
	} {
		if got := query.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}

	if scope := mustQuery(t, provider.AuthorizationURL("s", nil)).Get("scope"); scope != "contacts.readonly" {
		t.Errorf("default scope = %q", scope)
	}
}

func mustQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	return parsed.Query()
}

func TestOAuth2Provider_ExchangeCode(t *testing.T) {
	fake := clock.Fake(testEpoch)
	server := newTokenServer(t, map[string]any{
		"access_token":  "at-1",
		"refresh_token": "rt-1",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"scope":         "contacts.readonly calendar",
	})
	provider := newTestOAuth2Provider(t, server, fake)

	record, err := provider.ExchangeCode(context.Background(), "code-42")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	defer record.Close()

	form := *server.lastForm.Load()
	if form.Get("grant_type") != "authorization_code" || form.Get("code") != "code-42" {
		t.Errorf("token request form = %v", form)
	}
	if form.Get("client_secret") != "secret-xyz" {
		t.Error("client credentials not sent in params")
	}
	if record.AccessToken.String() != "at-1" || record.RefreshToken.String() != "rt-1" {
		t.Errorf("tokens = %q / %q", record.AccessToken.String(), record.RefreshToken.String())
	}
	if !record.Expiry.Equal(testEpoch.Add(time.Hour)) {
		t.Errorf("Expiry = %v, want %v", record.Expiry, testEpoch.Add(time.Hour))
	}
	if !slices.Equal(record.Scopes, []string{"contacts.readonly", "calendar"}) {
		t.Errorf("Scopes = %v", record.Scopes)
	}
	if record.ClientID != "client-abc" {
		t.Errorf("ClientID = %q", record.ClientID)
	}
}

func TestOAuth2Provider_RefreshToken(t *testing.T) {
	fake := clock.Fake(testEpoch)
	server := newTokenServer(t, map[string]any{
		"access_token": "at-2",
		"token_type":   "bearer",
		"expires_in":   1800,
		"scope":        "repo,read:user",
	})
	provider := newTestOAuth2Provider(t, server, fake)

	previous := &vault.TokenRecord{RefreshToken: mustBuffer(t, "rt-old")}
	defer previous.Close()

	record, err := provider.RefreshToken(context.Background(), previous)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	defer record.Close()

	form := *server.lastForm.Load()
	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "rt-old" {
		t.Errorf("refresh form = %v", form)
	}
	if record.AccessToken.String() != "at-2" {
		t.Errorf("AccessToken = %q", record.AccessToken.String())
	}
	if !slices.Equal(record.Scopes, []string{"repo", "read:user"}) {
		t.Errorf("comma-separated scopes = %v", record.Scopes)
	}
	if !record.Expiry.Equal(testEpoch.Add(30 * time.Minute)) {
		t.Errorf("Expiry = %v", record.Expiry)
	}
}

func TestOAuth2Provider_RefreshRejected(t *testing.T) {
	server := startTokenServer(t, &tokenServer{
		status:   http.StatusBadRequest,
		response: map[string]any{"error": "invalid_grant"},
	})
	provider := newTestOAuth2Provider(t, server, clock.Fake(testEpoch))

	previous := &vault.TokenRecord{RefreshToken: mustBuffer(t, "rt-revoked")}
	defer previous.Close()

	if _, err := provider.RefreshToken(context.Background(), previous); err == nil {
		t.Fatal("expected error for invalid_grant")
	}
	if got := server.requests.Load(); got != 1 {
		t.Errorf("token endpoint hit %d times for one failed refresh, want 1", got)
	}
}

func TestNewOAuth2Provider_Validation(t *testing.T) {
	if _, err := NewOAuth2Provider(OAuth2Config{Name: "google"}); err == nil {
		t.Error("expected error without client_id")
	}
	if _, err := NewOAuth2Provider(OAuth2Config{Name: "custom", ClientID: "x"}); err == nil {
		t.Error("expected error for custom provider without endpoints")
	}
	provider, err := NewOAuth2Provider(OAuth2Config{Name: "google", ClientID: "x"})
	if err != nil {
		t.Fatalf("google preset: %v", err)
	}
	if parsed, _ := url.Parse(provider.AuthorizationURL("s", nil)); parsed.Host != "accounts.google.com" {
		t.Errorf("google preset host = %q", parsed.Host)
	}
}

// Two concurrent GetToken calls on a near-expiry token produce one
// request to the token endpoint.
func TestGetToken_OneUpstreamRefreshRequest(t *testing.T) {
	fake := clock.Fake(testEpoch)
	server := startTokenServer(t, &tokenServer{
		status: http.StatusOK,
		response: map[string]any{
			"access_token": "at-new",
			"token_type":   "Bearer",
			"expires_in":   3600,
		},
		received: make(chan struct{}, 2),
		hold:     make(chan struct{}),
	})

	provider := newTestOAuth2Provider(t, server, fake)
	broker := newTestBroker(t, fake, provider)
	storeTestToken(t, broker, "example", "a@x.com", 2*time.Minute)

	results := make(chan string, 2)
	for range 2 {
		go func() {
			record, err := broker.GetToken(context.Background(), "example", "a@x.com", nil)
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			defer record.Close()
			results <- record.AccessToken.String()
		}()
	}

	testutil.RequireReceive(t, server.received, 5*time.Second, "waiting for the refresh request")
	close(server.hold)
	for range 2 {
		if got := testutil.RequireReceive(t, results, 5*time.Second, "waiting for GetToken"); got != "at-new" {
			t.Errorf("GetToken returned %q, want at-new", got)
		}
	}
	if got := server.requests.Load(); got != 1 {
		t.Errorf("token endpoint received %d requests, want 1", got)
	}
}

// A rejected refresh grant is final: the broker reports it after one
// request instead of presenting the dead grant again.
func TestGetToken_RejectedGrantIsNotRetried(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		response map[string]any
	}{
		{"invalid_grant", http.StatusBadRequest, map[string]any{"error": "invalid_grant"}},
		{"invalid_client", http.StatusUnauthorized, map[string]any{"error": "invalid_client"}},
		{"bare 403", http.StatusForbidden, map[string]any{}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fake := clock.Fake(testEpoch)
			server := startTokenServer(t, &tokenServer{status: test.status, response: test.response})
			broker := newTestBroker(t, fake, newTestOAuth2Provider(t, server, fake))
			storeTestToken(t, broker, "example", "a@x.com", time.Minute)

			done := make(chan error, 1)
			go func() {
				_, err := broker.GetToken(context.Background(), "example", "a@x.com", nil)
				done <- err
			}()

			err := testutil.RequireReceive(t, done, 5*time.Second, "GetToken waited on a retry timer")
			var refreshError *RefreshFailedError
			if !errors.As(err, &refreshError) {
				t.Fatalf("GetToken error = %v, want *RefreshFailedError", err)
			}
			if refreshError.Attempts != 1 {
				t.Errorf("Attempts = %d, want 1", refreshError.Attempts)
			}
			if got := server.requests.Load(); got != 1 {
				t.Errorf("token endpoint received %d requests, want 1", got)
			}
			if pending := fake.PendingCount(); pending != 0 {
				t.Errorf("%d retry timers pending after a rejected grant", pending)
			}
		})
	}
}

func TestGetToken_ServerErrorIsRetried(t *testing.T) {
	fake := clock.Fake(testEpoch)
	server := startTokenServer(t, &tokenServer{
		status:   http.StatusServiceUnavailable,
		response: map[string]any{"error": "temporarily_unavailable"},
	})
	broker := newTestBroker(t, fake, newTestOAuth2Provider(t, server, fake))
	storeTestToken(t, broker, "example", "a@x.com", time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := broker.GetToken(context.Background(), "example", "a@x.com", nil)
		done <- err
	}()
	for _, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		fake.WaitForTimers(1)
		fake.Advance(delay)
	}

	err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for GetToken")
	var refreshError *RefreshFailedError
	if !errors.As(err, &refreshError) || refreshError.Attempts != 4 {
		t.Fatalf("GetToken error = %v, want *RefreshFailedError after 4 attempts", err)
	}
	if got := server.requests.Load(); got != 4 {
		t.Errorf("token endpoint received %d requests, want 4", got)
	}
}

func TestRejected(t *testing.T) {
	response := func(status int) *http.Response { return &http.Response{StatusCode: status} }
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"invalid_grant", &oauth2.RetrieveError{Response: response(400), ErrorCode: "invalid_grant"}, true},
		{"wrapped", fmt.Errorf("refreshing: %w", &oauth2.RetrieveError{Response: response(401)}), true},
		{"rate limited", &oauth2.RetrieveError{Response: response(429)}, false},
		{"request timeout", &oauth2.RetrieveError{Response: response(408)}, false},
		{"server error", &oauth2.RetrieveError{Response: response(502)}, false},
		{"network", errors.New("connection refused"), false},
	}
	for _, test := range tests {
		if got := rejected(test.err); got != test.want {
			t.Errorf("%s: rejected = %v, want %v", test.name, got, test.want)
		}
	}
}
