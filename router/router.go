// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/geilt/tairseach-sub001/broker"
	"github.com/geilt/tairseach-sub001/lib/netutil"
	"github.com/geilt/tairseach-sub001/manifest"
	"github.com/geilt/tairseach-sub001/permission"
	"github.com/geilt/tairseach-sub001/vault"
)

// DefaultDispatchTimeout bounds each proxy or script call.
const DefaultDispatchTimeout = 30 * time.Second

// AccountParam is the call parameter selecting which stored account
// a credential requirement without a label resolves to.
const AccountParam = "account"

// Catalog provides the current manifest snapshot. *manifest.Registry
// implements it.
type Catalog interface {
	Snapshot() *manifest.Snapshot
}

// CredentialResolver finds the credential for a requirement.
// *broker.Broker implements it. Implementations return an error
// wrapping broker.ErrCredentialNotFound when nothing is stored.
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, request broker.CredentialRequest) (*vault.Credential, error)
}

// Config configures a [Router].
type Config struct {
	Manifests   Catalog
	Permissions permission.Oracle
	Credentials CredentialResolver
	Handlers    *HandlerTable

	// HTTPClient sends proxy requests. Defaults to a client that does
	// not follow redirects.
	HTTPClient *http.Client

	// DispatchTimeout bounds each proxy and script call. Defaults to
	// DefaultDispatchTimeout.
	DispatchTimeout time.Duration

	// ScriptEnvironment is the base environment for scripts. Defaults
	// to a sanitized subset of the broker's environment.
	ScriptEnvironment []string

	// MaxScriptOutput bounds the stdout a script may produce. Defaults
	// to netutil.MaxResponseSize, the proxy response limit.
	MaxScriptOutput int64

	Logger *slog.Logger
}

// Router executes capability calls. Safe for concurrent use.
type Router struct {
	manifests   Catalog
	permissions permission.Oracle
	credentials CredentialResolver
	handlers    *HandlerTable
	httpClient  *http.Client
	timeout     time.Duration
	scriptEnv   []string
	maxOutput   int64
	logger      *slog.Logger
}

// New creates a router.
func New(config Config) (*Router, error) {
	if config.Manifests == nil {
		return nil, fmt.Errorf("router: manifest catalog is required")
	}
	if config.Permissions == nil {
		return nil, fmt.Errorf("router: permission oracle is required")
	}
	if config.Credentials == nil {
		return nil, fmt.Errorf("router: credential resolver is required")
	}
	handlers := config.Handlers
	if handlers == nil {
		handlers = NewHandlerTable()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	timeout := config.DispatchTimeout
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	scriptEnv := config.ScriptEnvironment
	if scriptEnv == nil {
		scriptEnv = sanitizedEnvironment()
	}
	maxOutput := config.MaxScriptOutput
	if maxOutput <= 0 {
		maxOutput = netutil.MaxResponseSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		manifests:   config.Manifests,
		permissions: config.Permissions,
		credentials: config.Credentials,
		handlers:    handlers,
		httpClient:  client,
		timeout:     timeout,
		scriptEnv:   scriptEnv,
		maxOutput:   maxOutput,
		logger:      logger,
	}, nil
}

// Handlers returns the internal handler table.
func (r *Router) Handlers() *HandlerTable { return r.handlers }

// dispatchCall is the validated state of one call.
type dispatchCall struct {
	method      string
	manifest    *manifest.Manifest
	tool        *manifest.Tool
	params      map[string]any
	rawParams   json.RawMessage
	credentials map[string]*vault.Credential

	// order records credential ids in requirement order.
	order []string
}

// bindings returns the template values for the call. The primary
// credential is the one named by auth, or else the first resolved.
func (c *dispatchCall) bindings(auth *manifest.ProxyAuth) *bindings {
	values := &bindings{params: c.params}
	if auth != nil {
		values.credential = c.credentials[auth.Credential]
	}
	if values.credential == nil && len(c.order) > 0 {
		values.credential = c.credentials[c.order[0]]
	}
	return values
}

func (c *dispatchCall) close() {
	for _, credential := range c.credentials {
		credential.Close()
	}
}

// Route executes one call. params is the JSON-RPC params member and
// may be empty.
func (r *Router) Route(ctx context.Context, method string, params json.RawMessage) Result {
	snapshot := r.manifests.Snapshot()
	m, tool, ok := snapshot.Lookup(method)
	if !ok {
		return NotFound{Method: method}
	}

	decoded, err := decodeParams(params)
	if err != nil {
		return Failed{Err: &InvalidParamsError{Method: method, Err: err}}
	}

	requirements := EffectiveRequirements(m, tool)
	for _, required := range requirements.Permissions {
		status, err := r.permissions.Status(ctx, required.Name)
		if err != nil {
			if required.Optional {
				r.logger.Debug("optional permission check failed", "method", method, "permission", required.Name, "error", err)
				continue
			}
			return Failed{Err: fmt.Errorf("checking permission %q: %w", required.Name, err)}
		}
		if status == permission.Granted {
			continue
		}
		if required.Optional {
			r.logger.Debug("optional permission not granted", "method", method, "permission", required.Name, "status", status)
			continue
		}
		return PermissionDenied{Permission: required.Name, Status: status}
	}

	if err := tool.ValidateInput(decoded); err != nil {
		return Failed{Err: &InvalidParamsError{Method: method, Err: err}}
	}

	call := &dispatchCall{
		method:      method,
		manifest:    m,
		tool:        tool,
		params:      decoded,
		rawParams:   params,
		credentials: make(map[string]*vault.Credential),
	}
	defer call.close()

	account, _ := decoded[AccountParam].(string)
	for _, required := range requirements.Credentials {
		credential, err := r.credentials.ResolveCredential(ctx, broker.CredentialRequest{
			Provider: required.Provider,
			Label:    required.Label,
			Account:  account,
			Scopes:   required.Scopes,
			Kind:     required.Kind,
		})
		if err != nil {
			if required.Optional {
				r.logger.Debug("optional credential unavailable, dispatching without it",
					"method", method, "credential", required.ID, "provider", required.Provider, "error", err)
				continue
			}
			if errors.Is(err, broker.ErrCredentialNotFound) || errors.Is(err, broker.ErrTokenNotFound) {
				return CredentialMissing{ID: required.ID, Provider: required.Provider}
			}
			return Failed{Err: err}
		}
		call.credentials[required.ID] = credential
		call.order = append(call.order, required.ID)
	}

	value, err := r.dispatch(ctx, call)
	if err != nil {
		return Failed{Err: err}
	}
	return Success{Value: value}
}

// dispatch sends the call to the manifest's implementation.
func (r *Router) dispatch(ctx context.Context, call *dispatchCall) (any, error) {
	switch implementation := call.manifest.Implementation.(type) {
	case *manifest.Internal:
		return r.dispatchInternal(ctx, call, implementation)
	case *manifest.Proxy:
		return r.withTimeout(ctx, call, func(ctx context.Context) (any, error) {
			return r.dispatchProxy(ctx, call, implementation)
		})
	case *manifest.Script:
		return r.withTimeout(ctx, call, func(ctx context.Context) (any, error) {
			return r.dispatchScript(ctx, call, implementation)
		})
	default:
		return nil, &DispatchError{
			Kind:   DispatchHandler,
			Method: call.method,
			Err:    fmt.Errorf("unsupported implementation %T", implementation),
		}
	}
}

func (r *Router) dispatchInternal(ctx context.Context, call *dispatchCall, internal *manifest.Internal) (any, error) {
	methodName := internal.Methods[call.tool.Name]
	handler, ok := r.handlers.Lookup(internal.Module, methodName)
	if !ok {
		return nil, &DispatchError{
			Kind:   DispatchHandler,
			Method: call.method,
			Err:    fmt.Errorf("no handler registered for %s.%s", internal.Module, methodName),
		}
	}
	value, err := handler(ctx, &Call{
		Method:      call.method,
		Params:      call.params,
		RawParams:   call.rawParams,
		Credentials: call.credentials,
	})
	if err != nil {
		var dispatchError *DispatchError
		if errors.As(err, &dispatchError) {
			return nil, err
		}
		return nil, &DispatchError{Kind: DispatchHandler, Method: call.method, Err: err}
	}
	return value, nil
}

// withTimeout runs dispatch under the dispatch timeout, reporting an
// expired deadline as a DispatchTimeout error.
func (r *Router) withTimeout(ctx context.Context, call *dispatchCall, dispatch func(context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	value, err := dispatch(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &DispatchError{
			Kind:   DispatchTimeout,
			Method: call.method,
			Err:    fmt.Errorf("no result after %s", r.timeout),
		}
	}
	return value, err
}

// decodeParams decodes params as a JSON object. Absent and null params
// decode to an empty map.
func decodeParams(params json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("params must be a JSON object")
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var decoded map[string]any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}
