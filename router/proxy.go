// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/geilt/tairseach-sub001/lib/netutil"
	"github.com/geilt/tairseach-sub001/manifest"
	"github.com/geilt/tairseach-sub001/vault"
)

// userAgent identifies broker requests to upstream APIs.
const userAgent = "tairseach-broker"

// dispatchProxy performs the HTTP request bound to the tool and
// returns the decoded (and optionally extracted) response.
func (r *Router) dispatchProxy(ctx context.Context, call *dispatchCall, proxy *manifest.Proxy) (any, error) {
	binding := proxy.ToolBindings[call.tool.Name]
	values := call.bindings(proxy.Auth)

	request, err := buildProxyRequest(ctx, proxy, binding, values, call)
	if err != nil {
		return nil, &DispatchError{Kind: DispatchHTTP, Method: call.method, Err: err}
	}
	if proxy.Auth != nil {
		credential := call.credentials[proxy.Auth.Credential]
		if credential == nil {
			r.logger.Debug("proxy request sent without credentials",
				"method", call.method, "credential", proxy.Auth.Credential)
		} else if err := applyAuth(request, proxy.Auth, credential); err != nil {
			return nil, &DispatchError{Kind: DispatchHTTP, Method: call.method, Err: err}
		}
	}

	response, err := r.httpClient.Do(request)
	if err != nil {
		return nil, &DispatchError{Kind: DispatchHTTP, Method: call.method, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode >= 400 {
		return nil, &DispatchError{
			Kind:   DispatchHTTP,
			Method: call.method,
			Status: response.StatusCode,
			Detail: netutil.ErrorBody(response.Body),
		}
	}

	data, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, &DispatchError{Kind: DispatchHTTP, Method: call.method, Status: response.StatusCode, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	document, err := decodeDocument(data)
	if err != nil {
		if binding.ResponsePath != "" {
			return nil, &DispatchError{
				Kind:   DispatchHTTP,
				Method: call.method,
				Status: response.StatusCode,
				Err:    fmt.Errorf("response_path set but response is not JSON: %w", err),
			}
		}
		return string(data), nil
	}
	if binding.ResponsePath == "" {
		return document, nil
	}
	extracted, err := extract(document, binding.ResponsePath)
	if err != nil {
		return nil, &DispatchError{Kind: DispatchHTTP, Method: call.method, Status: response.StatusCode, Err: err}
	}
	return extracted, nil
}

func buildProxyRequest(ctx context.Context, proxy *manifest.Proxy, binding manifest.ProxyBinding, values *bindings, call *dispatchCall) (*http.Request, error) {
	base, err := url.Parse(proxy.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base_url: %w", err)
	}
	path, rawQuery, hasQuery := strings.Cut(binding.Path, "?")
	path = values.expand(path, url.PathEscape)
	if hasQuery {
		path += "?" + values.expand(rawQuery, url.QueryEscape)
	}
	relative, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	target := *base
	target.Path = singleJoiningSlash(base.Path, relative.Path)
	if relative.RawPath != "" {
		target.RawPath = singleJoiningSlash(base.EscapedPath(), relative.RawPath)
	} else {
		target.RawPath = ""
	}

	query := base.Query()
	for name, list := range relative.Query() {
		for _, value := range list {
			query.Add(name, value)
		}
	}
	for name, template := range binding.Query {
		query.Set(name, values.expand(template, nil))
	}
	target.RawQuery = query.Encode()

	method := strings.ToUpper(binding.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	var contentType string
	switch {
	case len(binding.Body) > 0:
		var template any
		if err := json.Unmarshal(binding.Body, &template); err != nil {
			return nil, fmt.Errorf("invalid body template: %w", err)
		}
		encoded, err := json.Marshal(values.expandJSON(template))
		if err != nil {
			return nil, fmt.Errorf("encoding body: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	case methodHasBody(method) && len(call.params) > 0:
		encoded, err := json.Marshal(call.params)
		if err != nil {
			return nil, fmt.Errorf("encoding body: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	request, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	for name, template := range binding.Headers {
		request.Header.Set(name, values.expand(template, nil))
	}
	return request, nil
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// applyAuth attaches credential to request according to auth.
func applyAuth(request *http.Request, auth *manifest.ProxyAuth, credential *vault.Credential) error {
	if auth.Strategy == manifest.AuthBasic {
		username, _ := credential.Fields.Value(fieldOr(auth.Field, "username"))
		password, _ := credential.Fields.Value("password")
		if username == "" && password == "" {
			return fmt.Errorf("credential %q has no username or password field", auth.Credential)
		}
		token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		request.Header.Set("Authorization", "Basic "+token)
		return nil
	}

	value, ok := secretValue(credential, auth.Field)
	if !ok {
		return fmt.Errorf("credential %q has no usable secret field", auth.Credential)
	}

	placement := auth.Placement
	if placement == "" {
		placement = manifest.PlaceHeader
	}
	name := auth.Name
	prefix := ""
	switch {
	case placement == manifest.PlaceQuery && auth.Strategy == manifest.AuthBearer:
		name = fieldOr(name, "access_token")
	case placement == manifest.PlaceQuery:
		name = fieldOr(name, "api_key")
	case auth.Strategy == manifest.AuthBearer:
		name = fieldOr(name, "Authorization")
		prefix = "Bearer "
	default:
		name = fieldOr(name, "X-API-Key")
	}
	if auth.Prefix != nil {
		prefix = *auth.Prefix
	}

	if placement == manifest.PlaceQuery {
		query := request.URL.Query()
		query.Set(name, prefix+value)
		request.URL.RawQuery = query.Encode()
		return nil
	}
	request.Header.Set(name, prefix+value)
	return nil
}

// secretFieldOrder is tried when a proxy auth does not name a field.
var secretFieldOrder = []string{"access_token", "token", "api_key", "key"}

func secretValue(credential *vault.Credential, field string) (string, bool) {
	if field != "" {
		return credential.Fields.Value(field)
	}
	for _, candidate := range secretFieldOrder {
		if value, ok := credential.Fields.Value(candidate); ok && value != "" {
			return value, true
		}
	}
	return "", false
}

func fieldOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// singleJoiningSlash joins two URL paths with exactly one slash
// between them.
func singleJoiningSlash(a, b string) string {
	if b == "" {
		return a
	}
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}
