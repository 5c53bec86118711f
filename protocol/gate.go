// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/geilt/tairseach-sub001/permission"
)

// Gate is the coarse permission check applied to every method before
// routing. It maps method prefixes to permission names: a rule
// "contacts" → "contacts" requires the contacts permission for
// "contacts" and every "contacts.*" method. The longest matching
// prefix wins. Methods matching no rule pass.
//
// The gate is independent of the requirements declared in manifests,
// which the router checks afterwards. Either may deny a call the other
// would allow.
type Gate struct {
	oracle   permission.Oracle
	rules    map[string]string
	prefixes []string
}

// NewGate returns a gate for rules (method prefix → permission name).
func NewGate(oracle permission.Oracle, rules map[string]string) *Gate {
	gate := &Gate{oracle: oracle, rules: make(map[string]string, len(rules))}
	for prefix, name := range rules {
		prefix = strings.TrimSuffix(prefix, ".")
		gate.rules[prefix] = name
		gate.prefixes = append(gate.prefixes, prefix)
	}
	sort.Slice(gate.prefixes, func(i, j int) bool {
		return len(gate.prefixes[i]) > len(gate.prefixes[j])
	})
	return gate
}

// Permission returns the permission the gate requires for method.
func (g *Gate) Permission(method string) (string, bool) {
	if g == nil {
		return "", false
	}
	for _, prefix := range g.prefixes {
		if method == prefix || strings.HasPrefix(method, prefix+".") {
			return g.rules[prefix], true
		}
	}
	return "", false
}

// Check returns a PermissionDenied error when method's gate permission
// is not granted.
func (g *Gate) Check(ctx context.Context, method string) *Error {
	name, ok := g.Permission(method)
	if !ok {
		return nil
	}
	status, err := g.oracle.Status(ctx, name)
	if err != nil {
		return NewError(CodeInternalError, fmt.Sprintf("checking permission %q: %v", name, err), "method", method)
	}
	if status == permission.Granted {
		return nil
	}
	return NewError(CodePermissionDenied,
		fmt.Sprintf("permission %q is %s", name, status),
		"method", method,
		"permission", name,
		"status", status.String(),
		"source", "gate",
	)
}
