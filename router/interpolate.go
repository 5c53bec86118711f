// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/geilt/tairseach-sub001/vault"
)

// placeholderPattern matches {{name}} and {{credential:field}}.
// Whitespace inside the braces is ignored.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

const credentialPrefix = "credential:"

// bindings are the values a template may reference.
type bindings struct {
	params     map[string]any
	credential *vault.Credential
}

// lookup returns the text for a placeholder name.
func (b *bindings) lookup(name string) (string, bool) {
	if field, ok := strings.CutPrefix(name, credentialPrefix); ok {
		if b.credential == nil {
			return "", false
		}
		return b.credential.Fields.Value(field)
	}
	value, ok := b.params[name]
	if !ok {
		return "", false
	}
	return formatValue(value), true
}

// expand substitutes every placeholder in template, passing each
// substituted value through escape when it is non-nil. Unmatched
// placeholders are left verbatim.
func (b *bindings) expand(template string, escape func(string) string) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := b.lookup(name)
		if !ok {
			return match
		}
		if escape != nil {
			return escape(value)
		}
		return value
	})
}

// expandJSON substitutes placeholders inside the string values of a
// decoded JSON document. A string consisting of exactly one parameter
// placeholder is replaced by the parameter's value with its JSON type
// preserved.
func (b *bindings) expandJSON(node any) any {
	switch value := node.(type) {
	case string:
		if match := placeholderPattern.FindStringSubmatchIndex(value); match != nil && match[0] == 0 && match[1] == len(value) {
			name := value[match[2]:match[3]]
			if !strings.HasPrefix(name, credentialPrefix) {
				if param, ok := b.params[name]; ok {
					return param
				}
			}
		}
		return b.expand(value, nil)
	case map[string]any:
		result := make(map[string]any, len(value))
		for key, child := range value {
			result[key] = b.expandJSON(child)
		}
		return result
	case []any:
		result := make([]any, len(value))
		for index, child := range value {
			result[index] = b.expandJSON(child)
		}
		return result
	default:
		return node
	}
}

// formatValue renders a decoded JSON value for substitution into a
// string template. Strings are inserted as-is; whole numbers print
// without a fractional part; objects and arrays are JSON-encoded.
func formatValue(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case json.Number:
		return typed.String()
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}
