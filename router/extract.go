// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"k8s.io/client-go/util/jsonpath"
)

// jsonPathTemplate converts a response_path to the template syntax of
// k8s.io/client-go/util/jsonpath. "$.a.b[0]" and "a.b[0]" become
// "{.a.b[0]}"; a path already in braces is used as-is.
func jsonPathTemplate(path string) string {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "{") {
		return path
	}
	path = strings.TrimPrefix(path, "$")
	if path != "" && !strings.HasPrefix(path, ".") && !strings.HasPrefix(path, "[") {
		path = "." + path
	}
	if path == "" {
		path = "."
	}
	return "{" + path + "}"
}

// extract applies a response_path to a decoded JSON document. A path
// matching one value returns that value; a path matching several (a
// wildcard or filter) returns them as a list.
func extract(document any, path string) (any, error) {
	template := jsonPathTemplate(path)
	parser := jsonpath.New("response_path")
	if err := parser.Parse(template); err != nil {
		return nil, fmt.Errorf("parsing response_path %q: %w", path, err)
	}
	results, err := parser.FindResults(document)
	if err != nil {
		return nil, fmt.Errorf("applying response_path %q: %w", path, err)
	}

	var values []any
	for _, group := range results {
		for _, value := range group {
			if !value.IsValid() || !value.CanInterface() {
				values = append(values, nil)
				continue
			}
			values = append(values, value.Interface())
		}
	}
	switch {
	case len(values) == 0:
		return nil, fmt.Errorf("response_path %q matched nothing", path)
	case len(values) == 1 && !strings.ContainsAny(template, "*?:"):
		return values[0], nil
	default:
		return values, nil
	}
}

// decodeDocument decodes data as exactly one JSON value. Integers that
// fit an int64 decode as int64 and fractional or exponent numbers as
// float64. Larger integers stay [json.Number] so they re-encode digit
// for digit.
func decodeDocument(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var document any
	if err := decoder.Decode(&document); err != nil {
		return nil, err
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after the JSON value")
	}
	return normalizeNumbers(document), nil
}

func normalizeNumbers(node any) any {
	switch value := node.(type) {
	case map[string]any:
		for key, child := range value {
			value[key] = normalizeNumbers(child)
		}
	case []any:
		for index, child := range value {
			value[index] = normalizeNumbers(child)
		}
	case json.Number:
		if integer, err := value.Int64(); err == nil {
			return integer
		}
		if strings.ContainsAny(string(value), ".eE") {
			if float, err := strconv.ParseFloat(string(value), 64); err == nil {
				return float
			}
		}
	}
	return node
}
