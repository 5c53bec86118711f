// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/geilt/tairseach-sub001/manifest"
	"github.com/geilt/tairseach-sub001/protocol"
)

func runCall(ctx context.Context, env *environment, args []string) error {
	flagSet := subcommandFlags(env, "call", "call [flags] <method> [params-json|-]")
	notify := flagSet.Bool("notify", false, "send as a notification and do not wait for a result")
	if done, err := parse(flagSet, args); done {
		return err
	}
	positional := flagSet.Args()
	if len(positional) == 0 || len(positional) > 2 {
		flagSet.Usage()
		return fmt.Errorf("call takes a method and optional params")
	}

	var params any
	if len(positional) == 2 {
		raw, err := readParams(env.stdin, positional[1])
		if err != nil {
			return err
		}
		params = raw
	}

	client, err := env.client()
	if err != nil {
		return err
	}
	if *notify {
		return client.Notify(ctx, positional[0], params)
	}
	result, err := client.CallRaw(ctx, positional[0], params)
	if err != nil {
		return err
	}
	return env.printJSON(result)
}

// readParams parses argument as a JSON object, or reads one from
// stdin when argument is "-".
func readParams(stdin io.Reader, argument string) (json.RawMessage, error) {
	data := []byte(argument)
	if argument == "-" {
		var err error
		data, err = io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading params from stdin: %w", err)
		}
	}
	data = []byte(strings.TrimSpace(string(data)))
	var object map[string]json.RawMessage
	if err := json.Unmarshal(data, &object); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return data, nil
}

func runTools(ctx context.Context, env *environment, args []string) error {
	flagSet := subcommandFlags(env, "tools", "tools [--json] [--search QUERY [--limit N]]")
	asJSON := flagSet.Bool("json", false, "print the full MCP tool descriptors")
	search := flagSet.String("search", "", "rank tools against a free-text query")
	limit := flagSet.Int("limit", 10, "maximum number of search results (0 for all)")
	if done, err := parse(flagSet, args); done {
		return err
	}
	client, err := env.client()
	if err != nil {
		return err
	}
	if *search != "" {
		return searchTools(ctx, env, client, *search, *limit, *asJSON)
	}

	var listed struct {
		Tools []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"tools"`
	}
	raw, err := client.CallRaw(ctx, "tools.list", nil)
	if err != nil {
		return err
	}
	if *asJSON {
		return env.printJSON(raw)
	}
	if err := json.Unmarshal(raw, &listed); err != nil {
		return fmt.Errorf("decoding tools.list: %w", err)
	}
	writer := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	for _, tool := range listed.Tools {
		fmt.Fprintf(writer, "%s\t%s\n", tool.Name, tool.Description)
	}
	return writer.Flush()
}

func searchTools(ctx context.Context, env *environment, client *protocol.Client, query string, limit int, asJSON bool) error {
	raw, err := client.CallRaw(ctx, "tools.search", map[string]any{"query": query, "limit": limit})
	if err != nil {
		return err
	}
	if asJSON {
		return env.printJSON(raw)
	}
	var found struct {
		Results []manifest.SearchResult `json:"results"`
	}
	if err := json.Unmarshal(raw, &found); err != nil {
		return fmt.Errorf("decoding tools.search: %w", err)
	}
	if len(found.Results) == 0 {
		fmt.Fprintf(env.stderr, "no tools match %q\n", query)
		return nil
	}
	writer := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	for _, result := range found.Results {
		fmt.Fprintf(writer, "%s\t%.2f\t%s\n", result.Method, result.Score, result.Description)
	}
	return writer.Flush()
}

func runManifests(ctx context.Context, env *environment, args []string) error {
	flagSet := subcommandFlags(env, "manifests", "manifests [--reload]")
	reload := flagSet.Bool("reload", false, "rescan manifest directories first")
	if done, err := parse(flagSet, args); done {
		return err
	}
	client, err := env.client()
	if err != nil {
		return err
	}
	if *reload {
		var result map[string]any
		if err := client.Call(ctx, "manifests.reload", nil, &result); err != nil {
			return err
		}
		fmt.Fprintf(env.stderr, "reloaded: changed=%v errors=%v\n", result["changed"], result["errors"])
	}

	var listed struct {
		Manifests []protocol.ManifestSummary `json:"manifests"`
	}
	if err := client.Call(ctx, "manifests.list", nil, &listed); err != nil {
		return err
	}
	writer := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tKIND\tVERSION\tTOOLS\tPATH")
	for _, summary := range listed.Manifests {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\n", summary.ID, summary.Implementation, summary.Version, len(summary.Tools), summary.Path)
	}
	return writer.Flush()
}

func runStatus(ctx context.Context, env *environment, args []string) error {
	flagSet := subcommandFlags(env, "status", "status")
	if done, err := parse(flagSet, args); done {
		return err
	}
	client, err := env.client()
	if err != nil {
		return err
	}
	var status protocol.ServerStatus
	if err := client.Call(ctx, "server.status", nil, &status); err != nil {
		return err
	}
	return env.printJSON(status)
}

func subcommandNames[V any](subcommands map[string]V) string {
	names := make([]string, 0, len(subcommands))
	for name := range subcommands {
		names = append(names, name)
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}
