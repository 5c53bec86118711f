// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/geilt/tairseach-sub001/lib/secret"
	"github.com/geilt/tairseach-sub001/vault"
)

func runCredential(ctx context.Context, env *environment, args []string) error {
	return dispatchGroup(ctx, env, "credential", args, map[string]func(context.Context, *environment, []string) error{
		"set":   runCredentialSet,
		"list":  runCredentialList,
		"rm":    runCredentialRemove,
		"types": runCredentialTypes,
	})
}

// runCredentialSet prompts for each field value without echo and
// stores the credential through the broker.
func runCredentialSet(ctx context.Context, env *environment, args []string) error {
	flagSet := subcommandFlags(env, "credential set", "credential set <provider> --type t --field name... [--label l]")
	credentialType := flagSet.String("type", "api_key", "credential type (see 'credential types')")
	label := flagSet.String("label", "", "credential label (default: default)")
	fieldNames := flagSet.StringSlice("field", nil, "field to prompt for (repeatable; default: the type's usual field)")
	if done, err := parse(flagSet, args); done {
		return err
	}
	provider, err := singleArgument(flagSet.Args(), "provider")
	if err != nil {
		return err
	}
	names := *fieldNames
	if len(names) == 0 {
		names = defaultFields(*credentialType)
		if len(names) == 0 {
			return fmt.Errorf("--field is required for credential type %q", *credentialType)
		}
	}

	prompter := newPrompter(env)
	fields := make(map[string]string, len(names))
	defer clear(fields)
	for _, name := range names {
		value, err := prompter.secret(name)
		if err != nil {
			return err
		}
		fields[name] = value
	}

	client, err := env.client()
	if err != nil {
		return err
	}
	var metadata vault.CredentialMetadata
	err = client.Call(ctx, "credentials.store", map[string]any{
		"provider": provider,
		"label":    *label,
		"type":     *credentialType,
		"fields":   fields,
	}, &metadata)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stderr, "Stored %s credential %s/%s (fields: %s)\n",
		metadata.Type, metadata.Provider, metadata.Label, strings.Join(metadata.Fields, ", "))
	return nil
}

// defaultFields returns the fields prompted for a built-in type when
// --field is not given.
func defaultFields(credentialType string) []string {
	switch credentialType {
	case "api_key":
		return []string{"api_key"}
	case "bearer":
		return []string{"token"}
	case "basic":
		return []string{"username", "password"}
	case "oauth2":
		return []string{"access_token", "refresh_token"}
	}
	return nil
}

// prompter reads field values, hiding input on a terminal. Piped input
// supplies one value per line.
type prompter struct {
	env      *environment
	terminal int
	lines    *bufio.Reader
}

func newPrompter(env *environment) *prompter {
	p := &prompter{env: env, terminal: -1}
	if file, ok := env.stdin.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		p.terminal = int(file.Fd())
	} else {
		p.lines = bufio.NewReader(env.stdin)
	}
	return p
}

func (p *prompter) secret(name string) (string, error) {
	if p.terminal >= 0 {
		fmt.Fprintf(p.env.stderr, "%s: ", name)
		value, err := term.ReadPassword(p.terminal)
		fmt.Fprintln(p.env.stderr)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", name, err)
		}
		defer secret.Zero(value)
		return string(value), nil
	}

	line, err := p.lines.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", fmt.Errorf("reading %s from stdin: %w", name, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runCredentialList(ctx context.Context, env *environment, args []string) error {
	flagSet := subcommandFlags(env, "credential list", "credential list")
	if done, err := parse(flagSet, args); done {
		return err
	}
	client, err := env.client()
	if err != nil {
		return err
	}
	var listed struct {
		Tokens      []vault.TokenMetadata      `json:"tokens"`
		Credentials []vault.CredentialMetadata `json:"credentials"`
	}
	if err := client.Call(ctx, "credentials.list", nil, &listed); err != nil {
		return err
	}

	writer := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "KIND\tPROVIDER\tLABEL\tTYPE\tFIELDS\tUPDATED")
	for _, token := range listed.Tokens {
		fmt.Fprintf(writer, "token\t%s\t%s\toauth2\t%s\t%s\n", token.Provider, token.Account, tokenFields(token), formatTime(token.LastRefreshed))
	}
	for _, credential := range listed.Credentials {
		fmt.Fprintf(writer, "credential\t%s\t%s\t%s\t%s\t%s\n", credential.Provider, credential.Label, credential.Type,
			strings.Join(credential.Fields, ","), formatTime(credential.UpdatedAt))
	}
	return writer.Flush()
}

func tokenFields(token vault.TokenMetadata) string {
	if token.Error != "" {
		return "unreadable: " + token.Error
	}
	if token.HasRefreshToken {
		return "access_token,refresh_token"
	}
	return "access_token"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func runCredentialRemove(ctx context.Context, env *environment, args []string) error {
	flagSet := subcommandFlags(env, "credential rm", "credential rm <provider> [--label l]")
	label := flagSet.String("label", "", "credential label (default: default)")
	if done, err := parse(flagSet, args); done {
		return err
	}
	provider, err := singleArgument(flagSet.Args(), "provider")
	if err != nil {
		return err
	}
	client, err := env.client()
	if err != nil {
		return err
	}
	return client.Call(ctx, "credentials.delete", map[string]string{"provider": provider, "label": *label}, nil)
}

func runCredentialTypes(ctx context.Context, env *environment, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("credential types takes no arguments")
	}
	client, err := env.client()
	if err != nil {
		return err
	}
	var listed struct {
		Types []string `json:"types"`
	}
	if err := client.Call(ctx, "credentials.types", nil, &listed); err != nil {
		return err
	}
	for _, name := range listed.Types {
		fmt.Fprintln(env.stdout, name)
	}
	return nil
}
