// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/geilt/tairseach-sub001/vault"
)

func runAuth(ctx context.Context, env *environment, args []string) error {
	return dispatchGroup(ctx, env, "auth", args, map[string]func(context.Context, *environment, []string) error{
		"login":     runAuthLogin,
		"list":      runAuthList,
		"status":    runAuthStatus,
		"refresh":   runAuthRefresh,
		"revoke":    runAuthRevoke,
		"providers": runAuthProviders,
	})
}

// runAuthLogin runs the authorization-code flow: it prints the
// provider's consent URL and exchanges the code pasted back.
func runAuthLogin(ctx context.Context, env *environment, args []string) error {
	flagSet := subcommandFlags(env, "auth login", "auth login <provider> [--account name] [--scope s]...")
	account := flagSet.String("account", "", "account label to store the token under (default: default)")
	scopes := flagSet.StringSlice("scope", nil, "scope to request (repeatable; default: the provider's configured scopes)")
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

	var authorization struct {
		URL   string `json:"url"`
		State string `json:"state"`
	}
	err = client.Call(ctx, "auth.authorize_url", map[string]any{"provider": provider, "scopes": *scopes}, &authorization)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stderr, "Open this URL and approve access:\n\n  %s\n\nThen paste the authorization code: ", authorization.URL)

	code, err := bufio.NewReader(env.stdin).ReadString('\n')
	code = strings.TrimSpace(code)
	if code == "" {
		if err != nil {
			return fmt.Errorf("reading authorization code: %w", err)
		}
		return fmt.Errorf("no authorization code entered")
	}

	var metadata vault.TokenMetadata
	err = client.Call(ctx, "auth.exchange", map[string]string{"provider": provider, "account": *account, "code": code}, &metadata)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stderr, "Stored token for %s/%s (scopes: %s)\n", metadata.Provider, metadata.Account, strings.Join(metadata.Scopes, " "))
	return nil
}

func runAuthList(ctx context.Context, env *environment, args []string) error {
	flagSet := subcommandFlags(env, "auth list", "auth list [--provider name]")
	provider := flagSet.String("provider", "", "only list accounts of this provider")
	if done, err := parse(flagSet, args); done {
		return err
	}
	client, err := env.client()
	if err != nil {
		return err
	}
	var listed struct {
		Accounts []vault.TokenMetadata `json:"accounts"`
	}
	if err := client.Call(ctx, "auth.accounts", map[string]string{"provider": *provider}, &listed); err != nil {
		return err
	}
	writer := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "PROVIDER\tACCOUNT\tEXPIRES\tSCOPES")
	for _, metadata := range listed.Accounts {
		expires := "never"
		if !metadata.Expiry.IsZero() {
			expires = metadata.Expiry.Local().Format(time.DateTime)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", metadata.Provider, metadata.Account, expires, strings.Join(metadata.Scopes, " "))
	}
	return writer.Flush()
}

// accountCall runs an auth method taking {provider, account} and
// prints its result.
func accountCall(ctx context.Context, env *environment, args []string, method, usage string) error {
	flagSet := subcommandFlags(env, method, usage)
	account := flagSet.String("account", "", "account label (default: default)")
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
	result, err := client.CallRaw(ctx, method, map[string]string{"provider": provider, "account": *account})
	if err != nil {
		return err
	}
	return env.printJSON(result)
}

func runAuthStatus(ctx context.Context, env *environment, args []string) error {
	return accountCall(ctx, env, args, "auth.status", "auth status <provider> [--account name]")
}

func runAuthRefresh(ctx context.Context, env *environment, args []string) error {
	return accountCall(ctx, env, args, "auth.refresh", "auth refresh <provider> [--account name]")
}

func runAuthRevoke(ctx context.Context, env *environment, args []string) error {
	return accountCall(ctx, env, args, "auth.revoke", "auth revoke <provider> [--account name]")
}

func runAuthProviders(ctx context.Context, env *environment, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("auth providers takes no arguments")
	}
	client, err := env.client()
	if err != nil {
		return err
	}
	var listed struct {
		Providers []string `json:"providers"`
	}
	if err := client.Call(ctx, "auth.providers", nil, &listed); err != nil {
		return err
	}
	for _, name := range listed.Providers {
		fmt.Fprintln(env.stdout, name)
	}
	return nil
}

func singleArgument(args []string, name string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("expected exactly one %s argument", name)
	}
	return args[0], nil
}
