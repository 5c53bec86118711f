// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/geilt/tairseach-sub001/lib/sealed"
	"github.com/geilt/tairseach-sub001/lib/secret"
	"github.com/geilt/tairseach-sub001/vault"
)

func runVault(ctx context.Context, env *environment, args []string) error {
	return dispatchGroup(ctx, env, "vault", args, map[string]func(context.Context, *environment, []string) error{
		"keygen": runVaultKeygen,
		"export": runVaultExport,
		"import": runVaultImport,
	})
}

// runVaultKeygen prints a new age keypair: the recipient on stdout,
// the identity on stderr.
func runVaultKeygen(_ context.Context, env *environment, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("vault keygen takes no arguments")
	}
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}
	defer keypair.Close()

	fmt.Fprintf(env.stderr, "# identity (keep secret, needed for 'vault import'):\n%s\n", keypair.PrivateKey.String())
	fmt.Fprintf(env.stdout, "%s\n", keypair.PublicKey)
	return nil
}

// openLocalStore opens the credential store named by the config with
// this machine's master key.
func openLocalStore(env *environment) (*vault.Store, error) {
	cfg, err := env.loadConfig()
	if err != nil {
		return nil, err
	}
	engine, err := vault.NewEngineForHost()
	if err != nil {
		return nil, fmt.Errorf("initializing master key: %w", err)
	}
	store, err := vault.Open(vault.StoreConfig{Path: cfg.StorePath, Engine: engine})
	if err != nil {
		engine.Close()
		return nil, err
	}
	return store, nil
}

func runVaultExport(_ context.Context, env *environment, args []string) error {
	flagSet := subcommandFlags(env, "vault export", "vault export --recipient age1... [--output file]")
	recipients := flagSet.StringSlice("recipient", nil, "age recipient to seal the export for (repeatable, required)")
	output := flagSet.String("output", "-", "file to write the sealed bundle to")
	if done, err := parse(flagSet, args); done {
		return err
	}
	if len(*recipients) == 0 {
		return fmt.Errorf("at least one --recipient is required")
	}
	for _, recipient := range *recipients {
		if err := sealed.ParsePublicKey(recipient); err != nil {
			return fmt.Errorf("recipient %q: %w", recipient, err)
		}
	}

	store, err := openLocalStore(env)
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := store.Export(*recipients)
	if err != nil {
		return err
	}
	if err := writeOutput(env, *output, result.Data); err != nil {
		return err
	}
	fmt.Fprintf(env.stderr, "Exported %d tokens and %d credentials\n", result.Tokens, result.Credentials)
	for _, key := range result.Skipped {
		fmt.Fprintf(env.stderr, "  skipped unreadable record %s\n", key)
	}
	return nil
}

func writeOutput(env *environment, path string, data []byte) error {
	if path == "-" {
		_, err := env.stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// runVaultImport restores a sealed bundle into the local store. The
// broker keeps the store in memory, so it must be stopped first or the
// import is overwritten on its next write.
func runVaultImport(_ context.Context, env *environment, args []string) error {
	flagSet := subcommandFlags(env, "vault import", "vault import --identity file <bundle|->")
	identityPath := flagSet.String("identity", "", "file holding the age identity (AGE-SECRET-KEY-1...), or - for stdin")
	if done, err := parse(flagSet, args); done {
		return err
	}
	bundlePath, err := singleArgument(flagSet.Args(), "bundle")
	if err != nil {
		return err
	}
	if *identityPath == "" {
		return fmt.Errorf("--identity is required")
	}
	if *identityPath == "-" && bundlePath == "-" {
		return fmt.Errorf("the identity and the bundle cannot both come from stdin")
	}

	var data []byte
	if bundlePath == "-" {
		data, err = io.ReadAll(env.stdin)
	} else {
		data, err = os.ReadFile(bundlePath)
	}
	if err != nil {
		return fmt.Errorf("reading bundle: %w", err)
	}

	identity, err := secret.ReadFromPath(*identityPath)
	if err != nil {
		return fmt.Errorf("reading identity: %w", err)
	}
	defer identity.Close()

	store, err := openLocalStore(env)
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := store.Import(data, identity)
	if result != nil {
		fmt.Fprintf(env.stderr, "Imported %d tokens and %d credentials\n", result.Tokens, result.Credentials)
	}
	return err
}
