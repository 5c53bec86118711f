// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/geilt/tairseach-sub001/lib/config"
	"github.com/geilt/tairseach-sub001/lib/version"
	"github.com/geilt/tairseach-sub001/protocol"
)

func main() {
	env := &environment{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	if err := run(env, os.Args[1:]); err != nil {
		var rpcError *protocol.Error
		if errors.As(err, &rpcError) {
			fmt.Fprintf(os.Stderr, "error %d: %s\n", rpcError.Code, rpcError.Message)
			if len(rpcError.Data) > 0 {
				data, _ := json.Marshal(rpcError.Data)
				fmt.Fprintf(os.Stderr, "  %s\n", data)
			}
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// environment carries the global flags and I/O streams to commands.
type environment struct {
	configPath string
	socketPath string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// command is one subcommand. Groups (auth, credential, vault) dispatch
// to their own subcommands.
type command struct {
	name    string
	summary string
	run     func(ctx context.Context, env *environment, args []string) error
}

var commands = []command{
	{"call", "invoke a method: call <method> [params-json|-]", runCall},
	{"tools", "list or search the tools exposed by loaded manifests", runTools},
	{"manifests", "list loaded manifests", runManifests},
	{"status", "show broker status", runStatus},
	{"auth", "OAuth accounts: login, list, status, refresh, revoke", runAuth},
	{"credential", "static credentials: set, list, rm, types", runCredential},
	{"vault", "local store administration: keygen, export, import", runVault},
}

func run(env *environment, args []string) error {
	flagSet := pflag.NewFlagSet("tairseach", pflag.ContinueOnError)
	flagSet.StringVar(&env.configPath, "config", "", "broker config file (default: $"+config.EnvConfig+")")
	flagSet.StringVar(&env.socketPath, "socket", "", "broker socket (default: socket_path from the config)")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() { printUsage(env.stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Fprintf(env.stdout, "tairseach %s\n", version.Info())
		return nil
	}

	remaining := flagSet.Args()
	if len(remaining) == 0 {
		printUsage(env.stderr, flagSet)
		return errors.New("subcommand required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	name := remaining[0]
	for _, candidate := range commands {
		if candidate.name == name {
			return candidate.run(ctx, env, remaining[1:])
		}
	}
	if name == "help" {
		printUsage(env.stdout, flagSet)
		return nil
	}
	printUsage(env.stderr, flagSet)
	return fmt.Errorf("unknown subcommand %q", name)
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: tairseach [flags] <subcommand> [args]\n\nSubcommands:\n")
	for _, candidate := range commands {
		fmt.Fprintf(w, "  %-11s %s\n", candidate.name, candidate.summary)
	}
	fmt.Fprintf(w, "\nFlags:\n")
	flagSet.SetOutput(w)
	flagSet.PrintDefaults()
}

// loadConfig reads the broker configuration the same way the broker
// does.
func (env *environment) loadConfig() (*config.Config, error) {
	if env.configPath != "" {
		return config.LoadFile(env.configPath)
	}
	return config.Load()
}

// client returns a protocol client for the broker socket.
func (env *environment) client() (*protocol.Client, error) {
	if env.socketPath != "" {
		return protocol.NewClient(env.socketPath), nil
	}
	cfg, err := env.loadConfig()
	if err != nil {
		return nil, err
	}
	return protocol.NewClient(cfg.SocketPath), nil
}

// printJSON writes value as indented JSON.
func (env *environment) printJSON(value any) error {
	encoder := json.NewEncoder(env.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// subcommandFlags returns a flag set for a subcommand that reports
// errors instead of exiting.
func subcommandFlags(env *environment, name, usage string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.SetOutput(env.stderr)
	flagSet.Usage = func() {
		fmt.Fprintf(env.stderr, "Usage: tairseach %s\n\nFlags:\n", usage)
		flagSet.PrintDefaults()
	}
	return flagSet
}

// parse parses args and folds pflag.ErrHelp into a nil error with
// done=true.
func parse(flagSet *pflag.FlagSet, args []string) (done bool, err error) {
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return true, err
	}
	return false, nil
}

// dispatchGroup runs the named subcommand of a group.
func dispatchGroup(ctx context.Context, env *environment, group string, args []string, subcommands map[string]func(context.Context, *environment, []string) error) error {
	if len(args) == 0 {
		return fmt.Errorf("%s: subcommand required (%s)", group, subcommandNames(subcommands))
	}
	handler, ok := subcommands[args[0]]
	if !ok {
		return fmt.Errorf("%s: unknown subcommand %q (%s)", group, args[0], subcommandNames(subcommands))
	}
	return handler(ctx, env, args[1:])
}
