// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/geilt/tairseach-sub001/broker"
	"github.com/geilt/tairseach-sub001/lib/config"
	"github.com/geilt/tairseach-sub001/lib/version"
	"github.com/geilt/tairseach-sub001/manifest"
	"github.com/geilt/tairseach-sub001/permission"
	"github.com/geilt/tairseach-sub001/protocol"
	"github.com/geilt/tairseach-sub001/router"
	"github.com/geilt/tairseach-sub001/vault"
)

// shutdownTimeout bounds how long in-flight requests may delay exit
// after a shutdown signal.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("tairseach-broker", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (default: $"+config.EnvConfig+", else built-in defaults)")
	flagSet.StringVar(&logLevel, "log-level", "", "override log_level from the config file")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("tairseach-broker %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("starting tairseach-broker", "version", version.Info(), "socket_path", cfg.SocketPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := assemble(cfg, logger)
	if err != nil {
		return err
	}
	defer components.close()

	return components.serve(ctx, cfg, logger)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

func parseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// components are the wired broker services.
type components struct {
	store       *vault.Store
	broker      *broker.Broker
	registry    *manifest.Registry
	permissions *permission.Static
	server      *protocol.Server
}

func (c *components) close() {
	if err := c.store.Close(); err != nil {
		slog.Warn("closing credential store", "error", err)
	}
}

// assemble builds every component from cfg without starting anything.
func assemble(cfg *config.Config, logger *slog.Logger) (*components, error) {
	engine, err := vault.NewEngineForHost()
	if err != nil {
		return nil, fmt.Errorf("initializing master key: %w", err)
	}
	store, err := vault.Open(vault.StoreConfig{Path: cfg.StorePath, Engine: engine, Logger: logger})
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("opening credential store: %w", err)
	}
	built := &components{store: store}

	providers, err := buildProviders(cfg.Providers)
	if err != nil {
		built.close()
		return nil, err
	}
	built.broker, err = broker.New(broker.Config{
		Store:        store,
		Providers:    providers,
		ExpiryMargin: cfg.Refresh.ExpiryMargin,
		Logger:       logger,
	})
	if err != nil {
		built.close()
		return nil, err
	}

	statuses, err := loadPermissions(cfg)
	if err != nil {
		built.close()
		return nil, err
	}
	built.permissions = permission.NewStatic(statuses)

	built.registry = manifest.NewRegistry(manifest.RegistryConfig{Dirs: cfg.ManifestDirs, Logger: logger})

	handlers := router.NewHandlerTable()
	if err := registerSystemHandlers(handlers); err != nil {
		built.close()
		return nil, err
	}

	capabilityRouter, err := router.New(router.Config{
		Manifests:       built.registry,
		Permissions:     built.permissions,
		Credentials:     built.broker,
		Handlers:        handlers,
		DispatchTimeout: cfg.DispatchTimeout,
		Logger:          logger,
	})
	if err != nil {
		built.close()
		return nil, err
	}

	built.server, err = protocol.NewServer(protocol.Config{
		SocketPath: cfg.SocketPath,
		Router:     capabilityRouter,
		Manifests:  built.registry,
		Gate:       protocol.NewGate(built.permissions, cfg.MethodPermissions),
		Logger:     logger,
	})
	if err != nil {
		built.close()
		return nil, err
	}
	built.server.RegisterBuiltins(protocol.Builtins{
		Broker:    built.broker,
		Manifests: built.registry,
		Reload:    built.registry.Reload,
		Handlers:  handlers,
	})
	return built, nil
}

// serve runs the protocol server, the refresh daemon and, when
// enabled, the manifest watcher until ctx is cancelled.
func (c *components) serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var watcher *manifest.Watcher
	if cfg.WatchManifests {
		var err error
		watcher, err = manifest.NewWatcher(c.registry, manifest.WatcherConfig{Logger: logger})
		if err != nil {
			return fmt.Errorf("watching manifest directories: %w", err)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.server.Serve(groupCtx)
	})

	daemon := broker.NewDaemon(c.broker, broker.DaemonConfig{
		Interval: cfg.Refresh.Interval,
		Window:   cfg.Refresh.Window,
		Logger:   logger,
	})
	group.Go(func() error {
		return daemon.Run(groupCtx)
	})

	if watcher != nil {
		group.Go(func() error {
			return watcher.Run(groupCtx)
		})
	}

	group.Go(func() error {
		c.reloadOnHangup(groupCtx, cfg, logger)
		return nil
	})

	// Bound the drain once a shutdown signal arrives.
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(shutdownTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			logger.Error("shutdown timed out, exiting with requests in flight")
			os.Exit(1)
		case <-groupCtx.Done():
		}
	}()

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// reloadOnHangup reloads manifests and the permissions file on SIGHUP.
func (c *components) reloadOnHangup(ctx context.Context, cfg *config.Config, logger *slog.Logger) {
	hangups := make(chan os.Signal, 1)
	signal.Notify(hangups, syscall.SIGHUP)
	defer signal.Stop(hangups)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hangups:
			changed := c.registry.Reload()
			statuses, err := loadPermissions(cfg)
			if err != nil {
				logger.Error("reloading permissions failed, keeping previous table", "error", err)
			} else {
				c.permissions.Replace(statuses)
			}
			logger.Info("reloaded on SIGHUP", "manifests_changed", changed)
		}
	}
}

// buildProviders constructs an OAuth provider for each configured
// provider.
func buildProviders(configured map[string]config.ProviderConfig) ([]broker.Provider, error) {
	var providers []broker.Provider
	for name, settings := range configured {
		provider, err := broker.NewOAuth2Provider(broker.OAuth2Config{
			Name:         name,
			ClientID:     settings.ClientID,
			ClientSecret: settings.ClientSecret,
			RedirectURL:  settings.RedirectURL,
			Scopes:       settings.Scopes,
			AuthURL:      settings.AuthURL,
			TokenURL:     settings.TokenURL,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}
	return providers, nil
}

// loadPermissions merges the config's permission table with the
// permissions file. File entries win.
func loadPermissions(cfg *config.Config) (map[string]permission.Status, error) {
	statuses := make(map[string]permission.Status, len(cfg.Permissions))
	for name, text := range cfg.Permissions {
		status, err := permission.ParseStatus(text)
		if err != nil {
			return nil, fmt.Errorf("permissions.%s: %w", name, err)
		}
		statuses[name] = status
	}
	if cfg.PermissionsFile == "" {
		return statuses, nil
	}
	fromFile, err := permission.LoadFile(cfg.PermissionsFile)
	if err != nil {
		return nil, err
	}
	for name, status := range fromFile.Snapshot() {
		statuses[name] = status
	}
	return statuses, nil
}
