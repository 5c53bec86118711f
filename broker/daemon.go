// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/geilt/tairseach-sub001/lib/clock"
)

// Refresh daemon defaults.
const (
	DefaultRefreshInterval = 30 * time.Minute
	DefaultRefreshWindow   = 10 * time.Minute
)

// DaemonConfig configures a Daemon.
type DaemonConfig struct {
	// Interval between sweeps. Defaults to DefaultRefreshInterval.
	Interval time.Duration

	// Window is how close to expiry a token must be for a sweep to
	// refresh it. Defaults to DefaultRefreshWindow.
	Window time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Daemon periodically refreshes tokens that are about to expire so
// that request-path refreshes are rare.
type Daemon struct {
	broker   *Broker
	interval time.Duration
	window   time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	sweeps  atomic.Int64
	skipped atomic.Int64
}

// NewDaemon creates a refresh daemon for broker.
func NewDaemon(broker *Broker, config DaemonConfig) *Daemon {
	if config.Interval <= 0 {
		config.Interval = DefaultRefreshInterval
	}
	if config.Window <= 0 {
		config.Window = DefaultRefreshWindow
	}
	if config.Clock == nil {
		config.Clock = broker.clock
	}
	if config.Logger == nil {
		config.Logger = broker.logger
	}
	return &Daemon{
		broker:   broker,
		interval: config.Interval,
		window:   config.Window,
		clock:    config.Clock,
		logger:   config.Logger,
	}
}

// Run sweeps on every tick until ctx is cancelled. A tick that finds
// another sweep still running is skipped rather than queued.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("token refresh daemon started", "interval", d.interval, "window", d.window)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("token refresh daemon stopped")
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Daemon) tick(ctx context.Context) {
	result, err := d.broker.RefreshAll(ctx, d.window)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		d.skipped.Add(1)
		d.logger.Debug("refresh sweep skipped, broker busy")
		return
	case err != nil:
		d.logger.Warn("refresh sweep interrupted", "error", err)
	}
	d.sweeps.Add(1)
	if len(result.Refreshed) > 0 || len(result.Failed) > 0 {
		d.logger.Info("refresh sweep complete",
			"checked", result.Checked,
			"refreshed", len(result.Refreshed),
			"failed", len(result.Failed),
		)
	}
}

// Sweeps returns the number of completed sweeps.
func (d *Daemon) Sweeps() int64 { return d.sweeps.Load() }

// Skipped returns the number of ticks skipped because a sweep was
// already running.
func (d *Daemon) Skipped() int64 { return d.skipped.Load() }
