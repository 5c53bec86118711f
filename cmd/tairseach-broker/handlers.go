// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/geilt/tairseach-sub001/lib/version"
	"github.com/geilt/tairseach-sub001/router"
)

// systemModule is the internal module served by the broker itself.
// Platform integrations register their own modules alongside it.
const systemModule = "system"

func registerSystemHandlers(handlers *router.HandlerTable) error {
	started := time.Now()
	for method, handler := range map[string]router.Handler{
		"info": func(context.Context, *router.Call) (any, error) {
			hostname, err := os.Hostname()
			if err != nil {
				return nil, fmt.Errorf("reading hostname: %w", err)
			}
			return map[string]any{
				"version":        version.Version,
				"platform":       runtime.GOOS,
				"arch":           runtime.GOARCH,
				"hostname":       hostname,
				"uptime_seconds": int64(time.Since(started) / time.Second),
			}, nil
		},
		"echo": func(_ context.Context, call *router.Call) (any, error) {
			return call.Params, nil
		},
	} {
		if err := handlers.Register(systemModule, method, handler); err != nil {
			return err
		}
	}
	return nil
}
