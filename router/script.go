// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/geilt/tairseach-sub001/manifest"
)

// scriptWaitDelay bounds how long a killed script's output pipes may
// stay open, in case it left children holding them.
const scriptWaitDelay = 2 * time.Second

// maxStderrDetail bounds the stderr excerpt in a DispatchError.
const maxStderrDetail = 4 << 10

// safeEnvironment lists the broker environment variables passed
// through to scripts. Everything else, including any credentials in
// the broker's own environment, is withheld.
var safeEnvironment = []string{
	"PATH",
	"HOME",
	"USER",
	"LANG",
	"LC_ALL",
	"TZ",
	"TERM",
	"TMPDIR",
}

// sanitizedEnvironment returns the safe subset of the broker's
// environment.
func sanitizedEnvironment() []string {
	var env []string
	for _, name := range safeEnvironment {
		if value := os.Getenv(name); value != "" {
			env = append(env, name+"="+value)
		}
	}
	return env
}

// dispatchScript runs the script bound to the tool and returns its
// output.
func (r *Router) dispatchScript(ctx context.Context, call *dispatchCall, script *manifest.Script) (any, error) {
	binding := script.ToolBindings[call.tool.Name]
	values := call.bindings(nil)

	entrypoint := resolveEntrypoint(script, call.manifest.Path)

	var name string
	var args []string
	if script.Runtime != "" {
		name = script.Runtime
		args = append(args, entrypoint)
	} else {
		name = entrypoint
	}
	for _, arg := range binding.Args {
		args = append(args, values.expand(arg, nil))
	}

	command := exec.CommandContext(ctx, name, args...)
	command.WaitDelay = scriptWaitDelay
	if call.manifest.Path != "" {
		command.Dir = filepath.Dir(call.manifest.Path)
	}
	command.Env = scriptEnvironment(r.scriptEnv, script.Env, binding.Env, values, call.method)

	if binding.InputMode == manifest.ModeJSON {
		input := call.rawParams
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		command.Stdin = bytes.NewReader(input)
	}

	stdout := &limitedBuffer{limit: r.maxOutput}
	stderr := &tailBuffer{limit: maxStderrDetail}
	command.Stdout = stdout
	command.Stderr = stderr

	start := time.Now()
	err := command.Run()
	r.logger.Debug("script finished",
		"method", call.method,
		"program", name,
		"duration", time.Since(start),
		"error", err,
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return nil, &DispatchError{
				Kind:     DispatchExit,
				Method:   call.method,
				ExitCode: exitError.ExitCode(),
				Detail:   tail(stderr.String(), maxStderrDetail),
			}
		}
		return nil, &DispatchError{Kind: DispatchSpawn, Method: call.method, Err: err}
	}
	if stdout.overflow {
		return nil, &DispatchError{
			Kind:   DispatchHandler,
			Method: call.method,
			Err:    fmt.Errorf("script output exceeds %d bytes", r.maxOutput),
		}
	}

	if binding.OutputMode == manifest.ModeJSON {
		if len(bytes.TrimSpace(stdout.buffer.Bytes())) == 0 {
			return nil, nil
		}
		document, err := decodeDocument(stdout.buffer.Bytes())
		if err != nil {
			return nil, &DispatchError{
				Kind:   DispatchHandler,
				Method: call.method,
				Err:    fmt.Errorf("script output is not JSON: %w", err),
				Detail: tail(stdout.buffer.String(), maxStderrDetail),
			}
		}
		return document, nil
	}
	if binding.OutputMode == manifest.ModeNone {
		return nil, nil
	}
	return stdout.buffer.String(), nil
}

// resolveEntrypoint makes a relative entrypoint relative to the
// manifest file. A bare program name run without a runtime ("gh") is
// left for PATH lookup.
func resolveEntrypoint(script *manifest.Script, manifestPath string) string {
	entrypoint := script.Entrypoint
	if filepath.IsAbs(entrypoint) || manifestPath == "" {
		return entrypoint
	}
	if script.Runtime == "" && !strings.ContainsRune(entrypoint, filepath.Separator) {
		return entrypoint
	}
	return filepath.Join(filepath.Dir(manifestPath), entrypoint)
}

// scriptEnvironment layers the manifest and binding env templates,
// expanded against the call, over the sanitized base environment.
// Later layers win.
func scriptEnvironment(base []string, manifestEnv, bindingEnv map[string]string, values *bindings, method string) []string {
	env := slices.Clone(base)
	set := make(map[string]string)
	for _, layer := range []map[string]string{manifestEnv, bindingEnv} {
		for name, template := range layer {
			set[name] = values.expand(template, nil)
		}
	}
	set["TAIRSEACH_METHOD"] = method
	for _, name := range slices.Sorted(maps.Keys(set)) {
		env = append(env, name+"="+set[name])
	}
	return env
}

// tail returns the last limit bytes of text.
func tail(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return "..." + text[len(text)-limit:]
}

// limitedBuffer keeps the first limit bytes written to it and discards
// the rest, noting the overflow. Writes always succeed so the script
// is not killed by a closed pipe.
type limitedBuffer struct {
	buffer   bytes.Buffer
	limit    int64
	overflow bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.limit - int64(b.buffer.Len())
	if int64(len(p)) > room {
		b.overflow = true
		b.buffer.Write(p[:max(room, 0)])
		return len(p), nil
	}
	return b.buffer.Write(p)
}

// tailBuffer keeps the last limit bytes written to it, plus one more
// once it has dropped anything so tail still marks the cut.
type tailBuffer struct {
	data  []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	if len(b.data) > 2*b.limit {
		b.data = append(b.data[:0], b.data[len(b.data)-b.limit-1:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.data) }
