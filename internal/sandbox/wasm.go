package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"sort"
	"strings"

	"github.com/starthubhq/runner/internal/ctxlog"
)

// WasmRunner executes wasm modules by spawning wasmtime.
//
// The capability surface is deliberately small: stdio always, outbound HTTP
// only when the action declares a net permission, the declared environment
// variables and nothing else, and no filesystem access.
type WasmRunner struct {
	// WasmtimePath overrides the wasmtime binary; empty means $PATH lookup.
	WasmtimePath string
}

// NewWasmRunner creates a WasmRunner using wasmtime from $PATH.
func NewWasmRunner() *WasmRunner {
	return &WasmRunner{}
}

func (w *WasmRunner) wasmtime() string {
	if w.WasmtimePath != "" {
		return w.WasmtimePath
	}
	return "wasmtime"
}

// wasmArgs builds the wasmtime invocation for a spec.
func wasmArgs(spec Spec) []string {
	var args []string
	if spec.Permissions.AllowsNet("http", "https") {
		args = append(args, "-S", "http")
	}
	// Environment variables cross into the guest only when named explicitly.
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+spec.Env[k])
	}
	args = append(args, spec.Binary)
	return args
}

// Run executes the module to completion and decodes its stdout.
func (w *WasmRunner) Run(ctx context.Context, spec Spec) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	cmd := exec.CommandContext(ctx, w.wasmtime(), wasmArgs(spec)...)
	cmd.Env = envList(spec.Env)

	logger.Debug("Spawning wasm guest.", "module", spec.Binary, "name", spec.Name)
	stdout, stderr, err := runProcess(cmd, spec.Input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if strings.Contains(strings.ToLower(string(stderr)), "trap") {
				return nil, &TrapError{StderrTail: tail(stderr)}
			}
			return nil, &ExitError{Code: exitErr.ExitCode(), StderrTail: tail(stderr)}
		}
		return nil, &StartError{Err: err}
	}

	output, err := decodeOutput(stdout)
	if err != nil {
		return nil, err
	}
	return &Result{Output: output, Stderr: tail(stderr)}, nil
}
