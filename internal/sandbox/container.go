package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/starthubhq/runner/internal/ctxlog"
)

// ContainerRunner executes container images through the local daemon's CLI.
// Containers are one-shot: created, run to completion, and removed.
type ContainerRunner struct {
	// DockerPath overrides the docker binary; empty means $PATH lookup.
	DockerPath string
}

// NewContainerRunner creates a ContainerRunner using docker from $PATH.
func NewContainerRunner() *ContainerRunner {
	return &ContainerRunner{}
}

func (c *ContainerRunner) docker() string {
	if c.DockerPath != "" {
		return c.DockerPath
	}
	return "docker"
}

// Pull fetches an image through the daemon. It satisfies the artifact
// store's Puller interface.
func (c *ContainerRunner) Pull(ctx context.Context, image string) error {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Pulling image.", "image", image)

	cmd := exec.CommandContext(ctx, c.docker(), "pull", image)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if daemonErr := classifyDaemonError(err, stderr.Bytes()); daemonErr != nil {
			return daemonErr
		}
		return &PullError{Image: image, StderrTail: tail(stderr.Bytes())}
	}
	return nil
}

// networkMode maps declared permissions onto the container network: none by
// default, bridge when a net protocol is declared, host only when named
// explicitly.
func networkMode(spec Spec) string {
	switch {
	case spec.Permissions.AllowsNet("host"):
		return "host"
	case spec.Permissions != nil && len(spec.Permissions.Net) > 0:
		return "bridge"
	default:
		return "none"
	}
}

// containerArgs builds the docker run invocation for a spec.
func containerArgs(spec Spec) []string {
	args := []string{"run", "--rm", "-i", "--name", spec.Name, "--network", networkMode(spec)}

	for _, m := range spec.Mounts {
		mount := m.Source + ":" + m.Target
		if m.ReadOnly {
			mount += ":ro"
		}
		args = append(args, "-v", mount)
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	args = append(args, spec.Binary)
	args = append(args, spec.Args...)
	return args
}

// Run executes the image to completion and decodes its stdout.
func (c *ContainerRunner) Run(ctx context.Context, spec Spec) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	cmd := exec.CommandContext(ctx, c.docker(), containerArgs(spec)...)

	logger.Debug("Spawning container guest.", "image", spec.Binary, "name", spec.Name)
	stdout, stderr, err := runProcess(cmd, spec.Input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if daemonErr := classifyDaemonError(err, stderr); daemonErr != nil {
			return nil, daemonErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
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

// classifyDaemonError recognises the two shapes of an unusable daemon: the
// CLI missing from $PATH and the daemon socket being unreachable.
func classifyDaemonError(err error, stderr []byte) error {
	if errors.Is(err, exec.ErrNotFound) {
		return &DaemonUnavailableError{Err: fmt.Errorf("docker not found on PATH")}
	}
	if strings.Contains(string(stderr), "Cannot connect to the Docker daemon") {
		return &DaemonUnavailableError{Err: fmt.Errorf("daemon is not running")}
	}
	return nil
}
