// Package procrunner wraps subprocess invocation behind a small interface
// so the pipeline's decision logic can be exercised without a real Linux
// host or the container-engine CLIs it shells out to.
package procrunner

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Runner executes external commands on behalf of the pipeline.
type Runner interface {
	// Output runs name with args to completion and returns trimmed stdout.
	// Stderr is discarded. A non-zero exit is reported as an error.
	Output(ctx context.Context, name string, args ...string) (string, error)
	// Interactive runs name with args with stdin/stdout/stderr attached to
	// the calling process's own streams and returns the child's exit code.
	// A signalled child reports exit code -1.
	Interactive(ctx context.Context, name string, args ...string) (int, error)
}

// Exec is the production Runner, backed by os/exec.
type Exec struct{}

// New returns the default os/exec-backed Runner.
func New() Runner { return Exec{} }

func (Exec) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "%s %s", name, strings.Join(args, " "))
	}
	return strings.TrimSpace(out.String()), nil
}

func (Exec) Interactive(ctx context.Context, name string, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if exitErr.ProcessState.Exited() {
			return exitErr.ExitCode(), nil
		}
		// killed by signal
		return -1, nil
	}
	return -1, errors.Wrapf(err, "%s %s", name, strings.Join(args, " "))
}
