// Package execdispatch runs a command inside all of a target's namespaces
// via nsenter, the final stage of a typical invocation once the debug
// tree has been mounted.
package execdispatch

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ryancnelson/crashcart-ng/internal/fixedpath"
)

// EnvPair is a single environment variable exported to the dispatched
// child process only; it is never set in this tool's own environment.
type EnvPair struct {
	Name  string
	Value string
}

// ExecInNamespaces runs cmd inside pid's mount, uts, ipc, net and pid
// namespaces via nsenter. An empty cmd substitutes the default debug
// shell argv. The child's exit code is propagated verbatim; a signalled
// child reports -1.
func ExecInNamespaces(ctx context.Context, pid uint32, cmd []string, env *EnvPair) (int, error) {
	if len(cmd) == 0 {
		cmd = fixedpath.DefaultShellArgv()
	}

	args := append([]string{
		"-t", strconv.FormatUint(uint64(pid), 10),
		"-m", "-u", "-i", "-n", "-p", "--",
	}, cmd...)

	c := exec.CommandContext(ctx, "nsenter", args...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Env = os.Environ()
	if env != nil {
		c.Env = append(c.Env, env.Name+"="+env.Value)
	}

	err := c.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if exitErr.ProcessState.Exited() {
			return exitErr.ExitCode(), nil
		}
		return -1, nil
	}
	return -1, errors.Wrapf(err, "nsenter %s", strings.Join(args, " "))
}
