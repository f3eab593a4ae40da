package execdispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubNsenter writes a shell script named nsenter onto a temp PATH that
// echoes its own argv and environment so the dispatcher's invocation can
// be inspected without a real kernel-level nsenter.
func stubNsenter(t *testing.T, body string) func() {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("nsenter stub requires a POSIX shell environment")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "nsenter")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+body), 0o755))

	oldPath := os.Getenv("PATH")
	os.Setenv("PATH", dir+string(os.PathListSeparator)+oldPath)
	return func() { os.Setenv("PATH", oldPath) }
}

func TestExecInNamespacesBuildsExpectedArgv(t *testing.T) {
	dir := t.TempDir()
	recorded := filepath.Join(dir, "argv")
	restore := stubNsenter(t, fmt.Sprintf(`printf '%%s\n' "$@" > %q
exit 0
`, recorded))
	defer restore()

	code, err := ExecInNamespaces(context.Background(), 4242, []string{"bash"}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	data, err := os.ReadFile(recorded)
	require.NoError(t, err)
	require.Contains(t, string(data), "-t\n4242\n-m\n-u\n-i\n-n\n-p\n--\nbash\n")
}

func TestExecInNamespacesDefaultsToShellArgv(t *testing.T) {
	dir := t.TempDir()
	recorded := filepath.Join(dir, "argv")
	restore := stubNsenter(t, fmt.Sprintf(`printf '%%s\n' "$@" > %q
exit 0
`, recorded))
	defer restore()

	_, err := ExecInNamespaces(context.Background(), 1, nil, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(recorded)
	require.NoError(t, err)
	require.Contains(t, string(data), "--rcfile")
	require.Contains(t, string(data), "/dev/crashcart/.crashcartrc")
}

func TestExecInNamespacesExportsEnvPairToChildOnly(t *testing.T) {
	dir := t.TempDir()
	recorded := filepath.Join(dir, "env")
	restore := stubNsenter(t, fmt.Sprintf(`printf '%%s' "$CRASHCART_TOKEN" > %q
exit 0
`, recorded))
	defer restore()

	require.Empty(t, os.Getenv("CRASHCART_TOKEN"))

	_, err := ExecInNamespaces(context.Background(), 1, []string{"true"}, &EnvPair{Name: "CRASHCART_TOKEN", Value: "secret"})
	require.NoError(t, err)

	data, err := os.ReadFile(recorded)
	require.NoError(t, err)
	require.Equal(t, "secret", string(data))
	require.Empty(t, os.Getenv("CRASHCART_TOKEN"), "env pair must not leak into this process's own environment")
}

func TestExecInNamespacesPropagatesExitCode(t *testing.T) {
	restore := stubNsenter(t, "exit 7\n")
	defer restore()

	code, err := ExecInNamespaces(context.Background(), 1, []string{"false"}, nil)
	require.NoError(t, err)
	require.Equal(t, 7, code)
}
