package target

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeRunner records every invocation and answers with scripted results,
// keyed by "name arg0 arg1...". Unlisted commands fail, mirroring
// "absent binary" from spec.md's probe semantics.
type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: map[string]string{}, errs: map[string]error{}}
}

func key(name string, args ...string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

func (f *fakeRunner) Output(_ context.Context, name string, args ...string) (string, error) {
	k := key(name, args...)
	f.calls = append(f.calls, k)
	if err, ok := f.errs[k]; ok {
		return "", err
	}
	if out, ok := f.outputs[k]; ok {
		return out, nil
	}
	return "", errors.Errorf("command not found: %s", name)
}

func (f *fakeRunner) Interactive(_ context.Context, name string, args ...string) (int, error) {
	f.calls = append(f.calls, key(name, args...))
	return 0, nil
}

func TestDetectRawPidSkipsSubprocesses(t *testing.T) {
	r := newFakeRunner()
	h, err := Detect(context.Background(), r, "12345")
	require.NoError(t, err)
	require.Equal(t, KindPid, h.Kind())

	pid, err := GetPid(context.Background(), r, h)
	require.NoError(t, err)
	require.EqualValues(t, 12345, pid)
	require.Empty(t, r.calls, "resolving a raw PID must not spawn any subprocess")
}

func TestDetectNotFound(t *testing.T) {
	r := newFakeRunner()
	_, err := Detect(context.Background(), r, "does-not-exist")
	require.Error(t, err)
	require.Contains(t, err.Error(), "does-not-exist")
}

func TestDetectProbeOrder(t *testing.T) {
	r := newFakeRunner()
	r.outputs[key("podman", "inspect", "mycontainer")] = "[{}]"

	h, err := Detect(context.Background(), r, "mycontainer")
	require.NoError(t, err)
	require.Equal(t, KindPodman, h.Kind())

	// docker must have been probed (and failed) before podman succeeded.
	require.Equal(t, []string{
		"docker inspect mycontainer",
		"podman inspect mycontainer",
	}, r.calls)
}

func TestGetPidViaInspect(t *testing.T) {
	r := newFakeRunner()
	r.outputs[key("docker", "inspect", "mycontainer")] = "[{}]"
	r.outputs[key("docker", "inspect", "--format", "{{.State.Pid}}", "mycontainer")] = "4242\n"

	h, err := Detect(context.Background(), r, "mycontainer")
	require.NoError(t, err)

	pid, err := GetPid(context.Background(), r, h)
	require.NoError(t, err)
	require.EqualValues(t, 4242, pid)
}

func TestGetPidViaContainerdTaskList(t *testing.T) {
	r := newFakeRunner()
	r.outputs[key("ctr", "container", "info", "abc123")] = "{}"
	r.outputs[key("ctr", "task", "list", "--format", "json")] = `[
		{"ID":"other","Pid":1},
		{"ID":"abc123def","Pid":999}
	]`

	h, err := Detect(context.Background(), r, "abc123")
	require.NoError(t, err)
	require.Equal(t, KindContainerd, h.Kind())

	pid, err := GetPid(context.Background(), r, h)
	require.NoError(t, err)
	require.EqualValues(t, 999, pid)
}

func TestExecRejectsRawPid(t *testing.T) {
	r := newFakeRunner()
	h, err := Detect(context.Background(), r, "1")
	require.NoError(t, err)

	_, err = Exec(context.Background(), r, h, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no runtime exec channel")
}
