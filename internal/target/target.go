// Package target resolves a free-form target token into a host PID,
// abstracting over Docker, Podman, containerd and bare PIDs.
package target

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/ryancnelson/crashcart-ng/internal/crashcarterr"
	"github.com/ryancnelson/crashcart-ng/internal/fixedpath"
	"github.com/ryancnelson/crashcart-ng/internal/procrunner"
)

// Kind identifies which engine a Handle refers to.
type Kind int

const (
	KindPid Kind = iota
	KindDocker
	KindPodman
	KindContainerd
)

func (k Kind) String() string {
	switch k {
	case KindPid:
		return "pid"
	case KindDocker:
		return "docker"
	case KindPodman:
		return "podman"
	case KindContainerd:
		return "containerd"
	default:
		return "unknown"
	}
}

// Handle is an immutable, resolved reference to a debugging target.
type Handle struct {
	kind Kind
	id   string // opaque engine id, unused for KindPid
	pid  uint32 // only meaningful for KindPid
}

// Kind returns which engine, if any, produced this handle.
func (h Handle) Kind() Kind { return h.kind }

// ID returns the opaque engine identifier. Empty for KindPid.
func (h Handle) ID() string { return h.id }

// Detect resolves target following spec.md's fixed probe order: raw PID
// first, then docker, podman and containerd inspect probes, in that
// order, first match wins.
func Detect(ctx context.Context, r procrunner.Runner, target string) (*Handle, error) {
	if n, ok := parsePid(target); ok {
		return &Handle{kind: KindPid, pid: n}, nil
	}

	probes := []struct {
		kind Kind
		args []string
	}{
		{KindDocker, []string{"inspect", target}},
		{KindPodman, []string{"inspect", target}},
		{KindContainerd, []string{"container", "info", target}},
	}

	for _, p := range probes {
		bin := p.kind.String()
		if p.kind == KindContainerd {
			bin = "ctr"
		}
		if _, err := r.Output(ctx, bin, p.args...); err == nil {
			return &Handle{kind: p.kind, id: target}, nil
		}
	}

	return nil, crashcarterr.ErrResolutionFailure.New(target, "not found")
}

// parsePid reports whether target is a non-negative decimal integer.
func parsePid(target string) (uint32, bool) {
	if target == "" {
		return 0, false
	}
	for _, c := range target {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(target, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// GetPid resolves a Handle to its host PID.
func GetPid(ctx context.Context, r procrunner.Runner, h *Handle) (uint32, error) {
	switch h.kind {
	case KindPid:
		return h.pid, nil
	case KindDocker, KindPodman:
		return getPidViaInspect(ctx, r, h)
	case KindContainerd:
		return getPidViaCtrTaskList(ctx, r, h.id)
	default:
		return 0, errors.Errorf("unknown target kind %v", h.kind)
	}
}

// getPidViaInspect retries the inspect probe through a short bounded
// exponential backoff: immediately after container creation the daemon
// can still be materializing State.Pid and the first inspect can race it.
func getPidViaInspect(ctx context.Context, r procrunner.Runner, h *Handle) (uint32, error) {
	bin := h.kind.String()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 1 * time.Second
	boCtx := backoff.WithMaxRetries(bo, 2)

	var out string
	err := backoff.Retry(func() error {
		var err error
		out, err = r.Output(ctx, bin, "inspect", "--format", "{{.State.Pid}}", h.id)
		return err
	}, boCtx)
	if err != nil {
		return 0, crashcarterr.ErrSubprocessFailed.New(bin+" inspect", err.Error())
	}

	n, err := strconv.ParseUint(strings.TrimSpace(out), 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s pid output %q", bin, out)
	}
	return uint32(n), nil
}

type ctrTask struct {
	ID  string `json:"ID"`
	Pid uint32 `json:"Pid"`
}

func getPidViaCtrTaskList(ctx context.Context, r procrunner.Runner, idPrefix string) (uint32, error) {
	out, err := r.Output(ctx, "ctr", "task", "list", "--format", "json")
	if err != nil {
		return 0, crashcarterr.ErrSubprocessFailed.New("ctr task list", err.Error())
	}

	var tasks []ctrTask
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		return 0, errors.Wrap(err, "parsing ctr task list output")
	}

	for _, t := range tasks {
		if strings.HasPrefix(t.ID, idPrefix) {
			return t.Pid, nil
		}
	}
	return 0, errors.Errorf("no such task: %q", idPrefix)
}

// Exec runs cmd inside the target via its runtime's own exec channel. An
// empty cmd substitutes the default interactive debug shell. Raw PID
// targets have no runtime exec channel; callers must fall back to the
// namespace-based exec dispatcher instead.
func Exec(ctx context.Context, r procrunner.Runner, h *Handle, cmd []string) (int, error) {
	if h.kind == KindPid {
		return 0, errors.New("raw PID has no runtime exec channel")
	}
	if len(cmd) == 0 {
		cmd = fixedpath.DefaultShellArgv()
	}

	var args []string
	switch h.kind {
	case KindDocker, KindPodman:
		args = append([]string{"exec", "-it", h.id}, cmd...)
		return r.Interactive(ctx, h.kind.String(), args...)
	case KindContainerd:
		pid, err := GetPid(ctx, r, h)
		if err != nil {
			return 0, err
		}
		execID := fmt.Sprintf("crashcart-%d", pid)
		args = append([]string{"task", "exec", "--exec-id", execID, h.id}, cmd...)
		return r.Interactive(ctx, "ctr", args...)
	default:
		return 0, errors.Errorf("unknown target kind %v", h.kind)
	}
}
