//go:build linux
// +build linux

// Package nsentry implements namespace entry: opening /proc/<pid>/ns/<type>
// descriptors, comparing them against the caller's own, and attaching via
// setns. Every attach happens on a dedicated, permanently locked OS thread
// so that subsequent syscalls (mount, mknod) observe the joined namespace.
package nsentry

import (
	"fmt"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// NsType is a Linux namespace kind as named under /proc/<pid>/ns/.
type NsType string

const (
	Mount   NsType = "mnt"
	UTS     NsType = "uts"
	IPC     NsType = "ipc"
	Net     NsType = "net"
	PID     NsType = "pid"
	Cgroup  NsType = "cgroup"
	User    NsType = "user"
)

// enterOrder is the sequence EnterAll walks, matching the order namespaces
// must be joined so that later ones (pid, cgroup) still see a consistent
// mount tree from earlier ones.
var enterOrder = []NsType{Mount, UTS, IPC, Net, PID, Cgroup}

func cloneFlag(t NsType) int {
	switch t {
	case Mount:
		return unix.CLONE_NEWNS
	case UTS:
		return unix.CLONE_NEWUTS
	case IPC:
		return unix.CLONE_NEWIPC
	case Net:
		return unix.CLONE_NEWNET
	case PID:
		return unix.CLONE_NEWPID
	case Cgroup:
		return unix.CLONE_NEWCGROUP
	case User:
		return unix.CLONE_NEWUSER
	default:
		return 0
	}
}

// Guard reattaches the caller to its original namespace on Release. A
// Guard with no original descriptor means entry found the caller already
// co-namespaced with the target; Release is then a no-op.
type Guard struct {
	nsType   NsType
	original *os.File
	sess     *Session
}

// Release reattaches to the namespace held at construction time, if any.
// It must run on the same Session the Guard was created from so the
// reattach happens on the same locked OS thread as the original entry.
func (g *Guard) Release() error {
	if g == nil || g.original == nil {
		return nil
	}
	orig := g.original
	g.original = nil
	return g.sess.Run(func() error {
		defer orig.Close()
		return unix.Setns(int(orig.Fd()), cloneFlag(g.nsType))
	})
}

// Session owns one OS thread, locked for its entire lifetime, on which all
// namespace entry and follow-on in-namespace work must run. Go's scheduler
// may otherwise move a goroutine between OS threads mid-sequence, silently
// detaching it from a namespace it just joined.
type Session struct {
	work chan func()
	done chan struct{}
}

// NewSession starts the dedicated thread. Close must be called to release
// it; the underlying OS thread is destroyed when the goroutine returns
// because it is never unlocked.
func NewSession() *Session {
	s := &Session{work: make(chan func()), done: make(chan struct{})}
	go func() {
		runtime.LockOSThread()
		defer close(s.done)
		for fn := range s.work {
			fn()
		}
	}()
	return s
}

// Run executes fn on the session's locked thread and waits for it to
// finish. Safe to call repeatedly for a sequence of dependent operations
// (enter namespace, then mount, then mknod, ...).
func (s *Session) Run(fn func() error) error {
	errCh := make(chan error, 1)
	s.work <- func() { errCh <- fn() }
	return <-errCh
}

// Close stops accepting work and lets the dedicated thread exit. The
// Session must not be used afterward.
func (s *Session) Close() {
	close(s.work)
	<-s.done
}

// Enter joins the target's namespace of type t, returning a Guard that
// restores the caller's original namespace on Release. Must run on the
// Session it was created against for the join to affect the thread that
// performs later in-namespace work.
func (s *Session) Enter(pid uint32, t NsType) (*Guard, error) {
	var g *Guard
	err := s.Run(func() error {
		self, err := os.Open(fmt.Sprintf("/proc/self/ns/%s", t))
		if err != nil {
			return fmt.Errorf("opening own %s namespace: %w", t, err)
		}

		target, err := os.Open(fmt.Sprintf("/proc/%d/ns/%s", pid, t))
		if err != nil {
			self.Close()
			return fmt.Errorf("opening target %s namespace: %w", t, err)
		}
		defer target.Close()

		same, err := sameNamespace(self, target)
		if err != nil {
			self.Close()
			return fmt.Errorf("comparing %s namespaces: %w", t, err)
		}
		if same {
			self.Close()
			g = &Guard{nsType: t, sess: s}
			return nil
		}

		if err := unix.Setns(int(target.Fd()), cloneFlag(t)); err != nil {
			self.Close()
			return fmt.Errorf("setns %s: %w", t, err)
		}

		if t == User {
			if err := resetCredentials(); err != nil {
				// The namespace join itself succeeded; surface the guard so
				// the caller can still release it on the failure path.
				g = &Guard{nsType: t, original: self, sess: s}
				return fmt.Errorf("resetting credentials after user namespace entry: %w", err)
			}
		}

		g = &Guard{nsType: t, original: self, sess: s}
		return nil
	})
	return g, err
}

// EnterAll joins mnt, uts, ipc, net, pid and cgroup namespaces in that
// order. A failed entry for any one namespace is logged and an empty
// guard is substituted so the walk continues: kernels vary in which
// namespace descriptors they expose for a given target.
func (s *Session) EnterAll(pid uint32) []*Guard {
	guards := make([]*Guard, 0, len(enterOrder))
	for _, t := range enterOrder {
		g, err := s.Enter(pid, t)
		if err != nil {
			logrus.WithError(err).WithField("namespace", string(t)).
				Warn("failed to enter namespace, continuing with remaining namespaces")
			g = &Guard{nsType: t, sess: s}
		}
		guards = append(guards, g)
	}
	return guards
}

func sameNamespace(a, b *os.File) (bool, error) {
	fa, err := a.Stat()
	if err != nil {
		return false, err
	}
	fb, err := b.Stat()
	if err != nil {
		return false, err
	}
	return os.SameFile(fa, fb), nil
}

func resetCredentials() error {
	if err := unix.Setresgid(0, 0, 0); err != nil {
		return fmt.Errorf("setresgid: %w", err)
	}
	if err := unix.Setresuid(0, 0, 0); err != nil {
		return fmt.Errorf("setresuid: %w", err)
	}
	return nil
}
