//go:build linux
// +build linux

// Package mountctl composes image and namespace-entry primitives into the
// two top-level operations that set up and tear down the debug tree inside
// a target's mount namespace.
package mountctl

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ryancnelson/crashcart-ng/internal/crashcarterr"
	"github.com/ryancnelson/crashcart-ng/internal/fixedpath"
	"github.com/ryancnelson/crashcart-ng/internal/image"
	"github.com/ryancnelson/crashcart-ng/internal/nsentry"
	"github.com/ryancnelson/crashcart-ng/internal/procrunner"
)

// fsTypeFallback is the mount-attempt order for a loop-backed image; the
// first filesystem type the kernel accepts wins.
var fsTypeFallback = []string{"ext4", "ext3", "ext2"}

// rcFileContents builds the shell rc file written into the injected tree on
// mount: it prepends the injected tree's own bin dirs to PATH so the tools
// it ships are actually reachable once inside the debug shell, and prints a
// banner announcing the environment is loaded.
func rcFileContents() string {
	injectedPath := strings.Join([]string{
		fixedpath.MountPoint + "/bin",
		fixedpath.MountPoint + "/usr/bin",
		fixedpath.MountPoint + "/sbin",
	}, ":")
	return fmt.Sprintf(`export PATH="%s:$PATH"
export PS1="(crashcart) $PS1"
echo "crashcart debugging environment loaded"
echo "available tools in %s"
`, injectedPath, fixedpath.MountPoint)
}

// Mount sets up the debug tree inside pid's mount namespace. Directory-
// backed images (OCI-sourced, Strategy C) are bind-mounted directly;
// everything else goes through the loop-device path (Strategy A).
// Idempotent: a no-op if /dev/crashcart is already mounted for pid.
func Mount(ctx context.Context, pid uint32, img *image.Image, r procrunner.Runner, sess *nsentry.Session) error {
	mounted, err := isMounted(pid, fixedpath.MountPoint)
	if err != nil {
		return errors.Wrap(err, "checking existing mount state")
	}
	if mounted {
		return nil
	}

	if dir, ok := img.Dir(); ok {
		return mountBindDir(pid, dir, sess)
	}
	return mountLoopBacked(ctx, pid, img, r, sess)
}

func mountLoopBacked(ctx context.Context, pid uint32, img *image.Image, r procrunner.Runner, sess *nsentry.Session) error {
	dev, err := img.BindLoop(ctx, r)
	if err != nil {
		return err
	}

	minor, err := loopMinor(dev)
	if err != nil {
		releaseLoopBestEffort(ctx, img, r)
		return err
	}

	logrus.WithField("plan", fmt.Sprintf("%+v", loopMountPlan(dev))).Debug("mount plan")

	guard, err := sess.Enter(pid, nsentry.Mount)
	if err != nil {
		releaseLoopBestEffort(ctx, img, r)
		return crashcarterr.ErrNamespaceDenied.New(string(nsentry.Mount), pid, err.Error())
	}

	mountErr := sess.Run(func() error {
		return setupLoopTree(minor)
	})

	if relErr := guard.Release(); relErr != nil {
		logrus.WithError(relErr).Warn("failed to restore original mount namespace")
	}

	if mountErr != nil {
		releaseLoopBestEffort(ctx, img, r)
		return mountErr
	}
	return nil
}

func mountBindDir(pid uint32, dir string, sess *nsentry.Session) error {
	logrus.WithField("plan", fmt.Sprintf("%+v", bindMountPlan(dir))).Debug("mount plan")

	guard, err := sess.Enter(pid, nsentry.Mount)
	if err != nil {
		return crashcarterr.ErrNamespaceDenied.New(string(nsentry.Mount), pid, err.Error())
	}
	defer func() {
		if relErr := guard.Release(); relErr != nil {
			logrus.WithError(relErr).Warn("failed to restore original mount namespace")
		}
	}()

	return sess.Run(func() error {
		if err := os.MkdirAll(fixedpath.MountPoint, 0o755); err != nil {
			return errors.Wrap(err, "creating mount point directory")
		}
		if err := unix.Mount(dir, fixedpath.MountPoint, "", unix.MS_BIND, ""); err != nil {
			return errors.Wrap(err, "bind-mounting image directory")
		}
		if err := unix.Mount("", fixedpath.MountPoint, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return errors.Wrap(err, "remounting bind as read-only")
		}
		return nil
	})
}

func setupLoopTree(minor uint32) error {
	if err := os.MkdirAll(fixedpath.MountPoint, 0o755); err != nil {
		return errors.Wrap(err, "creating mount point directory")
	}
	if err := os.MkdirAll(fixedpath.LoopTmpfs, 0o755); err != nil {
		return errors.Wrap(err, "creating loop tmpfs directory")
	}

	tmpfsMounted, err := mountedSelf(fixedpath.LoopTmpfs)
	if err != nil {
		return errors.Wrap(err, "checking loop tmpfs mount state")
	}
	if !tmpfsMounted {
		if err := unix.Mount("tmpfs", fixedpath.LoopTmpfs, "tmpfs", 0, ""); err != nil {
			return crashcarterr.ErrMountFailed.New("tmpfs", fixedpath.LoopTmpfs, err.Error())
		}
	}

	os.Remove(fixedpath.LoopDevice)
	devNum := unix.Mkdev(fixedpath.LoopDeviceMajor, minor)
	if err := unix.Mknod(fixedpath.LoopDevice, unix.S_IFBLK|0o600, int(devNum)); err != nil {
		return errors.Wrapf(err, "creating loop device node %s", fixedpath.LoopDevice)
	}

	if err := mountImageFS(fixedpath.LoopDevice, fixedpath.MountPoint); err != nil {
		return err
	}

	if err := os.WriteFile(fixedpath.RCFile, []byte(rcFileContents()), 0o644); err != nil {
		return errors.Wrap(err, "writing shell rc file")
	}
	return nil
}

func mountImageFS(source, target string) error {
	var lastErr error
	for _, fstype := range fsTypeFallback {
		err := unix.Mount(source, target, fstype, unix.MS_RDONLY, "")
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return crashcarterr.ErrMountFailed.New(strings.Join(fsTypeFallback, "|"), target,
		errors.Wrapf(lastErr, "source %s", source).Error())
}

// Unmount reverses Mount's setup in opposite order. Every intermediate
// step is best-effort: failures are logged as warnings and the remaining
// steps still run, so partial teardown state cannot wedge the host. Loop
// release is always attempted last, whether or not earlier steps failed.
func Unmount(ctx context.Context, pid uint32, img *image.Image, r procrunner.Runner, sess *nsentry.Session) error {
	if dir, ok := img.Dir(); ok {
		return unmountBindDir(pid, dir, sess)
	}
	return unmountLoopBacked(ctx, pid, img, r, sess)
}

func unmountBindDir(pid uint32, _ string, sess *nsentry.Session) error {
	guard, err := sess.Enter(pid, nsentry.Mount)
	if err != nil {
		return crashcarterr.ErrNamespaceDenied.New(string(nsentry.Mount), pid, err.Error())
	}
	defer func() {
		if relErr := guard.Release(); relErr != nil {
			logrus.WithError(relErr).Warn("failed to restore original mount namespace")
		}
	}()

	return sess.Run(func() error {
		if err := unmountIfMounted(fixedpath.MountPoint); err != nil {
			logrus.WithError(err).Warn("failed to unmount debug tree")
		}
		if err := os.Remove(fixedpath.MountPoint); err != nil && !os.IsNotExist(err) {
			logrus.WithError(err).Warn("failed to remove mount point directory")
		}
		return nil
	})
}

func unmountLoopBacked(ctx context.Context, pid uint32, img *image.Image, r procrunner.Runner, sess *nsentry.Session) error {
	guard, err := sess.Enter(pid, nsentry.Mount)
	if err != nil {
		logrus.WithError(err).Warn("failed to enter mount namespace for teardown, attempting loop release anyway")
	} else {
		runErr := sess.Run(func() error {
			if err := unmountIfMounted(fixedpath.MountPoint); err != nil {
				logrus.WithError(err).Warn("failed to unmount debug tree")
			}
			if err := os.Remove(fixedpath.MountPoint); err != nil && !os.IsNotExist(err) {
				logrus.WithError(err).Warn("failed to remove mount point directory")
			}
			if err := unmountIfMounted(fixedpath.LoopTmpfs); err != nil {
				logrus.WithError(err).Warn("failed to unmount loop tmpfs")
			}
			if err := os.Remove(fixedpath.LoopTmpfs); err != nil && !os.IsNotExist(err) {
				logrus.WithError(err).Warn("failed to remove loop tmpfs directory")
			}
			return nil
		})
		if runErr != nil {
			logrus.WithError(runErr).Warn("teardown steps reported an error")
		}
		if relErr := guard.Release(); relErr != nil {
			logrus.WithError(relErr).Warn("failed to restore original mount namespace")
		}
	}

	return img.ReleaseLoop(ctx, r)
}

func unmountIfMounted(path string) error {
	mounted, err := mountedSelf(path)
	if err != nil {
		return err
	}
	if !mounted {
		return nil
	}
	return unix.Unmount(path, 0)
}

func isMounted(pid uint32, path string) (bool, error) {
	return scanMounts(fmt.Sprintf("/proc/%d/mounts", pid), path)
}

func mountedSelf(path string) (bool, error) {
	return scanMounts("/proc/self/mounts", path)
}

func scanMounts(mountsFile, path string) (bool, error) {
	f, err := os.Open(mountsFile)
	if err != nil {
		return false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[1] == path {
			return true, nil
		}
	}
	return false, sc.Err()
}

func loopMinor(dev string) (uint32, error) {
	var st unix.Stat_t
	if err := unix.Stat(dev, &st); err != nil {
		return 0, errors.Wrapf(err, "statting loop device %s", dev)
	}
	return unix.Minor(uint64(st.Rdev)), nil
}

func releaseLoopBestEffort(ctx context.Context, img *image.Image, r procrunner.Runner) {
	if err := img.ReleaseLoop(ctx, r); err != nil {
		logrus.WithError(err).Warn("failed to release loop device after failed mount")
	}
}

func loopMountPlan(dev string) []specs.Mount {
	return []specs.Mount{
		{Destination: fixedpath.LoopTmpfs, Type: "tmpfs", Source: "tmpfs"},
		{Destination: fixedpath.MountPoint, Type: "ext4|ext3|ext2", Source: fixedpath.LoopDevice,
			Options: []string{"ro"}},
	}
}

func bindMountPlan(dir string) []specs.Mount {
	return []specs.Mount{
		{Destination: fixedpath.MountPoint, Type: "bind", Source: dir, Options: []string{"bind", "ro"}},
	}
}
