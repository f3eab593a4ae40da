// Package image implements the Image Handle: validation of the debug
// image file and lifecycle management of its loop-device binding.
package image

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ryancnelson/crashcart-ng/internal/crashcarterr"
	"github.com/ryancnelson/crashcart-ng/internal/procrunner"
)

const (
	minImageSize  = 1024
	magicOffset   = 1080
	magicByte1    = 0x53
	magicByte2    = 0xEF
)

// Kind is the result of classifying an image's byte stream.
type Kind int

const (
	// KindTentative means verification succeeded without identifying a
	// filesystem; the actual mount step determines usability (e.g. the
	// image could be a tar/gz payload instead of a raw filesystem).
	KindTentative Kind = iota
	// KindExt means the ext2/3/4 superblock magic was found.
	KindExt
)

// Image owns an absolute path to a debug image file and, once bound,
// the loop device backing it. The loop-device slot is non-empty iff a
// kernel loop binding is live; it is only ever mutated by BindLoop,
// ReleaseLoop and FindBoundLoop so the invariant holds regardless of how
// many places hold a pointer to the same Image.
type Image struct {
	path string

	// dir, when non-empty, means this image resolved to an already
	// unpacked directory tree (an OCI-sourced debug image with no single
	// regular file at its conventional path) rather than a file to be
	// loop-mounted. See ResolveOCI.
	dir string

	loopDevice string
}

// Open validates that path exists and returns a handle to it. Stat
// failure is fatal, per spec.
func Open(path string) (*Image, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, crashcarterr.ErrImageInvalid.New(path, err.Error())
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, crashcarterr.ErrImageInvalid.New(path, err.Error())
	}
	return &Image{path: abs}, nil
}

// Path returns the absolute path to the backing file.
func (img *Image) Path() string { return img.path }

// Dir reports whether this image is directory-backed (an unpacked OCI
// image with no single-file payload) and, if so, returns that directory.
func (img *Image) Dir() (string, bool) {
	return img.dir, img.dir != ""
}

// LoopDevice returns the currently bound loop device path, if any.
func (img *Image) LoopDevice() (string, bool) {
	return img.loopDevice, img.loopDevice != ""
}

// Verify opens the file read-only and classifies its contents. Directory-
// backed images always verify as tentative since there is no backing
// file to inspect.
func (img *Image) Verify() (Kind, error) {
	if img.dir != "" {
		return KindTentative, nil
	}

	f, err := os.Open(img.path)
	if err != nil {
		return 0, crashcarterr.ErrImageInvalid.New(img.path, err.Error())
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, crashcarterr.ErrImageInvalid.New(img.path, err.Error())
	}
	if info.Size() < minImageSize {
		return 0, crashcarterr.ErrImageInvalid.New(img.path, "file size "+
			units.BytesSize(float64(info.Size()))+" is below the minimum of "+
			units.BytesSize(float64(minImageSize)))
	}

	magic := make([]byte, 2)
	if _, err := f.ReadAt(magic, magicOffset); err != nil {
		// Shorter than magicOffset+2 but still >= minImageSize: tentative,
		// not necessarily an ext filesystem.
		return KindTentative, nil
	}

	if magic[0] == magicByte1 && magic[1] == magicByte2 {
		return KindExt, nil
	}
	return KindTentative, nil
}

// BindLoop reserves a free loop device and binds it to the image file.
// Subsequent calls return the cached device without re-binding.
func (img *Image) BindLoop(ctx context.Context, r procrunner.Runner) (string, error) {
	if img.loopDevice != "" {
		return img.loopDevice, nil
	}
	if img.dir != "" {
		return "", errors.New("directory-backed image has no loop device")
	}

	dev, err := r.Output(ctx, "losetup", "-f")
	if err != nil || strings.TrimSpace(dev) == "" {
		msg := "losetup -f returned no free device"
		if err != nil {
			msg = err.Error()
		}
		return "", crashcarterr.ErrLoopExhausted.New(msg)
	}
	dev = strings.TrimSpace(dev)

	if _, err := r.Output(ctx, "losetup", dev, img.path); err != nil {
		return "", crashcarterr.ErrLoopExhausted.New(err.Error())
	}

	img.loopDevice = dev
	return dev, nil
}

// FindBoundLoop looks up an existing loop-device binding for this image's
// backing file via `losetup -j`, and caches it in the handle's slot if
// found. Used to recover a binding made by a previous invocation, since
// no state is persisted across runs; returns "" without error if nothing
// is currently bound.
func (img *Image) FindBoundLoop(ctx context.Context, r procrunner.Runner) (string, error) {
	if img.loopDevice != "" {
		return img.loopDevice, nil
	}
	if img.dir != "" {
		return "", errors.New("directory-backed image has no loop device")
	}

	out, err := r.Output(ctx, "losetup", "-j", img.path)
	if err != nil {
		return "", crashcarterr.ErrLoopExhausted.New(err.Error())
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", nil
	}

	dev := strings.SplitN(out, ":", 2)[0]
	if dev == "" {
		return "", nil
	}
	img.loopDevice = dev
	return dev, nil
}

// ReleaseLoop releases the loop-device binding if one is live. Safe to
// call when nothing is bound. Per spec this must run outside any still-
// active mount-namespace guard, since the binding lives on the host.
func (img *Image) ReleaseLoop(ctx context.Context, r procrunner.Runner) error {
	if img.loopDevice == "" {
		return nil
	}
	dev := img.loopDevice
	img.loopDevice = ""

	if _, err := r.Output(ctx, "losetup", "-d", dev); err != nil {
		logrus.WithError(err).WithField("device", dev).
			Warn("failed to release loop device; it will outlive this process")
		return errors.Wrapf(err, "releasing loop device %s", dev)
	}
	return nil
}
