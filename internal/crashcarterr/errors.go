// Package crashcarterr defines the error kinds shared by every stage of
// the injection pipeline.
package crashcarterr

import "gopkg.in/src-d/go-errors.v1"

var (
	// ErrResolutionFailure indicates that no runtime matched the given target token.
	ErrResolutionFailure = errors.NewKind("could not resolve target %q: %s")
	// ErrImageInvalid indicates the debug image file is absent, too small, or unreadable.
	ErrImageInvalid = errors.NewKind("invalid debug image %q: %s")
	// ErrLoopExhausted indicates losetup could not find or bind a free loop device.
	ErrLoopExhausted = errors.NewKind("no free loop device available: %s")
	// ErrNamespaceDenied indicates a /proc/<pid>/ns/<t> descriptor could not be
	// opened or entered.
	ErrNamespaceDenied = errors.NewKind("cannot enter %s namespace of pid %d: %s")
	// ErrMountFailed indicates every filesystem-type candidate was rejected, or
	// a tmpfs mount failed.
	ErrMountFailed = errors.NewKind("mount of %s at %s failed: %s")
	// ErrSubprocessFailed indicates an external command exited non-zero.
	ErrSubprocessFailed = errors.NewKind("command %q failed: %s")
)
