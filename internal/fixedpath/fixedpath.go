// Package fixedpath holds the compile-time paths the injected tree is
// always addressed by, shared by the mount orchestrator, the exec
// dispatcher and the runtime resolver's default-shell fallback.
package fixedpath

const (
	// MountPoint is where the debug image is made visible inside the
	// target's mount namespace.
	MountPoint = "/dev/crashcart"
	// LoopTmpfs is the tmpfs used to hold the loop device node, since the
	// target's own /dev is not guaranteed to allow mknod.
	LoopTmpfs = "/dev/cc-loop"
	// LoopDevice is the device node for the bound loop device, inside LoopTmpfs.
	LoopDevice = "/dev/cc-loop/crashcart"
	// RCFile is the shell rc file this tool writes into the image root on mount.
	RCFile = MountPoint + "/.crashcartrc"

	// linker and shell paths inside the injected tree, used to build the
	// default interactive-shell argv.
	linker     = MountPoint + "/lib64/ld-linux-x86-64.so.2"
	libPath    = MountPoint + "/lib:" + MountPoint + "/lib64:" + MountPoint + "/usr/lib:" + MountPoint + "/usr/lib64"
	bashBinary = MountPoint + "/usr/bin/bash"

	// LoopDeviceMajor is the kernel major device number shared by every loop device.
	LoopDeviceMajor = 7
)

// DefaultShellArgv returns the canonical argv used to start the debug shell
// when the caller supplied no command: the injected tree's own dynamic
// linker is invoked directly against the injected library path so the
// shell runs correctly even when the target container's libc differs from
// the debug image's.
func DefaultShellArgv() []string {
	return []string{
		linker,
		"--library-path", libPath,
		bashBinary,
		"--rcfile", RCFile,
		"-i",
	}
}
