// Command crashcart injects a debug image into a running container or
// bare process and drops into a shell (or runs a command) inside its
// namespaces.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	flags "github.com/jessevdk/go-flags"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"

	"github.com/ryancnelson/crashcart-ng/internal/execdispatch"
	"github.com/ryancnelson/crashcart-ng/internal/fixedpath"
	"github.com/ryancnelson/crashcart-ng/internal/image"
	"github.com/ryancnelson/crashcart-ng/internal/logging"
	"github.com/ryancnelson/crashcart-ng/internal/mountctl"
	"github.com/ryancnelson/crashcart-ng/internal/nsentry"
	"github.com/ryancnelson/crashcart-ng/internal/procrunner"
	"github.com/ryancnelson/crashcart-ng/internal/target"
	"github.com/ryancnelson/crashcart-ng/internal/tracing"
)

type options struct {
	Image       string `short:"i" long:"image" default:"crashcart.img" description:"path to debug image, or an OCI reference such as docker://host/repo:tag"`
	MountOnly   bool   `short:"m" long:"mount-only" description:"perform mount, do not exec, do not unmount"`
	Unmount     bool   `short:"u" long:"unmount" description:"skip mount, perform only unmount"`
	RuntimeExec bool   `short:"e" long:"exec" description:"use runtime exec instead of namespace-based exec"`
	Verbose     bool   `short:"v" long:"verbose" description:"enable debug-level logs"`
	CacheDir    string `long:"cache-dir" default:"/var/cache/crashcart" description:"cache root for unpacked OCI debug images"`

	Args struct {
		Target  string   `positional-arg-name:"target" description:"container id, name, or PID"`
		Command []string `positional-arg-name:"command" description:"command to run in target; empty means interactive shell"`
	} `positional-args:"yes"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Name = "crashcart"
	parser.Usage = "[OPTIONS] <target> [command...]"

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return 0
		}
		return 1
	}
	if opts.Args.Target == "" {
		fmt.Fprintln(os.Stderr, "crashcart: a target (container id, name, or pid) is required")
		return 1
	}

	log := (&logging.Factory{Verbose: opts.Verbose, SessionID: logging.NewSessionID()}).Apply()

	var err error
	ctx, finish := tracing.Stage(context.Background(), "crashcart.invocation")
	defer finish(&err)

	code, err := pipeline(ctx, log, opts)
	if err != nil {
		log.WithError(err).Error("crashcart failed")
		return 1
	}
	return code
}

func pipeline(ctx context.Context, log *logrus.Entry, opts options) (int, error) {
	r := procrunner.New()

	resolveCtx, resolveDone := tracing.Stage(ctx, "resolve")
	handle, err := target.Detect(resolveCtx, r, opts.Args.Target)
	resolveDone(&err)
	if err != nil {
		return 0, err
	}

	pid, err := target.GetPid(ctx, r, handle)
	if err != nil {
		return 0, err
	}
	log.WithField("pid", pid).WithField("kind", handle.Kind().String()).Info("resolved target")

	img, err := resolveImage(ctx, opts.Image, opts.CacheDir)
	if err != nil {
		return 0, err
	}

	if opts.Verbose {
		printPlan(opts, img)
	}

	sess := nsentry.NewSession()
	defer sess.Close()

	if opts.Unmount {
		if _, dirBacked := img.Dir(); !dirBacked {
			if _, err := img.FindBoundLoop(ctx, r); err != nil {
				log.WithError(err).Warn("failed to look up existing loop binding")
			}
		}
		err := withSpinner(opts.Verbose, "Unmounting debug tree", func() error {
			return mountctl.Unmount(ctx, pid, img, r, sess)
		})
		return 0, err
	}

	if _, err := img.Verify(); err != nil {
		return 0, err
	}

	if err := withSpinner(opts.Verbose, "Mounting debug tree", func() error {
		return mountctl.Mount(ctx, pid, img, r, sess)
	}); err != nil {
		return 0, err
	}

	if opts.MountOnly {
		return 0, nil
	}

	exitCode, execErr := dispatchExec(ctx, r, handle, pid, opts)
	if unmountErr := mountctl.Unmount(ctx, pid, img, r, sess); unmountErr != nil {
		log.WithError(unmountErr).Warn("unmount after exec reported an error")
	}
	return exitCode, execErr
}

func resolveImage(ctx context.Context, ref, cacheDir string) (*image.Image, error) {
	if strings.Contains(ref, "://") {
		return image.ResolveOCI(ctx, ref, cacheDir)
	}
	return image.Open(ref)
}

func dispatchExec(ctx context.Context, r procrunner.Runner, h *target.Handle, pid uint32, opts options) (int, error) {
	if opts.RuntimeExec && h.Kind() != target.KindPid {
		return target.Exec(ctx, r, h, opts.Args.Command)
	}
	return execdispatch.ExecInNamespaces(ctx, pid, opts.Args.Command, nil)
}

func printPlan(opts options, img *image.Image) {
	banner := color.New(color.FgCyan, color.Bold).Sprint("crashcart")
	fmt.Fprintf(os.Stderr, "%s debug injector\n", banner)

	table := tablewriter.NewWriter(os.Stderr)
	table.SetHeader([]string{"step", "detail"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{"target", opts.Args.Target})
	table.Append([]string{"image", opts.Image})
	if dir, ok := img.Dir(); ok {
		table.Append([]string{"strategy", "bind-mount (" + dir + ")"})
	} else {
		table.Append([]string{"strategy", "loop device, ext4/ext3/ext2"})
	}
	table.Append([]string{"mount point", fixedpath.MountPoint})
	table.Render()
}

func withSpinner(verbose bool, label string, fn func() error) error {
	if !verbose || !isatty.IsTerminal(os.Stderr.Fd()) {
		return fn()
	}

	fmt.Fprintf(os.Stderr, "%s... ", label)
	s := spinner.New(spinner.CharSets[9], 100*time.Millisecond)
	s.Writer = os.Stderr
	s.Start()
	err := fn()
	s.Stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("failed"))
	} else {
		fmt.Fprintln(os.Stderr, color.GreenString("done"))
	}
	return err
}
