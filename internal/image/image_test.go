package image

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryancnelson/crashcart-ng/internal/procrunner"
)

// fakeRunner is a minimal procrunner.Runner that answers scripted results
// keyed by the joined command line.
type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
}

func (f *fakeRunner) Output(_ context.Context, name string, args ...string) (string, error) {
	k := strings.Join(append([]string{name}, args...), " ")
	if err, ok := f.errs[k]; ok {
		return "", err
	}
	return f.outputs[k], nil
}

func (f *fakeRunner) Interactive(context.Context, string, ...string) (int, error) {
	return 0, nil
}

var _ procrunner.Runner = (*fakeRunner)(nil)

func writeImage(t *testing.T, size int, magicAtOffset bool) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "crashcart.img")
	buf := make([]byte, size)
	if magicAtOffset && size >= magicOffset+2 {
		buf[magicOffset] = magicByte1
		buf[magicOffset+1] = magicByte2
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestVerifyRejectsTooSmall(t *testing.T) {
	path := writeImage(t, 512, false)
	img, err := Open(path)
	require.NoError(t, err)

	_, err = img.Verify()
	require.Error(t, err)
}

func TestVerifyIdentifiesExt(t *testing.T) {
	path := writeImage(t, 4096, true)
	img, err := Open(path)
	require.NoError(t, err)

	kind, err := img.Verify()
	require.NoError(t, err)
	require.Equal(t, KindExt, kind)
}

func TestVerifyTentativeWithoutMagic(t *testing.T) {
	path := writeImage(t, 4096, false)
	img, err := Open(path)
	require.NoError(t, err)

	kind, err := img.Verify()
	require.NoError(t, err)
	require.Equal(t, KindTentative, kind)
}

func TestOpenMissingFileIsFatal(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "does-not-exist.img"))
	require.Error(t, err)
}

func TestBindLoopCachesDevice(t *testing.T) {
	path := writeImage(t, 4096, true)
	img, err := Open(path)
	require.NoError(t, err)

	r := &fakeRunner{outputs: map[string]string{
		"losetup -f":            "/dev/loop7\n",
		"losetup /dev/loop7 " + path: "",
	}}

	dev, err := img.BindLoop(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, "/dev/loop7", dev)

	// Second call must not re-run losetup -f; remove the canned answer to
	// prove the cached path is taken.
	delete(r.outputs, "losetup -f")
	dev2, err := img.BindLoop(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, dev, dev2)
}

func TestReleaseLoopClearsSlot(t *testing.T) {
	path := writeImage(t, 4096, true)
	img, err := Open(path)
	require.NoError(t, err)
	img.loopDevice = "/dev/loop3"

	r := &fakeRunner{outputs: map[string]string{"losetup -d /dev/loop3": ""}}
	require.NoError(t, img.ReleaseLoop(context.Background(), r))

	_, bound := img.LoopDevice()
	require.False(t, bound)

	// Calling again with nothing bound must be a no-op, not an error.
	require.NoError(t, img.ReleaseLoop(context.Background(), r))
}

func TestFindBoundLoopRecoversExistingBinding(t *testing.T) {
	path := writeImage(t, 4096, true)
	img, err := Open(path)
	require.NoError(t, err)

	r := &fakeRunner{outputs: map[string]string{
		"losetup -j " + path: "/dev/loop5: [2049]:123456 (" + path + ")\n",
	}}

	dev, err := img.FindBoundLoop(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, "/dev/loop5", dev)

	got, bound := img.LoopDevice()
	require.True(t, bound)
	require.Equal(t, "/dev/loop5", got)
}

func TestFindBoundLoopReturnsEmptyWhenUnbound(t *testing.T) {
	path := writeImage(t, 4096, true)
	img, err := Open(path)
	require.NoError(t, err)

	r := &fakeRunner{outputs: map[string]string{"losetup -j " + path: ""}}

	dev, err := img.FindBoundLoop(context.Background(), r)
	require.NoError(t, err)
	require.Empty(t, dev)
}

func TestBindLoopExhausted(t *testing.T) {
	path := writeImage(t, 4096, true)
	img, err := Open(path)
	require.NoError(t, err)

	r := &fakeRunner{outputs: map[string]string{"losetup -f": ""}}
	_, err = img.BindLoop(context.Background(), r)
	require.Error(t, err)
}
