package image

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/containers/image/docker"
	containerimage "github.com/containers/image/image"
	"github.com/containers/image/types"
	distref "github.com/docker/distribution/reference"
	digest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// conventionalSingleFile is where ResolveOCI looks for a single-file debug
// image payload inside a pulled layer; if found, the result behaves like
// a LocalFile image (loop+ext mount). Otherwise the whole unpacked tree
// is used as a bind-mount source (Strategy C).
const conventionalSingleFile = "crashcart.img"

// ResolveOCI pulls ref (an OCI/Docker transport-prefixed image reference,
// e.g. "docker://registry.example.com/crashcart-debug:latest"), unpacks
// each of its layers in order into cacheRoot keyed by content digest, and returns an
// Image pointing at the result. Repeated calls against the same digest
// reuse the cached tree without re-pulling.
func ResolveOCI(_ context.Context, ref string, cacheRoot string) (*Image, error) {
	if _, err := distref.ParseNormalizedNamed(strings.TrimPrefix(ref, "docker://")); err != nil {
		return nil, errors.Wrapf(err, "invalid OCI image reference %q", ref)
	}

	imgRef, err := docker.ParseReference(strings.TrimPrefix(ref, "docker:"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid OCI image reference %q", ref)
	}

	src, err := imgRef.NewImageSource(nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening OCI image source")
	}
	defer src.Close()

	unparsed := containerimage.UnparsedFromSource(src)
	img, err := containerimage.FromUnparsedImage(unparsed)
	if err != nil {
		return nil, errors.Wrap(err, "reading OCI image manifest")
	}
	defer img.Close()

	dgst, err := contentDigest(img)
	if err != nil {
		return nil, errors.Wrap(err, "computing OCI image digest")
	}

	base := filepath.Join(cacheRoot, dgst.Encoded())
	if _, err := os.Stat(base); err == nil {
		return loadCached(base)
	}

	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating image cache directory")
	}

	for _, layer := range img.LayerInfos() {
		rc, _, err := src.GetBlob(layer)
		if err != nil {
			return nil, errors.Wrap(err, "fetching image layer")
		}
		err = untar(base, rc)
		rc.Close()
		if err != nil {
			return nil, errors.Wrap(err, "unpacking image layer")
		}
	}

	inspect, err := img.Inspect()
	cfg := &ociConfig{Ref: ref, Digest: dgst.String()}
	if err == nil && inspect != nil {
		cfg.Image = v1.Image{Architecture: inspect.Architecture, OS: inspect.Os}
	}
	if err := writeOCIConfig(base, cfg); err != nil {
		return nil, errors.Wrap(err, "writing OCI image config")
	}

	return imageFromUnpacked(base)
}

func loadCached(base string) (*Image, error) {
	if _, err := readOCIConfig(base); err != nil {
		return nil, errors.Wrap(err, "reading cached OCI image config")
	}
	return imageFromUnpacked(base)
}

func imageFromUnpacked(base string) (*Image, error) {
	single := filepath.Join(base, conventionalSingleFile)
	if fi, err := os.Stat(single); err == nil && fi.Mode().IsRegular() {
		return &Image{path: single}, nil
	}
	return &Image{dir: base}, nil
}

func contentDigest(img types.Image) (digest.Digest, error) {
	var parts []string
	for _, l := range img.LayerInfos() {
		parts = append(parts, l.Digest.String())
	}
	return digest.FromString(strings.Join(parts, "\n")), nil
}

// untar extracts a (possibly gzipped) tar stream into dest, rejecting any
// entry that would escape dest via a symlink or ".." path component.
func untar(dest string, r io.Reader) error {
	br := bufio.NewReader(r)
	var tarSrc io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gr, err := gzip.NewReader(br)
		if err != nil {
			return errors.Wrap(err, "opening gzip layer stream")
		}
		defer gr.Close()
		tarSrc = gr
	}

	tr := tar.NewReader(tarSrc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading tar stream")
		}

		name := filepath.Clean(hdr.Name)
		path := filepath.Join(dest, name)
		rel, err := filepath.Rel(dest, path)
		if err != nil || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) || rel == ".." {
			return errors.Errorf("tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, os.FileMode(hdr.Mode)); err != nil {
				return errors.Wrap(err, "creating directory from tar entry")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return errors.Wrap(err, "creating parent directory")
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return errors.Wrap(err, "creating file from tar entry")
			}
			_, copyErr := io.Copy(f, tr)
			closeErr := f.Close()
			if copyErr != nil {
				return errors.Wrap(copyErr, "writing file from tar entry")
			}
			if closeErr != nil {
				return errors.Wrap(closeErr, "closing file from tar entry")
			}
		case tar.TypeSymlink:
			target := filepath.Join(filepath.Dir(path), hdr.Linkname)
			if !strings.HasPrefix(target, dest) {
				return errors.Errorf("tar symlink %q -> %q escapes destination", hdr.Name, hdr.Linkname)
			}
			os.Remove(path)
			if err := os.Symlink(hdr.Linkname, path); err != nil {
				return errors.Wrap(err, "creating symlink from tar entry")
			}
		default:
			// devices, hardlinks, etc. are not expected in a debug-image
			// layer; skip rather than fail the whole unpack.
		}
	}
}

