// Package fs turns image layers into a directory tree.
//
// The LayerFlattener overlays layers in manifest order into a target
// directory: later layers replace files of earlier ones, and OCI whiteout
// markers (.wh.NAME and .wh..wh..opaque) delete what lower layers created.
// Entries that would escape the target directory are rejected.
package fs

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/oci"
)

const (
	whiteoutPrefix = ".wh."
	opaqueWhiteout = ".wh..wh..opaque"
)

type FsBuilder interface {
	BuildFs(ctx context.Context, layers []oci.Layer, targetDir string) error
}

type LayerFlattener struct {
	keepWhiteouts bool
}

func NewLayerFlattener() *LayerFlattener {
	return &LayerFlattener{}
}

// NewTarExtractor returns a flattener that does not interpret whiteout
// markers and extracts them as plain files, the way `ostree commit
// --tree=tar=` imports a tarball.
func NewTarExtractor() *LayerFlattener {
	return &LayerFlattener{keepWhiteouts: true}
}

func (f *LayerFlattener) BuildFs(ctx context.Context, layers []oci.Layer, targetDir string) error {
	targetDir, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolve target directory: %w", err)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	for i, layer := range layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.applyLayer(ctx, layer, targetDir); err != nil {
			return fmt.Errorf("apply layer %d (%s): %w", i, layer.Digest(), err)
		}
	}
	return nil
}

func (f *LayerFlattener) applyLayer(ctx context.Context, layer oci.Layer, root string) error {
	rc, err := layer.Uncompressed(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		target, err := securePath(root, hdr.Name)
		if err != nil {
			return err
		}

		base := filepath.Base(target)
		if !f.keepWhiteouts && strings.HasPrefix(base, whiteoutPrefix) {
			if err := applyWhiteout(root, target); err != nil {
				return fmt.Errorf("apply whiteout %q: %w", hdr.Name, err)
			}
			continue
		}

		if err := extractEntry(root, target, hdr, tr); err != nil {
			return fmt.Errorf("extract %q: %w", hdr.Name, err)
		}
	}
}

// securePath joins name onto root and fails if the result leaves root.
func securePath(root, name string) (string, error) {
	p := filepath.Join(root, filepath.Clean("/"+name))
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %s", name)
	}
	return p, nil
}

// applyWhiteout handles a marker found at target.
func applyWhiteout(root, target string) error {
	dir, marker := filepath.Split(target)

	if marker == opaqueWhiteout {
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
		return os.MkdirAll(dir, 0o755)
	}

	victim := filepath.Join(dir, strings.TrimPrefix(marker, whiteoutPrefix))
	if victim == root {
		return nil
	}
	if err := os.RemoveAll(victim); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func extractEntry(root, target string, hdr *tar.Header, r io.Reader) error {
	mode := hdr.FileInfo().Mode().Perm()

	if hdr.Typeflag != tar.TypeDir {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}
		// a lower layer may have left a directory or symlink in the way
		if fi, err := os.Lstat(target); err == nil && (fi.IsDir() || hdr.Typeflag != tar.TypeReg) {
			if err := os.RemoveAll(target); err != nil {
				return fmt.Errorf("replace existing entry: %w", err)
			}
		}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
			if err := os.Remove(target); err != nil {
				return fmt.Errorf("replace existing entry: %w", err)
			}
		}
		if err := os.MkdirAll(target, mode|0o700); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
		if err := os.Chmod(target, mode|0o700); err != nil {
			return fmt.Errorf("chmod: %w", err)
		}

	case tar.TypeReg:
		// unlink first so hardlinked copies from earlier layers stay intact
		_ = os.Remove(target)
		file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}
		if _, err := io.CopyN(file, r, hdr.Size); err != nil && !errors.Is(err, io.EOF) {
			_ = file.Close()
			return fmt.Errorf("copy file content: %w", err)
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}

	case tar.TypeSymlink:
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return fmt.Errorf("create symlink: %w", err)
		}
		_ = os.Lchown(target, hdr.Uid, hdr.Gid)
		return nil

	case tar.TypeLink:
		source, err := securePath(root, hdr.Linkname)
		if err != nil {
			return err
		}
		if err := os.Link(source, target); err != nil {
			return fmt.Errorf("create hardlink: %w", err)
		}
		return nil

	default:
		// device nodes and fifos cannot be created unprivileged and are
		// not shipped in runtimes
		return nil
	}

	// restore ownership if possible (requires root)
	_ = os.Lchown(target, hdr.Uid, hdr.Gid)
	return nil
}
