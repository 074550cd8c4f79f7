package fs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// HostFontsDir is where flatpak exposes the host's fonts inside a sandbox.
const HostFontsDir = "/run/host/fonts"

type RootPreparer interface {
	// Prepare adjusts a flattened image root before it is committed.
	Prepare(ctx context.Context, root string) error
}

// RuntimePreparer readies a flattened root for use as a flatpak runtime.
// Runtimes only ship /usr, so it links the host fonts below usr/share/fonts
// and copies etc/ to usr/etc/ where flatpak picks it up.
type RuntimePreparer struct{}

func NewRuntimePreparer() *RuntimePreparer {
	return &RuntimePreparer{}
}

func (p *RuntimePreparer) Prepare(ctx context.Context, root string) error {
	fontsDir := filepath.Join(root, "usr", "share", "fonts")
	if err := os.MkdirAll(fontsDir, 0o755); err != nil {
		return fmt.Errorf("create fonts directory: %w", err)
	}

	link := filepath.Join(fontsDir, "flatpakhostfonts")
	if err := os.RemoveAll(link); err != nil {
		return fmt.Errorf("remove stale host fonts link: %w", err)
	}
	if err := os.Symlink(HostFontsDir, link); err != nil {
		return fmt.Errorf("link host fonts: %w", err)
	}

	etc := filepath.Join(root, "etc")
	if _, err := os.Lstat(etc); os.IsNotExist(err) {
		return nil
	}
	if err := CopyTree(ctx, etc, filepath.Join(root, "usr", "etc")); err != nil {
		return fmt.Errorf("copy etc to usr/etc: %w", err)
	}
	return nil
}

// CopyTree copies src into dst, merging with what dst already holds.
// Symlinks are copied as links.
func CopyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			dest, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(dest, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	_ = os.Remove(dst)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

type NoOpRootPreparer struct{}

func NewNoOpRootPreparer() *NoOpRootPreparer {
	return &NoOpRootPreparer{}
}

func (p *NoOpRootPreparer) Prepare(ctx context.Context, root string) error {
	return nil
}
