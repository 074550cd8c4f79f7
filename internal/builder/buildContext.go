package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/snapshot"
)

// DefaultTmpRoot is the default parent of build contexts. /var/tmp usually
// lives on disk, unlike /tmp, and runtimes get large.
const DefaultTmpRoot = "/var/tmp"

// BuildContext is the private working area of one pipeline run: a temp
// directory holding a bare-user-only repository plus scratch trees. It is
// never shared between runs and is removed by Close.
type BuildContext struct {
	dir    string
	logger *slog.Logger
}

// NewBuildContext creates a fresh directory under tmpRoot and initializes
// the private repository in it.
func NewBuildContext(ctx context.Context, store snapshot.Store, tmpRoot string, logger *slog.Logger) (*BuildContext, error) {
	if tmpRoot == "" {
		tmpRoot = DefaultTmpRoot
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create tmp root: %w", err)
	}

	dir, err := os.MkdirTemp(tmpRoot, "flatpak-oci-tools-")
	if err != nil {
		return nil, fmt.Errorf("create build context: %w", err)
	}
	bc := &BuildContext{dir: dir, logger: logger.With("buildContext", dir)}

	if err := store.Init(ctx, bc.Repo(), snapshot.ModeBareUserOnly); err != nil {
		return nil, errors.Join(err, bc.Close())
	}

	bc.logger.DebugContext(ctx, "build context ready")
	return bc, nil
}

func (bc *BuildContext) Dir() string {
	return bc.dir
}

// Repo is the private repository of this run.
func (bc *BuildContext) Repo() string {
	return filepath.Join(bc.dir, "repo")
}

// Path returns a scratch path inside the context.
func (bc *BuildContext) Path(elem ...string) string {
	return filepath.Join(append([]string{bc.dir}, elem...)...)
}

// Close removes everything the run created. It is safe to call twice.
func (bc *BuildContext) Close() error {
	if err := os.RemoveAll(bc.dir); err != nil {
		return fmt.Errorf("remove build context: %w", err)
	}
	return nil
}
