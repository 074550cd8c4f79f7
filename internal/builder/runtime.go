package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/containerd/errdefs"

	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/fs"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/snapshot"
)

const commitSubject = "Commit"

type RuntimeSpec struct {
	ID      string
	Arch    string
	Version string
	// Sources are overlaid in order to form the base tree.
	Sources     []snapshot.TreeSource
	PublishRepo string
}

func (s RuntimeSpec) Metadata() RuntimeMetadata {
	return RuntimeMetadata{Name: s.ID, Arch: s.Arch, Version: s.Version}
}

func (s RuntimeSpec) Validate() error {
	if err := s.Metadata().Validate(); err != nil {
		return err
	}
	if len(s.Sources) == 0 {
		return fmt.Errorf("runtime %s has no tree sources: %w", s.ID, errdefs.ErrInvalidArgument)
	}
	if s.PublishRepo == "" {
		return fmt.Errorf("runtime %s has no publish repository: %w", s.ID, errdefs.ErrInvalidArgument)
	}
	return nil
}

type RuntimeResult struct {
	Branch    string
	Metadata  string
	BuildTime time.Duration
}

// RuntimeBuilder turns a base tree into a published flatpak runtime. The
// stages run strictly in order; the first failure aborts the build and the
// caller discards the BuildContext.
type RuntimeBuilder struct {
	store  snapshot.Store
	logger *slog.Logger
}

func NewRuntimeBuilder(store snapshot.Store, logger *slog.Logger) *RuntimeBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuntimeBuilder{store: store, logger: logger}
}

func (b *RuntimeBuilder) Build(ctx context.Context, bc *BuildContext, spec RuntimeSpec) (*RuntimeResult, error) {
	start := time.Now()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	metadata, err := spec.Metadata().Render()
	if err != nil {
		return nil, err
	}

	branch := RuntimeBranch(spec.ID, spec.Arch, spec.Version)
	logger := b.logger.With("branch", branch)
	logger.InfoContext(ctx, "building runtime", "sources", len(spec.Sources))

	if err := b.store.Commit(ctx, bc.Repo(), BaseBranch, spec.Sources, snapshot.CommitOptions{}); err != nil {
		return nil, fmt.Errorf("commit base tree: %w", err)
	}
	logger.DebugContext(ctx, "base tree committed")

	subtree := bc.Path("runtime")
	if err := os.MkdirAll(subtree, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime subtree: %w", err)
	}
	if err := b.store.Checkout(ctx, bc.Repo(), BaseBranch, "/usr", bc.Path("runtime", "files")); err != nil {
		return nil, fmt.Errorf("extract /usr: %w", err)
	}
	logger.DebugContext(ctx, "usr extracted")

	if err := fs.WriteFileAtomic(bc.Path("runtime", "metadata"), []byte(metadata), 0o644); err != nil {
		return nil, fmt.Errorf("write runtime metadata: %w", err)
	}

	opts := snapshot.CommitOptions{
		Subject:             commitSubject,
		NoXattrs:            true,
		Owner:               snapshot.RootOwnership,
		LinkCheckoutSpeedup: true,
		Metadata:            map[string]string{MetadataKey: metadata},
	}
	if err := b.store.Commit(ctx, bc.Repo(), branch, []snapshot.TreeSource{snapshot.DirTree(subtree)}, opts); err != nil {
		return nil, fmt.Errorf("commit runtime: %w", err)
	}
	logger.DebugContext(ctx, "runtime committed")

	if err := b.store.PullLocal(ctx, spec.PublishRepo, bc.Repo(), branch); err != nil {
		return nil, fmt.Errorf("publish runtime: %w", err)
	}
	if err := b.store.UpdateSummary(ctx, spec.PublishRepo); err != nil {
		return nil, fmt.Errorf("publish runtime: %w", err)
	}

	logger.InfoContext(ctx, "runtime published", "repo", spec.PublishRepo, "duration", time.Since(start))
	return &RuntimeResult{
		Branch:    branch,
		Metadata:  metadata,
		BuildTime: time.Since(start),
	}, nil
}
