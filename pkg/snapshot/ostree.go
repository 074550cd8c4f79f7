package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/command"
)

// OSTree implements Store with the ostree and flatpak command line tools.
type OSTree struct {
	runner command.Runner
	logger *slog.Logger
}

var _ Store = (*OSTree)(nil)

func NewOSTree(runner command.Runner, logger *slog.Logger) *OSTree {
	if logger == nil {
		logger = slog.Default()
	}
	return &OSTree{runner: runner, logger: logger}
}

func (o *OSTree) Init(ctx context.Context, repo string, mode Mode) error {
	o.logger.DebugContext(ctx, "init repository", "repo", repo, "mode", mode)
	if err := o.runner.Run(ctx, command.New("ostree", "init", "--repo="+repo, "--mode="+string(mode))); err != nil {
		return fmt.Errorf("init repository %s: %w", repo, err)
	}
	return nil
}

func (o *OSTree) Commit(ctx context.Context, repo, branch string, sources []TreeSource, opts CommitOptions) error {
	if len(sources) == 0 {
		return fmt.Errorf("commit %s: %w", branch, errNoSources)
	}

	args := commitArgs(repo, branch, sources, opts)
	o.logger.InfoContext(ctx, "committing tree", "repo", repo, "branch", branch, "sources", len(sources))
	if err := o.runner.Run(ctx, command.New("ostree", args...)); err != nil {
		return fmt.Errorf("commit %s: %w", branch, err)
	}
	return nil
}

func commitArgs(repo, branch string, sources []TreeSource, opts CommitOptions) []string {
	args := []string{"commit", "--repo=" + repo}
	if opts.NoXattrs {
		args = append(args, "--no-xattrs")
	}
	if opts.Owner != nil {
		args = append(args,
			fmt.Sprintf("--owner-uid=%d", opts.Owner.UID),
			fmt.Sprintf("--owner-gid=%d", opts.Owner.GID))
	}
	if opts.LinkCheckoutSpeedup {
		args = append(args, "--link-checkout-speedup")
	}
	if opts.Subject != "" {
		args = append(args, "--subject="+opts.Subject)
	}
	args = append(args, "--branch="+branch)

	hasTar := false
	for _, src := range sources {
		switch src.Kind {
		case TreeTar:
			hasTar = true
			args = append(args, "--tree=tar="+src.Path)
		case TreeDir:
			args = append(args, "--tree=dir="+src.Path)
		}
	}
	if hasTar {
		args = append(args, "--tar-autocreate-parents")
	}

	for _, k := range opts.MetadataKeys() {
		args = append(args, "--add-metadata-string="+k+"="+opts.Metadata[k])
	}
	return args
}

func (o *OSTree) Checkout(ctx context.Context, repo, branch, subpath, dest string) error {
	args := []string{"checkout", "--repo=" + repo}
	if subpath != "" {
		args = append(args, "--subpath="+subpath)
	}
	args = append(args, "-U", branch, dest)

	if err := o.runner.Run(ctx, command.New("ostree", args...)); err != nil {
		return fmt.Errorf("checkout %s:%s: %w", branch, subpath, err)
	}
	return nil
}

func (o *OSTree) PullLocal(ctx context.Context, dst, src, branch string) error {
	o.logger.InfoContext(ctx, "publishing branch", "branch", branch, "repo", dst)
	if err := o.runner.Run(ctx, command.New("ostree", "pull-local", "--repo="+dst, src, branch)); err != nil {
		return fmt.Errorf("pull %s into %s: %w", branch, dst, err)
	}
	return nil
}

// UpdateSummary uses flatpak so the summary carries the xa.* metadata
// flatpak clients expect.
func (o *OSTree) UpdateSummary(ctx context.Context, repo string) error {
	if err := o.runner.Run(ctx, command.New("flatpak", "build-update-repo", repo)); err != nil {
		return fmt.Errorf("update summary of %s: %w", repo, err)
	}
	return nil
}
