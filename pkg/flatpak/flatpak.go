// Package flatpak drives the flatpak and flatpak-builder command line tools.
package flatpak

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/command"
)

// Client manages remotes and installs refs in one flatpak installation,
// the per-user one when User is set.
type Client struct {
	runner command.Runner
	user   bool
	logger *slog.Logger
}

func NewClient(runner command.Runner, user bool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{runner: runner, user: user, logger: logger}
}

func (c *Client) cmd(args ...string) command.Cmd {
	if c.user {
		args = append([]string{"--user"}, args...)
	}
	return command.New("flatpak", args...)
}

// AddRemote registers repo as remote unless a remote of that name exists.
// Local repositories carry no signatures, so GPG verification is off.
func (c *Client) AddRemote(ctx context.Context, remote, repo string) error {
	c.logger.InfoContext(ctx, "adding remote", "remote", remote, "repo", repo, "user", c.user)
	if err := c.runner.Run(ctx, c.cmd("remote-add", "--if-not-exists", "--no-gpg-verify", remote, repo)); err != nil {
		return fmt.Errorf("add remote %s: %w", remote, err)
	}
	return nil
}

func (c *Client) Install(ctx context.Context, remote, ref string) error {
	c.logger.InfoContext(ctx, "installing", "remote", remote, "ref", ref, "user", c.user)
	if err := c.runner.Run(ctx, c.cmd("install", "--assumeyes", remote, ref)); err != nil {
		return fmt.Errorf("install %s: %w", ref, err)
	}
	return nil
}

// Bundler builds an application from a flatpak-builder manifest and
// exports it into a repository.
type Bundler interface {
	Build(ctx context.Context, appDir, manifest, repo string) error
}

// Builder implements Bundler with flatpak-builder.
type Builder struct {
	runner command.Runner
	logger *slog.Logger
}

var _ Bundler = (*Builder)(nil)

func NewBuilder(runner command.Runner, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{runner: runner, logger: logger}
}

// Build runs flatpak-builder inside appDir; its build directory is created
// there as well.
func (b *Builder) Build(ctx context.Context, appDir, manifest, repo string) error {
	b.logger.InfoContext(ctx, "building application", "manifest", manifest, "repo", repo)
	cmd := command.New("flatpak-builder", "--repo", repo, "build", manifest).In(appDir)
	if err := b.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("build %s: %w", manifest, err)
	}
	return nil
}
