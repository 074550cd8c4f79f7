// Package installer sequences the end to end pipelines: installing an
// application image from a registry, importing a local image archive as a
// runtime, and pre-pulling layers.
package installer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MosakujiHokuto/flatpak-oci-tools/internal/builder"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/cache"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/flatpak"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/fs"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/oci"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/snapshot"
)

// Flatpak is the part of the flatpak client the installer needs.
type Flatpak interface {
	AddRemote(ctx context.Context, remote, repo string) error
	Install(ctx context.Context, remote, ref string) error
}

var _ Flatpak = (*flatpak.Client)(nil)

type Options struct {
	PublishRepo string
	RemoteName  string
	TmpRoot     string
}

type Installer struct {
	puller    *Puller
	store     snapshot.Store
	flatpak   Flatpak
	flattener fs.FsBuilder
	runtime   *builder.RuntimeBuilder
	app       *builder.AppBuilder
	opts      Options
	logger    *slog.Logger
}

func New(puller *Puller, store snapshot.Store, fp Flatpak, bundler flatpak.Bundler, opts Options, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		puller:    puller,
		store:     store,
		flatpak:   fp,
		flattener: fs.NewLayerFlattener(),
		runtime:   builder.NewRuntimeBuilder(store, logger),
		app:       builder.NewAppBuilder(store, bundler, logger),
		opts:      opts,
		logger:    logger,
	}
}

// Target is what an application image resolves to.
type Target struct {
	AppName string
	Version string
	Arch    string
}

func (t Target) RuntimeID() string { return builder.RuntimeID(t.AppName) }
func (t Target) AppID() string     { return builder.AppID(t.AppName) }

// ResolveTarget reads the labels and architecture install depends on.
func ResolveTarget(cfg *oci.ImageConfig) (Target, error) {
	appName, err := cfg.RequireLabel(oci.LabelAppName)
	if err != nil {
		return Target{}, err
	}
	version, err := cfg.RequireLabel(oci.LabelVersion)
	if err != nil {
		return Target{}, err
	}
	arch, err := cfg.FlatpakArch()
	if err != nil {
		return Target{}, err
	}
	return Target{AppName: appName, Version: version, Arch: arch}, nil
}

type Result struct {
	Image   *oci.Image
	Target  Target
	Layers  []cache.CachedLayer
	Runtime *builder.RuntimeResult
	App     *builder.AppResult
}

// Install builds the runtime and application contained in the image served
// by src, publishes both and installs them through flatpak.
func (in *Installer) Install(ctx context.Context, src oci.ImageSource) (*Result, error) {
	logger := in.logger.With("image", src.Info())
	logger.InfoContext(ctx, "installing image")

	img, err := src.GetImage(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve image: %w", err)
	}

	target, err := ResolveTarget(img.Config)
	if err != nil {
		return nil, fmt.Errorf("validate image: %w", err)
	}
	logger = logger.With("app", target.AppName, "version", target.Version)

	layers, err := in.puller.Pull(ctx, img)
	if err != nil {
		return nil, err
	}

	if err := EnsureRepo(ctx, in.store, in.opts.PublishRepo); err != nil {
		return nil, err
	}

	bc, err := builder.NewBuildContext(ctx, in.store, in.opts.TmpRoot, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := bc.Close(); err != nil {
			logger.WarnContext(ctx, "failed to clean up build context", "error", err)
		}
	}()

	// ostree does not apply whiteouts to tar trees, so the layers are
	// overlaid here and committed as one directory.
	cached := make([]oci.Layer, len(layers))
	for i, l := range layers {
		src := img.Layers[i]
		cached[i] = oci.NewFileLayer(oci.Blob{MediaType: src.MediaType(), Digest: l.Digest, Size: src.Size()}, l.Path)
	}
	root := bc.Path("root")
	if err := in.flattener.BuildFs(ctx, cached, root); err != nil {
		return nil, fmt.Errorf("flatten layers: %w", err)
	}

	rt, err := in.runtime.Build(ctx, bc, builder.RuntimeSpec{
		ID:          target.RuntimeID(),
		Arch:        target.Arch,
		Version:     target.Version,
		Sources:     []snapshot.TreeSource{snapshot.DirTree(root)},
		PublishRepo: in.opts.PublishRepo,
	})
	if err != nil {
		return nil, fmt.Errorf("build runtime: %w", err)
	}

	if err := in.flatpak.AddRemote(ctx, in.opts.RemoteName, in.opts.PublishRepo); err != nil {
		return nil, err
	}
	if err := in.flatpak.Install(ctx, in.opts.RemoteName, rt.Branch); err != nil {
		return nil, err
	}

	app, err := in.app.Build(ctx, bc, builder.AppSpec{
		AppID:          target.AppID(),
		Arch:           target.Arch,
		RuntimeID:      target.RuntimeID(),
		RuntimeVersion: target.Version,
		PublishRepo:    in.opts.PublishRepo,
	})
	if err != nil {
		return nil, fmt.Errorf("build app: %w", err)
	}
	if err := in.flatpak.Install(ctx, in.opts.RemoteName, app.Branch); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "image installed", "runtime", rt.Branch, "app", app.Branch)
	return &Result{
		Image:   img,
		Target:  target,
		Layers:  layers,
		Runtime: rt,
		App:     app,
	}, nil
}

// EnsureRepo initializes an archive repository at path unless one exists.
func EnsureRepo(ctx context.Context, store snapshot.Store, path string) error {
	if snapshot.IsRepo(path) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create repository parent: %w", err)
	}
	if err := store.Init(ctx, path, snapshot.ModeArchive); err != nil {
		return fmt.Errorf("create publish repository: %w", err)
	}
	return nil
}
