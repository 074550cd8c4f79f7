package installer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MosakujiHokuto/flatpak-oci-tools/internal/builder"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/fs"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/oci"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/snapshot"
)

const (
	DefaultImportID      = "org.openSUSE.OCIPlatform"
	DefaultImportArch    = "x86_64"
	DefaultImportVersion = "1"
)

type ImportSpec struct {
	ID      string
	Arch    string
	Version string
	Repo    string
}

// Importer publishes a local image archive as a runtime.
type Importer struct {
	store     snapshot.Store
	flattener fs.FsBuilder
	preparer  fs.RootPreparer
	runtime   *builder.RuntimeBuilder
	tmpRoot   string
	logger    *slog.Logger
}

func NewImporter(store snapshot.Store, flattener fs.FsBuilder, preparer fs.RootPreparer, tmpRoot string, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		store:     store,
		flattener: flattener,
		preparer:  preparer,
		runtime:   builder.NewRuntimeBuilder(store, logger),
		tmpRoot:   tmpRoot,
		logger:    logger,
	}
}

// Import flattens the layers of src into a build root, prepares it and
// builds the runtime described by spec from it.
func (im *Importer) Import(ctx context.Context, src oci.ImageSource, spec ImportSpec) (*builder.RuntimeResult, error) {
	md := builder.RuntimeMetadata{Name: spec.ID, Arch: spec.Arch, Version: spec.Version}
	if err := md.Validate(); err != nil {
		return nil, err
	}
	logger := im.logger.With("image", src.Info(), "runtime", spec.ID)

	img, err := src.GetImage(ctx)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	logger.InfoContext(ctx, "importing image", "layers", len(img.Layers))

	if err := EnsureRepo(ctx, im.store, spec.Repo); err != nil {
		return nil, err
	}

	bc, err := builder.NewBuildContext(ctx, im.store, im.tmpRoot, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := bc.Close(); err != nil {
			logger.WarnContext(ctx, "failed to clean up build context", "error", err)
		}
	}()

	root := bc.Path("root")
	if err := im.flattener.BuildFs(ctx, img.Layers, root); err != nil {
		return nil, fmt.Errorf("flatten layers: %w", err)
	}
	if err := im.preparer.Prepare(ctx, root); err != nil {
		return nil, fmt.Errorf("prepare build root: %w", err)
	}

	return im.runtime.Build(ctx, bc, builder.RuntimeSpec{
		ID:          spec.ID,
		Arch:        spec.Arch,
		Version:     spec.Version,
		Sources:     []snapshot.TreeSource{snapshot.DirTree(root)},
		PublishRepo: spec.Repo,
	})
}
