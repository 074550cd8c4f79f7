package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/MosakujiHokuto/flatpak-oci-tools/internal/db/models"
	"github.com/MosakujiHokuto/flatpak-oci-tools/internal/installer"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/fs"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/oci"
)

func newImportCommand(get func() *env) *cobra.Command {
	var spec installer.ImportSpec

	cmd := &cobra.Command{
		Use:   "import-container <image-file> <repo>",
		Short: "Publish a docker-archive image file as a flatpak runtime",
		Example: `  flatpak-oci-tools import-container platform.docker.tar /srv/repo
  flatpak-oci-tools import-container --id org.example.Platform --version 2 platform.tar repo`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := get()
			repo, err := filepath.Abs(args[1])
			if err != nil {
				return fmt.Errorf("resolve repository path: %w", err)
			}
			spec.Repo = repo

			im := installer.NewImporter(
				e.deps.Store,
				fs.NewLayerFlattener(),
				fs.NewRuntimePreparer(),
				e.cfg.TmpDir,
				e.logger,
			)
			src := oci.NewArchiveSource(args[0])

			return e.journaled(cmd.Context(), models.KindImport, src.Info(), func(ctx context.Context) (string, error) {
				res, err := im.Import(ctx, src, spec)
				if err != nil {
					return "", err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s\n", res.Branch, repo)
				return res.Branch, nil
			})
		},
	}

	cmd.Flags().StringVar(&spec.ID, "id", installer.DefaultImportID, "runtime ID")
	cmd.Flags().StringVar(&spec.Arch, "arch", installer.DefaultImportArch, "runtime architecture")
	cmd.Flags().StringVar(&spec.Version, "version", installer.DefaultImportVersion, "runtime version")
	return cmd
}
