package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MosakujiHokuto/flatpak-oci-tools/internal/db/models"
	"github.com/MosakujiHokuto/flatpak-oci-tools/internal/installer"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/oci"
)

const (
	flagRegistry     = "registry"
	flagProject      = "project"
	flagRegistryRepo = "registry-repo"
)

func addRegistryFlags(cmd *cobra.Command) {
	cmd.Flags().String(flagRegistry, "", "registry base URL (default from config)")
	cmd.Flags().String(flagProject, "", "OBS project the image is published from (default from config)")
	cmd.Flags().String(flagRegistryRepo, "", "OBS repository the image is published from (default from config)")
}

// reference resolves the container argument against the registry flags,
// falling back to the configuration.
func (e *env) reference(cmd *cobra.Command, container string) (oci.Reference, error) {
	flags := cmd.Flags()
	if v, _ := flags.GetString(flagRegistry); v != "" {
		e.cfg.Registry = v
	}
	if v, _ := flags.GetString(flagProject); v != "" {
		e.cfg.Project = v
	}
	if v, _ := flags.GetString(flagRegistryRepo); v != "" {
		e.cfg.RegistryRepo = v
	}
	return oci.ParseContainer(e.cfg.Project, e.cfg.RegistryRepo, container)
}

func newInstallCommand(get func() *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <container>",
		Short: "Build and install the runtime and application of a container image",
		Example: `  flatpak-oci-tools install foo:3
  flatpak-oci-tools --user install --project home:me:containers foo`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := get()
			ref, err := e.reference(cmd, args[0])
			if err != nil {
				return err
			}

			sink, stop := e.progress(cmd)
			defer stop()

			client, err := e.registry(sink)
			if err != nil {
				return err
			}
			layers, err := e.cache()
			if err != nil {
				return err
			}

			in := installer.New(
				installer.NewPuller(layers, e.cfg.Jobs, e.logger),
				e.deps.Store,
				e.flatpak(),
				e.deps.Bundler,
				installer.Options{
					PublishRepo: e.cfg.RepoDir,
					RemoteName:  e.cfg.RemoteName,
					TmpRoot:     e.cfg.TmpDir,
				},
				e.logger,
			)

			src := client.Source(ref)
			return e.journaled(cmd.Context(), models.KindInstall, src.Info(), func(ctx context.Context) (string, error) {
				res, err := in.Install(ctx, src)
				if err != nil {
					return "", err
				}
				stop()
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n  runtime: %s\n  app:     %s\n", src.Info(), res.Runtime.Branch, res.App.Branch)
				return res.App.Branch, nil
			})
		},
	}
	addRegistryFlags(cmd)
	return cmd
}
