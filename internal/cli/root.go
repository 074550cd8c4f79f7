// Package cli implements the flatpak-oci-tools command line.
package cli

import (
	"github.com/spf13/cobra"
)

// New returns the root command. Subcommands share one env built from the
// global flags before they run.
func New(deps Deps) *cobra.Command {
	var e *env

	cmd := &cobra.Command{
		Use:   "flatpak-oci-tools [sub-command]",
		Short: "Run OCI container images as flatpak applications",
		Long: `flatpak-oci-tools converts OCI container images into OSTree commits
that flatpak installs as a runtime and an application.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			e, err = setup(cmd, deps)
			return err
		},
		DisableAutoGenTag: true,
		SilenceUsage:      true,
	}

	registerGlobalFlags(cmd.PersistentFlags())

	get := func() *env { return e }
	cmd.AddCommand(
		newInstallCommand(get),
		newPullCommand(get),
		newImportCommand(get),
		newOBSFetchCommand(get),
		newBuildsCommand(get),
	)
	return cmd
}
