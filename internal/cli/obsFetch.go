package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/obs"
)

func newOBSFetchCommand(get func() *env) *cobra.Command {
	var (
		dir      string
		output   string
		api      string
		username string
		password string
	)

	cmd := &cobra.Command{
		Use:   "obs-fetch <project> <repository> <arch> <package>",
		Short: "Download the container image built by an OBS package",
		Long: `obs-fetch downloads the single docker-archive image among the build
results of an Open Build Service package. The password defaults to the
OBS_PASSWORD environment variable.`,
		Example: `  flatpak-oci-tools obs-fetch --username me home:me:containers images x86_64 foo`,
		Args:    cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := get()
			if api == "" {
				api = e.cfg.OBSAPI
			}
			if password == "" {
				password = os.Getenv("OBS_PASSWORD")
			}

			sink, stop := e.progress(cmd)
			defer stop()

			client, err := obs.NewClient(api,
				obs.WithCredentials(username, password),
				obs.WithProgress(sink),
				obs.WithLogger(e.logger),
			)
			if err != nil {
				return err
			}

			target := obs.Target{Project: args[0], Repository: args[1], Arch: args[2], Package: args[3]}
			path, err := client.FetchContainer(cmd.Context(), target, dir, output)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", target, err)
			}
			stop()
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "directory to download into")
	cmd.Flags().StringVarP(&output, "output", "o", "", "file name of the download (default the build result name)")
	cmd.Flags().StringVar(&api, "api", "", "OBS API URL (default from config)")
	cmd.Flags().StringVar(&username, "username", "", "OBS user name")
	cmd.Flags().StringVar(&password, "password", "", "OBS password")
	return cmd
}
