package cli

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/MosakujiHokuto/flatpak-oci-tools/internal/db/models"
	"github.com/MosakujiHokuto/flatpak-oci-tools/internal/installer"
)

func newPullCommand(get func() *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull <container>",
		Short: "Download the layers of a container image into the layer cache",
		Args:  cobra.ExactArgs(1),
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
			puller := installer.NewPuller(layers, e.cfg.Jobs, e.logger)

			src := client.Source(ref)
			return e.journaled(cmd.Context(), models.KindPull, src.Info(), func(ctx context.Context) (string, error) {
				img, err := src.GetImage(ctx)
				if err != nil {
					return "", fmt.Errorf("resolve image: %w", err)
				}
				cached, err := puller.Pull(ctx, img)
				if err != nil {
					return "", err
				}
				stop()

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s@%s\n", src.Info(), img.Digest)
				t := newTable(out, "DIGEST", "PATH")
				for _, l := range cached {
					t.AppendRow(table.Row{l.Digest.String(), l.Path})
				}
				t.Render()
				return "", nil
			})
		},
	}
	addRegistryFlags(cmd)
	return cmd
}
