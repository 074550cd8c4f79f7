package cli

import (
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/MosakujiHokuto/flatpak-oci-tools/internal/db/models"
)

func newBuildsCommand(get func() *env) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "builds",
		Short: "List recent runs from the build journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e := get()
			ctx := cmd.Context()

			conn, err := e.openJournal(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			jobs, err := models.ListBuildJobs(ctx, conn, limit)
			if err != nil {
				return err
			}

			t := newTable(cmd.OutOrStdout(), "ID", "KIND", "STATUS", "CREATED", "IMAGE", "RESULT")
			for _, job := range jobs {
				result := ""
				switch {
				case job.Error != nil:
					result = *job.Error
				case job.Branch != nil:
					result = *job.Branch
				}
				t.AppendRow(table.Row{job.ID, job.Kind, job.Status, job.CreatedAt.Local().Format(time.DateTime), job.Image, result})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	return cmd
}
