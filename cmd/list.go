package cmd

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chunkflow/chunkflow/models"
)

func listCmd() *cobra.Command {
	var (
		status string
		kind   string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if status != "" {
				params.Set("status", status)
			}
			if kind != "" {
				params.Set("type", kind)
			}
			params.Set("limit", fmt.Sprint(limit))

			var jobs []*models.Job
			if err := newAPIClient().get("/jobs?"+params.Encode(), &jobs); err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPRIORITY\tPROGRESS\tATTEMPTS\tCREATED")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d%%\t%d/%d\t%s\n",
					job.ID, job.Type, job.Status, job.Priority, job.Progress,
					job.Attempts, job.MaxAttempts,
					job.CreatedAt.Local().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (queued, running, retrying, completed, failed, cancelled)")
	cmd.Flags().StringVar(&kind, "type", "", "filter by job type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}
