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

func dlqCmd() *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead-letter store",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []*models.DeadLetter
			if err := newAPIClient().get("/dlq", &entries); err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("Dead-letter store is empty.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB ID\tTYPE\tATTEMPTS\tMOVED\tREASON")
			for _, dl := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					dl.JobID, dl.Type, dl.Attempts,
					dl.MovedAt.Local().Format(time.RFC3339), dl.FailureReason)
			}
			return w.Flush()
		},
	}

	dlq.AddCommand(listCmd)
	return dlq
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job (queued jobs immediately, running jobs at their next checkpoint)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job models.Job
			if err := newAPIClient().del("/jobs/"+url.PathEscape(args[0]), &job); err != nil {
				return err
			}
			fmt.Printf("Job %s is now %s\n", job.ID, job.Status)
			return nil
		},
	}
}
