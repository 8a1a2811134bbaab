package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/chunkflow/chunkflow/models"
)

func enqueueCmd() *cobra.Command {
	var (
		priority    int
		maxAttempts int
		wait        bool
		waitTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue <type> <payload-json>",
		Short: "Submit a job to a running server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}

			client := newAPIClient()
			var job models.Job
			err := client.post("/jobs", map[string]any{
				"type":         args[0],
				"payload":      payload,
				"priority":     priority,
				"max_attempts": maxAttempts,
			}, &job)
			if err != nil {
				return err
			}
			fmt.Printf("Enqueued %s (%s, priority %d)\n", job.ID, job.Type, job.Priority)

			if !wait {
				return nil
			}
			var final models.Job
			err = client.post("/jobs/"+url.PathEscape(job.ID)+"/wait", map[string]any{
				"timeout_seconds": waitTimeout.Seconds(),
			}, &final)
			if err != nil {
				return err
			}
			fmt.Printf("Job %s finished: %s", final.ID, final.Status)
			if final.Error != nil {
				fmt.Printf(" (%s)", final.Error.Message)
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "dispatch priority, higher runs first")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "retry budget, 0 uses the server default")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "block until the job reaches a terminal status")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 5*time.Minute, "how long --wait blocks")
	return cmd
}
