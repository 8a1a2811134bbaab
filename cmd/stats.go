package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chunkflow/chunkflow/models"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-status job counts from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var s models.QueueStats
			if err := newAPIClient().get("/stats", &s); err != nil {
				return err
			}
			fmt.Printf("queued:    %d\n", s.Queued)
			fmt.Printf("running:   %d\n", s.Running)
			fmt.Printf("retrying:  %d\n", s.Retrying)
			fmt.Printf("completed: %d\n", s.Completed)
			fmt.Printf("failed:    %d\n", s.Failed)
			fmt.Printf("cancelled: %d\n", s.Cancelled)
			fmt.Printf("total:     %d\n", s.Total)
			return nil
		},
	}
}
