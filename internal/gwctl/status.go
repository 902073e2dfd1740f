package gwctl

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show the status of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/workflows/" + id)
			if err != nil {
				return fmt.Errorf("get workflow: %w", err)
			}

			var data struct {
				ID          string    `json:"id"`
				Status      string    `json:"status"`
				SourceRef   string    `json:"source_ref"`
				CreatedAt   time.Time `json:"created_at"`
				StartedAt   *time.Time `json:"started_at"`
				CompletedAt *time.Time `json:"completed_at"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Workflow: %s\n", data.ID)
			fmt.Printf("  Status:    %s\n", data.Status)
			fmt.Printf("  Submitted: %s (%s)\n", data.CreatedAt.Format(time.RFC3339), humanize.Time(data.CreatedAt))
			if data.StartedAt != nil {
				fmt.Printf("  Started:   %s\n", humanize.Time(*data.StartedAt))
			}
			if data.CompletedAt != nil {
				fmt.Printf("  Completed: %s (ran %s)\n", humanize.Time(*data.CompletedAt),
					humanize.RelTime(data.CreatedAt, *data.CompletedAt, "", ""))
			}
			return nil
		},
	}
}
