package gwctl

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newSubmitCmd() *cobra.Command {
	var inputsFile string
	var workflowRoot string

	cmd := &cobra.Command{
		Use:   "submit <workflow-document.json>",
		Short: "Submit a workflow document for execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docPath := args[0]
			doc, err := os.ReadFile(docPath)
			if err != nil {
				return fmt.Errorf("read workflow document: %w", err)
			}

			var inputs map[string]any
			if inputsFile != "" {
				data, err := os.ReadFile(inputsFile)
				if err != nil {
					return fmt.Errorf("read inputs: %w", err)
				}
				if err := yaml.Unmarshal(data, &inputs); err != nil {
					return fmt.Errorf("parse inputs: %w", err)
				}
			}

			req := map[string]any{
				"workflow_source": string(doc),
				"workflow_root":   workflowRoot,
				"inputs":          inputs,
			}
			resp, err := client.Post("/workflows/", req)
			if err != nil {
				return fmt.Errorf("submit workflow: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			id, _ := data["id"].(string)
			fmt.Printf("Workflow submitted: %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputsFile, "inputs", "i", "", "Input values file (YAML/JSON)")
	cmd.Flags().StringVar(&workflowRoot, "workflow-root", "", "Override the workflow's output root directory")
	return cmd
}
