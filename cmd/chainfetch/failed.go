package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/chainfetch/pkg/models"
	"github.com/pario-ai/chainfetch/pkg/taskstore"
)

type failedReport struct {
	RunID    int64               `json:"run_id"`
	Units    []models.WorkUnit   `json:"units"`
	Warnings []taskstore.Warning `json:"warnings,omitempty"`
}

func newFailedCmd(configPath *string) *cobra.Command {
	var warnings bool

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Export failed and skipped units of the latest checkpoint as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := context.Background()

			cp, err := a.tasks.Latest(ctx)
			if err != nil {
				return err
			}
			units, err := a.tasks.Units(ctx, cp.RunID, models.StatusFailed, models.StatusSkipped)
			if err != nil {
				return err
			}
			report := failedReport{RunID: cp.RunID, Units: units}
			if warnings {
				if report.Warnings, err = a.tasks.Warnings(ctx, cp.RunID); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().BoolVar(&warnings, "warnings", false, "include partial-data warnings")
	return cmd
}
