package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/chainfetch/pkg/audit"
	"github.com/pario-ai/chainfetch/pkg/models"
)

func newAuditCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the request attempt journal",
	}

	cmd.AddCommand(
		newAuditSearchCmd(configPath),
		newAuditStatsCmd(configPath),
		newAuditCleanupCmd(configPath),
	)
	return cmd
}

func newAuditSearchCmd(configPath *string) *cobra.Command {
	var (
		runID   int64
		unitID  string
		outcome string
		since   string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.AuditQueryOpts{
				RunID:   runID,
				UnitID:  unitID,
				Outcome: outcome,
				Limit:   limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatAuditEntries(entries))
			return nil
		},
	}

	cmd.Flags().Int64Var(&runID, "run", 0, "filter by run ID")
	cmd.Flags().StringVar(&unitID, "unit", "", "filter by unit ID")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome (ok, partial, transient, fatal)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")

	return cmd
}

func newAuditStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show attempt counts by outcome and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatAuditStats(stats))
			return nil
		},
	}
}

func newAuditCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete journal entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d journal entries.\n", deleted)
			return nil
		},
	}
}

func openAuditLogger(configPath string) (*audit.Logger, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	l, err := audit.New(cfg.Audit)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func formatAuditEntries(entries []models.AttemptEntry) string {
	if len(entries) == 0 {
		return "No journal entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %5s %-24s %3s %-9s %5s %7s %8s %-20s\n",
		"CORRELATION ID", "RUN", "UNIT", "TRY", "OUTCOME", "SECS", "RECORDS", "LATENCY", "TIME")
	b.WriteString(strings.Repeat("-", 128) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-36s %5d %-24s %3d %-9s %5d %7d %6dms %-20s\n",
			e.CorrelationID, e.RunID, e.UnitID, e.Attempt, e.Outcome,
			e.Securities, e.Records, e.LatencyMs,
			e.CreatedAt.Format("2006-01-02 15:04:05"))
		if e.Error != "" {
			fmt.Fprintf(&b, "    error: %s\n", e.Error)
		}
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No journal stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-12s %8s\n", "OUTCOME", "DAY", "COUNT")
	b.WriteString(strings.Repeat("-", 34) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-12s %-12s %8d\n", s.Outcome, s.Day, s.Count)
	}
	return b.String()
}
