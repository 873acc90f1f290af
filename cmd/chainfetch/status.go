package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/chainfetch/pkg/ledger"
	"github.com/pario-ai/chainfetch/pkg/models"
	"github.com/pario-ai/chainfetch/pkg/taskstore"
)

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show checkpoint progress and quota usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := context.Background()

			cp, err := a.tasks.Latest(ctx)
			switch {
			case errors.Is(err, taskstore.ErrNoActiveCheckpoint):
				fmt.Println("No checkpoints yet.")
			case err != nil:
				return err
			default:
				if err := printCheckpoint(os.Stdout, cp); err != nil {
					return err
				}
			}
			fmt.Println()
			return printQuota(ctx, os.Stdout, a.ledger)
		},
	}
}

func newQuotaCmd(configPath *string) *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show quota windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := context.Background()

			if err := printQuota(ctx, os.Stdout, a.ledger); err != nil {
				return err
			}
			if history <= 0 {
				return nil
			}
			fmt.Println()
			return printHistory(ctx, os.Stdout, a.ledgerStore, history)
		},
	}

	cmd.Flags().IntVar(&history, "history", 0, "also list this many past windows per kind")
	return cmd
}

func printCheckpoint(out io.Writer, cp *models.Checkpoint) error {
	state := "open"
	if cp.CompletedAt != nil {
		state = "closed " + cp.CompletedAt.Format("2006-01-02 15:04:05")
	}
	counts := cp.Counts()

	var remaining int64
	for _, u := range cp.Units {
		if u.Status == models.StatusPending || u.Status == models.StatusInFlight {
			remaining += u.EstimatedCost
		}
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Run:\t%d (%s)\n", cp.RunID, state)
	fmt.Fprintf(w, "Request:\t%s\n", cp.RequestDigest)
	fmt.Fprintf(w, "Created:\t%s\n", cp.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Units:\t%d\n", len(cp.Units))
	for _, s := range []models.UnitStatus{
		models.StatusPending, models.StatusInFlight, models.StatusDone, models.StatusFailed, models.StatusSkipped,
	} {
		fmt.Fprintf(w, "  %s:\t%d\n", s, counts[s])
	}
	fmt.Fprintf(w, "Remaining cost:\t%d\n", remaining)
	return w.Flush()
}

func printQuota(ctx context.Context, out io.Writer, l *ledger.Ledger) error {
	statuses, err := l.Status(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WINDOW\tPERIOD\tCAP\tCONSUMED\tRESERVED\tREMAINING")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n",
			s.Window.Kind, s.Window.PeriodKey, s.Window.Cap, s.Window.Consumed, s.Reserved, s.Remaining)
	}
	return w.Flush()
}

func printHistory(ctx context.Context, out io.Writer, store ledger.Store, limit int) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WINDOW\tPERIOD\tCAP\tCONSUMED")
	for _, kind := range []models.WindowKind{models.WindowDaily, models.WindowMonthly} {
		windows, err := store.History(ctx, kind, limit)
		if err != nil {
			return err
		}
		for _, win := range windows {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", win.Kind, win.PeriodKey, win.Cap, win.Consumed)
		}
	}
	return w.Flush()
}
