package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/chainfetch/pkg/models"
	"github.com/pario-ai/chainfetch/pkg/planner"
)

func newPlanCmd(configPath *string) *cobra.Command {
	var listUnits bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Estimate units, quota cost and days needed without fetching",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			req, err := a.cfg.Request(time.Now())
			if err != nil {
				return err
			}
			units, err := planner.Plan(req, planner.Budget{DailyCap: a.ledger.DailyCap()})
			if err != nil {
				return err
			}
			est := planner.Summarize(units, a.ledger.DailyCap())

			var remainingToday int64
			statuses, err := a.ledger.Status(context.Background())
			if err != nil {
				return err
			}
			for _, s := range statuses {
				if s.Window.Kind == models.WindowDaily {
					remainingToday = s.Remaining
				}
			}

			type breakdown struct {
				units int
				secs  int
				cost  int64
			}
			byKind := make(map[models.UnitKind]*breakdown)
			for _, u := range units {
				b := byKind[u.Kind]
				if b == nil {
					b = &breakdown{}
					byKind[u.Kind] = b
				}
				b.units++
				b.secs += len(u.Securities)
				if u.Status != models.StatusSkipped {
					b.cost += u.EstimatedCost
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tUNITS\tSECURITIES\tCOST")
			for _, k := range []models.UnitKind{models.KindEquity, models.KindOption} {
				if b := byKind[k]; b != nil {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", k, b.units, b.secs, b.cost)
				}
			}
			fmt.Fprintln(w)
			fmt.Fprintf(w, "Period:\t%s (%d metered)\n", req.Period, req.Period.Count())
			fmt.Fprintf(w, "Units:\t%d (%d skipped)\n", est.Units, est.Skipped)
			fmt.Fprintf(w, "Total cost:\t%d\n", est.TotalCost)
			fmt.Fprintf(w, "Daily cap:\t%d (%d left today)\n", a.ledger.DailyCap(), remainingToday)
			fmt.Fprintf(w, "Days needed:\t%d\n", est.Days)
			if err := w.Flush(); err != nil {
				return err
			}

			if !listUnits {
				return nil
			}
			fmt.Println()
			w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "UNIT\tKIND\tUNDERLYING\tSECURITIES\tFIELDS\tCOST\tSTATUS")
			for _, u := range units {
				status := string(u.Status)
				if u.SkipReason != "" {
					status += " (" + u.SkipReason + ")"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
					u.ID, u.Kind, u.Underlying, len(u.Securities), strings.Join(u.Fields, ","), u.EstimatedCost, status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&listUnits, "units", false, "list every planned unit")
	return cmd
}
