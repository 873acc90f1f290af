package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/chainfetch/pkg/engine"
)

func newRunCmd(configPath *string) *cobra.Command {
	var (
		force    bool
		simulate bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and execute a new fetch campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			req, err := a.cfg.Request(time.Now())
			if err != nil {
				return err
			}
			e, err := a.engine(ctx, simulate)
			if err != nil {
				return err
			}
			return finish(e.Start(ctx, req, force))
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "close an unfinished checkpoint and start over")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "use the simulated data source")
	return cmd
}

func newResumeCmd(configPath *string) *cobra.Command {
	var simulate bool

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue the active checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			e, err := a.engine(ctx, simulate)
			if err != nil {
				return err
			}
			return finish(e.Resume(ctx))
		},
	}

	cmd.Flags().BoolVar(&simulate, "simulate", false, "use the simulated data source")
	return cmd
}

func printSummary(s *engine.Summary) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Run:\t%d\n", s.RunID)
	fmt.Fprintf(w, "State:\t%s\n", s.State)
	fmt.Fprintf(w, "Done:\t%d\n", s.Done)
	fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	fmt.Fprintf(w, "Skipped:\t%d\n", s.Skipped)
	fmt.Fprintf(w, "Pending:\t%d\n", s.Pending)
	fmt.Fprintf(w, "Partial warnings:\t%d\n", s.PartialWarnings)
	fmt.Fprintf(w, "Cost committed:\t%d\n", s.CostCommitted)
	fmt.Fprintf(w, "Checkpoint closed:\t%t\n", s.Closed)
	fmt.Fprintf(w, "Duration:\t%s\n", s.Duration.Round(time.Millisecond))
	return w.Flush()
}
