package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/chainfetch/pkg/audit"
	"github.com/pario-ai/chainfetch/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve checkpoint, quota and journal inspection tools over stdio (MCP)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var journal mcp.AttemptSearcher
			if a.cfg.Audit.Enabled {
				l, err := audit.New(a.cfg.Audit)
				if err != nil {
					return err
				}
				a.closers = append(a.closers, l.Close)
				journal = l
			}

			return mcp.New(a.tasks, a.ledger, journal, version).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
