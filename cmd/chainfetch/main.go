package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	var (
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:           "chainfetch",
		Short:         "Quota-safe, resumable market data fetcher",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(strings.ToUpper(logLevel))); err != nil {
				return fmt.Errorf("invalid --log-level %q", logLevel)
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to chainfetch config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(&configPath),
		newResumeCmd(&configPath),
		newStatusCmd(&configPath),
		newQuotaCmd(&configPath),
		newPlanCmd(&configPath),
		newFailedCmd(&configPath),
		newAuditCmd(&configPath),
		newMCPCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
