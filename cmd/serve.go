package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/company-research/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the task API and the worker pool",
		Long: `Serves the HTTP API and drains the job queue until SIGINT or SIGTERM.
Tasks left behind by a previous process are recovered once the workers
start, and stranded tasks are swept back onto the queue periodically.
In-flight attempts finish before the process exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			defer func() {
				if cerr := a.Close(); cerr != nil {
					rt.logger.Warn("close application services", zap.Error(cerr))
				}
			}()
			return a.Run(cmd.Context())
		},
	}
}
