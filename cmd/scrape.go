package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/company-research/internal/app"
	"github.com/JakeFAU/company-research/internal/research"
)

func newScrapeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Runs a single lookup without the task queue",
	}
	cmd.AddCommand(newScrapeWebsiteCmd(), newScrapeRegistryCmd())
	return cmd
}

func newScrapeWebsiteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "website <domain>",
		Short: "Scrapes a company website and prints the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScrapers(cmd, func(s *app.Scrapers) (any, error) {
				return s.Website.ScrapeCompanyInfo(cmd.Context(), args[0])
			})
		},
	}
}

func newScrapeRegistryCmd() *cobra.Command {
	var (
		jurisdiction string
		searchOnly   bool
	)
	cmd := &cobra.Command{
		Use:   "registry <company name>",
		Short: "Looks a company up in the corporate registry and prints the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScrapers(cmd, func(s *app.Scrapers) (any, error) {
				if searchOnly {
					return s.Registry.SearchCompanies(cmd.Context(), args[0], jurisdiction)
				}
				return s.Registry.Research(cmd.Context(), research.Subject{
					Kind:         research.KindRegistry,
					Key:          args[0],
					Jurisdiction: jurisdiction,
				})
			})
		},
	}
	cmd.Flags().StringVar(&jurisdiction, "jurisdiction", "", "registry jurisdiction code, e.g. us_de")
	cmd.Flags().BoolVar(&searchOnly, "search-only", false, "print search candidates without loading details")
	return cmd
}

func withScrapers(cmd *cobra.Command, run func(*app.Scrapers) (any, error)) error {
	rt, err := resolveSession(cmd.Context())
	if err != nil {
		return err
	}
	scrapers, err := app.NewScrapers(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("build scrapers: %w", err)
	}
	defer func() {
		if cerr := scrapers.Close(); cerr != nil {
			rt.logger.Warn("close scrapers", zap.Error(cerr))
		}
	}()

	out, err := run(scrapers)
	if err != nil {
		rt.logger.Debug("scrape failed", zap.String("trace", eris.ToString(err, true)))
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
