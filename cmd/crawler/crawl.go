// cmd/crawler/crawl.go
package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"workflow-crawler/internal/config"
	"workflow-crawler/internal/crawler"
	"workflow-crawler/internal/database"
	"workflow-crawler/internal/github"
	"workflow-crawler/internal/parser"
)

var _ crawler.Platform = (*github.Client)(nil)

func newCrawlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl organisations and repositories for workflows",
		Example: `  crawler crawl --token $GITHUB_TOKEN --repo octo --repo octo/widgets@main
  crawler crawl --repo ./targets.txt --threads 8 --db postgres://localhost/crawler`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// 1. Load configuration
			cfg, err := config.LoadConfig(cmd.Flags())
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			// 2. Initialize structured logger
			logger, closeLog := newLogger(cfg)
			defer closeLog()

			if err := cfg.ValidateCrawl(); err != nil {
				return err
			}
			logger.Info("Configuration loaded successfully", "targets", len(cfg.Repos), "threads", cfg.Threads)
			return runCrawl(cmd.Context(), cfg, logger)
		},
	}
	config.RegisterCrawlFlags(cmd.Flags())
	return cmd
}

// runCrawl wires the store, the GitHub client and the crawler, then runs every phase.
func runCrawl(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// 3. Initialize database connection and run migrations
	db, err := database.Open(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	logger.Info("Database ready, migrations applied", "dialect", db.Dialect().String())

	// 4. Initialize application components
	client, err := github.NewClient(cfg.GithubTokens, logger,
		github.WithBaseURL(cfg.APIBaseURL),
		github.WithRawBaseURL(cfg.RawBaseURL),
	)
	if err != nil {
		return fmt.Errorf("failed to create GitHub client: %w", err)
	}

	c, err := crawler.New(client, database.NewSession(db, cfg.Threads > 1), parser.NewProcessor(), crawler.Options{
		Targets:               cfg.Repos,
		Workflows:             cfg.Workflows,
		Threads:               cfg.Threads,
		ResumeNext:            cfg.ResumeNext,
		AllBranches:           cfg.AllBranches,
		AllTags:               cfg.AllTags,
		IncludeForks:          cfg.IncludeForks,
		IncludeArchived:       cfg.IncludeArchived,
		RateLimitPause:        cfg.RateLimitPause,
		ServerErrorPause:      cfg.ServerErrorPause,
		MaxServerErrorRetries: cfg.MaxServerErrorRetries,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create crawler: %w", err)
	}

	// 5. Run the crawl until every phase is drained or ctx is cancelled
	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("crawl failed: %w", err)
	}

	summary, err := db.Queries().Summary(ctx)
	if err != nil {
		return fmt.Errorf("failed to summarise crawl: %w", err)
	}
	logger.Info("Store summary",
		"organisations", summary.Organisations,
		"repositories", summary.Repositories,
		"workflows", summary.Workflows,
		"relationships", summary.Relationships,
		"workflow_statuses", summary.WorkflowStatuses,
	)
	return nil
}
