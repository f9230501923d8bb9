// internal/crawler/crawler.go
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"workflow-crawler/internal/database"
	custom_errors "workflow-crawler/internal/errors"
	"workflow-crawler/internal/github"
	"workflow-crawler/internal/model"
	"workflow-crawler/internal/parser"
)

const (
	// Explicit repository targets are committed in chunks of this size.
	commitEvery  = 100
	orgCacheSize = 4096
	workflowsDir = ".github/workflows"
)

// Platform is the part of the GitHub client the crawler drives.
type Platform interface {
	GetOrgRepos(ctx context.Context, name string, includeForks, includeArchived bool, fn func([]model.Repository) error) error
	GetRepository(ctx context.Context, org, name string) (*model.Repository, error)
	FulfillRepository(ctx context.Context, repo *model.Repository) error
	Ls(ctx context.Context, repo *model.Repository, path string) ([]string, error)
	Download(ctx context.Context, wf *model.Workflow) (string, error)
	DownloadAction(ctx context.Context, wf *model.Workflow) (string, error)
	GetSubmodule(ctx context.Context, wf *model.Workflow) (*model.Workflow, error)
	ListTagsOrBranches(ctx context.Context, repo *model.Repository, refType model.RefType, fn func([]github.Ref) error) error
	GetTagFromCommit(ctx context.Context, repo *model.Repository, commit string) (string, error)
	GetBranchFromCommit(ctx context.Context, repo *model.Repository, commit string) (string, error)
	WaitForCapacity(ctx context.Context, pause time.Duration) error
	RequestCount() int64
}

// Store is the serialised store handle shared by all workers.
type Store interface {
	Do(ctx context.Context, fn func(q database.Querier) error) error
	Commit() error
	Rollback() error
	QueryCount() int64
}

// ContentProcessor parses downloaded workflow files.
type ContentProcessor interface {
	Process(contents string) (*parser.Result, error)
}

// Options configures one crawl.
type Options struct {
	Targets               []string
	Workflows             []string
	Threads               int
	ResumeNext            bool
	AllBranches           bool
	AllTags               bool
	IncludeForks          bool
	IncludeArchived       bool
	RateLimitPause        time.Duration
	ServerErrorPause      time.Duration
	MaxServerErrorRetries int
}

// Crawler discovers, downloads, and indexes workflow files in five resumable phases.
type Crawler struct {
	platform  Platform
	store     Store
	processor ContentProcessor
	opts      Options
	orgs      *lru.Cache[string, model.Organisation]
	allowed   map[string]struct{}
	logger    *slog.Logger
}

// New creates a Crawler. Organisation targets cannot be combined with
// AllBranches or AllTags.
func New(platform Platform, store Store, processor ContentProcessor, opts Options, logger *slog.Logger) (*Crawler, error) {
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	if opts.AllBranches || opts.AllTags {
		orgs, _ := model.SplitTargets(opts.Targets)
		if len(orgs) > 0 {
			return nil, &custom_errors.ErrInvalidOrgFormat{Org: orgs[0], Reason: "--all-branches and --all-tags only apply to repositories"}
		}
	}

	cache, err := lru.New[string, model.Organisation](orgCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create organisation cache: %w", err)
	}

	allowed := make(map[string]struct{}, len(opts.Workflows))
	for _, name := range opts.Workflows {
		if name = strings.TrimSpace(name); name != "" {
			allowed[model.WorkflowName(name)] = struct{}{}
		}
	}

	return &Crawler{
		platform:  platform,
		store:     store,
		processor: processor,
		opts:      opts,
		orgs:      cache,
		allowed:   allowed,
		logger:    logger,
	}, nil
}

// Run executes every phase until there is no work left. Rate limit exhaustion and
// server errors restart the phase sequence when ResumeNext is set; anything else
// aborts the run.
func (c *Crawler) Run(ctx context.Context) error {
	c.logger.Info("Starting crawl", "targets", len(c.opts.Targets), "threads", c.opts.Threads)
	defer func() {
		c.logger.Info("Crawl totals", "api_requests", c.platform.RequestCount(), "store_queries", c.store.QueryCount())
	}()

	serverErrors := 0
	for {
		err := c.runPhases(ctx)
		if err == nil {
			c.logger.Info("Crawl finished")
			return nil
		}
		c.discardBatch()

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case c.opts.ResumeNext && errors.Is(err, github.ErrRateLimitExceeded):
			c.logger.Warn("Rate limit exhausted, waiting for capacity", "pause", c.opts.RateLimitPause.String(), "error", err)
			if err := c.platform.WaitForCapacity(ctx, c.opts.RateLimitPause); err != nil {
				return err
			}
		case c.opts.ResumeNext && errors.Is(err, github.ErrServerError) && serverErrors < c.opts.MaxServerErrorRetries:
			serverErrors++
			c.logger.Warn("Server error, pausing before resuming", "pause", c.opts.ServerErrorPause.String(), "attempt", serverErrors, "error", err)
			if err := sleep(ctx, c.opts.ServerErrorPause); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

func (c *Crawler) runPhases(ctx context.Context) error {
	phases := []struct {
		name string
		run  func(context.Context) error
	}{
		{"Collecting repositories", c.collectTargets},
		{"Scanning for workflows", c.scanWorkflows},
		{"Loading repository details", c.loadRepositoryDetails},
		{"Downloading workflows", c.downloadWorkflows},
		{"Resolving commits to tags and branches", c.resolveCommits},
	}
	for _, phase := range phases {
		c.logger.Info(phase.name)
		if err := phase.run(ctx); err != nil {
			return err
		}
	}
	return nil
}

// discardBatch rolls back the interrupted batch. Cached organisations may refer to
// rows that no longer exist, so the cache goes with it.
func (c *Crawler) discardBatch() {
	if err := c.store.Rollback(); err != nil {
		c.logger.Error("Failed to roll back interrupted batch", "error", err)
	}
	c.orgs.Purge()
}

// upsertOrg returns the stored organisation, creating it if needed. Only the ID of a
// cached organisation is current.
func (c *Crawler) upsertOrg(ctx context.Context, q database.Querier, name string) (model.Organisation, error) {
	key := strings.ToLower(name)
	if org, ok := c.orgs.Get(key); ok {
		return org, nil
	}
	org, err := q.UpsertOrganisation(ctx, name)
	if err != nil {
		return model.Organisation{}, err
	}
	c.orgs.Add(key, org)
	return org, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
