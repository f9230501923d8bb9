//go:build integration

// cmd/crawler/integration_test.go
package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"workflow-crawler/internal/config"
	"workflow-crawler/internal/database"
	"workflow-crawler/internal/model"
)

func setupTestDatabase(ctx context.Context, t *testing.T) string {
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(context.Background()))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func TestCrawl_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	connStr := setupTestDatabase(ctx, t)
	server := fakeGitHub(t)

	cfg := &config.Config{
		DBURL:        connStr,
		GithubTokens: []string{"ghp_testtoken"},
		Repos:        []string{"octo/widgets@main"},
		Threads:      4,
		APIBaseURL:   server.URL,
		RawBaseURL:   server.URL + "/raw",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// A second crawl over the same store finds nothing new.
	require.NoError(t, runCrawl(ctx, cfg, logger))
	require.NoError(t, runCrawl(ctx, cfg, logger))

	db, err := database.Open(ctx, connStr)
	require.NoError(t, err)
	defer db.Close()

	summary, err := db.Queries().Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Organisations)
	assert.Equal(t, int64(2), summary.Repositories)
	assert.Equal(t, int64(2), summary.Workflows)
	assert.Equal(t, int64(1), summary.Relationships)
	assert.Equal(t, int64(2), summary.WorkflowStatuses[model.WorkflowStatusDownloaded.String()])
}
