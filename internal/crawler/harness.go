// internal/crawler/harness.go
package crawler

import (
	"context"

	"golang.org/x/sync/errgroup"

	"workflow-crawler/internal/database"
)

// runBatch runs work on every item with at most limit goroutines. The first error
// cancels the remaining items and is returned.
func runBatch[T any](ctx context.Context, limit int, items []T, work func(context.Context, T) error) error {
	if limit <= 1 || len(items) == 1 {
		for _, item := range items {
			if err := work(ctx, item); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			return work(gctx, item)
		})
	}
	return g.Wait()
}

// drain repeatedly pulls the next batch of at most threads items from the store,
// fans it out, and commits. It stops when the store has nothing left. Every item
// must leave the state next selects on, or fail the batch.
func drain[T any](ctx context.Context, store Store, threads int,
	next func(ctx context.Context, q database.Querier, n int) ([]T, error),
	work func(context.Context, T) error,
) error {
	for {
		var batch []T
		err := store.Do(ctx, func(q database.Querier) error {
			var err error
			batch, err = next(ctx, q, threads)
			return err
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return store.Commit()
		}

		if err := runBatch(ctx, threads, batch, work); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := store.Commit(); err != nil {
			return err
		}
	}
}
