// internal/crawler/repos.go
package crawler

import (
	"context"
	"errors"

	"workflow-crawler/internal/database"
	"workflow-crawler/internal/github"
	"workflow-crawler/internal/model"
)

// loadRepositoryDetails resolves the ref of every scanned repository that still has
// workflows to download.
func (c *Crawler) loadRepositoryDetails(ctx context.Context) error {
	return drain(ctx, c.store, c.opts.Threads,
		func(ctx context.Context, q database.Querier, n int) ([]model.Repository, error) {
			return q.NextReposToFulfill(ctx, n)
		},
		func(ctx context.Context, repo model.Repository) error {
			_, err := c.fulfillRepo(ctx, &repo)
			return err
		},
	)
}

// fulfillRepo resolves repo in place and stores the result. It returns false when
// the repository or its ref does not exist; the repository status then records why.
func (c *Crawler) fulfillRepo(ctx context.Context, repo *model.Repository) (bool, error) {
	if repo.IsFulfilled() {
		return true, nil
	}

	logger := c.logger.With("repo", repo.String())
	logger.Info("Validating repository")
	stored := *repo

	err := c.platform.FulfillRepository(ctx, repo)
	switch {
	case err == nil:
		return true, c.store.Do(ctx, func(q database.Querier) error {
			return c.storeFulfilled(ctx, q, stored, repo)
		})
	case errors.Is(err, github.ErrRefNotFound), errors.Is(err, github.ErrRepoNotFound):
		status := repo.Status
		if status == model.RepoStatusNone || status == model.RepoStatusOK {
			status = model.RepoStatusMissing
		}
		logger.Error("Repository or ref not found", "status", status.String(), "error", err)
		repo.Status = status
		return false, c.store.Do(ctx, func(q database.Querier) error {
			return c.setRepoStatus(ctx, q, stored, status)
		})
	}
	return false, err
}

// storeFulfilled writes a resolved repository. When resolving moved the row onto a
// ref some other row already holds (a default branch, or the tag behind a signed
// tag's object SHA), the row becomes a REDIRECT to that row instead.
func (c *Crawler) storeFulfilled(ctx context.Context, q database.Querier, stored model.Repository, repo *model.Repository) error {
	if repo.Ref != stored.Ref {
		other, err := q.FindRepository(ctx, database.FindRepositoryParams{OrgID: repo.OrgID, Name: repo.Name, Ref: repo.Ref})
		switch {
		case err == nil && other.ID != repo.ID:
			if !c.allowRepoStatus(stored, model.RepoStatusRedirect) {
				return nil
			}
			c.logger.Info("Repository resolves to a stored ref", "repo", stored.String(), "ref", repo.Ref, "redirect_id", other.ID)
			repo.Status = model.RepoStatusRedirect
			repo.RedirectID = other.ID
			return q.SetRepositoryRedirect(ctx, repo.ID, other.ID)
		case err != nil && !database.IsNotFound(err):
			return err
		}
	}
	if !c.allowRepoStatus(stored, repo.Status) {
		return nil
	}
	return q.UpdateRepository(ctx, *repo)
}

// resolveCommits finds a tag, or failing that a branch, for every repository
// pinned to a bare commit.
func (c *Crawler) resolveCommits(ctx context.Context) error {
	return drain(ctx, c.store, c.opts.Threads,
		func(ctx context.Context, q database.Querier, n int) ([]model.Repository, error) {
			return q.NextCommitsToResolve(ctx, n)
		},
		c.resolveCommit,
	)
}

func (c *Crawler) resolveCommit(ctx context.Context, repo model.Repository) error {
	logger := c.logger.With("repo", repo.String())
	commit := repo.RefCommit
	if commit == "" {
		commit = repo.Ref
	}

	ref, refType, err := c.findRefForCommit(ctx, &repo, commit)
	if err != nil {
		if github.IsTransient(err) {
			return err
		}
		logger.Warn("Could not list refs", "error", err)
		ref, refType = "", model.RefTypeMissing
	}

	if refType == model.RefTypeMissing {
		logger.Warn("Could not resolve commit", "commit", commit)
	} else {
		logger.Info("Resolved commit", "commit", commit, "ref", ref, "type", refType.String())
	}

	return c.store.Do(ctx, func(q database.Querier) error {
		return q.SetRefResolvedFields(ctx, database.SetRefResolvedFieldsParams{ID: repo.ID, ResolvedRef: ref, ResolvedRefType: refType})
	})
}

// findRefForCommit checks tags before branches.
func (c *Crawler) findRefForCommit(ctx context.Context, repo *model.Repository, commit string) (string, model.RefType, error) {
	tag, err := c.platform.GetTagFromCommit(ctx, repo, commit)
	if err != nil || tag != "" {
		return tag, model.RefTypeTag, err
	}
	branch, err := c.platform.GetBranchFromCommit(ctx, repo, commit)
	if err != nil || branch != "" {
		return branch, model.RefTypeBranch, err
	}
	return "", model.RefTypeMissing, nil
}
