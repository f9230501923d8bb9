// internal/crawler/collect.go
package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"workflow-crawler/internal/database"
	"workflow-crawler/internal/github"
	"workflow-crawler/internal/model"
)

// collectTargets stores every organisation and repository named by the targets.
func (c *Crawler) collectTargets(ctx context.Context) error {
	orgs, targets := model.SplitTargets(c.opts.Targets)
	c.logger.Debug("Split crawl targets", "organisations", len(orgs), "repositories", len(targets))

	repos := make([]model.Repository, 0, len(targets))
	for _, t := range targets {
		if t.Docker {
			c.logger.Warn("Skipping container image target", "target", t.String())
			continue
		}
		repos = append(repos, model.Repository{Org: t.Org, Name: t.Repo, Ref: t.Ref})
	}

	if c.opts.AllBranches || c.opts.AllTags {
		var err error
		if repos, err = c.populateRefs(ctx, repos); err != nil {
			return err
		}
	}

	if err := c.collectOrgs(ctx, orgs); err != nil {
		return err
	}
	return c.collectRepos(ctx, repos)
}

// populateRefs expands each repository into one entry per branch and/or tag.
func (c *Crawler) populateRefs(ctx context.Context, repos []model.Repository) ([]model.Repository, error) {
	var refTypes []model.RefType
	if c.opts.AllBranches {
		refTypes = append(refTypes, model.RefTypeBranch)
	}
	if c.opts.AllTags {
		refTypes = append(refTypes, model.RefTypeTag)
	}

	var expanded []model.Repository
	for _, repo := range repos {
		logger := c.logger.With("repo", repo.FullName())
		logger.Info("Fetching repository")
		fresh, err := c.platform.GetRepository(ctx, repo.Org, repo.Name)
		if err != nil {
			if github.IsTransient(err) {
				return nil, err
			}
			logger.Error("Repository not available, skipping its refs", "error", err)
			continue
		}

		for _, refType := range refTypes {
			logger.Info("Fetching refs", "type", refType.String())
			err := c.platform.ListTagsOrBranches(ctx, fresh, refType, func(refs []github.Ref) error {
				for _, ref := range refs {
					expanded = append(expanded, model.Repository{
						Org:        fresh.Org,
						Name:       fresh.Name,
						Ref:        ref.Name,
						RefType:    refType,
						RefCommit:  ref.Commit,
						Visibility: fresh.Visibility,
					})
				}
				return nil
			})
			if err != nil {
				if github.IsTransient(err) {
					return nil, err
				}
				logger.Error("Could not list refs", "type", refType.String(), "error", err)
			}
		}
	}
	return expanded, nil
}

// collectOrgs enumerates each organisation that has not been fully scanned. An
// organisation is only marked SCANNED after its last page has been stored.
func (c *Crawler) collectOrgs(ctx context.Context, names []string) error {
	for i, name := range names {
		logger := c.logger.With("org", name)
		logger.Info("Processing organisation", "position", i+1, "total", len(names))

		var org model.Organisation
		skip := false
		err := c.store.Do(ctx, func(q database.Querier) error {
			var err error
			if org, err = q.UpsertOrganisation(ctx, name); err != nil {
				return err
			}
			c.orgs.Add(strings.ToLower(name), org)

			switch {
			case org.PollStatus == model.PollStatusScanned && org.Status != model.OrgStatusNone:
				skip = true
				return nil
			case org.PollStatus == model.PollStatusNone:
				return q.SetOrganisationPollStatus(ctx, org.ID, model.PollStatusPending)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if skip {
			logger.Debug("Organisation already scanned, skipping")
			continue
		}

		status := model.OrgStatusOK
		err = c.platform.GetOrgRepos(ctx, name, c.opts.IncludeForks, c.opts.IncludeArchived, func(page []model.Repository) error {
			return c.store.Do(ctx, func(q database.Querier) error {
				for _, repo := range page {
					repo.OrgID = org.ID
					repo.PollStatus = model.PollStatusPending
					if _, err := q.CreateRepository(ctx, repo); err != nil {
						return err
					}
				}
				return nil
			})
		})
		switch {
		case errors.Is(err, github.ErrAccountNotFound), errors.Is(err, github.ErrUnknownAccountType):
			logger.Error("Organisation not found", "error", err)
			status = model.OrgStatusMissing
		case err != nil:
			return err
		}

		err = c.store.Do(ctx, func(q database.Querier) error {
			if err := q.SetOrganisationStatus(ctx, org.ID, status); err != nil {
				return err
			}
			return q.SetOrganisationPollStatus(ctx, org.ID, model.PollStatusScanned)
		})
		if err != nil {
			return err
		}
		if err := c.store.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// collectRepos saves explicit repository targets, threads at a time.
func (c *Crawler) collectRepos(ctx context.Context, repos []model.Repository) error {
	pending := 0
	for start := 0; start < len(repos); start += c.opts.Threads {
		end := min(start+c.opts.Threads, len(repos))
		c.logger.Info("Processing repositories", "done", end, "total", len(repos))

		if err := runBatch(ctx, c.opts.Threads, repos[start:end], c.saveRepo); err != nil {
			return err
		}

		pending += end - start
		if pending >= commitEvery {
			pending = 0
			if err := c.store.Commit(); err != nil {
				return err
			}
		}
	}

	// Organisations reached only through explicit repositories count as scanned,
	// with no discovery outcome, so a later organisation crawl still runs.
	err := c.store.Do(ctx, func(q database.Querier) error {
		seen := make(map[string]bool)
		for _, repo := range repos {
			key := strings.ToLower(repo.Org)
			if seen[key] {
				continue
			}
			seen[key] = true
			org, err := q.UpsertOrganisation(ctx, repo.Org)
			if err != nil {
				return err
			}
			if org.PollStatus == model.PollStatusNone {
				if err := q.SetOrganisationPollStatus(ctx, org.ID, model.PollStatusScanned); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return c.store.Commit()
}

// saveRepo stores one explicit repository. A repository without a ref is looked up
// on the platform to find its default branch, unless an equivalent row already
// exists. A renamed repository is stored at its new name and the requested row
// becomes a REDIRECT to it.
func (c *Crawler) saveRepo(ctx context.Context, repo model.Repository) error {
	logger := c.logger.With("repo", repo.String())
	logger.Info("Saving repository")

	var existing *model.Repository
	done := false
	err := c.store.Do(ctx, func(q database.Querier) error {
		if repo.OrgID == 0 {
			org, err := c.upsertOrg(ctx, q, repo.Org)
			if err != nil {
				return err
			}
			repo.OrgID = org.ID
		}

		if repo.Ref != "" {
			repo.PollStatus = model.PollStatusPending
			_, err := q.CreateRepository(ctx, repo)
			done = true
			return err
		}

		found, err := q.FindRepository(ctx, database.FindRepositoryParams{OrgID: repo.OrgID, Name: repo.Name})
		switch {
		case database.IsNotFound(err):
			return nil
		case err != nil:
			return err
		case alreadyStored(found):
			done = true
			return nil
		}
		existing = &found
		return nil
	})
	if err != nil || done {
		return err
	}

	fresh, err := c.platform.GetRepository(ctx, repo.Org, repo.Name)
	if err != nil {
		if github.IsTransient(err) {
			return err
		}
		logger.Error("Repository not found", "error", err)
		return c.store.Do(ctx, func(q database.Querier) error {
			return c.storeUnavailable(ctx, q, repo, existing, github.StatusForError(err))
		})
	}

	return c.store.Do(ctx, func(q database.Querier) error {
		if strings.EqualFold(fresh.Org, repo.Org) && strings.EqualFold(fresh.Name, repo.Name) {
			fresh.OrgID = repo.OrgID
			fresh.PollStatus = model.PollStatusPending
			if existing == nil {
				_, err := q.CreateRepository(ctx, *fresh)
				return err
			}
			return c.claimDefaultBranch(ctx, q, existing, fresh)
		}

		logger.Info("Repository was renamed", "canonical", fresh.FullName())
		org, err := c.upsertOrg(ctx, q, fresh.Org)
		if err != nil {
			return err
		}
		fresh.OrgID = org.ID
		fresh.PollStatus = model.PollStatusPending
		canonical, err := q.CreateRepository(ctx, *fresh)
		if err != nil {
			return err
		}

		if existing != nil {
			if !c.allowRepoStatus(*existing, model.RepoStatusRedirect) {
				return nil
			}
			return q.SetRepositoryRedirect(ctx, existing.ID, canonical.ID)
		}
		repo.Status = model.RepoStatusRedirect
		repo.RedirectID = canonical.ID
		_, err = q.CreateRepository(ctx, repo)
		return err
	})
}

// claimDefaultBranch moves a ref-less row onto the default branch, or points it at
// the row that already holds that ref.
func (c *Crawler) claimDefaultBranch(ctx context.Context, q database.Querier, existing, fresh *model.Repository) error {
	other, err := q.FindRepository(ctx, database.FindRepositoryParams{OrgID: fresh.OrgID, Name: fresh.Name, Ref: fresh.Ref})
	switch {
	case err == nil && other.ID != existing.ID:
		if !c.allowRepoStatus(*existing, model.RepoStatusRedirect) {
			return nil
		}
		return q.SetRepositoryRedirect(ctx, existing.ID, other.ID)
	case err != nil && !database.IsNotFound(err):
		return err
	}

	if !c.allowRepoStatus(*existing, fresh.Status) || !c.allowRepoPollStatus(*existing, model.PollStatusPending) {
		return nil
	}
	fresh.ID = existing.ID
	if err := q.UpdateRepository(ctx, *fresh); err != nil {
		return err
	}
	return q.SetRepositoryPollStatus(ctx, existing.ID, model.PollStatusPending)
}

// storeUnavailable records a repository the platform would not return. It is
// marked SCANNED so no phase picks it up again.
func (c *Crawler) storeUnavailable(ctx context.Context, q database.Querier, repo model.Repository, existing *model.Repository, status model.RepoStatus) error {
	if existing != nil {
		if err := c.setRepoStatus(ctx, q, *existing, status); err != nil {
			return err
		}
		return c.setRepoPollStatus(ctx, q, *existing, model.PollStatusScanned)
	}
	repo.Status = status
	repo.PollStatus = model.PollStatusScanned
	if _, err := q.CreateRepository(ctx, repo); err != nil {
		return fmt.Errorf("storing unavailable repository %s: %w", repo, err)
	}
	return nil
}

// alreadyStored reports whether a stored row makes a new lookup unnecessary.
func alreadyStored(repo model.Repository) bool {
	return repo.Ref != "" || repo.Status != model.RepoStatusNone
}
