// internal/crawler/transitions.go
package crawler

import (
	"context"

	"workflow-crawler/internal/database"
	"workflow-crawler/internal/model"
)

// Every status write is checked against the model's transition tables. A rejected
// write is logged and skipped; the row keeps the status it already has.

func (c *Crawler) allowRepoStatus(repo model.Repository, next model.RepoStatus) bool {
	if repo.Status.CanBecome(next) {
		return true
	}
	c.logger.Error("Rejected repository status change",
		"repo", repo.String(), "from", repo.Status.String(), "to", next.String())
	return false
}

func (c *Crawler) allowRepoPollStatus(repo model.Repository, next model.PollStatus) bool {
	if repo.PollStatus.CanBecome(next) {
		return true
	}
	c.logger.Error("Rejected repository poll status change",
		"repo", repo.String(), "from", repo.PollStatus.String(), "to", next.String())
	return false
}

func (c *Crawler) allowWorkflowStatus(wf model.Workflow, next model.WorkflowStatus) bool {
	if wf.Status.CanBecome(next) {
		return true
	}
	c.logger.Error("Rejected workflow status change",
		"workflow", wf.String(), "from", wf.Status.String(), "to", next.String())
	return false
}

func (c *Crawler) setRepoStatus(ctx context.Context, q database.Querier, repo model.Repository, next model.RepoStatus) error {
	if !c.allowRepoStatus(repo, next) {
		return nil
	}
	return q.SetRepositoryStatus(ctx, repo.ID, next)
}

func (c *Crawler) setRepoPollStatus(ctx context.Context, q database.Querier, repo model.Repository, next model.PollStatus) error {
	if !c.allowRepoPollStatus(repo, next) {
		return nil
	}
	return q.SetRepositoryPollStatus(ctx, repo.ID, next)
}

func (c *Crawler) setWorkflowStatus(ctx context.Context, wf model.Workflow, next model.WorkflowStatus) error {
	if !c.allowWorkflowStatus(wf, next) {
		return nil
	}
	return c.store.Do(ctx, func(q database.Querier) error {
		return q.UpdateWorkflowStatus(ctx, wf.ID, next)
	})
}
