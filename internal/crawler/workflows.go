// internal/crawler/workflows.go
package crawler

import (
	"context"
	"errors"
	"strings"

	"workflow-crawler/internal/database"
	"workflow-crawler/internal/github"
	"workflow-crawler/internal/model"
)

// scanWorkflows lists the workflow directory of every PENDING repository.
func (c *Crawler) scanWorkflows(ctx context.Context) error {
	return drain(ctx, c.store, c.opts.Threads,
		func(ctx context.Context, q database.Querier, n int) ([]model.Repository, error) {
			return q.NextReposToScan(ctx, n)
		},
		c.scanRepo,
	)
}

func (c *Crawler) scanRepo(ctx context.Context, repo model.Repository) error {
	logger := c.logger.With("repo", repo.String())
	logger.Info("Searching for workflows")

	status := model.RepoStatusNone
	files, err := c.platform.Ls(ctx, &repo, workflowsDir)
	if err != nil {
		if github.IsTransient(err) {
			return err
		}
		status = github.StatusForError(err)
		logger.Warn("Could not list workflows", "status", status.String(), "error", err)
	}
	paths := c.filterWorkflows(files)

	return c.store.Do(ctx, func(q database.Querier) error {
		for _, path := range paths {
			logger.Debug("Saving workflow", "path", path)
			wf := model.Workflow{RepoID: repo.ID, Path: path, Type: model.WorkflowTypeWorkflow}
			if _, err := q.CreateWorkflow(ctx, wf); err != nil {
				return err
			}
		}
		if len(paths) == 0 {
			if status == model.RepoStatusNone {
				status = model.RepoStatusNoWorkflows
			}
			if err := c.setRepoStatus(ctx, q, repo, status); err != nil {
				return err
			}
		}
		return c.setRepoPollStatus(ctx, q, repo, model.PollStatusScanned)
	})
}

// filterWorkflows keeps YAML files, restricted to the allow-list when one is set.
func (c *Crawler) filterWorkflows(files []string) []string {
	var paths []string
	skipped := 0
	for _, file := range files {
		if !model.IsYAML(file) {
			c.logger.Warn("Skipping workflow file, wrong extension", "path", file)
			continue
		}
		if len(c.allowed) > 0 {
			if _, ok := c.allowed[model.WorkflowName(file)]; !ok {
				skipped++
				continue
			}
		}
		paths = append(paths, file)
	}
	if skipped > 0 {
		c.logger.Debug("Skipped workflows not in the allow-list", "found", len(files), "skipped", skipped)
	}
	return paths
}

// downloadWorkflows downloads every workflow with status NONE, including the ones
// discovered while processing earlier downloads.
func (c *Crawler) downloadWorkflows(ctx context.Context) error {
	return drain(ctx, c.store, c.opts.Threads,
		func(ctx context.Context, q database.Querier, n int) ([]model.Workflow, error) {
			return q.NextWorkflowsToDownload(ctx, n)
		},
		c.downloadWorkflow,
	)
}

func (c *Crawler) downloadWorkflow(ctx context.Context, wf model.Workflow) error {
	logger := c.logger.With("workflow", wf.String())
	logger.Info("Downloading workflow")

	if wf.Repo.Status == model.RepoStatusRedirect && wf.Repo.RedirectID != 0 {
		err := c.store.Do(ctx, func(q database.Querier) error {
			canonical, err := q.GetRepository(ctx, wf.Repo.RedirectID)
			if err == nil {
				wf.Repo = canonical
			}
			return err
		})
		if err != nil {
			return err
		}
	}

	switch wf.Repo.Status {
	case model.RepoStatusNone, model.RepoStatusOK, model.RepoStatusNoWorkflows, model.RepoStatusRedirect:
	default:
		logger.Warn("Repository is unavailable", "status", wf.Repo.Status.String())
		return c.setWorkflowStatus(ctx, wf, model.WorkflowStatusMissing)
	}

	ok, err := c.fulfillRepo(ctx, &wf.Repo)
	if err != nil {
		return err
	}
	if !ok {
		return c.setWorkflowStatus(ctx, wf, model.WorkflowStatusMissing)
	}

	previousType, previousPath := wf.Type, wf.Path
	contents, err := c.download(ctx, &wf)
	if wf.Type != previousType || wf.Path != previousPath {
		moved, moveErr := c.moveWorkflow(ctx, &wf)
		if moveErr != nil {
			return moveErr
		}
		if !moved {
			return nil
		}
	}

	switch {
	case errors.Is(err, errUnknownWorkflowType):
		logger.Error("Workflow is neither a YAML file nor an action")
		return c.setWorkflowStatus(ctx, wf, model.WorkflowStatusError)
	case errors.Is(err, github.ErrFileMissing):
		logger.Info("Workflow not found, checking for a submodule")
		return c.followSubmodule(ctx, wf)
	case err != nil && github.IsTransient(err):
		return err
	case err != nil:
		logger.Error("Could not download workflow", "error", err)
		return c.setWorkflowStatus(ctx, wf, model.WorkflowStatusError)
	}

	return c.storeContents(ctx, wf, contents)
}

var errUnknownWorkflowType = errors.New("workflow path has no yaml extension and is not an action")

func (c *Crawler) download(ctx context.Context, wf *model.Workflow) (string, error) {
	if model.IsYAML(wf.Path) {
		return c.platform.Download(ctx, wf)
	}
	if wf.Type != model.WorkflowTypeAction {
		return "", errUnknownWorkflowType
	}
	return c.platform.DownloadAction(ctx, wf)
}

// moveWorkflow persists a path and type discovered while downloading. If another
// row already holds the new path, this one becomes a REDIRECT to it and moved is false.
func (c *Crawler) moveWorkflow(ctx context.Context, wf *model.Workflow) (moved bool, err error) {
	err = c.store.Do(ctx, func(q database.Querier) error {
		other, err := q.FindWorkflow(ctx, wf.RepoID, wf.Path)
		switch {
		case err == nil && other.ID != wf.ID:
			if !c.allowWorkflowStatus(*wf, model.WorkflowStatusRedirect) {
				return nil
			}
			if err := q.UpdateWorkflowRedirect(ctx, wf.ID, other.ID); err != nil {
				return err
			}
			return q.UpdateWorkflowStatus(ctx, wf.ID, model.WorkflowStatusRedirect)
		case err != nil && !database.IsNotFound(err):
			return err
		}
		moved = true
		return q.UpdateWorkflowTypeAndPath(ctx, database.UpdateWorkflowTypeAndPathParams{ID: wf.ID, Type: wf.Type, Path: wf.Path})
	})
	return moved, err
}

// followSubmodule marks the workflow SUBMODULE and queues the file inside the
// embedded repository, or marks it MISSING when the path is not a submodule.
func (c *Crawler) followSubmodule(ctx context.Context, wf model.Workflow) error {
	sub, err := c.platform.GetSubmodule(ctx, &wf)
	if err != nil {
		if github.IsTransient(err) {
			return err
		}
		sub = nil
	}
	if sub == nil {
		c.logger.Warn("Workflow not found", "workflow", wf.String())
		return c.setWorkflowStatus(ctx, wf, model.WorkflowStatusMissing)
	}
	if !c.allowWorkflowStatus(wf, model.WorkflowStatusSubmodule) {
		return nil
	}

	c.logger.Info("Found submodule", "workflow", wf.String(), "submodule", sub.String())
	return c.store.Do(ctx, func(q database.Querier) error {
		if err := q.UpdateWorkflowStatus(ctx, wf.ID, model.WorkflowStatusSubmodule); err != nil {
			return err
		}
		org, err := c.upsertOrg(ctx, q, sub.Repo.Org)
		if err != nil {
			return err
		}
		repo, err := q.CreateRepository(ctx, model.Repository{OrgID: org.ID, Name: sub.Repo.Name, Ref: sub.Repo.Ref})
		if err != nil {
			return err
		}
		child, err := q.CreateWorkflow(ctx, model.Workflow{RepoID: repo.ID, Path: sub.Path, Type: sub.Type})
		if err != nil {
			return err
		}
		return q.UpdateWorkflowRedirect(ctx, wf.ID, child.ID)
	})
}

// storeContents saves a downloaded file. Anything but a Dockerfile is parsed and
// every reference it uses is queued and linked as a child workflow.
func (c *Crawler) storeContents(ctx context.Context, wf model.Workflow, contents string) error {
	if !c.allowWorkflowStatus(wf, model.WorkflowStatusDownloaded) {
		return nil
	}
	if wf.Type == model.WorkflowTypeDocker {
		return c.store.Do(ctx, func(q database.Querier) error {
			return q.UpdateWorkflowContents(ctx, database.UpdateWorkflowContentsParams{
				ID: wf.ID, Status: model.WorkflowStatusDownloaded, Contents: contents,
			})
		})
	}

	result, err := c.processor.Process(contents)
	if err != nil {
		c.logger.Warn("Could not parse workflow", "workflow", wf.String(), "error", err)
		return c.store.Do(ctx, func(q database.Querier) error {
			return q.UpdateWorkflowContents(ctx, database.UpdateWorkflowContentsParams{
				ID: wf.ID, Status: model.WorkflowStatusError, Contents: contents, Data: err.Error(),
			})
		})
	}

	return c.store.Do(ctx, func(q database.Querier) error {
		for _, uses := range result.Uses {
			child, err := c.childWorkflow(ctx, q, wf, uses)
			if err != nil {
				return err
			}
			if child == nil {
				continue
			}
			if err := q.LinkWorkflows(ctx, wf.ID, child.ID); err != nil {
				return err
			}
		}
		return q.UpdateWorkflowContents(ctx, database.UpdateWorkflowContentsParams{
			ID: wf.ID, Status: model.WorkflowStatusDownloaded, Contents: contents, Data: result.Data,
		})
	})
}

// childWorkflow creates the organisation, repository, and workflow rows a `uses:`
// reference points at. Local references resolve against the parent's repository.
// Container images need no download and are stored as PROCESSED.
func (c *Crawler) childWorkflow(ctx context.Context, q database.Querier, parent model.Workflow, uses string) (*model.Workflow, error) {
	if strings.HasPrefix(uses, "./") {
		path := strings.Trim(strings.TrimPrefix(uses, "./"), "/")
		child, err := q.CreateWorkflow(ctx, model.Workflow{RepoID: parent.RepoID, Path: path, Type: model.DetectWorkflowType(path)})
		return &child, err
	}

	t := model.ParseTarget(uses)
	if !t.Valid() || t.Repo == "" {
		c.logger.Warn("Skipping unrecognised reference", "workflow", parent.String(), "uses", uses)
		return nil, nil
	}

	org, err := c.upsertOrg(ctx, q, t.Org)
	if err != nil {
		return nil, err
	}
	repo, err := q.CreateRepository(ctx, model.Repository{OrgID: org.ID, Name: t.Repo, Ref: t.Ref})
	if err != nil {
		return nil, err
	}

	wf := model.Workflow{RepoID: repo.ID, Path: t.Path, Type: model.DetectWorkflowType(t.Path)}
	if t.Docker {
		wf.Type = model.WorkflowTypeDocker
		wf.Status = model.WorkflowStatusProcessed
	}
	child, err := q.CreateWorkflow(ctx, wf)
	return &child, err
}
