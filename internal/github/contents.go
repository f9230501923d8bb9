// internal/github/contents.go
package github

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v62/github"
	"github.com/tidwall/gjson"

	"workflow-crawler/internal/model"
)

var actionFiles = []string{"action.yml", "action.yaml", "Dockerfile"}

// Ls lists the paths inside a directory of the repository at its ref. A missing
// directory, or a path that is a file, yields an empty list.
func (c *Client) Ls(ctx context.Context, repo *model.Repository, path string) ([]string, error) {
	resp, err := c.contents(ctx, repo, path)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !gjson.ParseBytes(resp.Body).IsArray() {
		return nil, nil
	}

	var listing []*github.RepositoryContent
	if err := resp.Decode(&listing); err != nil {
		return nil, fmt.Errorf("decoding listing of %s/%s: %w", repo.FullName(), path, err)
	}
	paths := make([]string, 0, len(listing))
	for _, entry := range listing {
		paths = append(paths, entry.GetPath())
	}
	return paths, nil
}

func (c *Client) contents(ctx context.Context, repo *model.Repository, path string) (*Response, error) {
	req := Request{Path: repoPath(repo.Org, repo.Name) + "/contents/" + strings.TrimLeft(path, "/")}
	if repo.Ref != "" {
		req.Query = url.Values{"ref": {repo.Ref}}
	}
	return c.transport.Get(ctx, req)
}

// Download returns the contents of the workflow file. Public repositories are read
// anonymously from the raw content host; private ones through the contents API.
// A missing file returns ErrFileMissing.
func (c *Client) Download(ctx context.Context, wf *model.Workflow) (string, error) {
	return c.download(ctx, wf, wf.Path)
}

func (c *Client) download(ctx context.Context, wf *model.Workflow, path string) (string, error) {
	repo := &wf.Repo
	path = strings.TrimLeft(path, "/")
	if path == "" || repo.Ref == "" || repo.Org == "" || repo.Name == "" {
		return "", fmt.Errorf("%w: %s has no download location", ErrFileMissing, wf)
	}

	if repo.Visibility == model.VisibilityPublic {
		resp, err := c.transport.Get(ctx, Request{Path: c.rawURL(repo, path), Anonymous: true})
		if err != nil {
			return "", downloadErr(wf, err)
		}
		return resp.Text(), nil
	}

	resp, err := c.contents(ctx, repo, path)
	if err != nil {
		return "", downloadErr(wf, err)
	}
	var file github.RepositoryContent
	if err := resp.Decode(&file); err != nil {
		return "", fmt.Errorf("%w: %s is not a file", ErrFileMissing, wf)
	}
	contents, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", wf, err)
	}
	return contents, nil
}

func (c *Client) rawURL(repo *model.Repository, path string) string {
	prefix := ""
	switch repo.RefType {
	case model.RefTypeBranch:
		prefix = "refs/heads/"
	case model.RefTypeTag:
		prefix = "refs/tags/"
	}
	return fmt.Sprintf("%s/%s/%s/%s%s/%s", c.rawBaseURL, repo.Org, repo.Name, prefix, repo.Ref, path)
}

func downloadErr(wf *model.Workflow, err error) error {
	if IsKind(err, KindNotFound) {
		return fmt.Errorf("%w: %s", ErrFileMissing, wf)
	}
	return err
}

// DownloadAction tries action.yml, action.yaml, and Dockerfile inside the workflow's
// path. On success the workflow's path and type are updated to the file that matched.
func (c *Client) DownloadAction(ctx context.Context, wf *model.Workflow) (string, error) {
	for _, name := range actionFiles {
		path := name
		if wf.Path != "" {
			path = strings.TrimRight(wf.Path, "/") + "/" + name
		}

		contents, err := c.download(ctx, wf, path)
		if errors.Is(err, ErrFileMissing) {
			continue
		}
		if err != nil {
			return "", err
		}

		wf.Path = path
		wf.Type = model.DetectWorkflowType(path)
		return contents, nil
	}
	return "", fmt.Errorf("%w: no action definition in %s", ErrFileMissing, wf)
}

// GetSubmodule checks whether the workflow's path is a git submodule and, if so, returns
// a workflow of the same type in the embedded repository at the embedded commit.
// It returns nil when the path is not a submodule.
func (c *Client) GetSubmodule(ctx context.Context, wf *model.Workflow) (*model.Workflow, error) {
	resp, err := c.contents(ctx, &wf.Repo, wf.Path)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if gjson.ParseBytes(resp.Body).IsArray() {
		c.logger.Warn("Path is a directory, not a file", "workflow", wf.String())
		return nil, nil
	}

	var entry github.RepositoryContent
	if err := resp.Decode(&entry); err != nil || entry.GetType() != "submodule" {
		return nil, nil
	}

	target := model.ParseTarget(entry.GetHTMLURL())
	if target.Org == "" || target.Repo == "" {
		c.logger.Warn("Submodule points outside the platform", "workflow", wf.String(), "url", entry.GetHTMLURL())
		return nil, nil
	}

	return &model.Workflow{
		Path: target.Path,
		Type: wf.Type,
		Repo: model.Repository{Org: target.Org, Name: target.Repo, Ref: target.Ref},
	}, nil
}
