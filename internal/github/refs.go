// internal/github/refs.go
package github

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"

	"github.com/google/go-github/v62/github"
	"github.com/tidwall/gjson"

	"workflow-crawler/internal/model"
)

var commitSHAPattern = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)

// errStopPaging ends a paginated listing early without reporting an error.
var errStopPaging = errors.New("stop paging")

// Ref is one branch or tag and the commit it points at.
type Ref struct {
	Name   string
	Commit string
}

// FulfillRepository resolves repo.Ref into a ref type and commit and fills in the
// repository metadata. The repository is updated in place.
//
// Failing to fetch the repository sets repo.Status from the error and returns
// ErrRepoNotFound. A ref that matches nothing returns ErrRefNotFound. Rate limit,
// server, and transport errors are returned unchanged.
func (c *Client) FulfillRepository(ctx context.Context, repo *model.Repository) error {
	fresh, err := c.GetRepository(ctx, repo.Org, repo.Name)
	if err != nil {
		if IsTransient(err) {
			return err
		}
		repo.Status = StatusForError(err)
		return fmt.Errorf("%w: %s: %v", ErrRepoNotFound, repo, err)
	}

	if repo.Ref == "" {
		repo.Ref = fresh.Ref
	}
	repo.Visibility = fresh.Visibility
	repo.Stars = fresh.Stars
	repo.Fork = fresh.Fork
	repo.Archive = fresh.Archive
	repo.Status = model.RepoStatusOK

	refType, sha, err := c.identifyRef(ctx, repo)
	if err != nil {
		return err
	}
	if refType != model.RefTypeUnknown {
		repo.RefType = refType
		repo.RefCommit = sha
		return nil
	}

	// A signed tag is reachable through its tag object SHA, which differs from the
	// commit SHA the tag points at.
	tag, err := c.tagObjectName(ctx, repo, repo.Ref)
	if err != nil && IsTransient(err) {
		return err
	}
	if tag != "" {
		c.logger.Debug("Found tag for ref", "repo", repo.FullName(), "ref", repo.Ref, "tag", tag)
		repo.RefCommit = repo.Ref
		repo.Ref = tag
		repo.RefType = model.RefTypeTag
		return nil
	}

	return fmt.Errorf("%w: %s", ErrRefNotFound, repo)
}

// identifyRef probes the ref as a commit (full SHAs only), branch, tag, and finally
// as a commit again to catch abbreviated SHAs.
func (c *Client) identifyRef(ctx context.Context, repo *model.Repository) (model.RefType, string, error) {
	if repo.Ref == "" {
		return model.RefTypeUnknown, "", nil
	}
	if repo.RefType != model.RefTypeUnknown && repo.RefCommit != "" {
		return repo.RefType, repo.RefCommit, nil
	}

	if commitSHAPattern.MatchString(repo.Ref) {
		sha, err := c.commitSHA(ctx, repo, repo.Ref)
		if err != nil || sha != "" {
			return model.RefTypeCommit, sha, err
		}
	}

	sha, err := c.gitRefSHA(ctx, repo, "heads/"+repo.Ref)
	if err != nil || sha != "" {
		return model.RefTypeBranch, sha, err
	}

	sha, err = c.gitRefSHA(ctx, repo, "tags/"+repo.Ref)
	if err != nil || sha != "" {
		return model.RefTypeTag, sha, err
	}

	sha, err = c.commitSHA(ctx, repo, repo.Ref)
	if err != nil || sha != "" {
		return model.RefTypeCommit, sha, err
	}

	return model.RefTypeUnknown, "", nil
}

// commitSHA returns the full SHA of a commit, or "" if the platform does not know it.
func (c *Client) commitSHA(ctx context.Context, repo *model.Repository, ref string) (string, error) {
	resp, err := c.transport.Get(ctx, Request{Path: repoPath(repo.Org, repo.Name) + "/commits/" + ref})
	if err != nil {
		return "", probeErr(err)
	}
	var commit github.RepositoryCommit
	if err := resp.Decode(&commit); err != nil {
		return "", nil
	}
	return commit.GetSHA(), nil
}

// gitRefSHA returns the object SHA of a fully qualified git ref such as "heads/main".
func (c *Client) gitRefSHA(ctx context.Context, repo *model.Repository, ref string) (string, error) {
	resp, err := c.transport.Get(ctx, Request{Path: repoPath(repo.Org, repo.Name) + "/git/ref/" + ref})
	if err != nil {
		return "", probeErr(err)
	}
	var r github.Reference
	if err := resp.Decode(&r); err != nil {
		return "", nil
	}
	return r.GetObject().GetSHA(), nil
}

// tagObjectName returns the tag name of an annotated tag object.
func (c *Client) tagObjectName(ctx context.Context, repo *model.Repository, sha string) (string, error) {
	resp, err := c.transport.Get(ctx, Request{Path: repoPath(repo.Org, repo.Name) + "/git/tags/" + sha})
	if err != nil {
		return "", probeErr(err)
	}
	var tag github.Tag
	if err := resp.Decode(&tag); err != nil {
		return "", nil
	}
	return tag.GetTag(), nil
}

// probeErr swallows errors that only mean the probe missed.
func probeErr(err error) error {
	if IsTransient(err) {
		return err
	}
	return nil
}

// ListTagsOrBranches pages through a repository's branches (RefTypeBranch) or tags
// (any other type), calling fn once per page.
func (c *Client) ListTagsOrBranches(ctx context.Context, repo *model.Repository, refType model.RefType, fn func([]Ref) error) error {
	path := repoPath(repo.Org, repo.Name) + "/tags"
	if refType == model.RefTypeBranch {
		path = repoPath(repo.Org, repo.Name) + "/branches"
	}

	req := Request{Path: path, Query: url.Values{"per_page": {perPage}}}
	for {
		resp, err := c.transport.Get(ctx, req)
		if err != nil {
			if IsKind(err, KindNotFound) {
				return fmt.Errorf("%w: %s", ErrRepoNotFound, repo)
			}
			return err
		}

		var refs []Ref
		gjson.ParseBytes(resp.Body).ForEach(func(_, item gjson.Result) bool {
			refs = append(refs, Ref{Name: item.Get("name").String(), Commit: item.Get("commit.sha").String()})
			return true
		})
		if err := fn(refs); err != nil {
			return err
		}

		next := resp.NextURL()
		if next == "" {
			return nil
		}
		req = Request{Path: next}
	}
}

// GetTagFromCommit returns the first tag pointing at commit, or "".
func (c *Client) GetTagFromCommit(ctx context.Context, repo *model.Repository, commit string) (string, error) {
	return c.findRefByCommit(ctx, repo, model.RefTypeTag, commit)
}

// GetBranchFromCommit returns the first branch pointing at commit, or "".
func (c *Client) GetBranchFromCommit(ctx context.Context, repo *model.Repository, commit string) (string, error) {
	return c.findRefByCommit(ctx, repo, model.RefTypeBranch, commit)
}

func (c *Client) findRefByCommit(ctx context.Context, repo *model.Repository, refType model.RefType, commit string) (string, error) {
	var found string
	err := c.ListTagsOrBranches(ctx, repo, refType, func(refs []Ref) error {
		for _, ref := range refs {
			if ref.Commit == commit {
				found = ref.Name
				return errStopPaging
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopPaging) {
		return "", err
	}
	return found, nil
}
