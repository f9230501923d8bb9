// internal/github/client.go
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"

	"workflow-crawler/internal/model"
)

const (
	defaultBaseURL    = "https://api.github.com"
	defaultRawBaseURL = "https://raw.githubusercontent.com"
	perPage           = "100"
)

// Client exposes the platform operations the crawler needs.
type Client struct {
	transport  *Transport
	pool       *Pool
	rawBaseURL string
	logger     *slog.Logger
}

type options struct {
	baseURL    string
	rawBaseURL string
	base       http.RoundTripper
}

// Option configures a Client.
type Option func(*options)

// WithBaseURL points the client at a different API host.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// WithRawBaseURL points public file downloads at a different raw content host.
func WithRawBaseURL(u string) Option {
	return func(o *options) { o.rawBaseURL = u }
}

// WithRoundTripper replaces the underlying HTTP transport.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(o *options) { o.base = rt }
}

// NewClient creates and configures a new Client instance.
// Every token becomes a Credential in the client's rotation Pool.
func NewClient(tokens []string, logger *slog.Logger, opts ...Option) (*Client, error) {
	o := options{baseURL: defaultBaseURL, rawBaseURL: defaultRawBaseURL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.base == nil {
		o.base = NewBaseTransport()
	}
	if len(tokens) == 0 {
		return nil, ErrNoValidCredential
	}

	baseURL, err := url.Parse(o.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL %q: %w", o.baseURL, err)
	}

	plain := &http.Client{Transport: o.base}
	creds := make([]*Credential, 0, len(tokens))
	for _, token := range tokens {
		creds = append(creds, NewCredential(token, plain, baseURL))
	}
	pool := NewPool(creds, logger)

	return &Client{
		transport:  NewTransport(baseURL, pool, o.base, logger),
		pool:       pool,
		rawBaseURL: strings.TrimRight(o.rawBaseURL, "/"),
		logger:     logger,
	}, nil
}

// RequestCount returns the number of HTTP requests issued so far.
func (c *Client) RequestCount() int64 {
	return c.transport.RequestCount()
}

// WaitForCapacity blocks until a credential has budget again or pause elapses.
func (c *Client) WaitForCapacity(ctx context.Context, pause time.Duration) error {
	return c.pool.WaitForCapacity(ctx, pause)
}

// GetAccountType returns "organization" or "user" for the named account.
func (c *Client) GetAccountType(ctx context.Context, name string) (string, error) {
	resp, err := c.transport.Get(ctx, Request{Path: "/users/" + name})
	if err != nil {
		if IsKind(err, KindNotFound) {
			return "", fmt.Errorf("%w: %s", ErrAccountNotFound, name)
		}
		return "", err
	}

	var user github.User
	if err := resp.Decode(&user); err != nil {
		return "", fmt.Errorf("decoding account %s: %w", name, err)
	}
	accountType := strings.ToLower(user.GetType())
	if accountType == "" {
		return "", fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	return accountType, nil
}

// GetOrgRepos lists the repositories of an organisation or user, page by page, calling
// fn once per non-empty page. Forks and archived repositories are skipped unless included.
func (c *Client) GetOrgRepos(ctx context.Context, name string, includeForks, includeArchived bool, fn func([]model.Repository) error) error {
	accountType, err := c.GetAccountType(ctx, name)
	if err != nil {
		return err
	}

	var path string
	switch accountType {
	case "organization":
		path = "/orgs/" + name + "/repos"
	case "user":
		path = "/users/" + name + "/repos"
	default:
		return fmt.Errorf("%w: %s is %q", ErrUnknownAccountType, name, accountType)
	}

	req := Request{Path: path, Query: url.Values{"per_page": {perPage}, "sort": {"full_name"}}}
	var count, forks, archived int
	for {
		c.logger.Debug("Fetching repositories page", "account", name, "url", req.Path)
		resp, err := c.transport.Get(ctx, req)
		if err != nil {
			if IsKind(err, KindNotFound) {
				return fmt.Errorf("%w: %s", ErrAccountNotFound, name)
			}
			return err
		}

		var page []*github.Repository
		if err := resp.Decode(&page); err != nil {
			return fmt.Errorf("decoding repositories of %s: %w", name, err)
		}

		repos := make([]model.Repository, 0, len(page))
		for _, r := range page {
			count++
			if r.GetFork() {
				forks++
				if !includeForks {
					continue
				}
			}
			if r.GetArchived() {
				archived++
				if !includeArchived {
					continue
				}
			}
			repos = append(repos, toRepository(r))
		}

		if len(repos) > 0 {
			if err := fn(repos); err != nil {
				return err
			}
		}

		next := resp.NextURL()
		if next == "" {
			break
		}
		req = Request{Path: next}
	}

	c.logger.Info("Listed account repositories", "account", name, "total", count, "forks", forks, "archived", archived)
	return nil
}

// GetRepository fetches repository details and translates them to our internal model.
// The returned repository is at its default branch.
func (c *Client) GetRepository(ctx context.Context, org, name string) (*model.Repository, error) {
	resp, err := c.transport.Get(ctx, Request{Path: repoPath(org, name)})
	if err != nil {
		return nil, err
	}

	var r github.Repository
	if err := resp.Decode(&r); err != nil {
		return nil, fmt.Errorf("decoding repository %s/%s: %w", org, name, err)
	}
	repo := toRepository(&r)
	return &repo, nil
}

// toRepository translates a github.Repository object to our internal model.Repository.
func toRepository(r *github.Repository) model.Repository {
	org, name := r.GetOwner().GetLogin(), r.GetName()
	if full := r.GetFullName(); full != "" {
		if parts := strings.SplitN(full, "/", 2); len(parts) == 2 {
			org, name = parts[0], parts[1]
		}
	}

	visibility := model.VisibilityPublic
	if r.GetPrivate() {
		visibility = model.VisibilityPrivate
	}
	return model.Repository{
		Org:        org,
		Name:       name,
		Ref:        r.GetDefaultBranch(),
		RefType:    model.RefTypeBranch,
		Visibility: visibility,
		Stars:      r.GetStargazersCount(),
		Fork:       r.GetFork(),
		Archive:    r.GetArchived(),
	}
}

func repoPath(org, name string) string {
	return "/repos/" + org + "/" + name
}

// StatusForError maps a failed repository lookup onto a repository status.
func StatusForError(err error) model.RepoStatus {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return model.RepoStatusUnknown
	}
	switch apiErr.Kind {
	case KindEmptyRepository:
		return model.RepoStatusEmpty
	case KindAccessBlocked:
		return model.RepoStatusBlocked
	case KindNotFound:
		return model.RepoStatusMissing
	case KindNoCommitFound:
		return model.RepoStatusCommitMissing
	case KindInvalidRequest:
		return model.RepoStatusInvalidRequest
	case KindInvalidGitState:
		return model.RepoStatusGitError
	}
	return model.RepoStatusUnknown
}

// IsTransient reports whether err should abort the current phase instead of being
// recorded against a single repository or file.
func IsTransient(err error) bool {
	if errors.Is(err, ErrRateLimitExceeded) || errors.Is(err, ErrServerError) || errors.Is(err, ErrNoValidCredential) {
		return true
	}
	for _, target := range []error{ErrAccountNotFound, ErrUnknownAccountType, ErrRepoNotFound, ErrRefNotFound, ErrFileMissing} {
		if errors.Is(err, target) {
			return false
		}
	}
	var apiErr *APIError
	return !errors.As(err, &apiErr)
}
