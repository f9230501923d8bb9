// internal/github/credential.go
package github

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v62/github"
)

// refreshEvery is how many uses a credential gets before its budget is re-read.
const refreshEvery = 10

// Credential wraps one access token and tracks its remaining call budget.
type Credential struct {
	mu        sync.Mutex
	secret    string
	gh        *github.Client
	valid     bool
	remaining int
	reset     time.Time
	uses      int
	err       error
}

// NewCredential creates a credential whose budget is read from the rate limit
// endpoint under baseURL. httpClient must not add its own authorization.
func NewCredential(secret string, httpClient *http.Client, baseURL *url.URL) *Credential {
	gh := github.NewClient(httpClient).WithAuthToken(secret)
	if baseURL != nil {
		u := *baseURL
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		gh.BaseURL = &u
	}
	return &Credential{secret: secret, gh: gh}
}

// Refresh re-reads the remaining budget. Any failure marks the credential invalid.
func (c *Credential) Refresh(ctx context.Context) {
	limits, _, err := c.gh.RateLimit.Get(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	if err != nil || limits.GetCore() == nil {
		c.valid = false
		return
	}
	core := limits.GetCore()
	c.remaining = core.Remaining
	c.reset = core.Reset.Time
	c.valid = c.remaining > 0
}

// RecordUse counts one use and refreshes the budget every refreshEvery uses.
func (c *Credential) RecordUse(ctx context.Context) int {
	c.mu.Lock()
	c.uses++
	uses := c.uses
	c.mu.Unlock()

	if uses%refreshEvery == 0 {
		c.Refresh(ctx)
	}
	return uses
}

func (c *Credential) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

func (c *Credential) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// ResetsAt returns when the budget resets, or the zero time if it was never read.
func (c *Credential) ResetsAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reset
}

// Err returns the error from the last refresh, if any.
func (c *Credential) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Uses returns how many requests the credential has been handed out for.
func (c *Credential) Uses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uses
}

// Secret returns the raw token.
func (c *Credential) Secret() string {
	return c.secret
}

// Masked returns a prefix of the token that is safe to log.
func (c *Credential) Masked() string {
	size := 16
	if strings.HasPrefix(c.secret, "ghp_") {
		size = 8
	}
	if size > len(c.secret) {
		size = len(c.secret)
	}
	return c.secret[:size] + "****"
}
