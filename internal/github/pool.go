// internal/github/pool.go
package github

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Pool hands out credentials in rotation. It is safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	creds  []*Credential
	last   int
	loaded bool
	logger *slog.Logger
}

// NewPool creates a pool over creds. Budgets are read lazily on first use.
func NewPool(creds []*Credential, logger *slog.Logger) *Pool {
	return &Pool{creds: creds, last: -1, logger: logger}
}

// Acquire returns the next usable credential.
func (p *Pool) Acquire(ctx context.Context) (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.load(ctx); err != nil {
		return nil, err
	}

	if len(p.creds) == 1 {
		cred := p.creds[0]
		if !cred.Valid() {
			cred.Refresh(ctx)
			if !cred.Valid() {
				p.logResetTimes(ctx)
				return nil, ErrRateLimitExceeded
			}
		}
		cred.RecordUse(ctx)
		return cred, nil
	}

	idx := p.findNext()
	if idx < 0 {
		p.refreshAll(ctx)
		idx = p.findNext()
		if idx < 0 {
			p.logResetTimes(ctx)
			return nil, ErrRateLimitExceeded
		}
	}
	p.last = idx
	cred := p.creds[idx]
	cred.RecordUse(ctx)
	return cred, nil
}

// Token implements oauth2.TokenSource so the pool can drive an oauth2.Transport.
func (p *Pool) Token() (*oauth2.Token, error) {
	cred, err := p.Acquire(context.Background())
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: cred.Secret(), TokenType: "Bearer"}, nil
}

// RefreshAll re-reads the budget of every credential.
func (p *Pool) RefreshAll(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshAll(ctx)
}

// HasValid reports whether any credential currently has budget left.
func (p *Pool) HasValid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findAny() >= 0
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	return len(p.creds)
}

// WaitForCapacity refreshes every credential and, if none has budget left, sleeps for
// pause (or until ctx is done) and refreshes again.
func (p *Pool) WaitForCapacity(ctx context.Context, pause time.Duration) error {
	p.RefreshAll(ctx)
	if p.HasValid() {
		return nil
	}

	p.logger.Info("Reached API rate limit, waiting", "pause", pause.String())
	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	p.RefreshAll(ctx)
	return nil
}

// load performs the first refresh pass. Callers hold p.mu.
func (p *Pool) load(ctx context.Context) error {
	if p.loaded {
		return nil
	}

	hasValid := false
	for _, cred := range p.creds {
		cred.Refresh(ctx)
		switch {
		case cred.Valid():
			hasValid = true
			p.logger.Info("Access token loaded", "token", cred.Masked(), "remaining", cred.Remaining())
		case cred.Err() == nil && !cred.ResetsAt().IsZero():
			p.logger.Error("API limit reached for access token", "token", cred.Masked(), "resets_at", cred.ResetsAt())
		default:
			p.logger.Error("Invalid access token", "token", cred.Masked(), "error", cred.Err())
		}
	}
	if !hasValid {
		return ErrNoValidCredential
	}
	p.logger.Debug("Credential pool loaded", "credentials", p.Len())
	p.loaded = true
	return nil
}

// findNext scans forward from the last used credential. Callers hold p.mu.
func (p *Pool) findNext() int {
	n := len(p.creds)
	for i := 1; i <= n; i++ {
		idx := (p.last + i) % n
		if idx < 0 {
			idx += n
		}
		if p.creds[idx].Valid() {
			return idx
		}
	}
	return -1
}

func (p *Pool) findAny() int {
	for i, cred := range p.creds {
		if cred.Valid() {
			return i
		}
	}
	return -1
}

func (p *Pool) refreshAll(ctx context.Context) {
	for _, cred := range p.creds {
		cred.Refresh(ctx)
	}
}

func (p *Pool) logResetTimes(ctx context.Context) {
	for _, cred := range p.creds {
		cred.Refresh(ctx)
		p.logger.Info("API token resets", "token", cred.Masked(), "resets_at", cred.ResetsAt(), "uses", cred.Uses())
	}
}
