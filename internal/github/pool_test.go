// internal/github/pool_test.go
package github

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// budgetServer answers the rate limit endpoint with a per-token remaining budget.
type budgetServer struct {
	mu        sync.Mutex
	remaining map[string]int
	calls     int32
}

func (b *budgetServer) set(token string, remaining int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining[token] = remaining
}

func (b *budgetServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&b.calls, 1)
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	b.mu.Lock()
	remaining, ok := b.remaining[token]
	b.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"Bad credentials"}`)
		return
	}
	fmt.Fprint(w, rateLimitBody(remaining))
}

func setupTestPool(t *testing.T, budgets map[string]int, tokens ...string) (*Pool, *budgetServer) {
	t.Helper()
	budget := &budgetServer{remaining: budgets}
	server := httptest.NewServer(budget)
	t.Cleanup(server.Close)

	baseURL, err := url.Parse(server.URL)
	require.NoError(t, err)

	creds := make([]*Credential, 0, len(tokens))
	for _, token := range tokens {
		creds = append(creds, NewCredential(token, server.Client(), baseURL))
	}
	return NewPool(creds, slog.New(slog.NewTextHandler(io.Discard, nil))), budget
}

func TestPool_SkipsExhaustedCredential(t *testing.T) {
	pool, budget := setupTestPool(t, map[string]int{"tok-a": 0, "tok-b": 100}, "tok-a", "tok-b")
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		cred, err := pool.Acquire(ctx)
		require.NoError(t, err)
		assert.Equal(t, "tok-b", cred.Secret(), "acquire %d", i)
	}

	budget.set("tok-b", 0)
	pool.RefreshAll(ctx)
	_, err := pool.Acquire(ctx)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
}

func TestPool_RoundRobin(t *testing.T) {
	pool, _ := setupTestPool(t, map[string]int{"tok-a": 100, "tok-b": 100, "tok-c": 100}, "tok-a", "tok-b", "tok-c")
	ctx := context.Background()

	var got []string
	for i := 0; i < 4; i++ {
		cred, err := pool.Acquire(ctx)
		require.NoError(t, err)
		got = append(got, cred.Secret())
	}
	assert.Equal(t, []string{"tok-a", "tok-b", "tok-c", "tok-a"}, got)
}

func TestPool_NoValidCredential(t *testing.T) {
	pool, _ := setupTestPool(t, map[string]int{"tok-a": 0}, "tok-a", "revoked")

	_, err := pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrNoValidCredential)

	_, err = pool.Token()
	assert.ErrorIs(t, err, ErrNoValidCredential)
}

func TestPool_SingleCredentialRefreshesOnce(t *testing.T) {
	pool, budget := setupTestPool(t, map[string]int{"tok-a": 1}, "tok-a")
	ctx := context.Background()

	_, err := pool.Acquire(ctx)
	require.NoError(t, err)

	budget.set("tok-a", 0)
	pool.RefreshAll(ctx)
	assert.False(t, pool.HasValid())

	before := atomic.LoadInt32(&budget.calls)
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Greater(t, atomic.LoadInt32(&budget.calls), before)

	budget.set("tok-a", 5)
	token, err := pool.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-a", token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)
}

func TestCredential_RefreshEveryTenUses(t *testing.T) {
	pool, budget := setupTestPool(t, map[string]int{"tok-a": 50}, "tok-a")
	cred := pool.creds[0]
	ctx := context.Background()

	cred.Refresh(ctx)
	require.True(t, cred.Valid())
	assert.Equal(t, 50, cred.Remaining())

	budget.set("tok-a", 0)
	for i := 0; i < refreshEvery-1; i++ {
		cred.RecordUse(ctx)
	}
	assert.True(t, cred.Valid(), "budget is not re-read before the tenth use")

	cred.RecordUse(ctx)
	assert.False(t, cred.Valid())
	assert.Equal(t, refreshEvery, cred.Uses())
}

func TestCredential_Masked(t *testing.T) {
	assert.Equal(t, "ghp_abcd****", (&Credential{secret: "ghp_abcdefghijklmnop"}).Masked())
	assert.Equal(t, "github_pat_11ABC****", (&Credential{secret: "github_pat_11ABCDEFGHIJ"}).Masked())
	assert.Equal(t, "short****", (&Credential{secret: "short"}).Masked())
}

func TestCredential_InvalidOnError(t *testing.T) {
	pool, _ := setupTestPool(t, map[string]int{}, "unknown")
	cred := pool.creds[0]

	cred.Refresh(context.Background())

	assert.False(t, cred.Valid())
	assert.Error(t, cred.Err())
}
