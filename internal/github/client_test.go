// internal/github/client_test.go
package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-crawler/internal/model"
)

const rateLimitPath = "/rate_limit"

// rateLimitBody renders the rate limit endpoint response for a token.
func rateLimitBody(remaining int) string {
	return fmt.Sprintf(`{"resources":{"core":{"limit":5000,"remaining":%d,"reset":1893456000}}}`, remaining)
}

// setupTestClient creates a httptest server and a client pointing to it. Rate limit
// requests are always answered with a healthy budget.
func setupTestClient(t *testing.T, handler http.HandlerFunc, tokens ...string) (*Client, *httptest.Server) {
	t.Helper()
	if len(tokens) == 0 {
		tokens = []string{"ghp_testtoken"}
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == rateLimitPath {
			fmt.Fprint(w, rateLimitBody(4999))
			return
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client, err := NewClient(tokens, logger,
		WithBaseURL(server.URL),
		WithRawBaseURL(server.URL+"/raw"),
		WithRoundTripper(server.Client().Transport),
	)
	require.NoError(t, err)

	return client, server
}

func TestTransport_RateLimitRetry(t *testing.T) {
	t.Run("403 rate limit followed by 200 returns the payload", func(t *testing.T) {
		var requestCount int32
		client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			count := atomic.AddInt32(&requestCount, 1)
			if count == 1 {
				w.WriteHeader(http.StatusForbidden)
				fmt.Fprintln(w, `{"message": "API rate limit exceeded for user ID 1."}`)
				return
			}
			fmt.Fprintln(w, `{"full_name": "test/repo", "default_branch": "main"}`)
		})

		repo, err := client.GetRepository(context.Background(), "test", "repo")

		require.NoError(t, err)
		assert.Equal(t, "repo", repo.Name)
		assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount))
		assert.Equal(t, int64(2), client.RequestCount())
	})

	t.Run("second rate limit response fails", func(t *testing.T) {
		client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprintln(w, `{"message": "API rate limit exceeded"}`)
		})

		_, err := client.GetRepository(context.Background(), "test", "repo")

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRateLimitExceeded)
		assert.Equal(t, int64(2), client.RequestCount())
	})

	t.Run("server errors are not retried", func(t *testing.T) {
		client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})

		_, err := client.GetRepository(context.Background(), "test", "repo")

		assert.ErrorIs(t, err, ErrServerError)
		assert.True(t, IsTransient(err))
		assert.Equal(t, int64(1), client.RequestCount())
	})
}

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

var errConnectionReset = errors.New("connection reset by peer")

// flakyTransport fails the first failures API requests with a network error.
// Rate limit lookups always go through.
func flakyTransport(base http.RoundTripper, failures int32, attempts *int32) http.RoundTripper {
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path == rateLimitPath {
			return base.RoundTrip(r)
		}
		if atomic.AddInt32(attempts, 1) <= failures {
			return nil, errConnectionReset
		}
		return base.RoundTrip(r)
	})
}

func TestTransport_NetworkRetry(t *testing.T) {
	setup := func(t *testing.T, failures int32, attempts *int32) *Client {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == rateLimitPath {
				fmt.Fprint(w, rateLimitBody(4999))
				return
			}
			fmt.Fprintln(w, `{"full_name": "test/repo", "default_branch": "main"}`)
		}))
		t.Cleanup(server.Close)

		client, err := NewClient([]string{"ghp_testtoken"}, slog.New(slog.NewTextHandler(io.Discard, nil)),
			WithBaseURL(server.URL),
			WithRoundTripper(flakyTransport(server.Client().Transport, failures, attempts)),
		)
		require.NoError(t, err)
		return client
	}

	t.Run("one network failure is retried", func(t *testing.T) {
		var attempts int32
		client := setup(t, 1, &attempts)

		repo, err := client.GetRepository(context.Background(), "test", "repo")

		require.NoError(t, err)
		assert.Equal(t, "repo", repo.Name)
		assert.Equal(t, "main", repo.Ref)
		assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
		assert.Equal(t, int64(2), client.RequestCount())
	})

	t.Run("second network failure is returned", func(t *testing.T) {
		var attempts int32
		client := setup(t, 2, &attempts)

		_, err := client.GetRepository(context.Background(), "test", "repo")

		require.Error(t, err)
		assert.ErrorIs(t, err, errConnectionReset)
		assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
		assert.Equal(t, int64(2), client.RequestCount())
	})
}

func TestTransport_ExhaustedPoolSendsNothing(t *testing.T) {
	var apiHits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == rateLimitPath {
			fmt.Fprint(w, rateLimitBody(0))
			return
		}
		atomic.AddInt32(&apiHits, 1)
		fmt.Fprintln(w, `{"full_name": "test/repo"}`)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient([]string{"ghp_testtoken"}, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithBaseURL(server.URL),
		WithRoundTripper(server.Client().Transport),
	)
	require.NoError(t, err)

	_, err = client.GetRepository(context.Background(), "test", "repo")

	assert.ErrorIs(t, err, ErrNoValidCredential)
	assert.Equal(t, int32(0), atomic.LoadInt32(&apiHits))
	assert.Equal(t, int64(0), client.RequestCount())
}

func TestTransport_Classification(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   ErrorKind
	}{
		{http.StatusBadRequest, `{"message":"Invalid request."}`, KindInvalidRequest},
		{http.StatusForbidden, `{"message":"Repository access blocked"}`, KindAccessBlocked},
		{http.StatusNotFound, `{"message":"Not Found"}`, KindNotFound},
		{http.StatusConflict, `{"message":"Git Repository is empty."}`, KindEmptyRepository},
		{http.StatusUnprocessableEntity, `{"message":"No commit found for SHA: x"}`, KindNoCommitFound},
		{http.StatusUnprocessableEntity, `{"message":"Invalid state"}`, KindInvalidGitState},
		{http.StatusTooManyRequests, `Too Many Requests`, KindTooManyRequests},
		{http.StatusUnavailableForLegalReasons, `{"message":"Repository access blocked"}`, KindAccessBlocked},
		{http.StatusServiceUnavailable, ``, KindServerError},
		{http.StatusTeapot, `short and stout`, KindUnknown},
		{http.StatusForbidden, `{"message":"Resource not accessible"}`, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d %s", tt.status, tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.status, tt.body))
		})
	}

	err := &APIError{Kind: KindTooManyRequests, StatusCode: http.StatusTooManyRequests}
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.False(t, IsSemantic(err))
	assert.True(t, IsSemantic(&APIError{Kind: KindEmptyRepository}))
}

func TestTransport_NonJSONBody(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "name: build\non: push\n")
	})

	resp, err := client.transport.Get(context.Background(), Request{Path: "/raw/file.yml", Anonymous: true})

	require.NoError(t, err)
	assert.False(t, resp.IsJSON())
	assert.Equal(t, "name: build\non: push\n", resp.Text())
}

func TestNextLink(t *testing.T) {
	header := `<https://api.github.com/orgs/octo/repos?page=1>; rel="prev", <https://api.github.com/orgs/octo/repos?page=3>; rel="next", <https://api.github.com/orgs/octo/repos?page=9>; rel="last"`
	assert.Equal(t, "https://api.github.com/orgs/octo/repos?page=3", nextLink(header))
	assert.Equal(t, "", nextLink(`<https://api.github.com/orgs/octo/repos?page=1>; rel="prev"`))
	assert.Equal(t, "", nextLink(""))
}

func TestClient_GetOrgRepos_Pagination(t *testing.T) {
	var serverURL string
	client, server := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/octo":
			fmt.Fprint(w, `{"login":"octo","type":"Organization"}`)
		case "/orgs/octo/repos":
			if r.URL.Query().Get("page") == "2" {
				fmt.Fprint(w, `[
					{"full_name":"octo/gadgets","default_branch":"trunk","private":true,"stargazers_count":3},
					{"full_name":"octo/old","default_branch":"main","archived":true}
				]`)
				return
			}
			assert.Equal(t, "100", r.URL.Query().Get("per_page"))
			w.Header().Set("Link", fmt.Sprintf(`<%s/orgs/octo/repos?page=2>; rel="next", <%s/orgs/octo/repos?page=2>; rel="last"`, serverURL, serverURL))
			fmt.Fprint(w, `[
				{"full_name":"octo/widgets","default_branch":"main","stargazers_count":10},
				{"full_name":"octo/fork","default_branch":"main","fork":true}
			]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	serverURL = server.URL

	var got []model.Repository
	err := client.GetOrgRepos(context.Background(), "octo", false, false, func(page []model.Repository) error {
		got = append(got, page...)
		return nil
	})

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "widgets", got[0].Name)
	assert.Equal(t, model.VisibilityPublic, got[0].Visibility)
	assert.Equal(t, 10, got[0].Stars)
	assert.Equal(t, "gadgets", got[1].Name)
	assert.Equal(t, "trunk", got[1].Ref)
	assert.Equal(t, model.RefTypeBranch, got[1].RefType)
	assert.Equal(t, model.VisibilityPrivate, got[1].Visibility)
	assert.Equal(t, int64(3), client.RequestCount())
}

func TestClient_GetAccountType(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/someone":
			fmt.Fprint(w, `{"login":"someone","type":"User"}`)
		case "/users/bot":
			fmt.Fprint(w, `{"login":"bot","type":"Bot"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
		}
	})

	accountType, err := client.GetAccountType(context.Background(), "someone")
	require.NoError(t, err)
	assert.Equal(t, "user", accountType)

	_, err = client.GetAccountType(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	err = client.GetOrgRepos(context.Background(), "bot", false, false, func([]model.Repository) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownAccountType)
}

func TestClient_FulfillRepository(t *testing.T) {
	const signedTag = "5579c002bb4778aa43395ef1df492868a9a1c83f"
	const branchSHA = "abc1230000000000000000000000000000000000"

	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/octo/widgets", "/repos/aws/creds":
			fmt.Fprint(w, `{"full_name":"x/y","default_branch":"main","private":false,"stargazers_count":7}`)
		case "/repos/octo/widgets/git/ref/heads/main":
			fmt.Fprintf(w, `{"ref":"refs/heads/main","object":{"sha":"%s","type":"commit"}}`, branchSHA)
		case "/repos/aws/creds/commits/" + signedTag:
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"message":"No commit found for SHA: `+signedTag+`"}`)
		case "/repos/aws/creds/git/tags/" + signedTag:
			fmt.Fprintf(w, `{"tag":"v4.0.2","sha":"%s"}`, signedTag)
		case "/repos/gone/repo":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
		case "/repos/flaky/repo":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
		}
	}
	client, _ := setupTestClient(t, handler)
	ctx := context.Background()

	t.Run("empty ref adopts the default branch", func(t *testing.T) {
		repo := &model.Repository{Org: "octo", Name: "widgets"}
		require.NoError(t, client.FulfillRepository(ctx, repo))

		assert.Equal(t, "main", repo.Ref)
		assert.Equal(t, model.RefTypeBranch, repo.RefType)
		assert.Equal(t, branchSHA, repo.RefCommit)
		assert.Equal(t, model.RepoStatusOK, repo.Status)
		assert.Equal(t, 7, repo.Stars)
		assert.True(t, repo.IsFulfilled())
	})

	t.Run("resolution is deterministic", func(t *testing.T) {
		first := &model.Repository{Org: "octo", Name: "widgets", Ref: "main"}
		second := &model.Repository{Org: "octo", Name: "widgets", Ref: "main"}
		require.NoError(t, client.FulfillRepository(ctx, first))
		require.NoError(t, client.FulfillRepository(ctx, second))
		assert.Equal(t, first.RefType, second.RefType)
		assert.Equal(t, first.RefCommit, second.RefCommit)
	})

	t.Run("signed tag object becomes a tag", func(t *testing.T) {
		repo := &model.Repository{Org: "aws", Name: "creds", Ref: signedTag}
		require.NoError(t, client.FulfillRepository(ctx, repo))

		assert.Equal(t, model.RefTypeTag, repo.RefType)
		assert.Equal(t, signedTag, repo.RefCommit)
		assert.Equal(t, "v4.0.2", repo.Ref)
	})

	t.Run("unknown ref", func(t *testing.T) {
		repo := &model.Repository{Org: "octo", Name: "widgets", Ref: "nope"}
		err := client.FulfillRepository(ctx, repo)
		assert.ErrorIs(t, err, ErrRefNotFound)
	})

	t.Run("missing repository", func(t *testing.T) {
		repo := &model.Repository{Org: "gone", Name: "repo", Ref: "main"}
		err := client.FulfillRepository(ctx, repo)
		assert.ErrorIs(t, err, ErrRepoNotFound)
		assert.Equal(t, model.RepoStatusMissing, repo.Status)
	})

	t.Run("server errors propagate", func(t *testing.T) {
		repo := &model.Repository{Org: "flaky", Name: "repo", Ref: "main"}
		err := client.FulfillRepository(ctx, repo)
		assert.ErrorIs(t, err, ErrServerError)
		assert.NotErrorIs(t, err, ErrRepoNotFound)
		assert.Equal(t, model.RepoStatusNone, repo.Status)
	})
}

func TestClient_FindRefByCommit(t *testing.T) {
	var serverURL string
	client, server := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/octo/widgets/tags":
			if r.URL.Query().Get("page") == "2" {
				fmt.Fprint(w, `[{"name":"v2","commit":{"sha":"bbb"}}]`)
				return
			}
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/octo/widgets/tags?page=2>; rel="next"`, serverURL))
			fmt.Fprint(w, `[{"name":"v1","commit":{"sha":"aaa"}}]`)
		case "/repos/octo/widgets/branches":
			fmt.Fprint(w, `[{"name":"main","commit":{"sha":"ccc"}}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	serverURL = server.URL
	repo := &model.Repository{Org: "octo", Name: "widgets"}
	ctx := context.Background()

	tag, err := client.GetTagFromCommit(ctx, repo, "bbb")
	require.NoError(t, err)
	assert.Equal(t, "v2", tag)

	tag, err = client.GetTagFromCommit(ctx, repo, "ccc")
	require.NoError(t, err)
	assert.Equal(t, "", tag)

	branch, err := client.GetBranchFromCommit(ctx, repo, "ccc")
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	_, err = client.GetTagFromCommit(ctx, &model.Repository{Org: "gone", Name: "repo"}, "ccc")
	assert.ErrorIs(t, err, ErrRepoNotFound)
}

func TestClient_Contents(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("name: secret\n"))
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/octo/widgets/contents/.github/workflows":
			assert.Equal(t, "main", r.URL.Query().Get("ref"))
			fmt.Fprint(w, `[{"type":"file","path":".github/workflows/build.yml"},{"type":"file","path":".github/workflows/README.md"}]`)
		case "/raw/octo/widgets/refs/heads/main/.github/workflows/build.yml":
			assert.Empty(t, r.Header.Get("Authorization"))
			fmt.Fprint(w, "name: build\n")
		case "/repos/octo/private/contents/.github/workflows/deploy.yml":
			assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
			fmt.Fprintf(w, `{"type":"file","encoding":"base64","content":"%s"}`, encoded)
		case "/raw/octo/widgets/refs/tags/v1/setup/action.yaml":
			fmt.Fprint(w, "runs:\n  using: node20\n")
		case "/repos/octo/widgets/contents/vendor/tool":
			fmt.Fprint(w, `{"type":"submodule","path":"vendor/tool","html_url":"https://github.com/other/tool/tree/0123abcd"}`)
		case "/repos/octo/widgets/contents/.github":
			fmt.Fprint(w, `[]`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `404: Not Found`)
		}
	})
	ctx := context.Background()
	public := model.Repository{Org: "octo", Name: "widgets", Ref: "main", RefType: model.RefTypeBranch, Visibility: model.VisibilityPublic}

	t.Run("ls", func(t *testing.T) {
		files, err := client.Ls(ctx, &public, ".github/workflows")
		require.NoError(t, err)
		assert.Equal(t, []string{".github/workflows/build.yml", ".github/workflows/README.md"}, files)

		files, err = client.Ls(ctx, &public, "missing")
		require.NoError(t, err)
		assert.Empty(t, files)
	})

	t.Run("public download uses the raw host", func(t *testing.T) {
		wf := &model.Workflow{Path: ".github/workflows/build.yml", Repo: public}
		contents, err := client.Download(ctx, wf)
		require.NoError(t, err)
		assert.Equal(t, "name: build\n", contents)
	})

	t.Run("private download decodes the contents API", func(t *testing.T) {
		wf := &model.Workflow{Path: ".github/workflows/deploy.yml", Repo: model.Repository{
			Org: "octo", Name: "private", Ref: "main", RefType: model.RefTypeBranch, Visibility: model.VisibilityPrivate,
		}}
		contents, err := client.Download(ctx, wf)
		require.NoError(t, err)
		assert.Equal(t, "name: secret\n", contents)
	})

	t.Run("missing file", func(t *testing.T) {
		wf := &model.Workflow{Path: ".github/workflows/gone.yml", Repo: public}
		_, err := client.Download(ctx, wf)
		assert.ErrorIs(t, err, ErrFileMissing)
	})

	t.Run("action probing updates path and type", func(t *testing.T) {
		repo := public
		repo.Ref, repo.RefType = "v1", model.RefTypeTag
		wf := &model.Workflow{Path: "setup", Type: model.WorkflowTypeAction, Repo: repo}

		contents, err := client.DownloadAction(ctx, wf)
		require.NoError(t, err)
		assert.Contains(t, contents, "node20")
		assert.Equal(t, "setup/action.yaml", wf.Path)
		assert.Equal(t, model.WorkflowTypeAction, wf.Type)
	})

	t.Run("submodule", func(t *testing.T) {
		wf := &model.Workflow{Path: "vendor/tool", Type: model.WorkflowTypeAction, Repo: public}
		sub, err := client.GetSubmodule(ctx, wf)
		require.NoError(t, err)
		require.NotNil(t, sub)
		assert.Equal(t, "other", sub.Repo.Org)
		assert.Equal(t, "tool", sub.Repo.Name)
		assert.Equal(t, "0123abcd", sub.Repo.Ref)
		assert.Equal(t, model.WorkflowTypeAction, sub.Type)

		sub, err = client.GetSubmodule(ctx, &model.Workflow{Path: ".github", Repo: public})
		require.NoError(t, err)
		assert.Nil(t, sub)

		sub, err = client.GetSubmodule(ctx, &model.Workflow{Path: "nothing", Repo: public})
		require.NoError(t, err)
		assert.Nil(t, sub)
	})
}
