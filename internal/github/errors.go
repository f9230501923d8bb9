// internal/github/errors.go
package github

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNoValidCredential is returned when none of the configured credentials work.
	ErrNoValidCredential = errors.New("no valid access token")
	// ErrRateLimitExceeded is returned when every credential has exhausted its budget.
	ErrRateLimitExceeded = errors.New("api rate limit exceeded")
	// ErrServerError matches transient 5xx responses.
	ErrServerError = errors.New("server error")

	ErrAccountNotFound    = errors.New("account not found")
	ErrUnknownAccountType = errors.New("unknown account type")
	ErrRepoNotFound       = errors.New("repository not found")
	ErrRefNotFound        = errors.New("ref not found")
	ErrFileMissing        = errors.New("file missing")
)

// ErrorKind classifies a non-200 response.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindEmptyRepository
	KindAccessBlocked
	KindInvalidRequest
	KindNoCommitFound
	KindInvalidGitState
	KindTooManyRequests
	KindRateLimited
	KindServerError
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindEmptyRepository:
		return "empty repository"
	case KindAccessBlocked:
		return "access blocked"
	case KindInvalidRequest:
		return "invalid request"
	case KindNoCommitFound:
		return "no commit found"
	case KindInvalidGitState:
		return "invalid git state"
	case KindTooManyRequests:
		return "too many requests"
	case KindRateLimited:
		return "rate limited"
	case KindServerError:
		return "server error"
	}
	return "unknown error"
}

// APIError is a classified non-200 response.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("github: %s: got a %d response from %s: %s", e.Kind, e.StatusCode, e.URL, body)
}

// Is lets callers match whole groups of kinds with the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRateLimitExceeded:
		return e.Kind == KindRateLimited || e.Kind == KindTooManyRequests
	case ErrServerError:
		return e.Kind == KindServerError
	}
	return false
}

type classification struct {
	status int
	marker string
	kind   ErrorKind
}

// classifications is checked in order; the first row whose status matches and whose
// marker appears in the lowercased body wins. An empty marker matches any body.
var classifications = []classification{
	{http.StatusBadRequest, "invalid request", KindInvalidRequest},
	{http.StatusForbidden, "access blocked", KindAccessBlocked},
	{http.StatusNotFound, "", KindNotFound},
	{http.StatusConflict, "repository is empty", KindEmptyRepository},
	{http.StatusUnprocessableEntity, "no commit found", KindNoCommitFound},
	{http.StatusUnprocessableEntity, "invalid state", KindInvalidGitState},
	{http.StatusTooManyRequests, "too many requests", KindTooManyRequests},
	{http.StatusTooManyRequests, "access has been restricted", KindTooManyRequests},
	{http.StatusUnavailableForLegalReasons, "access blocked", KindAccessBlocked},
	{http.StatusInternalServerError, "", KindServerError},
	{http.StatusBadGateway, "", KindServerError},
	{http.StatusServiceUnavailable, "", KindServerError},
	{http.StatusGatewayTimeout, "", KindServerError},
}

func classify(statusCode int, body string) ErrorKind {
	lower := strings.ToLower(body)
	for _, c := range classifications {
		if c.status == statusCode && strings.Contains(lower, c.marker) {
			return c.kind
		}
	}
	return KindUnknown
}

func isRateLimitResponse(statusCode int, body string) bool {
	return statusCode == http.StatusForbidden && strings.Contains(strings.ToLower(body), "api rate limit exceeded")
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// IsSemantic reports whether err describes the state of a repository or file on the
// platform rather than a transient or budget problem.
func IsSemantic(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Kind {
	case KindNotFound, KindEmptyRepository, KindAccessBlocked, KindInvalidRequest, KindNoCommitFound, KindInvalidGitState:
		return true
	}
	return false
}
