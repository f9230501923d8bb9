// internal/github/transport.go
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

const connectTimeout = 5 * time.Second

var apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "crawler_api_requests_total",
	Help: "HTTP requests issued to the platform API, including retries.",
}, []string{"auth"})

// Request describes a GET issued through the Transport.
type Request struct {
	// Path is either relative to the API base URL or an absolute URL (pagination
	// links, raw content hosts).
	Path      string
	Query     url.Values
	Header    http.Header
	Anonymous bool
}

// Response is a 200 response. The body is fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsJSON reports whether the body is valid JSON. Non-JSON bodies are returned as text.
func (r *Response) IsJSON() bool {
	return gjson.ValidBytes(r.Body)
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Decode unmarshals a JSON body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// NextURL returns the rel="next" link of a paginated response, or "".
func (r *Response) NextURL() string {
	return nextLink(r.Header.Get("Link"))
}

// Transport issues GET requests against the platform, authenticating through a Pool.
type Transport struct {
	baseURL  *url.URL
	pool     *Pool
	auth     *http.Client
	anon     *http.Client
	logger   *slog.Logger
	requests atomic.Int64
}

// NewTransport creates a Transport. base carries the requests; the authenticated client
// wraps it with an oauth2.Transport that takes tokens from pool.
func NewTransport(baseURL *url.URL, pool *Pool, base http.RoundTripper, logger *slog.Logger) *Transport {
	t := &Transport{baseURL: baseURL, pool: pool, logger: logger}
	t.auth = &http.Client{Transport: &oauth2.Transport{
		Source: pool,
		Base:   &countingTransport{base: base, requests: &t.requests, label: "token"},
	}}
	t.anon = &http.Client{Transport: &countingTransport{base: base, requests: &t.requests, label: "anonymous"}}
	return t
}

// countingTransport counts requests that reach the network. It sits below the
// oauth2 layer, so a request that never got a token is not counted.
type countingTransport struct {
	base     http.RoundTripper
	requests *atomic.Int64
	label    string
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.requests.Add(1)
	apiRequests.WithLabelValues(c.label).Inc()
	return c.base.RoundTrip(req)
}

// NewBaseTransport returns a RoundTripper with a connect timeout and no read timeout.
func NewBaseTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	t.TLSHandshakeTimeout = connectTimeout
	return t
}

// RequestCount returns the number of HTTP requests issued so far, retries included.
func (t *Transport) RequestCount() int64 {
	return t.requests.Load()
}

// Get issues the request and classifies the response. Any non-200 status is returned
// as an *APIError; an exhausted rate limit matches ErrRateLimitExceeded.
func (t *Transport) Get(ctx context.Context, req Request) (*Response, error) {
	return t.get(ctx, req, false)
}

func (t *Transport) get(ctx context.Context, req Request, isRetry bool) (*Response, error) {
	endpoint, err := t.endpoint(req)
	if err != nil {
		return nil, err
	}

	resp, err := t.do(ctx, endpoint, req)
	if err != nil {
		return nil, err
	}

	body := string(resp.Body)
	if isRateLimitResponse(resp.StatusCode, body) {
		if isRetry {
			return nil, &APIError{Kind: KindRateLimited, StatusCode: resp.StatusCode, URL: endpoint, Body: body}
		}
		t.logger.Warn("Rate limit response, refreshing tokens and retrying", "url", endpoint)
		t.pool.RefreshAll(ctx)
		return t.get(ctx, req, true)
	}

	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	return nil, &APIError{
		Kind:       classify(resp.StatusCode, body),
		StatusCode: resp.StatusCode,
		URL:        endpoint,
		Body:       body,
	}
}

// do sends the request, retrying exactly once on a transport failure.
func (t *Transport) do(ctx context.Context, endpoint string, req Request) (*Response, error) {
	client := t.auth
	if req.Anonymous {
		client = t.anon
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := t.send(ctx, client, endpoint, req.Header)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, ErrRateLimitExceeded) || errors.Is(err, ErrNoValidCredential) || ctx.Err() != nil {
			break
		}
		t.logger.Warn("Request failed, trying again", "url", endpoint, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (t *Transport) send(ctx context.Context, client *http.Client, endpoint string, header http.Header) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	for key, values := range header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}, nil
}

// endpoint resolves req.Path against the base URL and merges req.Query.
func (t *Transport) endpoint(req Request) (string, error) {
	var u *url.URL
	if strings.HasPrefix(req.Path, "http://") || strings.HasPrefix(req.Path, "https://") {
		parsed, err := url.Parse(req.Path)
		if err != nil {
			return "", err
		}
		u = parsed
	} else {
		base := *t.baseURL
		base.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(req.Path, "/")
		base.RawQuery = ""
		u = &base
	}

	if len(req.Query) > 0 {
		q := u.Query()
		for key, values := range req.Query {
			q.Del(key)
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
