// Package stack is a client for the STACK storage backend's header-driven HTTP API.
// Every method performs a single logical call and maps non-2xx responses onto typed errors.
package stack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	headerSessionToken = "x-sessiontoken"
	headerShareToken   = "x-sharetoken"
	headerParentID     = "x-parentid"
	headerFilename     = "x-filename"
	headerFileByteSize = "x-filebytesize"
	headerOverwrite    = "x-overwrite"
	headerOffset       = "x-offset"
	headerID           = "x-id"
	headerURLToken     = "x-urltoken"
	headerShareID      = "x-shareid"

	defaultListPageSize       = 500
	defaultDirectoryRetries   = 5
	defaultDirectoryRetryWait = time.Second
)

var redactedHeaders = []string{headerSessionToken, headerShareToken, "Authorization"}

// Options configures a Client.
type Options struct {
	// BaseURL is the API root, for example https://furvino.stackstorage.com/api/v2
	BaseURL string

	// Username and Password are used to lazily authenticate when no session token is set.
	Username string
	Password string

	// ShareToken authenticates with a share bearer token (x-sharetoken) instead of a session.
	ShareToken string

	SharePolicy SharePolicy

	// HTTPClient defaults to retryhttp.NewClient. Its ErrorHandler is set to pass errors
	// through when unset, so the status code survives exhausted retries.
	HTTPClient *retryablehttp.Client

	ListPageSize int

	// DirectoryRetries bounds how long a 409 on directory creation is reconciled
	// by re-listing the parent before giving up.
	DirectoryRetries   uint
	DirectoryRetryWait time.Duration
}

// Client talks to one STACK account. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	logger     log.Logger

	username string
	password string
	policy   SharePolicy

	pageSize     int
	dirRetries   uint
	dirRetryWait time.Duration

	authMu sync.Mutex

	mu           sync.Mutex
	sessionToken string
	shareToken   string
	filesRootID  int64
}

// NewClient ...
func NewClient(opts Options, logger log.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("STACK base URL must not be empty")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = retryhttp.NewClient(logger)
	}
	if httpClient.ErrorHandler == nil {
		httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	}

	c := &Client{
		baseURL:      baseURL,
		httpClient:   httpClient,
		logger:       logger,
		username:     opts.Username,
		password:     opts.Password,
		policy:       opts.SharePolicy,
		pageSize:     opts.ListPageSize,
		dirRetries:   opts.DirectoryRetries,
		dirRetryWait: opts.DirectoryRetryWait,
		shareToken:   opts.ShareToken,
	}
	if c.pageSize <= 0 {
		c.pageSize = defaultListPageSize
	}
	if c.dirRetries == 0 {
		c.dirRetries = defaultDirectoryRetries
	}
	if c.dirRetryWait == 0 {
		c.dirRetryWait = defaultDirectoryRetryWait
	}

	return c, nil
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetSessionToken replaces the cached session token.
func (c *Client) SetSessionToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionToken = token
}

// WithShareToken returns a copy of the client that authenticates with the given share token.
// The copy shares the transport but none of the session state.
func (c *Client) WithShareToken(token string) *Client {
	return &Client{
		baseURL:      c.baseURL,
		httpClient:   c.httpClient,
		logger:       c.logger,
		policy:       c.policy,
		pageSize:     c.pageSize,
		dirRetries:   c.dirRetries,
		dirRetryWait: c.dirRetryWait,
		shareToken:   token,
	}
}

func (c *Client) credentialHeader(ctx context.Context) (string, string, error) {
	c.mu.Lock()
	shareToken, sessionToken := c.shareToken, c.sessionToken
	c.mu.Unlock()

	if shareToken != "" {
		return headerShareToken, shareToken, nil
	}
	if sessionToken != "" {
		return headerSessionToken, sessionToken, nil
	}
	if c.username == "" {
		return "", "", fmt.Errorf("no STACK credentials configured")
	}

	token, err := c.Authenticate(ctx, c.username, c.password)
	if err != nil {
		return "", "", err
	}
	return headerSessionToken, token, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	name, value, err := c.credentialHeader(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set(name, value)

	return req, nil
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, payload interface{}) (*retryablehttp.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

// do sends the request; any non-2xx status is returned as an *APIError with the body consumed.
// On success the caller owns the response body. A 401 on a session-authenticated request
// is answered by authenticating again and replaying the request once.
func (c *Client) do(op string, req *retryablehttp.Request) (*http.Response, error) {
	resp, err := c.send(op, req)
	if err == nil || !hasStatus(err, http.StatusUnauthorized) {
		return resp, err
	}

	stale := req.Header.Get(headerSessionToken)
	if stale == "" || c.username == "" {
		return nil, err
	}

	token, authErr := c.renewSession(req.Context(), stale)
	if authErr != nil {
		return nil, fmt.Errorf("%w (authenticating again failed: %s)", err, authErr)
	}
	req.Header.Set(headerSessionToken, token)

	return c.send(op, req)
}

func (c *Client) send(op string, req *retryablehttp.Request) (*http.Response, error) {
	c.dumpRequest(op, req.Request)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			c.closeBody(resp.Body)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer c.closeBody(resp.Body)
		return nil, unwrapError(op, resp)
	}

	return resp, nil
}

// renewSession replaces a rejected session token. Concurrent callers holding the same
// stale token share a single authentication.
func (c *Client) renewSession(ctx context.Context, stale string) (string, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	c.mu.Lock()
	current := c.sessionToken
	if current == stale {
		c.sessionToken = ""
	}
	c.mu.Unlock()

	if current != "" && current != stale {
		return current, nil
	}

	c.logger.Debugf("STACK session token was rejected, authenticating again")
	return c.Authenticate(ctx, c.username, c.password)
}

// doStream sends a body without buffering it. Seekable bodies go through the retrying
// client (rewound between attempts); plain readers get a single attempt on the underlying client.
func (c *Client) doStream(ctx context.Context, op, method, path string, header http.Header, body io.Reader, size int64) (*http.Response, error) {
	if rs, ok := body.(io.ReadSeeker); ok {
		req, err := c.newRequest(ctx, method, path, rs)
		if err != nil {
			return nil, err
		}
		copyHeader(req.Header, header)
		req.Header.Set("Content-Length", fmt.Sprintf("%d", size))
		req.ContentLength = size
		return c.do(op, req)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	name, value, err := c.credentialHeader(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set(name, value)
	copyHeader(req.Header, header)
	req.ContentLength = size

	c.dumpRequest(op, req)

	resp, err := c.httpClient.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer c.closeBody(resp.Body)
		return nil, unwrapError(op, resp)
	}

	return resp, nil
}

func (c *Client) decodeJSON(op string, resp *http.Response, v interface{}) error {
	defer c.closeBody(resp.Body)

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Debugf("close response body: %s", err)
	}
}

func (c *Client) dumpRequest(op string, req *http.Request) {
	clone := req.Clone(req.Context())
	for _, h := range redactedHeaders {
		if clone.Header.Get(h) != "" {
			clone.Header.Set(h, "[REDACTED]")
		}
	}

	dump, err := httputil.DumpRequest(clone, false)
	if err != nil {
		c.logger.Debugf("%s: error while dumping request: %s", op, err)
		return
	}
	c.logger.Debugf("%s request dump: %s", op, string(dump))
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}
