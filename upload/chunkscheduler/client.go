package chunkscheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/furvino/go-stackutils/upload"
	"github.com/furvino/go-stackutils/upload/session"
	"github.com/hashicorp/go-retryablehttp"
)

// StatusError is a non-2xx answer of the upload server.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

// SessionClient talks to the upload-session HTTP surface. Control calls go through
// a retrying client; parts use a plain client since the scheduler retries them.
type SessionClient struct {
	baseURL string
	control *retryablehttp.Client
	parts   *http.Client
	logger  log.Logger
}

// NewSessionClient ...
func NewSessionClient(baseURL string, logger log.Logger) *SessionClient {
	control := retryhttp.NewClient(logger)
	control.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &SessionClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		control: control,
		parts:   DefaultHTTPClient(),
		logger:  logger,
	}
}

// Init opens an upload session.
func (c *SessionClient) Init(ctx context.Context, req session.InitRequest) (upload.InitResponse, error) {
	var resp upload.InitResponse
	err := c.doJSON(ctx, "init upload", http.MethodPost, "/uploads/init", req, http.StatusCreated, &resp)
	return resp, err
}

// Status returns the session and its received parts.
func (c *SessionClient) Status(ctx context.Context, uploadID string) (upload.StatusResponse, error) {
	var resp upload.StatusResponse
	err := c.doJSON(ctx, "get upload status", http.MethodGet, "/uploads/"+url.PathEscape(uploadID)+"/status", nil, http.StatusOK, &resp)
	return resp, err
}

// Complete asks the server to assemble the upload.
func (c *SessionClient) Complete(ctx context.Context, uploadID string, totalParts int, publish bool) (upload.CompleteResponse, error) {
	var resp upload.CompleteResponse
	body := upload.CompleteRequest{TotalParts: totalParts, Publish: publish}
	err := c.doJSON(ctx, "complete upload", http.MethodPost, "/uploads/"+url.PathEscape(uploadID)+"/complete", body, http.StatusOK, &resp)
	return resp, err
}

// Transport returns a PartTransport that sends parts of uploadID.
func (c *SessionClient) Transport(uploadID string) PartTransport {
	return &sessionTransport{client: c, uploadID: uploadID}
}

// CloseIdleConnections closes idle connections of the part client.
func (c *SessionClient) CloseIdleConnections() {
	c.parts.CloseIdleConnections()
}

func (c *SessionClient) doJSON(ctx context.Context, op, method, path string, payload interface{}, wantStatus int, out interface{}) error {
	var body interface{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.control.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != wantStatus {
		return unwrapError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *SessionClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf("Failed to close response body: %s", err)
	}
}

type sessionTransport struct {
	client   *SessionClient
	uploadID string
}

func (t *sessionTransport) UploadPart(ctx context.Context, n int, body io.ReadSeeker, size int64) error {
	op := fmt.Sprintf("upload part %d", n)
	endpoint := fmt.Sprintf("%s/uploads/%s/part?part=%s", t.client.baseURL, url.PathEscape(t.uploadID), strconv.Itoa(n))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, body)
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = size

	dump, err := httputil.DumpRequest(req, false)
	if err != nil {
		t.client.logger.Warnf("error while dumping request: %s", err)
	}
	t.client.logger.Debugf("Part request dump: %s", string(dump))

	resp, err := t.client.parts.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer t.client.closeBody(resp.Body)

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	err = unwrapError(op, resp)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}

func unwrapError(op string, resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("%s: HTTP %d: read body: %w", op, resp.StatusCode, err)
	}

	var errResp upload.ErrorResponse
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
