package stack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
)

const maxErrorBodyBytes = 64 * 1024

// ErrTwoFactorRequired is returned by Authenticate when the account has two-factor authentication enabled.
var ErrTwoFactorRequired = errors.New("two-factor authentication is required, which is not supported")

// ErrBadCredentials is returned by Authenticate when the backend rejects the username or password.
var ErrBadCredentials = errors.New("invalid STACK credentials")

// APIError is returned for every non-2xx response of the STACK backend.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// Retryable reports whether repeating the same call may succeed.
// 404 is included because a just-written node may not be indexed yet.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusTooManyRequests
}

// MissingHeaderError is returned when a response lacks a header the protocol promises.
type MissingHeaderError struct {
	Op     string
	Header string
}

func (e *MissingHeaderError) Error() string {
	return fmt.Sprintf("%s: response is missing the %s header", e.Op, e.Header)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsConflict reports whether err is the backend's 409 "already exists" signal.
func IsConflict(err error) bool {
	return hasStatus(err, http.StatusConflict)
}

// IsRetryable reports whether err is transient: network failures, 5xx and 404.
// Malformed responses and other 4xx are fatal.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}

	var headerErr *MissingHeaderError
	if errors.As(err, &headerErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == status
	}
	return false
}

func unwrapError(op string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return fmt.Errorf("%s: HTTP %d: read body: %w", op, resp.StatusCode, err)
	}
	return &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
}
