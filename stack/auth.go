package stack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
)

type authenticateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authenticateResponse struct {
	IsTwoFactorEnabled bool `json:"isTwoFactorEnabled"`
}

type userResponse struct {
	FilesNodeID int64 `json:"filesNodeID"`
}

// Authenticate exchanges credentials for a session token and caches it on the client.
func (c *Client) Authenticate(ctx context.Context, username, password string) (string, error) {
	const op = "authenticate"

	body, err := json.Marshal(authenticateRequest{Username: username, Password: password})
	if err != nil {
		return "", err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/authenticate", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(op, req)
	if err != nil {
		if hasStatus(err, http.StatusUnauthorized) || hasStatus(err, http.StatusForbidden) {
			return "", fmt.Errorf("%w: %s", ErrBadCredentials, err)
		}
		return "", err
	}

	var result authenticateResponse
	if err := c.decodeJSON(op, resp, &result); err != nil {
		return "", err
	}
	if result.IsTwoFactorEnabled {
		return "", ErrTwoFactorRequired
	}

	token, err := headerString(op, resp, headerSessionToken)
	if err != nil {
		return "", err
	}

	c.SetSessionToken(token)
	c.logger.Debugf("Authenticated to STACK as %s", username)

	return token, nil
}

// FilesRoot returns the id of the account's Files root directory. The id is cached.
func (c *Client) FilesRoot(ctx context.Context) (int64, error) {
	const op = "get files root"

	c.mu.Lock()
	cached := c.filesRootID
	c.mu.Unlock()
	if cached != 0 {
		return cached, nil
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/user", nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.do(op, req)
	if err != nil {
		return 0, err
	}

	var user userResponse
	if err := c.decodeJSON(op, resp, &user); err != nil {
		return 0, err
	}
	if user.FilesNodeID == 0 {
		return 0, fmt.Errorf("%s: response has no filesNodeID", op)
	}

	c.mu.Lock()
	c.filesRootID = user.FilesNodeID
	c.mu.Unlock()

	return user.FilesNodeID, nil
}
