package stack

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Permissions of a share. A share is either read-only (public distribution links)
// or upload-only (client-direct uploads), never both.
type Permissions struct {
	Read            bool `json:"read"`
	Update          bool `json:"update"`
	Delete          bool `json:"delete"`
	CreateFile      bool `json:"createFile"`
	CreateDirectory bool `json:"createDirectory"`
}

// PublicRead is used for distribution links.
var PublicRead = Permissions{Read: true}

// UploadOnly is used for short-lived client-direct upload tokens.
var UploadOnly = Permissions{CreateFile: true, CreateDirectory: true}

func (p Permissions) writes() bool {
	return p.Update || p.Delete || p.CreateFile || p.CreateDirectory
}

// Validate rejects permission sets that mix reading with writing.
func (p Permissions) Validate() error {
	if p.Read && p.writes() {
		return fmt.Errorf("share permissions must not grant both read and write access")
	}
	if !p.Read && !p.writes() {
		return fmt.Errorf("share permissions grant nothing")
	}
	return nil
}

// SharePolicy decides what happens when a public share cannot be stripped of its
// default password or narrowed to read-only.
type SharePolicy struct {
	// AllowDegraded returns such a share marked Degraded instead of failing.
	AllowDegraded bool
}

// Share is a backend share handle.
type Share struct {
	ID       int64
	URLToken string
	NodeID   int64
	Degraded bool
}

type createShareRequest struct {
	NodeID      int64       `json:"nodeID"`
	Permissions Permissions `json:"permissions"`
	ExpiresAt   int64       `json:"expiresAt,omitempty"`
}

type updateShareRequest struct {
	Password    *string     `json:"password,omitempty"`
	Permissions Permissions `json:"permissions"`
}

type authorizeShareRequest struct {
	Password string `json:"password"`
}

// CreateShare creates a share for nodeID. A zero expiresAt creates a share without expiry.
func (c *Client) CreateShare(ctx context.Context, nodeID int64, perms Permissions, expiresAt time.Time) (Share, error) {
	const op = "create share"

	if err := perms.Validate(); err != nil {
		return Share{}, err
	}

	payload := createShareRequest{NodeID: nodeID, Permissions: perms}
	if !expiresAt.IsZero() {
		payload.ExpiresAt = expiresAt.Unix()
	}

	req, err := c.newJSONRequest(ctx, http.MethodPost, "/share", payload)
	if err != nil {
		return Share{}, err
	}

	resp, err := c.do(op, req)
	if err != nil {
		return Share{}, err
	}
	c.closeBody(resp.Body)

	shareID, err := headerInt64(op, resp, headerShareID)
	if err != nil {
		return Share{}, err
	}
	urlToken, err := headerString(op, resp, headerURLToken)
	if err != nil {
		return Share{}, err
	}

	return Share{ID: shareID, URLToken: urlToken, NodeID: nodeID}, nil
}

// UpdateShare sets the share's permissions and, if clearPassword is set, removes its password.
func (c *Client) UpdateShare(ctx context.Context, shareID int64, perms Permissions, clearPassword bool) error {
	const op = "update share"

	if err := perms.Validate(); err != nil {
		return err
	}

	payload := updateShareRequest{Permissions: perms}
	if clearPassword {
		empty := ""
		payload.Password = &empty
	}

	req, err := c.newJSONRequest(ctx, http.MethodPut, fmt.Sprintf("/share/%d", shareID), payload)
	if err != nil {
		return err
	}

	resp, err := c.do(op, req)
	if err != nil {
		return err
	}
	c.closeBody(resp.Body)

	return nil
}

// AuthorizeShare exchanges a share's public url token for the bearer share token used
// by clients (x-sharetoken) in subsequent requests.
func (c *Client) AuthorizeShare(ctx context.Context, urlToken string) (string, error) {
	const op = "authorize share"

	req, err := c.newJSONRequest(ctx, http.MethodPost, "/share/authorize", authorizeShareRequest{})
	if err != nil {
		return "", err
	}
	req.Header.Set(headerURLToken, urlToken)

	resp, err := c.do(op, req)
	if err != nil {
		return "", err
	}
	c.closeBody(resp.Body)

	return headerString(op, resp, headerShareToken)
}

// DeleteShare removes a share. A share that is already gone counts as deleted.
func (c *Client) DeleteShare(ctx context.Context, shareID int64) error {
	const op = "delete share"

	req, err := c.newRequest(ctx, http.MethodDelete, fmt.Sprintf("/share/%d", shareID), nil)
	if err != nil {
		return err
	}

	resp, err := c.do(op, req)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	c.closeBody(resp.Body)

	return nil
}

// CreatePublicShare creates a password-less, read-only share for nodeID.
// If the follow-up update fails, the client's SharePolicy decides between
// failing (the share is deleted) and returning it marked Degraded.
func (c *Client) CreatePublicShare(ctx context.Context, nodeID int64) (Share, error) {
	share, err := c.CreateShare(ctx, nodeID, PublicRead, time.Time{})
	if err != nil {
		return Share{}, err
	}

	if err := c.UpdateShare(ctx, share.ID, PublicRead, true); err != nil {
		if c.policy.AllowDegraded {
			c.logger.Warnf("Share %d of node %d may still require a password: %s", share.ID, nodeID, err)
			share.Degraded = true
			return share, nil
		}

		if delErr := c.DeleteShare(ctx, share.ID); delErr != nil {
			c.logger.Warnf("Failed to delete share %d after a failed update: %s", share.ID, delErr)
		}
		return Share{}, fmt.Errorf("clear password of share %d: %w", share.ID, err)
	}

	return share, nil
}

// PublicURL returns the browser link for a share's url token.
func (c *Client) PublicURL(urlToken string) string {
	web := c.baseURL
	if i := strings.Index(web, "/api/"); i >= 0 {
		web = web[:i]
	} else {
		web = strings.TrimSuffix(web, "/api")
	}
	return web + "/s/" + urlToken
}
