// Package sharetoken issues short-lived, upload-only STACK share tokens so a browser can
// upload straight into a directory without the application server proxying the bytes.
package sharetoken

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/furvino/go-stackutils/stack"
)

// DefaultRenewMargin is how long before expiry a holder swaps its token.
const DefaultRenewMargin = 5 * time.Minute

// ErrUnknownShare is returned when asked to revoke a share that was not issued as an upload token.
var ErrUnknownShare = errors.New("unknown upload share")

// ShareClient is the subset of *stack.Client the manager needs.
type ShareClient interface {
	CreateShare(ctx context.Context, nodeID int64, perms stack.Permissions, expiresAt time.Time) (stack.Share, error)
	AuthorizeShare(ctx context.Context, urlToken string) (string, error)
	DeleteShare(ctx context.Context, shareID int64) error
}

// Token is the credential handed to a direct-upload client.
type Token struct {
	ShareID      int64  `json:"shareID"`
	URLToken     string `json:"urlToken"`
	ShareToken   string `json:"shareToken"`
	ParentNodeID int64  `json:"parentNodeID"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// Expiry ...
func (t Token) Expiry() time.Time {
	return time.Unix(t.ExpiresAt, 0)
}

// NeedsRenewal reports whether the token expires within margin of now.
func (t Token) NeedsRenewal(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(t.Expiry())
}

// Manager creates and revokes upload-only shares.
type Manager struct {
	client ShareClient
	logger log.Logger
	now    func() time.Time
}

// NewManager ...
func NewManager(client ShareClient, logger log.Logger) *Manager {
	return &Manager{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// CreateUploadShare creates a share on targetDirNodeID that may only create files and
// directories, then authorizes it to obtain the bearer share token.
func (m *Manager) CreateUploadShare(ctx context.Context, targetDirNodeID int64, ttl time.Duration) (Token, error) {
	if ttl <= 0 {
		return Token{}, fmt.Errorf("share ttl must be positive, got %s", ttl)
	}

	expiresAt := m.now().Add(ttl).Truncate(time.Second)
	share, err := m.client.CreateShare(ctx, targetDirNodeID, stack.UploadOnly, expiresAt)
	if err != nil {
		return Token{}, fmt.Errorf("create upload share: %w", err)
	}

	shareToken, err := m.client.AuthorizeShare(ctx, share.URLToken)
	if err != nil {
		if delErr := m.client.DeleteShare(ctx, share.ID); delErr != nil {
			m.logger.Warnf("Failed to delete unauthorized share %d: %s", share.ID, delErr)
		}
		return Token{}, fmt.Errorf("authorize upload share: %w", err)
	}

	m.logger.Debugf("Issued upload share %d on node %d, expires at %s", share.ID, targetDirNodeID, expiresAt.UTC().Format(time.RFC3339))

	return Token{
		ShareID:      share.ID,
		URLToken:     share.URLToken,
		ShareToken:   shareToken,
		ParentNodeID: targetDirNodeID,
		ExpiresAt:    expiresAt.Unix(),
	}, nil
}

// Revoke deletes the share. An already deleted share is not an error.
func (m *Manager) Revoke(ctx context.Context, shareID int64) error {
	if err := m.client.DeleteShare(ctx, shareID); err != nil {
		return fmt.Errorf("revoke share %d: %w", shareID, err)
	}
	return nil
}

// Renew issues a fresh token for the same directory and revokes the old one.
// There is no extend operation; failing to revoke the old share is only logged.
func (m *Manager) Renew(ctx context.Context, old Token, ttl time.Duration) (Token, error) {
	fresh, err := m.CreateUploadShare(ctx, old.ParentNodeID, ttl)
	if err != nil {
		return Token{}, err
	}

	if err := m.Revoke(ctx, old.ShareID); err != nil {
		m.logger.Warnf("Failed to revoke superseded share: %s", err)
	}
	return fresh, nil
}

// Holder keeps one live token for a directory and renews it before it expires.
type Holder struct {
	manager *Manager
	nodeID  int64
	ttl     time.Duration
	margin  time.Duration

	mu    sync.Mutex
	token *Token
}

// NewHolder ...
func NewHolder(manager *Manager, nodeID int64, ttl, margin time.Duration) *Holder {
	if margin <= 0 {
		margin = DefaultRenewMargin
	}
	return &Holder{
		manager: manager,
		nodeID:  nodeID,
		ttl:     ttl,
		margin:  margin,
	}
}

// Current returns a token valid for at least the renew margin, issuing or renewing as needed.
func (h *Holder) Current(ctx context.Context) (Token, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.token != nil && !h.token.NeedsRenewal(h.manager.now(), h.margin) {
		return *h.token, nil
	}

	var (
		token Token
		err   error
	)
	if h.token == nil {
		token, err = h.manager.CreateUploadShare(ctx, h.nodeID, h.ttl)
	} else {
		token, err = h.manager.Renew(ctx, *h.token, h.ttl)
	}
	if err != nil {
		return Token{}, err
	}

	h.token = &token
	return token, nil
}

// Token returns the held token without issuing or renewing one.
func (h *Holder) Token() (Token, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.token == nil {
		return Token{}, false
	}
	return *h.token, true
}

// Close revokes the held token, if any.
func (h *Holder) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.token == nil {
		return nil
	}
	err := h.manager.Revoke(ctx, h.token.ShareID)
	h.token = nil
	return err
}
