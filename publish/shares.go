package publish

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/furvino/go-stackutils/stack/sharetoken"
	"github.com/furvino/go-stackutils/upload/session"
)

// DirectoryEnsurer creates a directory chain below the Files root.
type DirectoryEnsurer interface {
	EnsurePath(ctx context.Context, pathParts []string) (int64, error)
}

// UploadShares issues direct-upload tokens for target folders below a fixed root.
// Each folder has one live token, renewed shortly before it expires; only tokens
// issued here can be revoked through it.
type UploadShares struct {
	dirs      DirectoryEnsurer
	manager   *sharetoken.Manager
	rootParts []string
	allowed   []string
	ttl       time.Duration
	margin    time.Duration
	now       func() time.Time

	mu      sync.Mutex
	holders map[string]*sharetoken.Holder
	issued  map[int64]issuedShare
}

type issuedShare struct {
	folder    string
	expiresAt time.Time
}

// NewUploadShares ...
func NewUploadShares(dirs DirectoryEnsurer, manager *sharetoken.Manager, stackPrefix string, allowedFolders []string, ttl time.Duration) *UploadShares {
	margin := sharetoken.DefaultRenewMargin
	if ttl/2 < margin {
		margin = ttl / 2
	}
	return &UploadShares{
		dirs:      dirs,
		manager:   manager,
		rootParts: RootParts(stackPrefix),
		allowed:   allowedFolders,
		ttl:       ttl,
		margin:    margin,
		now:       time.Now,
		holders:   map[string]*sharetoken.Holder{},
		issued:    map[int64]issuedShare{},
	}
}

// IssueUploadShare makes sure targetFolder exists and returns an upload-only token for it.
// The folder obeys the same rules as upload sessions. A token that is still valid for the
// renew margin is handed out again.
func (u *UploadShares) IssueUploadShare(ctx context.Context, targetFolder string) (sharetoken.Token, error) {
	folder, err := session.ResolveFolder(targetFolder, u.allowed)
	if err != nil {
		return sharetoken.Token{}, err
	}

	holder, err := u.holder(ctx, folder)
	if err != nil {
		return sharetoken.Token{}, err
	}

	token, err := holder.Current(ctx)
	if err != nil {
		return sharetoken.Token{}, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.pruneLocked()
	for id, share := range u.issued {
		if share.folder == folder && id != token.ShareID {
			delete(u.issued, id)
		}
	}
	u.issued[token.ShareID] = issuedShare{folder: folder, expiresAt: token.Expiry()}

	return token, nil
}

// Revoke deletes an upload share issued earlier. Any other share id yields sharetoken.ErrUnknownShare.
func (u *UploadShares) Revoke(ctx context.Context, shareID int64) error {
	u.mu.Lock()
	u.pruneLocked()
	share, ok := u.issued[shareID]
	if !ok {
		u.mu.Unlock()
		return fmt.Errorf("%w: %d", sharetoken.ErrUnknownShare, shareID)
	}
	holder := u.holders[share.folder]
	delete(u.issued, shareID)
	delete(u.holders, share.folder)
	u.mu.Unlock()

	if holder != nil {
		if token, ok := holder.Token(); ok && token.ShareID == shareID {
			return holder.Close(ctx)
		}
	}
	return u.manager.Revoke(ctx, shareID)
}

func (u *UploadShares) holder(ctx context.Context, folder string) (*sharetoken.Holder, error) {
	u.mu.Lock()
	holder, ok := u.holders[folder]
	u.mu.Unlock()
	if ok {
		return holder, nil
	}

	parts := append([]string{}, u.rootParts...)
	if folder != "" {
		parts = append(parts, strings.Split(folder, "/")...)
	}

	dirID, err := u.dirs.EnsurePath(ctx, parts)
	if err != nil {
		return nil, fmt.Errorf("ensure %s: %w", folder, err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if existing, ok := u.holders[folder]; ok {
		return existing, nil
	}
	holder = sharetoken.NewHolder(u.manager, dirID, u.ttl, u.margin)
	u.holders[folder] = holder
	return holder, nil
}

// pruneLocked forgets shares the backend has already expired.
func (u *UploadShares) pruneLocked() {
	now := u.now()
	for id, share := range u.issued {
		if !now.Before(share.expiresAt) {
			delete(u.issued, id)
			if holder, ok := u.holders[share.folder]; ok {
				if token, ok := holder.Token(); !ok || token.ShareID == id {
					delete(u.holders, share.folder)
				}
			}
		}
	}
}
