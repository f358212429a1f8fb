// Package publish turns uploaded files into public STACK links.
package publish

import (
	"context"
	"fmt"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/furvino/go-stackutils/stack"
)

// VisibilityWaiter blocks until a path is visible in STACK and returns its node id.
type VisibilityWaiter interface {
	WaitForPath(ctx context.Context, nodePath string) (int64, error)
}

// PublicSharer creates read-only public shares.
type PublicSharer interface {
	CreatePublicShare(ctx context.Context, nodeID int64) (stack.Share, error)
	PublicURL(urlToken string) string
}

// Result is a published node.
type Result struct {
	NodeID   int64
	ShareID  int64
	URLToken string
	URL      string
	Degraded bool
}

// Publisher waits for a freshly written file to be indexed and shares it.
type Publisher struct {
	waiter VisibilityWaiter
	sharer PublicSharer
	logger log.Logger
}

// NewPublisher ...
func NewPublisher(waiter VisibilityWaiter, sharer PublicSharer, logger log.Logger) *Publisher {
	return &Publisher{
		waiter: waiter,
		sharer: sharer,
		logger: logger,
	}
}

// Publish waits until stackPath shows up and creates a public share for it.
func (p *Publisher) Publish(ctx context.Context, stackPath string) (Result, error) {
	if !strings.HasPrefix(stackPath, "/") {
		return Result{}, fmt.Errorf("stack path %q is not absolute", stackPath)
	}

	p.logger.Printf("Waiting for %s to become visible", stackPath)
	nodeID, err := p.waiter.WaitForPath(ctx, stackPath)
	if err != nil {
		return Result{}, err
	}

	return p.share(ctx, nodeID)
}

func (p *Publisher) share(ctx context.Context, nodeID int64) (Result, error) {
	share, err := p.sharer.CreatePublicShare(ctx, nodeID)
	if err != nil {
		return Result{}, fmt.Errorf("share node %d: %w", nodeID, err)
	}

	result := Result{
		NodeID:   nodeID,
		ShareID:  share.ID,
		URLToken: share.URLToken,
		URL:      p.sharer.PublicURL(share.URLToken),
		Degraded: share.Degraded,
	}
	if result.Degraded {
		p.logger.Warnf("Published %s, but the share may still ask for a password", result.URL)
	} else {
		p.logger.Donef("Published %s", result.URL)
	}
	return result, nil
}

// RootParts splits a STACK path prefix such as /files/furvino into the directory
// names below the Files root.
func RootParts(prefix string) []string {
	var parts []string
	for _, part := range strings.Split(strings.Trim(prefix, "/"), "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) > 0 && parts[0] == "files" {
		parts = parts[1:]
	}
	return parts
}
