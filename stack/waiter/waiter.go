// Package waiter polls STACK until a just-written path becomes visible. The backend
// indexes files asynchronously, so a freshly copied file may 404 for a while.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/furvino/go-stackutils/stack"
)

const (
	DefaultInterval    = time.Second
	DefaultMaxAttempts = 300
)

// ErrNotVisible is returned once the attempt bound is exhausted.
var ErrNotVisible = errors.New("node did not become visible")

// NotVisibleError ...
type NotVisibleError struct {
	Path     string
	Attempts int
	Last     error
}

func (e *NotVisibleError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempts: %s", ErrNotVisible, e.Path, e.Attempts, e.Last)
}

func (e *NotVisibleError) Unwrap() error {
	return ErrNotVisible
}

// NodeLookup is satisfied by *stack.Client.
type NodeLookup interface {
	NodeByPath(ctx context.Context, nodePath string) (stack.Node, error)
}

// Config bounds the polling.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
}

// NextPoll decides what follows a failed attempt (attempts are 1-based): the
// delay before the next one, or false if the bound is reached.
func NextPoll(attempt, maxAttempts int, interval time.Duration) (time.Duration, bool) {
	if attempt >= maxAttempts {
		return 0, false
	}
	return interval, true
}

// Waiter ...
type Waiter struct {
	lookup NodeLookup
	cfg    Config
	logger log.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New ...
func New(lookup NodeLookup, cfg Config, logger log.Logger) *Waiter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Waiter{
		lookup: lookup,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
	}
}

// WaitForPath returns the node id of nodePath as soon as it is visible.
// Not found and transient errors are polled through; anything else fails at once.
func (w *Waiter) WaitForPath(ctx context.Context, nodePath string) (int64, error) {
	started := time.Now()

	for attempt := 1; ; attempt++ {
		node, err := w.lookup.NodeByPath(ctx, nodePath)
		if err == nil {
			w.logger.Debugf("%s visible after %d attempt(s) (%s)", nodePath, attempt, time.Since(started).Round(time.Millisecond))
			return node.ID, nil
		}
		if !stack.IsNotFound(err) && !stack.IsRetryable(err) {
			return 0, fmt.Errorf("wait for %s: %w", nodePath, err)
		}

		delay, ok := NextPoll(attempt, w.cfg.MaxAttempts, w.cfg.Interval)
		if !ok {
			return 0, &NotVisibleError{Path: nodePath, Attempts: attempt, Last: err}
		}

		if attempt == 1 || attempt%30 == 0 {
			w.logger.Printf("Waiting for %s to be indexed (attempt %d/%d)", nodePath, attempt, w.cfg.MaxAttempts)
		}

		if err := w.sleep(ctx, delay); err != nil {
			return 0, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
