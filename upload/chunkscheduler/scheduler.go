// Package chunkscheduler uploads a byte source as numbered parts with bounded
// concurrency, per-part retries and progress reporting.
package chunkscheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// ErrCanceled is returned when the caller's context ends the run.
var ErrCanceled = errors.New("upload canceled")

// PartError is returned when a part failed for good.
type PartError struct {
	Part     int
	Attempts int
	Err      error
}

func (e *PartError) Error() string {
	return fmt.Sprintf("part %d failed after %d attempt(s): %s", e.Part, e.Attempts, e.Err)
}

func (e *PartError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a transport error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// PartTransport uploads a single part. body holds exactly size bytes.
type PartTransport interface {
	UploadPart(ctx context.Context, n int, body io.ReadSeeker, size int64) error
}

// Scheduler runs part uploads.
type Scheduler struct {
	config Config
	logger log.Logger
	stats  *Stats
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Scheduler. Zero Concurrency and PartSize fall back to the defaults;
// start from DefaultConfig for the default retry policy.
func New(config Config, logger log.Logger) (*Scheduler, error) {
	defaults := DefaultConfig()
	if config.Concurrency == 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.PartSize == 0 {
		config.PartSize = defaults.PartSize
	}
	if config.Retry.Factor == 0 {
		config.Retry.Factor = 1
	}
	if config.ThroughputInterval == 0 {
		config.ThroughputInterval = defaults.ThroughputInterval
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &Scheduler{
		config: config,
		logger: logger,
		stats:  NewStats(),
		sleep:  sleepContext,
	}, nil
}

// Stats returns the upload statistics.
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

// Run uploads every part of src not listed in skip. It returns nil once all parts
// are acknowledged. When a part exhausts its retries no new parts are started,
// in-flight parts finish, and the first *PartError is returned. When ctx ends, Run
// returns ErrCanceled right away; OnProgress is not called after Run returns.
func (s *Scheduler) Run(ctx context.Context, src PartSource, transport PartTransport, skip []int) error {
	_, err := s.run(ctx, src, transport, skip)
	return err
}

// run is Run that also returns a channel closed once every worker has exited,
// which may be after run returns on cancellation.
func (s *Scheduler) run(ctx context.Context, src PartSource, transport PartTransport, skip []int) (<-chan struct{}, error) {
	finished := make(chan struct{})
	total := src.NumParts()

	skipped := map[int]bool{}
	for _, n := range skip {
		if n >= 1 && n <= total {
			skipped[n] = true
		}
	}

	var totalBytes, doneBytes int64
	queue := make(chan int, total)
	for n := 1; n <= total; n++ {
		size := src.PartSize(n)
		totalBytes += size
		if skipped[n] {
			doneBytes += size
			continue
		}
		queue <- n
	}
	close(queue)

	pending := total - len(skipped)
	if pending == 0 {
		s.logger.Debugf("All %d parts already uploaded", total)
		close(finished)
		return finished, nil
	}
	s.logger.Debugf("Uploading %d of %d parts (%s) with concurrency %d",
		pending, total, units.HumanSize(float64(totalBytes-doneBytes)), s.config.Concurrency)

	var (
		mu            sync.Mutex
		returned      bool
		firstErr      error
		aborted       atomic.Bool
		uploadedBytes atomic.Int64
		uploadedParts = len(skipped)
	)
	uploadedBytes.Store(doneBytes)

	stopThroughput := s.reportThroughput(ctx, &uploadedBytes)
	defer stopThroughput()

	var wg sync.WaitGroup
	workers := min(s.config.Concurrency, pending)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range queue {
				if aborted.Load() || ctx.Err() != nil {
					return
				}

				if err := s.uploadPartWithRetry(ctx, src, transport, n, total); err != nil {
					if ctx.Err() != nil {
						return
					}
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					aborted.Store(true)
					return
				}

				mu.Lock()
				if returned || ctx.Err() != nil {
					mu.Unlock()
					return
				}
				done := uploadedBytes.Add(src.PartSize(n))
				uploadedParts++
				if s.config.OnProgress != nil {
					s.config.OnProgress(Progress{
						UploadedBytes: done,
						TotalBytes:    totalBytes,
						UploadedParts: uploadedParts,
						TotalParts:    total,
					})
				}
				mu.Unlock()
			}
		}()
	}

	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-ctx.Done():
		mu.Lock()
		returned = true
		mu.Unlock()
		return finished, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	case <-finished:
	}

	if err := ctx.Err(); err != nil {
		return finished, fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	return finished, firstErr
}

func (s *Scheduler) uploadPartWithRetry(ctx context.Context, src PartSource, transport PartTransport, n, total int) error {
	maxAttempts := s.config.Retry.Retries + 1
	size := src.PartSize(n)

	var uploadErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.logger.Debugf("Uploading part %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			n, total, attempt+1, maxAttempts, s.stats.FinishedCount(), s.stats.Average().Round(time.Millisecond))

		start := time.Now()
		partCtx, cancelPart := context.WithCancel(ctx)

		// No hung detection on the last attempt
		if attempt < maxAttempts-1 && s.config.HungThreshold > 0 {
			go s.detectHungUpload(partCtx, cancelPart, start, n)
		}

		uploadErr = s.uploadPart(partCtx, src, transport, n, size)
		cancelPart()

		if uploadErr == nil {
			s.stats.Update(time.Since(start))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var permanent *permanentError
		if errors.As(uploadErr, &permanent) {
			return &PartError{Part: n, Attempts: attempt + 1, Err: permanent.err}
		}

		if attempt == maxAttempts-1 {
			break
		}

		wait := s.backoff(attempt)
		s.logger.Warnf("Part %d attempt %d failed, retrying in %s: %s", n, attempt+1, wait.Round(time.Millisecond), uploadErr)
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}

	return &PartError{Part: n, Attempts: maxAttempts, Err: uploadErr}
}

func (s *Scheduler) uploadPart(ctx context.Context, src PartSource, transport PartTransport, n int, size int64) error {
	body, err := src.Part(n)
	if err != nil {
		return Permanent(fmt.Errorf("read part %d: %w", n, err))
	}
	return transport.UploadPart(ctx, n, body, size)
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	base := time.Duration(float64(s.config.Retry.Backoff) * math.Pow(s.config.Retry.Factor, float64(attempt)))
	if base <= 0 {
		return 0
	}
	return base + rand.N(base/2+1)
}

func (s *Scheduler) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, n int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := s.stats.Average()
				if elapsed-avg > s.config.HungThreshold {
					s.logger.Warnf("Found hung upload of part %d; canceling request after %s (avg: %s)",
						n, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}

func (s *Scheduler) reportThroughput(ctx context.Context, uploaded *atomic.Int64) func() {
	if s.config.OnThroughput == nil {
		return func() {}
	}

	meter := newThroughputMeter(time.Now(), uploaded.Load())
	ticker := time.NewTicker(s.config.ThroughputInterval)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case now := <-ticker.C:
				s.config.OnThroughput(Throughput{Mbps: meter.sample(now, uploaded.Load())})
			}
		}
	}()

	return func() {
		close(stop)
		wg.Wait()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
