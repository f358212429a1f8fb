package chunkscheduler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/docker/go-units"
)

const (
	DefaultConcurrency = 8
	MaxConcurrency     = 64
	DefaultPartSize    = 8 * units.MiB
	minSuggestedPart   = 8 * units.MiB
	maxSuggestedPart   = 64 * units.MiB
)

// RetryPolicy controls per-part retries. Attempt k (0-based) waits
// Backoff * Factor^k plus up to half of that again as jitter.
type RetryPolicy struct {
	Retries int
	Backoff time.Duration
	Factor  float64
}

// Progress is reported after every finished part.
type Progress struct {
	UploadedBytes int64
	TotalBytes    int64
	UploadedParts int
	TotalParts    int
}

// Throughput is a smoothed transfer rate sample.
type Throughput struct {
	Mbps float64
}

// Config holds configuration for the scheduler.
type Config struct {
	// Concurrency is the maximum number of parts in flight. Default: 8, at most 64.
	Concurrency int

	// PartSize is only a suggestion when talking to an upload server;
	// the server's answer is authoritative.
	PartSize int64

	Retry RetryPolicy

	// HungThreshold cancels an attempt that runs this much longer than the
	// average part. Zero disables hung detection.
	HungThreshold time.Duration

	OnProgress func(Progress)

	// OnThroughput is called every ThroughputInterval while parts are uploading.
	OnThroughput       func(Throughput)
	ThroughputInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: DefaultConcurrency,
		PartSize:    DefaultPartSize,
		Retry: RetryPolicy{
			Retries: 3,
			Backoff: 500 * time.Millisecond,
			Factor:  2,
		},
		HungThreshold:      30 * time.Second,
		ThroughputInterval: time.Second,
	}
}

func (c Config) validate() error {
	if c.Concurrency < 1 || c.Concurrency > MaxConcurrency {
		return fmt.Errorf("concurrency must be between 1 and %d, got %d", MaxConcurrency, c.Concurrency)
	}
	if c.PartSize < 0 {
		return fmt.Errorf("part size must not be negative, got %d", c.PartSize)
	}
	if c.Retry.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Retry.Retries)
	}
	if c.Retry.Backoff < 0 {
		return fmt.Errorf("backoff must not be negative, got %s", c.Retry.Backoff)
	}
	if c.Retry.Factor != 0 && c.Retry.Factor < 1 {
		return fmt.Errorf("backoff factor must be at least 1, got %g", c.Retry.Factor)
	}
	return nil
}

// DefaultHTTPClient creates an HTTP client for part uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - individual part timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        MaxConcurrency,
			MaxConnsPerHost:     MaxConcurrency,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// SuggestPartSize spreads totalSize over concurrency parts, bounded to [8MiB, 64MiB].
func SuggestPartSize(totalSize int64, concurrency int) int64 {
	if concurrency < 1 {
		concurrency = 1
	}
	ps := totalSize / int64(concurrency)

	// Very large parts hurt parallelism
	if ps >= 2*maxSuggestedPart {
		ps = ps / 2
	}

	if ps < minSuggestedPart {
		ps = minSuggestedPart
	}
	if ps > maxSuggestedPart {
		ps = maxSuggestedPart
	}
	return ps
}
