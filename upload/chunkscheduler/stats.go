package chunkscheduler

import (
	"sync"
	"time"
)

const emaAlpha = 0.3

// Stats tracks part durations for hung detection and reporting.
type Stats struct {
	sum           time.Duration
	finishedParts int64
	mu            sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful part upload duration.
func (s *Stats) Update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedParts++
}

// Average returns the average upload duration of finished parts.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedParts == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedParts)
}

// FinishedCount returns the number of finished part uploads.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedParts
}

// throughputMeter turns cumulative byte counts into an exponentially smoothed rate.
type throughputMeter struct {
	mu        sync.Mutex
	lastAt    time.Time
	lastBytes int64
	mbps      float64
	primed    bool
}

func newThroughputMeter(start time.Time, startBytes int64) *throughputMeter {
	return &throughputMeter{lastAt: start, lastBytes: startBytes}
}

// sample records the cumulative byte count at now and returns the smoothed megabits per second.
func (m *throughputMeter) sample(now time.Time, totalBytes int64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := now.Sub(m.lastAt).Seconds()
	if elapsed <= 0 {
		return m.mbps
	}

	current := float64(totalBytes-m.lastBytes) * 8 / 1e6 / elapsed
	if m.primed {
		m.mbps = emaAlpha*current + (1-emaAlpha)*m.mbps
	} else {
		m.mbps = current
		m.primed = true
	}

	m.lastAt = now
	m.lastBytes = totalBytes
	return m.mbps
}
