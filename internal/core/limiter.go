package core

// limiter.go bounds how many assemblies and variant generations run at once.
//
// Each job takes a slot from a buffered channel. When all slots are busy a
// job waits up to maxWait and then fails with ErrTooManyUploads, which callers
// treat as retryable. WaitForDrain lets shutdown wait for running jobs.

import (
	"context"
	"sync/atomic"
	"time"
)

const (
	// DefaultMaxConcurrentJobs is used when no positive limit is configured.
	DefaultMaxConcurrentJobs = 5

	// DefaultMaxWaitTime is how long a job waits for a slot by default.
	DefaultMaxWaitTime = 30 * time.Second
)

// ProcessingLimiter is a counting semaphore for CPU and IO heavy jobs.
type ProcessingLimiter struct {
	slots   chan struct{}
	maxWait time.Duration
	active  atomic.Int64
}

func NewProcessingLimiter(maxConcurrent int, maxWait time.Duration) *ProcessingLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentJobs
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}
	return &ProcessingLimiter{
		slots:   make(chan struct{}, maxConcurrent),
		maxWait: maxWait,
	}
}

// Acquire takes a slot, waiting at most maxWait. The caller must Release it.
func (l *ProcessingLimiter) Acquire(ctx context.Context) error {
	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
		l.active.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTooManyUploads
	}
}

// Release returns a slot taken by Acquire.
func (l *ProcessingLimiter) Release() {
	l.active.Add(-1)
	<-l.slots
}

// Do runs fn while holding a slot.
func (l *ProcessingLimiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// ActiveCount returns the number of running jobs.
func (l *ProcessingLimiter) ActiveCount() int {
	return int(l.active.Load())
}

// WaitForDrain blocks until no job is running or ctx is done.
func (l *ProcessingLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for l.ActiveCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// LimiterStatus is a snapshot for monitoring.
type LimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
}

func (l *ProcessingLimiter) Status() LimiterStatus {
	return LimiterStatus{
		Active:        l.ActiveCount(),
		Available:     cap(l.slots) - len(l.slots),
		MaxConcurrent: cap(l.slots),
	}
}
