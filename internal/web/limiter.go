package web

// limiter.go bounds how many load runs execute at once. A run waits up to
// maxWait for a slot and then fails with etl.ErrTooManyRuns, which the
// handlers answer with 503.

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/JonMunkholm/feedlot-etl/internal/etl"
)

const (
	defaultMaxRuns = 3
	defaultMaxWait = 30 * time.Second
)

// RunLimiter is a weighted semaphore with a bounded wait.
type RunLimiter struct {
	sem     *semaphore.Weighted
	max     int64
	maxWait time.Duration
	active  atomic.Int64
}

func NewRunLimiter(maxConcurrent int, maxWait time.Duration) *RunLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxRuns
	}
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	return &RunLimiter{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		max:     int64(maxConcurrent),
		maxWait: maxWait,
	}
}

// Acquire takes a slot. The caller must Release it.
func (l *RunLimiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return etl.ErrTooManyRuns
		}
		return err
	}
	l.active.Add(1)
	return nil
}

// TryAcquire takes a slot without waiting.
func (l *RunLimiter) TryAcquire() bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.active.Add(1)
	return true
}

func (l *RunLimiter) Release() {
	l.active.Add(-1)
	l.sem.Release(1)
}

// Active is the number of runs holding a slot.
func (l *RunLimiter) Active() int { return int(l.active.Load()) }

// Max is the slot count.
func (l *RunLimiter) Max() int { return int(l.max) }

// WaitForDrain blocks until every slot is free or ctx ends. Acquiring all
// slots at once also keeps new runs out while shutting down.
func (l *RunLimiter) WaitForDrain(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, l.max); err != nil {
		return err
	}
	l.sem.Release(l.max)
	return nil
}
