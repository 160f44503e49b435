// Package credlock serializes access to a shared credential slot. Pushes to a
// remote use one credential at a time across all concurrent deliveries, so
// the slot is a weighted semaphore of size one with a bounded, cancellable
// wait instead of a busy poll.
package credlock

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxWait bounds how long a worker may wait for the slot.
const DefaultMaxWait = 5 * time.Minute

// Lock is the shared credential slot.
type Lock struct {
	sem     *semaphore.Weighted
	maxWait time.Duration
}

// New creates a Lock. maxWait <= 0 selects DefaultMaxWait.
func New(maxWait time.Duration) *Lock {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Lock{sem: semaphore.NewWeighted(1), maxWait: maxWait}
}

// Acquire takes the slot, waiting at most the configured bound. It returns an
// error when the wait times out or ctx is cancelled (e.g. on shutdown).
func (l *Lock) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		return fmt.Errorf("acquiring credential slot: %w", err)
	}
	return nil
}

// Release frees the slot.
func (l *Lock) Release() {
	l.sem.Release(1)
}
