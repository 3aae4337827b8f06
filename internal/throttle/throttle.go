// Package throttle bounds concurrent CPU-bound local work (NAR extraction,
// closure hashing, §4.6) and concurrent closure uploads across machines
// (maxParallelCopyClosure, §4.3 step 3) with counting semaphores.
package throttle

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Local is the counting semaphore bounding CPU-bound local operations.
type Local struct {
	sem *semaphore.Weighted
}

// NewLocal returns a Local throttle with the given number of permits.
func NewLocal(parallelism int64) *Local {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Local{sem: semaphore.NewWeighted(parallelism)}
}

// Acquire blocks until a permit is available or ctx is done.
func (l *Local) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// Release returns a permit. Callers must call Release exactly once per
// successful Acquire, on every exit path (§4.6).
func (l *Local) Release() {
	l.sem.Release(1)
}

// ClosureCopies bounds the number of concurrent closure uploads across all
// machines combined (maxParallelCopyClosure, §4.3 step 3, §5).
type ClosureCopies struct {
	sem *semaphore.Weighted
}

// NewClosureCopies returns a ClosureCopies throttle with the given bound.
func NewClosureCopies(maxParallel int64) *ClosureCopies {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &ClosureCopies{sem: semaphore.NewWeighted(maxParallel)}
}

// Acquire blocks until a slot is available or ctx is done.
func (c *ClosureCopies) Acquire(ctx context.Context) error {
	return c.sem.Acquire(ctx, 1)
}

// Release returns a slot.
func (c *ClosureCopies) Release() {
	c.sem.Release(1)
}
