package model

import (
	"sync"
	"time"
)

// SchedulingWindow is the default rolling window (§3) over which a Jobset's
// fair-share usage is accumulated.
const SchedulingWindow = 24 * time.Hour

// JobsetKey identifies a Jobset by (project, jobset) as the database does.
type JobsetKey struct {
	Project string
	Jobset  string
}

// Jobset accumulates step execution time within a rolling window and holds
// the fair-share weight (Shares) used to compute ShareUsed (§3).
type Jobset struct {
	Key    JobsetKey
	Shares int // positive integer, configured by the Jobsets table

	mu      sync.Mutex
	seconds float64
	// steps maps a step's start time to the duration it ran, so pruning
	// entries outside the window is a simple range scan (§3, I5).
	steps map[time.Time]time.Duration
}

// NewJobset constructs a Jobset with the given shares, defaulting to 1 if
// shares is non-positive (the database constrains shares > 0, but a
// misconfigured row should not let a Jobset divide by zero locally).
func NewJobset(key JobsetKey, shares int) *Jobset {
	if shares <= 0 {
		shares = 1
	}
	return &Jobset{
		Key:    key,
		Shares: shares,
		steps:  make(map[time.Time]time.Duration),
	}
}

// SetShares updates the fair-share weight, e.g. on a jobset_shares_changed
// notification.
func (j *Jobset) SetShares(shares int) {
	if shares <= 0 {
		shares = 1
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Shares = shares
}

// RecordStep folds one step's execution into the window, pruning entries
// older than SchedulingWindow relative to now (§3, I5, P6).
func (j *Jobset) RecordStep(now time.Time, start time.Time, dur time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps[start] = dur
	j.seconds += dur.Seconds()
	j.pruneLocked(now)
}

func (j *Jobset) pruneLocked(now time.Time) {
	cutoff := now.Add(-SchedulingWindow)
	for start, dur := range j.steps {
		if start.Before(cutoff) {
			j.seconds -= dur.Seconds()
			delete(j.steps, start)
		}
	}
	if j.seconds < 0 {
		j.seconds = 0
	}
}

// Seconds returns the window's accumulated execution seconds, pruning stale
// entries first.
func (j *Jobset) Seconds(now time.Time) float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pruneLocked(now)
	return j.seconds
}

// ShareUsed is seconds/shares, the fair-share sort key (§3, §4.2a): lower is
// more deserving of the next free machine slot.
func (j *Jobset) ShareUsed(now time.Time) float64 {
	j.mu.Lock()
	shares := j.Shares
	j.mu.Unlock()
	return j.Seconds(now) / float64(shares)
}
