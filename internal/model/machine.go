package model

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Machine is a remote build machine: an immutable identity plus mutable
// scheduling state (§3).
type Machine struct {
	// Identity, fixed for the lifetime of the Machine value. A reload that
	// changes any of these fields for a given StoreURI produces a new
	// Machine value rather than mutating this one (§4.4).
	StoreURI            string
	SystemTypes         map[string]bool
	SupportedFeatures   map[string]bool
	MandatoryFeatures   map[string]bool
	MaxJobs             int
	SpeedFactor         float64

	// sendLock is the per-machine, timed, exclusive lock that serializes
	// closure uploads to this machine (§3, §4.3 step 2, §4.6).
	sendLock *semaphore.Weighted

	mu          sync.Mutex
	currentJobs int
	idleSince   time.Time
	totalJobs   int

	lastFailure         time.Time
	consecutiveFailures int
	disabled            bool

	// removed marks a machine dropped from the machine-list file but kept
	// around until its currentJobs reaches zero (§3 Lifecycles, §4.4).
	removed bool
}

// NewMachine constructs a Machine, idle as of now.
func NewMachine(storeURI string, systemTypes, supportedFeatures, mandatoryFeatures []string, maxJobs int, speedFactor float64, now time.Time) *Machine {
	m := &Machine{
		StoreURI:          storeURI,
		SystemTypes:       toSet(systemTypes),
		SupportedFeatures: toSet(supportedFeatures),
		MandatoryFeatures: toSet(mandatoryFeatures),
		MaxJobs:           maxJobs,
		SpeedFactor:       speedFactor,
		sendLock:          semaphore.NewWeighted(1),
		idleSince:         now,
	}
	if m.MaxJobs <= 0 {
		m.MaxJobs = 1
	}
	if m.SpeedFactor <= 0 {
		m.SpeedFactor = 1
	}
	return m
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

// Free reports how many job slots are currently unused.
func (m *Machine) Free() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.MaxJobs - m.currentJobs
}

// LoadRatio is currentJobs/maxJobs, the primary machine-choice tiebreak
// (§4.2 e.i).
func (m *Machine) LoadRatio() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.currentJobs) / float64(m.MaxJobs)
}

// IdleSince returns when the machine last had zero running jobs; used as
// the final machine-choice tiebreak (§4.2 e.iii).
func (m *Machine) IdleSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idleSince
}

// Reserve atomically checks free capacity and increments currentJobs,
// implementing the MachineReservation constructor's atomicity requirement
// (§5 Ordering guarantees, P3). Returns false if the machine was full or has
// been removed from the machine list.
func (m *Machine) Reserve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed || m.currentJobs >= m.MaxJobs {
		return false
	}
	m.currentJobs++
	m.totalJobs++
	return true
}

// Release decrements currentJobs after a reservation's worker exits,
// updating idleSince if the machine is now fully idle.
func (m *Machine) Release(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentJobs > 0 {
		m.currentJobs--
	}
	if m.currentJobs == 0 {
		m.idleSince = now
	}
}

// CurrentJobs returns the number of in-flight reservations (P3: always ≤
// MaxJobs).
func (m *Machine) CurrentJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentJobs
}

// AcquireSendLock blocks until the machine's sendLock is free or timeout
// elapses, whichever comes first (§4.3 step 2). Returns false on timeout, in
// which case the caller must release its reservation and requeue the step
// rather than proceed holding no lock.
func (m *Machine) AcquireSendLock(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.sendLock.Acquire(ctx, 1) == nil
}

// ReleaseSendLock releases the sendLock acquired by a prior successful
// AcquireSendLock call.
func (m *Machine) ReleaseSendLock() {
	m.sendLock.Release(1)
}

// MarkRemoved flags the machine as dropped from the machine-list file. The
// registry is responsible for deleting it from the live set once
// CurrentJobs() reaches zero (§3 Lifecycles, §4.4).
func (m *Machine) MarkRemoved() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = true
}

// Removed reports whether the machine has been dropped from the current
// machine-list file.
func (m *Machine) Removed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removed
}

// RecordFailure bumps the consecutive-failure counter. The decision of
// whether enough failures have accumulated to stop dispatching to this
// machine belongs to the per-machine gobreaker.CircuitBreaker in package
// machines (§4.4), whose ReadyToTrip reads the breaker's own counts; this
// counter is kept here for metrics and tests.
func (m *Machine) RecordFailure(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFailure = now
	m.consecutiveFailures++
}

// RecordSuccess resets the failure counter (§4.4: "A success resets
// consecutiveFailures").
func (m *Machine) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures = 0
}

// SetDisabled is called by the package machines health monitor whenever its
// circuit breaker for this machine changes state, so SupportsStep's
// synchronous capability check does not need to consult the breaker
// directly (§4.4, §4.5).
func (m *Machine) SetDisabled(disabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled = disabled
}

// InBackoff reports whether the machine is currently disabled due to
// repeated failures, as last reported by SetDisabled (§4.4, §4.5).
func (m *Machine) InBackoff(time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabled
}

// ConsecutiveFailures returns the current failure streak, for metrics and
// tests.
func (m *Machine) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures
}

// SupportsStep implements §4.5's capability matching.
func (m *Machine) SupportsStep(s *Step, now time.Time) bool {
	if m.InBackoff(now) {
		return false
	}
	if !m.SystemTypes[s.SystemType] {
		return false
	}
	for f := range m.MandatoryFeatures {
		if f == "local" {
			if s.PreferLocalBuild {
				continue
			}
			return false
		}
		if !containsFeature(s.RequiredSystemFeatures, f) {
			return false
		}
	}
	for _, f := range s.RequiredSystemFeatures {
		if !m.SupportedFeatures[f] {
			return false
		}
	}
	return true
}

func containsFeature(features []string, f string) bool {
	for _, x := range features {
		if x == f {
			return true
		}
	}
	return false
}
