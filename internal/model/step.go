package model

import (
	"sync"
	"time"
)

// Derivation is the scheduling-relevant projection of a parsed build recipe.
// The wire/textproto representation lives in package pb; the queue monitor
// converts one into this shape when constructing a Step so that nothing in
// this package needs to know about protobuf (§9 DESIGN NOTES).
type Derivation struct {
	Platform         string
	Builtin          bool // true for builtin derivations (fetchurl etc.)
	InputDerivations []string
	Outputs          map[string]string // output name -> store path
}

// StepOptions mirrors the subset of a derivation's build options the
// scheduler itself consults.
type StepOptions struct {
	MaxSilentTime time.Duration
	BuildTimeout  time.Duration
	MaxLogSize    int64
}

// Step is the scheduling atom: one derivation to realize (§3).
type Step struct {
	DrvPath                string
	Derivation             Derivation
	RequiredSystemFeatures []string
	PreferLocalBuild       bool
	SystemType             string
	Options                StepOptions

	mu sync.Mutex

	state StepState
	// deps are owning references this step is waiting on; rdeps are the
	// non-owning reverse edges (I3).
	deps  map[string]*Step
	rdeps map[string]*Step
	// builds are the non-owning Builds that transitively need this step.
	builds map[int64]*Build
	// jobsets contribute to this step's fair-share key.
	jobsets map[JobsetKey]*Jobset

	tries int
	after time.Time

	highestGlobalPriority int
	highestLocalPriority  int
	lowestBuildID         int64
	lowestBuildIDSet      bool

	runnableSince time.Time
	lastSupported time.Time

	created bool
	heldBy  string // non-empty while a Builder worker holds the reservation

	finalStatus     BuildStatus
	finalStatusSet  bool
	errorMsg        string
	propagatedFrom  string // drvPath of the dependency that caused BsDepFailed
}

// NewStep constructs an un-created Step for drvPath. Callers must invoke
// MarkCreated once expansion (CreateStep, §4.1) has finished attaching all
// dependency edges.
func NewStep(drvPath string, drv Derivation, systemType string) *Step {
	return &Step{
		DrvPath:    drvPath,
		Derivation: drv,
		SystemType: systemType,
		deps:       make(map[string]*Step),
		rdeps:      make(map[string]*Step),
		builds:     make(map[int64]*Build),
		jobsets:    make(map[JobsetKey]*Jobset),
	}
}

// State returns the step's current execution state.
func (s *Step) State() StepState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the step's execution state (§4.3).
func (s *Step) SetState(state StepState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// MarkCreated sets the created flag (step 6 of CreateStep), signalling that
// expansion of this step's subgraph is complete.
func (s *Step) MarkCreated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = true
}

// Created reports whether expansion of this step has finished.
func (s *Step) Created() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// AddDep records that s depends on d, maintaining I3 by also adding s as one
// of d's rdeps. Both sides are mutated so callers must not hold d.mu already
// (lock order: caller acquires steps table lock first, then per-step locks
// in DrvPath order is not required since these are leaf mutations guarded by
// the steps-table lock at a higher level; see queuemonitor).
func (s *Step) AddDep(d *Step) {
	s.mu.Lock()
	s.deps[d.DrvPath] = d
	s.mu.Unlock()

	d.mu.Lock()
	d.rdeps[s.DrvPath] = s
	d.mu.Unlock()
}

// RemoveDep removes d from s.deps (and s from d.rdeps), e.g. once d has
// finished successfully (§4.3 Completion). Returns true if s.deps is now
// empty, i.e. s has become runnable (I2).
func (s *Step) RemoveDep(d *Step) (nowRunnable bool) {
	s.mu.Lock()
	delete(s.deps, d.DrvPath)
	nowRunnable = len(s.deps) == 0 && s.heldBy == ""
	s.mu.Unlock()

	d.mu.Lock()
	delete(d.rdeps, s.DrvPath)
	d.mu.Unlock()

	return nowRunnable
}

// Deps returns a snapshot of the steps this step still waits on.
func (s *Step) Deps() []*Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Step, 0, len(s.deps))
	for _, d := range s.deps {
		out = append(out, d)
	}
	return out
}

// Rdeps returns a snapshot of the steps waiting on this step.
func (s *Step) Rdeps() []*Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Step, 0, len(s.rdeps))
	for _, r := range s.rdeps {
		out = append(out, r)
	}
	return out
}

// IsRunnable reports whether s satisfies I2: no outstanding deps and not
// currently held by a worker.
func (s *Step) IsRunnable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deps) == 0 && s.heldBy == ""
}

// Hold marks the step as claimed by machine id, returning false if it was
// already held (enforces P5: at most one concurrent reservation per step).
func (s *Step) Hold(machineID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heldBy != "" {
		return false
	}
	s.heldBy = machineID
	return true
}

// Release clears the holder, e.g. after a worker exits (success, failure, or
// cancellation).
func (s *Step) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heldBy = ""
}

// HeldBy returns the id of the machine currently executing this step, or ""
// if none.
func (s *Step) HeldBy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heldBy
}

// AddBuild records that build b transitively needs this step, and adds all
// of b's Jobsets to the step's fair-share contributors.
func (s *Step) AddBuild(b *Build) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds[b.ID] = b
	if b.Jobset != nil {
		s.jobsets[b.Jobset.Key] = b.Jobset
	}
}

// RemoveBuild drops b from the step's builds set, e.g. once b has reached a
// terminal status. Returns the number of remaining builds, used by the
// caller to decide whether the step is now unreachable (I1).
func (s *Step) RemoveBuild(buildID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.builds, buildID)
	return len(s.builds)
}

// Builds returns a snapshot of the builds that transitively need this step.
func (s *Step) Builds() []*Build {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Build, 0, len(s.builds))
	for _, b := range s.builds {
		out = append(out, b)
	}
	return out
}

// Jobsets returns a snapshot of the Jobsets contributing to this step's
// fair-share key.
func (s *Step) Jobsets() []*Jobset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Jobset, 0, len(s.jobsets))
	for _, j := range s.jobsets {
		out = append(out, j)
	}
	return out
}

// RefCount reports how many owners (builds) keep this step alive; combined
// with HeldBy()!="" this implements invariant I1.
func (s *Step) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.builds)
}

// PropagatePriority folds one Build's priorities/id into the step's
// aggregates, monotonically (§4.1, §5 ordering guarantees): priorities only
// increase, lowestBuildID only decreases.
func (s *Step) PropagatePriority(b *Build) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.GlobalPriority > s.highestGlobalPriority {
		s.highestGlobalPriority = b.GlobalPriority
		changed = true
	}
	if b.LocalPriority > s.highestLocalPriority {
		s.highestLocalPriority = b.LocalPriority
		changed = true
	}
	if !s.lowestBuildIDSet || b.ID < s.lowestBuildID {
		s.lowestBuildID = b.ID
		s.lowestBuildIDSet = true
		changed = true
	}
	return changed
}

// Priorities returns the step's current aggregated priority key used by the
// dispatcher's selection policy (§4.2 b,c,d).
func (s *Step) Priorities() (globalPriority, localPriority int, lowestBuildID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highestGlobalPriority, s.highestLocalPriority, s.lowestBuildID
}

// MarkRunnableSince records when this step entered the Runnable list, for
// metrics and fairness tiebreaks.
func (s *Step) MarkRunnableSince(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runnableSince = t
}

// RunnableSince returns when the step entered the Runnable list.
func (s *Step) RunnableSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runnableSince
}

// Tries returns the current retry counter and the earliest next attempt
// time.
func (s *Step) Tries() (tries int, after time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tries, s.after
}

// RecordRetry increments the retry counter and sets the earliest next
// attempt time (§4.3 Retry policy).
func (s *Step) RecordRetry(after time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tries++
	s.after = after
	return s.tries
}

// TouchSupported records that a capable machine existed at time t (§3
// lastSupported, §4.2 step 7).
func (s *Step) TouchSupported(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.lastSupported) {
		s.lastSupported = t
	}
}

// UnsupportedFor reports how long it has been since a capable machine was
// last seen (zero if never recorded, which the caller should treat as "just
// now" to avoid an immediate false failure).
func (s *Step) UnsupportedFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSupported.IsZero() {
		return 0
	}
	return now.Sub(s.lastSupported)
}

// Finish records the step's terminal status and its own error message (if
// any); the drvPath of the dependency behind a bsDepFailed status is set
// separately with SetPropagatedFrom. Safe to call at most once per step; subsequent calls are ignored (mirrors
// Build.Finish's I4-style idempotence, applied at step granularity).
func (s *Step) Finish(status BuildStatus, errorMsg string) (first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalStatusSet {
		return false
	}
	s.finalStatus = status
	s.errorMsg = errorMsg
	s.finalStatusSet = true
	return true
}

// SetPropagatedFrom records which dependency's failure caused this step's
// bsDepFailed status. Separate from Finish so callers that only know the
// propagation source after the fact (completion.Handler cascading a failure
// to the steps that depend on it) can still set it once.
func (s *Step) SetPropagatedFrom(drvPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.propagatedFrom = drvPath
}

// FinalStatus returns the step's terminal status and error message, and
// whether a terminal status has been recorded at all. The propagation source
// is returned by PropagatedFrom.
func (s *Step) FinalStatus() (status BuildStatus, errorMsg string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalStatus, s.errorMsg, s.finalStatusSet
}

// PropagatedFrom returns the drvPath of the dependency whose failure caused
// this step's bsDepFailed status, if any.
func (s *Step) PropagatedFrom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.propagatedFrom
}
