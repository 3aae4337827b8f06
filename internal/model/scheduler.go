package model

import (
	"sync"
	"time"

	"github.com/distr1/buildqueue/internal/wake"
)

// Scheduler owns every process-wide registry the core operates on, as
// explicit fields of one value passed to every task rather than ambient
// package-level singletons (§9 DESIGN NOTES: "Global mutable maps"). Lock
// order, when more than one table must be held at once, is builds < steps <
// jobsets < machines < runnable (§5); no caller needs more than three at a
// time in this implementation.
type Scheduler struct {
	DispatcherWake *wake.Chan
	QueueWake      *wake.Chan

	buildsMu sync.RWMutex
	builds   map[int64]*Build

	stepsMu sync.RWMutex
	steps   map[string]*Step // keyed by DrvPath

	jobsetsMu sync.RWMutex
	jobsets   map[JobsetKey]*Jobset

	machinesMu sync.RWMutex
	machines   map[string]*Machine // keyed by StoreURI

	runnableMu sync.Mutex
	runnable   map[string]*Step // keyed by DrvPath, unordered set (§4.2)

	// activeSteps lets a cancellation request (e.g. builds_cancelled) reach
	// a running Builder worker without the queue monitor and builder
	// packages importing each other.
	activeMu sync.Mutex
	active   map[string]*ActiveStep // keyed by DrvPath

	// orphanedSteps holds steps left marked busy by an aborted monitor
	// iteration (§4.1 Failure mode, §7); cleared on the next successful
	// pass.
	orphanMu sync.Mutex
	orphaned map[string]bool
}

// NewScheduler returns an empty Scheduler ready to have builds reconciled
// into it by the queue monitor.
func NewScheduler() *Scheduler {
	return &Scheduler{
		DispatcherWake: wake.New(),
		QueueWake:      wake.New(),
		builds:         make(map[int64]*Build),
		steps:          make(map[string]*Step),
		jobsets:        make(map[JobsetKey]*Jobset),
		machines:       make(map[string]*Machine),
		runnable:       make(map[string]*Step),
		active:         make(map[string]*ActiveStep),
		orphaned:       make(map[string]bool),
	}
}

// --- Builds ---

// PutBuild inserts or replaces a build in the table.
func (s *Scheduler) PutBuild(b *Build) {
	s.buildsMu.Lock()
	defer s.buildsMu.Unlock()
	s.builds[b.ID] = b
}

// Build looks up a build by id.
func (s *Scheduler) Build(id int64) (*Build, bool) {
	s.buildsMu.RLock()
	defer s.buildsMu.RUnlock()
	b, ok := s.builds[id]
	return b, ok
}

// RemoveBuild deletes a build from the table, e.g. once it has reached a
// terminal status and its Step references have all been dropped.
func (s *Scheduler) RemoveBuild(id int64) {
	s.buildsMu.Lock()
	defer s.buildsMu.Unlock()
	delete(s.builds, id)
}

// FinishBuild removes a finished build from the table and drops its
// reference from every step that recorded it via Step.AddBuild. This is the
// other half of invariant I1: a step becomes collectible by
// CollectUnreachable only once every build that named it has finished and
// been dropped here.
func (s *Scheduler) FinishBuild(id int64) {
	s.RemoveBuild(id)
	for _, st := range s.Steps() {
		st.RemoveBuild(id)
	}
}

// Builds returns a snapshot of all live builds.
func (s *Scheduler) Builds() []*Build {
	s.buildsMu.RLock()
	defer s.buildsMu.RUnlock()
	out := make([]*Build, 0, len(s.builds))
	for _, b := range s.builds {
		out = append(out, b)
	}
	return out
}

// --- Steps ---

// StepOrCreate returns the live step for drvPath, creating and inserting one
// via newStep if none exists yet (CreateStep step 1, §4.1). The second
// return value is true if a new step was inserted.
func (s *Scheduler) StepOrCreate(drvPath string, newStep func() *Step) (*Step, bool) {
	s.stepsMu.Lock()
	defer s.stepsMu.Unlock()
	if st, ok := s.steps[drvPath]; ok {
		return st, false
	}
	st := newStep()
	s.steps[drvPath] = st
	return st, true
}

// Step looks up a step by derivation path.
func (s *Scheduler) Step(drvPath string) (*Step, bool) {
	s.stepsMu.RLock()
	defer s.stepsMu.RUnlock()
	st, ok := s.steps[drvPath]
	return st, ok
}

// RemoveStep deletes a step from the table once it is unreachable (I1).
func (s *Scheduler) RemoveStep(drvPath string) {
	s.stepsMu.Lock()
	defer s.stepsMu.Unlock()
	delete(s.steps, drvPath)
}

// Steps returns a snapshot of all live steps.
func (s *Scheduler) Steps() []*Step {
	s.stepsMu.RLock()
	defer s.stepsMu.RUnlock()
	out := make([]*Step, 0, len(s.steps))
	for _, st := range s.steps {
		out = append(out, st)
	}
	return out
}

// --- Jobsets ---

// JobsetOrCreate returns the live jobset for key, creating one with the
// given shares if it does not exist yet. Jobsets, once created, live for the
// process's duration (§3 Lifecycles).
func (s *Scheduler) JobsetOrCreate(key JobsetKey, shares int) *Jobset {
	s.jobsetsMu.Lock()
	defer s.jobsetsMu.Unlock()
	if js, ok := s.jobsets[key]; ok {
		return js
	}
	js := NewJobset(key, shares)
	s.jobsets[key] = js
	return js
}

// Jobset looks up a jobset by key.
func (s *Scheduler) Jobset(key JobsetKey) (*Jobset, bool) {
	s.jobsetsMu.RLock()
	defer s.jobsetsMu.RUnlock()
	js, ok := s.jobsets[key]
	return js, ok
}

// --- Machines ---

// PutMachine inserts or replaces a machine in the table (§4.4 reload).
func (s *Scheduler) PutMachine(m *Machine) {
	s.machinesMu.Lock()
	defer s.machinesMu.Unlock()
	s.machines[m.StoreURI] = m
}

// Machine looks up a machine by store URI.
func (s *Scheduler) Machine(storeURI string) (*Machine, bool) {
	s.machinesMu.RLock()
	defer s.machinesMu.RUnlock()
	m, ok := s.machines[storeURI]
	return m, ok
}

// RemoveMachine deletes a machine from the live table (only valid once its
// CurrentJobs() is zero, §3 Lifecycles).
func (s *Scheduler) RemoveMachine(storeURI string) {
	s.machinesMu.Lock()
	defer s.machinesMu.Unlock()
	delete(s.machines, storeURI)
}

// Machines returns a snapshot of all live machines.
func (s *Scheduler) Machines() []*Machine {
	s.machinesMu.RLock()
	defer s.machinesMu.RUnlock()
	out := make([]*Machine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m)
	}
	return out
}

// --- Runnable set (§4.2) ---

// MakeRunnable appends step to the Runnable set and signals the dispatcher
// wakeup channel, implementing makeRunnable(step).
func (s *Scheduler) MakeRunnable(step *Step, now time.Time) {
	step.MarkRunnableSince(now)
	s.runnableMu.Lock()
	s.runnable[step.DrvPath] = step
	s.runnableMu.Unlock()
	s.DispatcherWake.Notify()
}

// TakeRunnable removes step from the Runnable set, e.g. once the dispatcher
// has created a reservation for it.
func (s *Scheduler) TakeRunnable(drvPath string) {
	s.runnableMu.Lock()
	defer s.runnableMu.Unlock()
	delete(s.runnable, drvPath)
}

// Runnable returns a snapshot of the Runnable set (P1: every entry has empty
// Deps()).
func (s *Scheduler) Runnable() []*Step {
	s.runnableMu.Lock()
	defer s.runnableMu.Unlock()
	out := make([]*Step, 0, len(s.runnable))
	for _, st := range s.runnable {
		out = append(out, st)
	}
	return out
}

// --- Active steps (cancellation, §5) ---

// ActiveStep is the cancellation handle a Builder worker registers while it
// holds a reservation.
type ActiveStep struct {
	mu        sync.Mutex
	cancelled bool
}

// Cancel cooperatively requests that the worker holding this step abort at
// its next poll point.
func (a *ActiveStep) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = true
}

// Cancelled reports whether Cancel has been called.
func (a *ActiveStep) Cancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

// RegisterActive records an ActiveStep handle for drvPath (§4.3 step 1).
func (s *Scheduler) RegisterActive(drvPath string) *ActiveStep {
	a := &ActiveStep{}
	s.activeMu.Lock()
	s.active[drvPath] = a
	s.activeMu.Unlock()
	return a
}

// UnregisterActive removes the cancellation handle once the worker exits.
func (s *Scheduler) UnregisterActive(drvPath string) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	delete(s.active, drvPath)
}

// Cancel requests cancellation of drvPath if a worker currently holds it.
// Returns true if an active worker was found and signalled.
func (s *Scheduler) Cancel(drvPath string) bool {
	s.activeMu.Lock()
	a, ok := s.active[drvPath]
	s.activeMu.Unlock()
	if !ok {
		return false
	}
	a.Cancel()
	return true
}

// --- Orphaned steps (§4.1 Failure mode, §7) ---

// MarkOrphaned records that drvPath was left marked busy by an aborted
// monitor iteration.
func (s *Scheduler) MarkOrphaned(drvPath string) {
	s.orphanMu.Lock()
	defer s.orphanMu.Unlock()
	s.orphaned[drvPath] = true
}

// DrainOrphaned returns and clears the orphaned-steps set, called at the
// start of a successful monitor pass.
func (s *Scheduler) DrainOrphaned() []string {
	s.orphanMu.Lock()
	defer s.orphanMu.Unlock()
	out := make([]string, 0, len(s.orphaned))
	for d := range s.orphaned {
		out = append(out, d)
	}
	s.orphaned = make(map[string]bool)
	return out
}
