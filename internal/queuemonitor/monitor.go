// Package queuemonitor implements the queue runner's queue monitor task
// (§4.1): it watches the database for new builds, expands each one's
// derivation closure into Steps, and wires the dependency edges the
// dispatcher later walks.
package queuemonitor

import (
	"context"
	"log"
	"time"

	"golang.org/x/xerrors"

	"github.com/distr1/buildqueue/internal/completion"
	"github.com/distr1/buildqueue/internal/metrics"
	"github.com/distr1/buildqueue/internal/model"
	"github.com/distr1/buildqueue/internal/store"
	"github.com/distr1/buildqueue/pb"
)

// thisSystem is the queue runner host's own platform identifier, used as a
// builtin derivation's effective systemType (§4.5: "or thisSystem if the
// derivation is a builtin").
const thisSystem = "amd64-linux"

// Destination is the narrow view of a store the queue monitor needs: can an
// output already be satisfied without scheduling a build for it. A
// remotestore.Store satisfies this structurally, so this package never
// imports the gRPC-backed type directly (§9 DESIGN NOTES).
type Destination interface {
	QueryValidPaths(ctx context.Context, storePaths []string) ([]string, error)
}

// Monitor runs the single queue-monitor task described in §4.1.
type Monitor struct {
	Log         *log.Logger
	Scheduler   *model.Scheduler
	Queries     store.Queries
	Destination Destination
	Metrics     *metrics.Recorder

	// Completion finalizes a build's Toplevel step when poll discovers it
	// was cancelled or deleted out from under an in-memory build that has
	// no worker currently holding it (§8 scenario 4).
	Completion *completion.Handler

	// IdleInterval bounds how long Run waits for a wakeup notification
	// before polling anyway, in case a LISTEN/NOTIFY was missed.
	IdleInterval time.Duration
}

// New constructs a Monitor. dest may be nil, in which case every step is
// treated as having no cached outputs (useful in tests that don't exercise
// the substitution short-circuit).
func New(log *log.Logger, sched *model.Scheduler, queries store.Queries, dest Destination, rec *metrics.Recorder, comp *completion.Handler) *Monitor {
	return &Monitor{
		Log:          log,
		Scheduler:    sched,
		Queries:      queries,
		Destination:  dest,
		Metrics:      rec,
		Completion:   comp,
		IdleInterval: 60 * time.Second,
	}
}

// Run blocks until ctx is cancelled, alternating between waiting for a
// database-change wakeup and expanding any newly pending builds (§4.1).
// Failed iterations back off exponentially up to a bounded maximum rather
// than busy-looping against a database that is down.
func (m *Monitor) Run(ctx context.Context) error {
	const maxBackoff = 30 * time.Second
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.poll(ctx); err != nil {
			m.Log.Printf("queue monitor iteration failed: %v", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		m.Scheduler.QueueWake.WaitOrDone(m.IdleInterval, ctx.Done())
	}
}

// poll runs one iteration: drain steps orphaned by a previous aborted
// iteration, expand every pending build not already in memory, re-propagate
// priorities for any already-tracked build whose row changed (§4.1 "Re-run
// propagation on any priority bump notification"), cancel or fail any
// tracked build that dropped out of PendingBuilds from under it (§8 scenario
// 4), and finally sweep steps invariant I1 says are now collectible. Every
// LISTEN/NOTIFY channel wakes the same poll, so all of this runs on every
// pass rather than branching on which channel fired (§9 DESIGN NOTES,
// coalesced wake channels).
func (m *Monitor) poll(ctx context.Context) error {
	if orphaned := m.Scheduler.DrainOrphaned(); len(orphaned) > 0 {
		m.Log.Printf("clearing %d step(s) orphaned by a previous aborted iteration", len(orphaned))
	}

	rows, err := m.Queries.PendingBuilds(ctx)
	if err != nil {
		return xerrors.Errorf("loading pending builds: %w", err)
	}

	pending := make(map[int64]bool, len(rows))
	for _, row := range rows {
		pending[row.ID] = true
		b, ok := m.Scheduler.Build(row.ID)
		if !ok {
			if err := m.expandBuild(ctx, row); err != nil {
				m.Scheduler.MarkOrphaned(row.DrvPath)
				return xerrors.Errorf("expanding build %d: %w", row.ID, err)
			}
			continue
		}
		if row.LocalPriority != b.LocalPriority || row.GlobalPriority != b.GlobalPriority {
			b.LocalPriority = row.LocalPriority
			b.GlobalPriority = row.GlobalPriority
			m.propagatePriorities(b)
		}
	}

	m.cancelWithdrawnBuilds(ctx, pending)

	for _, drvPath := range m.Scheduler.CollectUnreachable() {
		m.Scheduler.RemoveStep(drvPath)
	}

	return nil
}

// cancelWithdrawnBuilds finds every build this monitor still tracks that no
// longer appears among PendingBuilds: cancelled or deleted out from under it
// (builds_cancelled/builds_deleted, §6). A build with a worker currently
// holding its Toplevel step is cooperatively cancelled, which the worker
// observes at its next poll point and finishes as bsCancelled itself; a
// build with nothing currently running it is finished directly here.
func (m *Monitor) cancelWithdrawnBuilds(ctx context.Context, pending map[int64]bool) {
	for _, b := range m.Scheduler.Builds() {
		if pending[b.ID] {
			continue
		}
		if _, _, finished := b.Finished(); finished {
			continue
		}
		if b.Toplevel == nil {
			continue
		}
		if m.Scheduler.Cancel(b.Toplevel.DrvPath) {
			continue
		}
		if m.Completion != nil {
			m.Completion.Fail(ctx, b.Toplevel, model.BsCancelled, "cancelled")
		}
	}
}

func (m *Monitor) jobsetShares(ctx context.Context, project, name string) int {
	shares, err := m.Queries.JobsetShares(ctx, project, name)
	if err != nil {
		m.Log.Printf("loading shares for %s:%s, defaulting to 1: %v", project, name, err)
		return 1
	}
	return shares
}

// expandBuild constructs the in-memory Build for row and expands its
// derivation closure into Steps.
func (m *Monitor) expandBuild(ctx context.Context, row store.BuildRow) error {
	key := model.JobsetKey{Project: row.Project, Jobset: row.Jobset}
	js := m.Scheduler.JobsetOrCreate(key, m.jobsetShares(ctx, row.Project, row.Jobset))

	b := model.NewBuild(row.ID, row.DrvPath, row.Project, row.Job, js,
		row.LocalPriority, row.GlobalPriority,
		time.Duration(row.MaxSilentTime)*time.Second, time.Duration(row.BuildTimeout)*time.Second,
		row.Timestamp)
	m.Scheduler.PutBuild(b)

	top, err := m.createStep(ctx, row.DrvPath, b, nil)
	if err != nil {
		m.Scheduler.FinishBuild(b.ID)
		return err
	}
	b.Toplevel = top

	if err := m.Queries.NotifyBuildStarted(ctx, b.ID); err != nil {
		m.Log.Printf("notifying build_started for %d: %v", b.ID, err)
	}

	m.propagatePriorities(b)
	return nil
}

// createStep is CreateStep(drvPath, referringBuild, referringStep) from
// §4.1.
func (m *Monitor) createStep(ctx context.Context, drvPath string, referringBuild *model.Build, referringStep *model.Step) (*model.Step, error) {
	st, err := m.stepFor(drvPath)
	if err != nil {
		return nil, err
	}

	if referringBuild != nil {
		st.AddBuild(referringBuild)
	}

	if st.Created() {
		return st, nil
	}

	outputPaths := outputValues(st.Derivation.Outputs)
	allValid, err := m.allOutputsValid(ctx, outputPaths)
	if err != nil {
		return nil, err
	}
	if allValid {
		// The build is a substitution path: every output is already present
		// in the destination store. If this is a build's top-level step,
		// the build is done without ever touching the Runnable set.
		if referringStep == nil && referringBuild != nil {
			if referringBuild.Finish(model.BsSuccess, "", st.Derivation.Outputs) {
				if err := m.Queries.RecordBuildFinish(ctx, referringBuild.ID, int(model.BsSuccess)); err != nil {
					m.Log.Printf("recording cached build finish for %d: %v", referringBuild.ID, err)
				}
				if err := m.Queries.NotifyBuildFinished(ctx, referringBuild.ID, nil); err != nil {
					m.Log.Printf("notifying build_finished for %d: %v", referringBuild.ID, err)
				}
				m.Scheduler.FinishBuild(referringBuild.ID)
			}
		}
		st.MarkCreated()
		return st, nil
	}

	for _, inputDrv := range st.Derivation.InputDerivations {
		missing, err := m.outputsMissing(ctx, inputDrv)
		if err != nil {
			return nil, err
		}
		if !missing {
			continue
		}
		// referringBuild, not nil: a dependency step is kept alive by every
		// build that transitively needs it, not only by the step's own
		// referrer, so its BuildSteps rows (and I1 refcount) cover the whole
		// closure (§6, §7 "each finished step writes a row").
		dep, err := m.createStep(ctx, inputDrv, referringBuild, st)
		if err != nil {
			return nil, err
		}
		st.AddDep(dep)
	}

	if len(st.Deps()) == 0 {
		now := time.Now()
		st.TouchSupported(now) // seed lastSupported so unsupported-aging has a baseline (§4.2 step 7)
		m.Scheduler.MakeRunnable(st, now)
	}
	st.MarkCreated()
	return st, nil
}

// stepFor returns the live Step for drvPath, parsing and inserting one if
// none exists yet (CreateStep step 1).
func (m *Monitor) stepFor(drvPath string) (*model.Step, error) {
	if st, ok := m.Scheduler.Step(drvPath); ok {
		return st, nil
	}
	drv, err := pb.ReadDerivationFile(drvPath)
	if err != nil {
		return nil, xerrors.Errorf("reading derivation %s: %w", drvPath, err)
	}
	systemType := drv.GetPlatform()
	if drv.GetBuiltin() {
		systemType = thisSystem
	}
	modelDrv := model.Derivation{
		Platform:         drv.GetPlatform(),
		Builtin:          drv.GetBuiltin(),
		InputDerivations: drv.GetInputDrvs(),
		Outputs:          drv.ToOutputs(),
	}
	newStep := model.NewStep(drvPath, modelDrv, systemType)
	newStep.RequiredSystemFeatures = drv.GetRequiredSystemFeatures()
	newStep.PreferLocalBuild = drv.GetPreferLocalBuild()
	if opts := drv.GetOptions(); opts != nil {
		newStep.Options = model.StepOptions{
			MaxSilentTime: time.Duration(opts.GetMaxSilentTime()) * time.Second,
			BuildTimeout:  time.Duration(opts.GetBuildTimeout()) * time.Second,
			MaxLogSize:    opts.GetMaxLogSize(),
		}
	}

	st, inserted := m.Scheduler.StepOrCreate(drvPath, func() *model.Step { return newStep })
	if inserted {
		m.Metrics.IncStepCreated(systemType)
	}
	return st, nil
}

// outputsMissing reports whether drvPath's own declared outputs are not yet
// all present in the destination store, without constructing a Step for it.
// Used to decide whether a dependency needs a Step at all (§4.1 step 4:
// "for each input derivation whose outputs are missing").
func (m *Monitor) outputsMissing(ctx context.Context, drvPath string) (bool, error) {
	if st, ok := m.Scheduler.Step(drvPath); ok {
		return !st.Created() || !allTerminalSuccess(st), nil
	}
	drv, err := pb.ReadDerivationFile(drvPath)
	if err != nil {
		return false, xerrors.Errorf("reading derivation %s: %w", drvPath, err)
	}
	allValid, err := m.allOutputsValid(ctx, outputValues(drv.ToOutputs()))
	if err != nil {
		return false, err
	}
	return !allValid, nil
}

func allTerminalSuccess(st *model.Step) bool {
	status, _, ok := st.FinalStatus()
	return ok && status == model.BsSuccess
}

func (m *Monitor) allOutputsValid(ctx context.Context, paths []string) (bool, error) {
	if len(paths) == 0 || m.Destination == nil {
		return false, nil
	}
	valid, err := m.Destination.QueryValidPaths(ctx, paths)
	if err != nil {
		return false, xerrors.Errorf("querying valid paths: %w", err)
	}
	validSet := make(map[string]bool, len(valid))
	for _, p := range valid {
		validSet[p] = true
	}
	for _, p := range paths {
		if !validSet[p] {
			return false, nil
		}
	}
	return true, nil
}

func outputValues(outputs map[string]string) []string {
	out := make([]string, 0, len(outputs))
	for _, p := range outputs {
		out = append(out, p)
	}
	return out
}

// propagatePriorities visits the transitive closure of b's dependency graph,
// folding b's priorities and id into every descendant step (§4.1 "Priority
// propagation"). A visited set guards against revisiting a step reachable
// through more than one path (a shared dependency).
func (m *Monitor) propagatePriorities(b *model.Build) {
	if b.Toplevel == nil {
		return
	}
	visited := make(map[string]bool)
	var visit func(st *model.Step)
	visit = func(st *model.Step) {
		if visited[st.DrvPath] {
			return
		}
		visited[st.DrvPath] = true
		st.PropagatePriority(b)
		for _, d := range st.Deps() {
			visit(d)
		}
	}
	visit(b.Toplevel)
}
