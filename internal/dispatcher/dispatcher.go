// Package dispatcher implements the queue runner's dispatcher task (§4.2):
// it matches Runnable steps to free machine slots under a fair-share
// selection policy and hands each match off to a Builder worker.
package dispatcher

import (
	"context"
	"log"
	"time"

	"github.com/distr1/buildqueue/internal/completion"
	"github.com/distr1/buildqueue/internal/metrics"
	"github.com/distr1/buildqueue/internal/model"
)

// Launcher starts a Builder worker for one (step, machine) reservation. A
// small adapter in cmd/queue-runner binds this to internal/builder.Worker.Run
// so this package never imports internal/builder directly (§9 DESIGN NOTES:
// dispatcher and builder stay decoupled through this one function type).
type Launcher func(ctx context.Context, step *model.Step, machine *model.Machine)

// Dispatcher runs the single dispatcher task described in §4.2.
type Dispatcher struct {
	Log        *log.Logger
	Scheduler  *model.Scheduler
	Metrics    *metrics.Recorder
	Completion *completion.Handler
	Launch     Launcher

	// MaxUnsupportedTime is maxUnsupportedTime (§4.2 step 7, §8 boundary
	// behaviors); zero disables the rule.
	MaxUnsupportedTime time.Duration
	// IdleInterval is the default wait when no runnable step has a deferred
	// `after` (§4.2 step 1).
	IdleInterval time.Duration
}

// New constructs a Dispatcher with the default 60s idle interval.
func New(log *log.Logger, sched *model.Scheduler, rec *metrics.Recorder, comp *completion.Handler, launch Launcher) *Dispatcher {
	return &Dispatcher{
		Log:          log,
		Scheduler:    sched,
		Metrics:      rec,
		Completion:   comp,
		Launch:       launch,
		IdleInterval: 60 * time.Second,
	}
}

// Run blocks until ctx is cancelled, repeatedly dispatching every match it
// can find and then waiting for the next wakeup or computed timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.dispatchAvailable(ctx)
		d.Scheduler.DispatcherWake.WaitOrDone(d.nextTimeout(), ctx.Done())
	}
}

// nextTimeout computes the wait in step 1: the earliest deferred `after`
// among runnable steps, or IdleInterval if none are deferred.
func (d *Dispatcher) nextTimeout() time.Duration {
	now := time.Now()
	timeout := d.IdleInterval
	for _, step := range d.Scheduler.Runnable() {
		_, after := step.Tries()
		if after.IsZero() || !after.After(now) {
			continue
		}
		if d := after.Sub(now); d < timeout {
			timeout = d
		}
	}
	return timeout
}

// dispatchAvailable repeats steps 2-6 of the dispatcher loop until no
// (step, machine) pair can be matched, then runs the unsupported-aging pass
// (step 7).
func (d *Dispatcher) dispatchAvailable(ctx context.Context) {
	start := time.Now()
	dispatched := 0
	for {
		step, machine, ok := d.selectOne()
		if !ok {
			break
		}
		d.dispatch(ctx, step, machine)
		dispatched++
	}
	outcome := "idle"
	if dispatched > 0 {
		outcome = "dispatched"
	}
	d.Metrics.ObserveDispatchLatency(outcome, time.Since(start))
	d.checkUnsupported(time.Now())
	d.updateGauges()
}

// candidate is one (step, machine) pair eligible for dispatch, carrying the
// fields the selection policy (§4.2 step 4) compares in order.
type candidate struct {
	step    *model.Step
	machine *model.Machine

	shareUsed      float64
	globalPriority int
	localPriority  int
	lowestBuildID  int64

	loadRatio   float64
	speedFactor float64
	idleSince   time.Time
}

// selectOne builds the candidate list (step 3) and returns the single best
// (step, machine) pair by the lexicographic policy (step 4), or ok=false if
// nothing can be dispatched right now.
func (d *Dispatcher) selectOne() (*model.Step, *model.Machine, bool) {
	now := time.Now()
	machines := d.Scheduler.Machines()

	var best *candidate
	for _, step := range d.Scheduler.Runnable() {
		if !step.IsRunnable() {
			continue
		}
		_, after := step.Tries()
		if after.After(now) {
			continue
		}
		share := shareUsed(step, now)
		gp, lp, lowest := step.Priorities()
		for _, m := range machines {
			if m.Free() <= 0 || !m.SupportsStep(step, now) {
				continue
			}
			c := &candidate{
				step:           step,
				machine:        m,
				shareUsed:      share,
				globalPriority: gp,
				localPriority:  lp,
				lowestBuildID:  lowest,
				loadRatio:      m.LoadRatio(),
				speedFactor:    m.SpeedFactor,
				idleSince:      m.IdleSince(),
			}
			if best == nil || less(c, best) {
				best = c
			}
		}
	}
	if best == nil {
		return nil, nil, false
	}
	return best.step, best.machine, true
}

// shareUsed is the minimum ShareUsed over the step's contributing Jobsets
// (§4.2 step 4a); a step with no Jobset (shouldn't normally happen outside
// tests) sorts first, the most deserving default.
func shareUsed(step *model.Step, now time.Time) float64 {
	jobsets := step.Jobsets()
	if len(jobsets) == 0 {
		return 0
	}
	min := jobsets[0].ShareUsed(now)
	for _, js := range jobsets[1:] {
		if v := js.ShareUsed(now); v < min {
			min = v
		}
	}
	return min
}

// less reports whether a should be preferred over b by the lexicographic
// key (a) fair share, (b) global priority, (c) local priority, (d) age,
// (e) machine load/speed/idle tiebreaks.
func less(a, b *candidate) bool {
	if a.shareUsed != b.shareUsed {
		return a.shareUsed < b.shareUsed
	}
	if a.globalPriority != b.globalPriority {
		return a.globalPriority > b.globalPriority
	}
	if a.localPriority != b.localPriority {
		return a.localPriority > b.localPriority
	}
	if a.lowestBuildID != b.lowestBuildID {
		return a.lowestBuildID < b.lowestBuildID
	}
	if a.loadRatio != b.loadRatio {
		return a.loadRatio < b.loadRatio
	}
	if a.speedFactor != b.speedFactor {
		return a.speedFactor > b.speedFactor
	}
	return a.idleSince.Before(b.idleSince)
}

// dispatch creates the MachineReservation for (step, machine) and launches a
// Builder worker for it (step 5).
func (d *Dispatcher) dispatch(ctx context.Context, step *model.Step, machine *model.Machine) {
	if !machine.Reserve() {
		// Lost the race to another dispatch in this same pass; the next
		// selectOne call will skip this machine once Free() reflects it.
		return
	}
	if !step.Hold(machine.StoreURI) {
		machine.Release(time.Now())
		return
	}
	d.Scheduler.TakeRunnable(step.DrvPath)
	d.Metrics.ObserveStepWait(step.SystemType, time.Since(step.RunnableSince()))
	d.Log.Printf("dispatching %s to %s", step.DrvPath, machine.StoreURI)
	go d.Launch(ctx, step, machine)
}

// checkUnsupported implements step 7: a runnable step with no currently
// capable machine ages towards bsUnsupported.
func (d *Dispatcher) checkUnsupported(now time.Time) {
	if d.MaxUnsupportedTime <= 0 {
		return
	}
	machines := d.Scheduler.Machines()
	for _, step := range d.Scheduler.Runnable() {
		supported := false
		for _, m := range machines {
			if m.SupportsStep(step, now) {
				supported = true
				break
			}
		}
		if supported {
			step.TouchSupported(now)
			continue
		}
		if step.UnsupportedFor(now) > d.MaxUnsupportedTime {
			d.Metrics.IncUnsupportedAbort()
			const msg = "no machine has supported this step's system type for too long"
			// This step never ran, so no Builder worker is around to write
			// its own BuildSteps row the way runProtocol's recordStepFinish
			// does; write it here before cascading (§7).
			d.Completion.RecordStepFinish(context.Background(), step, model.BsUnsupported, msg)
			d.Completion.Fail(context.Background(), step, model.BsUnsupported, msg)
		}
	}
}

// updateGauges refreshes the runnable/active/available gauges (§4.2 step
// 6); called once per dispatch pass rather than per reservation.
func (d *Dispatcher) updateGauges() {
	activeBySystem := make(map[string]int)
	for _, step := range d.Scheduler.Steps() {
		if step.HeldBy() != "" {
			activeBySystem[step.SystemType]++
		}
	}
	d.Metrics.SetStepsRunnable(len(d.Scheduler.Runnable()))
	for systemType, n := range activeBySystem {
		d.Metrics.SetStepsActive(systemType, n)
	}

	availableBySystem := make(map[string]int)
	now := time.Now()
	for _, m := range d.Scheduler.Machines() {
		if m.InBackoff(now) || m.Removed() || m.Free() <= 0 {
			continue
		}
		for systemType := range m.SystemTypes {
			availableBySystem[systemType]++
		}
	}
	for systemType, n := range availableBySystem {
		d.Metrics.SetMachinesAvailable(systemType, n)
	}
}
