// Package builder implements the queue runner's Builder Worker task (§4.3):
// one straight-line, blocking run per active reservation, from sendLock
// acquisition through output retrieval and DB bookkeeping.
package builder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/distr1/buildqueue/internal/completion"
	"github.com/distr1/buildqueue/internal/machines"
	"github.com/distr1/buildqueue/internal/metrics"
	"github.com/distr1/buildqueue/internal/model"
	"github.com/distr1/buildqueue/internal/remotestore"
	"github.com/distr1/buildqueue/internal/store"
	"github.com/distr1/buildqueue/internal/throttle"
	"github.com/distr1/buildqueue/pb"
)

// Dialer opens a persistent connection to a machine's remote build service.
// Tests supply a fake; production code leaves Worker.Dial nil, which falls
// back to remotestore.Dial.
type Dialer func(ctx context.Context, target string) (remotestore.Store, error)

// Worker runs the six-step protocol of §4.3 for one (step, machine)
// reservation handed to it by the dispatcher. A Worker value is shared by
// every concurrently-running reservation; Run carries no state between
// calls.
type Worker struct {
	Log        *log.Logger
	Scheduler  *model.Scheduler
	Queries    store.Queries
	Completion *completion.Handler
	Metrics    *metrics.Recorder

	Dial   Dialer
	Local  *throttle.Local
	Copies *throttle.ClosureCopies

	// Health feeds every remote call's outcome into the per-machine circuit
	// breaker (§4.4, §4.5). Nil in tests that don't exercise breaker tripping;
	// abort and the success path fall back to Machine's own counters.
	Health *machines.Health

	// GCRootsDir is where a successful output gets a symlink GC root. Empty
	// disables GC root creation (§6 "Persisted state").
	GCRootsDir string

	MaxTries        int
	RetryInterval   time.Duration
	RetryBackoff    float64
	SendLockTimeout time.Duration

	// JobsetRepeats maps a Jobset to the number of times a step belonging to
	// it must be rebuilt to detect non-determinism (§4.3 step 4). Jobsets
	// with no entry build once.
	JobsetRepeats map[model.JobsetKey]int
}

// Run drives one reservation to completion. It is the function
// cmd/queue-runner binds to dispatcher.Launcher (§9 DESIGN NOTES: dispatcher
// and builder stay decoupled through that one function type).
func (w *Worker) Run(ctx context.Context, step *model.Step, machine *model.Machine) {
	reservedAt := time.Now()
	step.SetState(model.SsPreparing)
	active := w.Scheduler.RegisterActive(step.DrvPath)
	defer w.Scheduler.UnregisterActive(step.DrvPath)
	defer machine.Release(time.Now())

	switch w.runProtocol(ctx, step, machine, active, reservedAt) {
	case model.SRetry:
		step.Release()
		w.Scheduler.MakeRunnable(step, time.Now())
	case model.SMaybeCancelled:
		w.recordStepFinish(ctx, step, reservedAt, model.BsCancelled, "cancelled", "")
		w.Completion.Fail(ctx, step, model.BsCancelled, "cancelled")
	case model.SDone:
		// A terminal outcome already released the step via completion.Handler.
	}
}

// runProtocol implements steps 1-6 of §4.3 proper (step 1's ActiveStep
// registration and its deferred teardown live in Run, since they must run
// exactly once regardless of which branch below returns).
func (w *Worker) runProtocol(ctx context.Context, step *model.Step, machine *model.Machine, active *model.ActiveStep, reservedAt time.Time) model.WorkerResult {
	w.recordStepStart(ctx, step, machine, reservedAt)

	if !machine.AcquireSendLock(ctx, w.sendLockTimeout()) {
		return model.SRetry
	}

	step.SetState(model.SsConnecting)
	rstore, err := w.dial(ctx, machine.StoreURI)
	if err != nil {
		machine.ReleaseSendLock()
		return w.abort(ctx, step, machine, fmt.Sprintf("connecting to %s: %v", machine.StoreURI, err))
	}
	defer rstore.Close()

	step.SetState(model.SsSendingInputs)
	inputClosure, err := w.sendInputs(ctx, step, rstore)
	if err != nil {
		machine.ReleaseSendLock()
		return w.abort(ctx, step, machine, fmt.Sprintf("sending inputs for %s: %v", step.DrvPath, err))
	}
	machine.ReleaseSendLock()

	if active.Cancelled() {
		return model.SMaybeCancelled
	}

	step.SetState(model.SsBuilding)
	outcome, deterministic, err := w.build(ctx, step, rstore, inputClosure)
	if err != nil {
		return w.abort(ctx, step, machine, fmt.Sprintf("building %s: %v", step.DrvPath, err))
	}
	if active.Cancelled() {
		return model.SMaybeCancelled
	}
	if !deterministic {
		const msg = "repeated builds produced differing outputs"
		w.recordStepFinish(ctx, step, reservedAt, model.BsNotDeterministic, msg, "")
		w.Completion.Fail(ctx, step, model.BsNotDeterministic, msg)
		return model.SDone
	}
	if !outcome.Success {
		status := classifyFailure(outcome)
		w.recordStepFinish(ctx, step, reservedAt, status, outcome.ErrorMessage, "")
		w.Completion.Fail(ctx, step, status, outcome.ErrorMessage)
		return model.SDone
	}

	step.SetState(model.SsReceivingOutputs)
	if err := w.receiveOutputs(ctx, rstore, outcome.Outputs); err != nil {
		return w.abort(ctx, step, machine, fmt.Sprintf("receiving outputs for %s: %v", step.DrvPath, err))
	}

	step.SetState(model.SsPostProcessing)
	if err := w.postProcess(step, outcome.Outputs); err != nil {
		w.Log.Printf("writing GC roots for %s: %v", step.DrvPath, err)
	}

	w.recordSuccess(machine)
	w.recordStepFinish(ctx, step, reservedAt, model.BsSuccess, "", "")
	w.Completion.Succeed(ctx, step, reservedAt, time.Since(reservedAt), outcome.Outputs)
	return model.SDone
}

// recordSuccess resets the machine's failure streak and, when Health is
// configured, reports the success to its circuit breaker so a prior trip can
// move toward closing again (§4.4).
func (w *Worker) recordSuccess(machine *model.Machine) {
	if w.Health != nil {
		w.Health.Call(machine, machine.StoreURI, func() error { return nil })
		return
	}
	machine.RecordSuccess()
}

func (w *Worker) dial(ctx context.Context, target string) (remotestore.Store, error) {
	if w.Dial != nil {
		return w.Dial(ctx, target)
	}
	return remotestore.Dial(ctx, target)
}

// sendInputs computes the closure of output store paths this step's direct
// inputs produced and checks which of them the remote machine is still
// missing (§4.3 step 3). The actual bytes for any missing path travel inside
// the subsequent buildDerivation call's inputClosure argument: the gRPC
// service this queue runner talks to (§6, pb/builder) exposes no separate
// client-streaming upload RPC, so "uploading" a closure and "declaring" it
// to buildDerivation are the same wire operation here. The bounded
// maxParallelCopyClosure semaphore is acquired only after QueryValidPaths
// has answered and only when at least one path is missing; it is released
// when sendInputs returns.
func (w *Worker) sendInputs(ctx context.Context, step *model.Step, rstore remotestore.Store) ([]string, error) {
	full, err := closureFor(step)
	if err != nil {
		return nil, err
	}
	if len(full) == 0 {
		return nil, nil
	}
	valid, err := rstore.QueryValidPaths(ctx, full)
	if err != nil {
		return nil, xerrors.Errorf("QueryValidPaths: %w", err)
	}
	validSet := make(map[string]bool, len(valid))
	for _, p := range valid {
		validSet[p] = true
	}
	missing := false
	for _, p := range full {
		if !validSet[p] {
			missing = true
			break
		}
	}
	if !missing {
		return full, nil
	}
	if err := w.Copies.Acquire(ctx); err != nil {
		return nil, err
	}
	defer w.Copies.Release()
	return full, nil
}

// closureFor reads the step's direct input derivations to recover their
// declared output store paths. Deps() is already empty by the time a step
// is dispatched (RemoveDep drops each dependency as it finishes, per P1), so
// this re-reads the .drv files rather than walking live Step references,
// the same pattern internal/queuemonitor uses to inspect an input without
// constructing a Step for it.
func closureFor(step *model.Step) ([]string, error) {
	paths := make([]string, 0, len(step.Derivation.InputDerivations))
	for _, inputDrv := range step.Derivation.InputDerivations {
		drv, err := pb.ReadDerivationFile(inputDrv)
		if err != nil {
			return nil, xerrors.Errorf("reading input derivation %s: %w", inputDrv, err)
		}
		for _, p := range drv.ToOutputs() {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// build calls buildDerivation once, or jobsetRepeats[js] times when the
// step's Jobset has a repeat count configured, to detect non-determinism
// (§4.3 step 4, §9 Open Question (b)): only the first (canonical) repetition
// is returned for output registration; later repetitions are compared by a
// hash of their output store paths and discarded.
func (w *Worker) build(ctx context.Context, step *model.Step, rstore remotestore.Store, inputClosure []string) (outcome remotestore.BuildOutcome, deterministic bool, err error) {
	drv, err := pb.ReadDerivationFile(step.DrvPath)
	if err != nil {
		return remotestore.BuildOutcome{}, false, xerrors.Errorf("reading derivation %s: %w", step.DrvPath, err)
	}
	raw, err := proto.Marshal(drv)
	if err != nil {
		return remotestore.BuildOutcome{}, false, xerrors.Errorf("marshaling derivation %s: %w", step.DrvPath, err)
	}

	repeats := w.repeatsFor(step)
	var canonical remotestore.BuildOutcome
	var canonicalHash string
	for i := 0; i < repeats; i++ {
		o, err := rstore.BuildDerivation(ctx, step.DrvPath, raw, inputClosure,
			int64(step.Options.MaxSilentTime.Seconds()), int64(step.Options.BuildTimeout.Seconds()),
			step.Options.MaxLogSize, nil)
		if err != nil {
			return remotestore.BuildOutcome{}, false, err
		}
		if !o.Success {
			return o, true, nil
		}
		hash := hashOutputs(o.Outputs)
		if i == 0 {
			canonical, canonicalHash = o, hash
			continue
		}
		if hash != canonicalHash {
			return canonical, false, nil
		}
	}
	return canonical, true, nil
}

func (w *Worker) repeatsFor(step *model.Step) int {
	for _, js := range step.Jobsets() {
		if n, ok := w.JobsetRepeats[js.Key]; ok && n > 1 {
			return n
		}
	}
	return 1
}

func hashOutputs(outputs map[string]string) string {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, name := range names {
		io.WriteString(h, name)
		io.WriteString(h, "=")
		io.WriteString(h, outputs[name])
		io.WriteString(h, ";")
	}
	return hex.EncodeToString(h.Sum(nil))
}

func classifyFailure(outcome remotestore.BuildOutcome) model.BuildStatus {
	if len(outcome.Outputs) > 0 {
		return model.BsFailedWithOutput
	}
	return model.BsFailed
}

// receiveOutputs downloads every output NAR, bounded by the local-work
// semaphore (§4.6): extraction is CPU-bound the same way closure hashing is.
func (w *Worker) receiveOutputs(ctx context.Context, rstore remotestore.Store, outputs map[string]string) error {
	for _, storePath := range outputs {
		if err := w.Local.Acquire(ctx); err != nil {
			return err
		}
		err := rstore.NarFromPath(ctx, storePath, nil)
		w.Local.Release()
		if err != nil {
			return xerrors.Errorf("narFromPath %s: %w", storePath, err)
		}
	}
	return nil
}

// postProcess adds one GC root symlink per output (§4.3 step 5, §6
// "Persisted state"), written atomically with renameio so a crash mid-write
// never leaves a dangling or partial root.
func (w *Worker) postProcess(step *model.Step, outputs map[string]string) error {
	if w.GCRootsDir == "" {
		return nil
	}
	base := filepath.Base(step.DrvPath)
	for name, storePath := range outputs {
		link := filepath.Join(w.GCRootsDir, fmt.Sprintf("%s-%s", base, name))
		if err := renameio.Symlink(storePath, link); err != nil {
			return xerrors.Errorf("writing GC root %s: %w", link, err)
		}
	}
	return nil
}

// abort implements the retry policy (§4.3 "Retry policy"): geometric
// backoff up to maxTries, after which the step (and its dependent builds)
// fail permanently with bsAborted.
func (w *Worker) abort(ctx context.Context, step *model.Step, machine *model.Machine, errMsg string) model.WorkerResult {
	w.Log.Print(errMsg)
	if w.Health != nil {
		w.Health.Call(machine, machine.StoreURI, func() error { return xerrors.New(errMsg) })
	} else {
		machine.RecordFailure(time.Now())
	}

	priorTries, _ := step.Tries()
	after := time.Now().Add(w.retryDelay(priorTries + 1))
	tries := step.RecordRetry(after)
	if tries <= w.maxTries() {
		return model.SRetry
	}

	w.Metrics.IncRetriesExhausted()
	w.recordStepFinish(ctx, step, time.Time{}, model.BsAborted, errMsg, "")
	w.Completion.Fail(ctx, step, model.BsAborted, errMsg)
	return model.SDone
}

func (w *Worker) retryDelay(tries int) time.Duration {
	interval := w.RetryInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	backoff := w.RetryBackoff
	if backoff <= 0 {
		backoff = 1
	}
	return time.Duration(float64(interval) * math.Pow(backoff, float64(tries-1)))
}

func (w *Worker) maxTries() int {
	if w.MaxTries <= 0 {
		return 3
	}
	return w.MaxTries
}

func (w *Worker) sendLockTimeout() time.Duration {
	if w.SendLockTimeout <= 0 {
		return 30 * time.Second
	}
	return w.SendLockTimeout
}

func (w *Worker) recordStepStart(ctx context.Context, step *model.Step, machine *model.Machine, start time.Time) {
	for _, b := range step.Builds() {
		if err := w.Queries.RecordStepStart(ctx, b.ID, 0, step.DrvPath, machine.StoreURI, start); err != nil {
			w.Log.Printf("recording step start for build %d step %s: %v", b.ID, step.DrvPath, err)
		}
	}
}

func (w *Worker) recordStepFinish(ctx context.Context, step *model.Step, start time.Time, status model.BuildStatus, errMsg, propagatedFrom string) {
	now := time.Now()
	for _, b := range step.Builds() {
		if err := w.Queries.RecordStepFinish(ctx, b.ID, 0, int(status), now, errMsg, propagatedFrom); err != nil {
			w.Log.Printf("recording step finish for build %d step %s: %v", b.ID, step.DrvPath, err)
		}
		if err := w.Queries.NotifyStepFinished(ctx, b.ID, 0, ""); err != nil {
			w.Log.Printf("notifying step_finished for build %d: %v", b.ID, err)
		}
	}
}
