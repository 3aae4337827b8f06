package builder

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/distr1/buildqueue/internal/completion"
	"github.com/distr1/buildqueue/internal/metrics"
	"github.com/distr1/buildqueue/internal/model"
	"github.com/distr1/buildqueue/internal/remotestore"
	"github.com/distr1/buildqueue/internal/store"
	"github.com/distr1/buildqueue/internal/throttle"
)

func testLogger() *log.Logger { return log.New(os.Stderr, "", 0) }

func writeDrv(t *testing.T, dir, name, textproto string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(textproto), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

type fakeQueries struct {
	finishes []struct {
		buildID int64
		status  int
	}
}

func (f *fakeQueries) PendingBuilds(context.Context) ([]store.BuildRow, error) { return nil, nil }
func (f *fakeQueries) Jobsets(context.Context) ([]store.JobsetRow, error)      { return nil, nil }
func (f *fakeQueries) JobsetShares(context.Context, string, string) (int, error) {
	return 1, nil
}
func (f *fakeQueries) RecordStepStart(context.Context, int64, int, string, string, time.Time) error {
	return nil
}
func (f *fakeQueries) RecordStepFinish(ctx context.Context, buildID int64, stepNr, status int, stop time.Time, errMsg, propagatedFrom string) error {
	f.finishes = append(f.finishes, struct {
		buildID int64
		status  int
	}{buildID, status})
	return nil
}
func (f *fakeQueries) RecordBuildFinish(context.Context, int64, int) error         { return nil }
func (f *fakeQueries) NotifyBuildStarted(context.Context, int64) error             { return nil }
func (f *fakeQueries) NotifyBuildFinished(context.Context, int64, []int64) error   { return nil }
func (f *fakeQueries) NotifyStepFinished(context.Context, int64, int, string) error { return nil }

type fakeStore struct {
	valid    []string
	outcome  remotestore.BuildOutcome
	buildErr error
	closed   bool
}

func (f *fakeStore) QueryValidPaths(ctx context.Context, paths []string) ([]string, error) {
	return f.valid, nil
}

func (f *fakeStore) BuildDerivation(ctx context.Context, drvPath string, derivation []byte, inputClosure []string, maxSilentTime, buildTimeout, maxLogSize int64, onLog func([]byte)) (remotestore.BuildOutcome, error) {
	return f.outcome, f.buildErr
}

func (f *fakeStore) NarFromPath(ctx context.Context, storePath string, onChunk func([]byte)) error {
	return nil
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func newTestWorker(t *testing.T, fs *fakeStore, q *fakeQueries) (*Worker, *model.Scheduler) {
	t.Helper()
	sched := model.NewScheduler()
	comp := &completion.Handler{
		Log:       testLogger(),
		Scheduler: sched,
		Queries:   q,
		Metrics:   metrics.NewRecorder(nil),
	}
	w := &Worker{
		Log:        testLogger(),
		Scheduler:  sched,
		Queries:    q,
		Completion: comp,
		Metrics:    metrics.NewRecorder(nil),
		Dial: func(ctx context.Context, target string) (remotestore.Store, error) {
			if fs.buildErr != nil && fs.outcome.Status == -1 {
				// sentinel used by the dial-failure test below
				return nil, fs.buildErr
			}
			return fs, nil
		},
		Local:           throttle.NewLocal(2),
		Copies:          throttle.NewClosureCopies(2),
		MaxTries:        1,
		RetryInterval:   time.Millisecond,
		RetryBackoff:    1,
		SendLockTimeout: time.Second,
	}
	return w, sched
}

func newStepAndBuild(t *testing.T, sched *model.Scheduler, drvPath string, buildID int64) (*model.Step, *model.Build) {
	t.Helper()
	st := model.NewStep(drvPath, model.Derivation{}, "amd64-linux")
	js := sched.JobsetOrCreate(model.JobsetKey{Project: "p", Jobset: "j"}, 1)
	b := model.NewBuild(buildID, drvPath, "p", "job", js, 0, 0, 0, 0, time.Now())
	b.Toplevel = st
	st.AddBuild(b)
	sched.PutBuild(b)
	return st, b
}

func TestRunSuccessMarksStepAndBuildSucceeded(t *testing.T) {
	dir := t.TempDir()
	drvPath := writeDrv(t, dir, "a.drv", `
drv_path: "a.drv"
platform: "amd64-linux"
output_name: "out"
output_path: "/store/a-out"
`)

	fs := &fakeStore{outcome: remotestore.BuildOutcome{Success: true, Outputs: map[string]string{"out": "/store/a-out"}}}
	q := &fakeQueries{}
	w, sched := newTestWorker(t, fs, q)
	st, b := newStepAndBuild(t, sched, drvPath, 1)

	m := model.NewMachine("ssh://m1", []string{"amd64-linux"}, nil, nil, 1, 1, time.Now())
	m.Reserve()
	st.Hold(m.StoreURI)

	w.Run(context.Background(), st, m)

	status, _, ok := st.FinalStatus()
	if !ok || status != model.BsSuccess {
		t.Fatalf("step FinalStatus = (%v, ok=%v), want success", status, ok)
	}
	bStatus, _, finished := b.Finished()
	if !finished || bStatus != model.BsSuccess {
		t.Fatalf("build Finished = (%v, %v), want success", bStatus, finished)
	}
	if m.CurrentJobs() != 0 {
		t.Fatalf("CurrentJobs() = %d, want 0 after release", m.CurrentJobs())
	}
	if !fs.closed {
		t.Fatal("store connection should be closed after use")
	}
}

func TestRunRequeuesOnTransportFailure(t *testing.T) {
	dir := t.TempDir()
	drvPath := writeDrv(t, dir, "a.drv", `
drv_path: "a.drv"
platform: "amd64-linux"
output_name: "out"
output_path: "/store/a-out"
`)

	fs := &fakeStore{outcome: remotestore.BuildOutcome{Status: -1}, buildErr: context.DeadlineExceeded}
	q := &fakeQueries{}
	w, sched := newTestWorker(t, fs, q)
	w.MaxTries = 5
	st, _ := newStepAndBuild(t, sched, drvPath, 2)

	m := model.NewMachine("ssh://m1", []string{"amd64-linux"}, nil, nil, 1, 1, time.Now())
	m.Reserve()
	st.Hold(m.StoreURI)

	w.Run(context.Background(), st, m)

	if _, _, ok := st.FinalStatus(); ok {
		t.Fatal("step should not have a terminal status yet, only a deferred retry")
	}
	if st.HeldBy() != "" {
		t.Fatal("step should be released after a requeue")
	}
	tries, after := st.Tries()
	if tries != 1 || !after.After(time.Now().Add(-time.Second)) {
		t.Fatalf("Tries() = (%d, %v), want tries=1 with a future after", tries, after)
	}
	found := false
	for _, r := range sched.Runnable() {
		if r.DrvPath == drvPath {
			found = true
		}
	}
	if !found {
		t.Fatal("step should be back in the Runnable set")
	}
}

func TestRunFailsPermanentlyAfterMaxTries(t *testing.T) {
	dir := t.TempDir()
	drvPath := writeDrv(t, dir, "a.drv", `
drv_path: "a.drv"
platform: "amd64-linux"
output_name: "out"
output_path: "/store/a-out"
`)

	fs := &fakeStore{outcome: remotestore.BuildOutcome{Status: -1}, buildErr: context.DeadlineExceeded}
	q := &fakeQueries{}
	w, sched := newTestWorker(t, fs, q)
	w.MaxTries = 1
	st, b := newStepAndBuild(t, sched, drvPath, 3)

	m := model.NewMachine("ssh://m1", []string{"amd64-linux"}, nil, nil, 1, 1, time.Now())

	for i := 0; i < 2; i++ {
		m.Reserve()
		st.Hold(m.StoreURI)
		w.Run(context.Background(), st, m)
	}

	status, _, ok := st.FinalStatus()
	if !ok || status != model.BsAborted {
		t.Fatalf("step FinalStatus = (%v, ok=%v), want bsAborted after exhausting retries", status, ok)
	}
	bStatus, _, finished := b.Finished()
	if !finished || bStatus != model.BsAborted {
		t.Fatalf("build Finished = (%v, %v), want bsAborted", bStatus, finished)
	}
}

func TestRunProtocolReturnsMaybeCancelledWhenCancelledBeforeBuild(t *testing.T) {
	dir := t.TempDir()
	drvPath := writeDrv(t, dir, "a.drv", `
drv_path: "a.drv"
platform: "amd64-linux"
output_name: "out"
output_path: "/store/a-out"
`)

	fs := &fakeStore{outcome: remotestore.BuildOutcome{Success: true, Outputs: map[string]string{"out": "/store/a-out"}}}
	q := &fakeQueries{}
	w, sched := newTestWorker(t, fs, q)
	st, _ := newStepAndBuild(t, sched, drvPath, 4)

	m := model.NewMachine("ssh://m1", []string{"amd64-linux"}, nil, nil, 1, 1, time.Now())
	active := sched.RegisterActive(st.DrvPath)
	active.Cancel()

	result := w.runProtocol(context.Background(), st, m, active, time.Now())
	if result != model.SMaybeCancelled {
		t.Fatalf("runProtocol() = %v, want SMaybeCancelled", result)
	}
}
