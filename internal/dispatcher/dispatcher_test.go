package dispatcher

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/distr1/buildqueue/internal/completion"
	"github.com/distr1/buildqueue/internal/metrics"
	"github.com/distr1/buildqueue/internal/model"
	"github.com/distr1/buildqueue/internal/store"
)

type fakeQueries struct{}

func (f *fakeQueries) PendingBuilds(context.Context) ([]store.BuildRow, error)  { return nil, nil }
func (f *fakeQueries) Jobsets(context.Context) ([]store.JobsetRow, error)       { return nil, nil }
func (f *fakeQueries) JobsetShares(context.Context, string, string) (int, error) { return 1, nil }
func (f *fakeQueries) RecordStepStart(context.Context, int64, int, string, string, time.Time) error {
	return nil
}
func (f *fakeQueries) RecordStepFinish(context.Context, int64, int, int, time.Time, string, string) error {
	return nil
}
func (f *fakeQueries) RecordBuildFinish(context.Context, int64, int) error           { return nil }
func (f *fakeQueries) NotifyBuildStarted(context.Context, int64) error               { return nil }
func (f *fakeQueries) NotifyBuildFinished(context.Context, int64, []int64) error      { return nil }
func (f *fakeQueries) NotifyStepFinished(context.Context, int64, int, string) error   { return nil }

func newTestDispatcher(t *testing.T, launch Launcher) (*Dispatcher, *model.Scheduler) {
	t.Helper()
	sched := model.NewScheduler()
	comp := &completion.Handler{
		Log:       log.New(os.Stderr, "", 0),
		Scheduler: sched,
		Queries:   &fakeQueries{},
		Metrics:   metrics.NewRecorder(nil),
	}
	if launch == nil {
		launch = func(context.Context, *model.Step, *model.Machine) {}
	}
	d := New(log.New(os.Stderr, "", 0), sched, metrics.NewRecorder(nil), comp, launch)
	return d, sched
}

func step(drvPath, systemType string, js *model.Jobset, gp int) *model.Step {
	s := model.NewStep(drvPath, model.Derivation{}, systemType)
	s.AddBuild(model.NewBuild(1, drvPath, "p", "job", js, 0, gp, 0, 0, time.Now()))
	return s
}

func TestDispatchPicksLowestShareUsedFirst(t *testing.T) {
	launched := make(chan string, 2)
	d, sched := newTestDispatcher(t, func(ctx context.Context, s *model.Step, m *model.Machine) {
		launched <- s.DrvPath
	})

	busy := sched.JobsetOrCreate(model.JobsetKey{Project: "p", Jobset: "busy"}, 1)
	busy.RecordStep(time.Now(), time.Now().Add(-time.Hour), 10*time.Hour) // high shareUsed
	idle := sched.JobsetOrCreate(model.JobsetKey{Project: "p", Jobset: "idle"}, 1)

	sBusy := step("busy.drv", "amd64-linux", busy, 0)
	sIdle := step("idle.drv", "amd64-linux", idle, 0)
	sched.MakeRunnable(sBusy, time.Now())
	sched.MakeRunnable(sIdle, time.Now())

	m := model.NewMachine("ssh://m1", []string{"amd64-linux"}, nil, nil, 1, 1, time.Now())
	sched.PutMachine(m)

	d.dispatchAvailable(context.Background())

	select {
	case got := <-launched:
		if got != "idle.drv" {
			t.Fatalf("dispatched %q first, want idle.drv (lower shareUsed)", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected one dispatch")
	}
	if m.CurrentJobs() != 1 {
		t.Fatalf("CurrentJobs() = %d, want 1", m.CurrentJobs())
	}
}

func TestDispatchRespectsGlobalPriorityWithinSameJobset(t *testing.T) {
	launched := make(chan string, 2)
	d, sched := newTestDispatcher(t, func(ctx context.Context, s *model.Step, m *model.Machine) {
		launched <- s.DrvPath
	})

	js := sched.JobsetOrCreate(model.JobsetKey{Project: "p", Jobset: "j"}, 1)
	low := step("low.drv", "amd64-linux", js, 1)
	high := step("high.drv", "amd64-linux", js, 9)
	sched.MakeRunnable(low, time.Now())
	sched.MakeRunnable(high, time.Now())

	m := model.NewMachine("ssh://m1", []string{"amd64-linux"}, nil, nil, 1, 1, time.Now())
	sched.PutMachine(m)

	d.dispatchAvailable(context.Background())

	got := <-launched
	if got != "high.drv" {
		t.Fatalf("dispatched %q first, want high.drv (higher global priority)", got)
	}
}

func TestDispatchSkipsStepsWithNoSupportingMachine(t *testing.T) {
	d, sched := newTestDispatcher(t, nil)

	js := sched.JobsetOrCreate(model.JobsetKey{Project: "p", Jobset: "j"}, 1)
	s := step("s.drv", "riscv64-linux", js, 0)
	sched.MakeRunnable(s, time.Now())

	m := model.NewMachine("ssh://m1", []string{"amd64-linux"}, nil, nil, 1, 1, time.Now())
	sched.PutMachine(m)

	d.dispatchAvailable(context.Background())

	if m.CurrentJobs() != 0 {
		t.Fatalf("CurrentJobs() = %d, want 0 (no supporting machine)", m.CurrentJobs())
	}
	runnable := sched.Runnable()
	if len(runnable) != 1 || runnable[0].DrvPath != "s.drv" {
		t.Fatalf("step should remain runnable, got %v", runnable)
	}
}

func TestCheckUnsupportedFailsStepAfterTimeout(t *testing.T) {
	d, sched := newTestDispatcher(t, nil)
	d.MaxUnsupportedTime = time.Millisecond

	js := sched.JobsetOrCreate(model.JobsetKey{Project: "p", Jobset: "j"}, 1)
	s := step("s.drv", "riscv64-linux", js, 0)
	s.TouchSupported(time.Now()) // queuemonitor seeds this at creation time
	sched.MakeRunnable(s, time.Now())

	time.Sleep(2 * time.Millisecond)
	d.checkUnsupported(time.Now())

	status, _, ok := s.FinalStatus()
	if !ok || status != model.BsUnsupported {
		t.Fatalf("step should fail as unsupported, got ok=%v status=%v", ok, status)
	}
}

func TestNextTimeoutUsesEarliestDeferredAfter(t *testing.T) {
	d, sched := newTestDispatcher(t, nil)
	d.IdleInterval = time.Minute

	js := sched.JobsetOrCreate(model.JobsetKey{Project: "p", Jobset: "j"}, 1)
	s := step("s.drv", "amd64-linux", js, 0)
	s.RecordRetry(time.Now().Add(5 * time.Second))
	sched.MakeRunnable(s, time.Now())

	timeout := d.nextTimeout()
	if timeout <= 0 || timeout > 6*time.Second {
		t.Fatalf("nextTimeout() = %v, want ~5s", timeout)
	}
}
