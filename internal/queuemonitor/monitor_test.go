package queuemonitor

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/distr1/buildqueue/internal/model"
	"github.com/distr1/buildqueue/internal/store"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "", 0)
}

type fakeQueries struct {
	pending       []store.BuildRow
	shares        map[string]int
	finishedID    int64
	finishedCalls int
	notifyStarted []int64
	notifyFinished []int64
}

func (f *fakeQueries) PendingBuilds(ctx context.Context) ([]store.BuildRow, error) { return f.pending, nil }
func (f *fakeQueries) Jobsets(ctx context.Context) ([]store.JobsetRow, error)      { return nil, nil }
func (f *fakeQueries) JobsetShares(ctx context.Context, project, name string) (int, error) {
	if f.shares == nil {
		return 1, nil
	}
	return f.shares[project+":"+name], nil
}
func (f *fakeQueries) RecordStepStart(context.Context, int64, int, string, string, time.Time) error {
	return nil
}
func (f *fakeQueries) RecordStepFinish(context.Context, int64, int, int, time.Time, string, string) error {
	return nil
}
func (f *fakeQueries) RecordBuildFinish(ctx context.Context, buildID int64, status int) error {
	f.finishedID = buildID
	f.finishedCalls++
	return nil
}
func (f *fakeQueries) NotifyBuildStarted(ctx context.Context, buildID int64) error {
	f.notifyStarted = append(f.notifyStarted, buildID)
	return nil
}
func (f *fakeQueries) NotifyBuildFinished(ctx context.Context, buildID int64, dependents []int64) error {
	f.notifyFinished = append(f.notifyFinished, buildID)
	return nil
}
func (f *fakeQueries) NotifyStepFinished(context.Context, int64, int, string) error { return nil }

type fakeDestination struct {
	valid map[string]bool
}

func (f *fakeDestination) QueryValidPaths(ctx context.Context, paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		if f.valid[p] {
			out = append(out, p)
		}
	}
	return out, nil
}

func writeDrv(t *testing.T, dir, name, textproto string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(textproto), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestCreateStepMarksRunnableWhenNoDeps(t *testing.T) {
	dir := t.TempDir()
	a := writeDrv(t, dir, "a.drv", `
drv_path: "a.drv"
platform: "amd64-linux"
output_name: "out"
output_path: "/store/a-out"
`)

	sched := model.NewScheduler()
	mon := New(testLogger(), sched, &fakeQueries{}, &fakeDestination{}, nil, nil)

	st, err := mon.createStep(context.Background(), a, nil, nil)
	if err != nil {
		t.Fatalf("createStep: %v", err)
	}
	if !st.Created() {
		t.Fatal("step should be marked created")
	}
	if !st.IsRunnable() {
		t.Fatal("step with no deps should be runnable")
	}
	found := false
	for _, r := range sched.Runnable() {
		if r.DrvPath == a {
			found = true
		}
	}
	if !found {
		t.Fatal("step should be in the Runnable set")
	}
}

func TestCreateStepShortCircuitsCachedOutputs(t *testing.T) {
	dir := t.TempDir()
	a := writeDrv(t, dir, "a.drv", `
drv_path: "a.drv"
platform: "amd64-linux"
output_name: "out"
output_path: "/store/a-out"
`)

	sched := model.NewScheduler()
	queries := &fakeQueries{}
	dest := &fakeDestination{valid: map[string]bool{"/store/a-out": true}}
	mon := New(testLogger(), sched, queries, dest, nil, nil)

	js := sched.JobsetOrCreate(model.JobsetKey{Project: "p", Jobset: "j"}, 1)
	b := model.NewBuild(1, a, "p", "job", js, 0, 0, 0, 0, time.Now())
	sched.PutBuild(b)

	st, err := mon.createStep(context.Background(), a, b, nil)
	if err != nil {
		t.Fatalf("createStep: %v", err)
	}
	b.Toplevel = st
	status, _, finished := b.Finished()
	if !finished || status != model.BsSuccess {
		t.Fatalf("build should be finished successfully, got finished=%v status=%v", finished, status)
	}
	if queries.finishedCalls != 1 || queries.finishedID != 1 {
		t.Fatalf("RecordBuildFinish should be called once for build 1, got calls=%d id=%d", queries.finishedCalls, queries.finishedID)
	}
	if len(queries.notifyFinished) != 1 {
		t.Fatalf("NotifyBuildFinished should be called once, got %v", queries.notifyFinished)
	}
	for _, r := range sched.Runnable() {
		if r.DrvPath == a {
			t.Fatal("a cached step must not enter the Runnable set")
		}
	}
}

func TestCreateStepChainsMissingDependency(t *testing.T) {
	dir := t.TempDir()
	a := writeDrv(t, dir, "a.drv", `
drv_path: "a.drv"
platform: "amd64-linux"
output_name: "out"
output_path: "/store/a-out"
`)
	b := writeDrv(t, dir, "b.drv", `
drv_path: "b.drv"
platform: "amd64-linux"
input_drvs: "`+a+`"
output_name: "out"
output_path: "/store/b-out"
`)

	sched := model.NewScheduler()
	mon := New(testLogger(), sched, &fakeQueries{}, &fakeDestination{}, nil, nil)

	stB, err := mon.createStep(context.Background(), b, nil, nil)
	if err != nil {
		t.Fatalf("createStep: %v", err)
	}
	if stB.IsRunnable() {
		t.Fatal("b depends on a, which is missing, so b must not be runnable yet")
	}
	deps := stB.Deps()
	if len(deps) != 1 || deps[0].DrvPath != a {
		t.Fatalf("b.Deps() = %v, want [a]", deps)
	}

	runnable := sched.Runnable()
	if len(runnable) != 1 || runnable[0].DrvPath != a {
		t.Fatalf("Runnable() = %v, want [a]", runnable)
	}
}

func TestPropagatePrioritiesIsMonotoneAcrossSharedDeps(t *testing.T) {
	sched := model.NewScheduler()
	mon := New(testLogger(), sched, &fakeQueries{}, &fakeDestination{}, nil, nil)

	shared := model.NewStep("shared.drv", model.Derivation{}, "amd64-linux")
	mid1 := model.NewStep("mid1.drv", model.Derivation{}, "amd64-linux")
	mid2 := model.NewStep("mid2.drv", model.Derivation{}, "amd64-linux")
	top := model.NewStep("top.drv", model.Derivation{}, "amd64-linux")
	top.AddDep(mid1)
	top.AddDep(mid2)
	mid1.AddDep(shared)
	mid2.AddDep(shared)

	js := sched.JobsetOrCreate(model.JobsetKey{Project: "p", Jobset: "j"}, 1)
	b := model.NewBuild(7, "top.drv", "p", "job", js, 3, 9, 0, 0, time.Now())
	b.Toplevel = top

	mon.propagatePriorities(b)

	gp, lp, lowest := shared.Priorities()
	if gp != 9 || lp != 3 || lowest != 7 {
		t.Fatalf("shared.Priorities() = (%d,%d,%d), want (9,3,7)", gp, lp, lowest)
	}
}

func TestPollSkipsAlreadyLoadedBuilds(t *testing.T) {
	dir := t.TempDir()
	a := writeDrv(t, dir, "a.drv", `
drv_path: "a.drv"
platform: "amd64-linux"
output_name: "out"
output_path: "/store/a-out"
`)

	sched := model.NewScheduler()
	queries := &fakeQueries{pending: []store.BuildRow{
		{ID: 1, DrvPath: a, Project: "p", Jobset: "j", Job: "job", GlobalPriority: 1},
	}}
	mon := New(testLogger(), sched, queries, &fakeDestination{}, nil, nil)

	if err := mon.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(queries.notifyStarted) != 1 {
		t.Fatalf("expected one build_started notification, got %v", queries.notifyStarted)
	}

	// Second poll over the same pending row must not re-expand the build.
	if err := mon.poll(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(queries.notifyStarted) != 1 {
		t.Fatalf("build should not be expanded twice, got %v", queries.notifyStarted)
	}
}
