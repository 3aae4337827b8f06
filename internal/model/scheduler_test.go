package model

import (
	"testing"
	"time"
)

func TestStepDepsMaintainI2AndI3(t *testing.T) {
	d2 := NewStep("/d2.drv", Derivation{Platform: "amd64"}, "amd64")
	d1 := NewStep("/d1.drv", Derivation{Platform: "amd64"}, "amd64")
	d1.AddDep(d2)

	if d1.IsRunnable() {
		t.Fatal("d1 should not be runnable while d2 is a dep")
	}
	if got := d2.Rdeps(); len(got) != 1 || got[0] != d1 {
		t.Fatalf("d2.Rdeps() = %v, want [d1]", got)
	}

	if runnable := d1.RemoveDep(d2); !runnable {
		t.Fatal("d1 should become runnable once d2 is removed")
	}
	if !d1.IsRunnable() {
		t.Fatal("d1.IsRunnable() should be true after RemoveDep")
	}
	if got := d2.Rdeps(); len(got) != 0 {
		t.Fatalf("d2.Rdeps() = %v, want empty after RemoveDep", got)
	}
}

func TestStepHoldEnforcesSingleReservation(t *testing.T) {
	s := NewStep("/s.drv", Derivation{}, "amd64")
	if !s.Hold("m1") {
		t.Fatal("first Hold should succeed")
	}
	if s.Hold("m2") {
		t.Fatal("second concurrent Hold should fail (P5)")
	}
	s.Release()
	if !s.Hold("m2") {
		t.Fatal("Hold should succeed again after Release")
	}
}

func TestMachineReserveRespectsMaxJobs(t *testing.T) {
	m := NewMachine("ssh://m1", []string{"amd64"}, nil, nil, 2, 1, time.Now())
	if !m.Reserve() || !m.Reserve() {
		t.Fatal("expected two reservations to succeed under MaxJobs=2")
	}
	if m.Reserve() {
		t.Fatal("third reservation should fail once MaxJobs is exhausted (P3)")
	}
	if got := m.CurrentJobs(); got != 2 {
		t.Fatalf("CurrentJobs() = %d, want 2", got)
	}
	m.Release(time.Now())
	if got := m.CurrentJobs(); got != 1 {
		t.Fatalf("CurrentJobs() after Release = %d, want 1", got)
	}
}

func TestPropagatePriorityIsMonotone(t *testing.T) {
	s := NewStep("/s.drv", Derivation{}, "amd64")
	b1 := NewBuild(5, "/b1.drv", "proj", "job1", nil, 1, 10, 0, 0, time.Now())
	b2 := NewBuild(1, "/b2.drv", "proj", "job2", nil, 1, 3, 0, 0, time.Now())

	s.PropagatePriority(b1)
	gp, _, lowest := s.Priorities()
	if gp != 10 || lowest != 5 {
		t.Fatalf("after b1: gp=%d lowest=%d, want 10,5", gp, lowest)
	}

	// b2 has a lower global priority but a lower build id: global priority
	// must not decrease, lowestBuildID must decrease.
	s.PropagatePriority(b2)
	gp, _, lowest = s.Priorities()
	if gp != 10 {
		t.Fatalf("highestGlobalPriority decreased: got %d, want still 10", gp)
	}
	if lowest != 1 {
		t.Fatalf("lowestBuildID = %d, want 1", lowest)
	}
}

func TestMachineSupportsStepCapabilityMatching(t *testing.T) {
	m := NewMachine("ssh://m1", []string{"amd64"}, []string{"kvm", "big-parallel"}, []string{"kvm"}, 1, 1, time.Now())

	s := NewStep("/s.drv", Derivation{Platform: "amd64"}, "amd64")
	s.RequiredSystemFeatures = nil
	if m.SupportsStep(s, time.Now()) {
		t.Fatal("step missing the mandatory kvm feature should not be supported")
	}

	s.RequiredSystemFeatures = []string{"kvm"}
	if !m.SupportsStep(s, time.Now()) {
		t.Fatal("step declaring the mandatory feature should be supported")
	}

	s.RequiredSystemFeatures = []string{"kvm", "nonexistent"}
	if m.SupportsStep(s, time.Now()) {
		t.Fatal("step requiring an unsupported feature should not be supported")
	}
}

func TestMachineSupportsStepLocalSentinel(t *testing.T) {
	m := NewMachine("ssh://m1", []string{"amd64"}, nil, []string{"local"}, 1, 1, time.Now())
	s := NewStep("/s.drv", Derivation{Platform: "amd64"}, "amd64")
	if m.SupportsStep(s, time.Now()) {
		t.Fatal("mandatory local feature should require PreferLocalBuild")
	}
	s.PreferLocalBuild = true
	if !m.SupportsStep(s, time.Now()) {
		t.Fatal("PreferLocalBuild should satisfy the local sentinel feature")
	}
}

func TestMachineBackoff(t *testing.T) {
	m := NewMachine("ssh://m1", []string{"amd64"}, nil, nil, 1, 1, time.Now())
	now := time.Now()
	m.RecordFailure(now)
	if m.InBackoff(now) {
		t.Fatal("a single RecordFailure must not itself disable the machine, only the health breaker's SetDisabled does")
	}
	m.SetDisabled(true)
	if !m.InBackoff(now) {
		t.Fatal("machine should be in backoff once SetDisabled(true) is called")
	}
	m.SetDisabled(false)
	if m.InBackoff(now) {
		t.Fatal("machine should have left backoff after SetDisabled(false)")
	}
	m.RecordFailure(now)
	if got := m.ConsecutiveFailures(); got != 2 {
		t.Fatalf("ConsecutiveFailures() = %d, want 2", got)
	}
	m.RecordSuccess()
	if got := m.ConsecutiveFailures(); got != 0 {
		t.Fatalf("ConsecutiveFailures() after success = %d, want 0", got)
	}
}

func TestSchedulerRunnableSetSatisfiesP1(t *testing.T) {
	s := NewScheduler()
	step := NewStep("/s.drv", Derivation{}, "amd64")
	s.MakeRunnable(step, time.Now())

	for _, r := range s.Runnable() {
		if !r.IsRunnable() {
			t.Fatalf("step %s in Runnable set but has outstanding deps or is held", r.DrvPath)
		}
	}
	s.TakeRunnable(step.DrvPath)
	if got := s.Runnable(); len(got) != 0 {
		t.Fatalf("Runnable() after TakeRunnable = %v, want empty", got)
	}
}

func TestCollectUnreachable(t *testing.T) {
	s := NewScheduler()
	top := NewStep("/top.drv", Derivation{}, "amd64")
	dep := NewStep("/dep.drv", Derivation{}, "amd64")
	orphan := NewStep("/orphan.drv", Derivation{}, "amd64")
	top.AddDep(dep)

	s.StepOrCreate(top.DrvPath, func() *Step { return top })
	s.StepOrCreate(dep.DrvPath, func() *Step { return dep })
	s.StepOrCreate(orphan.DrvPath, func() *Step { return orphan })

	b := NewBuild(1, top.DrvPath, "proj", "job", nil, 0, 0, 0, 0, time.Now())
	top.AddBuild(b)

	unreachable := s.CollectUnreachable()
	if len(unreachable) != 1 || unreachable[0] != "/orphan.drv" {
		t.Fatalf("CollectUnreachable() = %v, want [/orphan.drv]", unreachable)
	}
}

func TestJobsetShareUsedAndPruning(t *testing.T) {
	js := NewJobset(JobsetKey{Project: "p", Jobset: "j"}, 2)
	now := time.Now()
	js.RecordStep(now, now.Add(-time.Hour), 10*time.Second)
	js.RecordStep(now, now.Add(-30*time.Minute), 10*time.Second)

	if got := js.Seconds(now); got != 20 {
		t.Fatalf("Seconds() = %v, want 20", got)
	}
	if got := js.ShareUsed(now); got != 10 {
		t.Fatalf("ShareUsed() = %v, want 10 (20 seconds / 2 shares)", got)
	}

	// entries older than the scheduling window are pruned away.
	old := now.Add(-SchedulingWindow - time.Hour)
	js.RecordStep(now, old, 100*time.Second)
	if got := js.Seconds(now); got != 20 {
		t.Fatalf("Seconds() after stale record = %v, want 20 (stale entry pruned)", got)
	}
}

func TestBuildFinishIsIdempotent(t *testing.T) {
	b := NewBuild(1, "/b.drv", "proj", "job", nil, 0, 0, 0, 0, time.Now())
	if !b.Finish(BsSuccess, "", map[string]string{"out": "/store/out"}) {
		t.Fatal("first Finish should return true (I4)")
	}
	if b.Finish(BsFailed, "boom", nil) {
		t.Fatal("second Finish should return false, finishedInDB transitions once")
	}
	status, _, finished := b.Finished()
	if !finished || status != BsSuccess {
		t.Fatalf("Finished() = (%v, _, %v), want (success, true) — must not be overwritten by the second Finish call", status, finished)
	}
}
