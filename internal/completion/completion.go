// Package completion implements the step-completion bookkeeping shared by
// the dispatcher (§4.2 step 7, unsupported aging) and the builder worker
// (§4.3 Completion, Retry policy): unblocking dependents on success, and
// cascading a terminal failure to every Build that transitively needs the
// failed step.
package completion

import (
	"context"
	"log"
	"time"

	"github.com/distr1/buildqueue/internal/metrics"
	"github.com/distr1/buildqueue/internal/model"
	"github.com/distr1/buildqueue/internal/store"
)

// Handler finalizes Steps and the Builds that depend on them, keeping the
// in-memory graph, the database, and the metrics registry in sync in one
// place rather than duplicating this bookkeeping in both callers.
type Handler struct {
	Log       *log.Logger
	Scheduler *model.Scheduler
	Queries   store.Queries
	Metrics   *metrics.Recorder
}

// Succeed finalizes step as successful, folds its run into every
// contributing Jobset's usage window, and unblocks any rdep left with no
// remaining deps (§4.3 Completion). If step is some Build's top-level step,
// that Build finishes too.
func (h *Handler) Succeed(ctx context.Context, step *model.Step, startedAt time.Time, duration time.Duration, outputs map[string]string) {
	if !step.Finish(model.BsSuccess, "") {
		return
	}
	step.Release()

	now := time.Now()
	for _, js := range step.Jobsets() {
		js.RecordStep(now, startedAt, duration)
	}

	for _, rdep := range step.Rdeps() {
		if !rdep.RemoveDep(step) {
			continue
		}
		// A step the Fail cascade already marked bsDepFailed through a
		// sibling dependency must not be handed back to the dispatcher just
		// because this dep also happened to succeed.
		if _, _, finished := rdep.FinalStatus(); finished {
			continue
		}
		h.Scheduler.MakeRunnable(rdep, now)
	}

	for _, b := range step.Builds() {
		if b.Toplevel != step {
			continue
		}
		if b.Finish(model.BsSuccess, "", outputs) {
			h.finishBuildInDB(ctx, b, model.BsSuccess)
		}
	}
}

// Fail finalizes step with a terminal failure status and fails every Build
// that transitively needs it (§7 Propagation: "fail all Builds for which
// this Step is transitively required"). A Build whose own top-level step is
// the one that failed is recorded with status; every other dependent Build
// is recorded as bsDepFailed, since the failure reached it through a
// dependency rather than its own top-level derivation.
func (h *Handler) Fail(ctx context.Context, step *model.Step, status model.BuildStatus, errorMsg string) {
	if !step.Finish(status, errorMsg) {
		return
	}
	step.Release()

	for _, b := range step.Builds() {
		buildStatus := model.BsDepFailed
		if b.Toplevel == step {
			buildStatus = status
		}
		if b.Finish(buildStatus, errorMsg, nil) {
			h.finishBuildInDB(ctx, b, buildStatus)
		}
	}

	h.cascadeDepFailure(ctx, step, step.DrvPath, errorMsg)
}

// cascadeDepFailure walks the steps that transitively depend on a step that
// just failed (root), marking each bsDepFailed with propagatedFrom set to
// root so a step that itself never ran still gets its own BuildSteps row
// and, if it is some Build's top-level step, finishes that Build too (§8
// scenario 3: "the step row for D1 records bsDepFailed with propagatedFrom =
// D2"). A step already finished by another path (e.g. a diamond dependency
// reached through two failed deps) stops the walk along that branch.
func (h *Handler) cascadeDepFailure(ctx context.Context, step *model.Step, root, errorMsg string) {
	for _, rdep := range step.Rdeps() {
		if !rdep.Finish(model.BsDepFailed, errorMsg) {
			continue
		}
		rdep.SetPropagatedFrom(root)
		rdep.Release()

		now := time.Now()
		for _, b := range rdep.Builds() {
			if err := h.Queries.RecordStepFinish(ctx, b.ID, 0, int(model.BsDepFailed), now, errorMsg, root); err != nil {
				h.Log.Printf("recording dep-failed step finish for build %d step %s: %v", b.ID, rdep.DrvPath, err)
			}
			if err := h.Queries.NotifyStepFinished(ctx, b.ID, 0, ""); err != nil {
				h.Log.Printf("notifying step_finished for build %d: %v", b.ID, err)
			}
			if b.Toplevel == rdep && b.Finish(model.BsDepFailed, errorMsg, nil) {
				h.finishBuildInDB(ctx, b, model.BsDepFailed)
			}
		}

		h.cascadeDepFailure(ctx, rdep, root, errorMsg)
	}
}

// RecordStepFinish writes step's own BuildSteps row for every Build that
// needs it. Used by callers that fail a step without ever dispatching it, so
// no Builder worker is around to write the row itself (the dispatcher's
// unsupported-aging pass, §4.2 step 7, §7 "each finished step writes a row").
func (h *Handler) RecordStepFinish(ctx context.Context, step *model.Step, status model.BuildStatus, errorMsg string) {
	now := time.Now()
	for _, b := range step.Builds() {
		if err := h.Queries.RecordStepFinish(ctx, b.ID, 0, int(status), now, errorMsg, ""); err != nil {
			h.Log.Printf("recording step finish for build %d step %s: %v", b.ID, step.DrvPath, err)
		}
		if err := h.Queries.NotifyStepFinished(ctx, b.ID, 0, ""); err != nil {
			h.Log.Printf("notifying step_finished for build %d: %v", b.ID, err)
		}
	}
}

func (h *Handler) finishBuildInDB(ctx context.Context, b *model.Build, status model.BuildStatus) {
	if err := h.Queries.RecordBuildFinish(ctx, b.ID, int(status)); err != nil {
		h.Log.Printf("recording build finish for %d: %v", b.ID, err)
	}
	// Cross-build dependents (§6 "build_finished(id, dependents…)") are not
	// modeled: this scheduler only tracks dependency edges between Steps,
	// not between Builds of different jobsets, so the notification always
	// carries an empty dependents list.
	if err := h.Queries.NotifyBuildFinished(ctx, b.ID, nil); err != nil {
		h.Log.Printf("notifying build_finished for %d: %v", b.ID, err)
	}
	h.Metrics.IncBuildFinished(status.String())
	h.Scheduler.FinishBuild(b.ID)
}
