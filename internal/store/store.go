// Package store is the queue runner's only connection to Postgres. The
// scheduler core never imports database/sql directly (§6): every query and
// notification goes through the Queries interface this package defines, so
// internal/queuemonitor and internal/dispatcher can be tested against a
// fake without a live database.
package store

import (
	"context"
	"time"
)

// BuildRow is one row of the Builds table (§6).
type BuildRow struct {
	ID             int64     `db:"id"`
	DrvPath        string    `db:"drvpath"`
	Project        string    `db:"project"`
	Jobset         string    `db:"jobset"`
	Job            string    `db:"job"`
	Timestamp      time.Time `db:"timestamp"`
	MaxSilentTime  int64     `db:"maxsilenttime"`
	BuildTimeout   int64     `db:"buildtimeout"`
	LocalPriority  int       `db:"localpriority"`
	GlobalPriority int       `db:"globalpriority"`
	Status         *int      `db:"status"` // NULL while pending
}

// BuildStepRow is one row of the BuildSteps table (§6).
type BuildStepRow struct {
	BuildID        int64      `db:"buildid"`
	StepNr         int        `db:"stepnr"`
	DrvPath        string     `db:"drvpath"`
	Status         *int       `db:"status"`
	StartTime      *time.Time `db:"starttime"`
	StopTime       *time.Time `db:"stoptime"`
	Machine        string     `db:"machine"`
	ErrorMsg       string     `db:"errormsg"`
	PropagatedFrom string     `db:"propagatedfrom"`
}

// JobsetRow is one row of the Jobsets table (§6).
type JobsetRow struct {
	Project         string `db:"project"`
	Name            string `db:"name"`
	SchedulingShares int   `db:"schedulingshares"`
}

// Queries is the full set of database operations the queue runner's core
// loops need. A Postgres-backed implementation lives in postgres.go; tests
// use either go-sqlmock against that implementation or a hand-written fake
// satisfying this interface directly.
type Queries interface {
	// PendingBuilds returns builds with no terminal status yet (status IS
	// NULL), the set the queue monitor expands into steps (§4.1).
	PendingBuilds(ctx context.Context) ([]BuildRow, error)

	// Jobsets returns every jobset row (§3, §4.1). The queue runner's own
	// loops do not call it; shares are seeded per jobset via JobsetShares.
	Jobsets(ctx context.Context) ([]JobsetRow, error)

	// JobsetShares returns the current scheduling share count for one
	// jobset. The queue monitor uses it to seed a jobset's shares when a
	// build of that jobset is first expanded; shares of a jobset already in
	// memory are not re-read (jobset_shares_changed only wakes the monitor).
	JobsetShares(ctx context.Context, project, name string) (int, error)

	// RecordStepStart writes the BuildSteps row for a step about to run on
	// machine.
	RecordStepStart(ctx context.Context, buildID int64, stepNr int, drvPath, machine string, start time.Time) error

	// RecordStepFinish updates a BuildSteps row with its terminal status
	// (§4.3 Completion, §7 "each finished step writes a row including
	// errorMsg").
	RecordStepFinish(ctx context.Context, buildID int64, stepNr int, status int, stop time.Time, errorMsg, propagatedFrom string) error

	// RecordBuildFinish updates a Builds row with its terminal status (I4:
	// callers must only call this once per build, enforced by
	// model.Build.Finish).
	RecordBuildFinish(ctx context.Context, buildID int64, status int) error

	// NotifyBuildStarted emits the build_started(id) notification (§6).
	NotifyBuildStarted(ctx context.Context, buildID int64) error

	// NotifyBuildFinished emits build_finished(id, dependents…) so
	// downstream systems can cascade (§7 "User-visible").
	NotifyBuildFinished(ctx context.Context, buildID int64, dependents []int64) error

	// NotifyStepFinished emits step_finished(buildId, stepNr, logFile).
	NotifyStepFinished(ctx context.Context, buildID int64, stepNr int, logFile string) error
}
