package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"golang.org/x/xerrors"
)

// Postgres implements Queries against a live database via sqlx + lib/pq.
type Postgres struct {
	db *sqlx.DB
}

// Open dials dsn (a lib/pq connection string or URL) and verifies
// connectivity.
func Open(dsn string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, xerrors.Errorf("connecting to %s: %w", dsn, err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an already-open *sqlx.DB, e.g. one sqlmock has
// substituted in tests.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) PendingBuilds(ctx context.Context) ([]BuildRow, error) {
	var rows []BuildRow
	const q = `SELECT id, drvpath, project, jobset, job, timestamp, maxsilenttime, buildtimeout, localpriority, globalpriority, status FROM builds WHERE status IS NULL ORDER BY globalpriority DESC, id ASC`
	if err := p.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, xerrors.Errorf("loading pending builds: %w", err)
	}
	return rows, nil
}

func (p *Postgres) Jobsets(ctx context.Context) ([]JobsetRow, error) {
	var rows []JobsetRow
	const q = `SELECT project, name, schedulingshares FROM jobsets`
	if err := p.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, xerrors.Errorf("loading jobsets: %w", err)
	}
	return rows, nil
}

func (p *Postgres) JobsetShares(ctx context.Context, project, name string) (int, error) {
	var shares int
	const q = `SELECT schedulingshares FROM jobsets WHERE project = $1 AND name = $2`
	if err := p.db.GetContext(ctx, &shares, q, project, name); err != nil {
		return 0, xerrors.Errorf("loading shares for %s:%s: %w", project, name, err)
	}
	return shares, nil
}

func (p *Postgres) RecordStepStart(ctx context.Context, buildID int64, stepNr int, drvPath, machine string, start time.Time) error {
	const q = `INSERT INTO buildsteps (buildid, stepnr, drvpath, machine, starttime) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (buildid, stepnr) DO UPDATE SET machine = EXCLUDED.machine, starttime = EXCLUDED.starttime`
	if _, err := p.db.ExecContext(ctx, q, buildID, stepNr, drvPath, machine, start); err != nil {
		return xerrors.Errorf("recording step start for build %d step %d: %w", buildID, stepNr, err)
	}
	return nil
}

func (p *Postgres) RecordStepFinish(ctx context.Context, buildID int64, stepNr int, status int, stop time.Time, errorMsg, propagatedFrom string) error {
	const q = `UPDATE buildsteps SET status = $3, stoptime = $4, errormsg = $5, propagatedfrom = $6 WHERE buildid = $1 AND stepnr = $2`
	if _, err := p.db.ExecContext(ctx, q, buildID, stepNr, status, stop, errorMsg, propagatedFrom); err != nil {
		return xerrors.Errorf("recording step finish for build %d step %d: %w", buildID, stepNr, err)
	}
	return nil
}

func (p *Postgres) RecordBuildFinish(ctx context.Context, buildID int64, status int) error {
	const q = `UPDATE builds SET status = $2 WHERE id = $1`
	if _, err := p.db.ExecContext(ctx, q, buildID, status); err != nil {
		return xerrors.Errorf("recording build finish for %d: %w", buildID, err)
	}
	return nil
}

func (p *Postgres) NotifyBuildStarted(ctx context.Context, buildID int64) error {
	return p.notify(ctx, "build_started", buildID)
}

func (p *Postgres) NotifyBuildFinished(ctx context.Context, buildID int64, dependents []int64) error {
	payload, err := json.Marshal(struct {
		ID         int64   `json:"id"`
		Dependents []int64 `json:"dependents"`
	}{buildID, dependents})
	if err != nil {
		return xerrors.Errorf("marshalling build_finished payload: %w", err)
	}
	const q = `SELECT pg_notify('build_finished', $1)`
	if _, err := p.db.ExecContext(ctx, q, string(payload)); err != nil {
		return xerrors.Errorf("notifying build_finished for %d: %w", buildID, err)
	}
	return nil
}

func (p *Postgres) NotifyStepFinished(ctx context.Context, buildID int64, stepNr int, logFile string) error {
	payload, err := json.Marshal(struct {
		BuildID int64  `json:"buildId"`
		StepNr  int    `json:"stepNr"`
		LogFile string `json:"logFile"`
	}{buildID, stepNr, logFile})
	if err != nil {
		return xerrors.Errorf("marshalling step_finished payload: %w", err)
	}
	const q = `SELECT pg_notify('step_finished', $1)`
	if _, err := p.db.ExecContext(ctx, q, string(payload)); err != nil {
		return xerrors.Errorf("notifying step_finished for build %d step %d: %w", buildID, stepNr, err)
	}
	return nil
}

func (p *Postgres) notify(ctx context.Context, channel string, id int64) error {
	const q = `SELECT pg_notify($1, $2)`
	if _, err := p.db.ExecContext(ctx, q, channel, id); err != nil {
		return xerrors.Errorf("notifying %s for %d: %w", channel, id, err)
	}
	return nil
}
