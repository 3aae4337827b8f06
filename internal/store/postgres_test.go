package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgres(sqlx.NewDb(db, "postgres")), mock
}

func TestPendingBuilds(t *testing.T) {
	p, mock := newMock(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "drvpath", "project", "jobset", "job", "timestamp", "maxsilenttime", "buildtimeout", "localpriority", "globalpriority", "status"}).
		AddRow(int64(1), "/a.drv", "proj", "job1", "x", now, int64(300), int64(7200), 0, 10, nil)
	mock.ExpectQuery("SELECT id, drvpath, project, jobset, job, timestamp, maxsilenttime, buildtimeout, localpriority, globalpriority, status FROM builds WHERE status IS NULL").
		WillReturnRows(rows)

	got, err := p.PendingBuilds(context.Background())
	if err != nil {
		t.Fatalf("PendingBuilds: %v", err)
	}
	if len(got) != 1 || got[0].DrvPath != "/a.drv" || got[0].GlobalPriority != 10 {
		t.Fatalf("PendingBuilds() = %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestJobsetShares(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery("SELECT schedulingshares FROM jobsets WHERE project = \\$1 AND name = \\$2").
		WithArgs("proj", "job1").
		WillReturnRows(sqlmock.NewRows([]string{"schedulingshares"}).AddRow(5))

	got, err := p.JobsetShares(context.Background(), "proj", "job1")
	if err != nil {
		t.Fatalf("JobsetShares: %v", err)
	}
	if got != 5 {
		t.Fatalf("JobsetShares() = %d, want 5", got)
	}
}

func TestRecordStepFinish(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectExec("UPDATE buildsteps SET status = \\$3, stoptime = \\$4, errormsg = \\$5, propagatedfrom = \\$6 WHERE buildid = \\$1 AND stepnr = \\$2").
		WithArgs(int64(1), 0, 0, sqlmock.AnyArg(), "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := p.RecordStepFinish(context.Background(), 1, 0, 0, time.Now(), "", ""); err != nil {
		t.Fatalf("RecordStepFinish: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordBuildFinishIsCalledOncePerBuild(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectExec("UPDATE builds SET status = \\$2 WHERE id = \\$1").
		WithArgs(int64(42), 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := p.RecordBuildFinish(context.Background(), 42, 0); err != nil {
		t.Fatalf("RecordBuildFinish: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNotifyBuildFinished(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectExec("SELECT pg_notify\\('build_finished', \\$1\\)").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := p.NotifyBuildFinished(context.Background(), 1, []int64{2, 3}); err != nil {
		t.Fatalf("NotifyBuildFinished: %v", err)
	}
}
