package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/agent-bletchley/bletchley/internal/research"
)

const jobID = "6f1c2c7e-4c55-4a5b-9d59-0d8b7a4b9a10"

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "query", "status", "progress", "context", "created_at", "updated_at", "completed_at", "report", "error"})
}

func TestCreateJob(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO research_jobs (query, context) VALUES ($1,$2) RETURNING id`)).
		WithArgs("overfunding", []byte(`{}`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(jobID))

	id, err := st.CreateJob(context.Background(), "overfunding", nil)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if id != jobID {
		t.Fatalf("unexpected id %s", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetJob(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT `+jobColumns+` FROM research_jobs WHERE id=$1`)).
		WithArgs(jobID).
		WillReturnRows(jobRows().AddRow(jobID, "q", "completed", 100.0, []byte(`{"sector":"fintech"}`), now, now, now, "report", nil))

	job, ok, err := st.GetJob(context.Background(), jobID)
	if err != nil || !ok {
		t.Fatalf("GetJob: ok=%v err=%v", ok, err)
	}
	if job.Status != research.StatusCompleted || *job.Progress != 100 || *job.Report != "report" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Error != nil || job.CompletedAt == nil {
		t.Fatalf("optional fields not mapped: %+v", job)
	}
	if job.Context["sector"] != "fintech" {
		t.Fatalf("context not decoded: %+v", job.Context)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetJobMissing(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM research_jobs WHERE id=$1`)).
		WithArgs(jobID).
		WillReturnError(sql.ErrNoRows)

	_, ok, err := st.GetJob(context.Background(), jobID)
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
	// malformed ids never reach the database
	if _, ok, err := st.GetJob(context.Background(), "not-a-uuid"); ok || err != nil {
		t.Fatalf("malformed id should be a miss, got (%v, %v)", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateJobStatusClampsAndGuardsTransitions(t *testing.T) {
	st, mock := newMock(t)
	update := regexp.QuoteMeta(`UPDATE research_jobs
SET status=$2, progress=$3, updated_at=NOW(),
    completed_at=CASE WHEN $2::text='completed' THEN NOW() ELSE completed_at END
WHERE id=$1 AND (
    (status='pending' AND $2::text IN ('running','failed','cancelled')) OR
    (status='running' AND $2::text IN ('running','completed','failed','cancelled')))`)

	mock.ExpectExec(update).
		WithArgs(jobID, "running", 100.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := st.UpdateJobStatus(context.Background(), jobID, research.StatusRunning, research.Ptr(130.0)); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	mock.ExpectExec(update).
		WithArgs(jobID, "running", 50.0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM research_jobs WHERE id=$1`)).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	err := st.UpdateJobStatus(context.Background(), jobID, research.StatusRunning, research.Ptr(50.0))
	if !errors.Is(err, research.ErrJobNotActive) {
		t.Fatalf("expected ErrJobNotActive, got %v", err)
	}

	// a running row refuses to move back to pending
	mock.ExpectExec(update).
		WithArgs(jobID, "pending", nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM research_jobs WHERE id=$1`)).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	err = st.UpdateJobStatus(context.Background(), jobID, research.StatusPending, nil)
	if !errors.Is(err, research.ErrInvalidTransition) || errors.Is(err, research.ErrJobNotActive) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFailJobUnknown(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`SET status='failed', progress=NULL, error=$2`)).
		WithArgs(jobID, "boom").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM research_jobs WHERE id=$1`)).
		WithArgs(jobID).
		WillReturnError(sql.ErrNoRows)

	if err := st.FailJob(context.Background(), jobID, "boom"); !errors.Is(err, research.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAddIterationDuplicateStep(t *testing.T) {
	st, mock := newMock(t)
	insert := regexp.QuoteMeta(`INSERT INTO research_iterations (job_id, step, action, result)`)
	mock.ExpectQuery(insert).
		WithArgs(jobID, 1, "web_search", []byte(`{"ok":true}`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("it-1"))
	mock.ExpectQuery(insert).
		WithArgs(jobID, 1, "web_search", []byte(`{}`)).
		WillReturnError(&pq.Error{Code: pqUniqueViolation})

	id, err := st.AddIteration(context.Background(), jobID, 1, "web_search", json.RawMessage(`{"ok":true}`))
	if err != nil || id != "it-1" {
		t.Fatalf("AddIteration: %s %v", id, err)
	}
	_, err = st.AddIteration(context.Background(), jobID, 1, "web_search", nil)
	if !errors.Is(err, ErrDuplicateStep) {
		t.Fatalf("expected ErrDuplicateStep, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertSourcePassesNullsForAbsentFields(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (job_id, url) DO UPDATE SET`)).
		WithArgs(jobID, "https://a.com", "Title", nil, "body").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("src-1"))

	id, err := st.UpsertSource(context.Background(), research.SourceInput{
		JobID:   jobID,
		URL:     "https://a.com",
		Title:   research.Ptr("Title"),
		Content: research.Ptr("body"),
	})
	if err != nil || id != "src-1" {
		t.Fatalf("UpsertSource: %s %v", id, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListIterationsAndSources(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM research_iterations WHERE job_id=$1 ORDER BY step`)).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "step", "action", "result", "created_at"}).
			AddRow("i1", jobID, 1, "web_search", []byte(`{"a":1}`), now).
			AddRow("i2", jobID, 2, "web_fetch", []byte(`{}`), now))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM research_sources WHERE job_id=$1`)).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "url", "title", "snippet", "content", "fetched_at"}).
			AddRow("s1", jobID, "https://a.com", "A", nil, nil, now))

	its, err := st.ListIterations(context.Background(), jobID)
	if err != nil || len(its) != 2 || its[1].Step != 2 || string(its[0].Result) != `{"a":1}` {
		t.Fatalf("ListIterations: %+v %v", its, err)
	}
	srcs, err := st.ListSources(context.Background(), jobID)
	if err != nil || len(srcs) != 1 || *srcs[0].Title != "A" || srcs[0].Snippet != nil {
		t.Fatalf("ListSources: %+v %v", srcs, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteJob(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM research_jobs WHERE id=$1`)).
		WithArgs(jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := st.DeleteJob(context.Background(), jobID)
	if err != nil || !ok {
		t.Fatalf("DeleteJob: %v %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListStaleJobs(t *testing.T) {
	st, mock := newMock(t)
	cutoff := time.Now().Add(-time.Hour)
	old := cutoff.Add(-time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE status IN ('pending','running') AND updated_at < $1`)).
		WithArgs(cutoff).
		WillReturnRows(jobRows().AddRow(jobID, "q", "running", 35.0, nil, old, old, nil, nil, nil))

	jobs, err := st.ListStaleJobs(context.Background(), cutoff)
	if err != nil || len(jobs) != 1 || jobs[0].Status != research.StatusRunning {
		t.Fatalf("ListStaleJobs: %+v %v", jobs, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
