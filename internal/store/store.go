// Package store persists research jobs, iterations and sources in Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agent-bletchley/bletchley/internal/research"
)

type Store struct {
	DB *sql.DB
}

// ErrDuplicateStep is returned when an iteration step is recorded twice.
var ErrDuplicateStep = research.ErrDuplicateStep

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

const jobColumns = `id, query, status, progress, context, created_at, updated_at, completed_at, report, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (research.Job, error) {
	var (
		j         research.Job
		status    string
		progress  sql.NullFloat64
		rawCtx    []byte
		completed sql.NullTime
		report    sql.NullString
		errMsg    sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Query, &status, &progress, &rawCtx, &j.CreatedAt, &j.UpdatedAt, &completed, &report, &errMsg); err != nil {
		return j, err
	}
	st, err := research.ParseStatus(status)
	if err != nil {
		return j, err
	}
	j.Status = st
	if progress.Valid {
		j.Progress = research.Ptr(progress.Float64)
	}
	if completed.Valid {
		j.CompletedAt = research.Ptr(completed.Time)
	}
	if report.Valid {
		j.Report = research.Ptr(report.String)
	}
	if errMsg.Valid {
		j.Error = research.Ptr(errMsg.String)
	}
	j.Context = map[string]any{}
	if len(rawCtx) > 0 {
		if err := json.Unmarshal(rawCtx, &j.Context); err != nil {
			return j, fmt.Errorf("decode job context: %w", err)
		}
	}
	return j, nil
}

// CreateJob inserts a pending job and returns its id.
func (s *Store) CreateJob(ctx context.Context, query string, jobContext map[string]any) (string, error) {
	if jobContext == nil {
		jobContext = map[string]any{}
	}
	raw, err := json.Marshal(jobContext)
	if err != nil {
		return "", fmt.Errorf("encode job context: %w", err)
	}
	var id string
	err = s.DB.QueryRowContext(ctx, `INSERT INTO research_jobs (query, context) VALUES ($1,$2) RETURNING id`, query, raw).Scan(&id)
	return id, err
}

// GetJob returns (zero, false, nil) for unknown or malformed ids.
func (s *Store) GetJob(ctx context.Context, id string) (research.Job, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return research.Job{}, false, nil
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM research_jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return research.Job{}, false, nil
	}
	if err != nil {
		return research.Job{}, false, err
	}
	return j, true, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, skip, limit int) ([]research.Job, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM research_jobs ORDER BY created_at DESC, id DESC OFFSET $1 LIMIT $2`, skip, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []research.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateJobStatus sets status and progress of a non-terminal job. Only
// forward transitions and running progress updates match the guard.
// completed_at is stamped when the status becomes completed.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status research.Status, progress *float64) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	var p sql.NullFloat64
	if progress != nil {
		p = sql.NullFloat64{Float64: research.ClampProgress(*progress), Valid: true}
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE research_jobs
SET status=$2, progress=$3, updated_at=NOW(),
    completed_at=CASE WHEN $2::text='completed' THEN NOW() ELSE completed_at END
WHERE id=$1 AND (
    (status='pending' AND $2::text IN ('running','failed','cancelled')) OR
    (status='running' AND $2::text IN ('running','completed','failed','cancelled')))`, id, string(status), p)
	if err != nil {
		return err
	}
	return s.checkActiveUpdate(ctx, res, id)
}

// FailJob marks a non-terminal job failed and clears its progress.
func (s *Store) FailJob(ctx context.Context, id, message string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE research_jobs
SET status='failed', progress=NULL, error=$2, updated_at=NOW()
WHERE id=$1 AND status IN ('pending','running')`, id, message)
	if err != nil {
		return err
	}
	return s.checkActiveUpdate(ctx, res, id)
}

func (s *Store) UpdateJobReport(ctx context.Context, id, report string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE research_jobs SET report=$2, updated_at=NOW()
WHERE id=$1 AND status IN ('pending','running')`, id, report)
	if err != nil {
		return err
	}
	return s.checkActiveUpdate(ctx, res, id)
}

// checkActiveUpdate turns a zero-row update into ErrJobNotFound,
// ErrJobNotActive or, for a row that is still active, ErrInvalidTransition.
func (s *Store) checkActiveUpdate(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.DB.QueryRowContext(ctx, `SELECT status FROM research_jobs WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", research.ErrJobNotFound, id)
	}
	if err != nil {
		return err
	}
	if research.Status(status).Terminal() {
		return fmt.Errorf("%w: %s is %s", research.ErrJobNotActive, id, status)
	}
	return fmt.Errorf("%w: %s is %s", research.ErrInvalidTransition, id, status)
}

// AddIteration appends step to the job's iteration log.
func (s *Store) AddIteration(ctx context.Context, jobID string, step int, action string, result json.RawMessage) (string, error) {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO research_iterations (job_id, step, action, result)
VALUES ($1,$2,$3,$4)
RETURNING id`, jobID, step, action, []byte(result)).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case pqUniqueViolation:
				return "", fmt.Errorf("%w: job %s step %d", ErrDuplicateStep, jobID, step)
			case pqForeignKeyViolation:
				return "", fmt.Errorf("%w: %s", research.ErrJobNotFound, jobID)
			}
		}
		return "", err
	}
	return id, nil
}

// UpsertSource inserts or updates the (job, url) source. Nil fields keep the
// stored value.
func (s *Store) UpsertSource(ctx context.Context, in research.SourceInput) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO research_sources (job_id, url, title, snippet, content)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (job_id, url) DO UPDATE SET
    title=COALESCE(EXCLUDED.title, research_sources.title),
    snippet=COALESCE(EXCLUDED.snippet, research_sources.snippet),
    content=COALESCE(EXCLUDED.content, research_sources.content),
    fetched_at=NOW()
RETURNING id`, in.JobID, in.URL, nullString(in.Title), nullString(in.Snippet), nullString(in.Content)).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return "", fmt.Errorf("%w: %s", research.ErrJobNotFound, in.JobID)
		}
		return "", err
	}
	return id, nil
}

func (s *Store) ListIterations(ctx context.Context, jobID string) ([]research.Iteration, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, job_id, step, action, result, created_at FROM research_iterations WHERE job_id=$1 ORDER BY step`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []research.Iteration{}
	for rows.Next() {
		var (
			it  research.Iteration
			raw []byte
		)
		if err := rows.Scan(&it.ID, &it.JobID, &it.Step, &it.Action, &raw, &it.CreatedAt); err != nil {
			return nil, err
		}
		it.Result = json.RawMessage(raw)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) ListSources(ctx context.Context, jobID string) ([]research.Source, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, job_id, url, title, snippet, content, fetched_at FROM research_sources WHERE job_id=$1 ORDER BY fetched_at, url`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []research.Source{}
	for rows.Next() {
		var (
			src                     research.Source
			title, snippet, content sql.NullString
		)
		if err := rows.Scan(&src.ID, &src.JobID, &src.URL, &title, &snippet, &content, &src.FetchedAt); err != nil {
			return nil, err
		}
		src.Title = stringPtr(title)
		src.Snippet = stringPtr(snippet)
		src.Content = stringPtr(content)
		out = append(out, src)
	}
	return out, rows.Err()
}

// DeleteJob removes a job; iterations and sources cascade. It reports
// whether a row was deleted.
func (s *Store) DeleteJob(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM research_jobs WHERE id=$1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListStaleJobs returns pending or running jobs not updated since before.
func (s *Store) ListStaleJobs(ctx context.Context, before time.Time) ([]research.Job, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM research_jobs WHERE status IN ('pending','running') AND updated_at < $1 ORDER BY updated_at`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []research.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return research.Ptr(ns.String)
}
