// Package postgres provides a Postgres-backed JobStore for durable
// job tracking across process restarts.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmathers/gramscrape/internal/scrape"
)

const schema = `
CREATE TABLE IF NOT EXISTS scrape_jobs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	targets     JSONB NOT NULL,
	options     JSONB NOT NULL,
	error_text  TEXT NOT NULL DEFAULT '',
	total       INT NOT NULL,
	completed   INT NOT NULL DEFAULT 0,
	failed      INT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS scrape_outcomes (
	seq         BIGSERIAL PRIMARY KEY,
	job_id      TEXT NOT NULL REFERENCES scrape_jobs(id) ON DELETE CASCADE,
	target_ref  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	error_kind  TEXT NOT NULL DEFAULT '',
	error_text  TEXT NOT NULL DEFAULT '',
	attempts    INT NOT NULL DEFAULT 0,
	scraped_at  TIMESTAMPTZ NOT NULL,
	record      JSONB
);
CREATE INDEX IF NOT EXISTS scrape_outcomes_job_idx ON scrape_outcomes (job_id, seq);
`

// Pool is the subset of pgxpool.Pool the store needs; pgxmock
// implements it for tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// JobStore implements scrape.JobStore on Postgres.
type JobStore struct {
	pool Pool
}

// NewJobStore connects a pool and returns the store.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewJobStoreWithPool(pool Pool) (*JobStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Migrate creates the schema if it does not exist.
func (s *JobStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *JobStore) Close() {
	s.pool.Close()
}

// CreateJob inserts the initial job row.
func (s *JobStore) CreateJob(ctx context.Context, job scrape.Job) error {
	targets, err := json.Marshal(job.Targets)
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scrape_jobs (id, status, targets, options, total, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, string(job.Status), targets, options, job.Progress.Total, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads the job row and its outcome sequence.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (scrape.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, targets, options, error_text, total, completed, failed, created_at, updated_at
		FROM scrape_jobs WHERE id = $1`, jobID)

	var (
		job              scrape.Job
		status           string
		targets, options []byte
	)
	err := row.Scan(
		&job.ID, &status, &targets, &options, &job.ErrorText,
		&job.Progress.Total, &job.Progress.Completed, &job.Progress.Failed,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, scrape.ErrJobNotFound
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("select job: %w", err)
	}
	job.Status = scrape.JobStatus(status)
	if err := json.Unmarshal(targets, &job.Targets); err != nil {
		return scrape.Job{}, fmt.Errorf("unmarshal targets: %w", err)
	}
	if err := json.Unmarshal(options, &job.Options); err != nil {
		return scrape.Job{}, fmt.Errorf("unmarshal options: %w", err)
	}

	outcomes, err := s.listOutcomes(ctx, jobID)
	if err != nil {
		return scrape.Job{}, err
	}
	job.Results = outcomes
	return job, nil
}

func (s *JobStore) listOutcomes(ctx context.Context, jobID string) ([]scrape.TargetOutcome, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT target_ref, kind, status, error_kind, error_text, attempts, scraped_at, record
		FROM scrape_outcomes WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select outcomes: %w", err)
	}
	defer rows.Close()

	var out []scrape.TargetOutcome
	for rows.Next() {
		var (
			o                 scrape.TargetOutcome
			kind, st, errKind string
			record            []byte
		)
		if err := rows.Scan(&o.TargetRef, &kind, &st, &errKind, &o.ErrorText, &o.Attempts, &o.ScrapedAt, &record); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Kind = scrape.TargetKind(kind)
		o.Status = scrape.OutcomeStatus(st)
		o.ErrorKind = scrape.ErrorKind(errKind)
		if len(record) > 0 {
			var rec scrape.Record
			if err := json.Unmarshal(record, &rec); err != nil {
				return nil, fmt.Errorf("unmarshal record: %w", err)
			}
			o.Record = &rec
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}

// ListJobs returns job rows newest first without their outcomes.
func (s *JobStore) ListJobs(ctx context.Context, status scrape.JobStatus, limit int) ([]scrape.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, status, targets, options, error_text, total, completed, failed, created_at, updated_at
		FROM scrape_jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, string(status), limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	defer rows.Close()

	var out []scrape.Job
	for rows.Next() {
		var (
			job              scrape.Job
			st               string
			targets, options []byte
		)
		if err := rows.Scan(
			&job.ID, &st, &targets, &options, &job.ErrorText,
			&job.Progress.Total, &job.Progress.Completed, &job.Progress.Failed,
			&job.CreatedAt, &job.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Status = scrape.JobStatus(st)
		if err := json.Unmarshal(targets, &job.Targets); err != nil {
			return nil, fmt.Errorf("unmarshal targets: %w", err)
		}
		if err := json.Unmarshal(options, &job.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// allowedPriors returns the statuses a job may hold before moving to
// next, per the lifecycle graph.
func allowedPriors(next scrape.JobStatus) []string {
	switch next {
	case scrape.JobStatusRunning:
		return []string{string(scrape.JobStatusQueued)}
	case scrape.JobStatusCompleted, scrape.JobStatusFailed, scrape.JobStatusCancelled:
		return []string{string(scrape.JobStatusQueued), string(scrape.JobStatusRunning)}
	default:
		return nil
	}
}

// SetStatus applies a lifecycle transition, guarding the graph in the
// WHERE clause so concurrent writers cannot race past it.
func (s *JobStore) SetStatus(ctx context.Context, jobID string, status scrape.JobStatus, errText string) error {
	priors := allowedPriors(status)
	if priors == nil {
		return scrape.ErrInvalidTransition
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_jobs
		SET status = $2, error_text = CASE WHEN $3 <> '' THEN $3 ELSE error_text END, updated_at = $4
		WHERE id = $1 AND status = ANY($5)`,
		jobID, string(status), errText, time.Now().UTC(), priors,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM scrape_jobs WHERE id = $1)`, jobID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check job: %w", err)
		}
		if !exists {
			return scrape.ErrJobNotFound
		}
		return scrape.ErrInvalidTransition
	}
	return nil
}

// AppendOutcome bumps the progress counters and inserts the outcome
// row in one transaction.
func (s *JobStore) AppendOutcome(ctx context.Context, jobID string, outcome scrape.TargetOutcome) (scrape.Progress, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scrape.Progress{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	completedDelta, failedDelta := 0, 0
	if outcome.Status == scrape.OutcomeOK {
		completedDelta = 1
	} else {
		failedDelta = 1
	}

	var progress scrape.Progress
	err = tx.QueryRow(ctx, `
		UPDATE scrape_jobs
		SET completed = completed + $2, failed = failed + $3, updated_at = $4
		WHERE id = $1 AND status IN ('queued', 'running') AND completed + failed < total
		RETURNING total, completed, failed`,
		jobID, completedDelta, failedDelta, time.Now().UTC(),
	).Scan(&progress.Total, &progress.Completed, &progress.Failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Progress{}, s.classifyAppendFailure(ctx, jobID)
	}
	if err != nil {
		return scrape.Progress{}, fmt.Errorf("update progress: %w", err)
	}

	var record []byte
	if outcome.Record != nil {
		record, err = json.Marshal(outcome.Record)
		if err != nil {
			return scrape.Progress{}, fmt.Errorf("marshal record: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO scrape_outcomes (job_id, target_ref, kind, status, error_kind, error_text, attempts, scraped_at, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		jobID, outcome.TargetRef, string(outcome.Kind), string(outcome.Status),
		string(outcome.ErrorKind), outcome.ErrorText, outcome.Attempts, outcome.ScrapedAt, record,
	)
	if err != nil {
		return scrape.Progress{}, fmt.Errorf("insert outcome: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return scrape.Progress{}, fmt.Errorf("commit tx: %w", err)
	}
	return progress, nil
}

// CancelJob backfills skipped outcomes for targets without one and
// flips the job to cancelled in a single transaction. SELECT FOR
// UPDATE on the job row serializes the cancel against concurrent
// AppendOutcome transactions, which touch the same row first.
func (s *JobStore) CancelJob(ctx context.Context, jobID string, errText string, skip scrape.TargetOutcome) ([]scrape.TargetOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		status  string
		targets []byte
	)
	err = tx.QueryRow(ctx,
		`SELECT status, targets FROM scrape_jobs WHERE id = $1 FOR UPDATE`, jobID,
	).Scan(&status, &targets)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scrape.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	if scrape.JobStatus(status).Terminal() {
		return nil, scrape.ErrJobFinalized
	}
	var targetList []scrape.Target
	if err := json.Unmarshal(targets, &targetList); err != nil {
		return nil, fmt.Errorf("unmarshal targets: %w", err)
	}

	resolved := make(map[string]bool, len(targetList))
	rows, err := tx.Query(ctx,
		`SELECT target_ref FROM scrape_outcomes WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select outcomes: %w", err)
	}
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outcome ref: %w", err)
		}
		resolved[ref] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome refs: %w", err)
	}

	var skipped []scrape.TargetOutcome
	for _, target := range targetList {
		if resolved[target.Raw] {
			continue
		}
		outcome := skip
		outcome.TargetRef = target.Raw
		outcome.Kind = target.Kind
		_, err = tx.Exec(ctx, `
			INSERT INTO scrape_outcomes (job_id, target_ref, kind, status, error_kind, error_text, attempts, scraped_at, record)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			jobID, outcome.TargetRef, string(outcome.Kind), string(outcome.Status),
			string(outcome.ErrorKind), outcome.ErrorText, outcome.Attempts, outcome.ScrapedAt, nil,
		)
		if err != nil {
			return nil, fmt.Errorf("insert skipped outcome: %w", err)
		}
		skipped = append(skipped, outcome)
	}

	_, err = tx.Exec(ctx, `
		UPDATE scrape_jobs
		SET status = $2, error_text = CASE WHEN $3 <> '' THEN $3 ELSE error_text END,
		    failed = failed + $4, updated_at = $5
		WHERE id = $1`,
		jobID, string(scrape.JobStatusCancelled), errText, len(skipped), time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return skipped, nil
}

func (s *JobStore) classifyAppendFailure(ctx context.Context, jobID string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM scrape_jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if scrape.JobStatus(status).Terminal() {
		return scrape.ErrJobFinalized
	}
	return errors.New("outcome count exceeds target count")
}

// DeleteJob removes the job row; outcomes cascade.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scrape_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scrape.ErrJobNotFound
	}
	return nil
}
