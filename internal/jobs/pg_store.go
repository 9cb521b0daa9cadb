package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeline/jobsync/pkg/types"
)

// Schema creates the tables PgStore expects
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	kind           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	progress       INTEGER NOT NULL DEFAULT 0,
	params         JSONB,
	result         JSONB,
	error_message  TEXT,
	error_producer TEXT,
	retry_of       TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs (owner_id, created_at DESC);

CREATE TABLE IF NOT EXISTS job_progress (
	id        BIGSERIAL PRIMARY KEY,
	job_id    TEXT NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
	ts        TIMESTAMPTZ NOT NULL,
	producer  TEXT NOT NULL,
	phase     TEXT NOT NULL,
	message   TEXT NOT NULL,
	UNIQUE (job_id, ts, producer, phase, message)
);
`

const (
	listLimit = 100

	jobColumns = `id, owner_id, kind, status, progress, params, result, error_message, error_producer,
		COALESCE(retry_of, ''), created_at, updated_at`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore manages job state in PostgreSQL
type PgStore struct {
	pool      *pgxpool.Pool
	listeners *listeners
	retention time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewPgStore creates a new PostgreSQL-backed job store. Finished jobs older
// than retention are deleted in the background; zero disables cleanup.
func NewPgStore(ctx context.Context, connString string, retention time.Duration) (*PgStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Configure connection pool
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	storeCtx, cancel := context.WithCancel(ctx)

	s := &PgStore{
		pool:      pool,
		listeners: newListeners(),
		retention: retention,
		ctx:       storeCtx,
		cancel:    cancel,
	}

	if retention > 0 {
		go s.cleanupFinishedJobs()
	}

	return s, nil
}

// Close closes the database connection pool
func (s *PgStore) Close() {
	s.cancel()
	s.listeners.closeAll()
	s.pool.Close()
}

// Create creates a new job
func (s *PgStore) Create(job *types.Job) error {
	if err := prepareNew(job); err != nil {
		return err
	}
	if err := s.insert(s.pool, job); err != nil {
		return err
	}
	s.listeners.notify(job, types.JobUpdate{JobID: job.ID, Status: types.JobStatusPending, Timestamp: job.CreatedAt})
	return nil
}

func (s *PgStore) insert(db querier, job *types.Job) error {
	_, err := db.Exec(s.ctx, `
		INSERT INTO jobs (id, owner_id, kind, status, progress, params, retry_of, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
	`,
		job.ID,
		job.OwnerID,
		job.Kind,
		job.Status,
		job.Progress,
		nullableJSON(job.Params),
		job.RetryOf,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID
func (s *PgStore) Get(id string) (*types.Job, error) {
	return s.get(s.pool, id, false)
}

func (s *PgStore) get(db querier, id string, forUpdate bool) (*types.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	job, err := scanJob(db.QueryRow(s.ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &types.NotFoundError{JobID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	logs, err := s.loadProgress(db, []string{id})
	if err != nil {
		return nil, err
	}
	job.ProgressLog = logs[id]

	return job, nil
}

// List returns an owner's most recent jobs, newest first
func (s *PgStore) List(ownerID string) ([]*types.Job, error) {
	rows, err := s.pool.Query(s.ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, listLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	result := make([]*types.Job, 0)
	ids := make([]string, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		result = append(result, job)
		ids = append(ids, job.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	logs, err := s.loadProgress(s.pool, ids)
	if err != nil {
		return nil, err
	}
	for _, job := range result {
		job.ProgressLog = logs[job.ID]
	}

	return result, nil
}

// Update updates a job's status
func (s *PgStore) Update(update types.JobUpdate) error {
	return s.apply(update, true)
}

// UpdateProgress updates job progress (more frequent, lighter update)
func (s *PgStore) UpdateProgress(update types.JobUpdate) error {
	return s.apply(update, false)
}

func (s *PgStore) apply(update types.JobUpdate, allowTerminal bool) error {
	tx, err := s.pool.Begin(s.ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(s.ctx)

	job, err := s.get(tx, update.JobID, true)
	if err != nil {
		return err
	}

	appended, err := applyUpdate(job, &update, allowTerminal)
	if err != nil {
		return err
	}

	var errMessage, errProducer *string
	if job.Error != nil {
		errMessage = &job.Error.Message
		errProducer = &job.Error.Producer
	}

	_, err = tx.Exec(s.ctx, `
		UPDATE jobs
		SET status = $1,
		    progress = $2,
		    result = COALESCE($3, result),
		    error_message = COALESCE($4, error_message),
		    error_producer = COALESCE($5, error_producer),
		    updated_at = $6
		WHERE id = $7
	`,
		job.Status,
		job.Progress,
		nullableJSON(job.Result),
		errMessage,
		errProducer,
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	if appended {
		_, err = tx.Exec(s.ctx, `
			INSERT INTO job_progress (job_id, ts, producer, phase, message)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING
		`,
			job.ID,
			update.Entry.Timestamp,
			update.Entry.Producer,
			update.Entry.Phase,
			update.Entry.Message,
		)
		if err != nil {
			return fmt.Errorf("failed to insert progress entry: %w", err)
		}
	}

	if err := tx.Commit(s.ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.listeners.notify(job, update)
	return nil
}

// Cancel moves a job to cancelled. Terminal jobs are left alone.
func (s *PgStore) Cancel(id string) error {
	err := s.apply(types.JobUpdate{JobID: id, Status: types.JobStatusCancelled, Timestamp: time.Now()}, true)
	if errors.Is(err, ErrTerminal) {
		return nil
	}
	return err
}

// Retry creates a fresh job derived from a failed one
func (s *PgStore) Retry(id string) (*types.Job, error) {
	tx, err := s.pool.Begin(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(s.ctx)

	original, err := s.get(tx, id, true)
	if err != nil {
		return nil, err
	}

	retry, err := deriveRetry(original)
	if err != nil {
		return nil, err
	}

	if err := s.insert(tx, retry); err != nil {
		return nil, err
	}

	if err := tx.Commit(s.ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.listeners.notify(retry, types.JobUpdate{JobID: retry.ID, Status: types.JobStatusPending, Timestamp: retry.CreatedAt})
	return retry, nil
}

// Subscribe creates a listener channel for job updates
func (s *PgStore) Subscribe(jobID string) chan types.JobUpdate {
	return s.listeners.subscribe(jobID)
}

// Unsubscribe removes a listener channel
func (s *PgStore) Unsubscribe(jobID string, ch chan types.JobUpdate) {
	s.listeners.unsubscribe(jobID, ch)
}

// Watch creates a listener for all job changes
func (s *PgStore) Watch() chan Change {
	return s.listeners.watch()
}

// Unwatch removes a change listener
func (s *PgStore) Unwatch(ch chan Change) {
	s.listeners.unwatch(ch)
}

// IsActive checks if a job is still active
func (s *PgStore) IsActive(jobID string) bool {
	var status types.JobStatus
	err := s.pool.QueryRow(s.ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		return false
	}
	return !status.IsTerminal()
}

func (s *PgStore) loadProgress(db querier, ids []string) (map[string][]types.ProgressEntry, error) {
	logs := make(map[string][]types.ProgressEntry, len(ids))
	if len(ids) == 0 {
		return logs, nil
	}

	rows, err := db.Query(s.ctx, `
		SELECT job_id, ts, producer, phase, message
		FROM job_progress
		WHERE job_id = ANY($1)
		ORDER BY id ASC
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var jobID string
		var entry types.ProgressEntry
		if err := rows.Scan(&jobID, &entry.Timestamp, &entry.Producer, &entry.Phase, &entry.Message); err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		logs[jobID] = append(logs[jobID], entry)
	}

	return logs, rows.Err()
}

// cleanupFinishedJobs periodically removes terminal jobs past the retention window
func (s *PgStore) cleanupFinishedJobs() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.retention)
			tag, err := s.pool.Exec(s.ctx, `
				DELETE FROM jobs
				WHERE status IN ('completed', 'failed', 'cancelled')
				AND updated_at < $1
			`, cutoff)
			if err != nil {
				slog.Error("Failed to clean up finished jobs", "error", err)
				continue
			}
			slog.Debug("Cleaned up finished jobs", "deleted", tag.RowsAffected())
		}
	}
}

func scanJob(row pgx.Row) (*types.Job, error) {
	var job types.Job
	var params, result []byte
	var errMessage, errProducer *string

	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Kind,
		&job.Status,
		&job.Progress,
		&params,
		&result,
		&errMessage,
		&errProducer,
		&job.RetryOf,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Params = params
	job.Result = result
	if errMessage != nil {
		job.Error = &types.JobError{Message: *errMessage}
		if errProducer != nil {
			job.Error.Producer = *errProducer
		}
	}

	return &job, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
