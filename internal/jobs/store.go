package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultStaleAfter is how long a job may sit in processing before it is
// presumed crashed and reclassified stale on inspection.
const DefaultStaleAfter = 30 * time.Minute

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	job_type         TEXT NOT NULL,
	status           TEXT NOT NULL,
	payload          TEXT,
	result           TEXT,
	error            TEXT NOT NULL DEFAULT '',
	org_id           TEXT NOT NULL DEFAULT '',
	created_by       TEXT NOT NULL DEFAULT '',
	attempts         INTEGER NOT NULL DEFAULT 0,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	started_at       DATETIME,
	completed_at     DATETIME
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (status, job_type, org_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_created_by ON jobs (created_by, created_at);

CREATE TABLE IF NOT EXISTS job_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	level      TEXT NOT NULL,
	message    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events (job_id, seq);

CREATE TABLE IF NOT EXISTS quotas (
	user_id      TEXT PRIMARY KEY,
	hourly_limit INTEGER NOT NULL,
	daily_limit  INTEGER NOT NULL
);
`

// Store is the durable job record store. All coordination between workers
// happens through single-row conditional updates against this store.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	staleAfter time.Duration
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStaleAfter overrides the staleness threshold.
func WithStaleAfter(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// Open opens (creating if necessary) the job database at path.
// Use ":memory:" for an ephemeral store in tests.
func Open(path string, logger *slog.Logger, opts ...StoreOption) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&loc=UTC", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open job database: %w", err)
	}

	if _, err := db.Exec(jobsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply job schema: %w", err)
	}

	s := &Store{
		db:         db,
		logger:     logger.With("component", "jobstore"),
		staleAfter: DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so sibling stores (skeletons, section
// contents) can share the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// StaleAfter returns the configured staleness threshold.
func (s *Store) StaleAfter() time.Duration {
	return s.staleAfter
}

// Enqueue creates a new queued job record, assigning its id and creation time.
func (s *Store) Enqueue(ctx context.Context, rec *Record) (*Record, error) {
	if _, err := ParseJobType(string(rec.JobType)); err != nil {
		return nil, err
	}

	rec.ID = uuid.NewString()
	rec.Status = StatusQueued
	rec.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, status, payload, org_id, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.JobType), string(rec.Status), nullableJSON(rec.Payload),
		rec.OrgID, rec.CreatedBy, rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info("job enqueued", "id", rec.ID, "type", rec.JobType, "org", rec.OrgID)
	s.LogEvent(ctx, rec.ID, "info", "enqueued")
	return rec, nil
}

// Get returns a job record by id. A processing job whose startedAt is older
// than the staleness threshold is reclassified stale before being returned.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	s.reclassifyStale(ctx)
	return s.getRow(ctx, id)
}

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Status  Status
	JobType JobType
	OrgID   string
	Since   time.Time
	Limit   int
}

// List returns job records matching the filter, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Record, error) {
	s.reclassifyStale(ctx)

	query := `SELECT ` + recordColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.JobType != "" {
		query += ` AND job_type = ?`
		args = append(args, string(f.JobType))
	}
	if f.OrgID != "" {
		query += ` AND org_id = ?`
		args = append(args, f.OrgID)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindJob returns the newest job of a type in an organization whose payload
// fields equal the given values, or nil when none matches. Matching happens
// in SQL so the lookup stays exact regardless of how many jobs the
// organization has accumulated.
func (s *Store) FindJob(ctx context.Context, jobType JobType, orgID string, fields map[string]any) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM jobs WHERE job_type = ? AND org_id = ?`
	args := []any{string(jobType), orgID}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		query += ` AND json_extract(payload, '$.` + k + `') = ?`
		args = append(args, fields[k])
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job: %w", err)
	}
	return rec, nil
}

// ClaimNext atomically claims the oldest queued job of the given type for the
// organization. Returns (nil, nil) when nothing is claimable; callers must
// treat that as idle, not failure.
func (s *Store) ClaimNext(ctx context.Context, jobType JobType, orgID string) (*Record, error) {
	s.reclassifyStale(ctx)

	// Candidate selection and the conditional update are separate statements,
	// so two claimers may race to the same candidate. The status guard on the
	// UPDATE ensures only one wins; the loser re-selects.
	for i := 0; i < 3; i++ {
		var id string
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE status = ? AND job_type = ? AND org_id = ?
			ORDER BY created_at ASC, id ASC LIMIT 1`,
			string(StatusQueued), string(jobType), orgID,
		).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select claimable job: %w", err)
		}

		rec, err := s.tryClaim(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, nil
}

// Claim atomically claims the exact job id if and only if it is queued.
// Returns ErrNotClaimable when the job exists but is not queued.
func (s *Store) Claim(ctx context.Context, id string) (*Record, error) {
	s.reclassifyStale(ctx)

	rec, err := s.tryClaim(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		if _, err := s.getRow(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotClaimable
	}
	return rec, nil
}

// tryClaim performs the conditional queued->processing transition. Returns
// nil (no error) when the job was not queued at update time.
func (s *Store) tryClaim(ctx context.Context, id string) (*Record, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusProcessing), now, id, string(StatusQueued),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	rec, err := s.getRow(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("job claimed", "id", id, "type", rec.JobType)
	return rec, nil
}

// Complete marks a processing job done with the given result.
func (s *Store) Complete(ctx context.Context, id string, result json.RawMessage) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result = ?, error = '', completed_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusDone), nullableJSON(result), now, id, string(StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if err := requireAffected(res, id); err != nil {
		return err
	}
	s.logger.Info("job done", "id", id)
	s.LogEvent(ctx, id, "info", "done")
	return nil
}

// Fail marks a processing job failed (or dead_letter) with the given reason.
// Attempts counts failures, not claims: continuations do not consume the
// retry budget, only failed steps do.
func (s *Store) Fail(ctx context.Context, id string, status Status, reason string) error {
	if status != StatusFailed && status != StatusDeadLetter {
		return fmt.Errorf("invalid failure status %q", status)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, completed_at = ?, attempts = attempts + 1
		WHERE id = ? AND status = ?`,
		string(status), reason, now, id, string(StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	if err := requireAffected(res, id); err != nil {
		return err
	}
	s.logger.Warn("job failed", "id", id, "status", status, "reason", reason)
	s.LogEvent(ctx, id, "error", string(status)+": "+reason)
	return nil
}

// Continue re-queues a processing job with an updated payload. This is the
// continuation path: the job re-enters the queue instead of looping in-process
// so that no single invocation exceeds its execution budget.
func (s *Store) Continue(ctx context.Context, id string, payload json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, payload = ?, started_at = NULL
		WHERE id = ? AND status = ?`,
		string(StatusQueued), nullableJSON(payload), id, string(StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("failed to continue job: %w", err)
	}
	if err := requireAffected(res, id); err != nil {
		return err
	}
	s.LogEvent(ctx, id, "info", "continuation queued")
	return nil
}

// Requeue resets a failed, stale, or dead_letter job back to queued with a
// cleared error. The failure count survives requeue from failed or stale, so
// a job that keeps failing still reaches dead_letter; requeue from
// dead_letter is explicit human intervention and grants a fresh budget.
func (s *Store) Requeue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, error = '', result = NULL,
		    attempts = CASE WHEN status = ? THEN 0 ELSE attempts END,
		    cancel_requested = 0, started_at = NULL, completed_at = NULL
		WHERE id = ? AND status IN (?, ?, ?)`,
		string(StatusQueued), string(StatusDeadLetter), id,
		string(StatusFailed), string(StatusStale), string(StatusDeadLetter),
	)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.getRow(ctx, id); err != nil {
			return err
		}
		return ErrNotRequeueable
	}
	s.logger.Info("job requeued", "id", id)
	s.LogEvent(ctx, id, "info", "requeued")
	return nil
}

// RequestCancel sets the cancellation flag. The flag is consulted at the start
// of each step; there is no mid-step preemption.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	if err := requireAffected(res, id); err != nil {
		return err
	}
	s.LogEvent(ctx, id, "warn", "cancellation requested")
	return nil
}

// Delete removes a job record and its events. Administrative only; the
// orchestrator never deletes tickets.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if err := requireAffected(res, id); err != nil {
		return err
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM job_events WHERE job_id = ?`, id)
	return nil
}

// LogEvent appends a durable event line to a job's trail. Event logging is
// best-effort: a failure here never fails the operation that produced it.
func (s *Store) LogEvent(ctx context.Context, jobID, level, message string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (job_id, created_at, level, message)
		VALUES (?, ?, ?, ?)`,
		jobID, time.Now().UTC(), level, message,
	)
	if err != nil {
		s.logger.Warn("failed to record job event", "job_id", jobID, "error", err)
	}
}

// Events returns the most recent events for a job, oldest first.
func (s *Store) Events(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, job_id, created_at, level, message
		FROM (
			SELECT seq, job_id, created_at, level, message
			FROM job_events WHERE job_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list job events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Seq, &ev.JobID, &ev.CreatedAt, &ev.Level, &ev.Message); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// reclassifyStale moves crashed-looking jobs from processing to stale.
// Called opportunistically on read paths; failures are logged and ignored.
func (s *Store) reclassifyStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
		string(StatusStale), string(StatusProcessing), cutoff,
	)
	if err != nil {
		s.logger.Warn("stale reclassification failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Warn("reclassified stale jobs", "count", n)
	}
}

const recordColumns = `id, job_type, status, payload, result, error, org_id,
	created_by, attempts, cancel_requested, created_at, started_at, completed_at`

func (s *Store) getRow(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec             Record
		jobType, status string
		payload, result sql.NullString
		started, done   sql.NullTime
		cancel          int
	)
	err := row.Scan(
		&rec.ID, &jobType, &status, &payload, &result, &rec.Error,
		&rec.OrgID, &rec.CreatedBy, &rec.Attempts, &cancel,
		&rec.CreatedAt, &started, &done,
	)
	if err != nil {
		return nil, err
	}
	rec.JobType = JobType(jobType)
	rec.Status = Status(status)
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	rec.CancelRequested = cancel != 0
	if started.Valid {
		t := started.Time.UTC()
		rec.StartedAt = &t
	}
	if done.Valid {
		t := done.Time.UTC()
		rec.CompletedAt = &t
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}
