package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/echoport/echoport/internal/model"
	"github.com/echoport/echoport/internal/runner"
)

const backupRunColumns = `id, target_id, status, trigger, triggered_by, job_id,
	storage_bucket, storage_key, size_bytes, checksum_sha256, file_count,
	error_message, logs, started_at, finished_at`

// BackupRunStore is the persistence layer for backup runs. The partial
// unique index on (target_id) WHERE status IN ('pending','running') makes
// CreatePending the concurrency gate.
type BackupRunStore struct {
	db DB
}

func NewBackupRunStore(db DB) *BackupRunStore {
	return &BackupRunStore{db: db}
}

// WithDB returns a store bound to the given DB, typically a transaction.
func (s *BackupRunStore) WithDB(db DB) *BackupRunStore {
	return &BackupRunStore{db: db}
}

// CreatePending inserts a pending run. If another run for the target is
// pending or running, returns ErrConcurrentOperation.
func (s *BackupRunStore) CreatePending(ctx context.Context, run *model.BackupRun) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO backup_runs (id, target_id, status, trigger, triggered_by, storage_bucket, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.TargetID, model.RunPending, run.Trigger, run.TriggeredBy,
		run.StorageBucket, run.StartedAt,
	)
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			return ErrConcurrentOperation
		}
		return fmt.Errorf("insert backup run: %w", err)
	}
	run.Status = model.RunPending
	return nil
}

func (s *BackupRunStore) GetByID(ctx context.Context, id string) (*model.BackupRun, error) {
	var r model.BackupRun
	err := s.db.QueryRow(ctx,
		`SELECT `+backupRunColumns+` FROM backup_runs WHERE id = $1`, id,
	).Scan(
		&r.ID, &r.TargetID, &r.Status, &r.Trigger, &r.TriggeredBy, &r.JobID,
		&r.StorageBucket, &r.StorageKey, &r.SizeBytes, &r.ChecksumSHA256, &r.FileCount,
		&r.ErrorMessage, &r.Logs, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get backup run %s: %w", id, err)
	}
	return &r, nil
}

// ActiveByTarget returns the pending or running run for the target, or nil.
func (s *BackupRunStore) ActiveByTarget(ctx context.Context, targetID string) (*model.BackupRun, error) {
	return s.first(ctx,
		`SELECT `+backupRunColumns+` FROM backup_runs
		 WHERE target_id = $1 AND status IN ($2, $3) ORDER BY started_at DESC`,
		targetID, model.RunPending, model.RunRunning)
}

// LastRun returns the most recent run for the target, or nil.
func (s *BackupRunStore) LastRun(ctx context.Context, targetID string) (*model.BackupRun, error) {
	return s.first(ctx,
		`SELECT `+backupRunColumns+` FROM backup_runs
		 WHERE target_id = $1 ORDER BY started_at DESC`, targetID)
}

// LastSuccess returns the most recent successful run for the target, or nil.
func (s *BackupRunStore) LastSuccess(ctx context.Context, targetID string) (*model.BackupRun, error) {
	return s.first(ctx,
		`SELECT `+backupRunColumns+` FROM backup_runs
		 WHERE target_id = $1 AND status = $2 ORDER BY started_at DESC`,
		targetID, model.RunSuccess)
}

// LastScheduled returns the most recent scheduled-trigger run (any status)
// for the target, or nil. The scheduler's due check compares its start time
// against the previous cron firing.
func (s *BackupRunStore) LastScheduled(ctx context.Context, targetID string) (*model.BackupRun, error) {
	return s.first(ctx,
		`SELECT `+backupRunColumns+` FROM backup_runs
		 WHERE target_id = $1 AND trigger = $2 ORDER BY started_at DESC`,
		targetID, model.TriggerScheduled)
}

func (s *BackupRunStore) first(ctx context.Context, query string, args ...any) (*model.BackupRun, error) {
	runs, err := s.list(ctx, query+` LIMIT 1`, args...)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// ListByTarget returns the most recent runs for a target, newest first.
func (s *BackupRunStore) ListByTarget(ctx context.Context, targetID string, limit int) ([]model.BackupRun, error) {
	return s.list(ctx,
		`SELECT `+backupRunColumns+` FROM backup_runs
		 WHERE target_id = $1 ORDER BY started_at DESC LIMIT $2`,
		targetID, limit)
}

// EligibleForRetention returns success runs finished before the cutoff with
// no restore runs referencing them, oldest first. Runs with restores are
// excluded outright: the restrictive foreign key would block their deletion
// anyway, and a failed restore is still evidence worth keeping.
func (s *BackupRunStore) EligibleForRetention(ctx context.Context, targetID string, cutoff time.Time) ([]model.BackupRun, error) {
	return s.list(ctx,
		`SELECT `+backupRunColumns+` FROM backup_runs b
		 WHERE b.target_id = $1 AND b.status = $2 AND b.finished_at < $3
		   AND NOT EXISTS (SELECT 1 FROM restore_runs r WHERE r.backup_run_id = b.id)
		 ORDER BY b.finished_at`,
		targetID, model.RunSuccess, cutoff)
}

func (s *BackupRunStore) list(ctx context.Context, query string, args ...any) ([]model.BackupRun, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backup runs: %w", err)
	}
	defer rows.Close()

	var runs []model.BackupRun
	for rows.Next() {
		var r model.BackupRun
		if err := rows.Scan(
			&r.ID, &r.TargetID, &r.Status, &r.Trigger, &r.TriggeredBy, &r.JobID,
			&r.StorageBucket, &r.StorageKey, &r.SizeBytes, &r.ChecksumSHA256, &r.FileCount,
			&r.ErrorMessage, &r.Logs, &r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan backup run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup runs: %w", err)
	}
	return runs, nil
}

// MarkRunning records the job id and moves the run to running.
func (s *BackupRunStore) MarkRunning(ctx context.Context, id string, jobID int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE backup_runs SET status = $1, job_id = $2 WHERE id = $3`,
		model.RunRunning, jobID, id)
	if err != nil {
		return fmt.Errorf("mark backup run %s running: %w", id, err)
	}
	return nil
}

// MarkSuccess finishes the run as success. When result is non-nil its
// key/size/checksum/file count are copied onto the run; a nil result leaves
// them empty (the job completed without emitting the result contract).
func (s *BackupRunStore) MarkSuccess(ctx context.Context, id, logs string, result *runner.Result) error {
	var err error
	if result != nil {
		_, err = s.db.Exec(ctx,
			`UPDATE backup_runs SET status = $1, logs = $2, storage_key = $3, size_bytes = $4,
			 checksum_sha256 = $5, file_count = $6, finished_at = now() WHERE id = $7`,
			model.RunSuccess, logs, result.Key, result.SizeBytes, result.ChecksumSHA256,
			result.FileCount, id)
	} else {
		_, err = s.db.Exec(ctx,
			`UPDATE backup_runs SET status = $1, logs = $2, finished_at = now() WHERE id = $3`,
			model.RunSuccess, logs, id)
	}
	if err != nil {
		return fmt.Errorf("mark backup run %s success: %w", id, err)
	}
	return nil
}

// MarkFailed finishes the run as failed, optionally with the collected logs.
func (s *BackupRunStore) MarkFailed(ctx context.Context, id, logs, errorMessage string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE backup_runs SET status = $1, logs = CASE WHEN $2 <> '' THEN $2 ELSE logs END,
		 error_message = $3, finished_at = now() WHERE id = $4`,
		model.RunFailed, logs, errorMessage, id)
	if err != nil {
		return fmt.Errorf("mark backup run %s failed: %w", id, err)
	}
	return nil
}

// MarkTimeout finishes the run as timed out.
func (s *BackupRunStore) MarkTimeout(ctx context.Context, id, errorMessage string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE backup_runs SET status = $1, error_message = $2, finished_at = now() WHERE id = $3`,
		model.RunTimeout, errorMessage, id)
	if err != nil {
		return fmt.Errorf("mark backup run %s timeout: %w", id, err)
	}
	return nil
}

// Delete removes the run. A restore run referencing it makes the delete fail
// on the restrictive foreign key, regardless of that restore's outcome.
func (s *BackupRunStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM backup_runs WHERE id = $1`, id)
	if err != nil {
		if isPgError(err, pgFKViolation) {
			return fmt.Errorf("backup run %s has restore runs: %w", id, err)
		}
		return fmt.Errorf("delete backup run %s: %w", id, err)
	}
	return nil
}

// RunFailure is a redacted failure event for the health endpoint: timestamp
// and status only, never error text.
type RunFailure struct {
	Target    string    `json:"target"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"at"`
}

// RecentFailures returns failed/timeout runs of active targets since the
// given time, newest first, capped at limit.
func (s *BackupRunStore) RecentFailures(ctx context.Context, since time.Time, limit int) ([]RunFailure, error) {
	rows, err := s.db.Query(ctx,
		`SELECT t.name, b.status, b.started_at
		 FROM backup_runs b JOIN targets t ON t.id = b.target_id
		 WHERE t.status = $1 AND b.status IN ($2, $3) AND b.started_at >= $4
		 ORDER BY b.started_at DESC LIMIT $5`,
		model.TargetActive, model.RunFailed, model.RunTimeout, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent failures: %w", err)
	}
	defer rows.Close()

	var failures []RunFailure
	for rows.Next() {
		var f RunFailure
		if err := rows.Scan(&f.Target, &f.Status, &f.StartedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return failures, nil
}
