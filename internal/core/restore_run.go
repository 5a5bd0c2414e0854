package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/echoport/echoport/internal/model"
)

const restoreRunColumns = `id, backup_run_id, target_id, status, trigger, triggered_by,
	job_id, files_restored, error_message, logs, started_at, finished_at`

// RestoreRunStore is the persistence layer for restore runs.
type RestoreRunStore struct {
	db DB
}

func NewRestoreRunStore(db DB) *RestoreRunStore {
	return &RestoreRunStore{db: db}
}

// WithDB returns a store bound to the given DB, typically a transaction.
func (s *RestoreRunStore) WithDB(db DB) *RestoreRunStore {
	return &RestoreRunStore{db: db}
}

// CreatePending inserts a pending restore run. If another restore for the
// target is pending or running, returns ErrConcurrentOperation.
func (s *RestoreRunStore) CreatePending(ctx context.Context, run *model.RestoreRun) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO restore_runs (id, backup_run_id, target_id, status, trigger, triggered_by, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.BackupRunID, run.TargetID, model.RunPending, run.Trigger,
		run.TriggeredBy, run.StartedAt,
	)
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			return ErrConcurrentOperation
		}
		return fmt.Errorf("insert restore run: %w", err)
	}
	run.Status = model.RunPending
	return nil
}

func (s *RestoreRunStore) GetByID(ctx context.Context, id string) (*model.RestoreRun, error) {
	var r model.RestoreRun
	err := s.db.QueryRow(ctx,
		`SELECT `+restoreRunColumns+` FROM restore_runs WHERE id = $1`, id,
	).Scan(
		&r.ID, &r.BackupRunID, &r.TargetID, &r.Status, &r.Trigger, &r.TriggeredBy,
		&r.JobID, &r.FilesRestored, &r.ErrorMessage, &r.Logs, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get restore run %s: %w", id, err)
	}
	return &r, nil
}

// ActiveByTarget returns the pending or running restore for the target, or nil.
func (s *RestoreRunStore) ActiveByTarget(ctx context.Context, targetID string) (*model.RestoreRun, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+restoreRunColumns+` FROM restore_runs
		 WHERE target_id = $1 AND status IN ($2, $3) ORDER BY started_at DESC LIMIT 1`,
		targetID, model.RunPending, model.RunRunning)
	if err != nil {
		return nil, fmt.Errorf("get active restore: %w", err)
	}
	defer rows.Close()

	var restores []model.RestoreRun
	for rows.Next() {
		var r model.RestoreRun
		if err := rows.Scan(
			&r.ID, &r.BackupRunID, &r.TargetID, &r.Status, &r.Trigger, &r.TriggeredBy,
			&r.JobID, &r.FilesRestored, &r.ErrorMessage, &r.Logs, &r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan restore run: %w", err)
		}
		restores = append(restores, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate restore runs: %w", err)
	}
	if len(restores) == 0 {
		return nil, nil
	}
	return &restores[0], nil
}

// ExistsForBackupRun reports whether any restore run, of any outcome,
// references the backup run.
func (s *RestoreRunStore) ExistsForBackupRun(ctx context.Context, backupRunID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM restore_runs WHERE backup_run_id = $1)`,
		backupRunID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check restores for backup run %s: %w", backupRunID, err)
	}
	return exists, nil
}

// MarkRunning records the job id and moves the restore to running.
func (s *RestoreRunStore) MarkRunning(ctx context.Context, id string, jobID int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE restore_runs SET status = $1, job_id = $2 WHERE id = $3`,
		model.RunRunning, jobID, id)
	if err != nil {
		return fmt.Errorf("mark restore run %s running: %w", id, err)
	}
	return nil
}

// MarkSuccess finishes the restore as success with the restored file count.
func (s *RestoreRunStore) MarkSuccess(ctx context.Context, id, logs string, filesRestored int) error {
	_, err := s.db.Exec(ctx,
		`UPDATE restore_runs SET status = $1, logs = $2, files_restored = $3, finished_at = now()
		 WHERE id = $4`,
		model.RunSuccess, logs, filesRestored, id)
	if err != nil {
		return fmt.Errorf("mark restore run %s success: %w", id, err)
	}
	return nil
}

// MarkFailed finishes the restore as failed, optionally with collected logs.
func (s *RestoreRunStore) MarkFailed(ctx context.Context, id, logs, errorMessage string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE restore_runs SET status = $1, logs = CASE WHEN $2 <> '' THEN $2 ELSE logs END,
		 error_message = $3, finished_at = now() WHERE id = $4`,
		model.RunFailed, logs, errorMessage, id)
	if err != nil {
		return fmt.Errorf("mark restore run %s failed: %w", id, err)
	}
	return nil
}

// MarkTimeout finishes the restore as timed out.
func (s *RestoreRunStore) MarkTimeout(ctx context.Context, id, errorMessage string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE restore_runs SET status = $1, error_message = $2, finished_at = now() WHERE id = $3`,
		model.RunTimeout, errorMessage, id)
	if err != nil {
		return fmt.Errorf("mark restore run %s timeout: %w", id, err)
	}
	return nil
}
