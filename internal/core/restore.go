package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/echoport/echoport/internal/metrics"
	"github.com/echoport/echoport/internal/model"
	"github.com/echoport/echoport/internal/platform"
	"github.com/echoport/echoport/internal/runner"
)

// RestoreOrchestrator drives a restore run against a previously completed
// backup. Restores are stricter than backups on both ends: the source run
// must be a verified success with a checksum, and a job that finishes
// without reporting a result is treated as a failure because the state of
// the restored service is unknown.
type RestoreOrchestrator struct {
	db           TxDB
	backups      *BackupRunStore
	restores     *RestoreRunStore
	jobs         JobRunner
	pollInterval time.Duration
	rowLocks     bool
	logger       zerolog.Logger
}

func NewRestoreOrchestrator(db TxDB, backups *BackupRunStore, restores *RestoreRunStore, jobs JobRunner, pollInterval time.Duration, rowLocks bool, logger zerolog.Logger) *RestoreOrchestrator {
	return &RestoreOrchestrator{
		db:           db,
		backups:      backups,
		restores:     restores,
		jobs:         jobs,
		pollInterval: pollInterval,
		rowLocks:     rowLocks,
		logger:       logger.With().Str("component", "restore-orchestrator").Logger(),
	}
}

// RestoreOptions controls how a restore run is created.
type RestoreOptions struct {
	TriggeredBy string
	// ExistingRun continues a pre-created pending run. When preconditions
	// fail, the supplied run is marked failed before the error returns, so
	// no pending row is stranded.
	ExistingRun *model.RestoreRun
}

// Run executes one restore of backupRun onto its target. The returned run
// reflects the final persisted state whenever one exists.
func (o *RestoreOrchestrator) Run(ctx context.Context, target *model.Target, backupRun *model.BackupRun, opts RestoreOptions) (*model.RestoreRun, error) {
	if backupRun.TargetID != target.ID {
		return nil, o.failPrecondition(ctx, opts.ExistingRun,
			fmt.Errorf("backup run %s belongs to target %s, not %q", backupRun.ID, backupRun.TargetID, target.Name))
	}
	if backupRun.Status != model.RunSuccess {
		return nil, o.failPrecondition(ctx, opts.ExistingRun,
			fmt.Errorf("backup run %s has status %q: %w", backupRun.ID, backupRun.Status, ErrNotRestorable))
	}
	if backupRun.ChecksumSHA256 == "" {
		return nil, o.failPrecondition(ctx, opts.ExistingRun,
			fmt.Errorf("backup run %s has no checksum: %w", backupRun.ID, ErrMissingChecksum))
	}

	run, err := o.prepareRun(ctx, target, backupRun, opts)
	if err != nil {
		return nil, err
	}

	if err := o.execute(ctx, target, backupRun, run); err != nil {
		final, getErr := o.restores.GetByID(ctx, run.ID)
		if getErr != nil {
			return nil, err
		}
		return final, err
	}

	return o.restores.GetByID(ctx, run.ID)
}

// prepareRun creates or validates the pending restore run. The critical
// section runs in a transaction holding the target row lock so the
// no-concurrent-backup check and the run insert are atomic. With row locks
// disabled the check is best effort and the partial unique index remains
// the only hard guarantee against two concurrent restores.
func (o *RestoreOrchestrator) prepareRun(ctx context.Context, target *model.Target, backupRun *model.BackupRun, opts RestoreOptions) (*model.RestoreRun, error) {
	if opts.ExistingRun != nil {
		run := opts.ExistingRun
		if run.TargetID != target.ID {
			return nil, fmt.Errorf("restore run %s belongs to target %s, not %q", run.ID, run.TargetID, target.Name)
		}
		if run.BackupRunID != backupRun.ID {
			return nil, fmt.Errorf("restore run %s restores backup %s, not %s", run.ID, run.BackupRunID, backupRun.ID)
		}
		if run.Status != model.RunPending {
			return nil, fmt.Errorf("restore run %s has status %q, expected %q", run.ID, run.Status, model.RunPending)
		}
	}

	if !o.rowLocks {
		return o.prepareRunLockless(ctx, target, backupRun, opts)
	}

	tx, err := o.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin restore transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockTarget(ctx, tx, target.ID); err != nil {
		if errors.Is(err, ErrTargetLocked) {
			return nil, o.failPrecondition(ctx, opts.ExistingRun,
				fmt.Errorf("target %q: %w", target.Name, err))
		}
		return nil, err
	}

	active, err := o.backups.WithDB(tx).ActiveByTarget(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, o.failPrecondition(ctx, opts.ExistingRun,
			fmt.Errorf("backup run %s is active for target %q: %w", active.ID, target.Name, ErrConcurrentBackup))
	}

	run := opts.ExistingRun
	if run == nil {
		run = o.newRun(target, backupRun, opts)
		if err := o.restores.WithDB(tx).CreatePending(ctx, run); err != nil {
			if errors.Is(err, ErrConcurrentOperation) {
				return nil, fmt.Errorf("restore already active for target %q: %w", target.Name, err)
			}
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit restore transaction: %w", err)
	}

	o.logger.Info().Str("restore_id", run.ID).Str("target", target.Name).Str("backup_run_id", backupRun.ID).Msg("created restore run")
	return run, nil
}

func (o *RestoreOrchestrator) prepareRunLockless(ctx context.Context, target *model.Target, backupRun *model.BackupRun, opts RestoreOptions) (*model.RestoreRun, error) {
	active, err := o.backups.ActiveByTarget(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, o.failPrecondition(ctx, opts.ExistingRun,
			fmt.Errorf("backup run %s is active for target %q: %w", active.ID, target.Name, ErrConcurrentBackup))
	}

	if opts.ExistingRun != nil {
		return opts.ExistingRun, nil
	}

	run := o.newRun(target, backupRun, opts)
	if err := o.restores.CreatePending(ctx, run); err != nil {
		if errors.Is(err, ErrConcurrentOperation) {
			return nil, fmt.Errorf("restore already active for target %q: %w", target.Name, err)
		}
		return nil, err
	}
	return run, nil
}

func (o *RestoreOrchestrator) newRun(target *model.Target, backupRun *model.BackupRun, opts RestoreOptions) *model.RestoreRun {
	return &model.RestoreRun{
		ID:          platform.NewID(),
		TargetID:    target.ID,
		BackupRunID: backupRun.ID,
		Trigger:     model.TriggerManual,
		TriggeredBy: opts.TriggeredBy,
		StartedAt:   time.Now().UTC(),
	}
}

func (o *RestoreOrchestrator) execute(ctx context.Context, target *model.Target, backupRun *model.BackupRun, run *model.RestoreRun) error {
	env := restoreContext(target, backupRun, run)

	jobID, err := o.jobs.Start(ctx, target.Service, env)
	if err != nil {
		o.fail(ctx, target, run.ID, "", err.Error())
		return fmt.Errorf("start restore job: %w", err)
	}

	if err := o.restores.MarkRunning(ctx, run.ID, jobID); err != nil {
		o.fail(ctx, target, run.ID, "", err.Error())
		return err
	}

	timeout := time.Duration(target.TimeoutSeconds) * time.Second
	var elapsed time.Duration

	for elapsed < timeout {
		time.Sleep(o.pollInterval)
		elapsed += o.pollInterval

		status, err := o.jobs.Status(ctx, jobID)
		if err != nil {
			if errors.Is(err, runner.ErrJobNotFound) {
				o.fail(ctx, target, run.ID, "", "job not found")
				return fmt.Errorf("job disappeared during restore: %w", err)
			}
			var transient *runner.TransientError
			if errors.As(err, &transient) {
				metrics.JobPollErrors.Inc()
				o.logger.Warn().Err(err).Int64("job_id", jobID).Msg("poll error, retrying")
				continue
			}
			o.fail(ctx, target, run.ID, "", err.Error())
			return fmt.Errorf("poll restore job: %w", err)
		}

		if status.IsFinished() {
			return o.finish(ctx, target, run, status)
		}

		o.logger.Debug().
			Str("restore_id", run.ID).
			Dur("elapsed", elapsed).
			Msg("restore still running")
	}

	msg := fmt.Sprintf("restore timed out after %d seconds", target.TimeoutSeconds)
	if err := o.restores.MarkTimeout(ctx, run.ID, msg); err != nil {
		o.logger.Error().Err(err).Str("restore_id", run.ID).Msg("failed to mark restore timeout")
	}
	metrics.RestoreRuns.WithLabelValues(target.Name, model.RunTimeout).Inc()
	o.logger.Error().Str("restore_id", run.ID).Str("target", target.Name).Msg("restore timed out")
	return fmt.Errorf("%s: %w", msg, ErrRunTimeout)
}

func (o *RestoreOrchestrator) finish(ctx context.Context, target *model.Target, run *model.RestoreRun, status runner.JobStatus) error {
	logs := runner.StepLogs(status.Steps)

	if !status.IsSuccessful() {
		msg := "job failed"
		if step := status.FailedStep(); step != nil {
			if step.Message != "" {
				msg = step.Message
			} else {
				msg = "unknown error"
			}
		}
		o.fail(ctx, target, run.ID, logs, msg)
		o.logger.Error().Str("restore_id", run.ID).Str("error", msg).Msg("restore job failed")
		return nil
	}

	result := runner.ParseResult(status.Steps)
	switch {
	case result != nil && result.Success:
		if err := o.restores.MarkSuccess(ctx, run.ID, logs, result.FileCount); err != nil {
			return err
		}
		metrics.RestoreRuns.WithLabelValues(target.Name, model.RunSuccess).Inc()
		o.logger.Info().
			Str("restore_id", run.ID).
			Int("files_restored", result.FileCount).
			Msg("restore completed")

	case result != nil:
		msg := result.Error
		if msg == "" {
			msg = "restore reported failure"
		}
		o.fail(ctx, target, run.ID, logs, msg)
		o.logger.Error().Str("restore_id", run.ID).Str("error", msg).Msg("restore reported failure")

	default:
		// Unlike backups, a restore that reports nothing cannot be trusted:
		// the service may be running on a half-written data directory.
		msg := "Restore completed but no result was reported - status unknown"
		o.fail(ctx, target, run.ID, logs, msg)
		o.logger.Error().Str("restore_id", run.ID).Msg("restore job succeeded but no result was reported")
	}

	return nil
}

// failPrecondition marks a pre-supplied pending run failed with the
// precondition error and returns that error unchanged.
func (o *RestoreOrchestrator) failPrecondition(ctx context.Context, existing *model.RestoreRun, cause error) error {
	if existing != nil && existing.Status == model.RunPending {
		if err := o.restores.MarkFailed(ctx, existing.ID, "", cause.Error()); err != nil {
			o.logger.Error().Err(err).Str("restore_id", existing.ID).Msg("failed to mark restore failed")
		}
	}
	return cause
}

func (o *RestoreOrchestrator) fail(ctx context.Context, target *model.Target, runID, logs, msg string) {
	if err := o.restores.MarkFailed(ctx, runID, logs, msg); err != nil {
		o.logger.Error().Err(err).Str("restore_id", runID).Msg("failed to mark restore failed")
	}
	metrics.RestoreRuns.WithLabelValues(target.Name, model.RunFailed).Inc()
}

// restoreContext builds the env map for a restore job. The checksum travels
// with the job so the archive can be verified before anything is unpacked.
func restoreContext(target *model.Target, backupRun *model.BackupRun, run *model.RestoreRun) map[string]string {
	return map[string]string{
		"ECHOPORT_ACTION":       "restore",
		"ECHOPORT_TARGET":       target.Name,
		"ECHOPORT_RESTORE_ID":   run.ID,
		"ECHOPORT_DB_PATH":      target.DBPath,
		"ECHOPORT_BACKUP_FILES": strings.Join(target.BackupFiles, ","),
		"ECHOPORT_BUCKET":       backupRun.StorageBucket,
		"ECHOPORT_KEY":          backupRun.StorageKey,
		"ECHOPORT_CHECKSUM":     backupRun.ChecksumSHA256,
		"ECHOPORT_SERVICE_NAME": target.ServiceName,
	}
}
