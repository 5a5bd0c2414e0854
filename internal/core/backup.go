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

// JobRunner starts and polls remote jobs. *runner.Client is the real
// implementation.
type JobRunner interface {
	Start(ctx context.Context, service string, env map[string]string) (int64, error)
	Status(ctx context.Context, jobID int64) (runner.JobStatus, error)
}

// BackupOrchestrator drives a single backup run from creation to a terminal
// state: create a pending run, start a FastDeploy job, poll until finished
// or timed out, extract the embedded result and persist the outcome. The
// run record is always left terminal when Run returns, success or not; only
// a process crash can strand a pending/running row.
type BackupOrchestrator struct {
	runs         *BackupRunStore
	restores     *RestoreRunStore
	jobs         JobRunner
	pollInterval time.Duration
	logger       zerolog.Logger
}

func NewBackupOrchestrator(runs *BackupRunStore, restores *RestoreRunStore, jobs JobRunner, pollInterval time.Duration, logger zerolog.Logger) *BackupOrchestrator {
	return &BackupOrchestrator{
		runs:         runs,
		restores:     restores,
		jobs:         jobs,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "backup-orchestrator").Logger(),
	}
}

// BackupOptions controls how a backup run is created.
type BackupOptions struct {
	Trigger     string
	TriggeredBy string
	// ExistingRun continues a pre-created pending run instead of creating
	// one. Callers that show the run in a UI create it first, commit, and
	// hand its identity to a background worker.
	ExistingRun *model.BackupRun
}

// Run executes one backup for the target. The returned run reflects the
// final persisted state whenever one exists.
func (o *BackupOrchestrator) Run(ctx context.Context, target *model.Target, opts BackupOptions) (*model.BackupRun, error) {
	run, err := o.prepareRun(ctx, target, opts)
	if err != nil {
		return nil, err
	}

	if err := o.execute(ctx, target, run); err != nil {
		final, getErr := o.runs.GetByID(ctx, run.ID)
		if getErr != nil {
			return nil, err
		}
		return final, err
	}

	return o.runs.GetByID(ctx, run.ID)
}

func (o *BackupOrchestrator) prepareRun(ctx context.Context, target *model.Target, opts BackupOptions) (*model.BackupRun, error) {
	if opts.ExistingRun != nil {
		run := opts.ExistingRun
		if run.TargetID != target.ID {
			return nil, fmt.Errorf("run %s belongs to target %s, not %q", run.ID, run.TargetID, target.Name)
		}
		if run.Status != model.RunPending {
			return nil, fmt.Errorf("run %s has status %q, expected %q", run.ID, run.Status, model.RunPending)
		}
		o.logger.Info().Str("run_id", run.ID).Str("target", target.Name).Msg("continuing backup run")
		return run, nil
	}

	// The partial unique index only guards against a second backup; an
	// active restore has to be checked explicitly.
	activeRestore, err := o.restores.ActiveByTarget(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	if activeRestore != nil {
		o.logger.Warn().Str("target", target.Name).Str("restore_id", activeRestore.ID).Msg("backup blocked by active restore")
		return nil, fmt.Errorf("restore run %s is active for target %q: %w", activeRestore.ID, target.Name, ErrConcurrentRestore)
	}

	trigger := opts.Trigger
	if trigger == "" {
		trigger = model.TriggerManual
	}

	run := &model.BackupRun{
		ID:            platform.NewID(),
		TargetID:      target.ID,
		Trigger:       trigger,
		TriggeredBy:   opts.TriggeredBy,
		StorageBucket: target.StorageBucket,
		StartedAt:     time.Now().UTC(),
	}
	if err := o.runs.CreatePending(ctx, run); err != nil {
		if errors.Is(err, ErrConcurrentOperation) {
			o.logger.Warn().Str("target", target.Name).Msg("concurrent backup prevented")
			return nil, fmt.Errorf("backup already active for target %q: %w", target.Name, err)
		}
		return nil, err
	}

	o.logger.Info().Str("run_id", run.ID).Str("target", target.Name).Msg("created backup run")
	return run, nil
}

func (o *BackupOrchestrator) execute(ctx context.Context, target *model.Target, run *model.BackupRun) error {
	env := backupContext(target, run)

	jobID, err := o.jobs.Start(ctx, target.Service, env)
	if err != nil {
		o.fail(ctx, target, run.ID, "", err.Error())
		return fmt.Errorf("start backup job: %w", err)
	}

	if err := o.runs.MarkRunning(ctx, run.ID, jobID); err != nil {
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
				return fmt.Errorf("job disappeared during backup: %w", err)
			}
			var transient *runner.TransientError
			if errors.As(err, &transient) {
				// Transient poll errors are retried; elapsed time still
				// accrues, so a flapping service cannot extend the budget.
				metrics.JobPollErrors.Inc()
				o.logger.Warn().Err(err).Int64("job_id", jobID).Msg("poll error, retrying")
				continue
			}
			o.fail(ctx, target, run.ID, "", err.Error())
			return fmt.Errorf("poll backup job: %w", err)
		}

		if status.IsFinished() {
			return o.finish(ctx, target, run, status)
		}

		o.logger.Debug().
			Str("run_id", run.ID).
			Dur("elapsed", elapsed).
			Msg("backup still running")
	}

	msg := fmt.Sprintf("backup timed out after %d seconds", target.TimeoutSeconds)
	if err := o.runs.MarkTimeout(ctx, run.ID, msg); err != nil {
		o.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to mark run timeout")
	}
	metrics.BackupRuns.WithLabelValues(target.Name, model.RunTimeout).Inc()
	o.logger.Error().Str("run_id", run.ID).Str("target", target.Name).Msg("backup timed out")
	return fmt.Errorf("%s: %w", msg, ErrRunTimeout)
}

func (o *BackupOrchestrator) finish(ctx context.Context, target *model.Target, run *model.BackupRun, status runner.JobStatus) error {
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
		o.logger.Error().Str("run_id", run.ID).Str("error", msg).Msg("backup job failed")
		return nil
	}

	result := runner.ParseResult(status.Steps)
	switch {
	case result != nil && result.Success:
		if err := o.runs.MarkSuccess(ctx, run.ID, logs, result); err != nil {
			return err
		}
		metrics.BackupRuns.WithLabelValues(target.Name, model.RunSuccess).Inc()
		o.logger.Info().
			Str("run_id", run.ID).
			Str("key", result.Key).
			Int64("size_bytes", result.SizeBytes).
			Int("file_count", result.FileCount).
			Msg("backup completed")

	case result != nil:
		msg := result.Error
		if msg == "" {
			msg = "backup reported failure"
		}
		o.fail(ctx, target, run.ID, logs, msg)
		o.logger.Error().Str("run_id", run.ID).Str("error", msg).Msg("backup reported failure")

	default:
		// The job succeeded without emitting the result contract. Backups
		// stay optimistic here: the archive most likely exists, and marking
		// the run failed would schedule a redundant retry. Restores treat
		// the same situation as failure.
		if err := o.runs.MarkSuccess(ctx, run.ID, logs, nil); err != nil {
			return err
		}
		metrics.BackupRuns.WithLabelValues(target.Name, model.RunSuccess).Inc()
		o.logger.Warn().Str("run_id", run.ID).Msg("backup job succeeded but no result was reported")
	}

	return nil
}

// fail marks the run failed, best effort. Errors here are logged and
// swallowed so the caller's original failure is the one that propagates.
func (o *BackupOrchestrator) fail(ctx context.Context, target *model.Target, runID, logs, msg string) {
	if err := o.runs.MarkFailed(ctx, runID, logs, msg); err != nil {
		o.logger.Error().Err(err).Str("run_id", runID).Msg("failed to mark run failed")
	}
	metrics.BackupRuns.WithLabelValues(target.Name, model.RunFailed).Inc()
}

// backupContext builds the env map handed to the FastDeploy job. The key
// prefix pins the archive location before the job starts, so a lost result
// message can still be correlated with an object in the bucket.
func backupContext(target *model.Target, run *model.BackupRun) map[string]string {
	timestamp := time.Now().UTC().Format("2006-01-02T15-04-05")

	return map[string]string{
		"ECHOPORT_TARGET":       target.Name,
		"ECHOPORT_RUN_ID":       run.ID,
		"ECHOPORT_DB_PATH":      target.DBPath,
		"ECHOPORT_BACKUP_FILES": strings.Join(target.BackupFiles, ","),
		"ECHOPORT_BUCKET":       target.StorageBucket,
		"ECHOPORT_KEY_PREFIX":   target.Name + "/" + timestamp,
		"ECHOPORT_TIMESTAMP":    timestamp,
	}
}
