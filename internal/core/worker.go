package core

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/echoport/echoport/internal/model"
)

// RestoreRunner is the part of the restore orchestrator the worker needs.
type RestoreRunner interface {
	Run(ctx context.Context, target *model.Target, backupRun *model.BackupRun, opts RestoreOptions) (*model.RestoreRun, error)
}

// Worker executes accepted runs in the background. API handlers create a
// pending run, respond 202, and hand just the run ID here; the worker
// reloads everything fresh so it never acts on state captured before the
// response was sent.
type Worker struct {
	targets  *TargetStore
	backups  *BackupRunStore
	restores *RestoreRunStore
	backup   BackupRunner
	restore  RestoreRunner
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

func NewWorker(targets *TargetStore, backups *BackupRunStore, restores *RestoreRunStore, backup BackupRunner, restore RestoreRunner, logger zerolog.Logger) *Worker {
	return &Worker{
		targets:  targets,
		backups:  backups,
		restores: restores,
		backup:   backup,
		restore:  restore,
		logger:   logger.With().Str("component", "worker").Logger(),
	}
}

// StartBackup executes the pending backup run in a new goroutine. Runs use
// a background context: an accepted run is not cancelled because the HTTP
// request that created it went away.
func (w *Worker) StartBackup(runID string) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx := context.Background()

		run, err := w.backups.GetByID(ctx, runID)
		if err != nil {
			w.logger.Error().Err(err).Str("run_id", runID).Msg("backup run vanished before execution")
			return
		}
		target, err := w.targets.GetByID(ctx, run.TargetID)
		if err != nil {
			w.logger.Error().Err(err).Str("run_id", runID).Msg("target lookup failed")
			w.markBackupFailed(ctx, runID, err)
			return
		}

		if _, err := w.backup.Run(ctx, target, BackupOptions{ExistingRun: run}); err != nil {
			w.logger.Error().Err(err).Str("run_id", runID).Str("target", target.Name).Msg("background backup failed")
		}
	}()
}

// StartRestore executes the pending restore run in a new goroutine.
func (w *Worker) StartRestore(restoreID string) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx := context.Background()

		run, err := w.restores.GetByID(ctx, restoreID)
		if err != nil {
			w.logger.Error().Err(err).Str("restore_id", restoreID).Msg("restore run vanished before execution")
			return
		}
		target, err := w.targets.GetByID(ctx, run.TargetID)
		if err != nil {
			w.logger.Error().Err(err).Str("restore_id", restoreID).Msg("target lookup failed")
			w.markRestoreFailed(ctx, restoreID, err)
			return
		}
		backupRun, err := w.backups.GetByID(ctx, run.BackupRunID)
		if err != nil {
			w.logger.Error().Err(err).Str("restore_id", restoreID).Msg("backup run lookup failed")
			w.markRestoreFailed(ctx, restoreID, err)
			return
		}

		if _, err := w.restore.Run(ctx, target, backupRun, RestoreOptions{ExistingRun: run}); err != nil {
			w.logger.Error().Err(err).Str("restore_id", restoreID).Str("target", target.Name).Msg("background restore failed")
		}
	}()
}

// Wait blocks until all in-flight runs have reached a terminal state. Used
// on shutdown so accepted runs are not stranded pending.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) markBackupFailed(ctx context.Context, runID string, cause error) {
	if err := w.backups.MarkFailed(ctx, runID, "", cause.Error()); err != nil {
		w.logger.Error().Err(err).Str("run_id", runID).Msg("failed to mark run failed")
	}
}

func (w *Worker) markRestoreFailed(ctx context.Context, restoreID string, cause error) {
	if err := w.restores.MarkFailed(ctx, restoreID, "", cause.Error()); err != nil {
		w.logger.Error().Err(err).Str("restore_id", restoreID).Msg("failed to mark restore failed")
	}
}
