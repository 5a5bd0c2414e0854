package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/echoport/echoport/internal/metrics"
	"github.com/echoport/echoport/internal/model"
	"github.com/echoport/echoport/internal/objstore"
)

// CleanupEngine deletes expired backup runs and their archives. Storage is
// always deleted before the database row: a stray object in the bucket is
// recoverable garbage, a database row pointing at nothing is a lie.
type CleanupEngine struct {
	db       TxDB
	targets  *TargetStore
	backups  *BackupRunStore
	restores *RestoreRunStore
	store    objstore.ObjectStore
	rowLocks bool
	logger   zerolog.Logger

	// Out and ErrOut receive human-readable progress lines, meant for the
	// CLI. Both default to io.Discard.
	Out    io.Writer
	ErrOut io.Writer
}

func NewCleanupEngine(db TxDB, targets *TargetStore, backups *BackupRunStore, restores *RestoreRunStore, store objstore.ObjectStore, rowLocks bool, logger zerolog.Logger) *CleanupEngine {
	return &CleanupEngine{
		db:       db,
		targets:  targets,
		backups:  backups,
		restores: restores,
		store:    store,
		rowLocks: rowLocks,
		logger:   logger.With().Str("component", "cleanup").Logger(),
		Out:      io.Discard,
		ErrOut:   io.Discard,
	}
}

// CleanupOptions controls a cleanup pass.
type CleanupOptions struct {
	DryRun bool
	// TargetName restricts the pass to a single target. Empty means all
	// active targets.
	TargetName string
	// Now overrides the reference time for cutoff calculation. Zero means
	// time.Now().
	Now time.Time
}

// CleanupSummary reports what a cleanup pass did (or would do).
type CleanupSummary struct {
	Deleted int
	Skipped int
	Errors  int
}

// Run performs one cleanup pass and returns a summary. Per-run failures are
// counted in the summary rather than aborting the pass; only setup errors
// (listing targets, listing runs) return a non-nil error.
func (e *CleanupEngine) Run(ctx context.Context, opts CleanupOptions) (CleanupSummary, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var summary CleanupSummary

	targets, err := e.resolveTargets(ctx, opts.TargetName)
	if err != nil {
		return summary, err
	}

	for _, target := range targets {
		if target.RetentionDays <= 0 {
			e.logger.Debug().Str("target", target.Name).Msg("retention disabled, skipping")
			continue
		}

		cutoff := now.Add(-time.Duration(target.RetentionDays) * 24 * time.Hour)
		runs, err := e.backups.EligibleForRetention(ctx, target.ID, cutoff)
		if err != nil {
			return summary, fmt.Errorf("list expired runs for target %q: %w", target.Name, err)
		}
		if len(runs) == 0 {
			continue
		}

		e.logger.Info().
			Str("target", target.Name).
			Int("expired", len(runs)).
			Time("cutoff", cutoff).
			Bool("dry_run", opts.DryRun).
			Msg("processing expired backup runs")

		for i := range runs {
			run := &runs[i]
			if opts.DryRun {
				e.previewRun(target, run, &summary)
				continue
			}
			e.deleteRun(ctx, target, run, &summary)
		}
	}

	return summary, nil
}

func (e *CleanupEngine) resolveTargets(ctx context.Context, name string) ([]*model.Target, error) {
	if name != "" {
		target, err := e.targets.GetByName(ctx, name)
		if err != nil {
			return nil, err
		}
		return []*model.Target{target}, nil
	}

	active, err := e.targets.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]*model.Target, len(active))
	for i := range active {
		targets[i] = &active[i]
	}
	return targets, nil
}

func (e *CleanupEngine) previewRun(target *model.Target, run *model.BackupRun, summary *CleanupSummary) {
	if run.StorageBucket == "" || run.StorageKey == "" {
		fmt.Fprintf(e.ErrOut, "[DRY RUN] Would ERROR: run %s for target %s has no storage location\n", run.ID, target.Name)
		summary.Errors++
		return
	}
	finished := ""
	if run.FinishedAt != nil {
		finished = run.FinishedAt.Format(time.RFC3339)
	}
	fmt.Fprintf(e.Out, "[DRY RUN] Would delete %s/%s (run %s, finished %s)\n", run.StorageBucket, run.StorageKey, run.ID, finished)
	summary.Deleted++
}

// deleteRun removes one expired run. With row locks enabled, eligibility is
// re-checked inside a transaction holding the target lock, so a restore
// started between the listing and the delete keeps its source archive.
func (e *CleanupEngine) deleteRun(ctx context.Context, target *model.Target, run *model.BackupRun, summary *CleanupSummary) {
	if run.StorageBucket == "" || run.StorageKey == "" {
		fmt.Fprintf(e.ErrOut, "ERROR: run %s for target %s has no storage location\n", run.ID, target.Name)
		e.logger.Error().Str("run_id", run.ID).Msg("expired run has no storage location")
		metrics.CleanupResults.WithLabelValues("error").Inc()
		summary.Errors++
		return
	}

	var err error
	if e.rowLocks {
		err = e.deleteRunLocked(ctx, target, run)
	} else {
		err = e.deleteRunLockless(ctx, run)
	}

	switch {
	case err == nil:
		fmt.Fprintf(e.Out, "Deleted %s/%s (run %s)\n", run.StorageBucket, run.StorageKey, run.ID)
		e.logger.Info().Str("run_id", run.ID).Str("key", run.StorageKey).Msg("deleted expired backup")
		metrics.CleanupResults.WithLabelValues("deleted").Inc()
		summary.Deleted++

	case errors.Is(err, errCleanupSkip):
		e.logger.Info().Str("run_id", run.ID).AnErr("reason", errors.Unwrap(err)).Msg("skipped expired backup")
		metrics.CleanupResults.WithLabelValues("skipped").Inc()
		summary.Skipped++

	default:
		fmt.Fprintf(e.ErrOut, "ERROR: run %s: %v\n", run.ID, err)
		e.logger.Error().Err(err).Str("run_id", run.ID).Msg("cleanup failed for run")
		metrics.CleanupResults.WithLabelValues("error").Inc()
		summary.Errors++
	}
}

// errCleanupSkip marks a run that turned out ineligible between listing and
// deletion. Skips are normal under concurrency, not failures.
var errCleanupSkip = errors.New("cleanup skipped")

func skipf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errCleanupSkip, fmt.Sprintf(format, args...))
}

func (e *CleanupEngine) deleteRunLocked(ctx context.Context, target *model.Target, run *model.BackupRun) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cleanup transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockTarget(ctx, tx, target.ID); err != nil {
		if errors.Is(err, ErrTargetLocked) {
			return skipf("target %s locked by another operation", target.Name)
		}
		return err
	}

	current, err := e.backups.WithDB(tx).GetByID(ctx, run.ID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return skipf("run already deleted")
		}
		return err
	}
	if current.Status != model.RunSuccess {
		return skipf("run status changed to %s", current.Status)
	}

	restored, err := e.restores.WithDB(tx).ExistsForBackupRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if restored {
		return skipf("run has restore runs")
	}

	if err := e.store.Delete(ctx, run.StorageBucket, run.StorageKey); err != nil {
		return fmt.Errorf("delete object %s/%s: %w", run.StorageBucket, run.StorageKey, err)
	}

	if err := e.backups.WithDB(tx).Delete(ctx, run.ID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (e *CleanupEngine) deleteRunLockless(ctx context.Context, run *model.BackupRun) error {
	current, err := e.backups.GetByID(ctx, run.ID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return skipf("run already deleted")
		}
		return err
	}
	if current.Status != model.RunSuccess {
		return skipf("run status changed to %s", current.Status)
	}

	restored, err := e.restores.ExistsForBackupRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if restored {
		return skipf("run has restore runs")
	}

	if err := e.store.Delete(ctx, run.StorageBucket, run.StorageKey); err != nil {
		return fmt.Errorf("delete object %s/%s: %w", run.StorageBucket, run.StorageKey, err)
	}

	return e.backups.Delete(ctx, run.ID)
}
