package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/echoport/echoport/internal/model"
)

// BackupRunner is the part of the backup orchestrator the scheduler needs.
type BackupRunner interface {
	Run(ctx context.Context, target *model.Target, opts BackupOptions) (*model.BackupRun, error)
}

// Scheduler finds targets whose cron schedule has fired since their last
// scheduled run and starts backups for them. It holds no timer state of its
// own: each pass derives due-ness from the schedule and the database, so a
// restarted scheduler picks up exactly where the previous one left off.
type Scheduler struct {
	targets     *TargetStore
	backups     *BackupRunStore
	runner      BackupRunner
	concurrency int
	logger      zerolog.Logger
}

func NewScheduler(targets *TargetStore, backups *BackupRunStore, runner BackupRunner, concurrency int, logger zerolog.Logger) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		targets:     targets,
		backups:     backups,
		runner:      runner,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "scheduler").Logger(),
	}
}

// ScheduleSummary reports the outcome of one scheduler pass.
type ScheduleSummary struct {
	Due       int
	Succeeded int
	Skipped   int
	Failed    int
}

// ScheduleOptions controls a scheduler pass.
type ScheduleOptions struct {
	DryRun bool
	// Now overrides the reference time for due calculation. Zero means
	// time.Now().
	Now time.Time
}

// Run performs one scheduler pass: evaluate every active scheduled target,
// start backups for the due ones, and wait for them all to finish. Backups
// run concurrently up to the configured limit. A failed backup counts in
// the summary but does not stop the pass.
func (s *Scheduler) Run(ctx context.Context, opts ScheduleOptions) (ScheduleSummary, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var summary ScheduleSummary

	targets, err := s.targets.ListActiveScheduled(ctx)
	if err != nil {
		return summary, fmt.Errorf("list scheduled targets: %w", err)
	}

	var due []*model.Target
	for i := range targets {
		target := &targets[i]
		ok, err := s.dueForBackup(ctx, target, now)
		if err != nil {
			// A broken cron expression is an operator mistake, not a
			// failed backup. It surfaces on the health endpoint instead.
			if errors.Is(err, ErrInvalidSchedule) {
				s.logger.Warn().Err(err).Str("target", target.Name).Msg("invalid schedule, skipping target")
				summary.Skipped++
				continue
			}
			s.logger.Warn().Err(err).Str("target", target.Name).Msg("skipping target")
			summary.Failed++
			continue
		}
		if ok {
			due = append(due, target)
		}
	}
	summary.Due = len(due)

	if len(due) == 0 {
		s.logger.Info().Int("targets", len(targets)).Msg("no targets due")
		return summary, nil
	}

	if opts.DryRun {
		for _, target := range due {
			s.logger.Info().Str("target", target.Name).Str("schedule", target.Schedule).Msg("would back up")
		}
		return summary, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, target := range due {
		target := target
		g.Go(func() error {
			run, err := s.runner.Run(gctx, target, BackupOptions{
				Trigger:     model.TriggerScheduled,
				TriggeredBy: "scheduler",
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrConcurrentOperation):
				// Lost the race to a manual trigger or another scheduler
				// instance. The backup is happening either way.
				summary.Skipped++
			case err != nil:
				s.logger.Error().Err(err).Str("target", target.Name).Msg("scheduled backup failed")
				summary.Failed++
			case run.Status != model.RunSuccess:
				s.logger.Error().Str("target", target.Name).Str("status", run.Status).Msg("scheduled backup did not succeed")
				summary.Failed++
			default:
				summary.Succeeded++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}

	s.logger.Info().
		Int("due", summary.Due).
		Int("succeeded", summary.Succeeded).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Msg("scheduler pass complete")
	return summary, nil
}

// dueForBackup reports whether the target's schedule has fired since its
// last scheduled run started. Manual runs do not reset the schedule; a
// target backed up by hand still gets its scheduled run.
func (s *Scheduler) dueForBackup(ctx context.Context, target *model.Target, now time.Time) (bool, error) {
	sched, err := parseSchedule(target.Schedule)
	if err != nil {
		return false, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, target.Schedule, err)
	}

	prev, ok := prevFiring(sched, now)
	if !ok {
		// Schedule has no firing in the past year. Nothing to do.
		return false, nil
	}

	last, err := s.backups.LastScheduled(ctx, target.ID)
	if err != nil {
		return false, err
	}
	if last == nil {
		return true, nil
	}
	return last.StartedAt.Before(prev), nil
}
