// echoport-scheduler runs one scheduler pass: it finds active targets whose
// cron schedule has fired since their last scheduled backup and backs them
// up. Meant to be invoked every few minutes from cron or a systemd timer; a
// file lock makes overlapping invocations exit cleanly.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/echoport/echoport/internal/config"
	"github.com/echoport/echoport/internal/core"
	"github.com/echoport/echoport/internal/db"
	"github.com/echoport/echoport/internal/logging"
	"github.com/echoport/echoport/internal/platform"
	"github.com/echoport/echoport/internal/runner"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Report which targets are due without starting backups")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("scheduler"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	lock, err := platform.AcquireLock(platform.LockPath(cfg.CacheDir, "scheduler"))
	if err != nil {
		if errors.Is(err, platform.ErrAlreadyLocked) {
			logger.Info().Msg("another scheduler instance is running, exiting")
			os.Exit(0)
		}
		logger.Fatal().Err(err).Msg("failed to acquire scheduler lock")
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	targets := core.NewTargetStore(pool)
	backups := core.NewBackupRunStore(pool)
	restores := core.NewRestoreRunStore(pool)
	jobs := runner.NewClient(cfg.FastDeployBaseURL, cfg.FastDeployServiceToken, logger)
	orchestrator := core.NewBackupOrchestrator(backups, restores, jobs, cfg.PollInterval(), logger)
	scheduler := core.NewScheduler(targets, backups, orchestrator, cfg.SchedulerConcurrency, logger)

	summary, err := scheduler.Run(ctx, core.ScheduleOptions{DryRun: *dryRun})
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler pass failed")
	}

	fmt.Printf("due=%d succeeded=%d skipped=%d failed=%d\n",
		summary.Due, summary.Succeeded, summary.Skipped, summary.Failed)

	if summary.Failed > 0 {
		os.Exit(1)
	}
}
