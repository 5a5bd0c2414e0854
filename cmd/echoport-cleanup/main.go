// echoport-cleanup deletes backup runs past their target's retention window
// along with their stored archives. Meant to run daily from cron. Runs that
// have been restored from are never deleted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/echoport/echoport/internal/config"
	"github.com/echoport/echoport/internal/core"
	"github.com/echoport/echoport/internal/db"
	"github.com/echoport/echoport/internal/logging"
	"github.com/echoport/echoport/internal/objstore"
	"github.com/echoport/echoport/internal/platform"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Report what would be deleted without deleting anything")
	targetName := flag.String("target", "", "Restrict cleanup to a single target")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("cleanup"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	// Dry runs delete nothing, so they skip the singleton lock and can
	// preview while a real pass is running.
	if !*dryRun {
		lock, err := platform.AcquireLock(platform.LockPath(cfg.CacheDir, "cleanup"))
		if err != nil {
			if errors.Is(err, platform.ErrAlreadyLocked) {
				logger.Info().Msg("another cleanup instance is running, exiting")
				os.Exit(0)
			}
			logger.Fatal().Err(err).Msg("failed to acquire cleanup lock")
		}
		defer lock.Release()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	store, err := newObjectStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure object storage")
	}

	targets := core.NewTargetStore(pool)
	backups := core.NewBackupRunStore(pool)
	restores := core.NewRestoreRunStore(pool)

	engine := core.NewCleanupEngine(pool, targets, backups, restores, store, !cfg.DisableRowLocks, logger)
	engine.Out = os.Stdout
	engine.ErrOut = os.Stderr

	summary, err := engine.Run(ctx, core.CleanupOptions{DryRun: *dryRun, TargetName: *targetName})
	if err != nil {
		logger.Fatal().Err(err).Msg("cleanup pass failed")
	}

	fmt.Printf("deleted=%d skipped=%d errors=%d\n", summary.Deleted, summary.Skipped, summary.Errors)

	// Dry runs always exit 0 so operators can preview broken state.
	if summary.Errors > 0 && !*dryRun {
		os.Exit(1)
	}
}

func newObjectStore(cfg *config.Config, logger zerolog.Logger) (objstore.ObjectStore, error) {
	switch cfg.StorageDriver {
	case "mc":
		return objstore.NewMCGateway(cfg.MCPath, cfg.MCAlias, logger), nil
	case "s3":
		return objstore.NewS3Gateway(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Region, logger), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}
