package core

import "errors"

var (
	// ErrConcurrentOperation means a run of the same kind is already active
	// for the target. The partial unique indexes are the source of truth.
	ErrConcurrentOperation = errors.New("an operation is already active for this target")

	// ErrConcurrentBackup blocks a restore while a backup is active.
	ErrConcurrentBackup = errors.New("a backup is active for this target")

	// ErrConcurrentRestore blocks a backup while a restore is active.
	ErrConcurrentRestore = errors.New("a restore is active for this target")

	// ErrTargetLocked means the target row lock was contended. Another
	// backup, restore or cleanup holds the critical section.
	ErrTargetLocked = errors.New("target is locked by another operation")

	// ErrMissingChecksum blocks restores from backups that cannot be
	// integrity-verified.
	ErrMissingChecksum = errors.New("backup has no checksum")

	// ErrNotRestorable means the source backup run did not succeed.
	ErrNotRestorable = errors.New("backup run is not restorable")

	// ErrRunTimeout means the run exceeded the target's configured budget.
	ErrRunTimeout = errors.New("run timed out")

	// ErrInvalidSchedule means the target's cron expression does not parse.
	ErrInvalidSchedule = errors.New("invalid schedule")

	ErrTargetNotFound = errors.New("target not found")
	ErrRunNotFound    = errors.New("run not found")
)
