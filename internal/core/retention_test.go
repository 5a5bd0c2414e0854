package core

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/echoport/echoport/internal/model"
)

func newTestCleanupEngine(db *mockTxDB, store *mockObjectStore, rowLocks bool) (*CleanupEngine, *bytes.Buffer, *bytes.Buffer) {
	engine := NewCleanupEngine(db, NewTargetStore(db), NewBackupRunStore(db), NewRestoreRunStore(db), store, rowLocks, zerolog.Nop())
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	engine.Out = out
	engine.ErrOut = errOut
	return engine, out, errOut
}

func expiredRun(id, targetID string) model.BackupRun {
	finished := time.Now().UTC().Add(-60 * 24 * time.Hour)
	run := testBackupRun(id, targetID, model.RunSuccess)
	run.StorageKey = "mastodon/2026-06-30T02-00-00/archive.tar.zst"
	run.FinishedAt = &finished
	return run
}

func TestCleanupEngine_Run_DryRun(t *testing.T) {
	db := newMockTxDB()
	store := &mockObjectStore{}
	engine, out, _ := newTestCleanupEngine(db, store, true)
	ctx := context.Background()

	target := testTarget("mastodon")
	db.On("Query", ctx, sqlContains("FROM targets"), mock.Anything).
		Return(newMockRows(scanTarget(target)), nil)
	db.On("Query", ctx, sqlContains("NOT EXISTS"), mock.Anything).
		Return(newMockRows(scanBackupRun(expiredRun("run-1", target.ID))), nil)

	summary, err := engine.Run(ctx, CleanupOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deleted)
	assert.Equal(t, 0, summary.Errors)
	assert.Contains(t, out.String(), "[DRY RUN] Would delete")
	store.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
}

func TestCleanupEngine_Run_DryRunMissingStorageInfo(t *testing.T) {
	db := newMockTxDB()
	store := &mockObjectStore{}
	engine, _, errOut := newTestCleanupEngine(db, store, true)
	ctx := context.Background()

	target := testTarget("mastodon")
	broken := expiredRun("run-1", target.ID)
	broken.StorageKey = ""

	db.On("Query", ctx, sqlContains("FROM targets"), mock.Anything).
		Return(newMockRows(scanTarget(target)), nil)
	db.On("Query", ctx, sqlContains("NOT EXISTS"), mock.Anything).
		Return(newMockRows(scanBackupRun(broken)), nil)

	summary, err := engine.Run(ctx, CleanupOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Deleted)
	assert.Equal(t, 1, summary.Errors)
	assert.Contains(t, errOut.String(), "Would ERROR")
}

func TestCleanupEngine_Run_LocklessDelete(t *testing.T) {
	db := newMockTxDB()
	store := &mockObjectStore{}
	engine, out, _ := newTestCleanupEngine(db, store, false)
	ctx := context.Background()

	target := testTarget("mastodon")
	run := expiredRun("run-1", target.ID)

	db.On("Query", ctx, sqlContains("FROM targets"), mock.Anything).
		Return(newMockRows(scanTarget(target)), nil)
	db.On("Query", ctx, sqlContains("NOT EXISTS"), mock.Anything).
		Return(newMockRows(scanBackupRun(run)), nil)

	// The run still exists and no restores reference it.
	db.On("QueryRow", ctx, sqlContains("FROM backup_runs WHERE id = $1"), mock.Anything).
		Return(&mockRow{scanFunc: scanBackupRun(run)})
	db.On("QueryRow", ctx, sqlContains("SELECT EXISTS"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*bool)) = false
			return nil
		}})
	store.On("Delete", ctx, run.StorageBucket, run.StorageKey).Return(nil)
	db.On("Exec", ctx, sqlContains("DELETE FROM backup_runs"), mock.Anything).
		Return(pgconn.CommandTag{}, nil)

	summary, err := engine.Run(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deleted)
	assert.Contains(t, out.String(), "Deleted")
	store.AssertExpectations(t)
	db.AssertExpectations(t)
}

func TestCleanupEngine_Run_LocklessDeletesEveryExpiredRun(t *testing.T) {
	db := newMockTxDB()
	store := &mockObjectStore{}
	engine, _, _ := newTestCleanupEngine(db, store, false)
	ctx := context.Background()

	target := testTarget("mastodon")
	first := expiredRun("run-1", target.ID)
	second := expiredRun("run-2", target.ID)
	second.StorageKey = "mastodon/2026-07-01T02-00-00/archive.tar.zst"

	db.On("Query", ctx, sqlContains("FROM targets"), mock.Anything).
		Return(newMockRows(scanTarget(target)), nil)
	db.On("Query", ctx, sqlContains("NOT EXISTS"), mock.Anything).
		Return(newMockRows(scanBackupRun(first), scanBackupRun(second)), nil)

	db.On("QueryRow", ctx, sqlContains("FROM backup_runs WHERE id = $1"),
		mock.MatchedBy(func(args []any) bool { return args[0] == "run-1" })).
		Return(&mockRow{scanFunc: scanBackupRun(first)})
	db.On("QueryRow", ctx, sqlContains("FROM backup_runs WHERE id = $1"),
		mock.MatchedBy(func(args []any) bool { return args[0] == "run-2" })).
		Return(&mockRow{scanFunc: scanBackupRun(second)})
	db.On("QueryRow", ctx, sqlContains("SELECT EXISTS"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*bool)) = false
			return nil
		}})
	store.On("Delete", ctx, first.StorageBucket, first.StorageKey).Return(nil)
	store.On("Delete", ctx, second.StorageBucket, second.StorageKey).Return(nil)
	db.On("Exec", ctx, sqlContains("DELETE FROM backup_runs"), mock.Anything).
		Return(pgconn.CommandTag{}, nil)

	summary, err := engine.Run(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Deleted)
	store.AssertExpectations(t)
}

func TestCleanupEngine_Run_LocklessSkipsVanishedRun(t *testing.T) {
	db := newMockTxDB()
	store := &mockObjectStore{}
	engine, _, _ := newTestCleanupEngine(db, store, false)
	ctx := context.Background()

	target := testTarget("mastodon")
	run := expiredRun("run-1", target.ID)

	db.On("Query", ctx, sqlContains("FROM targets"), mock.Anything).
		Return(newMockRows(scanTarget(target)), nil)
	db.On("Query", ctx, sqlContains("NOT EXISTS"), mock.Anything).
		Return(newMockRows(scanBackupRun(run)), nil)

	// Deleted by another pass between listing and deletion.
	db.On("QueryRow", ctx, sqlContains("FROM backup_runs WHERE id = $1"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			return pgx.ErrNoRows
		}})

	summary, err := engine.Run(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Deleted)
	store.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
}

func TestCleanupEngine_Run_SkipsRestoredRun(t *testing.T) {
	db := newMockTxDB()
	store := &mockObjectStore{}
	engine, _, _ := newTestCleanupEngine(db, store, false)
	ctx := context.Background()

	target := testTarget("mastodon")
	run := expiredRun("run-1", target.ID)

	db.On("Query", ctx, sqlContains("FROM targets"), mock.Anything).
		Return(newMockRows(scanTarget(target)), nil)
	db.On("Query", ctx, sqlContains("NOT EXISTS"), mock.Anything).
		Return(newMockRows(scanBackupRun(run)), nil)

	db.On("QueryRow", ctx, sqlContains("FROM backup_runs WHERE id = $1"), mock.Anything).
		Return(&mockRow{scanFunc: scanBackupRun(run)})
	// A restore appeared between listing and deletion.
	db.On("QueryRow", ctx, sqlContains("SELECT EXISTS"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*bool)) = true
			return nil
		}})

	summary, err := engine.Run(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Deleted)
	store.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
}

func TestCleanupEngine_Run_StorageDeleteFailureKeepsRecord(t *testing.T) {
	db := newMockTxDB()
	store := &mockObjectStore{}
	engine, _, errOut := newTestCleanupEngine(db, store, false)
	ctx := context.Background()

	target := testTarget("mastodon")
	run := expiredRun("run-1", target.ID)

	db.On("Query", ctx, sqlContains("FROM targets"), mock.Anything).
		Return(newMockRows(scanTarget(target)), nil)
	db.On("Query", ctx, sqlContains("NOT EXISTS"), mock.Anything).
		Return(newMockRows(scanBackupRun(run)), nil)
	db.On("QueryRow", ctx, sqlContains("FROM backup_runs WHERE id = $1"), mock.Anything).
		Return(&mockRow{scanFunc: scanBackupRun(run)})
	db.On("QueryRow", ctx, sqlContains("SELECT EXISTS"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*bool)) = false
			return nil
		}})
	store.On("Delete", ctx, run.StorageBucket, run.StorageKey).Return(assert.AnError)

	summary, err := engine.Run(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Contains(t, errOut.String(), "ERROR")
	// The database row must survive a failed storage delete.
	db.AssertNotCalled(t, "Exec", mock.Anything, sqlContains("DELETE FROM backup_runs"), mock.Anything)
}

func TestCleanupEngine_Run_LockedTargetSkips(t *testing.T) {
	db := newMockTxDB()
	store := &mockObjectStore{}
	engine, _, _ := newTestCleanupEngine(db, store, true)
	ctx := context.Background()

	target := testTarget("mastodon")
	run := expiredRun("run-1", target.ID)

	db.On("Query", ctx, sqlContains("FROM targets"), mock.Anything).
		Return(newMockRows(scanTarget(target)), nil)
	db.On("Query", ctx, sqlContains("NOT EXISTS"), mock.Anything).
		Return(newMockRows(scanBackupRun(run)), nil)
	db.On("QueryRow", ctx, sqlContains("FOR UPDATE NOWAIT"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			return &pgconn.PgError{Code: "55P03"}
		}})

	summary, err := engine.Run(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, db.rollbacks)
	store.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
}

func TestCleanupEngine_Run_RetentionDisabledSkipsTarget(t *testing.T) {
	db := newMockTxDB()
	store := &mockObjectStore{}
	engine, _, _ := newTestCleanupEngine(db, store, true)
	ctx := context.Background()

	target := testTarget("mastodon")
	target.RetentionDays = 0

	db.On("Query", ctx, sqlContains("FROM targets"), mock.Anything).
		Return(newMockRows(scanTarget(target)), nil)

	summary, err := engine.Run(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, CleanupSummary{}, summary)
	db.AssertNotCalled(t, "Query", mock.Anything, sqlContains("NOT EXISTS"), mock.Anything)
}
