package platform

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.lock")

	lock, err := AcquireLock(path)
	require.NoError(t, err)
	defer lock.Release()

	_, err = AcquireLock(path)
	assert.ErrorIs(t, err, ErrAlreadyLocked)
}

func TestAcquireLock_ReleasedLockCanBeRetaken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cleanup.lock")

	lock, err := AcquireLock(path)
	require.NoError(t, err)
	lock.Release()

	again, err := AcquireLock(path)
	require.NoError(t, err)
	again.Release()
}

func TestAcquireLock_RefusesSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	link := filepath.Join(dir, "scheduler.lock")
	require.NoError(t, os.WriteFile(target, nil, 0o600))
	require.NoError(t, os.Symlink(target, link))

	_, err := AcquireLock(link)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink")
}

func TestLockRelease_NilSafe(t *testing.T) {
	var lock *Lock
	lock.Release()
}

func TestLockPath(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, "scheduler.lock"), LockPath(dir, "scheduler"))

	// Missing cache dir falls back to the temp dir with a prefixed name.
	fallback := LockPath(filepath.Join(dir, "does-not-exist"), "scheduler")
	assert.True(t, strings.HasPrefix(fallback, os.TempDir()))
	assert.True(t, strings.HasSuffix(fallback, "echoport-scheduler.lock"))

	empty := LockPath("", "cleanup")
	assert.True(t, strings.HasSuffix(empty, "echoport-cleanup.lock"))
}

func TestNewID(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}
