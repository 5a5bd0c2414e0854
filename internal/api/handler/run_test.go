package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/echoport/echoport/internal/core"
	"github.com/echoport/echoport/internal/model"
)

func newRunHandler(db *mockDB, worker *core.Worker) *Run {
	return NewRun(core.NewBackupRunStore(db), core.NewRestoreRunStore(db), worker)
}

func restorableBackup(id string) model.BackupRun {
	return model.BackupRun{
		ID:             id,
		TargetID:       "target-mastodon",
		Status:         model.RunSuccess,
		Trigger:        model.TriggerManual,
		StorageBucket:  "echoport-mastodon",
		StorageKey:     "mastodon/2026-08-30T02-00-00/backup.tar.gz",
		ChecksumSHA256: "abc123",
	}
}

// --- Get ---

func TestRunGet(t *testing.T) {
	db := &mockDB{}
	h := newRunHandler(db, nil)
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodGet, "/api/v1/runs/"+validID, nil)
	r = withChiURLParam(r, "id", validID)

	db.On("QueryRow", mock.Anything, sqlContains("FROM backup_runs WHERE id = $1"), []any{validID}).
		Return(&mockRow{scanFunc: scanBackupRun(restorableBackup(validID))})

	h.Get(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	var run model.BackupRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, validID, run.ID)
}

func TestRunGet_EmptyID(t *testing.T) {
	h := newRunHandler(&mockDB{}, nil)
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodGet, "/api/v1/runs/", nil)
	r = withChiURLParam(r, "id", "")

	h.Get(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "missing required ID")
}

func TestRunGet_NotFound(t *testing.T) {
	db := &mockDB{}
	h := newRunHandler(db, nil)
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodGet, "/api/v1/runs/"+validID, nil)
	r = withChiURLParam(r, "id", validID)

	db.On("QueryRow", mock.Anything, sqlContains("FROM backup_runs WHERE id = $1"), mock.Anything).
		Return(errRow(pgx.ErrNoRows))

	h.Get(rec, r)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- GetRestore ---

func TestRunGetRestore(t *testing.T) {
	db := &mockDB{}
	h := newRunHandler(db, nil)
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodGet, "/api/v1/restores/"+validID, nil)
	r = withChiURLParam(r, "id", validID)

	restore := model.RestoreRun{
		ID:          validID,
		BackupRunID: "run-1",
		TargetID:    "target-mastodon",
		Status:      model.RunSuccess,
		Trigger:     model.TriggerAPI,
	}
	db.On("QueryRow", mock.Anything, sqlContains("FROM restore_runs WHERE id = $1"), []any{validID}).
		Return(&mockRow{scanFunc: scanRestoreRun(restore)})

	h.GetRestore(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	var run model.RestoreRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "run-1", run.BackupRunID)
}

func TestRunGetRestore_NotFound(t *testing.T) {
	db := &mockDB{}
	h := newRunHandler(db, nil)
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodGet, "/api/v1/restores/"+validID, nil)
	r = withChiURLParam(r, "id", validID)

	db.On("QueryRow", mock.Anything, sqlContains("FROM restore_runs WHERE id = $1"), mock.Anything).
		Return(errRow(pgx.ErrNoRows))

	h.GetRestore(rec, r)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- TriggerRestore ---

func TestTriggerRestore(t *testing.T) {
	db := &mockDB{}
	worker := idleWorker()
	h := newRunHandler(db, worker)
	rec := httptest.NewRecorder()
	r := newRequestRaw(http.MethodPost, "/api/v1/runs/"+validID+"/restores", "")
	r = withChiURLParam(r, "id", validID)

	backup := restorableBackup(validID)
	db.On("QueryRow", mock.Anything, sqlContains("FROM backup_runs WHERE id = $1"), mock.Anything).
		Return(&mockRow{scanFunc: scanBackupRun(backup)})
	db.On("Exec", mock.Anything, sqlContains("INSERT INTO restore_runs"), mock.Anything).
		Return(pgconn.CommandTag{}, nil)

	h.TriggerRestore(rec, r)
	worker.Wait()

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var run model.RestoreRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, backup.ID, run.BackupRunID)
	assert.Equal(t, backup.TargetID, run.TargetID)
	assert.Equal(t, model.TriggerAPI, run.Trigger)
}

func TestTriggerRestore_BackupNotFound(t *testing.T) {
	db := &mockDB{}
	h := newRunHandler(db, nil)
	rec := httptest.NewRecorder()
	r := newRequestRaw(http.MethodPost, "/api/v1/runs/"+validID+"/restores", "")
	r = withChiURLParam(r, "id", validID)

	db.On("QueryRow", mock.Anything, sqlContains("FROM backup_runs WHERE id = $1"), mock.Anything).
		Return(errRow(pgx.ErrNoRows))

	h.TriggerRestore(rec, r)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerRestore_FailedBackup(t *testing.T) {
	db := &mockDB{}
	h := newRunHandler(db, nil)
	rec := httptest.NewRecorder()
	r := newRequestRaw(http.MethodPost, "/api/v1/runs/"+validID+"/restores", "")
	r = withChiURLParam(r, "id", validID)

	backup := restorableBackup(validID)
	backup.Status = model.RunFailed
	db.On("QueryRow", mock.Anything, sqlContains("FROM backup_runs WHERE id = $1"), mock.Anything).
		Return(&mockRow{scanFunc: scanBackupRun(backup)})

	h.TriggerRestore(rec, r)

	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "not restorable")
}

func TestTriggerRestore_MissingChecksum(t *testing.T) {
	db := &mockDB{}
	h := newRunHandler(db, nil)
	rec := httptest.NewRecorder()
	r := newRequestRaw(http.MethodPost, "/api/v1/runs/"+validID+"/restores", "")
	r = withChiURLParam(r, "id", validID)

	backup := restorableBackup(validID)
	backup.ChecksumSHA256 = ""
	db.On("QueryRow", mock.Anything, sqlContains("FROM backup_runs WHERE id = $1"), mock.Anything).
		Return(&mockRow{scanFunc: scanBackupRun(backup)})

	h.TriggerRestore(rec, r)

	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "checksum")
}

func TestTriggerRestore_AlreadyActive(t *testing.T) {
	db := &mockDB{}
	h := newRunHandler(db, nil)
	rec := httptest.NewRecorder()
	r := newRequestRaw(http.MethodPost, "/api/v1/runs/"+validID+"/restores", "")
	r = withChiURLParam(r, "id", validID)

	db.On("QueryRow", mock.Anything, sqlContains("FROM backup_runs WHERE id = $1"), mock.Anything).
		Return(&mockRow{scanFunc: scanBackupRun(restorableBackup(validID))})
	db.On("Exec", mock.Anything, sqlContains("INSERT INTO restore_runs"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	h.TriggerRestore(rec, r)

	assert.Equal(t, http.StatusConflict, rec.Code)
}
