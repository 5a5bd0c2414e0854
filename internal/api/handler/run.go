package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/echoport/echoport/internal/api/request"
	"github.com/echoport/echoport/internal/api/response"
	"github.com/echoport/echoport/internal/core"
	"github.com/echoport/echoport/internal/model"
	"github.com/echoport/echoport/internal/platform"
)

type Run struct {
	backups  *core.BackupRunStore
	restores *core.RestoreRunStore
	worker   *core.Worker
}

func NewRun(backups *core.BackupRunStore, restores *core.RestoreRunStore, worker *core.Worker) *Run {
	return &Run{backups: backups, restores: restores, worker: worker}
}

func (h *Run) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.backups.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrRunNotFound) {
			response.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusOK, run)
}

func (h *Run) GetRestore(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.restores.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrRunNotFound) {
			response.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusOK, run)
}

// TriggerRestore creates a pending restore run for the given backup run and
// hands it to the background worker. Preconditions that are certain to fail
// the restore are rejected here rather than discovered minutes later in a
// failed run.
func (h *Run) TriggerRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TriggeredBy string `json:"triggered_by" validate:"omitempty,max=128"`
	}
	if err := request.DecodeOptional(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	backupRun, err := h.backups.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrRunNotFound) {
			response.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if backupRun.Status != model.RunSuccess {
		response.WriteError(w, http.StatusConflict, "backup run is not restorable: status is "+backupRun.Status)
		return
	}
	if backupRun.ChecksumSHA256 == "" {
		response.WriteError(w, http.StatusConflict, "backup run has no checksum and cannot be verified")
		return
	}

	run := &model.RestoreRun{
		ID:          platform.NewID(),
		TargetID:    backupRun.TargetID,
		BackupRunID: backupRun.ID,
		Trigger:     model.TriggerAPI,
		TriggeredBy: req.TriggeredBy,
		StartedAt:   time.Now().UTC(),
	}
	if err := h.restores.CreatePending(r.Context(), run); err != nil {
		if errors.Is(err, core.ErrConcurrentOperation) {
			response.WriteError(w, http.StatusConflict, "a backup or restore is already active for this target")
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.worker.StartRestore(run.ID)
	response.WriteAccepted(w, run)
}
