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

type Target struct {
	targets  *core.TargetStore
	backups  *core.BackupRunStore
	restores *core.RestoreRunStore
	worker   *core.Worker
}

func NewTarget(targets *core.TargetStore, backups *core.BackupRunStore, restores *core.RestoreRunStore, worker *core.Worker) *Target {
	return &Target{targets: targets, backups: backups, restores: restores, worker: worker}
}

func (h *Target) List(w http.ResponseWriter, r *http.Request) {
	p := request.ParsePagination(r)

	targets, hasMore, err := h.targets.List(r.Context(), p.Limit, p.Cursor)
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	nextCursor := ""
	if hasMore && len(targets) > 0 {
		nextCursor = targets[len(targets)-1].Name
	}
	response.WritePaginated(w, http.StatusOK, targets, nextCursor, hasMore)
}

func (h *Target) Get(w http.ResponseWriter, r *http.Request) {
	target, err := h.targets.GetByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, core.ErrTargetNotFound) {
			response.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusOK, target)
}

func (h *Target) Runs(w http.ResponseWriter, r *http.Request) {
	target, err := h.targets.GetByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, core.ErrTargetNotFound) {
			response.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	p := request.ParsePagination(r)
	runs, err := h.backups.ListByTarget(r.Context(), target.ID, p.Limit)
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusOK, runs)
}

// TriggerBackup creates a pending run and hands it to the background
// worker. The 202 response carries the pending run; callers poll
// GET /api/v1/runs/{id} for the outcome.
func (h *Target) TriggerBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TriggeredBy string `json:"triggered_by" validate:"omitempty,max=128"`
	}
	if err := request.DecodeOptional(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	target, err := h.targets.GetByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, core.ErrTargetNotFound) {
			response.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !target.Active() {
		response.WriteError(w, http.StatusConflict, "target is not active")
		return
	}

	activeRestore, err := h.restores.ActiveByTarget(r.Context(), target.ID)
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if activeRestore != nil {
		response.WriteError(w, http.StatusConflict, "a restore is already active for this target")
		return
	}

	run := &model.BackupRun{
		ID:            platform.NewID(),
		TargetID:      target.ID,
		Trigger:       model.TriggerAPI,
		TriggeredBy:   req.TriggeredBy,
		StorageBucket: target.StorageBucket,
		StartedAt:     time.Now().UTC(),
	}
	if err := h.backups.CreatePending(r.Context(), run); err != nil {
		if errors.Is(err, core.ErrConcurrentOperation) {
			response.WriteError(w, http.StatusConflict, "a backup or restore is already active for this target")
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.worker.StartBackup(run.ID)
	response.WriteAccepted(w, run)
}
