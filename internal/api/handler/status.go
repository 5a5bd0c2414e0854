package handler

import (
	"net/http"

	"github.com/echoport/echoport/internal/api/response"
	"github.com/echoport/echoport/internal/core"
)

// Status serves the public health aggregate. It is unauthenticated and
// always answers 200; the overall state lives in the body so external
// monitors can alert on content, not transport.
type Status struct {
	health *core.HealthService
}

func NewStatus(health *core.HealthService) *Status {
	return &Status{health: health}
}

func (h *Status) Get(w http.ResponseWriter, r *http.Request) {
	report, err := h.health.Report(r.Context())
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusOK, report)
}
