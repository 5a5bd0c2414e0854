package response

import (
	"encoding/json"
	"net/http"
)

// errorBody is the only error shape the API emits. Clients and the CLI
// surface the one field.
type errorBody struct {
	Error string `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, errorBody{Error: message})
}

// WriteAccepted responds 202 with the pending run. Trigger endpoints hand
// the run to the background worker first; callers poll the run resource
// for the outcome.
func WriteAccepted(w http.ResponseWriter, run any) {
	WriteJSON(w, http.StatusAccepted, run)
}

// PaginatedResponse wraps a page of targets. NextCursor is the last item's
// name, fed back verbatim as the cursor query parameter.
type PaginatedResponse struct {
	Items      any    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

func WritePaginated(w http.ResponseWriter, status int, items any, nextCursor string, hasMore bool) {
	WriteJSON(w, status, PaginatedResponse{
		Items:      items,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	})
}
