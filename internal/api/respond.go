package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/tether/internal/capture"
	"github.com/kalambet/tether/internal/queue"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// writeErr maps domain errors to status codes. Anything unrecognised is
// reported with fallback.
func writeErr(w http.ResponseWriter, err error, fallback int) {
	switch {
	case errors.Is(err, queue.ErrEmptyInput):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case capture.IsValidation(err):
		httpError(w, http.StatusUnprocessableEntity, "validation_error", "%v", err)
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, capture.ErrNoPreview):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, capture.ErrStalePreview),
		errors.Is(err, capture.ErrPreviewBusy),
		errors.Is(err, queue.ErrInvalidTransition):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	default:
		httpError(w, fallback, "api_error", "%v", err)
	}
}
