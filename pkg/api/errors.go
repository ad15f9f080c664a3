package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"bookwarehouse/pkg/warehouse"
)

type errorResponse struct {
	Error string `json:"error" example:"insufficient stock: shelf A holds 2 copies of book X, 3 requested"`
}

// statusOf maps service errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, warehouse.ErrValidation),
		errors.Is(err, warehouse.ErrUnknownBookInOrder),
		errors.Is(err, warehouse.ErrQuantityMismatch),
		errors.Is(err, warehouse.ErrInsufficientStock):
		return http.StatusBadRequest
	case errors.Is(err, warehouse.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, warehouse.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		msg = warehouse.ErrServer.Error()
	}
	writeJSONError(w, status, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
