package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/protocol"
	"github.com/nerrad567/gray-logic-cfu/internal/host"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeNotFound      = "not_found"
	ErrCodeConflict      = "conflict"
	ErrCodeInternal      = "internal_error"
	ErrCodeTooLarge      = "payload_too_large"
	ErrCodeUnavailable   = "unavailable"
	ErrCodeUpToDate      = "up_to_date"
	ErrCodeOfferRejected = "offer_rejected"
	ErrCodeBusy          = "component_busy"
	ErrCodeBadImage      = "bad_image"
	ErrCodeTimeout       = "timeout"
	ErrCodeStateMismatch = "state_mismatch"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnavailable writes a 503 error response.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeUpdateError maps an update session error to a status code.
func writeUpdateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cfu.ErrInvalidComponent):
		writeNotFound(w, err.Error())
	case errors.Is(err, host.ErrEmptyImage), errors.Is(err, protocol.ErrInvalidCommand):
		writeBadRequest(w, err.Error())
	case errors.Is(err, host.ErrUpToDate):
		writeError(w, http.StatusConflict, ErrCodeUpToDate, err.Error())
	case errors.Is(err, cfu.ErrStateMismatch):
		writeError(w, http.StatusConflict, ErrCodeStateMismatch, err.Error())
	case errors.Is(err, host.ErrOfferRejected):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeOfferRejected, err.Error())
	case errors.Is(err, cfu.ErrBadImage):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeBadImage, err.Error())
	case errors.Is(err, cfu.ErrComponentBusy):
		writeError(w, http.StatusServiceUnavailable, ErrCodeBusy, err.Error())
	case errors.Is(err, cfu.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
