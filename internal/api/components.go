package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/protocol"
	"github.com/nerrad567/gray-logic-cfu/internal/history"
	"github.com/nerrad567/gray-logic-cfu/internal/host"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// UpdateRequest is the body of POST /api/v1/components/{id}/update.
type UpdateRequest struct {
	// Version is the image's firmware version, "major.minor.variant".
	Version string `json:"version"`

	// Image is the firmware content, standard base64.
	Image string `json:"image"`

	// Token is copied into the offer.
	Token uint8 `json:"token"`

	// Force skips the version check.
	Force bool `json:"force"`
}

// handleListComponents returns every registered component and its state.
func (s *Server) handleListComponents(w http.ResponseWriter, _ *http.Request) {
	comps := s.components.Components()
	writeJSON(w, http.StatusOK, map[string]any{
		"components": comps,
		"count":      len(comps),
	})
}

// handleGetComponent returns one component.
func (s *Server) handleGetComponent(w http.ResponseWriter, r *http.Request) {
	id, err := parseComponentID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	status, err := s.components.Component(id)
	if err != nil {
		if errors.Is(err, cfu.ErrInvalidComponent) {
			writeNotFound(w, "component not found")
			return
		}
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleGetComponentHistory returns a component's recent update history.
//
// Query parameters:
//   - limit: maximum entries (default 50, max 500)
//   - since: RFC3339 lower bound on created_at
//   - kind: transition, notification or request
func (s *Server) handleGetComponentHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "update history not configured")
		return
	}

	id, err := parseComponentID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if _, err := s.components.Component(id); err != nil {
		writeNotFound(w, "component not found")
		return
	}

	q := r.URL.Query()
	limit, err := parseHistoryLimit(q.Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	since, err := parseSinceParam(q.Get("since"))
	if err != nil {
		writeBadRequest(w, "invalid since timestamp")
		return
	}
	kind := q.Get("kind")
	switch kind {
	case "", history.KindTransition, history.KindNotification, history.KindRequest:
	default:
		writeBadRequest(w, "invalid kind")
		return
	}

	entries, err := s.history.GetHistory(r.Context(), id, history.Query{Limit: limit, Kind: kind, Since: since})
	if err != nil {
		s.logger.Error("failed to load component history", "component", id, "error", err)
		writeInternalError(w, "failed to load history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"component_id": id,
		"history":      entries,
		"count":        len(entries),
	})
}

// handleUpdateComponent runs a full update session and returns its result.
// The request blocks until the session finishes or the client goes away.
func (s *Server) handleUpdateComponent(w http.ResponseWriter, r *http.Request) {
	if s.updater == nil {
		writeUnavailable(w, "update driver not configured")
		return
	}

	id, err := parseComponentID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request body too large")
			return
		}
		writeBadRequest(w, "invalid JSON body")
		return
	}

	version, err := protocol.ParseFwVersion(req.Version)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		writeBadRequest(w, "image is not valid base64")
		return
	}
	if s.cfg.MaxImageSize > 0 && int64(len(data)) > s.cfg.MaxImageSize {
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge,
			fmt.Sprintf("image exceeds %d bytes", s.cfg.MaxImageSize))
		return
	}

	res, err := s.updater.Update(r.Context(), host.Image{
		ComponentID: id,
		Version:     version,
		Data:        data,
		Token:       req.Token,
		Force:       req.Force,
	})
	s.recordSession(r, res, err)
	if err != nil {
		writeUpdateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleInventory queries every component for its firmware version.
func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	if s.updater == nil {
		writeUnavailable(w, "update driver not configured")
		return
	}
	inv := s.updater.Inventory(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"components": inv,
		"count":      len(inv),
	})
}

// recordSession stores the outcome of an update session in the history and
// the time-series store.
func (s *Server) recordSession(r *http.Request, res host.Result, sessionErr error) {
	if s.sessions != nil {
		s.sessions.WriteSession(uint8(res.ComponentID), host.SessionResult(sessionErr), res.Bytes, res.Duration)
	}
	if s.history == nil {
		return
	}

	detail := map[string]any{
		"session_id": res.SessionID,
		"from":       res.From.String(),
		"to":         res.To.String(),
		"bytes":      res.Bytes,
		"duration":   res.Duration.String(),
		"request_id": r.Context().Value(ctxKeyRequestID),
	}
	if sessionErr != nil {
		detail["error"] = sessionErr.Error()
	}

	entry, err := history.RequestEntry(res.ComponentID, detail)
	if err == nil {
		// The request context may already be cancelled when the client left.
		err = s.history.Record(context.WithoutCancel(r.Context()), entry)
	}
	if err != nil {
		s.logger.Warn("failed to record update session", "component", res.ComponentID, "error", err)
	}
}

// parseComponentID parses a decimal component ID in the range 0-255.
func parseComponentID(raw string) (cfu.ComponentID, error) {
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid component id %q", raw)
	}
	return cfu.ComponentID(v), nil
}

// parseHistoryLimit parses the limit parameter with defaults and bounds.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if limit > maxHistoryLimit {
		return 0, fmt.Errorf("limit exceeds maximum")
	}

	return limit, nil
}

// parseSinceParam parses the since parameter as RFC3339/RFC3339Nano.
func parseSinceParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}
