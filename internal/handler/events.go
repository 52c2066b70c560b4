package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/sessionsync/internal/eventlog"
	"github.com/capitalize-ai/sessionsync/internal/middleware"
	"github.com/capitalize-ai/sessionsync/internal/model"
	"github.com/capitalize-ai/sessionsync/internal/service"
	"github.com/capitalize-ai/sessionsync/pkg/logger"
)

// EventHandler handles session event log endpoints.
type EventHandler struct {
	service *service.EventService
	logger  *logger.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(svc *service.EventService, log *logger.Logger) *EventHandler {
	return &EventHandler{
		service: svc,
		logger:  log,
	}
}

// DeleteResponse reports how many events a suffix delete removed.
type DeleteResponse struct {
	Removed int `json:"removed"`
}

func sessionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID := chi.URLParam(r, "id")
	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return sessionID, true
}

// List handles GET /api/v1/sessions/{id}/events?min_offset=N
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	minOffset, err := middleware.ParseMinOffset(r.URL.Query().Get("min_offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.List(r.Context(), middleware.GetTenantID(r.Context()), sessionID, minOffset)
	if err != nil {
		writeServiceError(w, h.logger, "failed to list events", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Append handles POST /api/v1/sessions/{id}/events?moderation=auto|none
func (h *EventHandler) Append(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}

	moderation := eventlog.ModerationAuto
	if raw := r.URL.Query().Get("moderation"); raw != "" {
		parsed, err := eventlog.ParseModeration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		moderation = parsed
	}

	var req model.AppendEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	event, err := h.service.Append(r.Context(), middleware.GetTenantID(r.Context()), sessionID, &req, string(moderation))
	if err != nil {
		writeServiceError(w, h.logger, "failed to append event", err)
		return
	}

	writeJSON(w, http.StatusCreated, event)
}

// DeleteFrom handles DELETE /api/v1/sessions/{id}/events?min_offset=N
func (h *EventHandler) DeleteFrom(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	raw := r.URL.Query().Get("min_offset")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "min_offset is required")
		return
	}
	minOffset, err := middleware.ParseMinOffset(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	removed, err := h.service.DeleteFrom(r.Context(), middleware.GetTenantID(r.Context()), sessionID, minOffset)
	if err != nil {
		writeServiceError(w, h.logger, "failed to delete events", err)
		return
	}

	writeJSON(w, http.StatusOK, DeleteResponse{Removed: removed})
}
