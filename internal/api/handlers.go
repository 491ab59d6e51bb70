package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"loopcast/internal/models"
	"loopcast/internal/storage"
	"loopcast/internal/stream"
	"loopcast/internal/supervisor"
)

// SessionService is the lifecycle surface exposed over HTTP. Satisfied by
// *stream.Manager.
type SessionService interface {
	StartSession(ctx context.Context, req stream.StartRequest) (models.StreamSession, error)
	StopSession(ctx context.Context, sessionID string) error
}

// StatusProvider serves the merged read-side views. Satisfied by
// *stream.Reconciler.
type StatusProvider interface {
	Status(sessionID string) (stream.StatusView, bool)
	StatusAll() []stream.StatusView
}

// EventSource lets clients follow session events. Satisfied by *stream.Hub.
type EventSource interface {
	Subscribe() (<-chan models.Event, func())
}

// HandlerConfig assembles the handler's collaborators.
type HandlerConfig struct {
	Sessions SessionService
	Statuses StatusProvider
	Events   EventSource
	History  storage.Repository
	Logger   *slog.Logger
}

// Handler carries the HTTP endpoints for session control and inspection.
type Handler struct {
	sessions SessionService
	statuses StatusProvider
	events   EventSource
	history  storage.Repository
	logger   *slog.Logger
}

// NewHandler wires a handler from its collaborators.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		sessions: cfg.Sessions,
		statuses: cfg.Statuses,
		events:   cfg.Events,
		history:  cfg.History,
		logger:   cfg.Logger,
	}
}

// Health reports process liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	VideoPath      string     `json:"videoPath"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	PrivacyStatus  string     `json:"privacyStatus"`
	ScheduledStart *time.Time `json:"scheduledStart"`
	Resolution     string     `json:"resolution"`
	FrameRate      string     `json:"frameRate"`
}

// CreateSession starts a new rebroadcast session. The response is returned
// once the transcoder is running; going live continues in the background.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var payload createSessionRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(payload.VideoPath) == "" {
		writeError(w, http.StatusBadRequest, errors.New("videoPath is required"))
		return
	}
	if strings.TrimSpace(payload.Title) == "" {
		writeError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}

	settings := models.BroadcastSettings{
		Title:         payload.Title,
		Description:   payload.Description,
		PrivacyStatus: payload.PrivacyStatus,
		Resolution:    payload.Resolution,
		FrameRate:     payload.FrameRate,
	}
	if payload.ScheduledStart != nil {
		settings.ScheduledStart = *payload.ScheduledStart
	}
	if settings.Resolution == "" {
		settings.Resolution = "1080p"
	}
	if settings.FrameRate == "" {
		settings.FrameRate = "30fps"
	}

	session, err := h.sessions.StartSession(r.Context(), stream.StartRequest{
		VideoPath: payload.VideoPath,
		Broadcast: settings,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// ListSessions returns the merged status of every known session.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.statuses.StatusAll())
}

// GetSession returns the merged status of one session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	view, ok := h.statuses.Status(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", sessionID))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// StopSession tears the session down and returns its final merged view.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.sessions.StopSession(r.Context(), sessionID); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	view, ok := h.statuses.Status(sessionID)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListHistory returns persisted session records, newest first. Supports
// ?state= and ?limit= filters.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusOK, []models.StreamSession{})
		return
	}
	filter := storage.SessionFilter{}
	if state := strings.TrimSpace(r.URL.Query().Get("state")); state != "" {
		parsed, err := models.ParseSessionState(state)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.State = string(parsed)
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}

	records, err := h.history.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("load history: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// statusForError maps lifecycle errors onto HTTP status codes so clients can
// tell caller mistakes from remote-service trouble.
func statusForError(err error) int {
	var external *stream.ExternalServiceError
	var bindErr *stream.BindError
	var launch *supervisor.LaunchError
	switch {
	case errors.Is(err, stream.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrSessionExists),
		errors.Is(err, stream.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &external), errors.As(err, &bindErr):
		return http.StatusBadGateway
	case errors.As(err, &launch):
		return http.StatusInternalServerError
	case strings.Contains(err.Error(), "cannot stop session"):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
