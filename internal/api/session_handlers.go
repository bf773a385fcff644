package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Jabawack/bay-area-radar/internal/store"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
	historyTimeout      = 3 * time.Second
)

// SessionHandler exposes read-only fetch history endpoints.
type SessionHandler struct {
	repo    store.SessionRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewSessionHandler wires the repository and logger. A nil repo makes every
// endpoint answer 503.
func NewSessionHandler(repo store.SessionRepository, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListSessions handles GET /api/sessions?status=&limit=&offset=. It returns
// {"sessions": [...]} newest first, or 400 for invalid filters.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "session history unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSessionLimit, maxSessionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.SessionStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := store.ParseSessionStatus(strings.ToLower(raw))
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sessions, err := h.repo.ListSessions(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": toSessionDTOs(sessions)})
}

// GetSession handles GET /api/sessions/{session_id}. It returns
// {"session": {...}}, 400 for malformed IDs or 404 for unknown ones.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "session history unavailable")
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sess, err := h.repo.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("get session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionDTO(sess)})
}

// ListSessionStages handles GET /api/sessions/{session_id}/stages.
func (h *SessionHandler) ListSessionStages(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "session history unavailable")
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stages, err := h.repo.ListSessionStages(ctx, id)
	if err != nil {
		h.logger.Error("list session stages failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list session stages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": toStageDTOs(stages)})
}

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "session_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("session_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid session_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type sessionDTO struct {
	ID            string     `json:"id"`
	Mode          string     `json:"mode"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Status        string     `json:"status"`
	TotalFound    int64      `json:"total_found"`
	TotalFiltered int64      `json:"total_filtered"`
	JobCount      int64      `json:"job_count"`
	Error         *string    `json:"error,omitempty"`
}

type stageDTO struct {
	Stage      string     `json:"stage"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Count      *int64     `json:"count,omitempty"`
	Message    *string    `json:"message,omitempty"`
}

func toSessionDTOs(in []store.Session) []sessionDTO {
	out := make([]sessionDTO, 0, len(in))
	for _, s := range in {
		out = append(out, toSessionDTO(s))
	}
	return out
}

func toSessionDTO(s store.Session) sessionDTO {
	return sessionDTO{
		ID:            s.ID.String(),
		Mode:          s.Mode,
		StartedAt:     s.StartedAt,
		FinishedAt:    s.FinishedAt,
		Status:        string(s.Status),
		TotalFound:    s.TotalFound,
		TotalFiltered: s.TotalFiltered,
		JobCount:      s.JobCount,
		Error:         s.ErrorMessage,
	}
}

func toStageDTOs(in []store.StageRecord) []stageDTO {
	out := make([]stageDTO, 0, len(in))
	for _, s := range in {
		out = append(out, stageDTO{
			Stage:      s.Stage,
			StartedAt:  s.StartedAt,
			FinishedAt: s.FinishedAt,
			Count:      s.Count,
			Message:    s.Message,
		})
	}
	return out
}
