package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Jabawack/bay-area-radar/internal/archive"
	"github.com/Jabawack/bay-area-radar/internal/metrics"
	"github.com/Jabawack/bay-area-radar/internal/pipeline"
	"github.com/Jabawack/bay-area-radar/internal/relay"
)

// rateLimitedMessage is reported to clients over their fetch quota.
const rateLimitedMessage = "too many fetch requests"

// JobsHandler serves the fetch endpoints.
type JobsHandler struct {
	fetcher   relay.Fetcher
	archive   LatestArchive
	limiter   FetchLimiter
	clock     relay.Clock
	keepalive time.Duration
	logger    *zap.Logger
}

// NewJobsHandler wires a JobsHandler. archive and limiter may be nil.
func NewJobsHandler(
	fetcher relay.Fetcher,
	latest LatestArchive,
	limiter FetchLimiter,
	clock relay.Clock,
	keepalive time.Duration,
	logger *zap.Logger,
) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &JobsHandler{
		fetcher:   fetcher,
		archive:   latest,
		limiter:   limiter,
		clock:     clock,
		keepalive: keepalive,
		logger:    logger,
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Fetch handles GET /api/jobs. It returns the result with 200, or the
// failure body with 500 (429 when rate limited).
func (h *JobsHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, "/api/jobs") {
		writeJSON(w, http.StatusTooManyRequests, h.failure(rateLimitedMessage))
		return
	}
	result, err := h.fetcher.Fetch(r.Context())
	if err != nil {
		h.logger.Error("fetch failed", zap.String("mode", h.fetcher.Mode()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, h.failure(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, pipeline.Response{Success: true, FetchResult: result})
}

// Stream handles GET /api/jobs/stream. Failures are reported in-band as an
// error frame since the status line has already been sent.
func (h *JobsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	allowed := h.allow(w, r, "/api/jobs/stream")
	out := relay.NewWriter(w)
	if !allowed {
		if err := out.Error(rateLimitedMessage); err != nil {
			h.logger.Debug("rate limit frame not delivered", zap.Error(err))
		}
		return
	}

	stop := out.KeepAlive(r.Context(), h.keepalive)
	err := h.fetcher.Stream(r.Context(), out)
	stop()
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || r.Context().Err() != nil:
		h.logger.Info("stream closed by client", zap.Error(err))
	default:
		h.logger.Warn("stream fetch failed", zap.Error(err))
	}
}

// Latest handles GET /api/jobs/latest. It honors If-None-Match and returns
// 404 until a fetch has succeeded.
func (h *JobsHandler) Latest(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotFound, "no archived result")
		return
	}
	snap, err := h.archive.Latest(r.Context())
	if errors.Is(err, archive.ErrNotArchived) {
		writeError(w, http.StatusNotFound, "no archived result")
		return
	}
	if err != nil {
		h.logger.Error("load latest result failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load latest result")
		return
	}
	w.Header().Set("ETag", snap.ETag)
	w.Header().Set("Cache-Control", "no-cache")
	if snap.Matches(r.Header.Get("If-None-Match")) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(snap.Body); err != nil {
		h.logger.Warn("write latest result failed", zap.Error(err))
	}
}

// allow consumes a fetch token for the caller and sets Retry-After when the
// caller is over quota.
func (h *JobsHandler) allow(w http.ResponseWriter, r *http.Request, route string) bool {
	if h.limiter == nil {
		return true
	}
	key := metrics.ClientHost(r.RemoteAddr)
	if h.limiter.Allow(key) {
		return true
	}
	metrics.ObserveRateLimitRejection(route)
	if wait := h.limiter.RetryAfter(key); wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}
	h.logger.Info("fetch rate limited", zap.String("client", key), zap.String("route", route))
	return false
}

// failure is the body returned when a fetch cannot produce a result.
func (h *JobsHandler) failure(message string) pipeline.Response {
	now := pipeline.NewTimestamp(h.clock.Now())
	return pipeline.Response{
		Success: false,
		FetchResult: pipeline.FetchResult{
			Jobs:        []pipeline.Job{},
			Progress:    []string{},
			Errors:      []string{message},
			StartedAt:   now,
			CompletedAt: now,
		},
	}
}
