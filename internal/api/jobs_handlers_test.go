package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Jabawack/bay-area-radar/internal/archive"
	"github.com/Jabawack/bay-area-radar/internal/pipeline"
	"github.com/Jabawack/bay-area-radar/internal/relay"
	"github.com/Jabawack/bay-area-radar/internal/storage/memory"
)

func TestJobsHandlerFetchSuccess(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{result: sampleResult()}
	h := NewJobsHandler(fetcher, nil, nil, fixedClock{}, 0, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Fetch(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body pipeline.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Len(t, body.Jobs, 1)
	require.Equal(t, 4, body.TotalFound)
	require.Equal(t, 1, body.TotalFiltered)
}

func TestJobsHandlerFetchFailureBody(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: errBoom}
	h := NewJobsHandler(fetcher, nil, nil, fixedClock{}, 0, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Fetch(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["success"])
	require.Equal(t, []any{}, body["jobs"])
	require.Equal(t, []any{}, body["progress"])
	require.Equal(t, []any{"boom"}, body["errors"])
	require.EqualValues(t, 0, body["total_found"])
	require.EqualValues(t, 0, body["total_filtered"])
	require.Equal(t, "2026-10-14T09:30:00Z", body["fetch_started_at"])
	require.Equal(t, body["fetch_started_at"], body["fetch_completed_at"])
}

func TestJobsHandlerFetchRateLimited(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{result: sampleResult()}
	limiter := &denyLimiter{wait: 1500 * time.Millisecond}
	h := NewJobsHandler(fetcher, nil, limiter, fixedClock{}, 0, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	h.Fetch(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("Retry-After"))
	require.Contains(t, rec.Body.String(), rateLimitedMessage)
	require.Equal(t, []string{"10.1.2.3"}, limiter.keys)
	require.Zero(t, fetcher.Calls())
}

func TestJobsHandlerStreamFrames(t *testing.T) {
	t.Parallel()

	count := 12
	fetcher := &fakeFetcher{
		progress: []relay.ProgressMessage{
			{Type: relay.MessageStart, Node: "fetch_remotive", Message: "Fetching remote jobs from Remotive..."},
			{Type: relay.MessageComplete, Node: "fetch_remotive", Message: "Found 12 remote jobs from Remotive", JobsCount: &count},
		},
		result: sampleResult(),
	}
	h := NewJobsHandler(fetcher, nil, nil, fixedClock{}, 0, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Stream(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/stream", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	require.Equal(t, 2, strings.Count(body, "event: progress\n"))
	require.Equal(t, 1, strings.Count(body, "event: complete\n"))
	require.NotContains(t, body, "event: error")
	require.Less(t, strings.Index(body, "event: progress"), strings.Index(body, "event: complete"))
}

func TestJobsHandlerStreamError(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: errBoom}
	h := NewJobsHandler(fetcher, nil, nil, fixedClock{}, 0, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Stream(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/stream", nil))

	require.Equal(t, "event: error\ndata: {\"message\":\"boom\"}\n\n", rec.Body.String())
}

func TestJobsHandlerStreamRateLimited(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{result: sampleResult()}
	h := NewJobsHandler(fetcher, nil, &denyLimiter{wait: time.Second}, fixedClock{}, 0, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Stream(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/stream", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	require.Equal(t, "event: error\ndata: {\"message\":\"too many fetch requests\"}\n\n", rec.Body.String())
	require.Zero(t, fetcher.Calls())
}

func TestJobsHandlerLatest(t *testing.T) {
	t.Parallel()

	store, err := archive.New(memory.NewBlobStore(), "results")
	require.NoError(t, err)
	h := NewJobsHandler(&fakeFetcher{}, store, nil, fixedClock{}, 0, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Latest(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/latest", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	_, err = store.Save(t.Context(), uuidForTest(t), pipeline.Response{Success: true, FetchResult: sampleResult()})
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	h.Latest(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	var body pipeline.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Len(t, body.Jobs, 1)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/latest", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	h.Latest(rec, req)
	require.Equal(t, http.StatusNotModified, rec.Code)
	require.Empty(t, rec.Body.Bytes())
}

func TestJobsHandlerLatestErrors(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	NewJobsHandler(&fakeFetcher{}, nil, nil, nil, 0, nil).
		Latest(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/latest", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	NewJobsHandler(&fakeFetcher{}, fakeArchive{err: errBoom}, nil, nil, 0, nil).
		Latest(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/latest", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
