package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Jabawack/bay-area-radar/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms move with session events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	id := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{SessionID: id, TS: now, Kind: progress.KindSessionStart, Note: "stream"},
		{SessionID: id, TS: now, Kind: progress.KindSessionStart, Note: "stream"},
		{SessionID: id, TS: now, Kind: progress.KindStageStart, Stage: "fetch_remotive"},
		{SessionID: id, TS: now.Add(2 * time.Second), Kind: progress.KindStageEnd, Stage: "fetch_remotive", Count: 12, Dur: 2 * time.Second},
		{SessionID: id, TS: now.Add(3 * time.Second), Kind: progress.KindStageEnd, Stage: "fetch_usajobs", Count: 4, Dur: time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.sessionsStarted.WithLabelValues("stream")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsRunning), "duplicate starts count once")
	require.Equal(t, 12.0, testutil.ToFloat64(sink.stageResults.WithLabelValues("fetch_remotive")))
	require.Equal(t, 4.0, testutil.ToFloat64(sink.stageResults.WithLabelValues("other")))
	require.Equal(t, 2, testutil.CollectAndCount(sink.stageDuration, "radar_stage_duration_seconds"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SessionID: id, TS: now.Add(5 * time.Second), Kind: progress.KindSessionDone, Count: 5, Found: 20, Filtered: 5, Dur: 5 * time.Second},
		{SessionID: id, TS: now.Add(6 * time.Second), Kind: progress.KindSessionError, Note: "late", Dur: 6 * time.Second},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsCompleted.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.sessionsRunning))
	require.Equal(t, 1, testutil.CollectAndCount(sink.sessionJobs, "radar_session_jobs"))
	require.NoError(t, sink.Close(context.Background()))
}

// TestPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
