package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Jabawack/bay-area-radar/internal/pipeline"
	"github.com/Jabawack/bay-area-radar/internal/progress"
)

// PrometheusSink exports session and stage metrics.
type PrometheusSink struct {
	sessionsStarted   *prometheus.CounterVec
	sessionsCompleted *prometheus.CounterVec
	sessionsRunning   prometheus.Gauge
	sessionRuntime    *prometheus.HistogramVec
	sessionJobs       prometheus.Histogram

	stageResults  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_sessions_started_total",
			Help: "Fetch sessions started, partitioned by relay mode.",
		}, []string{"mode"}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_sessions_completed_total",
			Help: "Fetch sessions finished, partitioned by result.",
		}, []string{"result"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radar_sessions_running",
			Help: "Fetch sessions currently in progress.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "radar_session_runtime_seconds",
			Help:    "Wall time per finished session.",
			Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 90},
		}, []string{"result"}),
		sessionJobs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "radar_session_jobs",
			Help:    "Jobs delivered per successful session.",
			Buckets: []float64{0, 5, 10, 25, 50, 100, 250},
		}),
		stageResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_stage_results_total",
			Help: "Result counts reported at stage end, partitioned by stage.",
		}, []string{"stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "radar_stage_duration_seconds",
			Help:    "Stage duration partitioned by stage.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 40},
		}, []string{"stage"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsCompleted,
		s.sessionsRunning,
		s.sessionRuntime,
		s.sessionJobs,
		s.stageResults,
		s.stageDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindSessionStart:
		mode := evt.Note
		if mode == "" {
			mode = "unknown"
		}
		s.sessionsStarted.WithLabelValues(mode).Inc()
		if s.tracker.start(evt.SessionID) {
			s.sessionsRunning.Inc()
		}
	case progress.KindStageEnd:
		stage := stageLabel(evt.Stage)
		if evt.Count > 0 {
			s.stageResults.WithLabelValues(stage).Add(float64(evt.Count))
		}
		if evt.Dur > 0 {
			s.stageDuration.WithLabelValues(stage).Observe(evt.Dur.Seconds())
		}
	case progress.KindSessionDone:
		s.finish(evt, "success")
		s.sessionJobs.Observe(float64(evt.Count))
	case progress.KindSessionError:
		s.finish(evt, "error")
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.sessionsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.sessionRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.SessionID) {
		s.sessionsRunning.Dec()
	}
}

// stageLabel folds stages this build does not know into one label value.
func stageLabel(stage string) string {
	if pipeline.Stage(stage).Known() {
		return stage
	}
	return "other"
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[[16]byte]struct{})}
}

func (t *sessionTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
