package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Jabawack/bay-area-radar/internal/archive"
	"github.com/Jabawack/bay-area-radar/internal/pipeline"
	"github.com/Jabawack/bay-area-radar/internal/relay"
)

var fixedNow = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return fixedNow }

// fakeFetcher replays a scripted session.
type fakeFetcher struct {
	mode     string
	progress []relay.ProgressMessage
	result   pipeline.FetchResult
	err      error

	mu    sync.Mutex
	calls int
}

func (f *fakeFetcher) Mode() string {
	if f.mode == "" {
		return relay.ModeStream
	}
	return f.mode
}

func (f *fakeFetcher) Stream(_ context.Context, out relay.EventWriter) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	for _, msg := range f.progress {
		if err := out.Progress(msg); err != nil {
			return err
		}
	}
	if f.err != nil {
		_ = out.Error(f.err.Error())
		return f.err
	}
	return out.Complete(pipeline.Response{Success: true, FetchResult: f.result})
}

func (f *fakeFetcher) Fetch(context.Context) (pipeline.FetchResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func sampleResult() pipeline.FetchResult {
	return pipeline.FetchResult{
		Jobs: []pipeline.Job{{
			Source:   "remotive",
			SourceID: "r-1",
			Company:  "Acme",
			Title:    "Backend Engineer",
			WorkType: pipeline.WorkRemote,
			URL:      "https://example.com/jobs/1",
			Skills:   []string{"go"},
		}},
		TotalFound:    4,
		TotalFiltered: 1,
		Progress:      []string{},
		Errors:        []string{},
		StartedAt:     pipeline.NewTimestamp(fixedNow.Add(-time.Minute)),
		CompletedAt:   pipeline.NewTimestamp(fixedNow),
	}
}

// denyLimiter rejects every request.
type denyLimiter struct {
	wait time.Duration
	keys []string
}

func (d *denyLimiter) Allow(key string) bool {
	d.keys = append(d.keys, key)
	return false
}

func (d *denyLimiter) RetryAfter(string) time.Duration { return d.wait }

type fakeArchive struct {
	snap archive.Snapshot
	err  error
}

func (f fakeArchive) Latest(context.Context) (archive.Snapshot, error) {
	return f.snap, f.err
}

var errBoom = errors.New("boom")
