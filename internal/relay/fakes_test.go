package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Jabawack/bay-area-radar/internal/clock/system"
	iduuid "github.com/Jabawack/bay-area-radar/internal/id/uuid"
	"github.com/Jabawack/bay-area-radar/internal/pipeline"
	"github.com/Jabawack/bay-area-radar/internal/progress"
	pubmemory "github.com/Jabawack/bay-area-radar/internal/publisher/memory"
)

var stageLines = []string{
	`{"type":"node_start","node":"fetch_remotive"}`,
	`{"type":"node_end","node":"fetch_remotive","jobs_count":12,"progress":"Found 12 remote jobs"}`,
	`{"type":"node_start","node":"fetch_greenhouse"}`,
	`{"type":"node_end","node":"fetch_greenhouse","jobs_count":7}`,
	`{"type":"node_start","node":"fetch_lever"}`,
	`{"type":"node_end","node":"fetch_lever","jobs_count":3}`,
	`{"type":"node_start","node":"merge_jobs"}`,
	`{"type":"node_end","node":"merge_jobs","jobs_count":20}`,
	`{"type":"node_start","node":"calculate_distance"}`,
	`{"type":"node_end","node":"calculate_distance","jobs_count":5}`,
}

func completeLine(jobs, found int) string {
	parts := make([]string, jobs)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"source":"greenhouse","source_id":"g-%d","company":"Acme","title":"Backend Engineer","work_type":"hybrid","skills":["go"],"is_commutable":true}`, i)
	}
	return fmt.Sprintf(`{"type":"complete","jobs":[%s],"total_found":%d,"total_filtered":%d,"progress":["done"],"errors":[]}`,
		strings.Join(parts, ","), found, jobs)
}

func output(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func happy() string {
	return output(append(append([]string{}, stageLines...), completeLine(5, 20))...)
}

type fakeExec struct {
	stdout  io.Reader
	waitErr error
	aborted atomic.Bool
	waited  atomic.Int32
}

func (f *fakeExec) Stdout() io.Reader { return f.stdout }

func (f *fakeExec) Wait() error {
	f.waited.Add(1)
	return f.waitErr
}

func (f *fakeExec) Abort() { f.aborted.Store(true) }

func starterFor(exec *fakeExec) Starter {
	return StarterFunc(func(context.Context) (Execution, error) { return exec, nil })
}

// recorder is an EventWriter that keeps every frame. failProgressAt makes the
// n-th progress write (1-based) fail.
type recorder struct {
	mu             sync.Mutex
	progress       []ProgressMessage
	completes      []pipeline.Response
	errors         []string
	failProgressAt int
}

var errClientGone = errors.New("client went away")

func (r *recorder) Progress(msg ProgressMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failProgressAt > 0 && len(r.progress)+1 == r.failProgressAt {
		return errClientGone
	}
	r.progress = append(r.progress, msg)
	return nil
}

func (r *recorder) Complete(resp pipeline.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, resp)
	return nil
}

func (r *recorder) Error(message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, message)
	return nil
}

type emitterFunc func(progress.Event)

func (f emitterFunc) Emit(evt progress.Event) { f(evt) }

type collected struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *collected) emitter() progress.Emitter {
	return emitterFunc(func(evt progress.Event) {
		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
	})
}

func (c *collected) kinds() []progress.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Kind, len(c.events))
	for i, evt := range c.events {
		out[i] = evt.Kind
	}
	return out
}

func (c *collected) last() progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

type savedArchive struct {
	mu    sync.Mutex
	saved map[uuid.UUID]pipeline.Response
	err   error
}

func (a *savedArchive) Save(_ context.Context, id uuid.UUID, resp pipeline.Response) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	if a.saved == nil {
		a.saved = make(map[uuid.UUID]pipeline.Response)
	}
	a.saved[id] = resp
	return "memory://sessions/" + id.String() + ".json", nil
}

type harness struct {
	id      uuid.UUID
	events  *collected
	archive *savedArchive
	pub     *pubmemory.Publisher
	hooks   Hooks
}

func newHarness() *harness {
	h := &harness{
		id:      uuid.MustParse("0192f0a0-0000-7000-8000-000000000001"),
		events:  &collected{},
		archive: &savedArchive{},
		pub:     pubmemory.New(),
	}
	h.hooks = Hooks{
		Emitter:   h.events.emitter(),
		Archiver:  h.archive,
		Publisher: h.pub,
		Topic:     "fetch-complete",
		Clock:     system.NewStepper(time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC), 100*time.Millisecond),
		IDs:       iduuid.NewSequence(uuid.MustParse("0192f0a0-0000-7000-8000-000000000001")),
	}
	return h
}
