package relay

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Jabawack/bay-area-radar/internal/pipeline"
	"github.com/Jabawack/bay-area-radar/internal/progress"
)

func TestStreamHappyPath(t *testing.T) {
	t.Parallel()

	h := newHarness()
	exec := &fakeExec{stdout: strings.NewReader(happy())}
	r, err := New(starterFor(exec), h.hooks, 0)
	require.NoError(t, err)
	require.Equal(t, ModeStream, r.Mode())

	out := &recorder{}
	require.NoError(t, r.Stream(context.Background(), out))

	require.Len(t, out.progress, 10)
	require.Equal(t, ProgressMessage{Type: MessageStart, Node: "fetch_remotive", Message: "Fetching remote jobs from Remotive..."}, out.progress[0])
	require.Equal(t, MessageComplete, out.progress[1].Type)
	require.Equal(t, 12, *out.progress[1].JobsCount)
	require.Equal(t, "5 jobs match your criteria", out.progress[9].Message)
	require.Empty(t, out.errors)

	require.Len(t, out.completes, 1)
	resp := out.completes[0]
	require.True(t, resp.Success)
	require.Len(t, resp.Jobs, 5)
	require.Equal(t, 20, resp.TotalFound)
	require.Equal(t, 5, resp.TotalFiltered)
	require.False(t, resp.StartedAt.IsZero())
	require.False(t, resp.CompletedAt.IsZero())

	require.False(t, exec.aborted.Load())
	require.Equal(t, int32(1), exec.waited.Load())

	kinds := h.events.kinds()
	require.Equal(t, progress.KindSessionStart, kinds[0])
	require.Len(t, kinds, 12)
	done := h.events.last()
	require.Equal(t, progress.KindSessionDone, done.Kind)
	require.Equal(t, int64(20), done.Found)
	require.Equal(t, int64(5), done.Count)

	require.Contains(t, h.archive.saved, h.id)
	msgs := h.pub.Messages()
	require.Len(t, msgs, 1)
	note, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, h.id.String(), note.SessionID)
	require.Equal(t, "memory://sessions/"+h.id.String()+".json", note.ArchiveURI)
	require.Equal(t, "fetch-complete", msgs[0].Topic)
}

func TestStreamCrashAfterCompleteFails(t *testing.T) {
	t.Parallel()

	h := newHarness()
	exec := &fakeExec{
		stdout:  strings.NewReader(happy()),
		waitErr: &pipeline.ExitError{Code: 1, Detail: "RuntimeError: boom"},
	}
	r, err := New(starterFor(exec), h.hooks, 0)
	require.NoError(t, err)

	out := &recorder{}
	err = r.Stream(context.Background(), out)
	var exitErr *pipeline.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Empty(t, out.completes)
	require.Equal(t, []string{"pipeline exited with code 1: RuntimeError: boom"}, out.errors)
	require.Equal(t, progress.KindSessionError, h.events.last().Kind)
	require.Empty(t, h.archive.saved)
	require.Empty(t, h.pub.Messages())
}

func TestStreamWithoutResult(t *testing.T) {
	t.Parallel()

	h := newHarness()
	exec := &fakeExec{stdout: strings.NewReader(output(stageLines[:4]...))}
	r, err := New(starterFor(exec), h.hooks, 0)
	require.NoError(t, err)

	out := &recorder{}
	err = r.Stream(context.Background(), out)
	require.ErrorIs(t, err, ErrNoResult)
	require.Len(t, out.progress, 4)
	require.Equal(t, []string{"pipeline finished without a result"}, out.errors)
}

func TestStreamSpawnFailure(t *testing.T) {
	t.Parallel()

	h := newHarness()
	spawnErr := errors.New("start pipeline: exec: \"python3\": executable file not found in $PATH")
	starter := StarterFunc(func(context.Context) (Execution, error) { return nil, spawnErr })
	r, err := New(starter, h.hooks, 0)
	require.NoError(t, err)

	out := &recorder{}
	require.ErrorIs(t, r.Stream(context.Background(), out), spawnErr)
	require.Empty(t, out.progress)
	require.Equal(t, []string{spawnErr.Error()}, out.errors)
	require.Equal(t, []progress.Kind{progress.KindSessionStart, progress.KindSessionError}, h.events.kinds())
}

func TestStreamClientGoneAbortsPipeline(t *testing.T) {
	t.Parallel()

	h := newHarness()
	exec := &fakeExec{stdout: strings.NewReader(happy())}
	r, err := New(starterFor(exec), h.hooks, 0)
	require.NoError(t, err)

	out := &recorder{failProgressAt: 3}
	err = r.Stream(context.Background(), out)
	require.ErrorIs(t, err, errDelivery)
	require.ErrorIs(t, err, errClientGone)
	require.True(t, exec.aborted.Load())
	require.Equal(t, int32(1), exec.waited.Load())
	require.Len(t, out.progress, 2)
	require.Empty(t, out.errors)
	require.Empty(t, out.completes)
}

func TestStreamIgnoresRecordsAfterComplete(t *testing.T) {
	t.Parallel()

	h := newHarness()
	lines := append(append([]string{}, stageLines...), completeLine(2, 2), stageLines[0], completeLine(9, 9))
	exec := &fakeExec{stdout: strings.NewReader(output(lines...))}
	r, err := New(starterFor(exec), h.hooks, 0)
	require.NoError(t, err)

	out := &recorder{}
	require.NoError(t, r.Stream(context.Background(), out))
	require.Len(t, out.progress, 10)
	require.Len(t, out.completes, 1)
	require.Len(t, out.completes[0].Jobs, 2)
}

func TestStreamSkipsNoiseAndUnknownStages(t *testing.T) {
	t.Parallel()

	h := newHarness()
	lines := []string{
		"Loading config...",
		`{"type":"node_start","node":"summarize_jobs"}`,
		`{"broken json`,
		`{"type":"node_end","node":"summarize_jobs","jobs_count":4}`,
		completeLine(1, 1),
	}
	exec := &fakeExec{stdout: strings.NewReader(output(lines...))}
	r, err := New(starterFor(exec), h.hooks, 0)
	require.NoError(t, err)

	out := &recorder{}
	require.NoError(t, r.Stream(context.Background(), out))
	require.Len(t, out.progress, 2)
	require.Equal(t, "Processing summarize_jobs", out.progress[0].Message)
	require.Equal(t, "Completed summarize_jobs", out.progress[1].Message)
}

func TestFetchReturnsResultOnly(t *testing.T) {
	t.Parallel()

	h := newHarness()
	exec := &fakeExec{stdout: strings.NewReader(happy())}
	r, err := New(starterFor(exec), h.hooks, 0)
	require.NoError(t, err)

	result, err := r.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Jobs, 5)
	require.Equal(t, progress.KindSessionDone, h.events.last().Kind)

	exec = &fakeExec{stdout: strings.NewReader(""), waitErr: pipeline.ErrTimeout}
	r, err = New(starterFor(exec), Hooks{}, 0)
	require.NoError(t, err)
	_, err = r.Fetch(context.Background())
	require.ErrorIs(t, err, pipeline.ErrTimeout)
}

func TestArchiveFailureDoesNotFailSession(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.archive.err = errors.New("bucket gone")
	h.pub.FailWith(errors.New("broker gone"))
	exec := &fakeExec{stdout: strings.NewReader(happy())}
	r, err := New(starterFor(exec), h.hooks, 0)
	require.NoError(t, err)

	out := &recorder{}
	require.NoError(t, r.Stream(context.Background(), out))
	require.Len(t, out.completes, 1)
}

func TestNewRequiresStarter(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Hooks{}, 0)
	require.Error(t, err)
}

func TestOutcomeOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, "success", outcomeOf(nil))
	require.Equal(t, "timeout", outcomeOf(pipeline.ErrTimeout))
	require.Equal(t, "canceled", outcomeOf(context.Canceled))
	require.Equal(t, "canceled", outcomeOf(errDelivery))
	require.Equal(t, "error", outcomeOf(ErrNoResult))
}
