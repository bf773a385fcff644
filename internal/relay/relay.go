// Package relay runs fetch sessions and republishes pipeline progress as
// server-sent events. A Relay drives a local pipeline process; a Proxy
// forwards to an upstream deployment that cannot stream.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/Jabawack/bay-area-radar/internal/metrics"
	"github.com/Jabawack/bay-area-radar/internal/pipeline"
)

// Relay modes.
const (
	ModeStream = "stream"
	ModeProxy  = "proxy"
)

var (
	// errDelivery marks failures writing to the client; no frame can report
	// them.
	errDelivery = errors.New("deliver event")
	// ErrNoResult reports a pipeline that exited cleanly without a complete
	// record.
	ErrNoResult = errors.New("pipeline finished without a result")
)

// Fetcher runs fetch sessions. Stream reports progress as it happens; Fetch
// returns only the final result.
type Fetcher interface {
	Mode() string
	Stream(ctx context.Context, out EventWriter) error
	Fetch(ctx context.Context) (pipeline.FetchResult, error)
}

// Execution is a started pipeline run.
type Execution interface {
	Stdout() io.Reader
	Wait() error
	Abort()
}

// Starter launches pipeline runs.
type Starter interface {
	Start(ctx context.Context) (Execution, error)
}

// StarterFunc adapts a function to Starter.
type StarterFunc func(ctx context.Context) (Execution, error)

// Start calls f.
func (f StarterFunc) Start(ctx context.Context) (Execution, error) {
	return f(ctx)
}

// RunnerStarter adapts a pipeline.Runner.
func RunnerStarter(r *pipeline.Runner) Starter {
	return StarterFunc(func(ctx context.Context) (Execution, error) {
		exec, err := r.Start(ctx)
		if err != nil {
			return nil, err
		}
		return exec, nil
	})
}

// Relay drives one local pipeline process per fetch.
type Relay struct {
	starter      Starter
	hooks        Hooks
	maxLineBytes int
}

// New builds a Relay. maxLineBytes <= 0 uses the decoder default.
func New(starter Starter, hooks Hooks, maxLineBytes int) (*Relay, error) {
	if starter == nil {
		return nil, errors.New("relay requires a pipeline starter")
	}
	hooks = hooks.withDefaults()
	hooks.Logger = hooks.Logger.Named("relay")
	return &Relay{starter: starter, hooks: hooks, maxLineBytes: maxLineBytes}, nil
}

// Mode reports ModeStream.
func (r *Relay) Mode() string {
	return ModeStream
}

// Stream runs a fetch and writes every frame to out. The returned error
// describes why the session failed; when the failure could be reported, an
// error frame has already been written.
func (r *Relay) Stream(ctx context.Context, out EventWriter) error {
	ctx, sess := r.hooks.open(ctx, ModeStream)
	result, err := r.run(ctx, sess, out.Progress)
	switch {
	case err == nil:
		if werr := out.Complete(pipeline.Response{Success: true, FetchResult: result}); werr != nil {
			err = fmt.Errorf("%w: %w", errDelivery, werr)
		}
	case !errors.Is(err, errDelivery):
		if werr := out.Error(err.Error()); werr != nil {
			sess.logger.Debug("error frame not delivered", zap.Error(werr))
		}
	}
	sess.close(ctx, result, err)
	return err
}

// Fetch runs a fetch without progress reporting.
func (r *Relay) Fetch(ctx context.Context) (pipeline.FetchResult, error) {
	ctx, sess := r.hooks.open(ctx, ModeStream)
	result, err := r.run(ctx, sess, nil)
	sess.close(ctx, result, err)
	return result, err
}

// run owns the pipeline's output for the session. The complete record is
// held until the process has been reaped so a crash after it still fails the
// session.
func (r *Relay) run(ctx context.Context, sess *session, onProgress func(ProgressMessage) error) (pipeline.FetchResult, error) {
	exec, err := r.starter.Start(ctx)
	if err != nil {
		return pipeline.FetchResult{}, err
	}
	metrics.IncActivePipelines()
	defer metrics.DecActivePipelines()

	dec := pipeline.NewDecoder(exec.Stdout(), r.maxLineBytes)
	var (
		result  *pipeline.FetchResult
		readErr error
	)
	for {
		rec, nextErr := dec.Next()
		if errors.Is(nextErr, io.EOF) {
			break
		}
		if nextErr != nil {
			readErr = nextErr
			break
		}
		if result != nil {
			continue
		}
		if rec.Kind == pipeline.KindComplete {
			result = rec.Result
			continue
		}
		sess.stage(rec.Stage)
		if onProgress == nil {
			continue
		}
		if werr := onProgress(Translate(rec.Stage)); werr != nil {
			readErr = fmt.Errorf("%w: %w", errDelivery, werr)
			break
		}
	}
	metrics.ObserveDiscardedLines(dec.Discarded())

	if readErr != nil {
		exec.Abort()
	}
	waitErr := exec.Wait()
	switch {
	case readErr != nil:
		return pipeline.FetchResult{}, readErr
	case waitErr != nil:
		return pipeline.FetchResult{}, waitErr
	case result == nil:
		return pipeline.FetchResult{}, ErrNoResult
	}
	sess.fill(result)
	return *result, nil
}
