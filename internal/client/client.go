// Package client subscribes to the relay's event stream and turns it into the
// progress view and result the dashboard renders. When the stream fails it
// falls back to one non-streaming request.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Jabawack/bay-area-radar/internal/pipeline"
	"github.com/Jabawack/bay-area-radar/internal/relay"
)

// State is the lifecycle position of a fetch session.
type State string

// Session states.
const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateFallback   State = "fallback"
	StateComplete   State = "complete"
	StateErrored    State = "errored"
)

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateErrored
}

const (
	streamPath   = "/api/jobs/stream"
	fetchPath    = "/api/jobs"
	maxBodyBytes = 64 << 20

	fallbackFailure = "Failed to fetch jobs"
)

// ErrClosed is returned by Fetch after Close.
var ErrClosed = errors.New("client closed")

// Snapshot is the observable state of a session.
type Snapshot struct {
	State    State
	Steps    []StepView
	Result   *pipeline.FetchResult
	Errors   []string
	Degraded bool
}

// Observer receives a snapshot after every change. It runs on the session's
// goroutine, so it must not block for long or call Client.Fetch.
type Observer func(Snapshot)

// Config configures a Client.
type Config struct {
	// BaseURL is the relay server root, e.g. http://localhost:8080.
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// DisableStream skips the event stream and always uses the one-shot
	// request.
	DisableStream bool
	Observer      Observer
	Logger        *zap.Logger
}

// Client runs fetch sessions against a relay server. At most one session is
// active; starting a new one tears down the previous.
type Client struct {
	base     *url.URL
	apiKey   string
	http     *http.Client
	noStream bool
	observer Observer
	logger   *zap.Logger

	mu     sync.Mutex
	active *Session
	closed bool
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("client requires a base url")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", base.Scheme)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No client timeout: the stream stays open for the whole fetch.
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:     base,
		apiKey:   cfg.APIKey,
		http:     httpClient,
		noStream: cfg.DisableStream,
		observer: cfg.Observer,
		logger:   logger.Named("client"),
	}, nil
}

// Fetch closes any running session and starts a new one. The session ends on
// its own; ctx or Session.Close end it early.
func (c *Client) Fetch(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	prev := c.active
	c.active = nil
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		client:  c,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateIdle,
		tracker: NewStepTracker(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	c.active = s
	c.mu.Unlock()

	go s.run(ctx)
	return s, nil
}

// Active returns the running session, if any.
func (c *Client) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Close tears down the active session and rejects further fetches.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	prev := c.active
	c.active = nil
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

func (c *Client) release(s *Session) {
	c.mu.Lock()
	if c.active == s {
		c.active = nil
	}
	c.mu.Unlock()
}

func (c *Client) newRequest(ctx context.Context, path, accept string) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", accept)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

// Session is one fetch. It owns its connection until it reaches a terminal
// state or is closed.
type Session struct {
	client *Client
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    State
	tracker  *StepTracker
	result   *pipeline.FetchResult
	errs     []string
	degraded bool
	err      error
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Done is closed when the session has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session stops and returns its final snapshot. The
// error is non-nil when the session errored or was closed early.
func (s *Session) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), s.err
}

// Close cancels the session and waits for its goroutine to exit. It is safe
// to call more than once.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:    s.state,
		Steps:    s.tracker.Steps(),
		Errors:   append([]string(nil), s.errs...),
		Degraded: s.degraded,
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	return snap
}

// update applies fn under the lock and notifies the observer unless the
// session has been canceled.
func (s *Session) update(ctx context.Context, fn func() bool) {
	s.mu.Lock()
	changed := fn()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if !changed || ctx.Err() != nil || s.client.observer == nil {
		return
	}
	s.client.observer(snap)
}

func (s *Session) transition(ctx context.Context, to State) {
	s.update(ctx, func() bool {
		if s.state == to {
			return false
		}
		s.state = to
		return true
	})
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.client.release(s)
	defer s.cancel()

	logger := s.client.logger
	if !s.client.noStream {
		done, err := s.stream(ctx)
		if done {
			return
		}
		if ctx.Err() != nil {
			s.abandon(ctx)
			return
		}
		logger.Info("event stream failed, falling back", zap.Error(err))
	}
	s.fallback(ctx)
}

// stream consumes the event stream. It reports done once the session has
// reached a terminal state; otherwise the caller falls back.
func (s *Session) stream(ctx context.Context) (bool, error) {
	s.transition(ctx, StateConnecting)
	req, err := s.client.newRequest(ctx, streamPath, "text/event-stream")
	if err != nil {
		return false, err
	}
	resp, err := s.client.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("open event stream: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}
	s.transition(ctx, StateStreaming)

	frames := NewFrameReader(resp.Body)
	for {
		frame, err := frames.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, errors.New("event stream ended before completion")
			}
			return false, err
		}
		switch frame.Event {
		case relay.EventProgress:
			var msg relay.ProgressMessage
			if err := json.Unmarshal(frame.Data, &msg); err != nil {
				s.client.logger.Debug("skipping malformed progress frame", zap.Error(err))
				continue
			}
			s.update(ctx, func() bool { return s.tracker.Apply(msg) })
		case relay.EventComplete:
			var body pipeline.Response
			if err := json.Unmarshal(frame.Data, &body); err != nil {
				return false, fmt.Errorf("decode complete frame: %w", err)
			}
			s.finish(ctx, body.FetchResult, nil)
			return true, nil
		case relay.EventError:
			var payload relay.ErrorPayload
			_ = json.Unmarshal(frame.Data, &payload)
			return false, fmt.Errorf("stream reported error: %s", payload.Message)
		}
	}
}

// fallback issues the one-shot request and shows a degraded view.
func (s *Session) fallback(ctx context.Context) {
	s.update(ctx, func() bool {
		s.state = StateFallback
		s.degraded = true
		s.errs = nil
		s.tracker.Replace([]StepView{{
			Stage:  string(pipeline.StageFetchRemotive),
			Label:  "Fetching...",
			Status: StepRunning,
		}})
		return true
	})

	result, err := s.get(ctx)
	if ctx.Err() != nil {
		s.abandon(ctx)
		return
	}
	if err != nil {
		s.fail(ctx, err)
		return
	}
	s.finish(ctx, result, summarySteps(result))
}

func (s *Session) get(ctx context.Context) (pipeline.FetchResult, error) {
	req, err := s.client.newRequest(ctx, fetchPath, "application/json")
	if err != nil {
		return pipeline.FetchResult{}, err
	}
	resp, err := s.client.http.Do(req)
	if err != nil {
		return pipeline.FetchResult{}, &fetchError{messages: []string{"Network error: " + err.Error()}, cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var body pipeline.Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return pipeline.FetchResult{}, &fetchError{
			messages: []string{fallbackFailure},
			cause:    fmt.Errorf("decode jobs response (status %d): %w", resp.StatusCode, err),
		}
	}
	if !body.Success {
		msgs := body.Errors
		if len(msgs) == 0 {
			msgs = []string{fallbackFailure}
		}
		return pipeline.FetchResult{}, &fetchError{
			messages: msgs,
			cause:    fmt.Errorf("jobs request failed with status %d", resp.StatusCode),
		}
	}
	return body.FetchResult, nil
}

func (s *Session) finish(ctx context.Context, result pipeline.FetchResult, steps []StepView) {
	result.Normalize()
	s.update(ctx, func() bool {
		if steps != nil {
			s.tracker.Replace(steps)
		}
		s.result = &result
		s.errs = append([]string(nil), result.Errors...)
		s.state = StateComplete
		return true
	})
}

func (s *Session) fail(ctx context.Context, err error) {
	var fe *fetchError
	msgs := []string{err.Error()}
	if errors.As(err, &fe) {
		msgs = fe.messages
	}
	s.update(ctx, func() bool {
		s.state = StateErrored
		s.errs = append([]string(nil), msgs...)
		s.err = err
		return true
	})
	s.client.logger.Warn("fetch session failed", zap.Error(err))
}

// abandon records an early close without notifying the observer.
func (s *Session) abandon(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.state = StateErrored
	}
	if s.err == nil {
		s.err = fmt.Errorf("fetch session closed: %w", context.Cause(ctx))
	}
}

// fetchError carries the messages shown to the user alongside the cause.
type fetchError struct {
	messages []string
	cause    error
}

func (e *fetchError) Error() string {
	return strings.Join(e.messages, "; ")
}

func (e *fetchError) Unwrap() error {
	return e.cause
}

// summarySteps is the completed view shown after a fallback fetch.
func summarySteps(result pipeline.FetchResult) []StepView {
	bySource := result.CountBySource()
	count := func(n int) *int { return &n }
	return []StepView{
		{Stage: string(pipeline.StageFetchRemotive), Label: "Remotive", Status: StepComplete, Count: count(bySource["remotive"])},
		{Stage: string(pipeline.StageFetchGreenhouse), Label: "Greenhouse", Status: StepComplete, Count: count(bySource["greenhouse"])},
		{Stage: string(pipeline.StageFetchLever), Label: "Lever", Status: StepComplete, Count: count(bySource["lever"])},
		{Stage: string(pipeline.StageMergeJobs), Label: "Merged", Status: StepComplete, Count: count(result.TotalFound)},
		{Stage: string(pipeline.StageCalculateDistance), Label: "Filtered", Status: StepComplete, Count: count(result.TotalFiltered)},
	}
}
