package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Jabawack/bay-area-radar/internal/metrics"
	"github.com/Jabawack/bay-area-radar/internal/pipeline"
)

// SSE event names.
const (
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
)

// ErrStreamClosed is returned for writes after the terminal frame.
var ErrStreamClosed = errors.New("event stream already closed")

// EventWriter receives the frames of one fetch session. Exactly one of
// Complete or Error ends the stream.
type EventWriter interface {
	Progress(msg ProgressMessage) error
	Complete(resp pipeline.Response) error
	Error(message string) error
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Writer frames events onto an HTTP response. It is safe for concurrent use
// so a keep-alive ticker can share the response with the relay loop.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	rc     *http.ResponseController
	closed bool
}

// NewWriter prepares w for streaming: it writes the event-stream headers,
// clears any server write deadline and flushes the status line.
func NewWriter(w http.ResponseWriter) *Writer {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.Flush()
	return &Writer{w: w, rc: rc}
}

// Progress writes a progress frame.
func (s *Writer) Progress(msg ProgressMessage) error {
	return s.send(EventProgress, msg, false)
}

// Complete writes the successful terminal frame.
func (s *Writer) Complete(resp pipeline.Response) error {
	resp.Success = true
	return s.send(EventComplete, resp, true)
}

// Error writes the failure terminal frame.
func (s *Writer) Error(message string) error {
	return s.send(EventError, ErrorPayload{Message: message}, true)
}

// Closed reports whether a terminal frame was written.
func (s *Writer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Keepalive writes a comment frame that clients ignore.
func (s *Writer) Keepalive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if _, err := io.WriteString(s.w, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	return s.flush()
}

// KeepAlive sends comment frames every interval until ctx ends or the stream
// closes. The returned function stops the ticker and waits for it to exit.
func (s *Writer) KeepAlive(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Keepalive(); err != nil {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *Writer) send(event string, payload any, terminal bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if terminal {
		s.closed = true
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write %s frame: %w", event, err)
	}
	metrics.ObserveFrame(event)
	return s.flush()
}

func (s *Writer) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("flush event stream: %w", err)
	}
	return nil
}
