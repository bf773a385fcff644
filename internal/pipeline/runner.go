package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout matches the ceiling the dashboard has always used for a
	// full fetch.
	DefaultTimeout   = 60 * time.Second
	defaultKillGrace = 5 * time.Second
)

var (
	// ErrSpawn wraps failures to start the pipeline process.
	ErrSpawn = errors.New("start pipeline")
	// ErrTimeout reports that the run exceeded its ceiling and was terminated.
	ErrTimeout = errors.New("pipeline timed out")
	// ErrAborted reports that the caller abandoned the run.
	ErrAborted = errors.New("pipeline aborted")
)

// ExitError reports a non-zero exit status.
type ExitError struct {
	Code int
	// Detail is the last diagnostic line written by the process.
	Detail string
}

func (e *ExitError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("pipeline exited with code %d", e.Code)
	}
	return fmt.Sprintf("pipeline exited with code %d: %s", e.Code, e.Detail)
}

// Config describes how to launch the pipeline.
type Config struct {
	Command string
	Args    []string
	Dir     string
	// Env is appended to the parent environment.
	Env []string
	// Timeout is the ceiling for one run; zero selects DefaultTimeout.
	Timeout time.Duration
	// KillGrace is how long a terminated process may take to exit before it
	// is killed outright.
	KillGrace time.Duration
	Logger    *zap.Logger
}

// Runner starts pipeline executions. It is safe for concurrent use; each
// Start call owns a separate process.
type Runner struct {
	cfg    Config
	logger *zap.Logger
}

// NewRunner validates cfg and returns a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("pipeline command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, logger: logger}, nil
}

// Timeout reports the configured run ceiling.
func (r *Runner) Timeout() time.Duration {
	return r.cfg.Timeout
}

// Start launches one pipeline process. Cancelling ctx terminates it. The
// caller must drain Stdout and then call Wait exactly as os/exec requires.
func (r *Runner) Start(ctx context.Context) (*Execution, error) {
	runCtx, abort := context.WithCancelCause(ctx)
	timedCtx, stopTimer := context.WithTimeoutCause(runCtx, r.cfg.Timeout, ErrTimeout)

	cmd := exec.CommandContext(timedCtx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = r.cfg.Dir
	cmd.Env = append(append(os.Environ(), r.cfg.Env...), "PYTHONUNBUFFERED=1")
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return signalGroup(cmd, syscall.SIGTERM)
	}
	cmd.WaitDelay = r.cfg.KillGrace

	stderr := newStderrLogger(r.logger)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stopTimer()
		abort(nil)
		return nil, r.spawnError(err)
	}
	if err := cmd.Start(); err != nil {
		stopTimer()
		abort(nil)
		return nil, r.spawnError(err)
	}
	r.logger.Info("pipeline started",
		zap.String("command", r.cfg.Command),
		zap.Int("pid", cmd.Process.Pid),
		zap.Duration("timeout", r.cfg.Timeout),
	)
	return &Execution{
		cmd:       cmd,
		stdout:    stdout,
		stderr:    stderr,
		ctx:       timedCtx,
		abort:     abort,
		stopTimer: stopTimer,
		timeout:   r.cfg.Timeout,
		started:   time.Now(),
		logger:    r.logger,
	}, nil
}

func (r *Runner) spawnError(err error) error {
	dir := r.cfg.Dir
	if dir == "" {
		dir = "."
	}
	return fmt.Errorf("%w %q in %q (set pipeline.command, pipeline.args and pipeline.dir): %w",
		ErrSpawn, r.cfg.Command, dir, err)
}

// Execution is one running pipeline process.
type Execution struct {
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	stderr    *stderrLogger
	ctx       context.Context
	abort     context.CancelCauseFunc
	stopTimer context.CancelFunc
	timeout   time.Duration
	started   time.Time
	logger    *zap.Logger

	waitOnce sync.Once
	waitErr  error
}

// Stdout is the raw record stream. It is owned by a single reader.
func (e *Execution) Stdout() io.Reader {
	return e.stdout
}

// PID reports the operating system process id.
func (e *Execution) PID() int {
	return e.cmd.Process.Pid
}

// Abort asks the process to stop. Wait must still be called to reap it.
func (e *Execution) Abort() {
	e.abort(ErrAborted)
}

// Wait reaps the process and classifies how it ended: nil on a clean exit,
// *ExitError for a non-zero status, ErrTimeout or ErrAborted when the run was
// cut short, or the parent context's error. Repeated calls return the first
// result.
func (e *Execution) Wait() error {
	e.waitOnce.Do(func() {
		err := e.cmd.Wait()
		// Reap anything the pipeline forked and left behind.
		if killErr := signalGroup(e.cmd, syscall.SIGKILL); killErr != nil {
			e.logger.Warn("pipeline process group kill failed", zap.Error(killErr))
		}
		e.stderr.flush()
		cause := context.Cause(e.ctx)
		e.stopTimer()
		e.abort(nil)
		e.waitErr = e.classify(err, cause)
		e.logger.Info("pipeline exited",
			zap.Int("pid", e.cmd.Process.Pid),
			zap.Int("exit_code", e.cmd.ProcessState.ExitCode()),
			zap.Duration("elapsed", time.Since(e.started)),
			zap.Error(e.waitErr),
		)
	})
	return e.waitErr
}

func (e *Execution) classify(err, cause error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(cause, ErrTimeout):
		return fmt.Errorf("%w after %s", ErrTimeout, e.timeout)
	case errors.Is(cause, ErrAborted):
		return ErrAborted
	case cause != nil:
		return cause
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Detail: e.stderr.tail()}
	}
	return fmt.Errorf("wait for pipeline: %w", err)
}

// stderrLogger forwards diagnostic output to the logger line by line and
// remembers the final line for exit reporting.
type stderrLogger struct {
	mu     sync.Mutex
	logger *zap.Logger
	buf    []byte
	last   string
}

func newStderrLogger(logger *zap.Logger) *stderrLogger {
	return &stderrLogger{logger: logger}
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		s.emit(string(s.buf[:idx]))
		s.buf = s.buf[idx+1:]
	}
	return len(p), nil
}

func (s *stderrLogger) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) > 0 {
		s.emit(string(s.buf))
		s.buf = nil
	}
}

func (s *stderrLogger) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	s.logger.Info("pipeline stderr", zap.String("line", line))
	s.last = strings.TrimSpace(line)
}

func (s *stderrLogger) tail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
