package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values select the
// defaults below.
type Config struct {
	// BufferSize is the capacity of the intake channel.
	BufferSize int
	// MaxBatchEvents flushes as soon as this many events are pending.
	MaxBatchEvents int
	// MaxBatchWait flushes a partial batch after this long.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	// BaseContext is the parent of every sink call.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub fans events out to sinks on a background goroutine. Emit never blocks;
// when the buffer is full the event is dropped.
type Hub struct {
	cfg    Config
	sinks  []Sink
	intake chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped  atomic.Int64
	dropWarn rate.Sometimes
	closed   atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks. Nil sinks are ignored.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	h := &Hub{
		cfg:      cfg,
		sinks:    live,
		intake:   make(chan Event, cfg.BufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   cfg.Logger,
		dropWarn: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.loop()
	return h
}

// Emit enqueues evt. Invalid events are discarded, as is everything emitted
// after Close.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.intake <- evt:
	default:
		h.dropped.Add(1)
		h.dropWarn.Do(func() {
			h.logger.Warn("progress events dropped due to backpressure",
				zap.Int64("dropped", h.dropped.Swap(0)))
		})
	}
}

// Dropped reports events lost to backpressure since the last warning.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops intake, flushes what is buffered, closes every sink and waits
// for the background goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	b := newBatcher(h.cfg.MaxBatchEvents, h.cfg.MaxBatchWait)
	defer b.timer.Stop()
	for {
		select {
		case evt := <-h.intake:
			if b.add(evt) {
				h.deliver(b.take())
			}
		case <-b.timer.C:
			b.armed = false
			h.deliver(b.take())
		case <-h.stop:
			b.disarm()
			h.drain(b)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drain(b *batcher) {
	for {
		select {
		case evt := <-h.intake:
			if b.add(evt) {
				h.deliver(b.take())
			}
		default:
			b.disarm()
			h.deliver(b.take())
			return
		}
	}
}

func (h *Hub) deliver(batch []Event) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// batcher accumulates events until the size limit or the wait timer fires.
type batcher struct {
	pending []Event
	limit   int
	wait    time.Duration
	timer   *time.Timer
	armed   bool
}

func newBatcher(limit int, wait time.Duration) *batcher {
	t := time.NewTimer(wait)
	t.Stop()
	return &batcher{limit: limit, wait: wait, timer: t, pending: make([]Event, 0, limit)}
}

// add appends evt and reports whether the batch is full. The first event of
// a batch arms the timer.
func (b *batcher) add(evt Event) bool {
	b.pending = append(b.pending, evt)
	if len(b.pending) >= b.limit {
		b.disarm()
		return true
	}
	if !b.armed {
		b.timer.Reset(b.wait)
		b.armed = true
	}
	return false
}

// take returns the pending events as a fresh slice.
func (b *batcher) take() []Event {
	if len(b.pending) == 0 {
		return nil
	}
	out := append([]Event(nil), b.pending...)
	b.pending = b.pending[:0]
	return out
}

func (b *batcher) disarm() {
	if !b.armed {
		return
	}
	if !b.timer.Stop() {
		select {
		case <-b.timer.C:
		default:
		}
	}
	b.armed = false
}
