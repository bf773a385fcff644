package progress

import "context"

// Sink consumes batches of progress events. Implementations must honor ctx
// deadlines. The hub calls a sink from one goroutine at a time.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it.
type Emitter interface {
	Emit(evt Event)
}

// SinkFunc adapts a function to a Sink with a no-op Close.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

// Close does nothing.
func (SinkFunc) Close(context.Context) error {
	return nil
}
