package stream

import (
	"context"
	"time"
)

// SubscribeOptions configures Subscribe on the public façade.
type SubscribeOptions struct {
	WorkflowID string
	StreamKey  string
	FromOffset int64
	// MaxSize and TimeoutMS, if either is non-zero, wrap the raw fan-out in
	// a batching accumulator. If both are zero the raw fan-out is returned
	// and batches correspond 1:1 to database read batches.
	MaxSize   int
	TimeoutMS int
}

// Bridge is the user-facing API: Subscribe, Publish, CreatePipe,
// Unsubscribe, GetStats, Close.
type Bridge struct {
	subscriber *Subscriber
	cfg        Config
}

// NewBridge wraps subscriber behind the public façade.
func NewBridge(subscriber *Subscriber, cfg Config) *Bridge {
	return &Bridge{subscriber: subscriber, cfg: cfg}
}

// Subscribe returns a batch source for (opts.WorkflowID, opts.StreamKey)
// starting at opts.FromOffset, applying per-subscriber batching when
// requested.
func Subscribe[T any](ctx context.Context, b *Bridge, opts SubscribeOptions) (BatchSource[T], error) {
	id := StreamID{WorkflowID: opts.WorkflowID, StreamKey: opts.StreamKey}
	sub, err := subscribe[T](ctx, b.subscriber, id, opts.FromOffset)
	if err != nil {
		return nil, err
	}

	if opts.MaxSize == 0 && opts.TimeoutMS == 0 {
		return sub, nil
	}

	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = b.cfg.DefaultBatchMaxSize
	}
	timeoutMS := opts.TimeoutMS
	if timeoutMS == 0 {
		timeoutMS = b.cfg.DefaultBatchTimeoutMS
	}

	return newAccumulator[T](sub, maxSize, time.Duration(timeoutMS)*time.Millisecond), nil
}

// Publish starts a background bridge from source into
// (workflowID, streamKey) until source closes or the returned cleanup is
// invoked.
func Publish[T any](b *Bridge, workflowID, streamKey string, source <-chan T, encode func(T) ([]byte, error)) func() {
	return PublishFromChannel(b.subscriber, workflowID, streamKey, source, encode)
}

// Pipe bridges a writable input stream and a batched output stream,
// returned together so the caller can tear down both at once.
type Pipe[TIn, TOut any] struct {
	Input  chan<- TIn
	Output BatchSource[TOut]
	Close  func()
}

// CreatePipe wires an input channel to (workflowID, inputKey) and a batched
// subscription on (workflowID, outputKey).
func CreatePipe[TIn, TOut any](ctx context.Context, b *Bridge, workflowID, inputKey, outputKey string, encode func(TIn) ([]byte, error)) (*Pipe[TIn, TOut], error) {
	const inputBuffer = 64
	in := make(chan TIn, inputBuffer)
	stopPublish := Publish(b, workflowID, inputKey, in, encode)

	out, err := Subscribe[TOut](ctx, b, SubscribeOptions{
		WorkflowID: workflowID,
		StreamKey:  outputKey,
		MaxSize:    b.cfg.DefaultBatchMaxSize,
		TimeoutMS:  b.cfg.DefaultBatchTimeoutMS,
	})
	if err != nil {
		stopPublish()
		close(in)
		return nil, err
	}

	return &Pipe[TIn, TOut]{
		Input:  in,
		Output: out,
		Close: func() {
			close(in)
			stopPublish()
			out.Close()
		},
	}, nil
}

// PublishOnce appends a single value to (workflowID, streamKey), for
// callers that have one value to record rather than an ongoing source.
func (b *Bridge) PublishOnce(ctx context.Context, workflowID, streamKey string, value []byte) (int64, error) {
	return b.subscriber.PublishOnce(ctx, workflowID, streamKey, value)
}

// Unsubscribe releases the caller's share of (workflowID, streamKey),
// triggering cleanup if it was the last.
func (b *Bridge) Unsubscribe(ctx context.Context, workflowID, streamKey string) error {
	return b.subscriber.Unsubscribe(ctx, StreamID{WorkflowID: workflowID, StreamKey: streamKey})
}

// GetStats reports pool size, per-listener stream counts, and total
// consumers.
func (b *Bridge) GetStats() PoolStats {
	return b.subscriber.pool.Stats()
}

// Close stops all tasks and closes all listeners.
func (b *Bridge) Close(ctx context.Context) {
	b.subscriber.Close(ctx)
}
