package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// appender is the durable-store write side a StreamSubscriber bridges
// into. Satisfied by *store.Store.
type appender interface {
	Append(ctx context.Context, workflowID, streamKey string, value []byte) (int64, error)
}

// envelope wraps a caller's encoded value with the workflow id and a
// wall-clock timestamp before it's appended to the durable store, matching
// the stored-value shape the spec's data model describes. Value is a plain
// []byte field (base64-encoded by encoding/json) rather than json.RawMessage
// so an encode function's output never needs to already be valid JSON — the
// caller's payload stays opaque end to end.
type envelope struct {
	WorkflowID string    `json:"workflow_id"`
	Timestamp  time.Time `json:"timestamp"`
	Value      []byte    `json:"value"`
}

// unwrapEnvelope strips the envelope and hands back the raw encoded value
// bytes. RegisterTypedDeserialiser applies it before the caller's parse;
// stream keys with no registered decoder use IdentityDecoder instead, which
// leaves the envelope in place.
func unwrapEnvelope(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unwrap stream envelope: %w", err)
	}
	return env.Value, nil
}

// BatchSource is the minimal interface both a raw Subscription and an
// accumulator-wrapped subscription satisfy.
type BatchSource[T any] interface {
	C() <-chan Batch[T]
	Err() error
	Close()
}

// Subscription adapts a NotificationListener's untyped FanOutChannel into a
// typed batch stream for one subscriber.
type Subscription[T any] struct {
	id       StreamID
	pool     *Pool
	consumer *Consumer[any]
	out      chan Batch[T]
	closeAll sync.Once
}

func (s *Subscription[T]) C() <-chan Batch[T] { return s.out }

func (s *Subscription[T]) Err() error { return s.consumer.Err() }

// Close detaches this subscriber's iterator and, if it was the last one on
// this stream, triggers the listener's cleanup.
func (s *Subscription[T]) Close() {
	s.closeAll.Do(func() {
		s.consumer.Close()
		_ = s.pool.Unsubscribe(context.Background(), s.id)
	})
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for batch := range s.consumer.C() {
		typed := make(Batch[T], 0, len(batch))
		for _, v := range batch {
			tv, ok := v.(T)
			if !ok {
				slog.Error("decoded value did not match subscriber's expected type", "stream", s.id.String())
				continue
			}
			typed = append(typed, tv)
		}
		s.out <- typed
	}
}

// subscribe delegates to the pool and wraps the result in a typed
// Subscription. T must match whatever the stream's registered decoder
// produces. Exposed to callers through the Bridge-level Subscribe.
func subscribe[T any](ctx context.Context, sub *Subscriber, id StreamID, fromOffset int64) (*Subscription[T], error) {
	fanout, err := sub.pool.Subscribe(ctx, id, fromOffset)
	if err != nil {
		return nil, err
	}

	s := &Subscription[T]{
		id:       id,
		pool:     sub.pool,
		consumer: fanout.Subscribe(),
		out:      make(chan Batch[T]),
	}
	go s.pump()
	return s, nil
}

// RegisterTypedDeserialiser registers a decoder for streamKey that strips
// the publish envelope and hands the inner value bytes to parse, on every
// listener in pool. This is the normal way to wire decoding for a stream
// key: values appended via PublishFromChannel are always envelope-wrapped,
// so a caller-supplied parse only ever needs to understand its own payload
// shape, not the envelope.
func RegisterTypedDeserialiser[T any](pool *Pool, streamKey string, parse func([]byte) (T, error)) {
	pool.RegisterDeserialiser(streamKey, func(raw []byte) (any, error) {
		inner, err := unwrapEnvelope(raw)
		if err != nil {
			return nil, err
		}
		return parse(inner.([]byte))
	})
}

// Subscriber is the generic translation layer between in-memory fan-outs
// and the durable store: it brings the pool up, tracks publish bridges, and
// tears everything down together on Close.
type Subscriber struct {
	pool     *Pool
	appender appender

	mu       sync.Mutex
	cleanups []func()
	closed   bool
}

// NewSubscriber builds a subscriber backed by pool for reads and st for
// durable appends.
func NewSubscriber(pool *Pool, st appender) *Subscriber {
	return &Subscriber{pool: pool, appender: st}
}

// Initialize brings the underlying pool up.
func (s *Subscriber) Initialize(ctx context.Context) error {
	return s.pool.Start(ctx)
}

// Unsubscribe releases this caller's share of id.
func (s *Subscriber) Unsubscribe(ctx context.Context, id StreamID) error {
	return s.pool.Unsubscribe(ctx, id)
}

// PublishFromChannel starts a background task that reads values from
// source, encodes each with encode, wraps it in the stored envelope, and
// appends it to (workflowID, streamKey). The returned cleanup handle signals
// the task to stop after its current in-flight append and joins it;
// Subscriber.Close invokes every outstanding handle.
func PublishFromChannel[T any](s *Subscriber, workflowID, streamKey string, source <-chan T, encode func(T) ([]byte, error)) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ctx := context.Background()
		for {
			select {
			case <-stop:
				return
			case value, ok := <-source:
				if !ok {
					return
				}
				raw, err := encode(value)
				if err != nil {
					slog.Error("failed to encode value for publish", "workflow_id", workflowID, "stream_key", streamKey, "error", err)
					continue
				}
				wrapped, err := json.Marshal(envelope{WorkflowID: workflowID, Timestamp: time.Now(), Value: raw})
				if err != nil {
					slog.Error("failed to build stream envelope", "workflow_id", workflowID, "stream_key", streamKey, "error", err)
					continue
				}
				if _, err := s.appender.Append(ctx, workflowID, streamKey, wrapped); err != nil {
					slog.Error("failed to append published value", "workflow_id", workflowID, "stream_key", streamKey, "error", err)
					return
				}
			}
		}
	}()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			close(stop)
			<-done
		})
	}

	s.mu.Lock()
	s.cleanups = append(s.cleanups, cleanup)
	s.mu.Unlock()

	return cleanup
}

// PublishOnce wraps value in the stored envelope and appends it directly.
// Unlike PublishFromChannel, this is for callers with a single value to
// record rather than an ongoing source channel.
func (s *Subscriber) PublishOnce(ctx context.Context, workflowID, streamKey string, value []byte) (int64, error) {
	wrapped, err := json.Marshal(envelope{WorkflowID: workflowID, Timestamp: time.Now(), Value: value})
	if err != nil {
		return 0, fmt.Errorf("failed to build stream envelope: %w", err)
	}
	return s.appender.Append(ctx, workflowID, streamKey, wrapped)
}

// Close cancels every outstanding publish task, then closes the pool.
func (s *Subscriber) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	for _, cleanup := range cleanups {
		cleanup()
	}
	s.pool.Close(ctx)
}
