package stream

import "errors"

var (
	// ErrClosed is returned by operations attempted after the owning
	// component (fan-out, listener, pool, bridge) has been closed.
	ErrClosed = errors.New("stream: closed")
	// ErrUnknownStream is returned when an operation names a stream_id that
	// has no binding (e.g. unsubscribe on a stream nobody subscribed to).
	ErrUnknownStream = errors.New("stream: unknown stream")
	// ErrReaderExhausted is the terminal error a reader loop hands to its
	// fan-out after exceeding MaxReaderRetries consecutive store errors.
	ErrReaderExhausted = errors.New("stream: reader exhausted retries")
	// ErrListenerUnavailable is returned when the listening connection is
	// not currently established.
	ErrListenerUnavailable = errors.New("stream: listening connection not established")
)
