package stream

import "time"

// Config holds the tunables the spec fixes as named constants, expressed as
// an overridable struct in the Go port rather than the YAML registry
// pkg/config used for the teacher's agent/chain/MCP definitions — these are
// small numeric knobs, not a nested configuration tree, so a plain struct
// with defaults fits better than a registry. It is not loaded from the
// environment: callers start from DefaultConfig and override fields.
type Config struct {
	// PoolSize is the number of NotificationListeners in a ListenerPool.
	PoolSize int
	// MaxStreamsPerListener caps hash-routed assignment before falling back
	// to the least-loaded listener.
	MaxStreamsPerListener int
	// HealthCheckInterval is kept for parity with the external constant
	// table only; §5 fixes the core's only two timeouts as the accumulator
	// timeout and the reader backoff, so no ping loop reads this field.
	HealthCheckInterval time.Duration
	// RetryTimeout and RetryLimit govern the listening connection's
	// reconnect backoff policy.
	RetryTimeout time.Duration
	RetryLimit   int
	// QueryBatchSize bounds rows per durable-store read.
	QueryBatchSize int
	// DefaultBatchMaxSize and DefaultBatchTimeoutMS are the accumulator
	// defaults used when batching is requested without explicit values.
	DefaultBatchMaxSize   int
	DefaultBatchTimeoutMS int
	// ReaderBackoff and MaxReaderRetries bound the reader loop's error
	// recovery behaviour.
	ReaderBackoff    time.Duration
	MaxReaderRetries int
	// ConsumerBufferSize is the per-consumer bounded buffer depth on a
	// FanOutChannel. Not named in the source spec's constant table; chosen
	// here as the drop-oldest buffer-pressure policy's capacity (§9 "Fan-out
	// buffer pressure policy").
	ConsumerBufferSize int
}

// DefaultConfig returns the constants fixed by the spec's External
// Interfaces section.
func DefaultConfig() Config {
	return Config{
		PoolSize:              10,
		MaxStreamsPerListener: 1000,
		HealthCheckInterval:   30 * time.Second,
		RetryTimeout:          5 * time.Second,
		RetryLimit:            10,
		QueryBatchSize:        1000,
		DefaultBatchMaxSize:   100,
		DefaultBatchTimeoutMS: 25,
		ReaderBackoff:         time.Second,
		MaxReaderRetries:      3,
		ConsumerBufferSize:    64,
	}
}

// ChannelPrefix is prepended to the encoded stream id to form the database
// notification channel name.
const ChannelPrefix = "dbos_stream_"
