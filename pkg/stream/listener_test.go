package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/streamcore/pkg/store"
)

// fakeReader is a reader backed by an in-memory slice of rows per stream,
// standing in for the durable store in tests that exercise the reader loop
// without a database.
type fakeReader struct {
	mu         sync.Mutex
	rows       map[string][]store.Row
	errs       map[string]error // single-shot: consumed by the next Read
	alwaysErrs map[string]error // persistent until cleared
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		rows:       make(map[string][]store.Row),
		errs:       make(map[string]error),
		alwaysErrs: make(map[string]error),
	}
}

func (r *fakeReader) seed(id StreamID, values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.rows[id.String()]
	for _, v := range values {
		rows = append(rows, store.Row{Offset: int64(len(rows)), Value: []byte(v)})
	}
	r.rows[id.String()] = rows
}

func (r *fakeReader) failNext(id StreamID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[id.String()] = err
}

func (r *fakeReader) failAlways(id StreamID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alwaysErrs[id.String()] = err
}

func (r *fakeReader) Read(ctx context.Context, workflowID, streamKey string, fromOffset int64, limit int) ([]store.Row, error) {
	id := StreamID{WorkflowID: workflowID, StreamKey: streamKey}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.alwaysErrs[id.String()]; err != nil {
		return nil, err
	}

	if err := r.errs[id.String()]; err != nil {
		delete(r.errs, id.String())
		return nil, err
	}

	all := r.rows[id.String()]
	var out []store.Row
	for _, row := range all {
		if row.Offset >= fromOffset {
			out = append(out, row)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReaderBackoff = 5 * time.Millisecond
	cfg.MaxReaderRetries = 2
	return cfg
}

// newTestListener builds a listener with its reader-loop machinery wired up
// but without a real LISTEN connection. l.running is forced true since
// Subscribe checks it, mirroring a listener that has already connected.
func newTestListener(rd reader, cfg Config) *NotificationListener {
	l := NewNotificationListener("unused", rd, cfg)
	l.running.Store(true)
	return l
}

func TestNotificationListener_SubscribeWithoutConnectionReturnsClosedFanOut(t *testing.T) {
	l := NewNotificationListener("unused", newFakeReader(), testConfig())
	fanout, err := l.Subscribe(t.Context(), StreamID{WorkflowID: "wf", StreamKey: "events"}, 0)
	require.NoError(t, err)

	consumer := fanout.Subscribe()
	_, open := <-consumer.C()
	assert.False(t, open)
	assert.ErrorIs(t, consumer.Err(), ErrClosed)
}

func TestNotificationListener_CatchUpDeliversExistingRows(t *testing.T) {
	rd := newFakeReader()
	id := StreamID{WorkflowID: "wf", StreamKey: "events"}
	rd.seed(id, "a", "b", "c")

	l := newTestListener(rd, testConfig())
	go drainCmds(l)

	fanout, err := l.Subscribe(t.Context(), id, 0)
	require.NoError(t, err)
	consumer := fanout.Subscribe()

	var got []any
	deadline := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case batch := <-consumer.C():
			got = append(got, batch...)
		case <-deadline:
			t.Fatalf("timed out waiting for rows, got %v", got)
		}
	}
	assert.Equal(t, []any{[]byte("a"), []byte("b"), []byte("c")}, got)
}

func TestNotificationListener_DecodeErrorSkipsRowButAdvances(t *testing.T) {
	rd := newFakeReader()
	id := StreamID{WorkflowID: "wf", StreamKey: "events"}
	rd.seed(id, "bad", "good")

	l := newTestListener(rd, testConfig())
	go drainCmds(l)
	l.RegisterDeserialiser("events", func(raw []byte) (any, error) {
		if string(raw) == "bad" {
			return nil, assertErr
		}
		return string(raw), nil
	})

	fanout, err := l.Subscribe(t.Context(), id, 0)
	require.NoError(t, err)
	consumer := fanout.Subscribe()

	select {
	case batch := <-consumer.C():
		assert.Equal(t, Batch[any]{"good"}, batch, "the failed decode is skipped, not retried")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the surviving row")
	}
}

func TestNotificationListener_ErrorRecoveryThenSuccessHasNoGap(t *testing.T) {
	rd := newFakeReader()
	id := StreamID{WorkflowID: "wf", StreamKey: "events"}
	rd.seed(id, "a")
	rd.failNext(id, assertErr)

	l := newTestListener(rd, testConfig())
	go drainCmds(l)

	fanout, err := l.Subscribe(t.Context(), id, 0)
	require.NoError(t, err)
	consumer := fanout.Subscribe()

	select {
	case batch := <-consumer.C():
		assert.Equal(t, Batch[any]{[]byte("a")}, batch)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the stream to recover after one transient error")
	}
}

func TestNotificationListener_PersistentErrorPropagatesAfterRetryLimit(t *testing.T) {
	rd := newFakeReader()
	id := StreamID{WorkflowID: "wf", StreamKey: "events"}

	cfg := testConfig()
	l := newTestListener(rd, cfg)
	go drainCmds(l)

	rd.failAlways(id, assertErr)

	fanout, err := l.Subscribe(t.Context(), id, 0)
	require.NoError(t, err)
	consumer := fanout.Subscribe()

	select {
	case _, ok := <-consumer.C():
		require.False(t, ok, "fan-out closes once the retry budget is exhausted")
	case <-time.After(3 * time.Second):
		t.Fatal("expected the fan-out to close after persistent errors")
	}
	assert.ErrorIs(t, consumer.Err(), ErrReaderExhausted)
}

func TestNotificationListener_UnsubscribeIsIdempotentAcrossConcurrentCallers(t *testing.T) {
	rd := newFakeReader()
	id := StreamID{WorkflowID: "wf", StreamKey: "events"}

	l := newTestListener(rd, testConfig())
	go drainCmds(l)

	_, err := l.Subscribe(t.Context(), id, 0)
	require.NoError(t, err)
	_, err = l.Subscribe(t.Context(), id, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wasLast, err := l.Unsubscribe(t.Context(), id)
			require.NoError(t, err)
			results[i] = wasLast
		}(i)
	}
	wg.Wait()

	lastCount := 0
	for _, wasLast := range results {
		if wasLast {
			lastCount++
		}
	}
	assert.Equal(t, 1, lastCount, "exactly one concurrent unsubscribe performs cleanup")

	l.channelsMu.RLock()
	_, stillPresent := l.channels[id.String()]
	l.channelsMu.RUnlock()
	assert.False(t, stillPresent, "the channel is removed from the map once cleanup completes")
}

// drainCmds stands in for the receive loop's command processing for tests
// that never open a real connection: it just acknowledges every LISTEN and
// UNLISTEN so Subscribe/Unsubscribe don't block on the command channel.
func drainCmds(l *NotificationListener) {
	for cmd := range l.cmdCh {
		if cmd.gen == 0 && cmd.channel != "" {
			l.listenGenMu.Lock()
			l.listenGen[cmd.channel]++
			l.listenGenMu.Unlock()
		}
		cmd.result <- nil
	}
}

var assertErr = &testReadError{"simulated read failure"}

type testReadError struct{ msg string }

func (e *testReadError) Error() string { return e.msg }
