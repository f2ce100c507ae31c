package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/streamcore/pkg/store"
)

// reader reads stream_entries rows. Satisfied by *store.Store; an interface
// here so listener tests can substitute a fake without a real database.
type reader interface {
	Read(ctx context.Context, workflowID, streamKey string, fromOffset int64, limit int) ([]store.Row, error)
}

type cleanupState int32

const (
	cleanupActive cleanupState = iota
	cleanupInProgress
	cleanupDone
)

// channelState is the per-stream bookkeeping a NotificationListener keeps
// while it owns LISTEN for that stream's channel.
type channelState struct {
	id      StreamID
	fanout  *FanOutChannel[any]
	decoder Decoder

	localOffset  atomic.Int64
	remoteOffset atomic.Int64
	consumers    atomic.Int32

	wakeUp chan struct{} // buffered(1); non-blocking send is the "signal"

	state       atomic.Int32 // cleanupState
	cleanupDone chan struct{}
	readerDone  chan struct{}

	createdAt time.Time
}

func newChannelState(id StreamID, fromOffset int64, decoder Decoder, bufferSize int) *channelState {
	cs := &channelState{
		id:          id,
		fanout:      NewFanOutChannel[any](bufferSize),
		decoder:     decoder,
		wakeUp:      make(chan struct{}, 1),
		cleanupDone: make(chan struct{}),
		readerDone:  make(chan struct{}),
		createdAt:   time.Now(),
	}
	cs.localOffset.Store(fromOffset)
	cs.remoteOffset.Store(fromOffset - 1)
	return cs
}

func (cs *channelState) wake() {
	select {
	case cs.wakeUp <- struct{}{}:
	default:
	}
}

// listenCmd represents a LISTEN/UNLISTEN command executed by the receive
// loop, the sole goroutine that touches the dedicated pgx connection. The
// generation field guards against a stale UNLISTEN winning a race against a
// newer LISTEN on the same channel name.
type listenCmd struct {
	sql     string
	channel string
	gen     uint64
	result  chan error
}

// NotificationListener owns one LISTEN connection and runs one reader loop
// per stream it currently serves.
type NotificationListener struct {
	connString string
	reader     reader
	cfg        Config

	conn   *pgx.Conn
	connMu sync.Mutex

	channels   map[string]*channelState // keyed by StreamID.String()
	channelsMu sync.RWMutex

	decoders   map[string]Decoder // keyed by stream_key
	decodersMu sync.RWMutex

	cmdCh   chan listenCmd
	running atomic.Bool

	listenGen   map[string]uint64
	listenGenMu sync.Mutex

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewNotificationListener creates a listener that will dial connString once
// Connect is called. rd serves the durable-store reads for every stream this
// listener owns.
func NewNotificationListener(connString string, rd reader, cfg Config) *NotificationListener {
	return &NotificationListener{
		connString: connString,
		reader:     rd,
		cfg:        cfg,
		channels:   make(map[string]*channelState),
		decoders:   make(map[string]Decoder),
		cmdCh:      make(chan listenCmd, 16),
		listenGen:  make(map[string]uint64),
	}
}

// Connect opens the dedicated LISTEN connection and starts the receive loop.
// Idempotent: calling it while already running is a no-op.
func (l *NotificationListener) Connect(ctx context.Context) error {
	if l.running.Load() {
		return nil
	}

	conn, err := l.dialWithRetry(ctx)
	if err != nil {
		return err
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	l.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	return nil
}

func (l *NotificationListener) dialWithRetry(ctx context.Context) (*pgx.Conn, error) {
	var lastErr error
	backoff := l.cfg.RetryTimeout
	for attempt := 0; attempt < l.cfg.RetryLimit; attempt++ {
		conn, err := pgx.Connect(ctx, l.connString)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Warn("listening connection dial failed", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("failed to establish listening connection after %d attempts: %w", l.cfg.RetryLimit, lastErr)
}

// RegisterDeserialiser associates a decoder with a stream_key. Streams whose
// key has no registered decoder fall back to IdentityDecoder.
func (l *NotificationListener) RegisterDeserialiser(streamKey string, decoder Decoder) {
	l.decodersMu.Lock()
	defer l.decodersMu.Unlock()
	l.decoders[streamKey] = decoder
}

func (l *NotificationListener) decoderFor(streamKey string) Decoder {
	l.decodersMu.RLock()
	defer l.decodersMu.RUnlock()
	if d, ok := l.decoders[streamKey]; ok {
		return d
	}
	return IdentityDecoder
}

// Subscribe returns the (new or shared) fan-out for id, starting a reader
// loop the first time id is seen. Each call increments the stream's
// consumer count; callers must eventually call Unsubscribe.
func (l *NotificationListener) Subscribe(ctx context.Context, id StreamID, fromOffset int64) (*FanOutChannel[any], error) {
	if !l.running.Load() {
		closed := NewFanOutChannel[any](l.cfg.ConsumerBufferSize)
		closed.SetError(ErrClosed)
		return closed, nil
	}

	key := id.String()

	l.channelsMu.Lock()
	cs, exists := l.channels[key]
	if exists && cleanupState(cs.state.Load()) != cleanupActive {
		// A prior channel for this stream is mid-teardown; treat it as
		// gone and start fresh rather than resurrecting it.
		exists = false
	}
	if !exists {
		cs = newChannelState(id, fromOffset, l.decoderFor(id.StreamKey), l.cfg.ConsumerBufferSize)
		l.channels[key] = cs
	}
	cs.consumers.Add(1)
	l.channelsMu.Unlock()

	if !exists {
		if err := l.listen(ctx, id); err != nil {
			l.channelsMu.Lock()
			delete(l.channels, key)
			l.channelsMu.Unlock()
			return nil, err
		}
		go l.runReader(context.Background(), cs)
	}

	return cs.fanout, nil
}

// Unsubscribe decrements id's consumer count; at zero it triggers cleanup
// and reports true. Concurrent callers that race to be the last unsubscriber
// all observe the same cleanup completing exactly once.
func (l *NotificationListener) Unsubscribe(ctx context.Context, id StreamID) (bool, error) {
	key := id.String()

	l.channelsMu.RLock()
	cs, ok := l.channels[key]
	l.channelsMu.RUnlock()
	if !ok {
		return false, ErrUnknownStream
	}

	remaining := cs.consumers.Add(-1)
	if remaining > 0 {
		return false, nil
	}

	if !cs.state.CompareAndSwap(int32(cleanupActive), int32(cleanupInProgress)) {
		<-cs.cleanupDone
		return true, nil
	}

	cs.wake()
	<-cs.readerDone

	cs.fanout.Close()

	if err := l.unlisten(ctx, id); err != nil {
		slog.Error("UNLISTEN failed during cleanup", "stream", key, "error", err)
	}

	l.channelsMu.Lock()
	delete(l.channels, key)
	l.channelsMu.Unlock()

	cs.state.Store(int32(cleanupDone))
	close(cs.cleanupDone)

	return true, nil
}

// StreamCount reports the number of streams this listener currently owns,
// used by the pool for load-balancing decisions.
func (l *NotificationListener) StreamCount() int {
	l.channelsMu.RLock()
	defer l.channelsMu.RUnlock()
	return len(l.channels)
}

// Stats summarises this listener's load.
type Stats struct {
	StreamCount   int
	ConsumerCount int
}

func (l *NotificationListener) Stats() Stats {
	l.channelsMu.RLock()
	defer l.channelsMu.RUnlock()
	s := Stats{StreamCount: len(l.channels)}
	for _, cs := range l.channels {
		s.ConsumerCount += int(cs.consumers.Load())
	}
	return s
}

// Close stops every reader, closes every fan-out, unlistens every channel,
// and closes the connection.
func (l *NotificationListener) Close(ctx context.Context) {
	l.running.Store(false)

	l.channelsMu.RLock()
	states := make([]*channelState, 0, len(l.channels))
	for _, cs := range l.channels {
		states = append(states, cs)
	}
	l.channelsMu.RUnlock()

	for _, cs := range states {
		if cs.state.CompareAndSwap(int32(cleanupActive), int32(cleanupInProgress)) {
			cs.wake()
			<-cs.readerDone
			cs.fanout.Close()
			cs.state.Store(int32(cleanupDone))
			close(cs.cleanupDone)
		}
	}

	l.channelsMu.Lock()
	l.channels = make(map[string]*channelState)
	l.channelsMu.Unlock()

	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}

func (l *NotificationListener) listen(ctx context.Context, id StreamID) error {
	channel := ChannelName(id)
	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := listenCmd{sql: "LISTEN " + sanitized, channel: channel, result: make(chan error, 1)}
	return l.submit(ctx, cmd)
}

func (l *NotificationListener) unlisten(ctx context.Context, id StreamID) error {
	channel := ChannelName(id)
	l.listenGenMu.Lock()
	gen := l.listenGen[channel]
	l.listenGenMu.Unlock()

	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := listenCmd{sql: "UNLISTEN " + sanitized, channel: channel, gen: gen, result: make(chan error, 1)}
	return l.submit(ctx, cmd)
}

func (l *NotificationListener) submit(ctx context.Context, cmd listenCmd) error {
	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop is the sole goroutine that touches the pgx connection. It
// alternates between draining pending LISTEN/UNLISTEN commands and waiting
// for notifications, so neither starves the other.
func (l *NotificationListener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.processPendingCmds(ctx)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.handleNotification(notification.Channel, []byte(notification.Payload))
	}
}

func (l *NotificationListener) handleNotification(channel string, payload []byte) {
	id, ok := ParseChannelName(channel)
	if !ok {
		return
	}

	var body struct {
		Offset int64 `json:"offset"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		slog.Warn("malformed NOTIFY payload", "channel", channel, "error", err)
		return
	}

	l.channelsMu.RLock()
	cs, ok := l.channels[id.String()]
	l.channelsMu.RUnlock()
	if !ok {
		return
	}

	for {
		old := cs.remoteOffset.Load()
		if body.Offset <= old {
			break
		}
		if cs.remoteOffset.CompareAndSwap(old, body.Offset) {
			break
		}
	}
	cs.wake()
}

func (l *NotificationListener) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmdCh:
			if cmd.gen > 0 {
				l.listenGenMu.Lock()
				stale := l.listenGen[cmd.channel] != cmd.gen
				l.listenGenMu.Unlock()
				if stale {
					cmd.result <- nil
					continue
				}
			}

			l.connMu.Lock()
			conn := l.conn
			l.connMu.Unlock()

			if conn == nil {
				cmd.result <- ErrListenerUnavailable
				continue
			}

			_, err := conn.Exec(ctx, cmd.sql)
			if err == nil && cmd.gen == 0 && cmd.channel != "" {
				l.listenGenMu.Lock()
				l.listenGen[cmd.channel]++
				l.listenGenMu.Unlock()
			}
			cmd.result <- err
		default:
			return
		}
	}
}

func (l *NotificationListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := l.cfg.RetryTimeout
	for attempt := 0; attempt < l.cfg.RetryLimit; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("listening connection reconnect failed", "attempt", attempt+1, "error", err)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.conn = conn

		l.channelsMu.RLock()
		for key, cs := range l.channels {
			_ = key
			channel := ChannelName(cs.id)
			sanitized := pgx.Identifier{channel}.Sanitize()
			if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
				slog.Error("re-LISTEN failed", "channel", channel, "error", err)
			}
		}
		l.channelsMu.RUnlock()

		slog.Info("listening connection reconnected")
		return
	}

	slog.Error("listening connection permanently lost; propagating to owned streams")
	l.channelsMu.RLock()
	for _, cs := range l.channels {
		cs.fanout.SetError(ErrListenerUnavailable)
	}
	l.channelsMu.RUnlock()
}

// runReader drives one stream's catch-up, reactive, and error-recovery
// phases. It exits (closing cs.readerDone) when cleanup is requested or the
// error-retry budget is exhausted.
func (l *NotificationListener) runReader(ctx context.Context, cs *channelState) {
	defer close(cs.readerDone)

	retries := 0
	for {
		if cleanupState(cs.state.Load()) != cleanupActive {
			return
		}

		rows, err := l.reader.Read(ctx, cs.id.WorkflowID, cs.id.StreamKey, cs.localOffset.Load(), l.cfg.QueryBatchSize)
		if err != nil {
			retries++
			if retries > l.cfg.MaxReaderRetries {
				cs.fanout.SetError(fmt.Errorf("%w: %v", ErrReaderExhausted, err))
				return
			}
			slog.Warn("stream read failed, backing off", "stream", cs.id.String(), "attempt", retries, "error", err)
			select {
			case <-time.After(l.cfg.ReaderBackoff):
			case <-cs.wakeUp:
			case <-ctx.Done():
				return
			}
			continue
		}
		retries = 0

		if len(rows) == 0 {
			if cs.localOffset.Load() <= cs.remoteOffset.Load() {
				continue
			}
			select {
			case <-cs.wakeUp:
				if cleanupState(cs.state.Load()) != cleanupActive {
					return
				}
				continue
			case <-ctx.Done():
				return
			}
		}

		batch := make(Batch[any], 0, len(rows))
		for _, row := range rows {
			decoded, derr := cs.decoder(row.Value)
			if derr != nil {
				slog.Warn("decode error, skipping offset", "stream", cs.id.String(), "offset", row.Offset, "error", derr)
				continue
			}
			batch = append(batch, decoded)
		}
		if len(batch) > 0 {
			cs.fanout.Send(batch)
		}
		cs.localOffset.Add(int64(len(rows)))
	}
}
