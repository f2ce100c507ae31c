package stream

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// poolMember is the subset of *NotificationListener the pool depends on.
// Kept as an interface so routing and load-balancing logic can be unit
// tested against a fake without a real database connection.
type poolMember interface {
	Connect(ctx context.Context) error
	RegisterDeserialiser(streamKey string, decoder Decoder)
	Subscribe(ctx context.Context, id StreamID, fromOffset int64) (*FanOutChannel[any], error)
	Unsubscribe(ctx context.Context, id StreamID) (bool, error)
	StreamCount() int
	Stats() Stats
	Close(ctx context.Context)
}

// Pool shards streams across a fixed set of NotificationListeners so the
// notification fan-in of any single database connection stays bounded.
type Pool struct {
	listeners []poolMember
	cfg       Config

	bindings   map[string]int // StreamID.String() -> listener index
	bindingsMu sync.Mutex
}

// NewPool allocates cfg.PoolSize listeners, all sharing rd for durable-store
// reads. Listeners are not connected until Start is called.
func NewPool(connString string, rd reader, cfg Config) *Pool {
	listeners := make([]poolMember, cfg.PoolSize)
	for i := range listeners {
		listeners[i] = NewNotificationListener(connString, rd, cfg)
	}
	return &Pool{
		listeners: listeners,
		cfg:       cfg,
		bindings:  make(map[string]int),
	}
}

// newPoolFromMembers builds a pool over pre-built members, bypassing
// NewPool's listener construction. Used by tests to inject fakes.
func newPoolFromMembers(listeners []poolMember, cfg Config) *Pool {
	return &Pool{listeners: listeners, cfg: cfg, bindings: make(map[string]int)}
}

// Start connects every listener in the pool. If any fails, the listeners
// already connected are closed before the error is returned.
func (p *Pool) Start(ctx context.Context) error {
	for i, l := range p.listeners {
		if err := l.Connect(ctx); err != nil {
			for j := 0; j < i; j++ {
				p.listeners[j].Close(ctx)
			}
			return fmt.Errorf("failed to start listener %d: %w", i, err)
		}
	}
	return nil
}

// RegisterDeserialiser registers a decoder for streamKey on every listener
// in the pool, since the pool doesn't know in advance which listener a given
// stream_key's streams will land on.
func (p *Pool) RegisterDeserialiser(streamKey string, decoder Decoder) {
	for _, l := range p.listeners {
		l.RegisterDeserialiser(streamKey, decoder)
	}
}

// Subscribe routes id to its bound listener (computing and recording the
// binding on first use) and subscribes there.
func (p *Pool) Subscribe(ctx context.Context, id StreamID, fromOffset int64) (*FanOutChannel[any], error) {
	idx := p.routeIndex(id)
	return p.listeners[idx].Subscribe(ctx, id, fromOffset)
}

// Unsubscribe delegates to id's bound listener and removes the binding once
// the stream's consumer count has dropped to zero.
func (p *Pool) Unsubscribe(ctx context.Context, id StreamID) error {
	p.bindingsMu.Lock()
	idx, ok := p.bindings[id.String()]
	p.bindingsMu.Unlock()
	if !ok {
		return ErrUnknownStream
	}

	wasLast, err := p.listeners[idx].Unsubscribe(ctx, id)
	if err != nil {
		return err
	}
	if wasLast {
		p.bindingsMu.Lock()
		delete(p.bindings, id.String())
		p.bindingsMu.Unlock()
	}
	return nil
}

// routeIndex implements sticky hash-then-fallback routing: a stream already
// bound returns its recorded listener; otherwise the FNV-1a hash of
// "<workflow_id>:<stream_key>" picks a candidate, falling back to the
// least-loaded listener when the candidate is at MaxStreamsPerListener.
func (p *Pool) routeIndex(id StreamID) int {
	key := id.String()

	p.bindingsMu.Lock()
	defer p.bindingsMu.Unlock()

	if idx, ok := p.bindings[key]; ok {
		return idx
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	candidate := int(h.Sum32() % uint32(len(p.listeners)))

	idx := candidate
	if p.listeners[candidate].StreamCount() >= p.cfg.MaxStreamsPerListener {
		idx = p.leastLoadedIndex()
	}

	p.bindings[key] = idx
	return idx
}

func (p *Pool) leastLoadedIndex() int {
	best := 0
	bestCount := p.listeners[0].StreamCount()
	for i := 1; i < len(p.listeners); i++ {
		if c := p.listeners[i].StreamCount(); c < bestCount {
			best, bestCount = i, c
		}
	}
	return best
}

// PoolStats aggregates load across every listener in the pool.
type PoolStats struct {
	PoolSize       int
	PerListener    []Stats
	TotalStreams   int
	TotalConsumers int
}

// Stats returns pool-wide load statistics for observability and for
// get_stats on the public façade.
func (p *Pool) Stats() PoolStats {
	stats := PoolStats{PoolSize: len(p.listeners), PerListener: make([]Stats, len(p.listeners))}
	for i, l := range p.listeners {
		s := l.Stats()
		stats.PerListener[i] = s
		stats.TotalStreams += s.StreamCount
		stats.TotalConsumers += s.ConsumerCount
	}
	return stats
}

// Close closes every listener in parallel.
func (p *Pool) Close(ctx context.Context) {
	var wg sync.WaitGroup
	for _, l := range p.listeners {
		wg.Add(1)
		go func(l poolMember) {
			defer wg.Done()
			l.Close(ctx)
		}(l)
	}
	wg.Wait()
}
