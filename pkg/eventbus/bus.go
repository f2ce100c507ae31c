package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codeready-toolchain/streamcore/pkg/stream"
)

// streamKey is the fixed stream_key every execution event is published
// under — one event stream per workflow.
const streamKey = "events"

// Event is the envelope every execution event is delivered as. Type
// discriminates the concrete payload, which callers unmarshal from
// EventPayload into the struct matching Type (see events.go).
type Event struct {
	Type         string          `json:"type"`
	EventPayload json.RawMessage `json:"event_payload"`
}

// Decode unmarshals e.EventPayload into dst, a pointer to one of the typed
// payload structs in events.go (e.g. &NodeStartedPayload{}).
func (e Event) Decode(dst any) error {
	return json.Unmarshal(e.EventPayload, dst)
}

// decodeEvent is the stream.Decoder installed on the fixed "events" stream
// key. stream.RegisterTypedDeserialiser strips the publish envelope first,
// so raw is the marshalled Event (type plus event_payload), which this
// parses; the typed payload is left for Event.Decode.
func decodeEvent(raw []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, fmt.Errorf("failed to decode execution event: %w", err)
	}
	return evt, nil
}

// Bus specialises stream.Bridge for execution events: one fixed stream_key
// ("events") per workflow, with a typed Event envelope and deserialiser
// already wired up.
type Bus struct {
	bridge *stream.Bridge
}

// NewBus wraps bridge behind the execution-event façade and registers the
// event deserialiser on its pool. Call once per process before the first
// SubscribeToEvents: a stream's decoder is fixed when its listener channel
// is created.
func NewBus(bridge *stream.Bridge, pool *stream.Pool) *Bus {
	stream.RegisterTypedDeserialiser(pool, streamKey, decodeEvent)
	return &Bus{bridge: bridge}
}

// PublishEvent appends event to workflowID's event stream, wrapped in the
// stored envelope as event_payload.
func (b *Bus) PublishEvent(ctx context.Context, workflowID string, eventType string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	raw, err := json.Marshal(Event{Type: eventType, EventPayload: payloadJSON})
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}
	_, err = b.bridge.PublishOnce(ctx, workflowID, streamKey, raw)
	return err
}

// SubscribeToEvents returns a batch source of execution events for
// workflowID starting at fromOffset. If maxSize and timeoutMS are both zero
// the raw, unbatched subscription is returned; if only one is zero, that one
// takes the bridge's default.
func (b *Bus) SubscribeToEvents(ctx context.Context, workflowID string, fromOffset int64, maxSize, timeoutMS int) (stream.BatchSource[Event], error) {
	return stream.Subscribe[Event](ctx, b.bridge, stream.SubscribeOptions{
		WorkflowID: workflowID,
		StreamKey:  streamKey,
		FromOffset: fromOffset,
		MaxSize:    maxSize,
		TimeoutMS:  timeoutMS,
	})
}

// Unsubscribe releases the caller's share of workflowID's event stream.
func (b *Bus) Unsubscribe(ctx context.Context, workflowID string) error {
	return b.bridge.Unsubscribe(ctx, workflowID, streamKey)
}

// Close stops all underlying listeners and publish tasks.
func (b *Bus) Close(ctx context.Context) {
	b.bridge.Close(ctx)
}
