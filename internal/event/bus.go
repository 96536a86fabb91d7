package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Event is the envelope published for every outbox row. Name is the
// routing key ("comment.created", "round.finished", ...); the payload
// is opaque to the pipeline.
type Event struct {
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   json.RawMessage `json:"metadata"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Handler consumes one event. Handlers are registered explicitly per
// event name; there is no reflection-based discovery.
type Handler func(ctx context.Context, e Event) error

// Publisher is what the outbox relay publishes into. Implemented by Bus
// (in-process) and by the Kafka writer adapter.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Bus is an in-process pub/sub with a per-name handler table. A "*"
// registration receives every event.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Register attaches a handler to an event name. Not safe to call
// concurrently with itself for the same name, but safe against Publish.
func (b *Bus) Register(name string, h Handler) {
	b.mu.Lock()
	b.handlers[name] = append(b.handlers[name], h)
	b.mu.Unlock()
}

// Publish runs every handler registered for e.Name (plus wildcard
// handlers) synchronously. The first handler error aborts and is
// returned so the relay can retry the event.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[e.Name])+len(b.handlers["*"]))
	hs = append(hs, b.handlers[e.Name]...)
	hs = append(hs, b.handlers["*"]...)
	b.mu.RUnlock()

	if len(hs) == 0 {
		return nil
	}

	for _, h := range hs {
		if err := h(ctx, e); err != nil {
			return fmt.Errorf("handle %s: %w", e.Name, err)
		}
	}
	return nil
}
