package bus

import "sync"

// Event is a server-side event broadcast to subscribers (e.g. WebSocket clients).
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Batch lifecycle event names.
const (
	EventBatchStarted   = "batch.started"
	EventBatchExtended  = "batch.extended"
	EventBatchRejected  = "batch.rejected"
	EventBatchProcessed = "batch.processed"
	EventBatchCleared   = "batch.cleared"
	EventBatchReaped    = "batch.reaped"
)

// BatchEventPayload describes the batch a lifecycle event refers to.
type BatchEventPayload struct {
	ContactKey   string `json:"contact_key"`
	BatchID      string `json:"batch_id,omitempty"`
	MessageCount int    `json:"message_count,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// The batching core publishes through this so it stays decoupled from
// the concrete bus (and from whether anyone is listening at all).
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// EventBus is an in-process EventPublisher fanning events out to subscribers.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates an empty EventBus.
func New() *EventBus {
	return &EventBus{handlers: make(map[string]EventHandler)}
}

func (b *EventBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to every subscriber. Handlers run on the
// caller's goroutine and must not block.
func (b *EventBus) Broadcast(event Event) {
	b.mu.RLock()
	hs := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(event)
	}
}
