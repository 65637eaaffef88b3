package signal

import (
	"sync"
)

// Well-known topics.
const (
	TopicLogin         = "auth:login"
	TopicLogout        = "auth:logout"
	TopicAuthRequired  = "auth:required"
	TopicTenantSwitch  = "tenant:switch"
	TopicStorageChange = "storage:change"
	TopicOnline        = "net:online"
)

// Payload carries the identity fields attached to auth and tenant signals.
// Fields not relevant to a topic are left zero.
type Payload struct {
	Token     string
	ExpiresAt int64 // unix seconds, 0 = unknown
	TenantID  string
	Key       string // storage key for TopicStorageChange
}

// Handler receives published payloads. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(Payload)

// Bus is a minimal publish/subscribe fan-out.
type Bus interface {
	// Publish delivers payload to every handler subscribed to topic.
	Publish(topic string, payload Payload)

	// Subscribe registers a handler for topic and returns a cancel func.
	Subscribe(topic string, h Handler) (cancel func())
}

// memoryBus is the in-process Bus implementation.
type memoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

// NewBus creates an in-process Bus.
func NewBus() Bus {
	return &memoryBus{subs: make(map[string]map[int]Handler)}
}

func (b *memoryBus) Publish(topic string, payload Payload) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}

func (b *memoryBus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	b.subs[topic][id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[topic], id)
		b.mu.Unlock()
	}
}
