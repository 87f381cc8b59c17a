package server

import (
	"sync"

	"github.com/aeolun/talkative/pkg/protocol"
)

// Event topics
const (
	TopicAuth    = "auth"
	TopicLogout  = "logout"
	TopicMessage = "message"
)

// Event is what subscribers receive.
type Event struct {
	Topic    string
	Username string
	Session  *Session
	Envelope *protocol.Envelope
}

// EventHandler reacts to a published event. It runs on the publisher's
// goroutine and must not block.
type EventHandler func(Event)

type subscription struct {
	id uint64
	fn EventHandler
}

// EventBus is an in-process publish/subscribe hub.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]subscription)}
}

// Subscribe registers fn for topic and returns a function that removes it.
func (b *EventBus) Subscribe(topic string, fn EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *EventBus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Publish delivers ev to the subscribers of topic in subscription order.
func (b *EventBus) Publish(topic string, ev Event) {
	ev.Topic = topic

	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(ev)
	}
}
