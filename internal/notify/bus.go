// Package notify fans engine events out to in-process subscribers: websocket
// bridges, the scheduler's capacity exchange and tests.
package notify

import (
	evbus "github.com/asaskevich/EventBus"
)

// Bus topics.
const (
	TopicBlockRun        = "block:run"
	TopicDocumentIssued  = "document:issued"
	TopicDocumentRevoked = "document:revoked"
	TopicDocumentRetired = "document:retired"
	TopicInstanceState   = "instance:state"
	TopicCapacityQuery   = "capacity:query"
	TopicCapacityReply   = "capacity:reply"
)

// Bus is a thin wrapper over an in-process publish/subscribe bus. Publishing
// to a topic with no subscribers is a no-op.
type Bus struct {
	bus evbus.Bus
}

func New() *Bus {
	return &Bus{bus: evbus.New()}
}

func (b *Bus) Publish(topic string, args ...any) {
	b.bus.Publish(topic, args...)
}

// Subscribe registers fn for a topic. fn's signature must match the
// arguments published to that topic.
func (b *Bus) Subscribe(topic string, fn any) error {
	return b.bus.Subscribe(topic, fn)
}

// SubscribeAsync registers fn to run on its own goroutine per event.
func (b *Bus) SubscribeAsync(topic string, fn any) error {
	return b.bus.SubscribeAsync(topic, fn, false)
}

func (b *Bus) Unsubscribe(topic string, fn any) error {
	return b.bus.Unsubscribe(topic, fn)
}

// WaitAsync blocks until all async handlers have drained.
func (b *Bus) WaitAsync() {
	b.bus.WaitAsync()
}
