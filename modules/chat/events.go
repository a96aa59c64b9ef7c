package chat

import (
	"log"

	"github.com/go-monolith/mono"

	"github.com/example/chat-sync/events"
)

// busPublisher publishes chat events on the mono EventBus. Publish
// failures are logged; the operation that produced the event has
// already been committed.
type busPublisher struct {
	bus mono.EventBus
}

func (p busPublisher) MessageSent(ev events.MessageSentEvent) {
	if err := events.MessageSentV1.Publish(p.bus, ev, nil); err != nil {
		log.Printf("[chat] Warning: failed to publish MessageSent for %s: %v", ev.Message.ID, err)
	}
}

func (p busPublisher) RoomUpdated(ev events.RoomUpdatedEvent) {
	if err := events.RoomUpdatedV1.Publish(p.bus, ev, nil); err != nil {
		log.Printf("[chat] Warning: failed to publish RoomUpdated for %s: %v", ev.Room.ID, err)
	}
}

func (p busPublisher) NotificationSent(ev events.NotificationSentEvent) {
	if err := events.NotificationSentV1.Publish(p.bus, ev, nil); err != nil {
		log.Printf("[chat] Warning: failed to publish NotificationSent for %s: %v", ev.Notification.ID, err)
	}
}
