package interfaces

import (
	"context"

	"github.com/ternarybob/sitesync/internal/models"
)

// EventHandler receives bus events for one subscribed topic. Handlers run on
// the topic's dispatch goroutine, so delivery order matches publish order.
type EventHandler func(ctx context.Context, event models.BusEvent)

// EventService fans project-scoped events out to subscribers in publish
// order per (organization, project) topic.
type EventService interface {
	// Subscribe registers a handler for a topic and returns an
	// unsubscribe token.
	Subscribe(topic string, handler EventHandler) string

	// Unsubscribe removes a previously registered handler.
	Unsubscribe(topic string, token string)

	// Publish appends the event to its topic's ordered stream. It never
	// blocks the caller.
	Publish(event models.BusEvent)

	Close() error
}

// EventBroker mirrors published events across instances. Implementations
// must deliver events for one topic in publish order.
type EventBroker interface {
	// Broadcast sends a locally published event to the other instances.
	Broadcast(ctx context.Context, event models.BusEvent) error

	// Listen delivers events broadcast by other instances until ctx ends.
	Listen(ctx context.Context, deliver func(models.BusEvent)) error

	Close() error
}
