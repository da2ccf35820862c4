package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
)

// channelPrefix namespaces broker channels: one channel per topic,
// ws:<org>:<project>.
const channelPrefix = "ws:"

// envelope is the broker wire format. Origin carries the publishing instance
// ID so an instance never re-delivers its own mirror.
type envelope struct {
	Origin string          `json:"origin"`
	Event  models.BusEvent `json:"event"`
}

// wireEvent is the listen-side shape of a mirrored event. The payload stays
// raw until the kind is known, then decodes into the same concrete type a
// local publish would carry, so downstream type assertions keep working.
type wireEvent struct {
	Kind           models.EventKind `json:"kind"`
	OrganizationID string           `json:"organizationId"`
	ProjectID      string           `json:"projectId"`
	Payload        json.RawMessage  `json:"payload"`
}

func decodeEvent(w wireEvent) (models.BusEvent, error) {
	event := models.BusEvent{
		Kind:           w.Kind,
		OrganizationID: w.OrganizationID,
		ProjectID:      w.ProjectID,
	}
	if len(w.Payload) == 0 {
		return event, nil
	}

	switch w.Kind {
	case models.EventLog:
		var payload models.LogEvent
		if err := json.Unmarshal(w.Payload, &payload); err != nil {
			return event, err
		}
		event.Payload = payload
	case models.EventJobUpdate:
		var payload models.JobUpdateEvent
		if err := json.Unmarshal(w.Payload, &payload); err != nil {
			return event, err
		}
		event.Payload = payload
	case models.EventStatsUpdate:
		var payload models.StatsUpdateEvent
		if err := json.Unmarshal(w.Payload, &payload); err != nil {
			return event, err
		}
		event.Payload = payload
	default:
		var payload interface{}
		if err := json.Unmarshal(w.Payload, &payload); err != nil {
			return event, err
		}
		event.Payload = payload
	}
	return event, nil
}

// NewBroker builds the configured cross-instance event mirror. Broker "none"
// returns nil: events stay in-process.
func NewBroker(cfg *common.Config, logger arbor.ILogger) (interfaces.EventBroker, error) {
	switch cfg.Events.Broker {
	case "", "none":
		return nil, nil
	case "redis":
		return NewRedisBroker(cfg.Events.RedisAddr, logger)
	default:
		return nil, fmt.Errorf("unknown events broker: %q", cfg.Events.Broker)
	}
}

// RedisBroker mirrors bus events over redis pub/sub so every instance's
// WebSocket subscribers see the same stream.
type RedisBroker struct {
	client *redis.Client
	origin string
	logger arbor.ILogger
}

// NewRedisBroker connects to redis and verifies it is reachable.
func NewRedisBroker(addr string, logger arbor.ILogger) (*RedisBroker, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis broker requires redis_addr")
	}
	if logger == nil {
		logger = common.GetLogger()
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis broker unreachable at %s: %w", addr, err)
	}

	broker := &RedisBroker{
		client: client,
		origin: common.NewID(),
		logger: logger,
	}

	logger.Info().
		Str("addr", addr).
		Str("origin", broker.origin).
		Msg("Redis event broker connected")

	return broker, nil
}

// Broadcast publishes the event to its topic channel for other instances.
func (b *RedisBroker) Broadcast(ctx context.Context, event models.BusEvent) error {
	payload, err := json.Marshal(envelope{Origin: b.origin, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal broker envelope: %w", err)
	}

	channel := channelPrefix + models.TopicOf(event.OrganizationID, event.ProjectID)
	return b.client.Publish(ctx, channel, payload).Err()
}

// Listen delivers events published by other instances until ctx ends. The
// instance's own broadcasts are skipped by origin ID.
func (b *RedisBroker) Listen(ctx context.Context, deliver func(models.BusEvent)) error {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var env struct {
				Origin string    `json:"origin"`
				Event  wireEvent `json:"event"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn().
					Err(err).
					Str("channel", msg.Channel).
					Msg("Dropping malformed broker message")
				continue
			}
			if env.Origin == b.origin {
				continue
			}

			event, err := decodeEvent(env.Event)
			if err != nil {
				b.logger.Warn().
					Err(err).
					Str("channel", msg.Channel).
					Msg("Dropping broker message with undecodable payload")
				continue
			}
			deliver(event)
		}
	}
}

// Close releases the redis connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
