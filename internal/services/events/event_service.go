// -----------------------------------------------------------------------
// Last Modified: Tuesday, 25th August 2026
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
)

const defaultStreamBuffer = 256

type subscriber struct {
	token   string
	handler interfaces.EventHandler
}

// busItem wraps an event with its provenance so remotely received events are
// not mirrored back to the broker.
type busItem struct {
	event  models.BusEvent
	remote bool
}

// topicStream owns the ordered delivery channel for one (org, project) topic.
type topicStream struct {
	ch chan busItem
}

// Service implements EventService with one dispatch goroutine per topic, so
// every subscriber observes events in publish order. Publishes never block:
// a saturated topic sheds its oldest buffered event first.
type Service struct {
	subscribers map[string][]subscriber
	streams     map[string]*topicStream
	broker      interfaces.EventBroker
	buffer      int
	logger      arbor.ILogger

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the event bus. A non-nil broker mirrors local publishes
// to other instances and feeds their publishes back in; the service owns the
// broker lifecycle from here on.
func NewService(broker interfaces.EventBroker, cfg *common.Config, logger arbor.ILogger) *Service {
	if logger == nil {
		logger = common.GetLogger()
	}

	buffer := defaultStreamBuffer
	if cfg != nil && cfg.Events.Buffer > 0 {
		buffer = cfg.Events.Buffer
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		subscribers: make(map[string][]subscriber),
		streams:     make(map[string]*topicStream),
		broker:      broker,
		buffer:      buffer,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}

	if broker != nil {
		s.wg.Add(1)
		go s.listenBroker()
	}

	return s
}

// Subscribe registers a handler for a topic and returns its unsubscribe
// token. Handlers run sequentially on the topic's dispatch goroutine.
func (s *Service) Subscribe(topic string, handler interfaces.EventHandler) string {
	token := uuid.New().String()

	s.mu.Lock()
	s.subscribers[topic] = append(s.subscribers[topic], subscriber{token: token, handler: handler})
	count := len(s.subscribers[topic])
	s.mu.Unlock()

	s.logger.Debug().
		Str("topic", topic).
		Int("subscriber_count", count).
		Msg("Event handler subscribed")

	return token
}

// Unsubscribe removes the handler registered under the token. Unknown tokens
// are ignored.
func (s *Service) Unsubscribe(topic string, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[topic]
	for i, sub := range subs {
		if sub.token == token {
			s.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			s.logger.Debug().
				Str("topic", topic).
				Msg("Event handler unsubscribed")
			return
		}
	}
}

// Publish appends the event to its topic's ordered stream and mirrors it to
// the broker. It never blocks the caller.
func (s *Service) Publish(event models.BusEvent) {
	s.deliver(event, false)
}

func (s *Service) deliver(event models.BusEvent, remote bool) {
	topic := models.TopicOf(event.OrganizationID, event.ProjectID)
	stream := s.stream(topic)
	if stream == nil {
		return
	}

	item := busItem{event: event, remote: remote}

	select {
	case stream.ch <- item:
		return
	default:
	}

	// Stream saturated: shed the oldest buffered event to make room.
	select {
	case dropped := <-stream.ch:
		s.logger.Warn().
			Str("topic", topic).
			Str("kind", string(dropped.event.Kind)).
			Msg("Event stream saturated, dropped oldest event")
	default:
	}

	select {
	case stream.ch <- item:
	default:
		s.logger.Warn().
			Str("topic", topic).
			Str("kind", string(event.Kind)).
			Msg("Event dropped, stream still saturated")
	}
}

// stream returns the topic's dispatch stream, creating it and its goroutine
// on first use. Returns nil once the service is closed.
func (s *Service) stream(topic string) *topicStream {
	s.mu.RLock()
	stream, ok := s.streams[topic]
	s.mu.RUnlock()
	if ok {
		return stream
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil
	}
	if stream, ok = s.streams[topic]; ok {
		return stream
	}

	stream = &topicStream{ch: make(chan busItem, s.buffer)}
	s.streams[topic] = stream

	s.wg.Add(1)
	go s.dispatchLoop(topic, stream)

	return stream
}

// dispatchLoop drains one topic in order. Local events are mirrored to the
// broker after local fan-out so cross-instance order matches local order.
func (s *Service) dispatchLoop(topic string, stream *topicStream) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case item := <-stream.ch:
			s.fanOut(topic, item.event)

			if !item.remote && s.broker != nil {
				if err := s.broker.Broadcast(s.ctx, item.event); err != nil {
					s.logger.Warn().
						Err(err).
						Str("topic", topic).
						Msg("Failed to mirror event to broker")
				}
			}
		}
	}
}

func (s *Service) fanOut(topic string, event models.BusEvent) {
	s.mu.RLock()
	subs := make([]subscriber, len(s.subscribers[topic]))
	copy(subs, s.subscribers[topic])
	s.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(s.ctx, event)
	}
}

// listenBroker feeds events published by other instances into the local
// streams without re-mirroring them.
func (s *Service) listenBroker() {
	defer s.wg.Done()

	err := s.broker.Listen(s.ctx, func(event models.BusEvent) {
		s.deliver(event, true)
	})
	if err != nil && s.ctx.Err() == nil {
		s.logger.Error().
			Err(err).
			Msg("Broker listener stopped")
	}
}

// Close stops every dispatch goroutine and the broker.
func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.subscribers = make(map[string][]subscriber)
	s.streams = make(map[string]*topicStream)
	s.mu.Unlock()

	var err error
	if s.broker != nil {
		err = s.broker.Close()
	}

	s.logger.Info().Msg("Event service closed")
	return err
}
