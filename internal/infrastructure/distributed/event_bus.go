package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event is the envelope carried on the bus.
type Event struct {
	Type       domain.SessionEventType `json:"type"`
	InstanceID string                  `json:"instance_id"`
	Timestamp  time.Time               `json:"timestamp"`
	Session    *domain.SessionEvent    `json:"session,omitempty"`
}

// EventBus fans session events out to every control-plane instance over
// Redis pub/sub. Events published by this instance are not delivered back
// to it.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
}

var _ ports.EventPublisher = (*EventBus)(nil)

func NewEventBus(client redis.UniversalClient, prefix, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    prefix + "events",
		logger:     logger,
	}
}

func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event", "type", event.Type)
	return nil
}

func (eb *EventBus) PublishSessionEvent(ctx context.Context, event domain.SessionEvent) error {
	return eb.Publish(ctx, &Event{Type: event.Type, Timestamp: event.Timestamp, Session: &event})
}

// Subscribe delivers events from other instances to handler until ctx ends.
// ready, if set, is closed once the subscription is confirmed.
func (eb *EventBus) Subscribe(ctx context.Context, ready chan<- struct{}, handler func(context.Context, *Event) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(ctx, &event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"origin", event.InstanceID,
					"error", err,
				)
			}
		}
	}
}

// PeerTeardown returns a handler that removes local peers whose session
// ended on another instance.
func PeerTeardown(peers ports.PeerStore, logger *zap.SugaredLogger) func(context.Context, *Event) error {
	return func(ctx context.Context, event *Event) error {
		if event.Type != domain.SessionEventEnded || event.Session == nil || event.Session.PeerID == "" {
			return nil
		}
		if _, removed := peers.Remove(event.Session.PeerID); removed {
			logger.Infow("peer torn down for remotely ended session",
				"peer_id", event.Session.PeerID,
				"session_id", event.Session.SessionID,
				"origin", event.InstanceID,
			)
		}
		return nil
	}
}

// LogPublisher stands in for the bus when there is a single instance.
type LogPublisher struct {
	Logger *zap.SugaredLogger
}

func (p LogPublisher) PublishSessionEvent(ctx context.Context, event domain.SessionEvent) error {
	p.Logger.Debugw("session event", "type", event.Type, "session_id", event.SessionID, "peer_id", event.PeerID)
	return nil
}
