package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// EventEnvelope is the bus contract. Consumers key ordering on InstanceID.
type EventEnvelope struct {
	EventID      string         `json:"eventId"`
	EventType    EventType      `json:"eventType"`
	InstanceID   int64          `json:"instanceId"`
	DefinitionID int64          `json:"definitionId"`
	EntityType   string         `json:"entityType"`
	EntityID     string         `json:"entityId"`
	FromNodeCode string         `json:"fromNodeCode,omitempty"`
	ToNodeCode   string         `json:"toNodeCode,omitempty"`
	Action       string         `json:"action"`
	ActorID      string         `json:"actorId"`
	Timestamp    int64          `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// EventPublisher pushes one envelope per committed mutation to the external
// bus. Publication is best-effort: the engine logs a failure and moves on,
// the durable event log is the authority of record.
type EventPublisher interface {
	Publish(ctx context.Context, envelope *EventEnvelope) error
}

// NewEnvelope stamps id and timestamp; callers fill the rest.
func NewEnvelope(eventType EventType) *EventEnvelope {
	return &EventEnvelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().Unix(),
	}
}

const defaultEventStream = "workflow:events"

// NewRedisEventPublisher publishes envelopes to a redis stream via XADD.
// An empty stream name falls back to "workflow:events".
func NewRedisEventPublisher(redisClient redis.Cmdable, stream string) EventPublisher {
	if stream == "" {
		stream = defaultEventStream
	}
	return &redisEventPublisher{redisClient: redisClient, stream: stream}
}

type redisEventPublisher struct {
	redisClient redis.Cmdable
	stream      string
}

func (p *redisEventPublisher) Publish(ctx context.Context, envelope *EventEnvelope) error {
	if envelope == nil {
		return errors.New("nil envelope")
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return errors.WithMessage(err, "marshal envelope failed")
	}
	err = p.redisClient.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"event_id":    envelope.EventID,
			"event_type":  envelope.EventType,
			"instance_id": envelope.InstanceID,
			"payload":     payload,
		},
	}).Err()
	if err != nil {
		return errors.WithMessagef(ErrEventPublishFailed, "XADD %s: %v", p.stream, err)
	}
	return nil
}

// NewNoopEventPublisher is for embedded use and tests with no broker around.
func NewNoopEventPublisher() EventPublisher {
	return noopEventPublisher{}
}

type noopEventPublisher struct{}

func (noopEventPublisher) Publish(ctx context.Context, envelope *EventEnvelope) error {
	return nil
}
