package services

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"navyk-backend/internal/chat"
	"navyk-backend/internal/models"
)

// Publisher is the subset of the Redis client used to fan out events.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// EventPublisher relays pipeline activity to the user's WebSocket
// connections through Redis pub/sub.
type EventPublisher struct {
	redis Publisher
	log   *zap.Logger
}

func NewEventPublisher(redis Publisher, log *zap.Logger) *EventPublisher {
	return &EventPublisher{redis: redis, log: log}
}

// ForUser returns the observer and notifier for one user's pipelines.
func (p *EventPublisher) ForUser(userID uuid.UUID) *UserEvents {
	return &UserEvents{publisher: p, userID: userID}
}

// Observer and Notifier adapt ForUser to the chat manager's factories.
func (p *EventPublisher) Observer(userID uuid.UUID) chat.Observer { return p.ForUser(userID) }

func (p *EventPublisher) Notifier(userID uuid.UUID) chat.Notifier { return p.ForUser(userID) }

// Publish sends a WebSocket update via Redis pub/sub
func (p *EventPublisher) Publish(ctx context.Context, userID uuid.UUID, msg models.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("failed to encode chat event", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	if err := p.redis.Publish(ctx, models.ChatChannel(userID), string(data)).Err(); err != nil {
		p.log.Warn("failed to publish chat event",
			zap.String("user_id", userID.String()),
			zap.String("type", msg.Type),
			zap.Error(err))
	}
}

// UserEvents implements chat.Observer and chat.Notifier for one user.
type UserEvents struct {
	publisher *EventPublisher
	userID    uuid.UUID
}

func (e *UserEvents) MessageAppended(ctx context.Context, coachID string, msg models.ChatMessage) {
	e.publisher.Publish(ctx, e.userID, models.WSMessage{
		Type:    models.EventMessageAppended,
		Payload: models.MessageEvent{CoachID: coachID, Message: msg},
	})
}

func (e *UserEvents) MessageRetracted(ctx context.Context, coachID string, msg models.ChatMessage) {
	e.publisher.Publish(ctx, e.userID, models.WSMessage{
		Type:    models.EventMessageRetracted,
		Payload: models.MessageEvent{CoachID: coachID, Message: msg},
	})
}

func (e *UserEvents) TranscriptReset(ctx context.Context, coachID string) {
	e.publisher.Publish(ctx, e.userID, models.WSMessage{
		Type:    models.EventTranscriptReset,
		Payload: models.ResetEvent{CoachID: coachID},
	})
}

func (e *UserEvents) Notify(ctx context.Context, n chat.Notice) {
	e.publisher.Publish(ctx, e.userID, models.WSMessage{
		Type: models.EventNotice,
		Payload: models.NoticeEvent{
			CoachID:     n.CoachID,
			Kind:        string(n.Kind),
			Message:     n.Message,
			WaitSeconds: n.WaitSeconds,
		},
	})
}
