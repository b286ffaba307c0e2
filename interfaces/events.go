package interfaces

import (
	"context"

	"github.com/customeros/popstack/dto"
	"github.com/customeros/popstack/internal/enum"
)

type EventPublisher interface {
	PublishAccountStatus(ctx context.Context, status dto.AccountStatusChanged) error
	PublishActivity(ctx context.Context, activity dto.Activity) error
	PublishEmailReceived(ctx context.Context, event dto.EmailReceived) error
	PublishDirectEvent(ctx context.Context, entityId string, entityType enum.EntityType, message interface{}, routingKey string) error
	Close() error
}

type EventListener interface {
	Handle(ctx context.Context, event any) error
	GetEventType() string
	GetQueueName() string
}

type EventSubscriber interface {
	RegisterListener(listener EventListener)
	ListenQueue(queueName string) error
	ListenQueueExclusive(queueName string) error
	Close() error
}
