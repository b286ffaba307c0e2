package listeners

import (
	"context"

	"github.com/opentracing/opentracing-go"

	"github.com/customeros/popstack/dto"
	"github.com/customeros/popstack/interfaces"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/internal/tracing"
	"github.com/customeros/popstack/services/events"
)

type SyncAccountListener struct {
	events.BaseEventListener
	syncer AccountSyncer
}

func NewSyncAccountListener(log logger.Logger, syncer AccountSyncer) interfaces.EventListener {
	return &SyncAccountListener{
		BaseEventListener: events.NewBaseEventListener(
			log,
			events.GetEventType[dto.SyncAccount](),
			events.QueueSyncAccount,
		),
		syncer: syncer,
	}
}

func (l *SyncAccountListener) Handle(ctx context.Context, baseEvent any) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SyncAccountListener.Handle")
	defer span.Finish()
	tracing.SetDefaultListenerSpanTags(ctx, span)
	tracing.LogObjectAsJson(span, "event", baseEvent)

	validatedEvent, err := l.ValidateBaseEvent(ctx, baseEvent)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	request, err := events.DecodeEventData[dto.SyncAccount](ctx, validatedEvent)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	tracing.TagAccount(span, request.AccountID)

	if err = l.syncer.SyncAccount(ctx, request.AccountID, request.Force); err != nil {
		tracing.TraceErr(span, err)
		return dropIfPermanent(l.Logger(), err, "sync account "+request.AccountID)
	}
	return nil
}
