package listeners

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/customeros/popstack/dto"
	"github.com/customeros/popstack/interfaces"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/internal/tracing"
	"github.com/customeros/popstack/services/events"
)

const fetchEmailTimeout = 2 * time.Minute

type FetchEmailListener struct {
	events.BaseEventListener
	syncer  AccountSyncer
	timeout time.Duration
}

func NewFetchEmailListener(log logger.Logger, syncer AccountSyncer) interfaces.EventListener {
	return &FetchEmailListener{
		BaseEventListener: events.NewBaseEventListener(
			log,
			events.GetEventType[dto.FetchEmail](),
			events.QueueFetchEmail,
		),
		syncer:  syncer,
		timeout: fetchEmailTimeout,
	}
}

// Handle waits for the download so a failed fetch ends in the DLQ.
func (l *FetchEmailListener) Handle(ctx context.Context, baseEvent any) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "FetchEmailListener.Handle")
	defer span.Finish()
	tracing.SetDefaultListenerSpanTags(ctx, span)
	tracing.LogObjectAsJson(span, "event", baseEvent)

	validatedEvent, err := l.ValidateBaseEvent(ctx, baseEvent)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	request, err := events.DecodeEventData[dto.FetchEmail](ctx, validatedEvent)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	tracing.TagAccount(span, request.AccountID)
	tracing.TagEntity(span, request.EmailID)

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := l.syncer.FetchEmail(ctx, request.AccountID, request.EmailID, request.PartID, false)
	if err == nil {
		select {
		case err = <-req.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err != nil {
		tracing.TraceErr(span, err)
		return dropIfPermanent(l.Logger(), err, "fetch email "+request.EmailID)
	}
	return nil
}
