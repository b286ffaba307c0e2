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

type SendEmailListener struct {
	events.BaseEventListener
	smtp interfaces.SmtpService
}

func NewSendEmailListener(log logger.Logger, smtp interfaces.SmtpService) interfaces.EventListener {
	return &SendEmailListener{
		BaseEventListener: events.NewBaseEventListener(
			log,
			events.GetEventType[dto.SendEmail](),
			events.QueueSendEmail,
		),
		smtp: smtp,
	}
}

func (l *SendEmailListener) Handle(ctx context.Context, baseEvent any) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SendEmailListener.Handle")
	defer span.Finish()
	tracing.SetDefaultListenerSpanTags(ctx, span)
	tracing.LogObjectAsJson(span, "event", baseEvent)

	validatedEvent, err := l.ValidateBaseEvent(ctx, baseEvent)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	sendEmail, err := events.DecodeEventData[dto.SendEmail](ctx, validatedEvent)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	tracing.TagAccount(span, sendEmail.AccountID)

	messageID, err := l.smtp.Send(ctx, sendEmail)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	span.LogKV("messageId", messageID)
	return nil
}
