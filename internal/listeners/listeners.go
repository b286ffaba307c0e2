package listeners

import (
	"context"

	"github.com/customeros/popstack/interfaces"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/services/events"
	"github.com/customeros/popstack/services/pop"
)

// AccountSyncer is the part of the POP service the listeners drive.
type AccountSyncer interface {
	SyncAccount(ctx context.Context, accountID string, force bool) error
	FetchEmail(ctx context.Context, accountID, emailID, partID string, auto bool) (*pop.Request, error)
}

// Register subscribes every popstack request listener and starts consuming
// their queues. With exclusive set, only one process consumes the queues that
// open POP3 sessions, since servers lock the maildrop to a single login.
func Register(log logger.Logger, subscriber interfaces.EventSubscriber, syncer AccountSyncer, smtp interfaces.SmtpService, exclusive bool) error {
	all := []interfaces.EventListener{
		NewSyncAccountListener(log, syncer),
		NewFetchEmailListener(log, syncer),
		NewSendEmailListener(log, smtp),
	}
	for _, l := range all {
		subscriber.RegisterListener(l)
	}
	for _, queue := range []string{events.QueueSyncAccount, events.QueueFetchEmail} {
		listen := subscriber.ListenQueue
		if exclusive {
			listen = subscriber.ListenQueueExclusive
		}
		if err := listen(queue); err != nil {
			return err
		}
	}
	return subscriber.ListenQueue(events.QueueSendEmail)
}
