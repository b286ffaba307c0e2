package pop

import (
	"context"

	"github.com/customeros/popstack/dto"
	"github.com/customeros/popstack/internal/models"
	"github.com/customeros/popstack/internal/scheduler"
)

// queueAutoDownload lists headers whose body is still missing and queues a
// low priority fetch for each, up to AutoDownloadMaxBodies per sync.
func (s *Session) queueAutoDownload() {
	limit := s.cfg.AutoDownloadMaxBodies
	if limit <= 0 || s.closing || s.autoListing {
		return
	}
	s.autoListing = true
	accountID := s.account.ID
	var pending []*models.PopEmail

	s.async(s.ctx, func(ctx context.Context) error {
		var err error
		pending, err = s.deps.Emails.ListNotDownloaded(ctx, accountID, models.InboxFolder, limit)
		return err
	}, func(err error) {
		s.autoListing = false
		if err != nil {
			s.log.Warnf("Failed to list emails for auto download: %v", err)
		}
		if s.state != OkToSync || s.closing {
			return
		}
		for _, email := range pending {
			req := NewRequest(email.ID, "", true)
			s.sched.Queue(newFetchEmailCommand(s, req), false)
		}
		if len(pending) > 0 {
			s.log.Debugf("Queued %d bodies for auto download", len(pending))
			s.sched.RunEligible()
		}
		if s.sched.Idle() {
			s.becameIdle()
		}
	})
}

// requeue turns requests left over by a sync into standalone fetches.
func (s *Session) requeue(reqs []*Request) {
	for _, req := range reqs {
		s.sched.Queue(newFetchEmailCommand(s, req), req.Priority == scheduler.High)
	}
}

func (s *Session) publishReceived(batch []*models.PopEmail) {
	if s.deps.Events == nil || len(batch) == 0 {
		return
	}
	events := make([]dto.EmailReceived, len(batch))
	for i, email := range batch {
		events[i] = dto.EmailReceived{
			AccountID: email.AccountID,
			EmailID:   email.ID,
			Folder:    email.Folder,
			UID:       email.UID,
			MessageID: email.MessageID,
			Subject:   email.Subject,
			Timestamp: email.Timestamp,
		}
	}
	go func() {
		ctx, cancel := s.background()
		defer cancel()
		for _, event := range events {
			if err := s.deps.Events.PublishEmailReceived(ctx, event); err != nil {
				s.log.Warnf("Failed to publish email received for %s: %v", event.EmailID, err)
			}
		}
	}()
}
