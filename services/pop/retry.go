package pop

import (
	"context"
	"time"

	"github.com/customeros/popstack/dto"
	"github.com/customeros/popstack/internal/config"
	"github.com/customeros/popstack/internal/enum"
	"github.com/customeros/popstack/internal/mailerror"
	"github.com/customeros/popstack/internal/tracing"
)

const retryActivityName = "retry"

// NextRetryInterval grows current by the configured multiplier, clamped to
// [RetryMinInterval, RetryMaxInterval]. A first failure waits the minimum.
func NextRetryInterval(current time.Duration, cfg *config.PopConfig) time.Duration {
	if current < cfg.RetryMinInterval {
		return cfg.RetryMinInterval
	}
	next := time.Duration(float64(current) * cfg.RetryMultiplier)
	if next > cfg.RetryMaxInterval {
		return cfg.RetryMaxInterval
	}
	return next
}

// scheduleRetry persists accountErr with the next backoff interval and asks
// the bus for a wake-up when it expires.
func (s *Session) scheduleRetry(accountErr mailerror.AccountError) {
	interval := NextRetryInterval(s.account.RetryIntervalDuration(), s.cfg)
	nextRetryAt := s.deps.now().Add(interval)
	s.account.RetryInterval = int(interval / time.Second)
	s.account.NextRetryAt = &nextRetryAt
	s.log.Infof("Retrying in %s after %s", interval, accountErr.Code)

	accountID := s.account.ID
	go func() {
		ctx, cancel := s.background()
		defer cancel()
		span, ctx := tracing.StartTracerSpan(ctx, "Session.ScheduleRetry")
		defer span.Finish()
		tracing.TagAccount(span, accountID)

		if err := s.deps.Accounts.UpdateRetry(ctx, accountID, accountErr, interval, nextRetryAt); err != nil {
			tracing.TraceErr(span, err)
			s.log.Errorf("Failed to persist retry status: %v", err)
		}
		if s.deps.Events == nil {
			return
		}
		runAt := nextRetryAt
		if err := s.deps.Events.PublishActivity(ctx, dto.Activity{
			Name:      retryActivityName,
			AccountID: accountID,
			State:     dto.ActivityStart,
			RunAt:     &runAt,
			Details:   accountErr.Code.String(),
		}); err != nil {
			s.log.Warnf("Failed to publish retry activity: %v", err)
		}
		s.publishStatus(ctx, dto.AccountStatusChanged{
			AccountID:     accountID,
			SyncStatus:    enum.SyncStatusRetrying.String(),
			ErrorCode:     accountErr.Code.String(),
			ErrorText:     accountErr.Text,
			RetryInterval: int(interval / time.Second),
			NextRetryAt:   &runAt,
		})
	}()
}

func (s *Session) persistError(accountErr mailerror.AccountError) {
	accountID := s.account.ID
	go func() {
		ctx, cancel := s.background()
		defer cancel()
		span, ctx := tracing.StartTracerSpan(ctx, "Session.PersistError")
		defer span.Finish()
		tracing.TagAccount(span, accountID)

		if err := s.deps.Accounts.UpdateError(ctx, accountID, accountErr); err != nil {
			tracing.TraceErr(span, err)
			s.log.Errorf("Failed to persist account error: %v", err)
		}
		s.publishStatus(ctx, dto.AccountStatusChanged{
			AccountID:  accountID,
			SyncStatus: enum.SyncStatusFailed.String(),
			ErrorCode:  accountErr.Code.String(),
			ErrorText:  accountErr.Text,
		})
	}()
}

// clearError forgets the persisted error and backoff of the account.
func (s *Session) clearError() {
	s.account.ErrorCode = ""
	s.account.ErrorText = ""
	s.account.RetryInterval = 0
	s.account.NextRetryAt = nil

	accountID := s.account.ID
	go func() {
		ctx, cancel := s.background()
		defer cancel()
		if err := s.deps.Accounts.ClearError(ctx, accountID); err != nil {
			s.log.Errorf("Failed to clear account error: %v", err)
		}
	}()
}

func (s *Session) publishStatus(ctx context.Context, status dto.AccountStatusChanged) {
	if s.deps.Events == nil {
		return
	}
	if err := s.deps.Events.PublishAccountStatus(ctx, status); err != nil {
		s.log.Warnf("Failed to publish account status: %v", err)
	}
}
