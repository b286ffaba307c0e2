package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/customeros/popstack/interfaces"
	"github.com/customeros/popstack/internal/enum"
	"github.com/customeros/popstack/internal/mailerror"
	"github.com/customeros/popstack/internal/models"
	"github.com/customeros/popstack/internal/tracing"
	"github.com/customeros/popstack/internal/utils"
)

type popAccountRepository struct {
	db *gorm.DB
}

func NewPopAccountRepository(db *gorm.DB) interfaces.PopAccountRepository {
	return &popAccountRepository{db: db}
}

func (r *popAccountRepository) GetAccounts(ctx context.Context) ([]*models.PopAccount, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popAccountRepository.GetAccounts")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var accounts []*models.PopAccount
	if err := r.db.WithContext(ctx).Order("created_at").Find(&accounts).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	return accounts, nil
}

func (r *popAccountRepository) GetEnabledAccounts(ctx context.Context) ([]*models.PopAccount, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popAccountRepository.GetEnabledAccounts")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var accounts []*models.PopAccount
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("created_at").
		Find(&accounts).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get enabled accounts: %w", err)
	}
	return accounts, nil
}

// GetAccountsDueForRetry returns enabled accounts whose retry time passed.
func (r *popAccountRepository) GetAccountsDueForRetry(ctx context.Context, now time.Time) ([]*models.PopAccount, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popAccountRepository.GetAccountsDueForRetry")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var accounts []*models.PopAccount
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", true, now).
		Order("next_retry_at").
		Find(&accounts).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get accounts due for retry: %w", err)
	}
	return accounts, nil
}

func (r *popAccountRepository) GetAccount(ctx context.Context, id string) (*models.PopAccount, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popAccountRepository.GetAccount")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, id)

	var account models.PopAccount
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

func (r *popAccountRepository) CreateAccount(ctx context.Context, account *models.PopAccount) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popAccountRepository.CreateAccount")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		tracing.TraceErr(span, err)
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (r *popAccountRepository) SaveAccount(ctx context.Context, account *models.PopAccount) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popAccountRepository.SaveAccount")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, account.ID)

	account.UpdatedAt = utils.Now()
	if err := r.db.WithContext(ctx).Save(account).Error; err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (r *popAccountRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return r.update(ctx, "popAccountRepository.SetEnabled", id, map[string]interface{}{
		"enabled": enabled,
	})
}

func (r *popAccountRepository) UpdateError(ctx context.Context, id string, accountErr mailerror.AccountError) error {
	return r.update(ctx, "popAccountRepository.UpdateError", id, map[string]interface{}{
		"error_code":  accountErr.Code.String(),
		"error_text":  accountErr.Text,
		"sync_status": enum.SyncStatusFailed,
	})
}

func (r *popAccountRepository) UpdateRetry(ctx context.Context, id string, accountErr mailerror.AccountError, interval time.Duration, nextRetryAt time.Time) error {
	return r.update(ctx, "popAccountRepository.UpdateRetry", id, map[string]interface{}{
		"error_code":     accountErr.Code.String(),
		"error_text":     accountErr.Text,
		"retry_interval": int(interval / time.Second),
		"next_retry_at":  nextRetryAt,
		"sync_status":    enum.SyncStatusRetrying,
	})
}

func (r *popAccountRepository) ClearError(ctx context.Context, id string) error {
	return r.update(ctx, "popAccountRepository.ClearError", id, map[string]interface{}{
		"error_code":     "",
		"error_text":     "",
		"retry_interval": 0,
		"next_retry_at":  nil,
	})
}

func (r *popAccountRepository) UpdateSyncStatus(ctx context.Context, id string, status models.SyncStatusUpdate) error {
	updates := map[string]interface{}{
		"sync_status": status.Status,
	}
	if status.LastSyncedAt != nil {
		updates["last_synced_at"] = *status.LastSyncedAt
	}
	if status.Status == enum.SyncStatusSucceeded {
		updates["error_code"] = ""
		updates["error_text"] = ""
		updates["retry_interval"] = 0
		updates["next_retry_at"] = nil
	}
	return r.update(ctx, "popAccountRepository.UpdateSyncStatus", id, updates)
}

func (r *popAccountRepository) DeleteAccount(ctx context.Context, id string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popAccountRepository.DeleteAccount")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, id)

	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.PopAccount{}).Error; err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

func (r *popAccountRepository) update(ctx context.Context, operation, id string, updates map[string]interface{}) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, operation)
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, id)

	updates["updated_at"] = utils.Now()
	result := r.db.WithContext(ctx).
		Model(&models.PopAccount{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return fmt.Errorf("failed to update account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}
