package repository

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/customeros/popstack/interfaces"
	"github.com/customeros/popstack/internal/models"
	"github.com/customeros/popstack/internal/tracing"
	"github.com/customeros/popstack/internal/utils"
)

// createBatchSize bounds the rows per INSERT when storing header batches.
const createBatchSize = 100

type popEmailRepository struct {
	db *gorm.DB
}

func NewPopEmailRepository(db *gorm.DB) interfaces.PopEmailRepository {
	return &popEmailRepository{db: db}
}

func (r *popEmailRepository) ListIndex(ctx context.Context, accountID, folder string) ([]models.EmailIndex, error) {
	return r.listIndex(ctx, "popEmailRepository.ListIndex", accountID, folder, false)
}

func (r *popEmailRepository) ListTombstones(ctx context.Context, accountID, folder string) ([]models.EmailIndex, error) {
	return r.listIndex(ctx, "popEmailRepository.ListTombstones", accountID, folder, true)
}

func (r *popEmailRepository) listIndex(ctx context.Context, operation, accountID, folder string, tombstone bool) ([]models.EmailIndex, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, operation)
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	var index []models.EmailIndex
	err := r.db.WithContext(ctx).
		Model(&models.PopEmail{}).
		Select("id, uid, timestamp").
		Where("account_id = ? AND folder = ? AND tombstone = ?", accountID, folder, tombstone).
		Order("timestamp").
		Scan(&index).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}
	return index, nil
}

// ListOldest returns up to limit live emails with the oldest timestamps.
func (r *popEmailRepository) ListOldest(ctx context.Context, accountID, folder string, limit int) ([]models.EmailIndex, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popEmailRepository.ListOldest")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	var index []models.EmailIndex
	err := r.db.WithContext(ctx).
		Model(&models.PopEmail{}).
		Select("id, uid, timestamp").
		Where("account_id = ? AND folder = ? AND tombstone = ?", accountID, folder, false).
		Order("timestamp ASC").
		Limit(limit).
		Scan(&index).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to list oldest emails: %w", err)
	}
	return index, nil
}

// ListNotDownloaded returns the newest headers whose body is missing.
func (r *popEmailRepository) ListNotDownloaded(ctx context.Context, accountID, folder string, limit int) ([]*models.PopEmail, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popEmailRepository.ListNotDownloaded")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	var emails []*models.PopEmail
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND folder = ? AND tombstone = ? AND downloaded = ?", accountID, folder, false, false).
		Order("timestamp DESC").
		Limit(limit).
		Find(&emails).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to list emails without body: %w", err)
	}
	return emails, nil
}

func (r *popEmailRepository) CountEmails(ctx context.Context, accountID, folder string) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popEmailRepository.CountEmails")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.PopEmail{}).
		Where("account_id = ? AND folder = ? AND tombstone = ?", accountID, folder, false).
		Count(&count).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}
	return count, nil
}

func (r *popEmailRepository) GetEmail(ctx context.Context, id string) (*models.PopEmail, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popEmailRepository.GetEmail")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagEntity(span, id)

	var email models.PopEmail
	err := r.db.WithContext(ctx).Preload("Parts").Where("id = ?", id).First(&email).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return &email, nil
}

// CreateEmails inserts a header batch. A uid already stored for the account
// is left untouched.
func (r *popEmailRepository) CreateEmails(ctx context.Context, emails []*models.PopEmail) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popEmailRepository.CreateEmails")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.SetTag("batch-size", len(emails))

	if len(emails) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(emails, createBatchSize).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to create emails: %w", err)
	}
	return nil
}

func (r *popEmailRepository) UpdateSummary(ctx context.Context, id, preview string, downloaded bool) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popEmailRepository.UpdateSummary")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagEntity(span, id)

	err := r.db.WithContext(ctx).
		Model(&models.PopEmail{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"preview":    preview,
			"downloaded": downloaded,
			"updated_at": utils.Now(),
		}).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to update email summary: %w", err)
	}
	return nil
}

// ReplaceParts swaps the stored parts of an email in one transaction.
func (r *popEmailRepository) ReplaceParts(ctx context.Context, emailID string, parts []*models.PopEmailPart) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popEmailRepository.ReplaceParts")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagEntity(span, emailID)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("email_id = ?", emailID).Delete(&models.PopEmailPart{}).Error; err != nil {
			return err
		}
		if len(parts) == 0 {
			return nil
		}
		return tx.Create(parts).Error
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to replace email parts: %w", err)
	}
	return nil
}

// ClearParts deletes the parts of an email and returns what was deleted.
func (r *popEmailRepository) ClearParts(ctx context.Context, emailID string) ([]models.PopEmailPart, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popEmailRepository.ClearParts")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagEntity(span, emailID)

	var parts []models.PopEmailPart
	err := r.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("email_id = ?", emailID).
		Delete(&parts).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to clear email parts: %w", err)
	}
	return parts, nil
}

func (r *popEmailRepository) MarkTombstone(ctx context.Context, id string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popEmailRepository.MarkTombstone")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagEntity(span, id)

	result := r.db.WithContext(ctx).
		Model(&models.PopEmail{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"tombstone":  true,
			"updated_at": utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return fmt.Errorf("failed to mark email deleted: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrEmailNotFound
	}
	return nil
}

// DeleteEmails deletes the emails with their parts and returns the deleted
// parts so their stored objects can be removed.
func (r *popEmailRepository) DeleteEmails(ctx context.Context, ids []string) ([]models.PopEmailPart, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popEmailRepository.DeleteEmails")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.SetTag("count", len(ids))

	if len(ids) == 0 {
		return nil, nil
	}
	var parts []models.PopEmailPart
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Returning{}).Where("email_id IN ?", ids).Delete(&parts).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&models.PopEmail{}).Error
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to delete emails: %w", err)
	}
	return parts, nil
}

func (r *popEmailRepository) DeleteAccountEmails(ctx context.Context, accountID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "popEmailRepository.DeleteAccountEmails")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		emailIDs := tx.Model(&models.PopEmail{}).Select("id").Where("account_id = ?", accountID)
		if err := tx.Where("email_id IN (?)", emailIDs).Delete(&models.PopEmailPart{}).Error; err != nil {
			return err
		}
		return tx.Where("account_id = ?", accountID).Delete(&models.PopEmail{}).Error
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to delete account emails: %w", err)
	}
	return nil
}
