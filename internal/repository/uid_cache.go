package repository

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/customeros/popstack/interfaces"
	er "github.com/customeros/popstack/internal/errors"
	"github.com/customeros/popstack/internal/models"
	"github.com/customeros/popstack/internal/tracing"
	"github.com/customeros/popstack/internal/utils"
)

type uidCacheRepository struct {
	db *gorm.DB
}

func NewUidCacheRepository(db *gorm.DB) interfaces.UidCacheRepository {
	return &uidCacheRepository{db: db}
}

func (r *uidCacheRepository) GetUidCache(ctx context.Context, accountID string) (*models.UidCacheRecord, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "uidCacheRepository.GetUidCache")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	var record models.UidCacheRecord
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get uid cache: %w", err)
	}
	return &record, nil
}

// SaveUidCache writes data when the stored revision still equals revision.
// Revision 0 means no row exists yet.
func (r *uidCacheRepository) SaveUidCache(ctx context.Context, accountID string, revision int64, data string) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "uidCacheRepository.SaveUidCache")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, accountID)
	span.SetTag("revision", revision)

	next := revision + 1
	if revision == 0 {
		record := &models.UidCacheRecord{
			AccountID: accountID,
			Revision:  next,
			Data:      data,
		}
		result := r.db.WithContext(ctx).
			Where(models.UidCacheRecord{AccountID: accountID}).
			FirstOrCreate(record)
		if result.Error != nil {
			tracing.TraceErr(span, result.Error)
			return 0, fmt.Errorf("failed to create uid cache: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return 0, er.ErrUidCacheRevisionConflict
		}
		return next, nil
	}

	result := r.db.WithContext(ctx).
		Model(&models.UidCacheRecord{}).
		Where("account_id = ? AND revision = ?", accountID, revision).
		Updates(map[string]interface{}{
			"revision":   next,
			"data":       data,
			"updated_at": utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return 0, fmt.Errorf("failed to save uid cache: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, er.ErrUidCacheRevisionConflict
	}
	return next, nil
}

func (r *uidCacheRepository) DeleteUidCache(ctx context.Context, accountID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "uidCacheRepository.DeleteUidCache")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	if err := r.db.WithContext(ctx).Where("account_id = ?", accountID).Delete(&models.UidCacheRecord{}).Error; err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to delete uid cache: %w", err)
	}
	return nil
}
