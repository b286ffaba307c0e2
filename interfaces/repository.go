package interfaces

import (
	"context"
	"time"

	"github.com/customeros/popstack/internal/mailerror"
	"github.com/customeros/popstack/internal/models"
)

type PopAccountRepository interface {
	GetAccounts(ctx context.Context) ([]*models.PopAccount, error)
	GetEnabledAccounts(ctx context.Context) ([]*models.PopAccount, error)
	GetAccountsDueForRetry(ctx context.Context, now time.Time) ([]*models.PopAccount, error)
	GetAccount(ctx context.Context, id string) (*models.PopAccount, error)
	CreateAccount(ctx context.Context, account *models.PopAccount) error
	SaveAccount(ctx context.Context, account *models.PopAccount) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	UpdateError(ctx context.Context, id string, accountErr mailerror.AccountError) error
	UpdateRetry(ctx context.Context, id string, accountErr mailerror.AccountError, interval time.Duration, nextRetryAt time.Time) error
	ClearError(ctx context.Context, id string) error
	UpdateSyncStatus(ctx context.Context, id string, status models.SyncStatusUpdate) error
	DeleteAccount(ctx context.Context, id string) error
}

type PopEmailRepository interface {
	// ListIndex returns id, uid and timestamp of every live email of the account folder.
	ListIndex(ctx context.Context, accountID, folder string) ([]models.EmailIndex, error)
	ListTombstones(ctx context.Context, accountID, folder string) ([]models.EmailIndex, error)
	ListOldest(ctx context.Context, accountID, folder string, limit int) ([]models.EmailIndex, error)
	ListNotDownloaded(ctx context.Context, accountID, folder string, limit int) ([]*models.PopEmail, error)
	CountEmails(ctx context.Context, accountID, folder string) (int64, error)
	GetEmail(ctx context.Context, id string) (*models.PopEmail, error)
	CreateEmails(ctx context.Context, emails []*models.PopEmail) error
	UpdateSummary(ctx context.Context, id, preview string, downloaded bool) error
	ReplaceParts(ctx context.Context, emailID string, parts []*models.PopEmailPart) error
	ClearParts(ctx context.Context, emailID string) ([]models.PopEmailPart, error)
	MarkTombstone(ctx context.Context, id string) error
	DeleteEmails(ctx context.Context, ids []string) ([]models.PopEmailPart, error)
	DeleteAccountEmails(ctx context.Context, accountID string) error
}

type UidCacheRepository interface {
	// GetUidCache returns nil when the account has no cache yet.
	GetUidCache(ctx context.Context, accountID string) (*models.UidCacheRecord, error)
	// SaveUidCache stores data if the stored revision still equals revision
	// and returns the new revision.
	SaveUidCache(ctx context.Context, accountID string, revision int64, data string) (int64, error)
	DeleteUidCache(ctx context.Context, accountID string) error
}
