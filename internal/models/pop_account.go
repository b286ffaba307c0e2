package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/customeros/popstack/internal/enum"
	"github.com/customeros/popstack/internal/mailerror"
	"github.com/customeros/popstack/internal/utils"
)

type PopAccount struct {
	ID           string `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	EmailAddress string `gorm:"column:email_address;type:varchar(255);uniqueIndex;not null" json:"emailAddress"`
	DisplayName  string `gorm:"column:display_name;type:varchar(255)" json:"displayName"`
	// POP3 Configuration
	Hostname   string          `gorm:"column:hostname;type:varchar(255);not null" json:"hostname"`
	Port       int             `gorm:"column:port;not null" json:"port"`
	Encryption enum.Encryption `gorm:"column:encryption;type:varchar(10);not null;default:'ssl'" json:"encryption"`
	Username   string          `gorm:"column:username;type:varchar(255);not null" json:"username"`
	Password   string          `gorm:"column:password;type:varchar(255);not null" json:"-"`
	// SMTP Configuration
	SmtpHostname   string          `gorm:"column:smtp_hostname;type:varchar(255)" json:"smtpHostname"`
	SmtpPort       int             `gorm:"column:smtp_port" json:"smtpPort"`
	SmtpEncryption enum.Encryption `gorm:"column:smtp_encryption;type:varchar(10);default:'tls'" json:"smtpEncryption"`
	SmtpUsername   string          `gorm:"column:smtp_username;type:varchar(255)" json:"smtpUsername"`
	SmtpPassword   string          `gorm:"column:smtp_password;type:varchar(255)" json:"-"`
	// Sync policy
	SyncWindowDays   int  `gorm:"column:sync_window_days;not null;default:0" json:"syncWindowDays"`
	DeleteOnDevice   bool `gorm:"column:delete_on_device;not null;default:false" json:"deleteOnDevice"`
	DeleteFromServer bool `gorm:"column:delete_from_server;not null;default:false" json:"deleteFromServer"`
	Enabled          bool `gorm:"column:enabled;not null;default:true" json:"enabled"`
	// Status Information
	SyncStatus    enum.SyncStatus `gorm:"column:sync_status;type:varchar(20)" json:"syncStatus"`
	LastSyncedAt  *time.Time      `gorm:"column:last_synced_at;type:timestamp" json:"lastSyncedAt"`
	ErrorCode     string          `gorm:"column:error_code;type:varchar(50)" json:"errorCode"`
	ErrorText     string          `gorm:"column:error_text;type:text" json:"errorText"`
	RetryInterval int             `gorm:"column:retry_interval;not null;default:0" json:"retryInterval"`
	NextRetryAt   *time.Time      `gorm:"column:next_retry_at;type:timestamp;index" json:"nextRetryAt"`
	// Standard timestamps
	CreatedAt time.Time      `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (PopAccount) TableName() string {
	return "pop_accounts"
}

func (a *PopAccount) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = utils.GenerateNanoIDWithPrefix("acct", 16)
	}
	if a.Encryption == "" {
		a.Encryption = enum.EncryptionSSL
	}
	return nil
}

// RetryIntervalDuration returns the persisted retry interval.
func (a *PopAccount) RetryIntervalDuration() time.Duration {
	return time.Duration(a.RetryInterval) * time.Second
}

// AccountError returns the persisted error state.
func (a *PopAccount) AccountError() mailerror.AccountError {
	return mailerror.AccountError{Code: mailerror.Code(a.ErrorCode), Text: a.ErrorText}
}

func (a *PopAccount) HasLoginError() bool {
	return mailerror.IsLoginError(mailerror.Code(a.ErrorCode))
}

// SyncStatusUpdate is written after every sync attempt.
type SyncStatusUpdate struct {
	Status       enum.SyncStatus
	LastSyncedAt *time.Time
}
