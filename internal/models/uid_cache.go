package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/customeros/popstack/internal/utils"
)

// UidCacheRecord persists one account's uid cache. Revision is bumped on
// every save and guards against concurrent writers.
type UidCacheRecord struct {
	ID        string    `gorm:"column:id;type:varchar(50);primaryKey"`
	AccountID string    `gorm:"column:account_id;type:varchar(50);uniqueIndex;not null"`
	Revision  int64     `gorm:"column:revision;not null;default:0"`
	Data      string    `gorm:"column:data;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamp;default:current_timestamp"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamp;default:current_timestamp"`
}

func (UidCacheRecord) TableName() string {
	return "pop_uid_caches"
}

func (r *UidCacheRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = utils.GenerateNanoIDWithPrefix("uidc", 16)
	}
	return nil
}
