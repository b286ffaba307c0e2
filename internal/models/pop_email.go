package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/customeros/popstack/internal/enum"
	"github.com/customeros/popstack/internal/utils"
)

const InboxFolder = "INBOX"

// PopEmail is one downloaded message header, and its body once fetched.
// A tombstoned email was deleted by the user and waits for server deletion.
type PopEmail struct {
	ID         string         `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	AccountID  string         `gorm:"column:account_id;type:varchar(50);uniqueIndex:idx_pop_email_account_uid,priority:1;not null" json:"accountId"`
	Folder     string         `gorm:"column:folder;type:varchar(100);not null;default:'INBOX'" json:"folder"`
	UID        string         `gorm:"column:uid;type:varchar(100);uniqueIndex:idx_pop_email_account_uid,priority:2;not null" json:"uid"`
	MessageID  string         `gorm:"column:message_id;type:varchar(255);index" json:"messageId"`
	InReplyTo  string         `gorm:"column:in_reply_to;type:varchar(255)" json:"inReplyTo"`
	References pq.StringArray `gorm:"column:references;type:text[]" json:"references"`

	// Core email metadata
	Subject     string         `gorm:"column:subject;type:varchar(1000)" json:"subject"`
	FromAddress string         `gorm:"column:from_address;type:varchar(255)" json:"fromAddress"`
	FromName    string         `gorm:"column:from_name;type:varchar(255)" json:"fromName"`
	ReplyTo     string         `gorm:"column:reply_to;type:varchar(255)" json:"replyTo"`
	ToAddresses pq.StringArray `gorm:"column:to_addresses;type:text[]" json:"toAddresses"`
	CcAddresses pq.StringArray `gorm:"column:cc_addresses;type:text[]" json:"ccAddresses"`

	// Timestamp is the message date in unix millis; sync windows compare against it.
	Timestamp int64      `gorm:"column:timestamp;not null;index" json:"timestamp"`
	SentAt    *time.Time `gorm:"column:sent_at;type:timestamp" json:"sentAt"`

	Size       int64   `gorm:"column:size;not null;default:0" json:"size"`
	Unread     bool    `gorm:"column:unread;not null;default:true" json:"unread"`
	Preview    string  `gorm:"column:preview;type:varchar(512)" json:"preview"`
	Downloaded bool    `gorm:"column:downloaded;not null;default:false" json:"downloaded"`
	Tombstone  bool    `gorm:"column:tombstone;not null;default:false;index" json:"tombstone"`
	RawHeaders JSONMap `gorm:"column:raw_headers;type:jsonb" json:"-"`

	Parts []PopEmailPart `gorm:"foreignKey:EmailID;constraint:OnDelete:CASCADE" json:"parts,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
}

func (PopEmail) TableName() string {
	return "pop_emails"
}

func (e *PopEmail) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = utils.GenerateNanoIDWithPrefix("email", 24)
	}
	if e.Folder == "" {
		e.Folder = InboxFolder
	}
	e.CreatedAt = utils.Now()
	return nil
}

// PopEmailPart is one MIME part of a downloaded body, staged in object storage.
type PopEmailPart struct {
	ID          string             `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	EmailID     string             `gorm:"column:email_id;type:varchar(50);index;not null" json:"emailId"`
	PartType    enum.EmailPartType `gorm:"column:part_type;type:varchar(20);not null" json:"partType"`
	ContentType string             `gorm:"column:content_type;type:varchar(255)" json:"contentType"`
	Charset     string             `gorm:"column:charset;type:varchar(50)" json:"charset"`
	FileName    string             `gorm:"column:file_name;type:varchar(500)" json:"fileName"`
	ContentID   string             `gorm:"column:content_id;type:varchar(255)" json:"contentId"`
	Size        int64              `gorm:"column:size;not null;default:0" json:"size"`
	StorageKey  string             `gorm:"column:storage_key;type:varchar(1000)" json:"storageKey"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
}

func (PopEmailPart) TableName() string {
	return "pop_email_parts"
}

func (p *PopEmailPart) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = utils.GenerateNanoIDWithPrefix("part", 24)
	}
	return nil
}

// EmailIndex is the narrow projection reconciliation works on.
type EmailIndex struct {
	ID        string
	UID       string
	Timestamp int64
}
