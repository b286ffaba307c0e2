package dto

// SyncAccount asks the service to sync one account now.
type SyncAccount struct {
	AccountID string `json:"accountId"`
	Force     bool   `json:"force"`
}

// FetchEmail asks the service to download the body of one email.
type FetchEmail struct {
	AccountID string `json:"accountId"`
	EmailID   string `json:"emailId"`
	PartID    string `json:"partId,omitempty"`
}

// SendEmail asks the service to deliver a message through the account's
// SMTP server.
type SendEmail struct {
	AccountID   string   `json:"accountId"`
	To          []string `json:"to"`
	Cc          []string `json:"cc,omitempty"`
	Bcc         []string `json:"bcc,omitempty"`
	Subject     string   `json:"subject"`
	BodyText    string   `json:"bodyText,omitempty"`
	BodyHTML    string   `json:"bodyHtml,omitempty"`
	InReplyTo   string   `json:"inReplyTo,omitempty"`
	References  []string `json:"references,omitempty"`
	FromName    string   `json:"fromName,omitempty"`
	ReplyTo     string   `json:"replyTo,omitempty"`
	MessageUUID string   `json:"messageUuid,omitempty"`
}
