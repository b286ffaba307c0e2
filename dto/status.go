package dto

import (
	"time"

	"github.com/customeros/popstack/internal/scheduler"
)

// AccountStatusChanged is published whenever an account's sync or error
// state changes.
type AccountStatusChanged struct {
	AccountID     string     `json:"accountId"`
	SyncStatus    string     `json:"syncStatus"`
	ErrorCode     string     `json:"errorCode,omitempty"`
	ErrorText     string     `json:"errorText,omitempty"`
	RetryInterval int        `json:"retryInterval,omitempty"`
	NextRetryAt   *time.Time `json:"nextRetryAt,omitempty"`
}

type ActivityState string

const (
	ActivityStart    ActivityState = "start"
	ActivityUpdate   ActivityState = "update"
	ActivityComplete ActivityState = "complete"
	ActivityCancel   ActivityState = "cancel"
)

// Activity is a named scheduling record, used for wake-ups such as a
// delayed retry of a failed account.
type Activity struct {
	Name      string        `json:"name"`
	AccountID string        `json:"accountId"`
	State     ActivityState `json:"state"`
	RunAt     *time.Time    `json:"runAt,omitempty"`
	Details   string        `json:"details,omitempty"`
}

// SessionStatus is a point-in-time snapshot of one account's session.
type SessionStatus struct {
	AccountID    string           `json:"accountId"`
	State        string           `json:"state"`
	Connected    bool             `json:"connected"`
	ErrorCode    string           `json:"errorCode,omitempty"`
	ErrorText    string           `json:"errorText,omitempty"`
	Scheduler    scheduler.Status `json:"scheduler"`
	SyncState    string           `json:"syncState,omitempty"`
	SyncRequests int              `json:"syncRequests,omitempty"`
}

type ServiceStatus struct {
	Dispatcher scheduler.Status `json:"dispatcher"`
	Sessions   []SessionStatus  `json:"sessions"`
}
