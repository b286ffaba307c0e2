package dto

// EmailReceived is published for every header stored during a sync.
type EmailReceived struct {
	AccountID string `json:"accountId"`
	EmailID   string `json:"emailId"`
	Folder    string `json:"folder"`
	UID       string `json:"uid"`
	MessageID string `json:"messageId"`
	Subject   string `json:"subject"`
	Timestamp int64  `json:"timestamp"`
}
