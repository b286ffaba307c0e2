package errors

import "github.com/pkg/errors"

var (
	// common errors
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrSessionClosed     = errors.New("session closed")

	// account errors
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountDisabled = errors.New("account disabled")
	ErrAccountDeleted  = errors.New("account deleted")
	ErrInvalidAccount  = errors.New("invalid account configuration")

	// email errors
	ErrEmailNotFound      = errors.New("email not found")
	ErrMessageNotOnServer = errors.New("message not on server")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrSmtpNotConfigured  = errors.New("smtp not configured for account")

	// uid cache errors
	ErrUidCacheRevisionConflict = errors.New("uid cache revision conflict")
)
