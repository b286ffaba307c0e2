// Package mailerror holds the account-level error codes reported by mail
// sessions and the rules that classify them.
package mailerror

import (
	"fmt"

	"github.com/pkg/errors"
)

type Code string

const (
	None Code = ""

	// login errors
	AccountLocked         Code = "ACCOUNT_LOCKED"
	AccountWebLoginNeeded Code = "ACCOUNT_WEB_LOGIN_REQUIRED"
	UnknownAuthError      Code = "UNKNOWN_AUTH_ERROR"
	BadUsernameOrPassword Code = "BAD_USERNAME_OR_PASSWORD"

	// network errors that are worth retrying
	ConnectionFailed   Code = "CONNECTION_FAILED"
	ConnectionTimedOut Code = "CONNECTION_TIMED_OUT"
	HostNotFound       Code = "HOST_NOT_FOUND"
	NoNetwork          Code = "NO_NETWORK"

	// ssl errors
	SslCertificateExpired    Code = "SSL_CERTIFICATE_EXPIRED"
	SslCertificateInvalid    Code = "SSL_CERTIFICATE_INVALID"
	SslCertificateNotTrusted Code = "SSL_CERTIFICATE_NOT_TRUSTED"
	SslHostNameMismatched    Code = "SSL_HOST_NAME_MISMATCHED"

	// account errors worth retrying
	AccountUnavailable Code = "ACCOUNT_UNAVAILABLE"

	// configuration errors
	ConfigNoSsl                  Code = "CONFIG_NO_SSL"
	InternalAccountMisconfigured Code = "INTERNAL_ACCOUNT_MISCONFIGURED"

	// protocol errors
	BadResponse Code = "BAD_RESPONSE"

	InternalError Code = "INTERNAL_ERROR"
)

// Kind groups codes into the taxonomy surfaced to callers.
type Kind string

const (
	KindNetwork  Kind = "network"
	KindProtocol Kind = "protocol"
	KindAuth     Kind = "auth"
	KindConfig   Kind = "config"
	KindInternal Kind = "internal"
)

func (c Code) String() string {
	return string(c)
}

func IsLoginError(code Code) bool {
	switch code {
	case AccountLocked, AccountWebLoginNeeded, UnknownAuthError, BadUsernameOrPassword:
		return true
	}
	return false
}

func IsRetryNetworkError(code Code) bool {
	switch code {
	case ConnectionFailed, ConnectionTimedOut, HostNotFound, NoNetwork:
		return true
	}
	return false
}

func IsSslNetworkError(code Code) bool {
	switch code {
	case SslCertificateExpired, SslCertificateInvalid, SslCertificateNotTrusted, SslHostNameMismatched:
		return true
	}
	return false
}

func IsNetworkError(code Code) bool {
	return IsRetryNetworkError(code) || IsSslNetworkError(code)
}

func IsRetryAccountError(code Code) bool {
	return code == AccountUnavailable
}

// IsRetryError reports whether the failure is transient and a later sync
// attempt may succeed without user action.
func IsRetryError(code Code) bool {
	return IsRetryNetworkError(code) || IsRetryAccountError(code)
}

func KindOf(code Code) Kind {
	switch {
	case IsNetworkError(code):
		return KindNetwork
	case IsLoginError(code), IsRetryAccountError(code):
		return KindAuth
	case code == ConfigNoSsl, code == InternalAccountMisconfigured:
		return KindConfig
	case code == BadResponse:
		return KindProtocol
	}
	return KindInternal
}

// Error is a failure that carries an account-level error code.
type Error struct {
	Code  Code
	Text  string
	cause error
}

func New(code Code, text string) *Error {
	return &Error{Code: code, Text: text}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Text: fmt.Sprintf(format, args...)}
}

// Wrap attaches code to err. A nil err yields nil.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Text: err.Error(), cause: err}
}

func (e *Error) Error() string {
	if e.Text == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Text)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Kind() Kind {
	return KindOf(e.Code)
}

// CodeOf extracts the code from err, defaulting to InternalError.
func CodeOf(err error) Code {
	if err == nil {
		return None
	}
	var mailErr *Error
	if errors.As(err, &mailErr) {
		return mailErr.Code
	}
	return InternalError
}

// TextOf returns the error text without the code prefix.
func TextOf(err error) string {
	if err == nil {
		return ""
	}
	var mailErr *Error
	if errors.As(err, &mailErr) {
		return mailErr.Text
	}
	return err.Error()
}

// AccountError is the error state persisted on an account.
type AccountError struct {
	Code Code   `json:"errorCode"`
	Text string `json:"errorText"`
}

func (a AccountError) IsSet() bool {
	return a.Code != None
}

func FromError(err error) AccountError {
	if err == nil {
		return AccountError{}
	}
	return AccountError{Code: CodeOf(err), Text: TextOf(err)}
}
