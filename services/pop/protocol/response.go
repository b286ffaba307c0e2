package protocol

import (
	"bytes"
	"strings"

	"github.com/customeros/popstack/internal/mailerror"
)

const (
	StatusStringOK  = "+OK"
	StatusStringErr = "-ERR"
	CRLF            = "\r\n"

	terminator = "."
)

type Status int

const (
	StatusErr Status = iota
	StatusOK
)

// Response is a parsed POP3 status line.
type Response struct {
	Status  Status
	Message string
	Line    string
}

func (r Response) OK() bool {
	return r.Status == StatusOK
}

// ParseResponse splits a status line into its status token and free text.
// A line with neither token is treated as an error reply.
func ParseResponse(line string) Response {
	line = strings.TrimRight(line, CRLF)
	switch {
	case strings.HasPrefix(line, StatusStringOK):
		return Response{Status: StatusOK, Message: strings.TrimSpace(line[len(StatusStringOK):]), Line: line}
	case strings.HasPrefix(line, StatusStringErr):
		return Response{Status: StatusErr, Message: strings.TrimSpace(line[len(StatusStringErr):]), Line: line}
	default:
		return Response{Status: StatusErr, Message: line, Line: line}
	}
}

// Unstuff removes the leading dot a server adds to lines that start with one.
func Unstuff(line []byte) []byte {
	if bytes.HasPrefix(line, []byte("..")) {
		return line[1:]
	}
	return line
}

func isTerminator(line []byte, includeCRLF bool) bool {
	if includeCRLF {
		return string(line) == terminator+CRLF
	}
	return string(line) == terminator
}

var hotmailUnavailable = []string{
	"login_too_frequent",
	"login allowed only every",
	"login_limit_exceed",
	"exceeded the login limit",
	"mailbox_not_opened",
	"mailbox could not be opened",
}

var hotmailWebLogin = []string{
	"web_login_required",
	"log in via the web",
}

// AnalyzeErrorResponse maps a "-ERR" message onto an account error code using
// RFC 3206 response codes and vendor phrases. None means nothing was recognized.
func AnalyzeErrorResponse(host, message string) mailerror.Code {
	msg := strings.ToLower(message)

	switch {
	case strings.Contains(msg, "[auth]"):
		return mailerror.BadUsernameOrPassword
	case strings.Contains(msg, "[in-use]"), strings.Contains(msg, "[sys/temp]"):
		return mailerror.AccountUnavailable
	case strings.Contains(msg, "[sys/perm]"):
		return mailerror.AccountLocked
	}

	if msg == "" || !strings.Contains(strings.ToLower(host), "live.com") {
		return mailerror.None
	}
	for _, phrase := range hotmailUnavailable {
		if strings.Contains(msg, phrase) {
			return mailerror.AccountUnavailable
		}
	}
	for _, phrase := range hotmailWebLogin {
		if strings.Contains(msg, phrase) {
			return mailerror.AccountWebLoginNeeded
		}
	}
	return mailerror.None
}
