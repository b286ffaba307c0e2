package api_errors

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/pkg/errors"

	er "github.com/customeros/popstack/internal/errors"
	"github.com/customeros/popstack/internal/mailerror"
)

// ErrorResponse is the body of every failed /v1 call.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

type MultiErrors struct {
	Errors map[string][]ErrorInfo
}

type ErrorInfo struct {
	Message  string
	RawError error
}

func NewMultiErrors() *MultiErrors {
	return &MultiErrors{
		Errors: make(map[string][]ErrorInfo),
	}
}

func (e *MultiErrors) Add(key, message string, err error) {
	e.Errors[key] = append(e.Errors[key], ErrorInfo{
		Message:  message,
		RawError: err,
	})
}

func (e *MultiErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *MultiErrors) Error() string {
	var parts []string
	for field, errors := range e.Errors {
		for _, err := range errors {
			parts = append(parts, fmt.Sprintf("%s: %s", field, err.Message))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, " | ")
}

// StatusCode maps a service error onto an HTTP status.
func StatusCode(err error) int {
	var multi *MultiErrors
	switch {
	case errors.As(err, &multi):
		return http.StatusBadRequest
	case errors.Is(err, er.ErrAccountNotFound), errors.Is(err, er.ErrEmailNotFound):
		return http.StatusNotFound
	case errors.Is(err, er.ErrInvalidAccount), errors.Is(err, er.ErrInvalidEmail):
		return http.StatusBadRequest
	case errors.Is(err, er.ErrAccountExists), errors.Is(err, er.ErrAccountDisabled), errors.Is(err, er.ErrAccountDeleted):
		return http.StatusConflict
	case errors.Is(err, er.ErrSmtpNotConfigured):
		return http.StatusUnprocessableEntity
	case errors.Is(err, er.ErrMessageNotOnServer):
		return http.StatusGone
	case errors.Is(err, er.ErrConnectionTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case isMailError(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// NewErrorResponse builds the response body for err.
func NewErrorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error()}
	if isMailError(err) {
		resp.Code = mailerror.CodeOf(err).String()
	}
	var multi *MultiErrors
	if errors.As(err, &multi) {
		resp.Error = "invalid request"
		resp.Fields = make(map[string]string, len(multi.Errors))
		for field, infos := range multi.Errors {
			messages := make([]string, 0, len(infos))
			for _, info := range infos {
				messages = append(messages, info.Message)
			}
			resp.Fields[field] = strings.Join(messages, "; ")
		}
	}
	return resp
}

func isMailError(err error) bool {
	var mailErr *mailerror.Error
	return errors.As(err, &mailErr)
}
