package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	api_errors "github.com/customeros/popstack/api/errors"
	"github.com/customeros/popstack/dto"
	"github.com/customeros/popstack/interfaces"
	"github.com/customeros/popstack/internal/models"
	"github.com/customeros/popstack/internal/tracing"
	"github.com/customeros/popstack/services/pop"
)

const defaultFetchWait = 2 * time.Minute

// PopService is what the account endpoints need from the sync engine.
type PopService interface {
	CreateAccount(ctx context.Context, account *models.PopAccount) error
	UpdateAccount(ctx context.Context, account *models.PopAccount) error
	EnableAccount(ctx context.Context, accountID string) error
	DisableAccount(ctx context.Context, accountID string) error
	DeleteAccount(ctx context.Context, accountID string) error
	SyncAccount(ctx context.Context, accountID string, force bool) error
	FetchEmail(ctx context.Context, accountID, emailID, partID string, auto bool) (*pop.Request, error)
	DeleteEmail(ctx context.Context, accountID, emailID string) error
	Reconnect(ctx context.Context, accountID string) error
	AccountStatus(ctx context.Context, accountID string) (dto.SessionStatus, error)
	Status(ctx context.Context) (dto.ServiceStatus, error)
}

type APIHandlers struct {
	Accounts *AccountsHandler
	Emails   *EmailsHandler
}

func InitHandlers(popService PopService, accounts interfaces.PopAccountRepository, smtp interfaces.SmtpService) *APIHandlers {
	return &APIHandlers{
		Accounts: NewAccountsHandler(popService, accounts),
		Emails:   NewEmailsHandler(popService, smtp, defaultFetchWait),
	}
}

func abortWithError(c *gin.Context, span opentracing.Span, err error) {
	tracing.TraceErr(span, err)
	c.AbortWithStatusJSON(api_errors.StatusCode(err), api_errors.NewErrorResponse(err))
}
