package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/customeros/mailsherpa/mailvalidate"
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	api_errors "github.com/customeros/popstack/api/errors"
	"github.com/customeros/popstack/interfaces"
	"github.com/customeros/popstack/internal/enum"
	er "github.com/customeros/popstack/internal/errors"
	"github.com/customeros/popstack/internal/models"
	"github.com/customeros/popstack/internal/tracing"
)

// AccountRequest creates or updates an account. On update, empty fields
// keep their stored value.
type AccountRequest struct {
	EmailAddress     string          `json:"emailAddress"`
	DisplayName      string          `json:"displayName"`
	Hostname         string          `json:"hostname"`
	Port             int             `json:"port"`
	Encryption       enum.Encryption `json:"encryption"`
	Username         string          `json:"username"`
	Password         string          `json:"password"`
	SmtpHostname     string          `json:"smtpHostname"`
	SmtpPort         int             `json:"smtpPort"`
	SmtpEncryption   enum.Encryption `json:"smtpEncryption"`
	SmtpUsername     string          `json:"smtpUsername"`
	SmtpPassword     string          `json:"smtpPassword"`
	SyncWindowDays   *int            `json:"syncWindowDays"`
	DeleteOnDevice   *bool           `json:"deleteOnDevice"`
	DeleteFromServer *bool           `json:"deleteFromServer"`
	Enabled          *bool           `json:"enabled"`
}

func (r *AccountRequest) validate(create bool) error {
	errs := api_errors.NewMultiErrors()
	if create || r.EmailAddress != "" {
		if !mailvalidate.ValidateEmailSyntax(r.EmailAddress).IsValid {
			errs.Add("emailAddress", "must be a valid email address", er.ErrInvalidAccount)
		}
	}
	if create {
		if r.Hostname == "" {
			errs.Add("hostname", "is required", er.ErrInvalidAccount)
		}
		if r.Port == 0 {
			errs.Add("port", "is required", er.ErrInvalidAccount)
		}
		if r.Password == "" {
			errs.Add("password", "is required", er.ErrInvalidAccount)
		}
	}
	if r.Port < 0 || r.Port > 65535 {
		errs.Add("port", "must be between 1 and 65535", er.ErrInvalidAccount)
	}
	if r.SmtpPort < 0 || r.SmtpPort > 65535 {
		errs.Add("smtpPort", "must be between 1 and 65535", er.ErrInvalidAccount)
	}
	if r.Encryption != "" && !r.Encryption.Valid() {
		errs.Add("encryption", "must be one of none, ssl, tls", er.ErrInvalidAccount)
	}
	if r.SmtpEncryption != "" && !r.SmtpEncryption.Valid() {
		errs.Add("smtpEncryption", "must be one of none, ssl, tls", er.ErrInvalidAccount)
	}
	if r.SyncWindowDays != nil && *r.SyncWindowDays < 0 {
		errs.Add("syncWindowDays", "cannot be negative", er.ErrInvalidAccount)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// apply copies the set fields of the request onto account.
func (r *AccountRequest) apply(account *models.PopAccount) {
	setString(&account.EmailAddress, r.EmailAddress)
	setString(&account.DisplayName, r.DisplayName)
	setString(&account.Hostname, r.Hostname)
	setString(&account.Username, r.Username)
	setString(&account.Password, r.Password)
	setString(&account.SmtpHostname, r.SmtpHostname)
	setString(&account.SmtpUsername, r.SmtpUsername)
	setString(&account.SmtpPassword, r.SmtpPassword)
	if r.Port != 0 {
		account.Port = r.Port
	}
	if r.SmtpPort != 0 {
		account.SmtpPort = r.SmtpPort
	}
	if r.Encryption != "" {
		account.Encryption = r.Encryption
	}
	if r.SmtpEncryption != "" {
		account.SmtpEncryption = r.SmtpEncryption
	}
	if r.SyncWindowDays != nil {
		account.SyncWindowDays = *r.SyncWindowDays
	}
	if r.DeleteOnDevice != nil {
		account.DeleteOnDevice = *r.DeleteOnDevice
	}
	if r.DeleteFromServer != nil {
		account.DeleteFromServer = *r.DeleteFromServer
	}
	if r.Enabled != nil {
		account.Enabled = *r.Enabled
	}
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

type AccountsHandler struct {
	pop      PopService
	accounts interfaces.PopAccountRepository
}

func NewAccountsHandler(popService PopService, accounts interfaces.PopAccountRepository) *AccountsHandler {
	return &AccountsHandler{
		pop:      popService,
		accounts: accounts,
	}
}

// CreateAccount stores a new account and opens its session
func (h *AccountsHandler) CreateAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "AccountsHandler.CreateAccount")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		var req AccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadRequest, api_errors.ErrorResponse{Error: err.Error()})
			return
		}
		if err := req.validate(true); err != nil {
			abortWithError(c, span, err)
			return
		}

		account := &models.PopAccount{
			Enabled:        true,
			Encryption:     enum.EncryptionSSL,
			SmtpEncryption: enum.EncryptionTLS,
		}
		req.apply(account)
		if account.Username == "" {
			account.Username = account.EmailAddress
		}

		if err := h.pop.CreateAccount(ctx, account); err != nil {
			abortWithError(c, span, err)
			return
		}
		tracing.TagAccount(span, account.ID)
		c.JSON(http.StatusCreated, account)
	}
}

func (h *AccountsHandler) ListAccounts() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "AccountsHandler.ListAccounts")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		accounts, err := h.accounts.GetAccounts(ctx)
		if err != nil {
			abortWithError(c, span, err)
			return
		}
		if accounts == nil {
			accounts = []*models.PopAccount{}
		}
		c.JSON(http.StatusOK, gin.H{"accounts": accounts})
	}
}

func (h *AccountsHandler) GetAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "AccountsHandler.GetAccount")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		account, err := h.load(c)
		if err != nil {
			abortWithError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, account)
	}
}

// UpdateAccount merges the request into the stored account
func (h *AccountsHandler) UpdateAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "AccountsHandler.UpdateAccount")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		var req AccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadRequest, api_errors.ErrorResponse{Error: err.Error()})
			return
		}
		if err := req.validate(false); err != nil {
			abortWithError(c, span, err)
			return
		}

		account, err := h.load(c)
		if err != nil {
			abortWithError(c, span, err)
			return
		}
		req.apply(account)

		if err := h.pop.UpdateAccount(ctx, account); err != nil {
			abortWithError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, account)
	}
}

func (h *AccountsHandler) EnableAccount() gin.HandlerFunc {
	return h.accountAction("AccountsHandler.EnableAccount", "enabled", http.StatusOK, h.pop.EnableAccount)
}

func (h *AccountsHandler) DisableAccount() gin.HandlerFunc {
	return h.accountAction("AccountsHandler.DisableAccount", "disabled", http.StatusOK, h.pop.DisableAccount)
}

func (h *AccountsHandler) DeleteAccount() gin.HandlerFunc {
	return h.accountAction("AccountsHandler.DeleteAccount", "deleted", http.StatusOK, h.pop.DeleteAccount)
}

func (h *AccountsHandler) Reconnect() gin.HandlerFunc {
	return h.accountAction("AccountsHandler.Reconnect", "reconnecting", http.StatusAccepted, h.pop.Reconnect)
}

// SyncAccount queues a sync; ?force=true syncs even when the account is
// waiting out a retry.
func (h *AccountsHandler) SyncAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "AccountsHandler.SyncAccount")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))
		span.SetTag("force", force)

		id := c.Param("id")
		if err := h.pop.SyncAccount(ctx, id, force); err != nil {
			abortWithError(c, span, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "sync queued", "id": id})
	}
}

func (h *AccountsHandler) AccountStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "AccountsHandler.AccountStatus")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		status, err := h.pop.AccountStatus(ctx, c.Param("id"))
		if err != nil {
			abortWithError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func (h *AccountsHandler) accountAction(operation, status string, code int, action func(ctx context.Context, accountID string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), operation)
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		id := c.Param("id")
		if err := action(ctx, id); err != nil {
			abortWithError(c, span, err)
			return
		}
		c.JSON(code, gin.H{"status": "account " + status, "id": id})
	}
}

func (h *AccountsHandler) load(c *gin.Context) (*models.PopAccount, error) {
	account, err := h.accounts.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, er.ErrAccountNotFound
	}
	return account, nil
}
