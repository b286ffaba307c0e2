package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	api_errors "github.com/customeros/popstack/api/errors"
	"github.com/customeros/popstack/dto"
	"github.com/customeros/popstack/interfaces"
	"github.com/customeros/popstack/internal/tracing"
)

type EmailsHandler struct {
	pop       PopService
	smtp      interfaces.SmtpService
	fetchWait time.Duration
}

func NewEmailsHandler(popService PopService, smtp interfaces.SmtpService, fetchWait time.Duration) *EmailsHandler {
	return &EmailsHandler{
		pop:       popService,
		smtp:      smtp,
		fetchWait: fetchWait,
	}
}

// FetchEmail queues a body download. With ?wait=true the call returns
// once the body is stored.
func (h *EmailsHandler) FetchEmail() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "EmailsHandler.FetchEmail")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		accountID := c.Param("id")
		emailID := c.Param("emailId")
		partID := c.Query("partId")
		wait, _ := strconv.ParseBool(c.DefaultQuery("wait", "false"))
		tracing.TagEntity(span, emailID)

		req, err := h.pop.FetchEmail(ctx, accountID, emailID, partID, false)
		if err != nil {
			abortWithError(c, span, err)
			return
		}
		if !wait {
			c.JSON(http.StatusAccepted, gin.H{"status": "fetch queued", "emailId": emailID})
			return
		}

		waitCtx, cancel := context.WithTimeout(ctx, h.fetchWait)
		defer cancel()
		select {
		case err = <-req.Done():
		case <-waitCtx.Done():
			err = waitCtx.Err()
		}
		if err != nil {
			abortWithError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "fetched", "emailId": emailID})
	}
}

func (h *EmailsHandler) DeleteEmail() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "EmailsHandler.DeleteEmail")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		emailID := c.Param("emailId")
		tracing.TagEntity(span, emailID)

		if err := h.pop.DeleteEmail(ctx, c.Param("id"), emailID); err != nil {
			abortWithError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "emailId": emailID})
	}
}

// SendEmail submits a message through the account's SMTP server
func (h *EmailsHandler) SendEmail() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "EmailsHandler.SendEmail")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		var req dto.SendEmail
		if err := c.ShouldBindJSON(&req); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadRequest, api_errors.ErrorResponse{Error: err.Error()})
			return
		}
		req.AccountID = c.Param("id")

		messageID, err := h.smtp.Send(ctx, req)
		if err != nil {
			abortWithError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "sent", "messageId": messageID})
	}
}
