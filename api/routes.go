package api

import (
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/customeros/popstack/api/handlers"
	"github.com/customeros/popstack/api/middleware"
	"github.com/customeros/popstack/interfaces"
	"github.com/customeros/popstack/internal/tracing"
)

const appSource = "popstack"

// RegisterRoutes sets up all API endpoints
func RegisterRoutes(r *gin.Engine, popService handlers.PopService, accounts interfaces.PopAccountRepository, smtp interfaces.SmtpService, apikey string) {
	if popService == nil {
		panic("PopService cannot be nil")
	}
	if accounts == nil {
		panic("Account repository cannot be nil")
	}

	r.Use(gin.Recovery())
	r.Use(tracing.RecoveryWithJaeger(opentracing.GlobalTracer()))

	apiHandlers := handlers.InitHandlers(popService, accounts, smtp)

	// Health check and status endpoints (no custom context needed)
	r.GET("/health", handlers.HealthCheck)
	r.GET("/status", handlers.Status(popService))

	api := r.Group("/v1")
	api.Use(middleware.APIKeyMiddleware(middleware.APIKeyConfig{
		HeaderName:  middleware.APIKeyHeader,
		ValidAPIKey: apikey,
	}))
	api.Use(middleware.RequestIdMiddleware())
	api.Use(middleware.UserIdMiddleware())
	api.Use(middleware.CustomContextMiddleware(appSource))
	api.Use(middleware.TracingMiddleware())
	{
		accountRoutes := api.Group("/accounts")
		{
			accountRoutes.GET("", apiHandlers.Accounts.ListAccounts())
			accountRoutes.POST("", apiHandlers.Accounts.CreateAccount())
			accountRoutes.GET("/:id", apiHandlers.Accounts.GetAccount())
			accountRoutes.PUT("/:id", apiHandlers.Accounts.UpdateAccount())
			accountRoutes.DELETE("/:id", apiHandlers.Accounts.DeleteAccount())
			accountRoutes.POST("/:id/enable", apiHandlers.Accounts.EnableAccount())
			accountRoutes.POST("/:id/disable", apiHandlers.Accounts.DisableAccount())
			accountRoutes.POST("/:id/sync", apiHandlers.Accounts.SyncAccount())
			accountRoutes.POST("/:id/reconnect", apiHandlers.Accounts.Reconnect())
			accountRoutes.GET("/:id/status", apiHandlers.Accounts.AccountStatus())
			accountRoutes.POST("/:id/emails/:emailId/fetch", apiHandlers.Emails.FetchEmail())
			accountRoutes.DELETE("/:id/emails/:emailId", apiHandlers.Emails.DeleteEmail())
			accountRoutes.POST("/:id/send", apiHandlers.Emails.SendEmail())
		}
	}
}
