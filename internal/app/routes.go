package app

import (
	"net/http"

	"github.com/cradoe/kudi/internal/handler"
	"github.com/cradoe/kudi/internal/middleware"
)

func (app *Application) routes() http.Handler {
	mux := http.NewServeMux()

	middlewareRepo := middleware.New(app.errorHandler, app.Logger, app.DB.User(), &app.Config)

	healthHandler := handler.NewHealthCheckHandler(app.errorHandler)
	webhookHandler := handler.NewWebhookHandler(app.Config.Processor.SecretKey, app.DB.WebhookEvent(), app.Kafka, app.errorHandler, app.Logger)
	messageHandler := handler.NewMessageHandler(app.DB.User(), app.Guard, app.Machine, app.ChatClient, app.errorHandler, app.Logger)
	adminHandler := handler.NewAdminHandler(app.DB.WebhookEvent(), app.DB.FailedFunding(), app.DB.Wallet(), app.DB.Transaction(), app.DB.User(), app.errorHandler)

	mux.HandleFunc("GET /status", healthHandler.HandleHealthCheck)

	mux.HandleFunc("POST /webhooks/processor", webhookHandler.HandleProcessorEvent)
	mux.HandleFunc("POST /webhooks/chat", messageHandler.HandleChatMessage)

	// operator surface
	mux.Handle("GET /admin/failed-fundings", middlewareRepo.RequireAuthenticatedUser(http.HandlerFunc(adminHandler.HandleListFailedFundings)))
	mux.Handle("GET /admin/failed-events", middlewareRepo.RequireAuthenticatedUser(http.HandlerFunc(adminHandler.HandleListFailedEvents)))
	mux.Handle("GET /admin/wallets/{id}/balance", middlewareRepo.RequireAuthenticatedUser(http.HandlerFunc(adminHandler.HandleWalletBalance)))
	mux.Handle("GET /admin/wallets/{id}/transactions", middlewareRepo.RequireAuthenticatedUser(http.HandlerFunc(adminHandler.HandleWalletTransactions)))
	mux.Handle("POST /admin/users/{id}/lock", middlewareRepo.RequireAuthenticatedUser(http.HandlerFunc(adminHandler.HandleLockUser)))
	mux.Handle("POST /admin/users/{id}/unlock", middlewareRepo.RequireAuthenticatedUser(http.HandlerFunc(adminHandler.HandleUnlockUser)))

	return middlewareRepo.LogAccess(middlewareRepo.RecoverPanic(middlewareRepo.Authenticate(mux)))
}
