// Package handler wires the HTTP API: payment initiation, status
// queries and updates, provider webhooks, websocket upgrades and the
// operational endpoints.
package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dercio258/ratixpay.com-sub007/internal/db"
	"github.com/dercio258/ratixpay.com-sub007/internal/middleware"
	"github.com/dercio258/ratixpay.com-sub007/internal/poller"
	"github.com/dercio258/ratixpay.com-sub007/internal/provider"
	"github.com/dercio258/ratixpay.com-sub007/internal/realtime"
	"github.com/dercio258/ratixpay.com-sub007/internal/recovery"
	"github.com/dercio258/ratixpay.com-sub007/utils"
)

// TransactionStore is the persistence surface the handlers use.
type TransactionStore interface {
	CreateTransaction(tx *db.Transaction) error
	GetTransaction(transacaoID string) (*db.Transaction, error)
	SetTerminalStatus(transacaoID string, status db.Status, motivo string) (bool, error)
	ReopenForRecovery(transacaoID string) (bool, error)
	Ping() error
}

// PaymentInitiator charges the customer's wallet.
type PaymentInitiator interface {
	InitiatePayment(ctx context.Context, method string, amount float64, phone, transacaoID string) (*provider.PaymentResult, error)
}

// StatusPoller manages background reconciliation sessions.
type StatusPoller interface {
	StartPolling(transacaoID string, cb poller.Callback) error
	Stop(transacaoID string)
	Stats() []poller.SessionInfo
}

// Recoverer queues abandoned transactions for follow-up.
type Recoverer interface {
	Enqueue(tx *db.Transaction) (bool, error)
	LastStats() (recovery.Stats, time.Time)
}

// Limits bounds accepted payment amounts.
type Limits struct {
	AmountMin float64
	AmountMax float64
}

// Handler holds the dependencies shared by all routes.
type Handler struct {
	store    TransactionStore
	payments PaymentInitiator
	poller   StatusPoller
	recovery Recoverer
	hub      *realtime.Hub
	limits   Limits
	log      *utils.Logger
}

func New(store TransactionStore, payments PaymentInitiator, p StatusPoller, rec Recoverer, hub *realtime.Hub, limits Limits) *Handler {
	return &Handler{
		store:    store,
		payments: payments,
		poller:   p,
		recovery: rec,
		hub:      hub,
		limits:   limits,
		log:      utils.DefaultLogger,
	}
}

// RegisterRoutes attaches every route to the engine.
func RegisterRoutes(r *gin.Engine, h *Handler) {
	r.Use(metricsMiddleware())

	api := r.Group("/api")
	{
		api.POST("/pagamento", h.CreatePayment)
		api.GET("/status/:transactionId", h.GetStatus)
		api.POST("/atualizar-status-venda/:transactionId", h.UpdateStatus)
		api.POST("/webhooks/pagamento", h.PaymentWebhook)
	}

	ops := r.Group("/api", middleware.LocalOnly())
	{
		ops.GET("/poller/stats", h.PollerStats)
		ops.GET("/recovery/stats", h.RecoveryStats)
	}

	r.GET("/ws", h.hub.ServeWS)
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
