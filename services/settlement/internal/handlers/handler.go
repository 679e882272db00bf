package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/apikey"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/auth"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/ratelimit"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/reservation"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/saga"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	codeInvalidRequest   = "INVALID_REQUEST"
	codeUnauthorized     = "UNAUTHORIZED"
	codeRateLimited      = "RATE_LIMITED"
	codeOrderNotFound    = "ORDER_NOT_FOUND"
	codeOrderNotOpen     = "ORDER_NOT_OPEN"
	codeAwaitingNotFound = "AWAITING_NOT_FOUND"
	codeInvalidState     = "INVALID_STATE"
	codePayoutFailed     = "PAYOUT_FAILED"
	codeInternal         = "INTERNAL_ERROR"
)

// OpsRole is required on every /v1/ops route.
const OpsRole = "settlement-ops"

type Settlement interface {
	InitiateAnonymousOrder(ctx context.Context, req saga.InitiateRequest) (saga.InitiateResult, error)
	HandleFiatWebhook(ctx context.Context, ev saga.FiatEvent) (saga.WebhookResult, error)
	HandleCryptoWebhook(ctx context.Context, ev saga.CryptoEvent) (saga.WebhookResult, error)
	ExpireAwaiting(ctx context.Context, awaitingID uuid.UUID) (bool, error)
	RetryPostAction(ctx context.Context, awaitingID uuid.UUID) error
}

type Slots interface {
	CheckAvailableSlot(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) (reservation.SlotCheck, error)
	GetOrderSlotStats(ctx context.Context, orderID uuid.UUID) (reservation.SlotStats, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID) error
}

type Handler struct {
	Settlement Settlement
	Slots      Slots
	// Limiter caps claim initiations per contact. Nil disables the limit.
	Limiter ratelimit.Limiter
	// WebhookSecret signs payment gateway callbacks.
	WebhookSecret []byte
	Logger        *slog.Logger
	Now           func() time.Time
}

type RouteConfig struct {
	JWTSecret []byte
	// Indexers may post chain deposits.
	Indexers []apikey.Credential
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func New(settlement Settlement, slots Slots, limiter ratelimit.Limiter, webhookSecret []byte, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Settlement:    settlement,
		Slots:         slots,
		Limiter:       limiter,
		WebhookSecret: webhookSecret,
		Logger:        logger.With("component", "http"),
		Now:           time.Now,
	}
}

func (h *Handler) Register(r *gin.Engine, cfg RouteConfig) {
	v1 := r.Group("/v1")
	v1.GET("/orders/:id/availability", h.CheckAvailability)
	v1.POST("/orders/:id/claims", h.InitiateClaim)

	v1.POST("/webhooks/payments", h.PaymentWebhook)
	v1.POST("/webhooks/deposits", apikey.Middleware(cfg.Indexers), h.DepositWebhook)

	ops := v1.Group("/ops", auth.Middleware(cfg.JWTSecret), auth.RequireRole(OpsRole))
	ops.GET("/orders/:id/slots", h.SlotStats)
	ops.POST("/orders/:id/cancel", h.CancelOrder)
	ops.POST("/claims/:id/expire", h.ExpireClaim)
	ops.POST("/claims/:id/redrive", h.RedriveClaim)
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}

func parseAmount(value string) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, false
	}
	return amount, true
}

func writeError(c *gin.Context, status int, code, message string, details map[string]string) {
	c.JSON(status, errorResponse{Code: code, Message: message, Details: details})
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	h.Logger.Error(msg, "error", err, "path", c.FullPath())
	writeError(c, http.StatusInternalServerError, codeInternal, "internal error", nil)
}
