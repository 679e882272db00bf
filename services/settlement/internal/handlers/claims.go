package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/counterparty"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/reservation"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/saga"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/gin-gonic/gin"
)

type payoutRequest struct {
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	AccountName   string `json:"account_name"`
	Address       string `json:"address"`
	Network       string `json:"network"`
}

type initiateRequest struct {
	Amount string        `json:"amount"`
	Email  string        `json:"email"`
	Phone  string        `json:"phone"`
	PIN    string        `json:"pin"`
	Payout payoutRequest `json:"payout"`
}

type paymentAccount struct {
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
	AccountName   string `json:"account_name"`
}

type claimResponse struct {
	AwaitingID       string          `json:"awaiting_id"`
	OrderID          string          `json:"order_id"`
	Amount           string          `json:"amount"`
	Currency         string          `json:"currency"`
	Receive          string          `json:"receive"`
	ReceiveCurrency  string          `json:"receive_currency"`
	ExpiresAt        string          `json:"expires_at"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	PaymentAccount   *paymentAccount `json:"payment_account,omitempty"`
	DepositAddress   string          `json:"deposit_address,omitempty"`
	Available        string          `json:"available"`
}

// rejectionStatus maps business refusals onto HTTP statuses.
var rejectionStatus = map[string]int{
	string(reservation.CodeInvalidAmount):        http.StatusBadRequest,
	string(reservation.CodeOrderNotFound):        http.StatusNotFound,
	string(reservation.CodeOrderNotOpen):         http.StatusConflict,
	string(reservation.CodeBelowMinimum):         http.StatusUnprocessableEntity,
	string(reservation.CodeInsufficientCapacity): http.StatusConflict,
	saga.CodeInvalidRequest:                      http.StatusBadRequest,
	saga.CodeInvalidPayout:                       http.StatusBadRequest,
	saga.CodeIdentityRejected:                    http.StatusUnauthorized,
	saga.CodeAccountLocked:                       http.StatusLocked,
	saga.CodePaymentInitFailed:                   http.StatusBadGateway,
}

func (h *Handler) InitiateClaim(c *gin.Context) {
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "invalid order id", nil)
		return
	}
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "invalid payload", nil)
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "amount must be a positive decimal", nil)
		return
	}

	if h.Limiter != nil {
		allowed, retryAfter, err := h.Limiter.Allow(c.Request.Context(), limitKey(req, c.ClientIP()), h.Now())
		if err != nil {
			// a broken limiter must not take initiations down with it
			h.Logger.Warn("rate limiter unavailable", "error", err)
		} else if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
			writeError(c, http.StatusTooManyRequests, codeRateLimited, "too many requests", nil)
			return
		}
	}

	res, err := h.Settlement.InitiateAnonymousOrder(c.Request.Context(), saga.InitiateRequest{
		OrderID: orderID,
		Amount:  amount,
		Contact: counterparty.Contact{Email: req.Email, Phone: req.Phone},
		PIN:     req.PIN,
		Payout: saga.PayoutDetails{
			AccountNumber: req.Payout.AccountNumber,
			BankCode:      req.Payout.BankCode,
			AccountName:   req.Payout.AccountName,
			Address:       req.Payout.Address,
			Network:       req.Payout.Network,
		},
	})
	if err != nil {
		h.internalError(c, "initiate claim failed", err)
		return
	}
	if !res.OK() {
		status, known := rejectionStatus[res.Rejection.Code]
		if !known {
			status = http.StatusBadRequest
		}
		writeError(c, status, res.Rejection.Code, res.Rejection.Message, map[string]string{
			"available": res.Rejection.Available.String(),
		})
		return
	}

	claim := res.Claim
	resp := claimResponse{
		AwaitingID:       claim.AwaitingID.String(),
		OrderID:          claim.OrderID.String(),
		Amount:           claim.Amount.String(),
		Currency:         claim.Currency,
		Receive:          claim.Receive.String(),
		ReceiveCurrency:  claim.ReceiveCurrency,
		ExpiresAt:        claim.ExpiresAt.UTC().Format(time.RFC3339),
		PaymentReference: claim.PaymentReference,
		DepositAddress:   claim.DepositAddress,
		Available:        claim.Available.String(),
	}
	if claim.Payment != nil {
		resp.PaymentAccount = &paymentAccount{
			AccountNumber: claim.Payment.AccountNumber,
			BankName:      claim.Payment.BankName,
			AccountName:   claim.Payment.AccountName,
		}
	}
	c.JSON(http.StatusCreated, resp)
}

// limitKey counts by contact so one person cannot hold many slots by
// rotating IPs; requests without a contact fall back to the client IP.
func limitKey(req initiateRequest, clientIP string) string {
	if email := strings.ToLower(strings.TrimSpace(req.Email)); email != "" {
		return "initiate:" + email
	}
	if phone := strings.TrimSpace(req.Phone); phone != "" {
		return "initiate:" + phone
	}
	return "initiate:ip:" + clientIP
}

func (h *Handler) CheckAvailability(c *gin.Context) {
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "invalid order id", nil)
		return
	}
	amount, ok := parseAmount(c.Query("amount"))
	if !ok {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "amount must be a positive decimal", nil)
		return
	}
	check, err := h.Slots.CheckAvailableSlot(c.Request.Context(), orderID, amount)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(c, http.StatusNotFound, codeOrderNotFound, "order not found", nil)
		return
	}
	if err != nil {
		h.internalError(c, "check availability failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"fits":      check.Fits,
		"requested": check.Requested.String(),
		"remaining": check.Remaining.String(),
	})
}
