package handlers

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/apikey"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/provider"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/saga"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// SignatureHeader carries hex(HMAC-SHA512(secret, body)) on gateway callbacks.
const SignatureHeader = "X-Gateway-Signature"

const maxWebhookBody = 64 << 10

// Sign returns the signature the gateway is expected to send for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(secret) == 0 {
		return false
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

type webhookResponse struct {
	Outcome    string `json:"outcome"`
	AwaitingID string `json:"awaiting_id,omitempty"`
}

func toWebhookResponse(res saga.WebhookResult) webhookResponse {
	resp := webhookResponse{Outcome: string(res.Outcome)}
	if res.AwaitingID != uuid.Nil {
		resp.AwaitingID = res.AwaitingID.String()
	}
	return resp
}

// PaymentWebhook accepts collection callbacks from the fiat gateway:
//
//	{"event": "charge.completed", "data": {"id": "...", "reference": "...",
//	 "amount": "15000.00", "currency": "NGN", "status": "SUCCESS"}}
func (h *Handler) PaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "unreadable body", nil)
		return
	}
	if !validSignature(h.WebhookSecret, body, c.GetHeader(SignatureHeader)) {
		writeError(c, http.StatusUnauthorized, codeUnauthorized, "invalid signature", nil)
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "invalid payload", nil)
		return
	}

	data := gjson.GetBytes(body, "data")
	ev := saga.FiatEvent{
		TransactionID:    data.Get("id").String(),
		PaymentReference: data.Get("reference").String(),
		Currency:         data.Get("currency").String(),
		Status:           provider.PaymentStatus(strings.ToUpper(data.Get("status").String())),
	}
	// failure callbacks may omit the amount; only a credit needs it
	if ev.Status == provider.PaymentSuccess {
		amount, err := decimal.NewFromString(data.Get("amount").String())
		if err != nil {
			writeError(c, http.StatusBadRequest, codeInvalidRequest, "invalid amount", nil)
			return
		}
		ev.Amount = amount
	}

	res, err := h.Settlement.HandleFiatWebhook(c.Request.Context(), ev)
	if errors.Is(err, saga.ErrInvalidEvent) {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	if err != nil {
		// non-2xx makes the gateway redeliver
		h.internalError(c, "fiat webhook failed", err)
		return
	}
	h.Logger.Info("fiat webhook handled", "reference", ev.PaymentReference, "outcome", res.Outcome)
	c.JSON(http.StatusOK, toWebhookResponse(res))
}

type depositRequest struct {
	TxHash   string `json:"tx_hash"`
	Address  string `json:"address"`
	Currency string `json:"currency"`
}

// DepositWebhook accepts deposit notices pushed by the chain indexer.
func (h *Handler) DepositWebhook(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "invalid payload", nil)
		return
	}
	res, err := h.Settlement.HandleCryptoWebhook(c.Request.Context(), saga.CryptoEvent{
		TransactionID: strings.TrimSpace(req.TxHash),
		Address:       strings.TrimSpace(req.Address),
		Currency:      strings.TrimSpace(req.Currency),
	})
	if errors.Is(err, saga.ErrInvalidEvent) {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	if err != nil {
		h.internalError(c, "deposit webhook failed", err)
		return
	}
	h.Logger.Info("deposit webhook handled", "client", c.GetString(apikey.ContextClientKey), "tx", req.TxHash, "outcome", res.Outcome)
	c.JSON(http.StatusOK, toWebhookResponse(res))
}
