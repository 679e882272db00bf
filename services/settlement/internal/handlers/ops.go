package handlers

import (
	"errors"
	"net/http"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/auth"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/reservation"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/saga"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/gin-gonic/gin"
)

type slotStatsResponse struct {
	OrderID      string `json:"order_id"`
	Status       string `json:"status"`
	Amount       string `json:"amount"`
	Processed    string `json:"processed"`
	Reserved     string `json:"reserved"`
	HeldByClaims string `json:"held_by_claims"`
	Remaining    string `json:"remaining"`
	Claims       int    `json:"claims"`
}

func (h *Handler) SlotStats(c *gin.Context) {
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "invalid order id", nil)
		return
	}
	stats, err := h.Slots.GetOrderSlotStats(c.Request.Context(), orderID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(c, http.StatusNotFound, codeOrderNotFound, "order not found", nil)
		return
	}
	if err != nil {
		h.internalError(c, "slot stats failed", err)
		return
	}
	c.JSON(http.StatusOK, slotStatsResponse{
		OrderID:      stats.OrderID.String(),
		Status:       string(stats.Status),
		Amount:       stats.Amount.String(),
		Processed:    stats.Processed.String(),
		Reserved:     stats.Reserved.String(),
		HeldByClaims: stats.HeldByClaims.String(),
		Remaining:    stats.Remaining.String(),
		Claims:       stats.Claims,
	})
}

func (h *Handler) CancelOrder(c *gin.Context) {
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "invalid order id", nil)
		return
	}
	err = h.Slots.CancelOrder(c.Request.Context(), orderID)
	switch {
	case err == nil:
		h.Logger.Info("order cancelled by operator", "order_id", orderID.String(), "actor", c.GetString(auth.ContextUserIDKey))
		c.JSON(http.StatusOK, gin.H{"order_id": orderID.String(), "status": string(storage.OrderCanceled)})
	case errors.Is(err, storage.ErrNotFound):
		writeError(c, http.StatusNotFound, codeOrderNotFound, "order not found", nil)
	case errors.Is(err, reservation.ErrOrderNotOpen):
		writeError(c, http.StatusConflict, codeOrderNotOpen, err.Error(), nil)
	case errors.Is(err, reservation.ErrClaimsOutstanding):
		writeError(c, http.StatusConflict, codeInvalidState, err.Error(), nil)
	default:
		h.internalError(c, "cancel order failed", err)
	}
}

func (h *Handler) ExpireClaim(c *gin.Context) {
	awaitingID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "invalid claim id", nil)
		return
	}
	expired, err := h.Settlement.ExpireAwaiting(c.Request.Context(), awaitingID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(c, http.StatusNotFound, codeAwaitingNotFound, "claim not found", nil)
		return
	}
	if err != nil {
		h.internalError(c, "expire claim failed", err)
		return
	}
	if !expired {
		writeError(c, http.StatusConflict, codeInvalidState, "claim is no longer pending", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"awaiting_id": awaitingID.String(), "status": string(storage.AwaitingExpired)})
}

func (h *Handler) RedriveClaim(c *gin.Context) {
	awaitingID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "invalid claim id", nil)
		return
	}
	err = h.Settlement.RetryPostAction(c.Request.Context(), awaitingID)
	switch {
	case err == nil:
		h.Logger.Info("payout re-driven by operator", "awaiting_id", awaitingID.String(), "actor", c.GetString(auth.ContextUserIDKey))
		c.JSON(http.StatusOK, gin.H{"awaiting_id": awaitingID.String(), "status": string(storage.AwaitingSuccess)})
	case errors.Is(err, storage.ErrNotFound):
		writeError(c, http.StatusNotFound, codeAwaitingNotFound, "claim not found", nil)
	case errors.Is(err, saga.ErrNotRedrivable):
		writeError(c, http.StatusConflict, codeInvalidState, err.Error(), nil)
	case errors.Is(err, saga.ErrPayout):
		writeError(c, http.StatusBadGateway, codePayoutFailed, err.Error(), nil)
	default:
		h.internalError(c, "redrive claim failed", err)
	}
}
