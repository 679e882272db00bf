package saga

import (
	"context"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/kafka"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/google/uuid"
)

const (
	EventClaimReserved  = "settlement.claim.reserved"
	EventClaimConfirmed = "settlement.claim.confirmed"
	EventClaimSettled   = "settlement.claim.settled"
	EventClaimExpired   = "settlement.claim.expired"
	EventClaimFailed    = "settlement.claim.failed"
	EventClaimRefunded  = "settlement.claim.refunded"
	EventClaimUnderpaid = "settlement.claim.underpaid"
)

type ClaimEvent struct {
	kafka.Envelope
	AwaitingID uuid.UUID `json:"awaiting_id"`
	OrderID    uuid.UUID `json:"order_id"`
	Status     string    `json:"status"`
	Amount     string    `json:"amount"`
	Currency   string    `json:"currency"`
	Reason     string    `json:"reason,omitempty"`
}

// publish emits a lifecycle event. The event id is derived from the claim id,
// event type and reason so consumers can drop redeliveries.
func (o *Orchestrator) publish(ctx context.Context, eventType string, aw storage.Awaiting, reason string) {
	if o.events == nil {
		return
	}
	env, err := kafka.NewEnvelopeWithID(kafka.DeterministicEventID(eventType, aw.ID.String(), reason), eventType, 1, aw.ID.String())
	if err != nil {
		o.logger.Error("build event failed", "event_type", eventType, "error", err)
		return
	}
	event := ClaimEvent{
		Envelope:   env,
		AwaitingID: aw.ID,
		OrderID:    aw.OrderID,
		Status:     string(aw.Status),
		Amount:     aw.Amount.String(),
		Currency:   aw.Currency,
		Reason:     reason,
	}
	if _, _, err := o.events.PublishJSON(ctx, o.cfg.EventsTopic, aw.OrderID.String(), event); err != nil {
		o.logger.Warn("publish event failed", "event_type", eventType, "awaiting_id", aw.ID.String(), "error", err)
	}
}

// publishLatest reloads the claim so the event carries its current status.
func (o *Orchestrator) publishLatest(ctx context.Context, eventType string, awaitingID uuid.UUID, reason string) {
	if o.events == nil {
		return
	}
	aw, err := o.store.GetAwaiting(ctx, awaitingID)
	if err != nil {
		o.logger.Warn("load claim for event failed", "awaiting_id", awaitingID.String(), "error", err)
		return
	}
	o.publish(ctx, eventType, aw, reason)
}
