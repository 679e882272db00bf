package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/kafka"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/saga"
)

const chainDepositEventType = "chain.deposit"

// ChainDepositEvent is emitted by the chain indexer for any balance
// movement on a watched address. Amounts are not trusted; the handler
// syncs the balance itself.
type ChainDepositEvent struct {
	kafka.Envelope
	TxHash   string `json:"tx_hash"`
	Address  string `json:"address"`
	Currency string `json:"currency"`
	Network  string `json:"network,omitempty"`
}

func (e *ChainDepositEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != chainDepositEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.TxHash) == "" {
		return fmt.Errorf("tx_hash is required")
	}
	if strings.TrimSpace(e.Address) == "" {
		return fmt.Errorf("address is required")
	}
	return nil
}

type DepositHandler interface {
	HandleCryptoWebhook(ctx context.Context, ev saga.CryptoEvent) (saga.WebhookResult, error)
}

type DepositConsumer struct {
	handler DepositHandler
	logger  *slog.Logger
}

func NewDepositConsumer(handler DepositHandler, logger *slog.Logger) *DepositConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DepositConsumer{handler: handler, logger: logger.With("component", "deposit_consumer")}
}

// HandleMessage feeds a deposit event through the same path as the crypto
// webhook. Malformed events go straight to the dead letter topic; other
// failures are retried by the consumer group.
func (c *DepositConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "invalid_event")
	}
	var event ChainDepositEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode %s: %w", chainDepositEventType, err), "invalid_event")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_event")
	}

	res, err := c.handler.HandleCryptoWebhook(ctx, saga.CryptoEvent{
		TransactionID: strings.TrimSpace(event.TxHash),
		Address:       strings.TrimSpace(event.Address),
		Currency:      strings.TrimSpace(event.Currency),
	})
	if errors.Is(err, saga.ErrInvalidEvent) {
		return kafka.DLQ(err, "invalid_event")
	}
	if err != nil {
		return fmt.Errorf("handle deposit %s: %w", event.TxHash, err)
	}
	c.logger.Info("deposit handled",
		"event_id", event.EventID,
		"tx_hash", event.TxHash,
		"outcome", res.Outcome,
		"awaiting_id", res.AwaitingID.String(),
	)
	return nil
}
