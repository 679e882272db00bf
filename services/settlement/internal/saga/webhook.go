package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/jobs"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/money"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/ledger"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/notify"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/provider"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrInvalidEvent = errors.New("invalid webhook event")

// errDuplicate rolls back a credit whose reference was already booked.
var errDuplicate = errors.New("duplicate event")

type WebhookOutcome string

const (
	OutcomeConfirmed WebhookOutcome = "confirmed"
	OutcomeDuplicate WebhookOutcome = "duplicate"
	OutcomeUnderpaid WebhookOutcome = "underpaid"
	OutcomeLate      WebhookOutcome = "late"
	OutcomeFailed    WebhookOutcome = "failed"
	OutcomeIgnored   WebhookOutcome = "ignored"
)

type WebhookResult struct {
	Outcome    WebhookOutcome
	AwaitingID uuid.UUID
}

type FiatEvent struct {
	TransactionID    string
	PaymentReference string
	Amount           decimal.Decimal
	Currency         string
	Status           provider.PaymentStatus
}

type CryptoEvent struct {
	TransactionID string
	Address       string
	Currency      string
}

type chainUpdate struct {
	walletID uuid.UUID
	balance  decimal.Decimal
}

// HandleFiatWebhook matches a gateway event to its claim by payment
// reference. Replays of the same transaction are recognized and ignored.
func (o *Orchestrator) HandleFiatWebhook(ctx context.Context, ev FiatEvent) (WebhookResult, error) {
	if strings.TrimSpace(ev.TransactionID) == "" || strings.TrimSpace(ev.PaymentReference) == "" {
		return WebhookResult{}, fmt.Errorf("%w: transaction id and payment reference are required", ErrInvalidEvent)
	}
	logger := o.logger.With("source", "fiat", "transaction_id", ev.TransactionID)

	aw, err := o.store.FindAwaitingByPaymentReference(ctx, ev.PaymentReference)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Info("no claim for payment reference", "payment_reference", ev.PaymentReference)
		return o.webhookDone("fiat", WebhookResult{Outcome: OutcomeIgnored}), nil
	}
	if err != nil {
		return WebhookResult{}, err
	}
	result := WebhookResult{AwaitingID: aw.ID}
	ref := "fiat:" + ev.TransactionID

	if seen, err := o.seen(ctx, ref); err != nil {
		return WebhookResult{}, err
	} else if seen {
		logger.Info("duplicate event ignored", "awaiting_id", aw.ID.String())
		result.Outcome = OutcomeDuplicate
		return o.webhookDone("fiat", result), nil
	}

	switch ev.Status {
	case provider.PaymentFailed:
		if aw.Status != storage.AwaitingPending {
			result.Outcome = OutcomeIgnored
			return o.webhookDone("fiat", result), nil
		}
		reason := storage.NewReason(storage.ReasonPaymentFailed, "payment reported failed")
		reason.Reference = ev.TransactionID
		cancelled, err := o.reservations.CancelAwaiting(ctx, aw.ID, reason)
		if err != nil {
			return WebhookResult{}, err
		}
		result.Outcome = OutcomeIgnored
		if cancelled {
			result.Outcome = OutcomeFailed
			o.cancelExpiry(ctx, aw.ID)
			o.publishLatest(ctx, EventClaimFailed, aw.ID, string(storage.ReasonPaymentFailed))
			o.notify(ctx, aw.UserID, "Payment failed", "Your payment did not go through and your order request was cancelled.", notify.TypePayment)
		}
		return o.webhookDone("fiat", result), nil

	case provider.PaymentSuccess:
		received := ev.Amount
		if o.payments != nil {
			v, err := o.payments.VerifyPayment(ctx, ev.PaymentReference)
			if err != nil {
				return WebhookResult{}, fmt.Errorf("verify payment: %w", err)
			}
			if v.Status != provider.PaymentSuccess {
				logger.Warn("gateway does not confirm payment", "status", v.Status)
				result.Outcome = OutcomeIgnored
				return o.webhookDone("fiat", result), nil
			}
			if v.Amount.IsPositive() {
				received = v.Amount
			}
		}
		if !received.IsPositive() || !aw.WalletID.Valid {
			return WebhookResult{}, fmt.Errorf("%w: nothing to credit", ErrInvalidEvent)
		}
		result.Outcome, err = o.applyCredit(ctx, aw, aw.WalletID.UUID, received, ref, ev.TransactionID, nil)
		if err != nil {
			return WebhookResult{}, err
		}
		return o.webhookDone("fiat", result), nil

	default:
		result.Outcome = OutcomeIgnored
		return o.webhookDone("fiat", result), nil
	}
}

// HandleCryptoWebhook matches a deposit notification to the newest claim
// expecting payment at the address. The received amount is the growth of
// the on-chain balance since the last sync; no growth means the movement
// was outgoing.
func (o *Orchestrator) HandleCryptoWebhook(ctx context.Context, ev CryptoEvent) (WebhookResult, error) {
	if strings.TrimSpace(ev.TransactionID) == "" || strings.TrimSpace(ev.Address) == "" {
		return WebhookResult{}, fmt.Errorf("%w: transaction id and address are required", ErrInvalidEvent)
	}
	logger := o.logger.With("source", "crypto", "transaction_id", ev.TransactionID)

	aw, err := o.store.FindAwaitingByTriggerAddress(ctx, ev.Address)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Info("no claim for address", "address", ev.Address)
		return o.webhookDone("crypto", WebhookResult{Outcome: OutcomeIgnored}), nil
	}
	if err != nil {
		return WebhookResult{}, err
	}
	result := WebhookResult{AwaitingID: aw.ID}
	ref := "crypto:" + ev.TransactionID

	if seen, err := o.seen(ctx, ref); err != nil {
		return WebhookResult{}, err
	} else if seen {
		logger.Info("duplicate event ignored", "awaiting_id", aw.ID.String())
		result.Outcome = OutcomeDuplicate
		return o.webhookDone("crypto", result), nil
	}

	wallet, err := o.store.FindWalletByAddress(ctx, ev.Address)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("deposit wallet: %w", err)
	}
	currency := wallet.Currency
	if ev.Currency != "" && !strings.EqualFold(ev.Currency, currency) {
		logger.Warn("deposit currency mismatch", "expected", currency, "got", ev.Currency)
		result.Outcome = OutcomeIgnored
		return o.webhookDone("crypto", result), nil
	}

	current, err := o.chain.SyncBalance(ctx, ev.Address, currency)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("sync balance: %w", err)
	}
	// the amount received is settled against the booked chain balance
	// inside applyCredit, under the wallet lock
	result.Outcome, err = o.applyCredit(ctx, aw, wallet.ID, decimal.Zero, ref, ev.TransactionID, &chainUpdate{walletID: wallet.ID, balance: current})
	if err != nil {
		return WebhookResult{}, err
	}
	return o.webhookDone("crypto", result), nil
}

func (o *Orchestrator) seen(ctx context.Context, ref string) (bool, error) {
	_, err := o.store.FindTransactionByReference(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (o *Orchestrator) webhookDone(source string, r WebhookResult) WebhookResult {
	o.metrics.IncWebhook(source, string(r.Outcome))
	return r
}

// applyCredit books received into the counterparty's wallet under ref and
// decides the claim's fate in the same transaction. The unique reference
// makes concurrent replays collapse into one credit. For chain deposits
// received is derived from chain: the growth of the synced balance over the
// balance last booked on the locked wallet row, so concurrent events that
// observed the same balance credit it once.
func (o *Orchestrator) applyCredit(ctx context.Context, aw storage.Awaiting, walletID uuid.UUID, received decimal.Decimal, ref, externalID string, chain *chainUpdate) (WebhookOutcome, error) {
	var (
		outcome WebhookOutcome
		settles bool
		current storage.Awaiting
	)
	var booked decimal.Decimal
	err := o.store.InTx(ctx, o.txOpts, func(repo storage.Repository) error {
		if chain != nil {
			locked, err := repo.GetWalletForUpdate(ctx, chain.walletID)
			if err != nil {
				return err
			}
			booked = locked.LastChainBalance
			delta := chain.balance.Sub(booked)
			if !delta.IsPositive() {
				outcome = OutcomeIgnored
				if delta.IsZero() {
					return nil
				}
				// outgoing movement
				return repo.UpdateWalletChainBalance(ctx, chain.walletID, chain.balance)
			}
			received = delta
		}

		if err := ledger.New(repo).Credit(ctx, walletID, received, ref); err != nil {
			if errors.Is(err, ledger.ErrDuplicateReference) {
				return errDuplicate
			}
			return err
		}
		if chain != nil {
			if err := repo.UpdateWalletChainBalance(ctx, chain.walletID, chain.balance); err != nil {
				return err
			}
		}

		var err error
		current, err = repo.GetAwaiting(ctx, aw.ID)
		if err != nil {
			return err
		}
		if current.Status != storage.AwaitingPending || !current.Holds() {
			outcome = OutcomeLate
			switch current.Status {
			case storage.AwaitingPending, storage.AwaitingExpired, storage.AwaitingFailed:
				settles = true
			}
			return repo.AppendAwaitingReason(ctx, aw.ID, storage.Reason{
				Kind:      storage.ReasonLatePayment,
				Message:   "payment arrived after the claim was " + strings.ToLower(string(current.Status)),
				Received:  received.String(),
				Reference: externalID,
				At:        o.now().UTC(),
			})
		}
		if !money.Covers(received, current.Amount, o.cfg.Tolerance) {
			outcome = OutcomeUnderpaid
			settles = true
			return repo.AppendAwaitingReason(ctx, aw.ID, storage.UnderpaidReason(current.Amount, received, externalID))
		}

		reason := storage.NewReason(storage.ReasonConfirmed, "payment received")
		reason.Received = received.String()
		reason.Reference = externalID
		ok, err := repo.TransitionAwaiting(ctx, storage.AwaitingTransition{
			ID:          aw.ID,
			From:        []storage.AwaitingStatus{storage.AwaitingPending},
			To:          storage.AwaitingConfirmed,
			Reason:      &reason,
			RequireHeld: true,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errStale
		}
		outcome = OutcomeConfirmed
		return nil
	})
	if errors.Is(err, errDuplicate) {
		o.logger.Info("duplicate credit ignored", "awaiting_id", aw.ID.String(), "reference", ref)
		return OutcomeDuplicate, nil
	}
	if err != nil {
		o.logger.Error("apply credit failed", "awaiting_id", aw.ID.String(), "reference", ref, "error", err)
		return "", err
	}
	if outcome == OutcomeIgnored {
		o.logger.Info("no incoming value", "awaiting_id", aw.ID.String(), "reference", ref,
			"balance", chain.balance.String(), "last_balance", booked.String())
		return outcome, nil
	}

	logger := o.logger.With("awaiting_id", aw.ID.String(), "reference", ref)
	refund := RefundPayload{
		AwaitingID:       aw.ID,
		WalletID:         walletID,
		Amount:           received,
		Currency:         current.Currency,
		Reference:        ref,
		PaymentReference: externalID,
		Settles:          settles,
	}

	switch outcome {
	case OutcomeConfirmed:
		o.cancelExpiry(ctx, aw.ID)
		if err := o.enqueue(ctx, ProcessJob, aw.ID, ClaimPayload{AwaitingID: aw.ID}, jobs.EnqueueOptions{
			MaxAttempts: o.cfg.ProcessAttempts,
			Backoff:     o.cfg.JobBackoff,
		}); err != nil {
			return outcome, fmt.Errorf("queue order processing: %w", err)
		}
		if excess := received.Sub(current.Amount); excess.GreaterThan(o.cfg.Tolerance) {
			refund.Amount = excess
			refund.Kind = storage.ReasonOther
			o.queueRefund(ctx, refund)
		}
		o.publishLatest(ctx, EventClaimConfirmed, aw.ID, "")
		o.notify(ctx, current.UserID, "Payment received",
			fmt.Sprintf("We received %s %s and are processing your order.", money.FormatDisplay(received, current.Currency), current.Currency),
			notify.TypePayment)
		logger.Info("claim confirmed", "received", received.String())

	case OutcomeUnderpaid:
		// capacity stays reserved until the refund releases it
		o.cancelExpiry(ctx, aw.ID)
		refund.Kind = storage.ReasonUnderpaid
		o.queueRefund(ctx, refund)
		o.publishLatest(ctx, EventClaimUnderpaid, aw.ID, externalID)
		o.notify(ctx, current.UserID, "Payment incomplete",
			fmt.Sprintf("We received %s %s but expected %s %s. Your payment will be refunded.",
				money.FormatDisplay(received, current.Currency), current.Currency,
				money.FormatDisplay(current.Amount, current.Currency), current.Currency),
			notify.TypeRefund)
		logger.Warn("claim underpaid", "expected", current.Amount.String(), "received", received.String())

	case OutcomeLate:
		refund.Kind = storage.ReasonLatePayment
		o.queueRefund(ctx, refund)
		o.notify(ctx, current.UserID, "Payment arrived late",
			"Your payment arrived after the order window closed and will be refunded.", notify.TypeRefund)
		logger.Warn("late payment", "status", current.Status, "received", received.String())
	}
	return outcome, nil
}

func (o *Orchestrator) cancelExpiry(ctx context.Context, awaitingID uuid.UUID) {
	if _, err := o.queue.Cancel(ctx, jobID(ExpireJob, awaitingID)); err != nil {
		o.logger.Warn("cancel expiry failed", "awaiting_id", awaitingID.String(), "error", err)
	}
}

func (o *Orchestrator) queueRefund(ctx context.Context, p RefundPayload) {
	_ = o.enqueue(ctx, RefundJob, p.AwaitingID, p, jobs.EnqueueOptions{
		JobID:       RefundJob + ":" + p.Reference,
		MaxAttempts: o.cfg.RefundAttempts,
		Backoff:     o.cfg.JobBackoff,
	})
}
