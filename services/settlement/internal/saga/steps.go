package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/jobs"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/money"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/ledger"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/notify"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/processing"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/provider"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func decodeClaim(job jobs.Job) (uuid.UUID, error) {
	var p ClaimPayload
	if err := job.Decode(&p); err != nil {
		return uuid.Nil, jobs.Permanent(err)
	}
	if p.AwaitingID == uuid.Nil {
		return uuid.Nil, jobs.Permanent(fmt.Errorf("%s: missing awaiting id", job.Name))
	}
	return p.AwaitingID, nil
}

func (o *Orchestrator) handleExpire(ctx context.Context, job jobs.Job) error {
	id, err := decodeClaim(job)
	if err != nil {
		return err
	}
	_, err = o.ExpireAwaiting(ctx, id)
	return err
}

// ExpireAwaiting expires a claim still waiting for payment. Claims in any
// other state are left alone, so a late-firing expiry job is harmless.
func (o *Orchestrator) ExpireAwaiting(ctx context.Context, awaitingID uuid.UUID) (bool, error) {
	expired, err := o.reservations.ExpireAwaiting(ctx, awaitingID)
	if err != nil {
		return false, err
	}
	if !expired {
		o.logger.Info("expiry skipped", "awaiting_id", awaitingID.String())
		return false, nil
	}
	o.metrics.IncSagaStep("expire", "ok")
	aw, err := o.store.GetAwaiting(ctx, awaitingID)
	if err == nil {
		o.publish(ctx, EventClaimExpired, aw, "")
		o.notify(ctx, aw.UserID, "Order request expired",
			"We did not receive your payment in time, so your order request has expired.", notify.TypeOrder)
	}
	return true, nil
}

func (o *Orchestrator) handleProcess(ctx context.Context, job jobs.Job) error {
	id, err := decodeClaim(job)
	if err != nil {
		return err
	}
	res, err := o.processor.Process(ctx, id)
	if err == nil {
		if res.Outcome == processing.OutcomeFilled {
			return o.afterFill(ctx, id)
		}
		// the order-fill job finishes the claim
		return nil
	}
	if processing.IsBusinessError(err) || job.Final() {
		o.failProcessing(ctx, id, err)
		return jobs.Permanent(err)
	}
	return err
}

func (o *Orchestrator) handleFill(ctx context.Context, job jobs.Job) error {
	var p processing.FillPayload
	if err := job.Decode(&p); err != nil {
		return jobs.Permanent(err)
	}
	if _, err := o.processor.ProcessQueued(ctx, p.AwaitingID); err != nil {
		if processing.IsBusinessError(err) || job.Final() {
			o.failProcessing(ctx, p.AwaitingID, err)
			return jobs.Permanent(err)
		}
		return err
	}
	return o.afterFill(ctx, p.AwaitingID)
}

// afterFill hands a filled claim to the payout step. The payout job gets a
// single attempt; failed payouts wait for an operator.
func (o *Orchestrator) afterFill(ctx context.Context, awaitingID uuid.UUID) error {
	o.metrics.IncSagaStep("process", "ok")
	return o.enqueue(ctx, PostActionJob, awaitingID, ClaimPayload{AwaitingID: awaitingID}, jobs.EnqueueOptions{MaxAttempts: 1})
}

// failProcessing cancels a claim whose fill could not be applied and
// returns the counterparty's payment.
func (o *Orchestrator) failProcessing(ctx context.Context, awaitingID uuid.UUID, cause error) {
	logger := o.logger.With("awaiting_id", awaitingID.String())
	logger.Error("order processing failed", "error", cause)
	o.metrics.IncSagaStep("process", "failed")

	cancelled, err := o.reservations.CancelAwaiting(ctx, awaitingID, storage.NewReason(storage.ReasonProcessingFailed, cause.Error()))
	if err != nil {
		logger.Error("cancel after processing failure failed", "error", err)
		return
	}
	if !cancelled {
		return
	}
	aw, err := o.store.GetAwaiting(ctx, awaitingID)
	if err != nil {
		logger.Error("load claim failed", "error", err)
		return
	}
	if aw.WalletID.Valid {
		o.queueRefund(ctx, RefundPayload{
			AwaitingID:       aw.ID,
			WalletID:         aw.WalletID.UUID,
			Amount:           aw.Amount,
			Currency:         aw.Currency,
			Reference:        "processing:" + aw.ID.String(),
			PaymentReference: aw.PaymentReference,
			Kind:             storage.ReasonProcessingFailed,
			Settles:          true,
		})
	}
	o.publish(ctx, EventClaimFailed, aw, string(storage.ReasonProcessingFailed))
	o.notify(ctx, aw.UserID, "Order could not be completed",
		"We could not complete your order. Your payment will be refunded.", notify.TypeOrder)
}

func (o *Orchestrator) handlePostAction(ctx context.Context, job jobs.Job) error {
	id, err := decodeClaim(job)
	if err != nil {
		return err
	}
	// payouts are never retried blindly
	return jobs.Permanent(o.runPostAction(ctx, id))
}

// RetryPostAction re-drives the payout of a claim that failed after being
// filled. The settlement instruction must still be PENDING.
func (o *Orchestrator) RetryPostAction(ctx context.Context, awaitingID uuid.UUID) error {
	aw, err := o.store.GetAwaiting(ctx, awaitingID)
	if err != nil {
		return err
	}
	if aw.Status != storage.AwaitingFailed {
		return fmt.Errorf("%w: claim is %s", ErrNotRedrivable, aw.Status)
	}
	pd, err := o.store.GetPostDetails(ctx, awaitingID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotRedrivable, err)
	}
	if pd.Status != storage.InstructionPending {
		return fmt.Errorf("%w: instruction is %s", ErrNotRedrivable, pd.Status)
	}
	if _, err := o.store.GetFillLog(ctx, awaitingID); err != nil {
		return fmt.Errorf("%w: claim was never filled", ErrNotRedrivable)
	}

	reason := storage.NewReason(storage.ReasonPayoutRedriven, "payout re-driven by operator")
	ok, err := o.store.TransitionAwaiting(ctx, storage.AwaitingTransition{
		ID:     awaitingID,
		From:   []storage.AwaitingStatus{storage.AwaitingFailed},
		To:     storage.AwaitingSuccess,
		Reason: &reason,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: claim changed", ErrNotRedrivable)
	}
	o.logger.Info("payout re-driven", "awaiting_id", awaitingID.String())
	return o.runPostAction(ctx, awaitingID)
}

// runPostAction pays the counterparty out and closes the settlement
// instruction. Any failure marks the claim FAILED.
func (o *Orchestrator) runPostAction(ctx context.Context, awaitingID uuid.UUID) error {
	logger := o.logger.With("awaiting_id", awaitingID.String())

	aw, err := o.store.GetAwaiting(ctx, awaitingID)
	if err != nil {
		return err
	}
	if aw.Status != storage.AwaitingSuccess {
		logger.Warn("post action skipped", "status", aw.Status)
		return nil
	}
	pd, err := o.store.GetPostDetails(ctx, awaitingID)
	if err != nil {
		return o.failPostAction(ctx, aw, fmt.Errorf("load settlement instruction: %w", err))
	}
	if pd.Status != storage.InstructionPending {
		logger.Info("settlement already completed", "instruction", pd.Status)
		return nil
	}

	amount, wallet, err := o.payoutAmount(ctx, aw, pd)
	if err != nil {
		return o.failPostAction(ctx, aw, err)
	}

	ref := "payout:" + aw.ID.String()
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.PaymentTimeout)
	var payoutID string
	switch pd.Kind {
	case storage.PayoutBank:
		payoutID, err = o.payouts.BankTransfer(callCtx, provider.BankTransfer{
			Reference:     ref,
			Amount:        amount,
			Currency:      pd.Currency,
			AccountNumber: pd.AccountNumber,
			BankCode:      pd.BankCode,
			AccountName:   pd.AccountName,
			Narration:     "Order settlement " + aw.ID.String()[:8],
		})
	case storage.PayoutCrypto:
		payoutID, err = o.payouts.BlockchainTransfer(callCtx, provider.ChainTransfer{
			Reference: ref,
			Amount:    amount,
			Currency:  pd.Currency,
			Network:   pd.Network,
			Address:   pd.Address,
		})
	default:
		err = fmt.Errorf("unknown payout kind %q", pd.Kind)
	}
	cancel()
	if err != nil {
		return o.failPostAction(ctx, aw, fmt.Errorf("%w: %v", ErrPayout, err))
	}

	err = o.store.InTx(ctx, o.txOpts, func(repo storage.Repository) error {
		if err := ledger.New(repo).Debit(ctx, wallet.ID, amount, ref); err != nil && !errors.Is(err, ledger.ErrDuplicateReference) {
			return err
		}
		ok, err := repo.TransitionPostDetails(ctx, aw.ID,
			[]storage.InstructionStatus{storage.InstructionPending}, storage.InstructionSuccess, payoutID)
		if err != nil {
			return err
		}
		if !ok {
			return errStale
		}
		return nil
	})
	if err != nil {
		return o.failPostAction(ctx, aw, fmt.Errorf("record payout %s: %w", payoutID, err))
	}
	// the payout is already recorded; a record left active is only logged
	if o.cfg.DeactivateOnSettle {
		if err := o.counterparties.Deactivate(ctx, aw.UserID.UUID); err != nil {
			logger.Warn("deactivate counterparty", "error", err)
		}
	}

	o.metrics.IncSagaStep("post_action", "ok")
	o.publish(ctx, EventClaimSettled, aw, payoutID)
	o.notify(ctx, aw.UserID, "Payout sent",
		fmt.Sprintf("%s %s is on its way to you.", money.FormatDisplay(amount, pd.Currency), pd.Currency), notify.TypePayout)
	logger.Info("claim settled", "payout_id", payoutID, "amount", amount.String(), "currency", pd.Currency)
	return nil
}

// payoutAmount is what the fill credited to the counterparty's receiving
// wallet, rounded for the payout rail.
func (o *Orchestrator) payoutAmount(ctx context.Context, aw storage.Awaiting, pd storage.PostDetails) (decimal.Decimal, storage.Wallet, error) {
	fill, err := o.store.GetFillLog(ctx, aw.ID)
	if err != nil {
		return decimal.Zero, storage.Wallet{}, fmt.Errorf("load fill: %w", err)
	}
	amount := fill.QuoteAmount
	if fill.Side == storage.SideSell {
		amount = fill.BaseAmount
	}
	if pd.Kind == storage.PayoutCrypto {
		amount = money.RoundForChain(amount, pd.Currency)
	} else {
		amount = money.RoundForStorage(amount, pd.Currency)
	}

	wallet, err := o.store.FindWallet(ctx, aw.UserID.UUID, pd.Currency)
	if err != nil {
		return decimal.Zero, storage.Wallet{}, fmt.Errorf("load payout wallet: %w", err)
	}
	if !wallet.AvailableBalance.IsPositive() {
		return decimal.Zero, storage.Wallet{}, fmt.Errorf("payout wallet %s is empty", wallet.ID)
	}
	if wallet.AvailableBalance.LessThan(amount) {
		return decimal.Zero, storage.Wallet{}, fmt.Errorf("payout wallet %s holds %s, needs %s", wallet.ID, wallet.AvailableBalance, amount)
	}
	return amount, wallet, nil
}

func (o *Orchestrator) failPostAction(ctx context.Context, aw storage.Awaiting, cause error) error {
	ctx = context.WithoutCancel(ctx)
	o.logger.Error("post action failed", "awaiting_id", aw.ID.String(), "error", cause)
	o.metrics.IncSagaStep("post_action", "failed")

	reason := storage.NewReason(storage.ReasonPayoutFailed, cause.Error())
	if _, err := o.store.TransitionAwaiting(ctx, storage.AwaitingTransition{
		ID:     aw.ID,
		From:   []storage.AwaitingStatus{storage.AwaitingSuccess},
		To:     storage.AwaitingFailed,
		Reason: &reason,
	}); err != nil {
		o.logger.Error("mark claim failed", "awaiting_id", aw.ID.String(), "error", err)
	}
	o.publishLatest(ctx, EventClaimFailed, aw.ID, string(storage.ReasonPayoutFailed))
	return cause
}

func (o *Orchestrator) handleRefund(ctx context.Context, job jobs.Job) error {
	var p RefundPayload
	if err := job.Decode(&p); err != nil {
		return jobs.Permanent(err)
	}
	logger := o.logger.With("awaiting_id", p.AwaitingID.String(), "reference", p.Reference)
	if !p.Amount.IsPositive() || p.WalletID == uuid.Nil {
		return jobs.Permanent(fmt.Errorf("refund %s: nothing to refund", p.Reference))
	}
	refundRef := "refund:" + p.Reference

	// the debit is idempotent by reference, so a retry after a failed
	// provider call does not debit twice
	err := o.store.InTx(ctx, o.txOpts, func(repo storage.Repository) error {
		err := ledger.New(repo).Debit(ctx, p.WalletID, p.Amount, refundRef)
		if errors.Is(err, ledger.ErrDuplicateReference) {
			return nil
		}
		return err
	})
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		logger.Error("refund cannot be funded", "error", err)
		return jobs.Permanent(err)
	}
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.PaymentTimeout)
	refundID, err := o.payouts.Refund(callCtx, provider.RefundRequest{
		Reference:        refundRef,
		PaymentReference: p.PaymentReference,
		Amount:           p.Amount,
		Currency:         p.Currency,
	})
	cancel()
	if err != nil {
		if job.Final() {
			logger.Error("refund failed permanently", "error", err)
		}
		return err
	}

	if p.Settles {
		reason := storage.NewReason(storage.ReasonRefunded, string(p.Kind))
		reason.Reference = refundID
		if _, err := o.reservations.RefundAwaiting(ctx, p.AwaitingID, reason); err != nil {
			return err
		}
	} else {
		reason := storage.NewReason(storage.ReasonRefunded, string(p.Kind))
		reason.Reference = refundID
		if err := o.store.AppendAwaitingReason(ctx, p.AwaitingID, reason); err != nil {
			logger.Warn("record refund failed", "error", err)
		}
	}

	o.metrics.IncSagaStep("refund", string(p.Kind))
	o.publishLatest(ctx, EventClaimRefunded, p.AwaitingID, p.Reference)
	if aw, err := o.store.GetAwaiting(ctx, p.AwaitingID); err == nil {
		o.notify(ctx, aw.UserID, "Refund sent",
			fmt.Sprintf("%s %s has been refunded.", money.FormatDisplay(p.Amount, p.Currency), p.Currency), notify.TypeRefund)
	}
	logger.Info("refund sent", "refund_id", refundID, "amount", p.Amount.String())
	return nil
}
