package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/jobs"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/money"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/retry"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/counterparty"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/notify"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/provider"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/reservation"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeInvalidPayout     = "INVALID_PAYOUT_DETAILS"
	CodeIdentityRejected  = "IDENTITY_REJECTED"
	CodeAccountLocked     = "ACCOUNT_LOCKED"
	CodePaymentInitFailed = "PAYMENT_INIT_FAILED"
)

// PayoutDetails is where the counterparty wants to be paid. Bank fields are
// used when the order pays out fiat, Address and Network otherwise.
type PayoutDetails struct {
	AccountNumber string
	BankCode      string
	AccountName   string
	Address       string
	Network       string
}

type InitiateRequest struct {
	OrderID uuid.UUID
	// Amount is what the counterparty will send, in the order's send
	// currency.
	Amount  decimal.Decimal
	Contact counterparty.Contact
	PIN     string
	Payout  PayoutDetails
}

// Rejection is a business refusal. Anything reserved on the way has been
// released again.
type Rejection struct {
	Code      string
	Message   string
	Available decimal.Decimal
}

// Claim is what the counterparty needs to complete payment.
type Claim struct {
	AwaitingID     uuid.UUID
	OrderID        uuid.UUID
	CounterpartyID uuid.UUID
	Amount         decimal.Decimal
	Currency       string
	// Receive is what the counterparty gets once the claim settles.
	Receive          decimal.Decimal
	ReceiveCurrency  string
	ExpiresAt        time.Time
	PaymentReference string
	// Payment is set when the counterparty pays fiat.
	Payment *provider.PaymentAccount
	// DepositAddress is set when the counterparty pays crypto.
	DepositAddress string
	Available      decimal.Decimal
}

// InitiateResult carries exactly one of Claim or Rejection.
type InitiateResult struct {
	Claim     *Claim
	Rejection *Rejection
}

func (r InitiateResult) OK() bool {
	return r.Claim != nil
}

func rejected(code, msg string, available decimal.Decimal) InitiateResult {
	return InitiateResult{Rejection: &Rejection{Code: code, Message: msg, Available: available}}
}

// InitiateAnonymousOrder reserves part of an order for an anonymous
// counterparty and opens the payment leg. A failure after the reservation
// cancels the claim before returning.
func (o *Orchestrator) InitiateAnonymousOrder(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	logger := o.logger.With("order_id", req.OrderID.String())

	if req.Contact.Email == "" && req.Contact.Phone == "" {
		return o.initRejected(rejected(CodeInvalidRequest, "email or phone is required", decimal.Zero)), nil
	}
	if !counterparty.ValidPIN(req.PIN) {
		return o.initRejected(rejected(CodeInvalidRequest, "pin must be 6 digits", decimal.Zero)), nil
	}

	order, err := o.store.GetOrder(ctx, req.OrderID)
	if errors.Is(err, storage.ErrNotFound) {
		return o.initRejected(rejected(string(reservation.CodeOrderNotFound), "order not found", decimal.Zero)), nil
	}
	if err != nil {
		return InitiateResult{}, err
	}
	pair, err := o.store.GetPair(ctx, order.PairID)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("load pair: %w", err)
	}
	sendCurrency := pair.SendCurrency(order.Side)
	receiveCurrency := pair.ReceiveCurrency(order.Side)

	post, err := payoutInstruction(req.Payout, receiveCurrency)
	if err != nil {
		return o.initRejected(rejected(CodeInvalidPayout, err.Error(), decimal.Zero)), nil
	}

	// 1. reserve
	res, err := o.reservations.ReserveOrderSlot(ctx, order.ID, req.Amount)
	if err != nil {
		return InitiateResult{}, err
	}
	if !res.OK() {
		return o.initRejected(rejected(string(res.Rejection.Code), res.Rejection.Message, res.Rejection.Available)), nil
	}
	slot := res.Reservation
	logger = logger.With("awaiting_id", slot.AwaitingID.String())

	// 2. identify
	identity, err := o.counterparties.Identify(ctx, req.Contact, req.PIN)
	if err != nil {
		o.compensate(ctx, slot.AwaitingID, storage.NewReason(storage.ReasonCancelled, "counterparty not identified"))
		switch {
		case errors.Is(err, counterparty.ErrLocked):
			return o.initRejected(rejected(CodeAccountLocked, "too many failed attempts, try again later", decimal.Zero)), nil
		case errors.Is(err, counterparty.ErrInvalidPIN),
			errors.Is(err, counterparty.ErrInactive),
			errors.Is(err, counterparty.ErrPINFormat),
			errors.Is(err, counterparty.ErrContactRequired):
			return o.initRejected(rejected(CodeIdentityRejected, err.Error(), decimal.Zero)), nil
		}
		logger.Error("identify counterparty failed", "error", err)
		return InitiateResult{}, err
	}
	cp := identity.Counterparty
	wallets, err := o.counterparties.EnsureWallets(ctx, cp.ID, pair)
	if err != nil {
		o.compensate(ctx, slot.AwaitingID, storage.NewReason(storage.ReasonCancelled, "wallet provisioning failed"))
		logger.Error("ensure wallets failed", "error", err)
		return InitiateResult{}, err
	}
	sendWallet, _ := wallets.ForSide(order.Side)

	claim := &Claim{
		AwaitingID:      slot.AwaitingID,
		OrderID:         order.ID,
		CounterpartyID:  cp.ID,
		Amount:          slot.Amount,
		Currency:        sendCurrency,
		Receive:         slot.Reserved,
		ReceiveCurrency: receiveCurrency,
		Available:       slot.Available,
	}

	// 3. open the payment leg
	if money.IsFiat(sendCurrency) {
		account, err := o.initiatePayment(ctx, provider.PaymentRequest{
			Reference:       slot.AwaitingID.String(),
			Amount:          slot.Amount,
			Currency:        sendCurrency,
			Email:           cp.Email,
			Phone:           cp.Phone,
			ValidForSeconds: int(o.cfg.ClaimTTL.Seconds()),
		})
		if err != nil {
			msg := provider.Classify(err)
			o.compensate(ctx, slot.AwaitingID, storage.NewReason(storage.ReasonPaymentInitFailed, err.Error()))
			logger.Warn("payment initialization failed", "error", err)
			return o.initRejected(rejected(CodePaymentInitFailed, msg, decimal.Zero)), nil
		}
		claim.Payment = &account
		claim.PaymentReference = account.Reference
	} else {
		address, err := o.depositAddress(ctx, sendWallet)
		if err != nil {
			msg := provider.Classify(err)
			o.compensate(ctx, slot.AwaitingID, storage.NewReason(storage.ReasonPaymentInitFailed, err.Error()))
			logger.Warn("deposit address assignment failed", "error", err)
			return o.initRejected(rejected(CodePaymentInitFailed, msg, decimal.Zero)), nil
		}
		claim.DepositAddress = address
	}

	// 4. persist details and the settlement instruction together
	claim.ExpiresAt = o.now().Add(o.cfg.ClaimTTL)
	post.AwaitingID = slot.AwaitingID
	err = o.store.InTx(ctx, o.txOpts, func(repo storage.Repository) error {
		ok, err := repo.UpdateAwaitingDetails(ctx, storage.AwaitingDetails{
			ID:               slot.AwaitingID,
			UserID:           cp.ID,
			WalletID:         sendWallet.ID,
			TriggerAddress:   claim.DepositAddress,
			PaymentReference: claim.PaymentReference,
			ExpiresAt:        claim.ExpiresAt,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errStale
		}
		return repo.InsertPostDetails(ctx, &post)
	})
	if err != nil {
		o.compensate(ctx, slot.AwaitingID, storage.NewReason(storage.ReasonCancelled, "persist claim details: "+err.Error()))
		logger.Error("persist claim details failed", "error", err)
		return InitiateResult{}, err
	}

	// 5. schedule expiry; a claim without the job can still be expired by ops
	if err := o.enqueue(ctx, ExpireJob, slot.AwaitingID, ClaimPayload{AwaitingID: slot.AwaitingID}, jobs.EnqueueOptions{Delay: o.cfg.ClaimTTL}); err != nil {
		logger.Warn("claim will not auto-expire", "error", err)
	}

	o.metrics.IncSagaStep("initiate", "ok")
	o.publishLatest(ctx, EventClaimReserved, slot.AwaitingID, "")
	o.notify(ctx, uuid.NullUUID{UUID: cp.ID, Valid: true}, "Complete your payment", paymentInstructions(claim), notify.TypePayment)
	logger.Info("claim initiated", "counterparty_id", cp.ID.String(), "amount", slot.Amount.String(), "currency", sendCurrency)
	return InitiateResult{Claim: claim}, nil
}

func (o *Orchestrator) initRejected(r InitiateResult) InitiateResult {
	o.metrics.IncSagaStep("initiate", r.Rejection.Code)
	return r
}

// compensate cancels a claim after a failed saga step. It runs even if the
// caller's context is already done.
func (o *Orchestrator) compensate(ctx context.Context, awaitingID uuid.UUID, reason storage.Reason) {
	ctx = context.WithoutCancel(ctx)
	if _, err := o.reservations.CancelAwaiting(ctx, awaitingID, reason); err != nil {
		o.logger.Error("compensation failed", "awaiting_id", awaitingID.String(), "reason", reason.Kind, "error", err)
		o.metrics.IncSagaStep("compensate", "error")
		return
	}
	o.metrics.IncSagaStep("compensate", string(reason.Kind))
}

// initiatePayment calls the gateway with a bounded timeout per attempt,
// retrying only errors that say nothing about the request itself.
func (o *Orchestrator) initiatePayment(ctx context.Context, req provider.PaymentRequest) (provider.PaymentAccount, error) {
	policy := retry.Policy{
		MaxAttempts: o.cfg.ProviderAttempts,
		Backoff:     retry.Exponential(o.cfg.ProviderBackoff, 4*o.cfg.ProviderBackoff),
		Retryable: func(err error) bool {
			return errors.Is(err, provider.ErrNetwork) || errors.Is(err, provider.ErrTimeout)
		},
	}
	return retry.Do(ctx, policy, func(ctx context.Context) (provider.PaymentAccount, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.PaymentTimeout)
		defer cancel()
		account, err := o.payments.InitiatePayment(callCtx, req)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, provider.ErrTimeout) {
			err = fmt.Errorf("%w: %v", provider.ErrTimeout, err)
		}
		return account, err
	})
}

// depositAddress returns the wallet's deposit address, assigning one on
// first use.
func (o *Orchestrator) depositAddress(ctx context.Context, w storage.Wallet) (string, error) {
	if w.Address != "" {
		return w.Address, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.PaymentTimeout)
	defer cancel()
	address, err := o.addresses.AssignAddress(callCtx, w.ID, w.Currency)
	if err != nil {
		return "", err
	}
	if err := o.store.SetWalletAddress(ctx, w.ID, address); err != nil {
		return "", fmt.Errorf("save deposit address: %w", err)
	}
	return address, nil
}

func payoutInstruction(p PayoutDetails, currency string) (storage.PostDetails, error) {
	post := storage.PostDetails{Currency: currency, Status: storage.InstructionPending}
	if money.IsFiat(currency) {
		number := strings.TrimSpace(p.AccountNumber)
		if number == "" || strings.TrimSpace(p.BankCode) == "" || strings.TrimSpace(p.AccountName) == "" {
			return storage.PostDetails{}, fmt.Errorf("account number, bank code and account name are required for %s payouts", currency)
		}
		for _, r := range number {
			if r < '0' || r > '9' {
				return storage.PostDetails{}, fmt.Errorf("account number must be digits")
			}
		}
		post.Kind = storage.PayoutBank
		post.AccountNumber = number
		post.BankCode = strings.TrimSpace(p.BankCode)
		post.AccountName = strings.TrimSpace(p.AccountName)
		return post, nil
	}
	address, err := provider.ValidateAddress(p.Network, p.Address)
	if err != nil {
		return storage.PostDetails{}, err
	}
	post.Kind = storage.PayoutCrypto
	post.Address = address
	post.Network = strings.ToUpper(strings.TrimSpace(p.Network))
	return post, nil
}

func paymentInstructions(c *Claim) string {
	amount := money.FormatDisplay(c.Amount, c.Currency)
	deadline := c.ExpiresAt.UTC().Format("15:04 MST")
	if c.Payment != nil {
		return fmt.Sprintf("Send %s %s to %s (%s, %s) before %s.",
			amount, c.Currency, c.Payment.AccountNumber, c.Payment.BankName, c.Payment.AccountName, deadline)
	}
	return fmt.Sprintf("Send %s %s to %s before %s.", amount, c.Currency, c.DepositAddress, deadline)
}
