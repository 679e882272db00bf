package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/money"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/ledger"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotOpen      = errors.New("order not open")
	ErrClaimsOutstanding = errors.New("order has outstanding claims")
)

var (
	// errStale rolls back a transaction whose conditional write lost a race.
	errStale      = errors.New("stale claim state")
	errNoCapacity = errors.New("no capacity")
)

type RejectionCode string

const (
	CodeInvalidAmount        RejectionCode = "INVALID_AMOUNT"
	CodeOrderNotFound        RejectionCode = "ORDER_NOT_FOUND"
	CodeOrderNotOpen         RejectionCode = "ORDER_NOT_OPEN"
	CodeBelowMinimum         RejectionCode = "BELOW_MINIMUM"
	CodeInsufficientCapacity RejectionCode = "INSUFFICIENT_CAPACITY"
)

// Rejection is a business refusal. Nothing was written.
type Rejection struct {
	Code    RejectionCode
	Message string
	// Available is the order's headroom in the order currency at the time
	// of the refusal.
	Available decimal.Decimal
}

type Reservation struct {
	AwaitingID uuid.UUID
	OrderID    uuid.UUID
	// Amount and Currency are what the counterparty sends.
	Amount   decimal.Decimal
	Currency string
	// Reserved is Amount in the order currency.
	Reserved  decimal.Decimal
	Available decimal.Decimal
}

// ReserveResult carries exactly one of Reservation or Rejection.
type ReserveResult struct {
	Reservation *Reservation
	Rejection   *Rejection
}

func (r ReserveResult) OK() bool {
	return r.Reservation != nil
}

type Engine struct {
	store   storage.Store
	logger  *slog.Logger
	metrics *telemetry.Metrics
	txOpts  storage.TxOptions
}

func NewEngine(store storage.Store, logger *slog.Logger, metrics *telemetry.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		logger:  logger.With("component", "reservation"),
		metrics: metrics,
		txOpts:  storage.DefaultTxOptions,
	}
}

// ToOrderCurrency converts an amount the counterparty sends into the
// currency the order's amounts are kept in.
func ToOrderCurrency(o storage.Order, pair storage.Pair, amount decimal.Decimal) decimal.Decimal {
	var converted decimal.Decimal
	if o.Side == storage.SideSell {
		converted = amount.Div(o.Price)
	} else {
		converted = amount.Mul(o.Price)
	}
	return money.RoundForStorage(converted, pair.OrderCurrency(o.Side))
}

// FromOrderCurrency is the inverse of ToOrderCurrency.
func FromOrderCurrency(o storage.Order, pair storage.Pair, amount decimal.Decimal) decimal.Decimal {
	var converted decimal.Decimal
	if o.Side == storage.SideSell {
		converted = amount.Mul(o.Price)
	} else {
		converted = amount.Div(o.Price)
	}
	return money.RoundForStorage(converted, pair.SendCurrency(o.Side))
}

// ReserveOrderSlot carves amount, expressed in the currency the counterparty
// sends, out of the order and records a PENDING claim for it. The
// conditional capacity update is the only guard against overbooking.
func (e *Engine) ReserveOrderSlot(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) (ReserveResult, error) {
	logger := e.logger.With("order_id", orderID.String())

	if !amount.IsPositive() {
		return e.reject(CodeInvalidAmount, "amount must be positive", decimal.Zero), nil
	}

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return e.reject(CodeOrderNotFound, "order not found", decimal.Zero), nil
		}
		return ReserveResult{}, err
	}
	if order.Status != storage.OrderOpen {
		return e.reject(CodeOrderNotOpen, fmt.Sprintf("order is %s", order.Status), decimal.Zero), nil
	}
	pair, err := e.store.GetPair(ctx, order.PairID)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("load pair: %w", err)
	}

	sendCurrency := pair.SendCurrency(order.Side)
	amount = money.RoundForStorage(amount, sendCurrency)
	converted := ToOrderCurrency(order, pair, amount)
	if !converted.IsPositive() {
		return e.reject(CodeInvalidAmount, "amount too small for order precision", order.Headroom()), nil
	}
	if converted.LessThan(order.AmountMinimum) {
		msg := fmt.Sprintf("minimum is %s %s", order.AmountMinimum, pair.OrderCurrency(order.Side))
		return e.reject(CodeBelowMinimum, msg, order.Headroom()), nil
	}

	claim := storage.Awaiting{
		OrderID:  order.ID,
		Amount:   amount,
		Currency: sendCurrency,
		Status:   storage.AwaitingPending,
	}
	err = e.store.InTx(ctx, e.txOpts, func(repo storage.Repository) error {
		ok, err := repo.ReserveOrderCapacity(ctx, order.ID, converted)
		if err != nil {
			return err
		}
		if !ok {
			return errNoCapacity
		}
		return repo.InsertAwaiting(ctx, &claim)
	})
	if errors.Is(err, errNoCapacity) {
		return e.classifyFailure(ctx, order.ID, converted)
	}
	if err != nil {
		logger.Error("reserve slot failed", "error", err)
		return ReserveResult{}, err
	}

	available := order.Headroom().Sub(converted)
	if current, err := e.store.GetOrder(ctx, order.ID); err == nil {
		available = current.Headroom()
	}
	e.metrics.IncReservation("reserved")
	logger.Info("slot reserved", "awaiting_id", claim.ID.String(), "amount", amount.String(), "reserved", converted.String())

	return ReserveResult{Reservation: &Reservation{
		AwaitingID: claim.ID,
		OrderID:    order.ID,
		Amount:     amount,
		Currency:   sendCurrency,
		Reserved:   converted,
		Available:  available,
	}}, nil
}

func (e *Engine) classifyFailure(ctx context.Context, orderID uuid.UUID, requested decimal.Decimal) (ReserveResult, error) {
	current, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return ReserveResult{}, err
	}
	if current.Status != storage.OrderOpen {
		return e.reject(CodeOrderNotOpen, fmt.Sprintf("order is %s", current.Status), decimal.Zero), nil
	}
	available := decimal.Max(current.Headroom(), decimal.Zero)
	msg := fmt.Sprintf("requested %s, available %s", requested, available)
	return e.reject(CodeInsufficientCapacity, msg, available), nil
}

func (e *Engine) reject(code RejectionCode, msg string, available decimal.Decimal) ReserveResult {
	e.metrics.IncReservation(string(code))
	return ReserveResult{Rejection: &Rejection{Code: code, Message: msg, Available: available}}
}

// ReleaseIn returns a claim's reserved capacity to its order using repo.
// Claims that no longer hold capacity are left alone, so releasing twice
// decrements the order at most once.
func ReleaseIn(ctx context.Context, repo storage.Repository, awaitingID uuid.UUID) (bool, error) {
	aw, err := repo.GetAwaiting(ctx, awaitingID)
	if err != nil {
		return false, err
	}
	if !aw.Holds() {
		return false, nil
	}
	marked, err := repo.MarkAwaitingReleased(ctx, aw.ID)
	if err != nil || !marked {
		return false, err
	}
	order, err := repo.GetOrder(ctx, aw.OrderID)
	if err != nil {
		return false, err
	}
	pair, err := repo.GetPair(ctx, order.PairID)
	if err != nil {
		return false, err
	}
	if _, err := repo.ReleaseOrderCapacity(ctx, order.ID, ToOrderCurrency(order, pair, aw.Amount)); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) ReleaseReservation(ctx context.Context, awaitingID uuid.UUID) (bool, error) {
	var released bool
	err := e.store.InTx(ctx, e.txOpts, func(repo storage.Repository) error {
		var err error
		released, err = ReleaseIn(ctx, repo, awaitingID)
		return err
	})
	if err != nil {
		return false, err
	}
	if released {
		e.logger.Info("reservation released", "awaiting_id", awaitingID.String())
	}
	return released, nil
}

// CancelAwaiting releases the claim's reservation and fails the claim and its
// settlement instruction, recording reason.
func (e *Engine) CancelAwaiting(ctx context.Context, awaitingID uuid.UUID, reason storage.Reason) (bool, error) {
	cancelled, err := e.releaseAndTransition(ctx, awaitingID, storage.HeldStatuses, storage.AwaitingFailed, reason, storage.InstructionFailed)
	if err != nil {
		e.logger.Error("cancel awaiting failed", "awaiting_id", awaitingID.String(), "error", err)
		return false, err
	}
	if cancelled {
		e.logger.Info("awaiting cancelled", "awaiting_id", awaitingID.String(), "reason", reason.Kind)
	}
	return cancelled, nil
}

// ExpireAwaiting expires a claim that is still PENDING. Any other state is
// left untouched.
func (e *Engine) ExpireAwaiting(ctx context.Context, awaitingID uuid.UUID) (bool, error) {
	reason := storage.NewReason(storage.ReasonExpired, "payment window elapsed")
	expired, err := e.releaseAndTransition(ctx, awaitingID,
		[]storage.AwaitingStatus{storage.AwaitingPending}, storage.AwaitingExpired, reason, storage.InstructionExpired)
	if err != nil {
		return false, err
	}
	if expired {
		e.logger.Info("awaiting expired", "awaiting_id", awaitingID.String())
	}
	return expired, nil
}

// RefundAwaiting marks a claim REFUNDED, releasing capacity it still holds.
func (e *Engine) RefundAwaiting(ctx context.Context, awaitingID uuid.UUID, reason storage.Reason) (bool, error) {
	from := []storage.AwaitingStatus{
		storage.AwaitingPending,
		storage.AwaitingConfirmed,
		storage.AwaitingExpired,
		storage.AwaitingFailed,
	}
	return e.releaseAndTransition(ctx, awaitingID, from, storage.AwaitingRefunded, reason, storage.InstructionFailed)
}

func (e *Engine) releaseAndTransition(ctx context.Context, awaitingID uuid.UUID, from []storage.AwaitingStatus, to storage.AwaitingStatus, reason storage.Reason, instruction storage.InstructionStatus) (bool, error) {
	err := e.store.InTx(ctx, e.txOpts, func(repo storage.Repository) error {
		if _, err := ReleaseIn(ctx, repo, awaitingID); err != nil {
			return err
		}
		ok, err := repo.TransitionAwaiting(ctx, storage.AwaitingTransition{
			ID:      awaitingID,
			From:    from,
			To:      to,
			Reason:  &reason,
			Release: true,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errStale
		}
		_, err = repo.TransitionPostDetails(ctx, awaitingID,
			[]storage.InstructionStatus{storage.InstructionPending}, instruction, "")
		return err
	})
	if errors.Is(err, errStale) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type SlotCheck struct {
	Fits bool
	// Requested is the asked amount in the order currency.
	Requested decimal.Decimal
	Remaining decimal.Decimal
}

// CheckAvailableSlot reports whether amount would currently fit, computed
// from the held claims. It does not reserve anything.
func (e *Engine) CheckAvailableSlot(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) (SlotCheck, error) {
	stats, err := e.GetOrderSlotStats(ctx, orderID)
	if err != nil {
		return SlotCheck{}, err
	}
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return SlotCheck{}, err
	}
	pair, err := e.store.GetPair(ctx, order.PairID)
	if err != nil {
		return SlotCheck{}, err
	}
	requested := ToOrderCurrency(order, pair, amount)
	return SlotCheck{
		Fits:      order.Status == storage.OrderOpen && requested.LessThanOrEqual(stats.Remaining),
		Requested: requested,
		Remaining: stats.Remaining,
	}, nil
}

type SlotStats struct {
	OrderID   uuid.UUID
	Status    storage.OrderStatus
	Amount    decimal.Decimal
	Processed decimal.Decimal
	// Reserved is the order's counter; HeldByClaims recomputes it from the
	// claims that still hold capacity. They differ only if state drifted.
	Reserved     decimal.Decimal
	HeldByClaims decimal.Decimal
	Remaining    decimal.Decimal
	Claims       int
}

func (e *Engine) GetOrderSlotStats(ctx context.Context, orderID uuid.UUID) (SlotStats, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return SlotStats{}, err
	}
	pair, err := e.store.GetPair(ctx, order.PairID)
	if err != nil {
		return SlotStats{}, err
	}
	claims, err := e.store.ListHeldAwaitings(ctx, orderID)
	if err != nil {
		return SlotStats{}, err
	}

	held := decimal.Zero
	for _, c := range claims {
		held = held.Add(ToOrderCurrency(order, pair, c.Amount))
	}
	stats := SlotStats{
		OrderID:      order.ID,
		Status:       order.Status,
		Amount:       order.Amount,
		Processed:    order.AmountProcessed,
		Reserved:     order.AmountReserved,
		HeldByClaims: held,
		Remaining:    decimal.Max(order.Amount.Sub(order.AmountProcessed).Sub(held), decimal.Zero),
		Claims:       len(claims),
	}
	if !held.Equal(order.AmountReserved) {
		e.logger.Warn("reserved amount drift", "order_id", orderID.String(),
			"reserved", order.AmountReserved.String(), "held_by_claims", held.String())
	}
	return stats, nil
}

// CancelOrder cancels an OPEN order with no held claims and returns the
// owner's remaining escrow to their wallet.
func (e *Engine) CancelOrder(ctx context.Context, orderID uuid.UUID) error {
	err := e.store.InTx(ctx, e.txOpts, func(repo storage.Repository) error {
		order, err := repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != storage.OrderOpen {
			return fmt.Errorf("%w: %s", ErrOrderNotOpen, order.Status)
		}
		ok, err := repo.CancelOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrClaimsOutstanding
		}
		if !order.BlockID.Valid {
			return nil
		}
		blk, err := repo.GetBlockForUpdate(ctx, order.BlockID.UUID)
		if err != nil {
			return err
		}
		if !blk.Active || !blk.Amount.IsPositive() {
			return nil
		}
		return ledger.New(repo).ReleaseBlock(ctx, blk.ID, blk.WalletID, blk.Amount, "order-cancel:"+orderID.String())
	})
	if err != nil {
		return err
	}
	e.logger.Info("order cancelled", "order_id", orderID.String())
	return nil
}
