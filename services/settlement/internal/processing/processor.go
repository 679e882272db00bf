// Package processing applies confirmed claims to their orders. The order row
// is never locked; a version-gated update detects concurrent writers and the
// whole attempt is retried, first in-process and then through the job queue.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/jobs"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/money"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/retry"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/ledger"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/notify"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/reservation"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrVersionConflict      = errors.New("order version conflict")
	ErrOrderNotOpen         = errors.New("order not open")
	ErrInsufficientCapacity = errors.New("insufficient order capacity")
	ErrInsufficientBalance  = errors.New("insufficient counterparty balance")
	ErrInvalidState         = errors.New("claim not processable")
)

// FillJob is the queued fallback for fills that keep losing version races.
const FillJob = "order-fill"

type FillPayload struct {
	AwaitingID uuid.UUID `json:"awaiting_id"`
}

func FillJobID(awaitingID uuid.UUID) string {
	return FillJob + ":" + awaitingID.String()
}

// IsBusinessError reports errors that retrying cannot fix.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrOrderNotOpen) ||
		errors.Is(err, ErrInsufficientCapacity) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidState)
}

type Config struct {
	DirectAttempts int
	DirectBackoff  time.Duration
	QueuedAttempts int
	QueuedBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		DirectAttempts: 3,
		DirectBackoff:  50 * time.Millisecond,
		QueuedAttempts: 5,
		QueuedBackoff:  2 * time.Second,
	}
}

type Outcome string

const (
	OutcomeFilled Outcome = "filled"
	OutcomeQueued Outcome = "queued"
)

type Result struct {
	Outcome Outcome
	Fill    storage.FillLog
	JobID   string
}

type Processor struct {
	store    storage.Store
	queue    jobs.Queue
	notifier notify.Notifier
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	cfg      Config
	txOpts   storage.TxOptions
}

func NewProcessor(store storage.Store, queue jobs.Queue, notifier notify.Notifier, cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.DirectAttempts < 1 {
		cfg.DirectAttempts = defaults.DirectAttempts
	}
	if cfg.DirectBackoff <= 0 {
		cfg.DirectBackoff = defaults.DirectBackoff
	}
	if cfg.QueuedAttempts < 1 {
		cfg.QueuedAttempts = defaults.QueuedAttempts
	}
	if cfg.QueuedBackoff <= 0 {
		cfg.QueuedBackoff = defaults.QueuedBackoff
	}
	return &Processor{
		store:    store,
		queue:    queue,
		notifier: notifier,
		logger:   logger.With("component", "processing"),
		metrics:  metrics,
		cfg:      cfg,
		txOpts:   storage.DefaultTxOptions,
	}
}

// Process fills a CONFIRMED claim. Version conflicts are retried a few times
// in-process; if they persist the fill is handed to the queue and
// OutcomeQueued is returned instead of an error.
func (p *Processor) Process(ctx context.Context, awaitingID uuid.UUID) (Result, error) {
	logger := p.logger.With("awaiting_id", awaitingID.String())
	start := time.Now()

	if err := p.begin(ctx, awaitingID); err != nil {
		return Result{}, err
	}

	policy := retry.Policy{
		MaxAttempts: p.cfg.DirectAttempts,
		Backoff:     retry.Linear(p.cfg.DirectBackoff),
		Retryable: func(err error) bool {
			return errors.Is(err, ErrVersionConflict)
		},
		OnRetry: func(attempt int, err error, wait time.Duration) {
			p.metrics.IncVersionConflict()
			logger.Info("fill conflicted, retrying", "attempt", attempt, "wait", wait)
		},
	}
	fill, err := retry.Do(ctx, policy, func(ctx context.Context) (storage.FillLog, error) {
		return p.attemptDirectProcessing(ctx, awaitingID)
	})
	if err == nil {
		p.metrics.ObserveFill("direct", "filled", time.Since(start))
		return Result{Outcome: OutcomeFilled, Fill: fill}, nil
	}

	if errors.Is(err, ErrVersionConflict) && p.queue != nil {
		p.metrics.IncVersionConflict()
		jobID, qerr := p.queue.Enqueue(ctx, FillJob, FillPayload{AwaitingID: awaitingID}, jobs.EnqueueOptions{
			JobID:       FillJobID(awaitingID),
			MaxAttempts: p.cfg.QueuedAttempts,
			Backoff:     p.cfg.QueuedBackoff,
			Delay:       p.cfg.QueuedBackoff,
		})
		if qerr != nil {
			p.metrics.ObserveFill("direct", "error", time.Since(start))
			return Result{}, fmt.Errorf("queue fill after conflicts: %w", errors.Join(err, qerr))
		}
		p.metrics.ObserveFill("direct", "queued", time.Since(start))
		logger.Warn("fill degraded to queue", "job_id", jobID)
		return Result{Outcome: OutcomeQueued, JobID: jobID}, nil
	}

	p.metrics.ObserveFill("direct", outcomeLabel(err), time.Since(start))
	logger.Error("fill failed", "error", err)
	return Result{}, err
}

// ProcessQueued is a single fill attempt for the queue worker. Conflicts are
// returned so the queue's own backoff applies.
func (p *Processor) ProcessQueued(ctx context.Context, awaitingID uuid.UUID) (storage.FillLog, error) {
	start := time.Now()
	if err := p.begin(ctx, awaitingID); err != nil {
		return storage.FillLog{}, err
	}
	fill, err := p.attemptDirectProcessing(ctx, awaitingID)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			p.metrics.IncVersionConflict()
		}
		p.metrics.ObserveFill("queued", outcomeLabel(err), time.Since(start))
		return storage.FillLog{}, err
	}
	p.metrics.ObserveFill("queued", "filled", time.Since(start))
	return fill, nil
}

// begin moves a CONFIRMED claim to PROCESSING. Claims already PROCESSING or
// SUCCESS are redeliveries and pass through.
func (p *Processor) begin(ctx context.Context, awaitingID uuid.UUID) error {
	ok, err := p.store.TransitionAwaiting(ctx, storage.AwaitingTransition{
		ID:          awaitingID,
		From:        []storage.AwaitingStatus{storage.AwaitingConfirmed},
		To:          storage.AwaitingProcessing,
		RequireHeld: true,
	})
	if err != nil || ok {
		return err
	}
	aw, err := p.store.GetAwaiting(ctx, awaitingID)
	if err != nil {
		return err
	}
	switch aw.Status {
	case storage.AwaitingProcessing, storage.AwaitingSuccess:
		return nil
	default:
		return fmt.Errorf("%w: claim is %s", ErrInvalidState, aw.Status)
	}
}

// attemptDirectProcessing runs one fill inside a single transaction.
func (p *Processor) attemptDirectProcessing(ctx context.Context, awaitingID uuid.UUID) (storage.FillLog, error) {
	var (
		fill    storage.FillLog
		order   storage.Order
		aw      storage.Awaiting
		already bool
	)
	err := p.store.InTx(ctx, p.txOpts, func(repo storage.Repository) error {
		var err error
		aw, err = repo.GetAwaiting(ctx, awaitingID)
		if err != nil {
			return err
		}
		if aw.Status == storage.AwaitingSuccess {
			fill, err = repo.GetFillLog(ctx, aw.ID)
			already = err == nil
			return err
		}
		if aw.Status != storage.AwaitingProcessing || aw.ReleasedAt != nil {
			return fmt.Errorf("%w: claim is %s", ErrInvalidState, aw.Status)
		}
		if !aw.UserID.Valid {
			return fmt.Errorf("%w: claim has no counterparty", ErrInvalidState)
		}

		order, err = repo.GetOrder(ctx, aw.OrderID)
		if err != nil {
			return err
		}
		pair, err := repo.GetPair(ctx, order.PairID)
		if err != nil {
			return err
		}
		if order.Status != storage.OrderOpen {
			return fmt.Errorf("%w: order is %s", ErrOrderNotOpen, order.Status)
		}

		amountToProcess := reservation.ToOrderCurrency(order, pair, aw.Amount)
		remaining := order.Amount.Sub(order.AmountProcessed)
		if amountToProcess.GreaterThan(remaining) {
			return fmt.Errorf("%w: needs %s, remaining %s", ErrInsufficientCapacity, amountToProcess, remaining)
		}

		book := ledger.New(repo)
		payer, err := p.counterpartyWallet(ctx, repo, book, aw, pair.SendCurrency(order.Side))
		if err != nil {
			return err
		}
		if payer.AvailableBalance.LessThan(aw.Amount) {
			return fmt.Errorf("%w: has %s, needs %s", ErrInsufficientBalance, payer.AvailableBalance, aw.Amount)
		}

		newProcessed := order.AmountProcessed.Add(amountToProcess)
		newReserved := decimal.Max(order.AmountReserved.Sub(amountToProcess), decimal.Zero)
		newStatus := storage.OrderOpen
		if newProcessed.GreaterThanOrEqual(order.Amount) {
			newStatus = storage.OrderClosed
		}
		ok, err := repo.UpdateOrderProgress(ctx, storage.OrderProgress{
			ID:              order.ID,
			ExpectedVersion: order.Version,
			AmountProcessed: newProcessed,
			AmountReserved:  newReserved,
			Status:          newStatus,
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: order %s at version %d", ErrVersionConflict, order.ID, order.Version)
		}

		if err := p.transfer(ctx, repo, book, order, pair, aw, payer, amountToProcess, newStatus); err != nil {
			return err
		}

		moved, err := repo.TransitionAwaiting(ctx, storage.AwaitingTransition{
			ID:          aw.ID,
			From:        []storage.AwaitingStatus{storage.AwaitingProcessing},
			To:          storage.AwaitingSuccess,
			RequireHeld: true,
			Release:     true,
		})
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: claim changed during fill", ErrInvalidState)
		}

		fill = storage.FillLog{
			OrderID:    order.ID,
			AwaitingID: aw.ID,
			Side:       order.Side,
			Rate:       order.Price,
		}
		if order.Side == storage.SideSell {
			fill.BaseAmount, fill.QuoteAmount = amountToProcess, aw.Amount
		} else {
			fill.BaseAmount, fill.QuoteAmount = aw.Amount, amountToProcess
		}
		return repo.InsertFillLog(ctx, &fill)
	})
	if err != nil {
		return storage.FillLog{}, err
	}
	if already {
		return fill, nil
	}

	p.logger.Info("order filled",
		"awaiting_id", aw.ID.String(),
		"order_id", order.ID.String(),
		"base_amount", fill.BaseAmount.String(),
		"quote_amount", fill.QuoteAmount.String(),
	)
	p.notifySuccess(ctx, order, aw, fill)
	return fill, nil
}

func (p *Processor) counterpartyWallet(ctx context.Context, repo storage.Repository, book *ledger.Book, aw storage.Awaiting, currency string) (storage.Wallet, error) {
	if aw.WalletID.Valid {
		return repo.GetWalletForUpdate(ctx, aw.WalletID.UUID)
	}
	w, err := book.EnsureWallet(ctx, aw.UserID.UUID, currency)
	if err != nil {
		return storage.Wallet{}, err
	}
	return repo.GetWalletForUpdate(ctx, w.ID)
}

// transfer pays the owner's escrow out to the counterparty and moves the
// counterparty's payment to the owner.
func (p *Processor) transfer(ctx context.Context, repo storage.Repository, book *ledger.Book, order storage.Order, pair storage.Pair, aw storage.Awaiting, payer storage.Wallet, amountToProcess decimal.Decimal, newStatus storage.OrderStatus) error {
	ref := "fill:" + aw.ID.String()

	receiver, err := book.EnsureWallet(ctx, aw.UserID.UUID, pair.ReceiveCurrency(order.Side))
	if err != nil {
		return err
	}
	ownerReceive, err := book.EnsureWallet(ctx, order.UserID, pair.SendCurrency(order.Side))
	if err != nil {
		return err
	}

	if order.BlockID.Valid {
		if err := book.ReleaseBlock(ctx, order.BlockID.UUID, receiver.ID, amountToProcess, ref+":release"); err != nil {
			return err
		}
		if newStatus == storage.OrderClosed {
			// dust left by truncation goes back to the owner
			blk, err := repo.GetBlockForUpdate(ctx, order.BlockID.UUID)
			if err != nil {
				return err
			}
			if blk.Active && blk.Amount.IsPositive() {
				if err := book.ReleaseBlock(ctx, blk.ID, blk.WalletID, blk.Amount, ref+":dust"); err != nil {
					return err
				}
			}
		}
	} else {
		ownerSend, err := book.EnsureWallet(ctx, order.UserID, pair.OrderCurrency(order.Side))
		if err != nil {
			return err
		}
		if err := book.Transfer(ctx, ownerSend.ID, receiver.ID, amountToProcess, ref+":credit"); err != nil {
			return err
		}
	}

	return book.Transfer(ctx, payer.ID, ownerReceive.ID, aw.Amount, ref+":pay")
}

func (p *Processor) notifySuccess(ctx context.Context, order storage.Order, aw storage.Awaiting, fill storage.FillLog) {
	if p.notifier == nil {
		return
	}
	p.notifier.Queue(ctx, notify.Notification{
		UserID:  order.UserID,
		Title:   "Order filled",
		Content: fmt.Sprintf("Your %s order received %s %s.", order.Side, money.FormatDisplay(aw.Amount, aw.Currency), aw.Currency),
		Type:    notify.TypeOrder,
	})
	p.notifier.Queue(ctx, notify.Notification{
		UserID:  aw.UserID.UUID,
		Title:   "Payment processed",
		Content: fmt.Sprintf("Your payment of %s %s was applied at rate %s.", money.FormatDisplay(aw.Amount, aw.Currency), aw.Currency, fill.Rate),
		Type:    notify.TypePayment,
	})
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrVersionConflict):
		return "conflict"
	case IsBusinessError(err):
		return "rejected"
	default:
		return "error"
	}
}
