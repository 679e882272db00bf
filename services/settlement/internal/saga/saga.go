// Package saga drives an anonymous claim from reservation to payout. Every
// step that can fail after capacity is reserved has a compensating action:
// the claim is cancelled and its capacity released, and money already
// received is refunded.
package saga

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/jobs"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/kafka"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/money"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/counterparty"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/notify"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/processing"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/provider"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/reservation"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	ExpireJob     = "awaiting-expire"
	ProcessJob    = "order-process"
	PostActionJob = "post-action"
	RefundJob     = "refund"
)

var (
	ErrNotRedrivable = errors.New("claim cannot be re-driven")
	ErrPayout        = errors.New("payout failed")
)

// errStale rolls back a transaction whose claim moved underneath it.
var errStale = errors.New("stale claim state")

type ClaimPayload struct {
	AwaitingID uuid.UUID `json:"awaiting_id"`
}

type RefundPayload struct {
	AwaitingID uuid.UUID       `json:"awaiting_id"`
	WalletID   uuid.UUID       `json:"wallet_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	// Reference is the ledger reference of the credit being returned.
	Reference        string             `json:"reference"`
	PaymentReference string             `json:"payment_reference"`
	Kind             storage.ReasonKind `json:"kind"`
	// Settles marks the claim REFUNDED once the money is returned. Extra
	// payments on claims that go on to settle leave the claim alone.
	Settles bool `json:"settles"`
}

func jobID(name string, id uuid.UUID) string {
	return name + ":" + id.String()
}

type Config struct {
	ClaimTTL         time.Duration
	PaymentTimeout   time.Duration
	ProviderAttempts int
	ProviderBackoff  time.Duration
	// Tolerance is the absolute shortfall still accepted as full payment.
	Tolerance          decimal.Decimal
	DeactivateOnSettle bool
	EventsTopic        string
	ProcessAttempts    int
	RefundAttempts     int
	JobBackoff         time.Duration
}

func DefaultConfig() Config {
	return Config{
		ClaimTTL:           30 * time.Minute,
		PaymentTimeout:     15 * time.Second,
		ProviderAttempts:   2,
		ProviderBackoff:    500 * time.Millisecond,
		Tolerance:          money.Tolerance,
		DeactivateOnSettle: true,
		EventsTopic:        "settlement.events",
		ProcessAttempts:    3,
		RefundAttempts:     5,
		JobBackoff:         5 * time.Second,
	}
}

type Deps struct {
	Store          storage.Store
	Reservations   *reservation.Engine
	Processor      *processing.Processor
	Counterparties *counterparty.Service
	Payments       provider.PaymentProvider
	Payouts        provider.PayoutProvider
	Chain          provider.ChainWatcher
	Addresses      provider.AddressBook
	Queue          jobs.Queue
	Notifier       notify.Notifier
	// Events is optional; lifecycle events are skipped without it.
	Events  kafka.Publisher
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Orchestrator holds no per-claim state; everything lives in the store.
type Orchestrator struct {
	store          storage.Store
	reservations   *reservation.Engine
	processor      *processing.Processor
	counterparties *counterparty.Service
	payments       provider.PaymentProvider
	payouts        provider.PayoutProvider
	chain          provider.ChainWatcher
	addresses      provider.AddressBook
	queue          jobs.Queue
	notifier       notify.Notifier
	events         kafka.Publisher
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	cfg            Config
	txOpts         storage.TxOptions
	now            func() time.Time
}

func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = defaults.ClaimTTL
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = defaults.PaymentTimeout
	}
	if cfg.ProviderAttempts < 1 {
		cfg.ProviderAttempts = defaults.ProviderAttempts
	}
	if cfg.ProviderBackoff <= 0 {
		cfg.ProviderBackoff = defaults.ProviderBackoff
	}
	if !cfg.Tolerance.IsPositive() {
		cfg.Tolerance = defaults.Tolerance
	}
	if cfg.EventsTopic == "" {
		cfg.EventsTopic = defaults.EventsTopic
	}
	if cfg.ProcessAttempts < 1 {
		cfg.ProcessAttempts = defaults.ProcessAttempts
	}
	if cfg.RefundAttempts < 1 {
		cfg.RefundAttempts = defaults.RefundAttempts
	}
	if cfg.JobBackoff <= 0 {
		cfg.JobBackoff = defaults.JobBackoff
	}
	return &Orchestrator{
		store:          deps.Store,
		reservations:   deps.Reservations,
		processor:      deps.Processor,
		counterparties: deps.Counterparties,
		payments:       deps.Payments,
		payouts:        deps.Payouts,
		chain:          deps.Chain,
		addresses:      deps.Addresses,
		queue:          deps.Queue,
		notifier:       deps.Notifier,
		events:         deps.Events,
		logger:         logger.With("component", "saga"),
		metrics:        deps.Metrics,
		cfg:            cfg,
		txOpts:         storage.DefaultTxOptions,
		now:            time.Now,
	}
}

// WithClock overrides the time source used for claim expiry.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// RegisterJobs installs the saga's job handlers on r.
func (o *Orchestrator) RegisterJobs(r jobs.Registrar) {
	r.Handle(ExpireJob, o.handleExpire)
	r.Handle(ProcessJob, o.handleProcess)
	r.Handle(processing.FillJob, o.handleFill)
	r.Handle(PostActionJob, o.handlePostAction)
	r.Handle(RefundJob, o.handleRefund)
}

func (o *Orchestrator) notify(ctx context.Context, userID uuid.NullUUID, title, content, typ string) {
	if o.notifier == nil || !userID.Valid {
		return
	}
	o.notifier.Queue(ctx, notify.Notification{UserID: userID.UUID, Title: title, Content: content, Type: typ})
}

func (o *Orchestrator) enqueue(ctx context.Context, name string, id uuid.UUID, payload any, opts jobs.EnqueueOptions) error {
	if opts.JobID == "" {
		opts.JobID = jobID(name, id)
	}
	_, err := o.queue.Enqueue(ctx, name, payload, opts)
	if err != nil {
		o.logger.Error("enqueue failed", "job", name, "awaiting_id", id.String(), "error", err)
	}
	return err
}
