package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type IsolationLevel string

const (
	ReadCommitted  IsolationLevel = "read committed"
	RepeatableRead IsolationLevel = "repeatable read"
	Serializable   IsolationLevel = "serializable"
)

type TxOptions struct {
	Isolation IsolationLevel
	// MaxWait bounds the wait for a connection.
	MaxWait time.Duration
	// Timeout bounds every statement and the transaction as a whole.
	Timeout time.Duration
}

// DefaultTxOptions is the profile used for order, claim and wallet writes.
var DefaultTxOptions = TxOptions{
	Isolation: ReadCommitted,
	MaxWait:   5 * time.Second,
	Timeout:   10 * time.Second,
}

// Repository is the persistence surface of the settlement core. Every method
// is a single statement; conditional updates report whether a row matched.
type Repository interface {
	GetPair(ctx context.Context, id uuid.UUID) (Pair, error)
	CreatePair(ctx context.Context, p *Pair) error

	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (Order, error)
	// ReserveOrderCapacity adds amount to amount_reserved only while the
	// order is OPEN and has at least amount of headroom.
	ReserveOrderCapacity(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (bool, error)
	// ReleaseOrderCapacity subtracts amount from amount_reserved, never
	// going below zero.
	ReleaseOrderCapacity(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (bool, error)
	UpdateOrderProgress(ctx context.Context, p OrderProgress) (bool, error)
	// CancelOrder closes an OPEN order that no claim holds capacity on.
	CancelOrder(ctx context.Context, id uuid.UUID) (bool, error)

	InsertAwaiting(ctx context.Context, a *Awaiting) error
	GetAwaiting(ctx context.Context, id uuid.UUID) (Awaiting, error)
	ListHeldAwaitings(ctx context.Context, orderID uuid.UUID) ([]Awaiting, error)
	FindAwaitingByPaymentReference(ctx context.Context, reference string) (Awaiting, error)
	// FindAwaitingByTriggerAddress returns the newest claim expecting
	// payment at address.
	FindAwaitingByTriggerAddress(ctx context.Context, address string) (Awaiting, error)
	MarkAwaitingReleased(ctx context.Context, id uuid.UUID) (bool, error)
	TransitionAwaiting(ctx context.Context, t AwaitingTransition) (bool, error)
	UpdateAwaitingDetails(ctx context.Context, d AwaitingDetails) (bool, error)
	AppendAwaitingReason(ctx context.Context, id uuid.UUID, r Reason) error

	InsertPostDetails(ctx context.Context, p *PostDetails) error
	GetPostDetails(ctx context.Context, awaitingID uuid.UUID) (PostDetails, error)
	TransitionPostDetails(ctx context.Context, awaitingID uuid.UUID, from []InstructionStatus, to InstructionStatus, payoutRef string) (bool, error)

	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, id uuid.UUID) (Wallet, error)
	GetWalletForUpdate(ctx context.Context, id uuid.UUID) (Wallet, error)
	FindWallet(ctx context.Context, userID uuid.UUID, currency string) (Wallet, error)
	FindWalletByAddress(ctx context.Context, address string) (Wallet, error)
	SetWalletAddress(ctx context.Context, id uuid.UUID, address string) error
	UpdateWalletBalances(ctx context.Context, id uuid.UUID, available, account decimal.Decimal) error
	UpdateWalletChainBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error

	InsertBlock(ctx context.Context, b *Block) error
	GetBlockForUpdate(ctx context.Context, id uuid.UUID) (Block, error)
	UpdateBlock(ctx context.Context, id uuid.UUID, amount decimal.Decimal, active bool) error

	// InsertTransaction fails with ErrDuplicate when the reference exists.
	InsertTransaction(ctx context.Context, t *Transaction) error
	FindTransactionByReference(ctx context.Context, reference string) (Transaction, error)

	// InsertFillLog fails with ErrDuplicate when the claim already has a fill.
	InsertFillLog(ctx context.Context, f *FillLog) error
	GetFillLog(ctx context.Context, awaitingID uuid.UUID) (FillLog, error)

	FindCounterparty(ctx context.Context, email, phone string) (Counterparty, error)
	InsertCounterparty(ctx context.Context, c *Counterparty) error
	SaveCounterparty(ctx context.Context, c Counterparty) error
	// RecordPINFailure counts one failed PIN attempt in a single write. Once
	// the count reaches maxFailures the record is locked until lockUntil and
	// the count restarts. A record still locked at now is left untouched. It
	// returns the count and lock after the write.
	RecordPINFailure(ctx context.Context, id uuid.UUID, now time.Time, maxFailures int, lockUntil time.Time) (int, *time.Time, error)
	ClearPINFailures(ctx context.Context, id uuid.UUID) error
	DeactivateCounterparty(ctx context.Context, id uuid.UUID) error
}

// Store is a Repository that can also scope work to a transaction.
type Store interface {
	Repository
	// InTx runs fn against a transaction-bound Repository, committing when
	// fn returns nil and rolling back otherwise.
	InTx(ctx context.Context, opts TxOptions, fn func(Repository) error) error
}
