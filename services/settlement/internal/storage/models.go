package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderStatus string

const (
	OrderOpen     OrderStatus = "OPEN"
	OrderClosed   OrderStatus = "CLOSED"
	OrderCanceled OrderStatus = "CANCELED"
)

type AwaitingStatus string

const (
	AwaitingPending    AwaitingStatus = "PENDING"
	AwaitingConfirmed  AwaitingStatus = "CONFIRMED"
	AwaitingProcessing AwaitingStatus = "PROCESSING"
	AwaitingSuccess    AwaitingStatus = "SUCCESS"
	AwaitingExpired    AwaitingStatus = "EXPIRED"
	AwaitingFailed     AwaitingStatus = "FAILED"
	AwaitingRefunded   AwaitingStatus = "REFUNDED"
)

// HeldStatuses are the claim states that may still own order capacity.
var HeldStatuses = []AwaitingStatus{AwaitingPending, AwaitingConfirmed, AwaitingProcessing}

func (s AwaitingStatus) Held() bool {
	for _, h := range HeldStatuses {
		if s == h {
			return true
		}
	}
	return false
}

type InstructionStatus string

const (
	InstructionPending InstructionStatus = "PENDING"
	InstructionSuccess InstructionStatus = "SUCCESS"
	InstructionFailed  InstructionStatus = "FAILED"
	InstructionExpired InstructionStatus = "EXPIRED"
)

type PayoutKind string

const (
	PayoutBank   PayoutKind = "BANK"
	PayoutCrypto PayoutKind = "CRYPTO"
)

type Pair struct {
	ID    uuid.UUID
	Base  string
	Quote string
}

// OrderCurrency is the currency an order's amount fields are kept in.
func (p Pair) OrderCurrency(side OrderSide) string {
	if side == SideSell {
		return p.Base
	}
	return p.Quote
}

// SendCurrency is what a counterparty pays to fill an order of this side.
func (p Pair) SendCurrency(side OrderSide) string {
	if side == SideSell {
		return p.Quote
	}
	return p.Base
}

// ReceiveCurrency is what a counterparty gets for filling an order.
func (p Pair) ReceiveCurrency(side OrderSide) string {
	return p.OrderCurrency(side)
}

type Order struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	PairID          uuid.UUID
	Side            OrderSide
	Price           decimal.Decimal
	Amount          decimal.Decimal
	AmountProcessed decimal.Decimal
	AmountReserved  decimal.Decimal
	AmountMinimum   decimal.Decimal
	Status          OrderStatus
	Version         int64
	// BlockID is the owner's escrow for the unfilled amount.
	BlockID   uuid.NullUUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Headroom is the capacity not yet processed or reserved.
func (o Order) Headroom() decimal.Decimal {
	return o.Amount.Sub(o.AmountProcessed).Sub(o.AmountReserved)
}

// OrderProgress is a version-gated write of the fill counters.
type OrderProgress struct {
	ID              uuid.UUID
	ExpectedVersion int64
	AmountProcessed decimal.Decimal
	AmountReserved  decimal.Decimal
	Status          OrderStatus
}

// Awaiting is one counterparty's claim on part of an order.
type Awaiting struct {
	ID      uuid.UUID
	OrderID uuid.UUID
	// UserID is unset until a counterparty has been identified.
	UserID uuid.NullUUID
	// Amount is in Currency, the currency the counterparty sends.
	Amount   decimal.Decimal
	Currency string
	Status   AwaitingStatus
	// WalletID is the counterparty wallet expected to receive the payment.
	WalletID         uuid.NullUUID
	TriggerAddress   string
	PaymentReference string
	// ExpiresAt is nil until payment details are attached.
	ExpiresAt *time.Time
	// ReleasedAt is set once the claim no longer holds order capacity.
	ReleasedAt *time.Time
	Metadata   []Reason
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Holds reports whether the claim still owns reserved order capacity.
func (a Awaiting) Holds() bool {
	return a.ReleasedAt == nil && a.Status.Held()
}

// LastReason returns the most recent audit entry of the given kind.
func (a Awaiting) LastReason(kind ReasonKind) (Reason, bool) {
	for i := len(a.Metadata) - 1; i >= 0; i-- {
		if a.Metadata[i].Kind == kind {
			return a.Metadata[i], true
		}
	}
	return Reason{}, false
}

type AwaitingTransition struct {
	ID   uuid.UUID
	From []AwaitingStatus
	To   AwaitingStatus
	// Reason, when set, is appended to the claim's metadata.
	Reason *Reason
	// RequireHeld restricts the transition to claims still holding capacity.
	RequireHeld bool
	// Release marks the claim as no longer holding capacity.
	Release bool
}

type AwaitingDetails struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	WalletID         uuid.UUID
	TriggerAddress   string
	PaymentReference string
	ExpiresAt        time.Time
}

// PostDetails is the payout target of a claim.
type PostDetails struct {
	ID              uuid.UUID
	AwaitingID      uuid.UUID
	Kind            PayoutKind
	Currency        string
	AccountNumber   string
	BankCode        string
	AccountName     string
	Address         string
	Network         string
	Status          InstructionStatus
	PayoutReference string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Wallet struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	Currency         string
	AvailableBalance decimal.Decimal
	AccountBalance   decimal.Decimal
	Address          string
	// LastChainBalance is the on-chain balance seen at the last sync.
	LastChainBalance decimal.Decimal
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Block struct {
	ID        uuid.UUID
	WalletID  uuid.UUID
	Amount    decimal.Decimal
	Active    bool
	Reference string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TransactionType string

const (
	TxCredit      TransactionType = "CREDIT"
	TxDebit       TransactionType = "DEBIT"
	TxBlock       TransactionType = "BLOCK"
	TxRelease     TransactionType = "RELEASE"
	TxTransferIn  TransactionType = "TRANSFER_IN"
	TxTransferOut TransactionType = "TRANSFER_OUT"
)

type Transaction struct {
	ID        uuid.UUID
	WalletID  uuid.UUID
	Type      TransactionType
	Amount    decimal.Decimal
	Currency  string
	Reference string
	CreatedAt time.Time
}

type FillLog struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	AwaitingID  uuid.UUID
	Side        OrderSide
	BaseAmount  decimal.Decimal
	QuoteAmount decimal.Decimal
	Rate        decimal.Decimal
	CreatedAt   time.Time
}

// Counterparty is the lightweight user record behind an anonymous order.
type Counterparty struct {
	ID             uuid.UUID
	Email          string
	Phone          string
	PINHash        string
	FailedAttempts int
	LockedUntil    *time.Time
	Temporary      bool
	ExpiresAt      *time.Time
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ReasonKind string

const (
	ReasonPaymentInitFailed ReasonKind = "payment_init_failed"
	ReasonPaymentFailed     ReasonKind = "payment_failed"
	ReasonConfirmed         ReasonKind = "confirmed"
	ReasonUnderpaid         ReasonKind = "underpaid"
	ReasonLatePayment       ReasonKind = "late_payment"
	ReasonExpired           ReasonKind = "expired"
	ReasonProcessingFailed  ReasonKind = "processing_failed"
	ReasonPayoutFailed      ReasonKind = "payout_failed"
	ReasonPayoutRedriven    ReasonKind = "payout_redriven"
	ReasonRefunded          ReasonKind = "refunded"
	ReasonCancelled         ReasonKind = "cancelled"
	ReasonOther             ReasonKind = "other"
)

// Reason is one structured audit entry on a claim. Only the fields relevant
// to Kind are set.
type Reason struct {
	Kind      ReasonKind `json:"kind"`
	Message   string     `json:"message,omitempty"`
	Expected  string     `json:"expected,omitempty"`
	Received  string     `json:"received,omitempty"`
	Reference string     `json:"reference,omitempty"`
	At        time.Time  `json:"at"`
}

func NewReason(kind ReasonKind, message string) Reason {
	return Reason{Kind: kind, Message: message, At: time.Now().UTC()}
}

func UnderpaidReason(expected, received decimal.Decimal, reference string) Reason {
	return Reason{
		Kind:      ReasonUnderpaid,
		Expected:  expected.String(),
		Received:  received.String(),
		Reference: reference,
		At:        time.Now().UTC(),
	}
}

// UnmarshalJSON keeps entries of unknown kinds readable as ReasonOther.
func (r *Reason) UnmarshalJSON(data []byte) error {
	type plain Reason
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	switch p.Kind {
	case ReasonPaymentInitFailed, ReasonPaymentFailed, ReasonConfirmed, ReasonUnderpaid, ReasonLatePayment,
		ReasonExpired, ReasonProcessingFailed, ReasonPayoutFailed, ReasonPayoutRedriven, ReasonRefunded,
		ReasonCancelled, ReasonOther:
	default:
		if p.Message == "" {
			p.Message = string(p.Kind)
		}
		p.Kind = ReasonOther
	}
	*r = Reason(p)
	return nil
}
