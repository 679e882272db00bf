// Package memory is an in-process storage.Store used by tests and local runs.
// Transactions are serialized and applied atomically by swapping a cloned
// snapshot back in on success.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type state struct {
	pairs          map[uuid.UUID]storage.Pair
	orders         map[uuid.UUID]storage.Order
	awaitings      map[uuid.UUID]storage.Awaiting
	awaitingSeq    []uuid.UUID
	posts          map[uuid.UUID]storage.PostDetails
	wallets        map[uuid.UUID]storage.Wallet
	blocks         map[uuid.UUID]storage.Block
	transactions   map[string]storage.Transaction
	fills          map[uuid.UUID]storage.FillLog
	counterparties map[uuid.UUID]storage.Counterparty
}

func newState() *state {
	return &state{
		pairs:          map[uuid.UUID]storage.Pair{},
		orders:         map[uuid.UUID]storage.Order{},
		awaitings:      map[uuid.UUID]storage.Awaiting{},
		posts:          map[uuid.UUID]storage.PostDetails{},
		wallets:        map[uuid.UUID]storage.Wallet{},
		blocks:         map[uuid.UUID]storage.Block{},
		transactions:   map[string]storage.Transaction{},
		fills:          map[uuid.UUID]storage.FillLog{},
		counterparties: map[uuid.UUID]storage.Counterparty{},
	}
}

func (s *state) clone() *state {
	out := &state{
		pairs:          maps.Clone(s.pairs),
		orders:         maps.Clone(s.orders),
		awaitings:      make(map[uuid.UUID]storage.Awaiting, len(s.awaitings)),
		awaitingSeq:    slices.Clone(s.awaitingSeq),
		posts:          maps.Clone(s.posts),
		wallets:        maps.Clone(s.wallets),
		blocks:         maps.Clone(s.blocks),
		transactions:   maps.Clone(s.transactions),
		fills:          maps.Clone(s.fills),
		counterparties: maps.Clone(s.counterparties),
	}
	for id, a := range s.awaitings {
		a.Metadata = slices.Clone(a.Metadata)
		out.awaitings[id] = a
	}
	return out
}

type Store struct {
	*repo
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	s := &Store{state: newState(), now: func() time.Time { return time.Now().UTC() }}
	s.repo = &repo{mu: &s.mu, st: func() *state { return s.state }, now: s.clock}
	return s
}

// SetClock overrides the timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) clock() time.Time {
	return s.now()
}

func (s *Store) InTx(ctx context.Context, _ storage.TxOptions, fn func(storage.Repository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	tx := &repo{st: func() *state { return snapshot }, now: s.clock}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = snapshot
	return nil
}

type repo struct {
	// mu is nil inside a transaction, where the store lock is already held.
	mu  *sync.Mutex
	st  func() *state
	now func() time.Time
}

func (r *repo) lock() func() {
	if r.mu == nil {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

func notFound(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, storage.ErrNotFound)
}

func duplicate(what string, key any) error {
	return fmt.Errorf("%w: %s %v", storage.ErrDuplicate, what, key)
}

func (r *repo) GetPair(_ context.Context, id uuid.UUID) (storage.Pair, error) {
	defer r.lock()()
	p, ok := r.st().pairs[id]
	if !ok {
		return storage.Pair{}, notFound("pair", id)
	}
	return p, nil
}

func (r *repo) CreatePair(_ context.Context, p *storage.Pair) error {
	defer r.lock()()
	st := r.st()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Base, p.Quote = strings.ToUpper(p.Base), strings.ToUpper(p.Quote)
	for _, existing := range st.pairs {
		if existing.ID == p.ID || (existing.Base == p.Base && existing.Quote == p.Quote) {
			return duplicate("pair", p.Base+"/"+p.Quote)
		}
	}
	st.pairs[p.ID] = *p
	return nil
}

func (r *repo) CreateOrder(_ context.Context, o *storage.Order) error {
	defer r.lock()()
	st := r.st()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if _, exists := st.orders[o.ID]; exists {
		return duplicate("order", o.ID)
	}
	if o.Status == "" {
		o.Status = storage.OrderOpen
	}
	now := r.now()
	o.CreatedAt, o.UpdatedAt = now, now
	st.orders[o.ID] = *o
	return nil
}

func (r *repo) GetOrder(_ context.Context, id uuid.UUID) (storage.Order, error) {
	defer r.lock()()
	o, ok := r.st().orders[id]
	if !ok {
		return storage.Order{}, notFound("order", id)
	}
	return o, nil
}

func (r *repo) ReserveOrderCapacity(_ context.Context, id uuid.UUID, amount decimal.Decimal) (bool, error) {
	defer r.lock()()
	st := r.st()
	o, ok := st.orders[id]
	if !ok || o.Status != storage.OrderOpen || o.Headroom().LessThan(amount) {
		return false, nil
	}
	o.AmountReserved = o.AmountReserved.Add(amount)
	o.Version++
	o.UpdatedAt = r.now()
	st.orders[id] = o
	return true, nil
}

func (r *repo) ReleaseOrderCapacity(_ context.Context, id uuid.UUID, amount decimal.Decimal) (bool, error) {
	defer r.lock()()
	st := r.st()
	o, ok := st.orders[id]
	if !ok {
		return false, nil
	}
	o.AmountReserved = decimal.Max(o.AmountReserved.Sub(amount), decimal.Zero)
	o.Version++
	o.UpdatedAt = r.now()
	st.orders[id] = o
	return true, nil
}

func (r *repo) UpdateOrderProgress(_ context.Context, p storage.OrderProgress) (bool, error) {
	defer r.lock()()
	st := r.st()
	o, ok := st.orders[p.ID]
	if !ok || o.Version != p.ExpectedVersion {
		return false, nil
	}
	o.AmountProcessed = p.AmountProcessed
	o.AmountReserved = p.AmountReserved
	o.Status = p.Status
	o.Version++
	o.UpdatedAt = r.now()
	st.orders[p.ID] = o
	return true, nil
}

func (r *repo) CancelOrder(_ context.Context, id uuid.UUID) (bool, error) {
	defer r.lock()()
	st := r.st()
	o, ok := st.orders[id]
	if !ok || o.Status != storage.OrderOpen {
		return false, nil
	}
	for _, a := range st.awaitings {
		if a.OrderID == id && a.Holds() {
			return false, nil
		}
	}
	o.Status = storage.OrderCanceled
	o.Version++
	o.UpdatedAt = r.now()
	st.orders[id] = o
	return true, nil
}

func (r *repo) InsertAwaiting(_ context.Context, a *storage.Awaiting) error {
	defer r.lock()()
	st := r.st()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if _, exists := st.awaitings[a.ID]; exists {
		return duplicate("awaiting", a.ID)
	}
	if _, ok := st.orders[a.OrderID]; !ok {
		return fmt.Errorf("awaiting references missing order %s", a.OrderID)
	}
	if a.Status == "" {
		a.Status = storage.AwaitingPending
	}
	now := r.now()
	a.CreatedAt, a.UpdatedAt = now, now
	stored := *a
	stored.Metadata = slices.Clone(a.Metadata)
	st.awaitings[a.ID] = stored
	st.awaitingSeq = append(st.awaitingSeq, a.ID)
	return nil
}

func (r *repo) GetAwaiting(_ context.Context, id uuid.UUID) (storage.Awaiting, error) {
	defer r.lock()()
	a, ok := r.st().awaitings[id]
	if !ok {
		return storage.Awaiting{}, notFound("awaiting", id)
	}
	a.Metadata = slices.Clone(a.Metadata)
	return a, nil
}

func (r *repo) ListHeldAwaitings(_ context.Context, orderID uuid.UUID) ([]storage.Awaiting, error) {
	defer r.lock()()
	st := r.st()
	var out []storage.Awaiting
	for _, id := range st.awaitingSeq {
		a := st.awaitings[id]
		if a.OrderID == orderID && a.Holds() {
			a.Metadata = slices.Clone(a.Metadata)
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *repo) findNewestAwaiting(match func(storage.Awaiting) bool) (storage.Awaiting, bool) {
	st := r.st()
	for i := len(st.awaitingSeq) - 1; i >= 0; i-- {
		a := st.awaitings[st.awaitingSeq[i]]
		if match(a) {
			a.Metadata = slices.Clone(a.Metadata)
			return a, true
		}
	}
	return storage.Awaiting{}, false
}

func (r *repo) FindAwaitingByPaymentReference(_ context.Context, reference string) (storage.Awaiting, error) {
	defer r.lock()()
	a, ok := r.findNewestAwaiting(func(a storage.Awaiting) bool {
		return reference != "" && a.PaymentReference == reference
	})
	if !ok {
		return storage.Awaiting{}, notFound("awaiting with reference", reference)
	}
	return a, nil
}

func (r *repo) FindAwaitingByTriggerAddress(_ context.Context, address string) (storage.Awaiting, error) {
	defer r.lock()()
	a, ok := r.findNewestAwaiting(func(a storage.Awaiting) bool {
		return address != "" && a.TriggerAddress == address
	})
	if !ok {
		return storage.Awaiting{}, notFound("awaiting with address", address)
	}
	return a, nil
}

func (r *repo) MarkAwaitingReleased(_ context.Context, id uuid.UUID) (bool, error) {
	defer r.lock()()
	st := r.st()
	a, ok := st.awaitings[id]
	if !ok || !a.Holds() {
		return false, nil
	}
	now := r.now()
	a.ReleasedAt = &now
	a.UpdatedAt = now
	st.awaitings[id] = a
	return true, nil
}

func (r *repo) TransitionAwaiting(_ context.Context, t storage.AwaitingTransition) (bool, error) {
	defer r.lock()()
	st := r.st()
	a, ok := st.awaitings[t.ID]
	if !ok || !slices.Contains(t.From, a.Status) {
		return false, nil
	}
	if t.RequireHeld && a.ReleasedAt != nil {
		return false, nil
	}
	now := r.now()
	a.Status = t.To
	if t.Reason != nil {
		a.Metadata = append(slices.Clone(a.Metadata), *t.Reason)
	}
	if t.Release && a.ReleasedAt == nil {
		a.ReleasedAt = &now
	}
	a.UpdatedAt = now
	st.awaitings[t.ID] = a
	return true, nil
}

func (r *repo) UpdateAwaitingDetails(_ context.Context, d storage.AwaitingDetails) (bool, error) {
	defer r.lock()()
	st := r.st()
	a, ok := st.awaitings[d.ID]
	if !ok || a.Status != storage.AwaitingPending {
		return false, nil
	}
	expires := d.ExpiresAt
	a.UserID = uuid.NullUUID{UUID: d.UserID, Valid: d.UserID != uuid.Nil}
	a.WalletID = uuid.NullUUID{UUID: d.WalletID, Valid: d.WalletID != uuid.Nil}
	a.TriggerAddress = d.TriggerAddress
	a.PaymentReference = d.PaymentReference
	a.ExpiresAt = &expires
	a.UpdatedAt = r.now()
	st.awaitings[d.ID] = a
	return true, nil
}

func (r *repo) AppendAwaitingReason(_ context.Context, id uuid.UUID, reason storage.Reason) error {
	defer r.lock()()
	st := r.st()
	a, ok := st.awaitings[id]
	if !ok {
		return notFound("awaiting", id)
	}
	a.Metadata = append(slices.Clone(a.Metadata), reason)
	a.UpdatedAt = r.now()
	st.awaitings[id] = a
	return nil
}

func (r *repo) InsertPostDetails(_ context.Context, p *storage.PostDetails) error {
	defer r.lock()()
	st := r.st()
	if _, exists := st.posts[p.AwaitingID]; exists {
		return duplicate("post details for awaiting", p.AwaitingID)
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = storage.InstructionPending
	}
	now := r.now()
	p.CreatedAt, p.UpdatedAt = now, now
	st.posts[p.AwaitingID] = *p
	return nil
}

func (r *repo) GetPostDetails(_ context.Context, awaitingID uuid.UUID) (storage.PostDetails, error) {
	defer r.lock()()
	p, ok := r.st().posts[awaitingID]
	if !ok {
		return storage.PostDetails{}, notFound("post details for awaiting", awaitingID)
	}
	return p, nil
}

func (r *repo) TransitionPostDetails(_ context.Context, awaitingID uuid.UUID, from []storage.InstructionStatus, to storage.InstructionStatus, payoutRef string) (bool, error) {
	defer r.lock()()
	st := r.st()
	p, ok := st.posts[awaitingID]
	if !ok || !slices.Contains(from, p.Status) {
		return false, nil
	}
	p.Status = to
	if payoutRef != "" {
		p.PayoutReference = payoutRef
	}
	p.UpdatedAt = r.now()
	st.posts[awaitingID] = p
	return true, nil
}

func (r *repo) CreateWallet(_ context.Context, w *storage.Wallet) error {
	defer r.lock()()
	st := r.st()
	w.Currency = strings.ToUpper(w.Currency)
	for _, existing := range st.wallets {
		if existing.UserID == w.UserID && existing.Currency == w.Currency {
			return duplicate("wallet", w.Currency)
		}
		if w.Address != "" && existing.Address == w.Address {
			return duplicate("wallet address", w.Address)
		}
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := r.now()
	w.CreatedAt, w.UpdatedAt = now, now
	st.wallets[w.ID] = *w
	return nil
}

func (r *repo) GetWallet(_ context.Context, id uuid.UUID) (storage.Wallet, error) {
	defer r.lock()()
	w, ok := r.st().wallets[id]
	if !ok {
		return storage.Wallet{}, notFound("wallet", id)
	}
	return w, nil
}

func (r *repo) GetWalletForUpdate(ctx context.Context, id uuid.UUID) (storage.Wallet, error) {
	return r.GetWallet(ctx, id)
}

func (r *repo) FindWallet(_ context.Context, userID uuid.UUID, currency string) (storage.Wallet, error) {
	defer r.lock()()
	currency = strings.ToUpper(currency)
	for _, w := range r.st().wallets {
		if w.UserID == userID && w.Currency == currency {
			return w, nil
		}
	}
	return storage.Wallet{}, notFound("wallet", currency)
}

func (r *repo) FindWalletByAddress(_ context.Context, address string) (storage.Wallet, error) {
	defer r.lock()()
	for _, w := range r.st().wallets {
		if address != "" && w.Address == address {
			return w, nil
		}
	}
	return storage.Wallet{}, notFound("wallet with address", address)
}

func (r *repo) SetWalletAddress(_ context.Context, id uuid.UUID, address string) error {
	defer r.lock()()
	st := r.st()
	w, ok := st.wallets[id]
	if !ok {
		return notFound("wallet", id)
	}
	for otherID, other := range st.wallets {
		if otherID != id && address != "" && other.Address == address {
			return duplicate("wallet address", address)
		}
	}
	w.Address = address
	w.UpdatedAt = r.now()
	st.wallets[id] = w
	return nil
}

func (r *repo) UpdateWalletBalances(_ context.Context, id uuid.UUID, available, account decimal.Decimal) error {
	defer r.lock()()
	st := r.st()
	w, ok := st.wallets[id]
	if !ok {
		return notFound("wallet", id)
	}
	w.AvailableBalance, w.AccountBalance = available, account
	w.UpdatedAt = r.now()
	st.wallets[id] = w
	return nil
}

func (r *repo) UpdateWalletChainBalance(_ context.Context, id uuid.UUID, balance decimal.Decimal) error {
	defer r.lock()()
	st := r.st()
	w, ok := st.wallets[id]
	if !ok {
		return notFound("wallet", id)
	}
	w.LastChainBalance = balance
	w.UpdatedAt = r.now()
	st.wallets[id] = w
	return nil
}

func (r *repo) InsertBlock(_ context.Context, b *storage.Block) error {
	defer r.lock()()
	st := r.st()
	if _, ok := st.wallets[b.WalletID]; !ok {
		return fmt.Errorf("block references missing wallet %s", b.WalletID)
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := r.now()
	b.CreatedAt, b.UpdatedAt = now, now
	st.blocks[b.ID] = *b
	return nil
}

func (r *repo) GetBlockForUpdate(_ context.Context, id uuid.UUID) (storage.Block, error) {
	defer r.lock()()
	b, ok := r.st().blocks[id]
	if !ok {
		return storage.Block{}, notFound("block", id)
	}
	return b, nil
}

func (r *repo) UpdateBlock(_ context.Context, id uuid.UUID, amount decimal.Decimal, active bool) error {
	defer r.lock()()
	st := r.st()
	b, ok := st.blocks[id]
	if !ok {
		return notFound("block", id)
	}
	b.Amount, b.Active = amount, active
	b.UpdatedAt = r.now()
	st.blocks[id] = b
	return nil
}

func (r *repo) InsertTransaction(_ context.Context, t *storage.Transaction) error {
	defer r.lock()()
	st := r.st()
	if _, exists := st.transactions[t.Reference]; exists {
		return duplicate("transaction reference", t.Reference)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = r.now()
	st.transactions[t.Reference] = *t
	return nil
}

func (r *repo) FindTransactionByReference(_ context.Context, reference string) (storage.Transaction, error) {
	defer r.lock()()
	t, ok := r.st().transactions[reference]
	if !ok {
		return storage.Transaction{}, notFound("transaction", reference)
	}
	return t, nil
}

func (r *repo) InsertFillLog(_ context.Context, f *storage.FillLog) error {
	defer r.lock()()
	st := r.st()
	if _, exists := st.fills[f.AwaitingID]; exists {
		return duplicate("fill for awaiting", f.AwaitingID)
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.CreatedAt = r.now()
	st.fills[f.AwaitingID] = *f
	return nil
}

func (r *repo) GetFillLog(_ context.Context, awaitingID uuid.UUID) (storage.FillLog, error) {
	defer r.lock()()
	f, ok := r.st().fills[awaitingID]
	if !ok {
		return storage.FillLog{}, notFound("fill for awaiting", awaitingID)
	}
	return f, nil
}

func (r *repo) FindCounterparty(_ context.Context, email, phone string) (storage.Counterparty, error) {
	defer r.lock()()
	email = strings.ToLower(strings.TrimSpace(email))
	phone = strings.TrimSpace(phone)
	var (
		found storage.Counterparty
		ok    bool
	)
	for _, c := range r.st().counterparties {
		if (email != "" && c.Email == email) || (phone != "" && c.Phone == phone) {
			if !ok || c.CreatedAt.After(found.CreatedAt) {
				found, ok = c, true
			}
		}
	}
	if !ok {
		return storage.Counterparty{}, notFound("counterparty", email+phone)
	}
	return found, nil
}

func (r *repo) InsertCounterparty(_ context.Context, c *storage.Counterparty) error {
	defer r.lock()()
	st := r.st()
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	for _, existing := range st.counterparties {
		if (c.Email != "" && existing.Email == c.Email) || (c.Phone != "" && existing.Phone == c.Phone) {
			return duplicate("counterparty", c.Email+c.Phone)
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := r.now()
	c.CreatedAt, c.UpdatedAt = now, now
	st.counterparties[c.ID] = *c
	return nil
}

func (r *repo) SaveCounterparty(_ context.Context, c storage.Counterparty) error {
	defer r.lock()()
	st := r.st()
	existing, ok := st.counterparties[c.ID]
	if !ok {
		return notFound("counterparty", c.ID)
	}
	existing.PINHash = c.PINHash
	existing.FailedAttempts = c.FailedAttempts
	existing.LockedUntil = c.LockedUntil
	existing.Temporary = c.Temporary
	existing.ExpiresAt = c.ExpiresAt
	existing.Active = c.Active
	existing.UpdatedAt = r.now()
	st.counterparties[c.ID] = existing
	return nil
}

func (r *repo) RecordPINFailure(_ context.Context, id uuid.UUID, now time.Time, maxFailures int, lockUntil time.Time) (int, *time.Time, error) {
	defer r.lock()()
	st := r.st()
	c, ok := st.counterparties[id]
	if !ok {
		return 0, nil, notFound("counterparty", id)
	}
	if c.LockedUntil != nil && now.Before(*c.LockedUntil) {
		return c.FailedAttempts, c.LockedUntil, nil
	}
	c.FailedAttempts++
	if c.FailedAttempts >= maxFailures {
		until := lockUntil
		c.LockedUntil = &until
		c.FailedAttempts = 0
	}
	c.UpdatedAt = r.now()
	st.counterparties[id] = c
	return c.FailedAttempts, c.LockedUntil, nil
}

func (r *repo) ClearPINFailures(_ context.Context, id uuid.UUID) error {
	defer r.lock()()
	st := r.st()
	c, ok := st.counterparties[id]
	if !ok || (c.FailedAttempts == 0 && c.LockedUntil == nil) {
		return nil
	}
	c.FailedAttempts = 0
	c.LockedUntil = nil
	c.UpdatedAt = r.now()
	st.counterparties[id] = c
	return nil
}

func (r *repo) DeactivateCounterparty(_ context.Context, id uuid.UUID) error {
	defer r.lock()()
	st := r.st()
	c, ok := st.counterparties[id]
	if !ok {
		return nil
	}
	c.Active = false
	c.UpdatedAt = r.now()
	st.counterparties[id] = c
	return nil
}
