package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries implements Repository over a pool or a transaction.
type Queries struct {
	db dbtx
}

type Postgres struct {
	*Queries
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{
		Queries: &Queries{db: pool},
		pool:    pool,
		logger:  logger.With("component", "storage"),
	}
}

func (s *Postgres) InTx(ctx context.Context, opts TxOptions, fn func(Repository) error) error {
	if opts.Isolation == "" {
		opts.Isolation = ReadCommitted
	}

	acquireCtx := ctx
	if opts.MaxWait > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, opts.MaxWait)
		defer cancel()
	}
	conn, err := s.pool.Acquire(acquireCtx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.TxIsoLevel(opts.Isolation)})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if opts.Timeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", opts.Timeout.Milliseconds())); err != nil {
			return err
		}
	}

	if err := fn(&Queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

const orderColumns = `id, user_id, pair_id, side, price::text, amount::text, amount_processed::text,
	amount_reserved::text, amount_minimum::text, status, version, block_id, created_at, updated_at`

const awaitingColumns = `id, order_id, user_id, amount::text, currency, status, wallet_id, trigger_address,
	payment_reference, expires_at, released_at, metadata, created_at, updated_at`

const walletColumns = `id, user_id, currency, available_balance::text, account_balance::text, address,
	last_chain_balance::text, created_at, updated_at`

const postDetailsColumns = `id, awaiting_id, kind, currency, account_number, bank_code, account_name, address,
	network, status, payout_reference, created_at, updated_at`

const counterpartyColumns = `id, email, phone, pin_hash, failed_attempts, locked_until, temporary, expires_at,
	active, created_at, updated_at`

func (q *Queries) GetPair(ctx context.Context, id uuid.UUID) (Pair, error) {
	var p Pair
	err := q.db.QueryRow(ctx, `SELECT id, base_currency, quote_currency FROM pairs WHERE id = $1`, id).
		Scan(&p.ID, &p.Base, &p.Quote)
	if err != nil {
		return Pair{}, notFound(err, "pair")
	}
	return p, nil
}

func (q *Queries) CreatePair(ctx context.Context, p *Pair) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := q.db.Exec(ctx, `INSERT INTO pairs (id, base_currency, quote_currency) VALUES ($1, $2, $3)`,
		p.ID, strings.ToUpper(p.Base), strings.ToUpper(p.Quote))
	return mapWriteErr(err)
}

func (q *Queries) CreateOrder(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	if o.Status == "" {
		o.Status = OrderOpen
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO orders (id, user_id, pair_id, side, price, amount, amount_processed, amount_reserved,
			amount_minimum, status, version, block_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10, $11, $12, $13, $13)
	`, o.ID, o.UserID, o.PairID, string(o.Side), o.Price.String(), o.Amount.String(), o.AmountProcessed.String(),
		o.AmountReserved.String(), o.AmountMinimum.String(), string(o.Status), o.Version, o.BlockID, now)
	return mapWriteErr(err)
}

func (q *Queries) GetOrder(ctx context.Context, id uuid.UUID) (Order, error) {
	row := q.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		return Order{}, notFound(err, "order")
	}
	return o, nil
}

func (q *Queries) ReserveOrderCapacity(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE orders
		SET amount_reserved = amount_reserved + $2::numeric, version = version + 1, updated_at = $3
		WHERE id = $1
		  AND status = 'OPEN'
		  AND amount - amount_processed - amount_reserved >= $2::numeric
	`, id, amount.String(), time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) ReleaseOrderCapacity(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE orders
		SET amount_reserved = GREATEST(amount_reserved - $2::numeric, 0), version = version + 1, updated_at = $3
		WHERE id = $1
	`, id, amount.String(), time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) UpdateOrderProgress(ctx context.Context, p OrderProgress) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE orders
		SET amount_processed = $3::numeric, amount_reserved = $4::numeric, status = $5,
			version = version + 1, updated_at = $6
		WHERE id = $1 AND version = $2
	`, p.ID, p.ExpectedVersion, p.AmountProcessed.String(), p.AmountReserved.String(), string(p.Status), time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) CancelOrder(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE orders
		SET status = 'CANCELED', version = version + 1, updated_at = $2
		WHERE id = $1
		  AND status = 'OPEN'
		  AND NOT EXISTS (
			SELECT 1 FROM awaitings
			WHERE order_id = $1 AND released_at IS NULL AND status = ANY($3::text[])
		  )
	`, id, time.Now().UTC(), statusStrings(HeldStatuses))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) InsertAwaiting(ctx context.Context, a *Awaiting) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.Status == "" {
		a.Status = AwaitingPending
	}
	meta, err := marshalReasons(a.Metadata)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO awaitings (id, order_id, user_id, amount, currency, status, wallet_id, trigger_address,
			payment_reference, expires_at, released_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $13)
	`, a.ID, a.OrderID, a.UserID, a.Amount.String(), a.Currency, string(a.Status), a.WalletID,
		nullString(a.TriggerAddress), nullString(a.PaymentReference), a.ExpiresAt, a.ReleasedAt, meta, now)
	return mapWriteErr(err)
}

func (q *Queries) GetAwaiting(ctx context.Context, id uuid.UUID) (Awaiting, error) {
	a, err := scanAwaiting(q.db.QueryRow(ctx, `SELECT `+awaitingColumns+` FROM awaitings WHERE id = $1`, id))
	if err != nil {
		return Awaiting{}, notFound(err, "awaiting")
	}
	return a, nil
}

func (q *Queries) ListHeldAwaitings(ctx context.Context, orderID uuid.UUID) ([]Awaiting, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+awaitingColumns+`
		FROM awaitings
		WHERE order_id = $1 AND released_at IS NULL AND status = ANY($2::text[])
		ORDER BY created_at
	`, orderID, statusStrings(HeldStatuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Awaiting
	for rows.Next() {
		a, err := scanAwaiting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q *Queries) FindAwaitingByPaymentReference(ctx context.Context, reference string) (Awaiting, error) {
	a, err := scanAwaiting(q.db.QueryRow(ctx, `
		SELECT `+awaitingColumns+` FROM awaitings WHERE payment_reference = $1
		ORDER BY created_at DESC LIMIT 1
	`, reference))
	if err != nil {
		return Awaiting{}, notFound(err, "awaiting")
	}
	return a, nil
}

func (q *Queries) FindAwaitingByTriggerAddress(ctx context.Context, address string) (Awaiting, error) {
	a, err := scanAwaiting(q.db.QueryRow(ctx, `
		SELECT `+awaitingColumns+` FROM awaitings WHERE trigger_address = $1
		ORDER BY created_at DESC LIMIT 1
	`, address))
	if err != nil {
		return Awaiting{}, notFound(err, "awaiting")
	}
	return a, nil
}

func (q *Queries) MarkAwaitingReleased(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE awaitings SET released_at = $2, updated_at = $2
		WHERE id = $1 AND released_at IS NULL AND status = ANY($3::text[])
	`, id, time.Now().UTC(), statusStrings(HeldStatuses))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) TransitionAwaiting(ctx context.Context, t AwaitingTransition) (bool, error) {
	var reasons []Reason
	if t.Reason != nil {
		reasons = append(reasons, *t.Reason)
	}
	meta, err := marshalReasons(reasons)
	if err != nil {
		return false, err
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE awaitings
		SET status = $2,
			metadata = COALESCE(metadata, '[]'::jsonb) || $3::jsonb,
			released_at = CASE WHEN $4::boolean THEN COALESCE(released_at, $7) ELSE released_at END,
			updated_at = $7
		WHERE id = $1
		  AND status = ANY($5::text[])
		  AND (NOT $6::boolean OR released_at IS NULL)
	`, t.ID, string(t.To), meta, t.Release, statusStrings(t.From), t.RequireHeld, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) UpdateAwaitingDetails(ctx context.Context, d AwaitingDetails) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE awaitings
		SET user_id = $2, wallet_id = $3, trigger_address = $4, payment_reference = $5,
			expires_at = $6, updated_at = $7
		WHERE id = $1 AND status = 'PENDING'
	`, d.ID, d.UserID, d.WalletID, nullString(d.TriggerAddress), nullString(d.PaymentReference), d.ExpiresAt, time.Now().UTC())
	if err != nil {
		return false, mapWriteErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) AppendAwaitingReason(ctx context.Context, id uuid.UUID, r Reason) error {
	meta, err := marshalReasons([]Reason{r})
	if err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE awaitings SET metadata = COALESCE(metadata, '[]'::jsonb) || $2::jsonb, updated_at = $3
		WHERE id = $1
	`, id, meta, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("awaiting %s: %w", id, ErrNotFound)
	}
	return nil
}

func (q *Queries) InsertPostDetails(ctx context.Context, p *PostDetails) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Status == "" {
		p.Status = InstructionPending
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO post_details (id, awaiting_id, kind, currency, account_number, bank_code, account_name,
			address, network, status, payout_reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, p.ID, p.AwaitingID, string(p.Kind), p.Currency, p.AccountNumber, p.BankCode, p.AccountName,
		p.Address, p.Network, string(p.Status), p.PayoutReference, now)
	return mapWriteErr(err)
}

func (q *Queries) GetPostDetails(ctx context.Context, awaitingID uuid.UUID) (PostDetails, error) {
	var p PostDetails
	var kind, status string
	err := q.db.QueryRow(ctx, `SELECT `+postDetailsColumns+` FROM post_details WHERE awaiting_id = $1`, awaitingID).
		Scan(&p.ID, &p.AwaitingID, &kind, &p.Currency, &p.AccountNumber, &p.BankCode, &p.AccountName,
			&p.Address, &p.Network, &status, &p.PayoutReference, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return PostDetails{}, notFound(err, "post details")
	}
	p.Kind = PayoutKind(kind)
	p.Status = InstructionStatus(status)
	return p, nil
}

func (q *Queries) TransitionPostDetails(ctx context.Context, awaitingID uuid.UUID, from []InstructionStatus, to InstructionStatus, payoutRef string) (bool, error) {
	fromStrings := make([]string, len(from))
	for i, s := range from {
		fromStrings[i] = string(s)
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE post_details
		SET status = $2, payout_reference = COALESCE(NULLIF($3, ''), payout_reference), updated_at = $4
		WHERE awaiting_id = $1 AND status = ANY($5::text[])
	`, awaitingID, string(to), payoutRef, time.Now().UTC(), fromStrings)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) CreateWallet(ctx context.Context, w *Wallet) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	w.Currency = strings.ToUpper(w.Currency)
	return q.insertOnce(ctx, "wallet", `
		INSERT INTO wallets (id, user_id, currency, available_balance, account_balance, address,
			last_chain_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7::numeric, $8, $8)
		ON CONFLICT DO NOTHING
	`, w.ID, w.UserID, w.Currency, w.AvailableBalance.String(), w.AccountBalance.String(),
		nullString(w.Address), w.LastChainBalance.String(), now)
}

func (q *Queries) GetWallet(ctx context.Context, id uuid.UUID) (Wallet, error) {
	w, err := scanWallet(q.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if err != nil {
		return Wallet{}, notFound(err, "wallet")
	}
	return w, nil
}

func (q *Queries) GetWalletForUpdate(ctx context.Context, id uuid.UUID) (Wallet, error) {
	w, err := scanWallet(q.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Wallet{}, notFound(err, "wallet")
	}
	return w, nil
}

func (q *Queries) FindWallet(ctx context.Context, userID uuid.UUID, currency string) (Wallet, error) {
	w, err := scanWallet(q.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 AND currency = $2`,
		userID, strings.ToUpper(currency)))
	if err != nil {
		return Wallet{}, notFound(err, "wallet")
	}
	return w, nil
}

func (q *Queries) FindWalletByAddress(ctx context.Context, address string) (Wallet, error) {
	w, err := scanWallet(q.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE address = $1`, address))
	if err != nil {
		return Wallet{}, notFound(err, "wallet")
	}
	return w, nil
}

func (q *Queries) SetWalletAddress(ctx context.Context, id uuid.UUID, address string) error {
	_, err := q.db.Exec(ctx, `UPDATE wallets SET address = $2, updated_at = $3 WHERE id = $1`, id, address, time.Now().UTC())
	return mapWriteErr(err)
}

func (q *Queries) UpdateWalletBalances(ctx context.Context, id uuid.UUID, available, account decimal.Decimal) error {
	_, err := q.db.Exec(ctx, `
		UPDATE wallets SET available_balance = $2::numeric, account_balance = $3::numeric, updated_at = $4
		WHERE id = $1
	`, id, available.String(), account.String(), time.Now().UTC())
	return err
}

func (q *Queries) UpdateWalletChainBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error {
	_, err := q.db.Exec(ctx, `UPDATE wallets SET last_chain_balance = $2::numeric, updated_at = $3 WHERE id = $1`,
		id, balance.String(), time.Now().UTC())
	return err
}

func (q *Queries) InsertBlock(ctx context.Context, b *Block) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	_, err := q.db.Exec(ctx, `
		INSERT INTO blocks (id, wallet_id, amount, active, reference, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $6)
	`, b.ID, b.WalletID, b.Amount.String(), b.Active, b.Reference, now)
	return mapWriteErr(err)
}

func (q *Queries) GetBlockForUpdate(ctx context.Context, id uuid.UUID) (Block, error) {
	var b Block
	var amount string
	err := q.db.QueryRow(ctx, `
		SELECT id, wallet_id, amount::text, active, reference, created_at, updated_at
		FROM blocks WHERE id = $1 FOR UPDATE
	`, id).Scan(&b.ID, &b.WalletID, &amount, &b.Active, &b.Reference, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return Block{}, notFound(err, "block")
	}
	if b.Amount, err = parseDecimal("block amount", amount); err != nil {
		return Block{}, err
	}
	return b, nil
}

func (q *Queries) UpdateBlock(ctx context.Context, id uuid.UUID, amount decimal.Decimal, active bool) error {
	_, err := q.db.Exec(ctx, `UPDATE blocks SET amount = $2::numeric, active = $3, updated_at = $4 WHERE id = $1`,
		id, amount.String(), active, time.Now().UTC())
	return err
}

func (q *Queries) InsertTransaction(ctx context.Context, t *Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now().UTC()
	return q.insertOnce(ctx, "transaction "+t.Reference, `
		INSERT INTO transactions (id, wallet_id, type, amount, currency, reference, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
		ON CONFLICT DO NOTHING
	`, t.ID, t.WalletID, string(t.Type), t.Amount.String(), t.Currency, t.Reference, t.CreatedAt)
}

func (q *Queries) FindTransactionByReference(ctx context.Context, reference string) (Transaction, error) {
	var t Transaction
	var typ, amount string
	err := q.db.QueryRow(ctx, `
		SELECT id, wallet_id, type, amount::text, currency, reference, created_at
		FROM transactions WHERE reference = $1
	`, reference).Scan(&t.ID, &t.WalletID, &typ, &amount, &t.Currency, &t.Reference, &t.CreatedAt)
	if err != nil {
		return Transaction{}, notFound(err, "transaction")
	}
	t.Type = TransactionType(typ)
	if t.Amount, err = parseDecimal("transaction amount", amount); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

func (q *Queries) InsertFillLog(ctx context.Context, f *FillLog) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.CreatedAt = time.Now().UTC()
	return q.insertOnce(ctx, "fill log", `
		INSERT INTO fill_logs (id, order_id, awaiting_id, side, base_amount, quote_amount, rate, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8)
		ON CONFLICT DO NOTHING
	`, f.ID, f.OrderID, f.AwaitingID, string(f.Side), f.BaseAmount.String(), f.QuoteAmount.String(), f.Rate.String(), f.CreatedAt)
}

func (q *Queries) GetFillLog(ctx context.Context, awaitingID uuid.UUID) (FillLog, error) {
	var f FillLog
	var side, base, quote, rate string
	err := q.db.QueryRow(ctx, `
		SELECT id, order_id, awaiting_id, side, base_amount::text, quote_amount::text, rate::text, created_at
		FROM fill_logs WHERE awaiting_id = $1
	`, awaitingID).Scan(&f.ID, &f.OrderID, &f.AwaitingID, &side, &base, &quote, &rate, &f.CreatedAt)
	if err != nil {
		return FillLog{}, notFound(err, "fill log")
	}
	f.Side = OrderSide(side)
	if f.BaseAmount, err = parseDecimal("base amount", base); err != nil {
		return FillLog{}, err
	}
	if f.QuoteAmount, err = parseDecimal("quote amount", quote); err != nil {
		return FillLog{}, err
	}
	if f.Rate, err = parseDecimal("rate", rate); err != nil {
		return FillLog{}, err
	}
	return f, nil
}

func (q *Queries) FindCounterparty(ctx context.Context, email, phone string) (Counterparty, error) {
	var c Counterparty
	err := q.db.QueryRow(ctx, `
		SELECT `+counterpartyColumns+` FROM counterparties
		WHERE ($1 <> '' AND email = $1) OR ($2 <> '' AND phone = $2)
		ORDER BY created_at DESC LIMIT 1
	`, strings.ToLower(strings.TrimSpace(email)), strings.TrimSpace(phone)).
		Scan(&c.ID, &c.Email, &c.Phone, &c.PINHash, &c.FailedAttempts, &c.LockedUntil, &c.Temporary,
			&c.ExpiresAt, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Counterparty{}, notFound(err, "counterparty")
	}
	return c, nil
}

func (q *Queries) InsertCounterparty(ctx context.Context, c *Counterparty) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	return q.insertOnce(ctx, "counterparty", `
		INSERT INTO counterparties (id, email, phone, pin_hash, failed_attempts, locked_until, temporary,
			expires_at, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT DO NOTHING
	`, c.ID, c.Email, c.Phone, c.PINHash, c.FailedAttempts, c.LockedUntil, c.Temporary, c.ExpiresAt, c.Active, now)
}

func (q *Queries) SaveCounterparty(ctx context.Context, c Counterparty) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE counterparties
		SET pin_hash = $2, failed_attempts = $3, locked_until = $4, temporary = $5, expires_at = $6,
			active = $7, updated_at = $8
		WHERE id = $1
	`, c.ID, c.PINHash, c.FailedAttempts, c.LockedUntil, c.Temporary, c.ExpiresAt, c.Active, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("counterparty %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (q *Queries) RecordPINFailure(ctx context.Context, id uuid.UUID, now time.Time, maxFailures int, lockUntil time.Time) (int, *time.Time, error) {
	var attempts int
	var locked *time.Time
	err := q.db.QueryRow(ctx, `
		UPDATE counterparties SET
			failed_attempts = CASE
				WHEN locked_until > $2 THEN failed_attempts
				WHEN failed_attempts + 1 >= $3 THEN 0
				ELSE failed_attempts + 1 END,
			locked_until = CASE
				WHEN locked_until > $2 THEN locked_until
				WHEN failed_attempts + 1 >= $3 THEN $4::timestamptz
				ELSE locked_until END,
			updated_at = $2
		WHERE id = $1
		RETURNING failed_attempts, locked_until
	`, id, now.UTC(), maxFailures, lockUntil.UTC()).Scan(&attempts, &locked)
	if err != nil {
		return 0, nil, notFound(err, "counterparty")
	}
	return attempts, locked, nil
}

func (q *Queries) ClearPINFailures(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
		UPDATE counterparties SET failed_attempts = 0, locked_until = NULL, updated_at = $2
		WHERE id = $1 AND (failed_attempts <> 0 OR locked_until IS NOT NULL)
	`, id, time.Now().UTC())
	return err
}

func (q *Queries) DeactivateCounterparty(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE counterparties SET active = false, updated_at = $2 WHERE id = $1`, id, time.Now().UTC())
	return err
}

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var side, status, price, amount, processed, reserved, minimum string
	if err := row.Scan(&o.ID, &o.UserID, &o.PairID, &side, &price, &amount, &processed, &reserved, &minimum,
		&status, &o.Version, &o.BlockID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, err
	}
	o.Side = OrderSide(side)
	o.Status = OrderStatus(status)

	var err error
	if o.Price, err = parseDecimal("price", price); err != nil {
		return Order{}, err
	}
	if o.Amount, err = parseDecimal("amount", amount); err != nil {
		return Order{}, err
	}
	if o.AmountProcessed, err = parseDecimal("amount_processed", processed); err != nil {
		return Order{}, err
	}
	if o.AmountReserved, err = parseDecimal("amount_reserved", reserved); err != nil {
		return Order{}, err
	}
	if o.AmountMinimum, err = parseDecimal("amount_minimum", minimum); err != nil {
		return Order{}, err
	}
	return o, nil
}

func scanAwaiting(row pgx.Row) (Awaiting, error) {
	var a Awaiting
	var amount, status string
	var trigger, reference *string
	var meta []byte
	if err := row.Scan(&a.ID, &a.OrderID, &a.UserID, &amount, &a.Currency, &status, &a.WalletID, &trigger,
		&reference, &a.ExpiresAt, &a.ReleasedAt, &meta, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Awaiting{}, err
	}
	a.Status = AwaitingStatus(status)
	if trigger != nil {
		a.TriggerAddress = *trigger
	}
	if reference != nil {
		a.PaymentReference = *reference
	}

	var err error
	if a.Amount, err = parseDecimal("awaiting amount", amount); err != nil {
		return Awaiting{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return Awaiting{}, fmt.Errorf("decode awaiting metadata: %w", err)
		}
	}
	return a, nil
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	var available, account, chain string
	var address *string
	if err := row.Scan(&w.ID, &w.UserID, &w.Currency, &available, &account, &address, &chain,
		&w.CreatedAt, &w.UpdatedAt); err != nil {
		return Wallet{}, err
	}
	if address != nil {
		w.Address = *address
	}

	var err error
	if w.AvailableBalance, err = parseDecimal("available_balance", available); err != nil {
		return Wallet{}, err
	}
	if w.AccountBalance, err = parseDecimal("account_balance", account); err != nil {
		return Wallet{}, err
	}
	if w.LastChainBalance, err = parseDecimal("last_chain_balance", chain); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func marshalReasons(reasons []Reason) (string, error) {
	if len(reasons) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(reasons)
	if err != nil {
		return "", fmt.Errorf("encode reasons: %w", err)
	}
	return string(raw), nil
}

func statusStrings(statuses []AwaitingStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// insertOnce runs an INSERT ... ON CONFLICT DO NOTHING and reports a skipped
// row as ErrDuplicate. A unique violation would abort the surrounding
// transaction; a skipped row leaves it usable.
func (q *Queries) insertOnce(ctx context.Context, what, sql string, args ...any) error {
	tag, err := q.db.Exec(ctx, sql, args...)
	if err != nil {
		return mapWriteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, what)
	}
	return nil
}

func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
