package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS pairs (
		id UUID PRIMARY KEY,
		base_currency TEXT NOT NULL,
		quote_currency TEXT NOT NULL,
		UNIQUE (base_currency, quote_currency)
	)`,
	`CREATE TABLE IF NOT EXISTS counterparties (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		pin_hash TEXT NOT NULL DEFAULT '',
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		locked_until TIMESTAMPTZ,
		temporary BOOLEAN NOT NULL DEFAULT true,
		expires_at TIMESTAMPTZ,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS counterparties_email_key ON counterparties (email) WHERE email <> ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS counterparties_phone_key ON counterparties (phone) WHERE phone <> ''`,
	`CREATE TABLE IF NOT EXISTS wallets (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		currency TEXT NOT NULL,
		available_balance NUMERIC(38,18) NOT NULL DEFAULT 0,
		account_balance NUMERIC(38,18) NOT NULL DEFAULT 0,
		address TEXT UNIQUE,
		last_chain_balance NUMERIC(38,18) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, currency)
	)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		id UUID PRIMARY KEY,
		wallet_id UUID NOT NULL REFERENCES wallets (id),
		amount NUMERIC(38,18) NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		reference TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		pair_id UUID NOT NULL REFERENCES pairs (id),
		side TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
		price NUMERIC(38,18) NOT NULL CHECK (price > 0),
		amount NUMERIC(38,18) NOT NULL CHECK (amount > 0),
		amount_processed NUMERIC(38,18) NOT NULL DEFAULT 0,
		amount_reserved NUMERIC(38,18) NOT NULL DEFAULT 0 CHECK (amount_reserved >= 0),
		amount_minimum NUMERIC(38,18) NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		block_id UUID REFERENCES blocks (id),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (amount_processed + amount_reserved <= amount)
	)`,
	`CREATE TABLE IF NOT EXISTS awaitings (
		id UUID PRIMARY KEY,
		order_id UUID NOT NULL REFERENCES orders (id),
		user_id UUID,
		amount NUMERIC(38,18) NOT NULL CHECK (amount > 0),
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		wallet_id UUID REFERENCES wallets (id),
		trigger_address TEXT,
		payment_reference TEXT,
		expires_at TIMESTAMPTZ,
		released_at TIMESTAMPTZ,
		metadata JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS awaitings_order_held_idx ON awaitings (order_id) WHERE released_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS awaitings_payment_reference_idx ON awaitings (payment_reference)`,
	`CREATE INDEX IF NOT EXISTS awaitings_trigger_address_idx ON awaitings (trigger_address)`,
	`CREATE TABLE IF NOT EXISTS post_details (
		id UUID PRIMARY KEY,
		awaiting_id UUID NOT NULL UNIQUE REFERENCES awaitings (id),
		kind TEXT NOT NULL,
		currency TEXT NOT NULL,
		account_number TEXT NOT NULL DEFAULT '',
		bank_code TEXT NOT NULL DEFAULT '',
		account_name TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		network TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		payout_reference TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id UUID PRIMARY KEY,
		wallet_id UUID NOT NULL REFERENCES wallets (id),
		type TEXT NOT NULL,
		amount NUMERIC(38,18) NOT NULL,
		currency TEXT NOT NULL,
		reference TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fill_logs (
		id UUID PRIMARY KEY,
		order_id UUID NOT NULL REFERENCES orders (id),
		awaiting_id UUID NOT NULL UNIQUE REFERENCES awaitings (id),
		side TEXT NOT NULL,
		base_amount NUMERIC(38,18) NOT NULL,
		quote_amount NUMERIC(38,18) NOT NULL,
		rate NUMERIC(38,18) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the settlement tables when they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
