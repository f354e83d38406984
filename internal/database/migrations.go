package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{1, "accounts", `
		CREATE TABLE IF NOT EXISTS accounts (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			full_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			lifetime_used BIGINT NOT NULL DEFAULT 0,
			plan TEXT NOT NULL DEFAULT 'free',
			subscription_active BOOLEAN NOT NULL DEFAULT FALSE,
			referral_code TEXT NOT NULL UNIQUE,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{2, "ledger_entries", `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			seq BIGSERIAL UNIQUE,
			id UUID PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES accounts(id),
			kind TEXT NOT NULL CHECK (kind IN ('reserve', 'commit', 'refund', 'topup', 'adjustment')),
			amount BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			job_id UUID,
			payment_ref TEXT,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries (account_id, seq DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_job_kind ON ledger_entries (job_id, kind) WHERE job_id IS NOT NULL`},
	{3, "jobs", `
		CREATE TABLE IF NOT EXISTS jobs (
			id UUID PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES accounts(id),
			tool TEXT NOT NULL,
			cost BIGINT NOT NULL CHECK (cost > 0),
			state TEXT NOT NULL CHECK (state IN ('processing', 'success', 'failed')),
			params JSONB NOT NULL DEFAULT '{}'::jsonb,
			input_ref TEXT NOT NULL DEFAULT '',
			output_ref TEXT,
			provider_handle TEXT,
			failure_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_account_created ON jobs (account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_jobs_processing ON jobs (created_at) WHERE state = 'processing'`},
	{4, "payments", `
		CREATE TABLE IF NOT EXISTS payments (
			reference TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			account_id UUID NOT NULL REFERENCES accounts(id),
			plan TEXT NOT NULL,
			credits BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{5, "event_outbox", `
		CREATE TABLE IF NOT EXISTS event_outbox (
			id BIGSERIAL PRIMARY KEY,
			topic TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processing_started_at TIMESTAMPTZ,
			published_at TIMESTAMPTZ,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_event_outbox_claim ON event_outbox (status, next_attempt_at, created_at)`},
	{6, "manual_reconciliations", `
		CREATE TABLE IF NOT EXISTS manual_reconciliations (
			job_id UUID PRIMARY KEY REFERENCES jobs(id),
			account_id UUID NOT NULL REFERENCES accounts(id),
			amount BIGINT NOT NULL,
			reason TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMPTZ
		)`},
	{7, "payment_orders", `
		CREATE TABLE IF NOT EXISTS payment_orders (
			order_id TEXT PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES accounts(id),
			plan TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			credits BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_order ON payments (order_id) WHERE order_id <> ''`},
	{8, "manual_reconciliations_unknown_account", `
		ALTER TABLE manual_reconciliations ALTER COLUMN account_id DROP NOT NULL`},
}

// Migrate applies every migration newer than the recorded schema version.
// Each migration runs in its own transaction.
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return applied, err
		}
		log.Printf("[DB] Applied migration %d_%s", m.version, m.name)
		applied++
	}
	return applied, nil
}

func apply(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("migration %d_%s: %w", m.version, m.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
		return err
	}
	return tx.Commit()
}

// LatestVersion is the schema version after all migrations are applied
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}
