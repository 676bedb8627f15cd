// Package migrations holds the database schema as ordered idempotent
// statements applied at startup.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS app_users (
		id BIGINT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		main_balance BIGINT NOT NULL DEFAULT 0,
		bonus_balance BIGINT NOT NULL DEFAULT 0,
		total_generated_kwh BIGINT NOT NULL DEFAULT 0,
		today_generated_kwh BIGINT NOT NULL DEFAULT 0,
		available_kwh BIGINT NOT NULL DEFAULT 0,
		referral_bonus_earned BIGINT NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		vip BOOLEAN NOT NULL DEFAULT FALSE,
		vip_checked_at TIMESTAMPTZ,
		wallet_address TEXT NOT NULL DEFAULT '',
		referrer_id BIGINT NOT NULL DEFAULT 0,
		capabilities JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS app_ledger_entries (
		id TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES app_users (id),
		kind TEXT NOT NULL,
		balance TEXT NOT NULL,
		amount BIGINT NOT NULL,
		meta JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user
		ON app_ledger_entries (user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS app_panels (
		id TEXT PRIMARY KEY,
		owner_id BIGINT NOT NULL REFERENCES app_users (id),
		purchased_at TIMESTAMPTZ NOT NULL,
		lifespan_days INT NOT NULL,
		remaining_days INT NOT NULL,
		daily_rate_kwh BIGINT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		vip_at_purchase BOOLEAN NOT NULL DEFAULT FALSE,
		idempotency_key TEXT NOT NULL DEFAULT '',
		last_accrued_on TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_panels_idempotency
		ON app_panels (owner_id, idempotency_key)
		WHERE idempotency_key <> ''`,

	`CREATE TABLE IF NOT EXISTS app_referral_edges (
		invited_id BIGINT PRIMARY KEY REFERENCES app_users (id),
		inviter_id BIGINT NOT NULL REFERENCES app_users (id),
		active BOOLEAN NOT NULL DEFAULT FALSE,
		activated_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS app_referral_milestones (
		inviter_id BIGINT NOT NULL REFERENCES app_users (id),
		threshold INT NOT NULL,
		reward BIGINT NOT NULL DEFAULT 0,
		awarded BOOLEAN NOT NULL DEFAULT FALSE,
		awarded_at TIMESTAMPTZ,
		PRIMARY KEY (inviter_id, threshold)
	)`,

	`CREATE TABLE IF NOT EXISTS app_withdrawals (
		id TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES app_users (id),
		amount BIGINT NOT NULL,
		address TEXT NOT NULL,
		status TEXT NOT NULL,
		history JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_withdrawals_status
		ON app_withdrawals (status, created_at)`,

	`CREATE TABLE IF NOT EXISTS app_rank_snapshots (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		date TEXT NOT NULL,
		entries JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (kind, date)
	)`,

	`CREATE TABLE IF NOT EXISTS app_job_runs (
		kind TEXT NOT NULL,
		date TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		reset_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		panels_processed INT NOT NULL DEFAULT 0,
		panels_failed INT NOT NULL DEFAULT 0,
		kwh_granted BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (kind, date)
	)`,

	`CREATE TABLE IF NOT EXISTS app_generation_log (
		user_id BIGINT NOT NULL REFERENCES app_users (id),
		date TEXT NOT NULL,
		generated_kwh BIGINT NOT NULL DEFAULT 0,
		panel_count INT NOT NULL DEFAULT 0,
		vip BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, date)
	)`,
}

// Apply executes every schema statement in order.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// Count reports the number of schema statements, mainly for tests.
func Count() int { return len(statements) }
