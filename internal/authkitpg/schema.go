package authkitpg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS accounts (
    account_id TEXT PRIMARY KEY,
    provider TEXT NOT NULL,
    external_id TEXT NOT NULL,
    email TEXT NOT NULL,
    display_name TEXT NOT NULL,
    created_at_unix BIGINT NOT NULL,
    updated_at_unix BIGINT NOT NULL,
    CONSTRAINT uq_accounts_provider_external UNIQUE (provider, external_id)
);
CREATE TABLE IF NOT EXISTS outstanding_tokens (
    token_id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts (account_id),
    token_hash TEXT NOT NULL UNIQUE,
    issued_at_unix BIGINT NOT NULL,
    expires_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outstanding_tokens_account ON outstanding_tokens (account_id);
CREATE TABLE IF NOT EXISTS blacklisted_tokens (
    token_id TEXT PRIMARY KEY REFERENCES outstanding_tokens (token_id),
    revoked_at_unix BIGINT NOT NULL
);
`)
	return err
}
