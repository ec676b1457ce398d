package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/kauth/internal/authkit"
)

// PostgresStore persists accounts and the refresh-token ledger in PostgreSQL via pgx.
type PostgresStore struct {
	pool  *pgxpool.Pool
	clock authkit.Clock
}

// NewPostgresStore constructs a Postgres store.
func NewPostgresStore(pool *pgxpool.Pool, clock authkit.Clock) *PostgresStore {
	if clock == nil {
		clock = authkit.NewSystemClock()
	}
	return &PostgresStore{pool: pool, clock: clock}
}

// FindAccountByExternalID looks up an account by provider identity.
func (store *PostgresStore) FindAccountByExternalID(ctx context.Context, provider string, externalID string) (authkit.Account, error) {
	row := store.pool.QueryRow(ctx, `
SELECT account_id, provider, external_id, email, display_name, created_at_unix, updated_at_unix
FROM accounts
WHERE provider = $1 AND external_id = $2
`, provider, externalID)
	account, err := scanAccount(row)
	if err != nil {
		return authkit.Account{}, fmt.Errorf("pg_store.find_account: %w", err)
	}
	return account, nil
}

// CreateAccount inserts the account unless (provider, external id) already exists.
func (store *PostgresStore) CreateAccount(ctx context.Context, account authkit.Account) (authkit.Account, bool, error) {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	nowUnix := store.clock.Now().UTC().Unix()
	row := store.pool.QueryRow(ctx, `
INSERT INTO accounts (account_id, provider, external_id, email, display_name, created_at_unix, updated_at_unix)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (provider, external_id) DO NOTHING
RETURNING account_id, provider, external_id, email, display_name, created_at_unix, updated_at_unix
`, account.ID, account.Provider, account.ExternalID, account.Email, account.DisplayName, nowUnix)
	created, err := scanAccount(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, authkit.ErrAccountNotFound) {
		return authkit.Account{}, false, fmt.Errorf("pg_store.create_account: %w", err)
	}
	existing, findErr := store.FindAccountByExternalID(ctx, account.Provider, account.ExternalID)
	if findErr != nil {
		return authkit.Account{}, false, findErr
	}
	return existing, false, nil
}

// GetAccount returns an account by id.
func (store *PostgresStore) GetAccount(ctx context.Context, accountID string) (authkit.Account, error) {
	row := store.pool.QueryRow(ctx, `
SELECT account_id, provider, external_id, email, display_name, created_at_unix, updated_at_unix
FROM accounts
WHERE account_id = $1
`, accountID)
	account, err := scanAccount(row)
	if err != nil {
		return authkit.Account{}, fmt.Errorf("pg_store.get_account: %w", err)
	}
	return account, nil
}

// UpdateAccountProfile replaces the mutable profile fields.
func (store *PostgresStore) UpdateAccountProfile(ctx context.Context, accountID string, email string, displayName string) error {
	tag, err := store.pool.Exec(ctx, `
UPDATE accounts
SET email = $1, display_name = $2, updated_at_unix = $3
WHERE account_id = $4
`, email, displayName, store.clock.Now().UTC().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("pg_store.update_account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pg_store.update_account: %w", authkit.ErrAccountNotFound)
	}
	return nil
}

// InsertOutstandingToken records a newly issued refresh token.
func (store *PostgresStore) InsertOutstandingToken(ctx context.Context, token authkit.OutstandingToken) error {
	_, err := store.pool.Exec(ctx, `
INSERT INTO outstanding_tokens (token_id, account_id, token_hash, issued_at_unix, expires_unix)
VALUES ($1, $2, $3, $4, $5)
`, token.TokenID, token.AccountID, token.TokenHash, token.IssuedAt.UTC().Unix(), token.ExpiresAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("pg_store.insert_outstanding: %w", err)
	}
	return nil
}

// FindOutstandingToken returns the outstanding record for a token id.
func (store *PostgresStore) FindOutstandingToken(ctx context.Context, tokenID string) (authkit.OutstandingToken, error) {
	var token authkit.OutstandingToken
	var issuedAtUnix, expiresUnix int64
	err := store.pool.QueryRow(ctx, `
SELECT token_id, account_id, token_hash, issued_at_unix, expires_unix
FROM outstanding_tokens
WHERE token_id = $1
`, tokenID).Scan(&token.TokenID, &token.AccountID, &token.TokenHash, &issuedAtUnix, &expiresUnix)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authkit.OutstandingToken{}, fmt.Errorf("pg_store.find_outstanding: %w", authkit.ErrOutstandingTokenNotFound)
		}
		return authkit.OutstandingToken{}, fmt.Errorf("pg_store.find_outstanding: %w", err)
	}
	token.IssuedAt = time.Unix(issuedAtUnix, 0).UTC()
	token.ExpiresAt = time.Unix(expiresUnix, 0).UTC()
	return token, nil
}

// ListActiveTokensForAccount returns the account's unrevoked, unexpired refresh tokens, oldest first.
func (store *PostgresStore) ListActiveTokensForAccount(ctx context.Context, accountID string, now time.Time) ([]authkit.OutstandingToken, error) {
	rows, err := store.pool.Query(ctx, `
SELECT o.token_id, o.account_id, o.token_hash, o.issued_at_unix, o.expires_unix
FROM outstanding_tokens o
WHERE o.account_id = $1
  AND o.expires_unix > $2
  AND NOT EXISTS (SELECT 1 FROM blacklisted_tokens b WHERE b.token_id = o.token_id)
ORDER BY o.issued_at_unix ASC
`, accountID, now.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("pg_store.list_active: %w", err)
	}
	defer rows.Close()

	var tokens []authkit.OutstandingToken
	for rows.Next() {
		var token authkit.OutstandingToken
		var issuedAtUnix, expiresUnix int64
		if scanErr := rows.Scan(&token.TokenID, &token.AccountID, &token.TokenHash, &issuedAtUnix, &expiresUnix); scanErr != nil {
			return nil, fmt.Errorf("pg_store.list_active: %w", scanErr)
		}
		token.IssuedAt = time.Unix(issuedAtUnix, 0).UTC()
		token.ExpiresAt = time.Unix(expiresUnix, 0).UTC()
		tokens = append(tokens, token)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("pg_store.list_active: %w", rowsErr)
	}
	return tokens, nil
}

// InsertOrGetRevokedToken blacklists the token id, returning the existing entry when already revoked.
func (store *PostgresStore) InsertOrGetRevokedToken(ctx context.Context, tokenID string) (authkit.RevokedToken, bool, error) {
	if _, err := store.FindOutstandingToken(ctx, tokenID); err != nil {
		return authkit.RevokedToken{}, false, err
	}
	var revokedAtUnix int64
	err := store.pool.QueryRow(ctx, `
INSERT INTO blacklisted_tokens (token_id, revoked_at_unix)
VALUES ($1, $2)
ON CONFLICT (token_id) DO NOTHING
RETURNING revoked_at_unix
`, tokenID, store.clock.Now().UTC().Unix()).Scan(&revokedAtUnix)
	created := true
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
		err = store.pool.QueryRow(ctx, `SELECT revoked_at_unix FROM blacklisted_tokens WHERE token_id = $1`, tokenID).Scan(&revokedAtUnix)
	}
	if err != nil {
		return authkit.RevokedToken{}, false, fmt.Errorf("pg_store.revoke: %w", err)
	}
	return authkit.RevokedToken{TokenID: tokenID, RevokedAt: time.Unix(revokedAtUnix, 0).UTC()}, created, nil
}

// IsTokenRevoked reports whether the token id is blacklisted.
func (store *PostgresStore) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revoked bool
	err := store.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM blacklisted_tokens WHERE token_id = $1)`, tokenID).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("pg_store.is_revoked: %w", err)
	}
	return revoked, nil
}

func scanAccount(row pgx.Row) (authkit.Account, error) {
	var account authkit.Account
	var createdAtUnix, updatedAtUnix int64
	err := row.Scan(&account.ID, &account.Provider, &account.ExternalID, &account.Email, &account.DisplayName, &createdAtUnix, &updatedAtUnix)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authkit.Account{}, authkit.ErrAccountNotFound
		}
		return authkit.Account{}, err
	}
	account.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	account.UpdatedAt = time.Unix(updatedAtUnix, 0).UTC()
	return account, nil
}

var _ authkit.Store = (*PostgresStore)(nil)
