package authkit

import (
	"context"
	"time"
)

// Account is a local account bound to one external identity.
type Account struct {
	ID          string
	Provider    string
	ExternalID  string
	Email       string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OutstandingToken records an issued refresh token. Only the hash of the raw token is kept.
type OutstandingToken struct {
	TokenID   string
	AccountID string
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RevokedToken marks an outstanding refresh token as unusable.
type RevokedToken struct {
	TokenID   string
	RevokedAt time.Time
}

// AccountStore persists and retrieves accounts.
type AccountStore interface {
	FindAccountByExternalID(ctx context.Context, provider string, externalID string) (Account, error)
	// CreateAccount inserts the account unless (provider, external id) already exists,
	// in which case the existing account is returned with created=false.
	CreateAccount(ctx context.Context, account Account) (stored Account, created bool, err error)
	GetAccount(ctx context.Context, accountID string) (Account, error)
	UpdateAccountProfile(ctx context.Context, accountID string, email string, displayName string) error
}

// TokenLedger tracks outstanding and revoked refresh tokens.
type TokenLedger interface {
	InsertOutstandingToken(ctx context.Context, token OutstandingToken) error
	FindOutstandingToken(ctx context.Context, tokenID string) (OutstandingToken, error)
	// ListActiveTokensForAccount returns the account's refresh tokens that are neither
	// revoked nor expired at now, oldest first.
	ListActiveTokensForAccount(ctx context.Context, accountID string, now time.Time) ([]OutstandingToken, error)
	// InsertOrGetRevokedToken is idempotent: revoking an already revoked token returns the existing record.
	InsertOrGetRevokedToken(ctx context.Context, tokenID string) (revoked RevokedToken, created bool, err error)
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Store is the persistence collaborator required by the core.
type Store interface {
	AccountStore
	TokenLedger
}
