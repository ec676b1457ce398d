package authkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store intended for tests and dev.
type MemoryStore struct {
	mutex                sync.Mutex
	clock                Clock
	accountsByID         map[string]Account
	accountIDsByExternal map[string]string
	outstandingByID      map[string]OutstandingToken
	outstandingByAccount map[string][]string
	revokedByID          map[string]RevokedToken
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryStore{
		clock:                clock,
		accountsByID:         make(map[string]Account),
		accountIDsByExternal: make(map[string]string),
		outstandingByID:      make(map[string]OutstandingToken),
		outstandingByAccount: make(map[string][]string),
		revokedByID:          make(map[string]RevokedToken),
	}
}

// FindAccountByExternalID looks up an account by provider identity.
func (store *MemoryStore) FindAccountByExternalID(ctx context.Context, provider string, externalID string) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	accountID, ok := store.accountIDsByExternal[externalKey(provider, externalID)]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return store.accountsByID[accountID], nil
}

// CreateAccount inserts the account unless its external identity is already known.
func (store *MemoryStore) CreateAccount(ctx context.Context, account Account) (Account, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	key := externalKey(account.Provider, account.ExternalID)
	if existingID, ok := store.accountIDsByExternal[key]; ok {
		return store.accountsByID[existingID], false, nil
	}
	if account.ID == "" {
		account.ID = newIdentifier()
	}
	if _, taken := store.accountsByID[account.ID]; taken {
		return Account{}, false, fmt.Errorf("account_store.create: duplicate account id %s", account.ID)
	}
	now := store.clock.Now()
	account.CreatedAt = now
	account.UpdatedAt = now
	store.accountsByID[account.ID] = account
	store.accountIDsByExternal[key] = account.ID
	return account, true, nil
}

// GetAccount returns an account by id.
func (store *MemoryStore) GetAccount(ctx context.Context, accountID string) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	account, ok := store.accountsByID[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

// UpdateAccountProfile replaces the mutable profile fields.
func (store *MemoryStore) UpdateAccountProfile(ctx context.Context, accountID string, email string, displayName string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	account, ok := store.accountsByID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	account.Email = email
	account.DisplayName = displayName
	account.UpdatedAt = store.clock.Now()
	store.accountsByID[accountID] = account
	return nil
}

// InsertOutstandingToken records a newly issued refresh token.
func (store *MemoryStore) InsertOutstandingToken(ctx context.Context, token OutstandingToken) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, exists := store.outstandingByID[token.TokenID]; exists {
		return fmt.Errorf("token_store.insert: duplicate token id %s", token.TokenID)
	}
	store.outstandingByID[token.TokenID] = token
	store.outstandingByAccount[token.AccountID] = append(store.outstandingByAccount[token.AccountID], token.TokenID)
	return nil
}

// FindOutstandingToken returns the outstanding record for a token id.
func (store *MemoryStore) FindOutstandingToken(ctx context.Context, tokenID string) (OutstandingToken, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	token, ok := store.outstandingByID[tokenID]
	if !ok {
		return OutstandingToken{}, ErrOutstandingTokenNotFound
	}
	return token, nil
}

// ListActiveTokensForAccount returns the account's unrevoked, unexpired refresh tokens, oldest first.
func (store *MemoryStore) ListActiveTokensForAccount(ctx context.Context, accountID string, now time.Time) ([]OutstandingToken, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenIDs := store.outstandingByAccount[accountID]
	tokens := make([]OutstandingToken, 0, len(tokenIDs))
	for _, tokenID := range tokenIDs {
		if _, revoked := store.revokedByID[tokenID]; revoked {
			continue
		}
		token := store.outstandingByID[tokenID]
		if !token.ExpiresAt.After(now) {
			continue
		}
		tokens = append(tokens, token)
	}
	sort.SliceStable(tokens, func(left, right int) bool {
		return tokens[left].IssuedAt.Before(tokens[right].IssuedAt)
	})
	return tokens, nil
}

// InsertOrGetRevokedToken blacklists the token id, returning the existing entry when already revoked.
func (store *MemoryStore) InsertOrGetRevokedToken(ctx context.Context, tokenID string) (RevokedToken, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if existing, ok := store.revokedByID[tokenID]; ok {
		return existing, false, nil
	}
	if _, ok := store.outstandingByID[tokenID]; !ok {
		return RevokedToken{}, false, ErrOutstandingTokenNotFound
	}
	revoked := RevokedToken{TokenID: tokenID, RevokedAt: store.clock.Now()}
	store.revokedByID[tokenID] = revoked
	return revoked, true, nil
}

// IsTokenRevoked reports whether the token id is blacklisted.
func (store *MemoryStore) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	_, ok := store.revokedByID[tokenID]
	return ok, nil
}
