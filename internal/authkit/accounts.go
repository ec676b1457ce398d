package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const sharedLookupTimeout = 10 * time.Second

// AccountRegistry maps external identities to local accounts, creating them on first sight.
type AccountRegistry struct {
	store   AccountStore
	logger  *zap.Logger
	lookups singleflight.Group
}

// NewAccountRegistry constructs a registry over the given store.
func NewAccountRegistry(store AccountStore, logger *zap.Logger) *AccountRegistry {
	if store == nil {
		panic("account store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountRegistry{store: store, logger: logger}
}

// Resolve returns the account for the identity and whether it was created by this call.
// Known accounts get their email and display name refreshed when the provider reports new values.
func (registry *AccountRegistry) Resolve(ctx context.Context, identity Identity) (Account, bool, error) {
	if !identity.Complete() {
		return Account{}, false, fmt.Errorf("account.resolve: %w", ErrProfileIncomplete)
	}

	existing, err := registry.lookup(ctx, identity)
	switch {
	case err == nil:
		refreshed, refreshErr := registry.refreshProfile(ctx, existing, identity)
		if refreshErr != nil {
			return Account{}, false, refreshErr
		}
		return refreshed, false, nil
	case !errors.Is(err, ErrAccountNotFound):
		return Account{}, false, fmt.Errorf("account.resolve.lookup: %w", err)
	}

	stored, created, err := registry.store.CreateAccount(ctx, Account{
		ID:          newIdentifier(),
		Provider:    identity.Provider,
		ExternalID:  identity.ExternalID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
	})
	if err != nil {
		return Account{}, false, fmt.Errorf("account.resolve.create: %w", err)
	}
	if created {
		registry.logger.Info("account created",
			zap.String("code", "account.created"),
			zap.String("provider", stored.Provider),
			zap.String("account_id", stored.ID))
		return stored, true, nil
	}
	refreshed, refreshErr := registry.refreshProfile(ctx, stored, identity)
	if refreshErr != nil {
		return Account{}, false, refreshErr
	}
	return refreshed, false, nil
}

// lookup collapses concurrent lookups of the same identity into one store read.
// The shared read does not inherit any single caller's cancellation; each caller
// still stops waiting when its own context ends.
func (registry *AccountRegistry) lookup(ctx context.Context, identity Identity) (Account, error) {
	results := registry.lookups.DoChan(externalKey(identity.Provider, identity.ExternalID), func() (interface{}, error) {
		sharedContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLookupTimeout)
		defer cancel()
		return registry.store.FindAccountByExternalID(sharedContext, identity.Provider, identity.ExternalID)
	})
	select {
	case <-ctx.Done():
		return Account{}, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return Account{}, result.Err
		}
		return result.Val.(Account), nil
	}
}

func (registry *AccountRegistry) refreshProfile(ctx context.Context, account Account, identity Identity) (Account, error) {
	if account.Email == identity.Email && account.DisplayName == identity.DisplayName {
		return account, nil
	}
	if err := registry.store.UpdateAccountProfile(ctx, account.ID, identity.Email, identity.DisplayName); err != nil {
		return Account{}, fmt.Errorf("account.resolve.refresh_profile: %w", err)
	}
	account.Email = identity.Email
	account.DisplayName = identity.DisplayName
	return account, nil
}
