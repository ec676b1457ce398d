package authkit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/idtoken"
)

const testSigningKey = "test-signing-key"

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock() *controllableClock {
	return &controllableClock{current: time.Unix(1700000000, 0).UTC()}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type validatorResult struct {
	payload          *idtoken.Payload
	err              error
	expectedAudience string
}

type fakeGoogleValidator struct {
	results map[string]validatorResult
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	result, ok := validator.results[token]
	if !ok {
		return nil, errors.New("token_not_found")
	}
	if result.expectedAudience != "" && result.expectedAudience != audience {
		return nil, errors.New("audience_mismatch")
	}
	if result.err != nil {
		return nil, result.err
	}
	return result.payload, nil
}

// stubIdentityProvider maps credentials to identities or errors.
type stubIdentityProvider struct {
	mutex      sync.Mutex
	identities map[string]Identity
	failures   map[string]error
	calls      int
}

func newStubIdentityProvider() *stubIdentityProvider {
	return &stubIdentityProvider{
		identities: make(map[string]Identity),
		failures:   make(map[string]error),
	}
}

func (provider *stubIdentityProvider) Name() string {
	return ProviderKakao
}

func (provider *stubIdentityProvider) FetchIdentity(ctx context.Context, credential string) (Identity, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.calls++
	token := normalizeBearerCredential(credential)
	if err, ok := provider.failures[token]; ok {
		return Identity{}, err
	}
	identity, ok := provider.identities[token]
	if !ok {
		return Identity{}, ErrProviderUnauthorized
	}
	return identity, nil
}

func kakaoIdentity(externalID string, email string, displayName string) Identity {
	return Identity{
		Provider:    ProviderKakao,
		ExternalID:  externalID,
		Email:       email,
		DisplayName: displayName,
	}
}

func newTestTokenService(t *testing.T, ledger TokenLedger, clock Clock) *TokenService {
	t.Helper()
	service, err := NewTokenService(TokenServiceConfig{
		SigningKey: []byte(testSigningKey),
		Issuer:     "kauth-test",
		AccessTTL:  5 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		Clock:      clock,
	}, ledger)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	return service
}

func mustCreateAccount(t *testing.T, store AccountStore, identity Identity) Account {
	t.Helper()
	account, created, err := store.CreateAccount(context.Background(), Account{
		ID:          newIdentifier(),
		Provider:    identity.Provider,
		ExternalID:  identity.ExternalID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if !created {
		t.Fatalf("expected account %s to be new", identity.ExternalID)
	}
	return account
}

func newSQLiteStore(t *testing.T, clock Clock) *DatabaseStore {
	t.Helper()
	databaseURL := "sqlite://" + filepath.Join(t.TempDir(), "kauth.db")
	store, err := NewDatabaseStore(context.Background(), databaseURL, clock)
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	return store
}

func refreshTokenID(t *testing.T, service *TokenService, rawRefresh string) string {
	t.Helper()
	claims, err := service.AccessValidator().ParseToken(rawRefresh)
	if err != nil {
		t.Fatalf("parse refresh token: %v", err)
	}
	return claims.ID
}

// activeRefreshTokens lists the account's unrevoked tokens regardless of expiry.
func activeRefreshTokens(t *testing.T, ledger TokenLedger, accountID string) []OutstandingToken {
	t.Helper()
	ctx := context.Background()
	active, err := ledger.ListActiveTokensForAccount(ctx, accountID, time.Time{})
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	for _, token := range active {
		revoked, revokedErr := ledger.IsTokenRevoked(ctx, token.TokenID)
		if revokedErr != nil {
			t.Fatalf("is revoked: %v", revokedErr)
		}
		if revoked {
			t.Fatalf("revoked token %s listed as active", token.TokenID)
		}
	}
	return active
}
