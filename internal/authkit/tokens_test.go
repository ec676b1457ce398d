package authkit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tyemirov/kauth/pkg/sessionvalidator"
)

func TestNewTokenServiceValidatesConfiguration(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore(nil)

	testCases := []struct {
		name          string
		configuration TokenServiceConfig
		ledger        TokenLedger
	}{
		{name: "nil ledger", configuration: TokenServiceConfig{SigningKey: []byte("k"), Issuer: "i", AccessTTL: time.Minute, RefreshTTL: time.Hour}},
		{name: "zero access ttl", configuration: TokenServiceConfig{SigningKey: []byte("k"), Issuer: "i", RefreshTTL: time.Hour}, ledger: store},
		{name: "zero refresh ttl", configuration: TokenServiceConfig{SigningKey: []byte("k"), Issuer: "i", AccessTTL: time.Minute}, ledger: store},
		{name: "missing key", configuration: TokenServiceConfig{Issuer: "i", AccessTTL: time.Minute, RefreshTTL: time.Hour}, ledger: store},
		{name: "missing issuer", configuration: TokenServiceConfig{SigningKey: []byte("k"), AccessTTL: time.Minute, RefreshTTL: time.Hour}, ledger: store},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewTokenService(testCase.configuration, testCase.ledger); err == nil {
				t.Fatalf("expected configuration error")
			}
		})
	}
}

func TestIssuePairRecordsOutstandingRefresh(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	store := NewMemoryStore(clock)
	service := newTestTokenService(t, store, clock)
	account := mustCreateAccount(t, store, kakaoIdentity("12345678910", "user@example.com", "user"))

	pair, err := service.IssuePair(context.Background(), account)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	if pair.Refresh == "" || pair.Access == "" || pair.Refresh == pair.Access {
		t.Fatalf("unexpected pair %+v", pair)
	}

	tokenID := refreshTokenID(t, service, pair.Refresh)
	outstanding, err := store.FindOutstandingToken(context.Background(), tokenID)
	if err != nil {
		t.Fatalf("find outstanding: %v", err)
	}
	if outstanding.AccountID != account.ID {
		t.Fatalf("expected outstanding token for %s, got %s", account.ID, outstanding.AccountID)
	}
	if outstanding.TokenHash != hashTokenValue(pair.Refresh) {
		t.Fatalf("recorded hash does not match issued refresh token")
	}
	if !outstanding.ExpiresAt.Equal(clock.Now().Add(24 * time.Hour)) {
		t.Fatalf("unexpected refresh expiry %v", outstanding.ExpiresAt)
	}

	accessClaims, err := service.ParseAccess(pair.Access)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if accessClaims.AccountID != account.ID || accessClaims.Subject != account.ID {
		t.Fatalf("unexpected access claims %+v", accessClaims)
	}
	if accessClaims.ID == tokenID {
		t.Fatalf("access token must carry its own jti")
	}
	if !accessClaims.GetExpiresAt().Equal(clock.Now().Add(5 * time.Minute)) {
		t.Fatalf("unexpected access expiry %v", accessClaims.GetExpiresAt())
	}
}

func TestIssuePairRevokesPreviousRefreshTokens(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	store := NewMemoryStore(clock)
	service := newTestTokenService(t, store, clock)
	account := mustCreateAccount(t, store, kakaoIdentity("12345678910", "user@example.com", "user"))
	ctx := context.Background()

	first, err := service.IssuePair(ctx, account)
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	clock.Advance(time.Second)
	second, err := service.IssuePair(ctx, account)
	if err != nil {
		t.Fatalf("second issue: %v", err)
	}

	revoked, err := store.IsTokenRevoked(ctx, refreshTokenID(t, service, first.Refresh))
	if err != nil {
		t.Fatalf("is revoked: %v", err)
	}
	if !revoked {
		t.Fatalf("expected first refresh token to be revoked")
	}
	active := activeRefreshTokens(t, store, account.ID)
	if len(active) != 1 || active[0].TokenID != refreshTokenID(t, service, second.Refresh) {
		t.Fatalf("expected exactly the second refresh token to be active, got %+v", active)
	}
	if _, err := service.VerifyAndRotateRefresh(ctx, first.Refresh); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected revoked token to be invalid, got %v", err)
	}
}

func TestIssuePairRequiresAccountID(t *testing.T) {
	t.Parallel()
	service := newTestTokenService(t, NewMemoryStore(nil), nil)
	if _, err := service.IssuePair(context.Background(), Account{}); !errors.Is(err, ErrTokenSubjectMissing) {
		t.Fatalf("expected ErrTokenSubjectMissing, got %v", err)
	}
}

func TestVerifyAndRotateRefreshIssuesAccessToken(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	store := NewMemoryStore(clock)
	service := newTestTokenService(t, store, clock)
	account := mustCreateAccount(t, store, kakaoIdentity("1", "a@example.com", "a"))
	ctx := context.Background()

	pair, err := service.IssuePair(ctx, account)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	clock.Advance(time.Minute)

	access, err := service.VerifyAndRotateRefresh(ctx, pair.Refresh)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if access.Kind != sessionvalidator.TokenTypeAccess || access.AccountID != account.ID {
		t.Fatalf("unexpected issued token %+v", access)
	}
	if access.RawValue == pair.Access {
		t.Fatalf("expected a freshly minted access token")
	}
	if _, err := service.ParseAccess(access.RawValue); err != nil {
		t.Fatalf("rotated access token should validate: %v", err)
	}
	if _, err := service.VerifyAndRotateRefresh(ctx, pair.Refresh); err != nil {
		t.Fatalf("refresh token should stay usable after rotation: %v", err)
	}
}

func TestVerifyAndRotateRefreshRejectsAccessToken(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	store := NewMemoryStore(clock)
	service := newTestTokenService(t, store, clock)
	account := mustCreateAccount(t, store, kakaoIdentity("1", "a@example.com", "a"))

	pair, err := service.IssuePair(context.Background(), account)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	_, err = service.VerifyAndRotateRefresh(context.Background(), pair.Access)
	if !errors.Is(err, ErrTokenWrongKind) {
		t.Fatalf("expected ErrTokenWrongKind, got %v", err)
	}
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected wrong kind to also be invalid, got %v", err)
	}
}

func TestVerifyAndRotateRefreshRejectsInvalidTokens(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	store := NewMemoryStore(clock)
	service := newTestTokenService(t, store, clock)
	account := mustCreateAccount(t, store, kakaoIdentity("1", "a@example.com", "a"))
	ctx := context.Background()

	otherStore := NewMemoryStore(clock)
	otherService := newTestTokenService(t, otherStore, clock)
	otherAccount := mustCreateAccount(t, otherStore, kakaoIdentity("1", "a@example.com", "a"))
	unrecorded, err := otherService.IssuePair(ctx, otherAccount)
	if err != nil {
		t.Fatalf("issue unrecorded pair: %v", err)
	}

	testCases := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-token"},
		{name: "empty", token: ""},
		{name: "unrecorded jti", token: unrecorded.Refresh},
	}
	for _, testCase := range testCases {
		if _, err := service.VerifyAndRotateRefresh(ctx, testCase.token); !errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrTokenWrongKind) {
			t.Fatalf("%s: expected ErrTokenInvalid, got %v", testCase.name, err)
		}
	}

	pair, err := service.IssuePair(ctx, account)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	clock.Advance(24 * time.Hour)
	if _, err := service.VerifyAndRotateRefresh(ctx, pair.Refresh); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected expired refresh token to be invalid, got %v", err)
	}
}

func TestParseAccessRejectsRefreshToken(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	store := NewMemoryStore(clock)
	service := newTestTokenService(t, store, clock)
	account := mustCreateAccount(t, store, kakaoIdentity("1", "a@example.com", "a"))

	pair, err := service.IssuePair(context.Background(), account)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	if _, err := service.ParseAccess(pair.Refresh); !errors.Is(err, ErrTokenWrongKind) {
		t.Fatalf("expected ErrTokenWrongKind, got %v", err)
	}
	clock.Advance(5 * time.Minute)
	if _, err := service.ParseAccess(pair.Access); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected expired access token to be invalid, got %v", err)
	}
}

func TestRevokeForOwnerRevokesAllOutstanding(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	store := NewMemoryStore(clock)
	service := newTestTokenService(t, store, clock)
	account := mustCreateAccount(t, store, kakaoIdentity("1", "a@example.com", "a"))
	ctx := context.Background()

	pair, err := service.IssuePair(ctx, account)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	if err := service.RevokeForOwner(ctx, pair.Refresh, account.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if active := activeRefreshTokens(t, store, account.ID); len(active) != 0 {
		t.Fatalf("expected no active refresh tokens, got %+v", active)
	}
	if err := service.RevokeForOwner(ctx, pair.Refresh, account.ID); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected revoked token to be rejected, got %v", err)
	}
	if _, err := service.VerifyAndRotateRefresh(ctx, pair.Refresh); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected revoked token to fail rotation, got %v", err)
	}
}

func TestRevokeForOwnerMismatchHasNoSideEffects(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	store := NewMemoryStore(clock)
	service := newTestTokenService(t, store, clock)
	owner := mustCreateAccount(t, store, kakaoIdentity("1", "owner@example.com", "owner"))
	caller := mustCreateAccount(t, store, kakaoIdentity("2", "caller@example.com", "caller"))
	ctx := context.Background()

	ownerPair, err := service.IssuePair(ctx, owner)
	if err != nil {
		t.Fatalf("issue owner pair: %v", err)
	}
	callerPair, err := service.IssuePair(ctx, caller)
	if err != nil {
		t.Fatalf("issue caller pair: %v", err)
	}

	if err := service.RevokeForOwner(ctx, ownerPair.Refresh, caller.ID); !errors.Is(err, ErrTokenOwnershipMismatch) {
		t.Fatalf("expected ErrTokenOwnershipMismatch, got %v", err)
	}
	if active := activeRefreshTokens(t, store, owner.ID); len(active) != 1 {
		t.Fatalf("owner token must remain outstanding, got %+v", active)
	}
	if active := activeRefreshTokens(t, store, caller.ID); len(active) != 1 {
		t.Fatalf("caller token must remain outstanding, got %+v", active)
	}
	if _, err := service.VerifyAndRotateRefresh(ctx, ownerPair.Refresh); err != nil {
		t.Fatalf("owner token should still verify: %v", err)
	}
	if _, err := service.VerifyAndRotateRefresh(ctx, callerPair.Refresh); err != nil {
		t.Fatalf("caller token should still verify: %v", err)
	}
}

func TestRevokeForOwnerRejectsAccessToken(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	store := NewMemoryStore(clock)
	service := newTestTokenService(t, store, clock)
	account := mustCreateAccount(t, store, kakaoIdentity("1", "a@example.com", "a"))

	pair, err := service.IssuePair(context.Background(), account)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	if err := service.RevokeForOwner(context.Background(), pair.Access, account.ID); !errors.Is(err, ErrTokenWrongKind) {
		t.Fatalf("expected ErrTokenWrongKind, got %v", err)
	}
	if active := activeRefreshTokens(t, store, account.ID); len(active) != 1 {
		t.Fatalf("refresh token must remain outstanding, got %+v", active)
	}
}

type failingLedger struct {
	*MemoryStore
	listErr error
}

func (ledger failingLedger) ListActiveTokensForAccount(ctx context.Context, accountID string, now time.Time) ([]OutstandingToken, error) {
	return nil, ledger.listErr
}

func TestIssuePairPropagatesLedgerFailure(t *testing.T) {
	t.Parallel()
	ledgerErr := errors.New("ledger offline")
	store := NewMemoryStore(nil)
	service := newTestTokenService(t, failingLedger{MemoryStore: store, listErr: ledgerErr}, nil)
	account := mustCreateAccount(t, store, kakaoIdentity("1", "a@example.com", "a"))

	_, err := service.IssuePair(context.Background(), account)
	if !errors.Is(err, ledgerErr) {
		t.Fatalf("expected ledger error, got %v", err)
	}
	if errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("ledger failures must not be reported as invalid tokens")
	}
}

type revocationCountingLedger struct {
	*MemoryStore
	mutex       sync.Mutex
	revocations int
}

func (ledger *revocationCountingLedger) InsertOrGetRevokedToken(ctx context.Context, tokenID string) (RevokedToken, bool, error) {
	ledger.mutex.Lock()
	ledger.revocations++
	ledger.mutex.Unlock()
	return ledger.MemoryStore.InsertOrGetRevokedToken(ctx, tokenID)
}

func TestIssuePairRevokesOnlyActiveTokens(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	store := NewMemoryStore(clock)
	ledger := &revocationCountingLedger{MemoryStore: store}
	service := newTestTokenService(t, ledger, clock)
	account := mustCreateAccount(t, store, kakaoIdentity("1", "a@example.com", "a"))

	for attempt := 0; attempt < 5; attempt++ {
		ledger.mutex.Lock()
		ledger.revocations = 0
		ledger.mutex.Unlock()
		if _, err := service.IssuePair(context.Background(), account); err != nil {
			t.Fatalf("issue pair %d: %v", attempt, err)
		}
		expected := 1
		if attempt == 0 {
			expected = 0
		}
		if ledger.revocations != expected {
			t.Fatalf("attempt %d: expected %d revocations, got %d", attempt, expected, ledger.revocations)
		}
		clock.Advance(time.Minute)
	}

	clock.Advance(48 * time.Hour)
	ledger.revocations = 0
	if _, err := service.IssuePair(context.Background(), account); err != nil {
		t.Fatalf("issue pair after expiry: %v", err)
	}
	if ledger.revocations != 0 {
		t.Fatalf("expired tokens must not be revoked again, got %d revocations", ledger.revocations)
	}
}
