package authkit

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
)

type signInFixture struct {
	clock    *controllableClock
	store    *MemoryStore
	provider *stubIdentityProvider
	tokens   *TokenService
	metrics  *CounterMetrics
	service  *SignInService
}

func newSignInFixture(t *testing.T) signInFixture {
	t.Helper()
	clock := newControllableClock()
	store := NewMemoryStore(clock)
	provider := newStubIdentityProvider()
	tokens := newTestTokenService(t, store, clock)
	metrics := NewCounterMetrics()
	service := NewSignInService(provider, NewAccountRegistry(store, zaptest.NewLogger(t)), tokens, zaptest.NewLogger(t), metrics)
	return signInFixture{clock: clock, store: store, provider: provider, tokens: tokens, metrics: metrics, service: service}
}

func TestSignInCreatesAccountAndRecordsRefresh(t *testing.T) {
	t.Parallel()
	fixture := newSignInFixture(t)
	fixture.provider.identities["kakao-access"] = kakaoIdentity("12345678910", "user@example.com", "user")

	result, err := fixture.service.SignIn(context.Background(), "Bearer kakao-access")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected a new account")
	}
	if result.Account.ExternalID != "12345678910" || result.Account.Email != "user@example.com" || result.Account.DisplayName != "user" {
		t.Fatalf("unexpected account %+v", result.Account)
	}
	active := activeRefreshTokens(t, fixture.store, result.Account.ID)
	if len(active) != 1 || active[0].TokenHash != hashTokenValue(result.Tokens.Refresh) {
		t.Fatalf("expected the returned refresh token to be the single outstanding token, got %+v", active)
	}
	if fixture.metrics.Count(metricSignInCreated) != 1 {
		t.Fatalf("expected created metric")
	}
}

func TestSignInRepeatRevokesPreviousRefresh(t *testing.T) {
	t.Parallel()
	fixture := newSignInFixture(t)
	fixture.provider.identities["kakao-access"] = kakaoIdentity("12345678910", "user@example.com", "user")
	ctx := context.Background()

	first, err := fixture.service.SignIn(ctx, "kakao-access")
	if err != nil {
		t.Fatalf("first sign in: %v", err)
	}
	second, err := fixture.service.SignIn(ctx, "kakao-access")
	if err != nil {
		t.Fatalf("second sign in: %v", err)
	}
	if second.Created || second.Account.ID != first.Account.ID {
		t.Fatalf("expected same account on repeat sign-in, got %+v", second)
	}
	revoked, err := fixture.store.IsTokenRevoked(ctx, refreshTokenID(t, fixture.tokens, first.Tokens.Refresh))
	if err != nil || !revoked {
		t.Fatalf("expected first refresh token to be revoked, got %v %v", revoked, err)
	}
	if active := activeRefreshTokens(t, fixture.store, first.Account.ID); len(active) != 1 {
		t.Fatalf("expected exactly one outstanding refresh token, got %+v", active)
	}
	if fixture.metrics.Count(metricSignInExisting) != 1 {
		t.Fatalf("expected existing metric")
	}
}

func TestSignInBlankCredential(t *testing.T) {
	t.Parallel()
	fixture := newSignInFixture(t)
	for _, credential := range []string{"", "   "} {
		if _, err := fixture.service.SignIn(context.Background(), credential); !errors.Is(err, ErrCredentialMissing) {
			t.Fatalf("%q: expected ErrCredentialMissing, got %v", credential, err)
		}
	}
	if fixture.provider.calls != 0 {
		t.Fatalf("provider must not be called for a blank credential")
	}
}

func TestSignInBareBearerGoesToProvider(t *testing.T) {
	t.Parallel()
	fixture := newSignInFixture(t)
	for _, credential := range []string{"Bearer", "Bearer   ", "bearer"} {
		_, err := fixture.service.SignIn(context.Background(), credential)
		if !errors.Is(err, ErrIdentityUnavailable) {
			t.Fatalf("%q: expected ErrIdentityUnavailable, got %v", credential, err)
		}
	}
	if fixture.provider.calls != 3 {
		t.Fatalf("expected every non-empty credential to reach the provider, got %d calls", fixture.provider.calls)
	}
}

func TestSignInProviderFailuresCollapse(t *testing.T) {
	t.Parallel()
	causes := []error{ErrProviderTimeout, ErrProviderUnauthorized, ErrProfileIncomplete}
	for _, cause := range causes {
		fixture := newSignInFixture(t)
		fixture.provider.failures["kakao-access"] = cause

		_, err := fixture.service.SignIn(context.Background(), "kakao-access")
		if !errors.Is(err, ErrIdentityUnavailable) {
			t.Fatalf("%v: expected ErrIdentityUnavailable, got %v", cause, err)
		}
		if !errors.Is(err, cause) {
			t.Fatalf("%v: expected cause to stay inspectable, got %v", cause, err)
		}
		if len(fixture.store.accountsByID) != 0 || len(fixture.store.outstandingByID) != 0 {
			t.Fatalf("no account or token state may be touched on provider failure")
		}
		if fixture.metrics.Count(metricSignInFailure) != 1 {
			t.Fatalf("expected failure metric")
		}
	}
}

func TestSignInIncompleteIdentityFromProvider(t *testing.T) {
	t.Parallel()
	fixture := newSignInFixture(t)
	fixture.provider.identities["kakao-access"] = Identity{Provider: ProviderKakao, ExternalID: "1", Email: "a@example.com"}

	_, err := fixture.service.SignIn(context.Background(), "kakao-access")
	if !errors.Is(err, ErrIdentityUnavailable) || !errors.Is(err, ErrProfileIncomplete) {
		t.Fatalf("expected identity unavailable with incomplete profile, got %v", err)
	}
	if _, findErr := fixture.store.FindAccountByExternalID(context.Background(), ProviderKakao, "1"); !errors.Is(findErr, ErrAccountNotFound) {
		t.Fatalf("incomplete identity must not create an account")
	}
}

func TestSignInAccountStoreFailureIsInternal(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	storeErr := errors.New("db down")
	store := lookupFailingStore{MemoryStore: NewMemoryStore(clock), err: storeErr}
	provider := newStubIdentityProvider()
	provider.identities["kakao-access"] = kakaoIdentity("1", "a@example.com", "a")
	service := NewSignInService(provider, NewAccountRegistry(store, nil), newTestTokenService(t, store, clock), nil, nil)

	_, err := service.SignIn(context.Background(), "kakao-access")
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if errors.Is(err, ErrIdentityUnavailable) {
		t.Fatalf("store failures must not be reported as identity failures")
	}
}
