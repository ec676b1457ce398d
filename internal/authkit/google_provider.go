package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/idtoken"
)

// GoogleTokenValidator verifies Google ID tokens.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator builds the production validator.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

type expectedNonceKey struct{}

// WithExpectedNonce binds a consumed nonce to the sign-in request; the Google
// provider then requires the ID token to carry the same nonce claim.
func WithExpectedNonce(ctx context.Context, nonce string) context.Context {
	return context.WithValue(ctx, expectedNonceKey{}, nonce)
}

func expectedNonce(ctx context.Context) (string, bool) {
	nonce, ok := ctx.Value(expectedNonceKey{}).(string)
	return nonce, ok && nonce != ""
}

// GoogleIdentityProvider resolves Google ID tokens into identities.
type GoogleIdentityProvider struct {
	validator GoogleTokenValidator
	clientID  string
	timeout   time.Duration
}

// NewGoogleIdentityProvider constructs a provider validating tokens for clientID.
// Each validation, certificate fetches included, is bounded by timeout.
func NewGoogleIdentityProvider(validator GoogleTokenValidator, clientID string, timeout time.Duration) *GoogleIdentityProvider {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &GoogleIdentityProvider{validator: validator, clientID: clientID, timeout: timeout}
}

// Name returns the provider label stored on accounts.
func (provider *GoogleIdentityProvider) Name() string {
	return ProviderGoogle
}

// FetchIdentity validates the ID token and extracts the verified profile.
func (provider *GoogleIdentityProvider) FetchIdentity(ctx context.Context, credential string) (Identity, error) {
	idToken := normalizeBearerCredential(credential)
	if idToken == "" {
		return Identity{}, fmt.Errorf("identity.google: %w", ErrProviderUnauthorized)
	}
	validateContext, cancel := context.WithTimeout(ctx, provider.timeout)
	defer cancel()
	payload, err := provider.validator.Validate(validateContext, idToken, provider.clientID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Identity{}, fmt.Errorf("identity.google.validate: %w", errors.Join(ErrProviderTimeout, err))
		}
		return Identity{}, fmt.Errorf("identity.google.validate: %w", errors.Join(ErrProviderUnauthorized, err))
	}
	if payload == nil {
		return Identity{}, fmt.Errorf("identity.google.validate: %w", ErrProviderUnauthorized)
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		return Identity{}, fmt.Errorf("identity.google.issuer: %w", ErrProviderUnauthorized)
	}
	if nonce, required := expectedNonce(ctx); required {
		tokenNonce, _ := payload.Claims["nonce"].(string)
		if tokenNonce != nonce {
			return Identity{}, fmt.Errorf("identity.google.nonce: %w", ErrProviderUnauthorized)
		}
	}

	googleSub, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	displayName, _ := payload.Claims["name"].(string)

	identity := Identity{
		Provider:    ProviderGoogle,
		ExternalID:  strings.TrimSpace(googleSub),
		Email:       strings.TrimSpace(userEmail),
		DisplayName: strings.TrimSpace(displayName),
	}
	if !emailVerified || !identity.Complete() {
		return Identity{}, fmt.Errorf("identity.google.profile: %w", ErrProfileIncomplete)
	}
	return identity, nil
}
