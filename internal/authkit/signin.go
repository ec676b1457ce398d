package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SignInResult carries the issued pair and whether the account was new.
type SignInResult struct {
	Tokens  TokenPair
	Account Account
	Created bool
}

// SignInService coordinates provider lookup, account resolution, and token issuance.
type SignInService struct {
	provider IdentityProvider
	registry *AccountRegistry
	tokens   *TokenService
	logger   *zap.Logger
	metrics  MetricsRecorder
}

// NewSignInService wires a sign-in flow for one identity provider.
func NewSignInService(provider IdentityProvider, registry *AccountRegistry, tokens *TokenService, logger *zap.Logger, metrics MetricsRecorder) *SignInService {
	if provider == nil || registry == nil || tokens == nil {
		panic("sign-in requires provider, registry, and token service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignInService{
		provider: provider,
		registry: registry,
		tokens:   tokens,
		logger:   logger,
		metrics:  metricsOrNoop(metrics),
	}
}

// ProviderName returns the name of the underlying identity provider.
func (service *SignInService) ProviderName() string {
	return service.provider.Name()
}

// SignIn runs the single-pass sign-in flow. Token state is only touched after the
// identity and the account have both been resolved. Any non-empty credential, even a
// bare "Bearer", goes to the provider.
func (service *SignInService) SignIn(ctx context.Context, credential string) (SignInResult, error) {
	if strings.TrimSpace(credential) == "" {
		service.metrics.Increment(metricSignInFailure)
		return SignInResult{}, ErrCredentialMissing
	}

	identity, fetchErr := service.provider.FetchIdentity(ctx, credential)
	if fetchErr != nil {
		service.metrics.Increment(metricSignInFailure)
		service.logger.Warn("identity lookup failed",
			zap.String("code", identityFailureCode(fetchErr)),
			zap.String("provider", service.provider.Name()),
			zap.Error(fetchErr))
		return SignInResult{}, fmt.Errorf("signin.identity: %w", errors.Join(ErrIdentityUnavailable, fetchErr))
	}

	account, created, resolveErr := service.registry.Resolve(ctx, identity)
	if resolveErr != nil {
		service.metrics.Increment(metricSignInFailure)
		if errors.Is(resolveErr, ErrProfileIncomplete) {
			return SignInResult{}, fmt.Errorf("signin.identity: %w", errors.Join(ErrIdentityUnavailable, resolveErr))
		}
		service.logger.Error("account resolution failed",
			zap.String("code", "signin.account_error"),
			zap.String("provider", identity.Provider),
			zap.Error(resolveErr))
		return SignInResult{}, fmt.Errorf("signin.account: %w", resolveErr)
	}

	pair, issueErr := service.tokens.IssuePair(ctx, account)
	if issueErr != nil {
		service.metrics.Increment(metricSignInFailure)
		service.logger.Error("token issuance failed",
			zap.String("code", "signin.token_error"),
			zap.String("account_id", account.ID),
			zap.Error(issueErr))
		return SignInResult{}, fmt.Errorf("signin.tokens: %w", issueErr)
	}

	if created {
		service.metrics.Increment(metricSignInCreated)
	} else {
		service.metrics.Increment(metricSignInExisting)
	}
	return SignInResult{Tokens: pair, Account: account, Created: created}, nil
}

func identityFailureCode(err error) string {
	switch {
	case errors.Is(err, ErrProviderTimeout):
		return "signin.provider_timeout"
	case errors.Is(err, ErrProviderUnauthorized):
		return "signin.provider_unauthorized"
	case errors.Is(err, ErrProfileIncomplete):
		return "signin.profile_incomplete"
	default:
		return "signin.provider_error"
	}
}
