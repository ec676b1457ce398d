package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SignOutService revokes the caller's refresh session.
type SignOutService struct {
	tokens  *TokenService
	logger  *zap.Logger
	metrics MetricsRecorder
}

// NewSignOutService constructs a SignOutService.
func NewSignOutService(tokens *TokenService, logger *zap.Logger, metrics MetricsRecorder) *SignOutService {
	if tokens == nil {
		panic("token service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignOutService{tokens: tokens, logger: logger, metrics: metricsOrNoop(metrics)}
}

// SignOut revokes every outstanding refresh token of callerAccountID, using rawRefreshToken
// as proof of the session. Malformed and missing tokens are reported identically.
func (service *SignOutService) SignOut(ctx context.Context, callerAccountID string, rawRefreshToken string) error {
	if strings.TrimSpace(rawRefreshToken) == "" {
		service.metrics.Increment(metricSignOutFailure)
		return ErrTokenRequired
	}

	err := service.tokens.RevokeForOwner(ctx, rawRefreshToken, callerAccountID)
	switch {
	case err == nil:
		service.metrics.Increment(metricSignOutSuccess)
		return nil
	case errors.Is(err, ErrTokenOwnershipMismatch):
		service.metrics.Increment(metricSignOutFailure)
		service.logger.Warn("sign-out with foreign refresh token",
			zap.String("code", "signout.not_owner"),
			zap.String("account_id", callerAccountID))
		return fmt.Errorf("signout: %w", ErrNotOwner)
	case errors.Is(err, ErrTokenInvalid):
		service.metrics.Increment(metricSignOutFailure)
		return fmt.Errorf("signout: %w", errors.Join(ErrTokenRequired, err))
	default:
		service.metrics.Increment(metricSignOutFailure)
		service.logger.Error("sign-out revocation failed",
			zap.String("code", "signout.revoke_error"),
			zap.String("account_id", callerAccountID),
			zap.Error(err))
		return fmt.Errorf("signout: %w", err)
	}
}
