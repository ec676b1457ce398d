package authkit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/kauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	detailCredentialsNotProvided = "authentication credentials were not provided"
	detailAccessTokenInvalid     = "given token not valid for any token type"
)

// RequireAccess validates the bearer access token and injects its claims under
// sessionvalidator.DefaultContextKey.
func RequireAccess(validator *sessionvalidator.Validator, logger *zap.Logger) gin.HandlerFunc {
	if validator == nil {
		panic("access validator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			if errors.Is(err, sessionvalidator.ErrMissingAuthorization) {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, detailResponse{Detail: detailCredentialsNotProvided})
				return
			}
			logger.Debug("access token rejected",
				zap.String("code", "auth.access.invalid"),
				zap.Error(err))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, detailResponse{Detail: detailAccessTokenInvalid, Code: codeTokenNotValid})
			return
		}
		contextGin.Set(sessionvalidator.DefaultContextKey, claims)
		contextGin.Next()
	}
}

// AccountIDFromContext returns the authenticated account id set by RequireAccess.
func AccountIDFromContext(contextGin *gin.Context) (string, bool) {
	value, found := contextGin.Get(sessionvalidator.DefaultContextKey)
	if !found {
		return "", false
	}
	claims, ok := value.(*sessionvalidator.Claims)
	if !ok || claims.GetAccountID() == "" {
		return "", false
	}
	return claims.AccountID, true
}
