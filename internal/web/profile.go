package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/kauth/internal/authkit"
	"github.com/tyemirov/kauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// AccountReader loads accounts by id.
type AccountReader interface {
	GetAccount(ctx context.Context, accountID string) (authkit.Account, error)
}

type profileResponse struct {
	AccountID   string `json:"account_id"`
	Provider    string `json:"provider"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	ExpiresAt   int64  `json:"expires_at"`
}

// HandleWhoAmI returns the profile of the account authenticated by the access token.
func HandleWhoAmI(logger *zap.Logger, accounts AccountReader) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if accounts == nil {
		panic("account reader is required")
	}

	return func(contextGin *gin.Context) {
		claimsValue, found := contextGin.Get(sessionvalidator.DefaultContextKey)
		if !found {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.me.missing_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, ok := claimsValue.(*sessionvalidator.Claims)
		if !ok || claims.GetAccountID() == "" {
			logger.Warn("invalid auth claims on context",
				zap.String("code", "api.me.invalid_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		account, err := accounts.GetAccount(contextGin.Request.Context(), claims.AccountID)
		if err != nil {
			if errors.Is(err, authkit.ErrAccountNotFound) {
				logger.Warn("account missing",
					zap.String("code", "api.me.account_missing"),
					zap.String("account_id", claims.AccountID))
				contextGin.AbortWithStatus(http.StatusNotFound)
				return
			}
			logger.Error("account lookup error",
				zap.String("code", "api.me.account_error"),
				zap.String("account_id", claims.AccountID),
				zap.Error(err))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		contextGin.JSON(http.StatusOK, profileResponse{
			AccountID:   account.ID,
			Provider:    account.Provider,
			Email:       account.Email,
			DisplayName: account.DisplayName,
			ExpiresAt:   claims.GetExpiresAt().Unix(),
		})
	}
}
