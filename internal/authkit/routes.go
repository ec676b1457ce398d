package authkit

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/kauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	codeTokenNotValid = "token_not_valid"

	detailTokenInvalidOrExpired = "invalid or expired token"
	detailIdentityUnavailable   = "unable to fetch provider account information"
	detailRefreshInvalid        = "token is invalid or expired"
	detailRefreshWrongKind      = "token has wrong type"
	detailTokenNotOwned         = "token does not belong to the user"
	detailInternalError         = "internal server error"
	detailMalformedBody         = "malformed request body"
	fieldRequiredMessage        = "this field is required."
	fieldBlankMessage           = "this field may not be blank."
	signInNonceHeader           = "X-Signin-Nonce"
	refreshFieldName            = "refresh"
	signInCredentialHeader      = "Authorization"
)

// RouteDependencies are the collaborators served by MountAuthRoutes.
type RouteDependencies struct {
	KakaoSignIn     *SignInService
	GoogleSignIn    *SignInService
	Nonces          NonceStore
	Tokens          *TokenService
	SignOut         *SignOutService
	AccessValidator *sessionvalidator.Validator
	Logger          *zap.Logger
	Metrics         MetricsRecorder
}

type tokenPairResponse struct {
	Refresh string `json:"refresh"`
	Access  string `json:"access"`
}

type accessResponse struct {
	Access string `json:"access"`
}

type nonceResponse struct {
	Nonce string `json:"nonce"`
}

type detailResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

type refreshRequest struct {
	Refresh *string `json:"refresh"`
}

type signOutRequest struct {
	RefreshToken *string `json:"refresh_token"`
}

// MountAuthRoutes registers /kakao-signin, /token-refresh, /signout and, when configured,
// /google-nonce and /google-signin.
func MountAuthRoutes(router gin.IRouter, dependencies RouteDependencies) {
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := metricsOrNoop(dependencies.Metrics)

	if dependencies.KakaoSignIn != nil {
		router.GET("/kakao-signin", handleSignIn(dependencies.KakaoSignIn, nil, logger, metrics))
	}

	if dependencies.GoogleSignIn != nil {
		router.POST("/google-nonce", func(contextGin *gin.Context) {
			if dependencies.Nonces == nil {
				contextGin.AbortWithStatus(http.StatusNotFound)
				return
			}
			nonce, err := dependencies.Nonces.Issue(contextGin.Request.Context())
			if err != nil {
				logger.Error("nonce issue failed", zap.String("code", "auth.nonce.issue_error"), zap.Error(err))
				contextGin.AbortWithStatusJSON(http.StatusInternalServerError, detailResponse{Detail: detailInternalError})
				return
			}
			contextGin.JSON(http.StatusOK, nonceResponse{Nonce: nonce})
		})
		router.GET("/google-signin", handleSignIn(dependencies.GoogleSignIn, dependencies.Nonces, logger, metrics))
	}

	router.POST("/token-refresh", func(contextGin *gin.Context) {
		var inbound refreshRequest
		if err := bindOptionalJSON(contextGin, &inbound); err != nil {
			metrics.Increment(metricRefreshFailure)
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, detailResponse{Detail: detailMalformedBody})
			return
		}
		rawRefresh, fieldErrors := validateRefreshRequest(inbound)
		if fieldErrors != nil {
			metrics.Increment(metricRefreshFailure)
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, fieldErrors)
			return
		}

		access, err := dependencies.Tokens.VerifyAndRotateRefresh(contextGin.Request.Context(), rawRefresh)
		if err != nil {
			metrics.Increment(metricRefreshFailure)
			status, body := refreshFailureResponse(err)
			if status == http.StatusInternalServerError {
				logger.Error("token refresh failed", zap.String("code", "auth.refresh.error"), zap.Error(err))
			}
			contextGin.AbortWithStatusJSON(status, body)
			return
		}
		metrics.Increment(metricRefreshSuccess)
		contextGin.JSON(http.StatusOK, accessResponse{Access: access.RawValue})
	})

	if dependencies.SignOut != nil && dependencies.AccessValidator != nil {
		router.POST("/signout", RequireAccess(dependencies.AccessValidator, logger), func(contextGin *gin.Context) {
			accountID, ok := AccountIDFromContext(contextGin)
			if !ok {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, detailResponse{Detail: detailCredentialsNotProvided})
				return
			}
			var inbound signOutRequest
			rawRefresh := ""
			if err := bindOptionalJSON(contextGin, &inbound); err == nil && inbound.RefreshToken != nil {
				rawRefresh = *inbound.RefreshToken
			}
			if err := dependencies.SignOut.SignOut(contextGin.Request.Context(), accountID, rawRefresh); err != nil {
				status, body := signOutFailureResponse(err)
				contextGin.AbortWithStatusJSON(status, body)
				return
			}
			contextGin.Status(http.StatusNoContent)
		})
	}
}

func handleSignIn(service *SignInService, nonces NonceStore, logger *zap.Logger, metrics MetricsRecorder) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requestContext := contextGin.Request.Context()
		if nonces != nil {
			nonce := strings.TrimSpace(contextGin.GetHeader(signInNonceHeader))
			if nonce == "" || nonces.Consume(requestContext, nonce) != nil {
				metrics.Increment(metricSignInNonceMiss)
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, detailResponse{Detail: detailIdentityUnavailable})
				return
			}
			requestContext = WithExpectedNonce(requestContext, nonce)
		}

		result, err := service.SignIn(requestContext, contextGin.GetHeader(signInCredentialHeader))
		if err != nil {
			status, body := signInFailureResponse(err)
			if status == http.StatusInternalServerError {
				logger.Error("sign-in failed",
					zap.String("code", "auth.signin.error"),
					zap.String("provider", service.ProviderName()),
					zap.Error(err))
			}
			contextGin.AbortWithStatusJSON(status, body)
			return
		}

		status := http.StatusOK
		if result.Created {
			status = http.StatusCreated
		}
		contextGin.JSON(status, tokenPairResponse{Refresh: result.Tokens.Refresh, Access: result.Tokens.Access})
	}
}

// bindOptionalJSON decodes the body, treating an empty body as an empty object.
func bindOptionalJSON(contextGin *gin.Context, target interface{}) error {
	if err := contextGin.ShouldBindJSON(target); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func validateRefreshRequest(inbound refreshRequest) (string, map[string][]string) {
	if inbound.Refresh == nil {
		return "", map[string][]string{refreshFieldName: {fieldRequiredMessage}}
	}
	if strings.TrimSpace(*inbound.Refresh) == "" {
		return "", map[string][]string{refreshFieldName: {fieldBlankMessage}}
	}
	return *inbound.Refresh, nil
}

func signInFailureResponse(err error) (int, detailResponse) {
	switch {
	case errors.Is(err, ErrCredentialMissing):
		return http.StatusBadRequest, detailResponse{Detail: detailTokenInvalidOrExpired}
	case errors.Is(err, ErrIdentityUnavailable):
		return http.StatusUnauthorized, detailResponse{Detail: detailIdentityUnavailable}
	default:
		return http.StatusInternalServerError, detailResponse{Detail: detailInternalError}
	}
}

func refreshFailureResponse(err error) (int, detailResponse) {
	switch {
	case errors.Is(err, ErrTokenWrongKind):
		return http.StatusUnauthorized, detailResponse{Detail: detailRefreshWrongKind, Code: codeTokenNotValid}
	case errors.Is(err, ErrTokenInvalid):
		return http.StatusUnauthorized, detailResponse{Detail: detailRefreshInvalid, Code: codeTokenNotValid}
	default:
		return http.StatusInternalServerError, detailResponse{Detail: detailInternalError}
	}
}

func signOutFailureResponse(err error) (int, detailResponse) {
	switch {
	case errors.Is(err, ErrNotOwner):
		return http.StatusBadRequest, detailResponse{Detail: detailTokenNotOwned}
	case errors.Is(err, ErrTokenRequired):
		return http.StatusBadRequest, detailResponse{Detail: detailTokenInvalidOrExpired}
	default:
		return http.StatusInternalServerError, detailResponse{Detail: detailInternalError}
	}
}
