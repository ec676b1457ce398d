package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	Clock      Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

// Token types carried in the token_type claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

const bearerPrefix = "bearer "

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey    = errors.New("session.validator.missing_signing_key")
	ErrMissingIssuer        = errors.New("session.validator.missing_issuer")
	ErrMissingToken         = errors.New("session.validator.missing_token")
	ErrMissingAuthorization = errors.New("session.validator.missing_authorization")
	ErrInvalidToken         = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer        = errors.New("session.validator.invalid_issuer")
	ErrTokenExpired         = errors.New("session.validator.expired")
	ErrWrongTokenType       = errors.New("session.validator.wrong_token_type")
)

// Validator validates kauth access tokens.
type Validator struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

// Claims represent the payload embedded in kauth access and refresh tokens.
type Claims struct {
	AccountID string `json:"account_id"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// GetAccountID returns the account identifier carried by the token.
func (claims *Claims) GetAccountID() string {
	if claims == nil {
		return ""
	}
	return claims.AccountID
}

// GetTokenType returns the token_type claim.
func (claims *Claims) GetTokenType() string {
	if claims == nil {
		return ""
	}
	return claims.TokenType
}

// GetTokenID returns the jti claim.
func (claims *Claims) GetTokenID() string {
	if claims == nil {
		return ""
	}
	return claims.ID
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		clock:      clock,
	}, nil
}

// ParseToken verifies signature, issuer, and time claims without looking at the token type.
func (validator *Validator) ParseToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.parse_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("session.validator.parse_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("session.validator.parse_token: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("session.validator.parse_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("session.validator.parse_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("session.validator.parse_token: %w", ErrInvalidIssuer)
	}
	current := validator.clock.Now()
	if claims.ExpiresAt != nil && !current.Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("session.validator.parse_token: %w", ErrTokenExpired)
	}
	if claims.NotBefore != nil && current.Before(claims.NotBefore.Time) {
		return nil, fmt.Errorf("session.validator.parse_token: %w", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.AccountID) == "" || claims.Subject != claims.AccountID {
		return nil, fmt.Errorf("session.validator.parse_token: %w", ErrInvalidToken)
	}
	return claims, nil
}

// ValidateToken validates an access token and returns the parsed claims.
// Refresh tokens are rejected with ErrWrongTokenType.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := validator.ParseToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrWrongTokenType)
	}
	return claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(request *http.Request) (string, bool) {
	if request == nil {
		return "", false
	}
	headerValue := strings.TrimSpace(request.Header.Get("Authorization"))
	if len(headerValue) <= len(bearerPrefix) || !strings.EqualFold(headerValue[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(headerValue[len(bearerPrefix):])
	return token, token != ""
}

// ValidateRequest reads the bearer token from the request and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	token, ok := BearerToken(request)
	if !ok {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingAuthorization)
	}
	return validator.ValidateToken(token)
}

// GinMiddleware returns a Gin middleware that validates the bearer access token and injects claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
