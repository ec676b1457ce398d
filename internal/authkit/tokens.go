package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/kauth/pkg/sessionvalidator"
)

const notBeforeSkew = 30 * time.Second

// TokenPair is the result of a successful sign-in.
type TokenPair struct {
	Refresh string
	Access  string
}

// IssuedToken describes a freshly minted token.
type IssuedToken struct {
	TokenID   string
	AccountID string
	Kind      string
	RawValue  string
	ExpiresAt time.Time
}

// TokenServiceConfig configures signing and lifetimes.
type TokenServiceConfig struct {
	SigningKey []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Clock      Clock
}

// TokenService issues, verifies, and revokes token pairs.
type TokenService struct {
	signingKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      Clock
	ledger     TokenLedger
	parser     *sessionvalidator.Validator
}

var (
	errMissingLedger      = errors.New("token_service.missing_ledger")
	errNonPositiveAccess  = errors.New("token_service.access_ttl_must_be_positive")
	errNonPositiveRefresh = errors.New("token_service.refresh_ttl_must_be_positive")
)

// NewTokenService constructs a TokenService backed by the given ledger.
func NewTokenService(configuration TokenServiceConfig, ledger TokenLedger) (*TokenService, error) {
	if ledger == nil {
		return nil, fmt.Errorf("token_service.new: %w", errMissingLedger)
	}
	if configuration.AccessTTL <= 0 {
		return nil, fmt.Errorf("token_service.new: %w", errNonPositiveAccess)
	}
	if configuration.RefreshTTL <= 0 {
		return nil, fmt.Errorf("token_service.new: %w", errNonPositiveRefresh)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	parser, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.SigningKey,
		Issuer:     configuration.Issuer,
		Clock:      clock,
	})
	if err != nil {
		return nil, fmt.Errorf("token_service.new: %w", err)
	}
	return &TokenService{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		accessTTL:  configuration.AccessTTL,
		refreshTTL: configuration.RefreshTTL,
		clock:      clock,
		ledger:     ledger,
		parser:     parser,
	}, nil
}

// AccessValidator exposes the access-token validator sharing this service's key and issuer.
func (service *TokenService) AccessValidator() *sessionvalidator.Validator {
	return service.parser
}

// IssuePair revokes every outstanding refresh token of the account and issues a new pair.
func (service *TokenService) IssuePair(ctx context.Context, account Account) (TokenPair, error) {
	if strings.TrimSpace(account.ID) == "" {
		return TokenPair{}, fmt.Errorf("token.issue_pair: %w", ErrTokenSubjectMissing)
	}
	if err := service.revokeOutstanding(ctx, account.ID); err != nil {
		return TokenPair{}, fmt.Errorf("token.issue_pair: %w", err)
	}

	refresh, err := service.mint(account.ID, sessionvalidator.TokenTypeRefresh, service.refreshTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("token.issue_pair: %w", err)
	}
	record := OutstandingToken{
		TokenID:   refresh.TokenID,
		AccountID: account.ID,
		TokenHash: hashTokenValue(refresh.RawValue),
		IssuedAt:  service.clock.Now().UTC(),
		ExpiresAt: refresh.ExpiresAt,
	}
	if err := service.ledger.InsertOutstandingToken(ctx, record); err != nil {
		return TokenPair{}, fmt.Errorf("token.issue_pair: %w", err)
	}

	access, err := service.mint(account.ID, sessionvalidator.TokenTypeAccess, service.accessTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("token.issue_pair: %w", err)
	}
	return TokenPair{Refresh: refresh.RawValue, Access: access.RawValue}, nil
}

// VerifyAndRotateRefresh validates a refresh token and returns a new access token.
// The refresh token itself stays outstanding.
func (service *TokenService) VerifyAndRotateRefresh(ctx context.Context, rawRefreshToken string) (IssuedToken, error) {
	claims, err := service.verifyRefresh(ctx, rawRefreshToken)
	if err != nil {
		return IssuedToken{}, err
	}
	access, err := service.mint(claims.AccountID, sessionvalidator.TokenTypeAccess, service.accessTTL)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("token.rotate: %w", err)
	}
	return access, nil
}

// RevokeForOwner revokes all outstanding refresh tokens of the token's owner
// provided the caller owns the presented token. A mismatch has no side effects.
func (service *TokenService) RevokeForOwner(ctx context.Context, rawRefreshToken string, callerAccountID string) error {
	claims, err := service.verifyRefresh(ctx, rawRefreshToken)
	if err != nil {
		return err
	}
	if claims.AccountID != callerAccountID {
		return fmt.Errorf("token.revoke: %w", ErrTokenOwnershipMismatch)
	}
	if err := service.revokeOutstanding(ctx, claims.AccountID); err != nil {
		return fmt.Errorf("token.revoke: %w", err)
	}
	return nil
}

// ParseAccess validates an access token. Refresh tokens fail with ErrTokenWrongKind.
func (service *TokenService) ParseAccess(rawAccessToken string) (*sessionvalidator.Claims, error) {
	claims, err := service.parser.ValidateToken(rawAccessToken)
	if err != nil {
		if errors.Is(err, sessionvalidator.ErrWrongTokenType) {
			return nil, fmt.Errorf("token.parse_access: %w", ErrTokenWrongKind)
		}
		return nil, fmt.Errorf("token.parse_access: %w", ErrTokenInvalid)
	}
	return claims, nil
}

func (service *TokenService) verifyRefresh(ctx context.Context, rawRefreshToken string) (*sessionvalidator.Claims, error) {
	claims, err := service.parser.ParseToken(rawRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("token.verify_refresh: %w", ErrTokenInvalid)
	}
	if claims.TokenType != sessionvalidator.TokenTypeRefresh {
		return nil, fmt.Errorf("token.verify_refresh: %w", ErrTokenWrongKind)
	}
	if strings.TrimSpace(claims.ID) == "" {
		return nil, fmt.Errorf("token.verify_refresh: %w", ErrTokenInvalid)
	}

	outstanding, err := service.ledger.FindOutstandingToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrOutstandingTokenNotFound) {
			return nil, fmt.Errorf("token.verify_refresh: %w", ErrTokenInvalid)
		}
		return nil, fmt.Errorf("token.verify_refresh: %w", err)
	}
	if outstanding.AccountID != claims.AccountID || outstanding.TokenHash != hashTokenValue(rawRefreshToken) {
		return nil, fmt.Errorf("token.verify_refresh: %w", ErrTokenInvalid)
	}

	revoked, err := service.ledger.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("token.verify_refresh: %w", err)
	}
	if revoked {
		return nil, fmt.Errorf("token.verify_refresh: %w", ErrTokenInvalid)
	}
	return claims, nil
}

func (service *TokenService) revokeOutstanding(ctx context.Context, accountID string) error {
	outstanding, err := service.ledger.ListActiveTokensForAccount(ctx, accountID, service.clock.Now())
	if err != nil {
		return err
	}
	for _, token := range outstanding {
		if _, _, revokeErr := service.ledger.InsertOrGetRevokedToken(ctx, token.TokenID); revokeErr != nil {
			return revokeErr
		}
	}
	return nil
}

func (service *TokenService) mint(accountID string, kind string, ttl time.Duration) (IssuedToken, error) {
	issuedAt := service.clock.Now().UTC()
	tokenID := newIdentifier()
	expiresAt := jwt.NewNumericDate(issuedAt.Add(ttl))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		AccountID: accountID,
		TokenType: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    service.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-notBeforeSkew)),
			ExpiresAt: expiresAt,
		},
	})
	signed, err := token.SignedString(service.signingKey)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return IssuedToken{
		TokenID:   tokenID,
		AccountID: accountID,
		Kind:      kind,
		RawValue:  signed,
		ExpiresAt: expiresAt.Time,
	}, nil
}
