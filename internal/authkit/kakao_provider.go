package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultKakaoUserInfoURL is the Kakao account lookup endpoint.
	DefaultKakaoUserInfoURL = "https://kapi.kakao.com/v2/user/me"
	// DefaultProviderTimeout bounds a single provider lookup.
	DefaultProviderTimeout = 3 * time.Second

	kakaoUnauthorizedCode   = -401
	kakaoMaxResponseBytes   = 1 << 20
	kakaoProviderErrorScope = "identity.kakao"
)

// KakaoProviderConfig configures the Kakao account lookup.
type KakaoProviderConfig struct {
	UserInfoURL string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// KakaoIdentityProvider resolves Kakao access tokens into identities.
type KakaoIdentityProvider struct {
	userInfoURL string
	timeout     time.Duration
	baseClient  *http.Client
}

type kakaoUserPayload struct {
	ID           json.Number        `json:"id"`
	Code         int                `json:"code"`
	KakaoAccount *kakaoAccountBlock `json:"kakao_account"`
}

type kakaoAccountBlock struct {
	Email   string             `json:"email"`
	Profile *kakaoProfileBlock `json:"profile"`
}

type kakaoProfileBlock struct {
	Nickname string `json:"nickname"`
}

// NewKakaoIdentityProvider constructs a provider with defaults for unset fields.
func NewKakaoIdentityProvider(configuration KakaoProviderConfig) *KakaoIdentityProvider {
	userInfoURL := strings.TrimSpace(configuration.UserInfoURL)
	if userInfoURL == "" {
		userInfoURL = DefaultKakaoUserInfoURL
	}
	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	baseClient := configuration.HTTPClient
	if baseClient == nil {
		baseClient = &http.Client{Timeout: timeout}
	}
	return &KakaoIdentityProvider{
		userInfoURL: userInfoURL,
		timeout:     timeout,
		baseClient:  baseClient,
	}
}

// Name returns the provider label stored on accounts.
func (provider *KakaoIdentityProvider) Name() string {
	return ProviderKakao
}

// FetchIdentity calls the Kakao user endpoint once with the credential as a bearer token.
func (provider *KakaoIdentityProvider) FetchIdentity(ctx context.Context, credential string) (Identity, error) {
	accessToken := normalizeBearerCredential(credential)
	if accessToken == "" {
		return Identity{}, fmt.Errorf("%s: %w", kakaoProviderErrorScope, ErrProviderUnauthorized)
	}

	requestContext, cancel := context.WithTimeout(ctx, provider.timeout)
	defer cancel()
	requestContext = context.WithValue(requestContext, oauth2.HTTPClient, provider.baseClient)
	client := oauth2.NewClient(requestContext, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))

	request, err := http.NewRequestWithContext(requestContext, http.MethodGet, provider.userInfoURL, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("%s.request: %w", kakaoProviderErrorScope, errors.Join(ErrProviderTimeout, err))
	}
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return Identity{}, fmt.Errorf("%s.request: %w", kakaoProviderErrorScope, errors.Join(ErrProviderTimeout, err))
	}
	defer func() { _ = response.Body.Close() }()

	var payload kakaoUserPayload
	decodeErr := json.NewDecoder(io.LimitReader(response.Body, kakaoMaxResponseBytes)).Decode(&payload)
	if response.StatusCode == http.StatusUnauthorized || (decodeErr == nil && payload.Code == kakaoUnauthorizedCode) {
		return Identity{}, fmt.Errorf("%s.status_%d: %w", kakaoProviderErrorScope, response.StatusCode, ErrProviderUnauthorized)
	}
	if decodeErr != nil {
		return Identity{}, fmt.Errorf("%s.decode: %w", kakaoProviderErrorScope, errors.Join(ErrProviderTimeout, decodeErr))
	}

	identity := payload.identity()
	if !identity.Complete() {
		return Identity{}, fmt.Errorf("%s.profile: %w", kakaoProviderErrorScope, ErrProfileIncomplete)
	}
	return identity, nil
}

func (payload kakaoUserPayload) identity() Identity {
	identity := Identity{
		Provider:   ProviderKakao,
		ExternalID: canonicalKakaoID(payload.ID),
	}
	if payload.KakaoAccount == nil {
		return identity
	}
	identity.Email = strings.TrimSpace(payload.KakaoAccount.Email)
	if payload.KakaoAccount.Profile != nil {
		identity.DisplayName = strings.TrimSpace(payload.KakaoAccount.Profile.Nickname)
	}
	return identity
}

// canonicalKakaoID returns the decimal form of a positive integer id, or "" for anything else.
func canonicalKakaoID(raw json.Number) string {
	parsed, err := strconv.ParseInt(strings.TrimSpace(raw.String()), 10, 64)
	if err != nil || parsed <= 0 {
		return ""
	}
	return strconv.FormatInt(parsed, 10)
}
