package authkit

import "time"

// ServerConfig configures token signing, TTLs, and identity providers.
type ServerConfig struct {
	JWTSigningKey     []byte
	JWTIssuer         string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	ProviderTimeout   time.Duration
	KakaoUserInfoURL  string
	GoogleWebClientID string
	NonceTTL          time.Duration
}

// GoogleSignInEnabled reports whether a Google web client id was configured.
func (configuration ServerConfig) GoogleSignInEnabled() bool {
	return configuration.GoogleWebClientID != ""
}
