package authkit

import "context"

// Provider names stored on accounts.
const (
	ProviderKakao  = "kakao"
	ProviderGoogle = "google"
)

// Identity is the normalized profile reported by an external identity provider.
type Identity struct {
	Provider    string
	ExternalID  string
	Email       string
	DisplayName string
}

// Complete reports whether every required field is present.
func (identity Identity) Complete() bool {
	return identity.Provider != "" && identity.ExternalID != "" && identity.Email != "" && identity.DisplayName != ""
}

// IdentityProvider exchanges an opaque bearer credential for an Identity.
// Implementations make a single attempt bounded by their own timeout and classify
// failures as ErrProviderTimeout, ErrProviderUnauthorized, or ErrProfileIncomplete.
type IdentityProvider interface {
	Name() string
	FetchIdentity(ctx context.Context, credential string) (Identity, error)
}
