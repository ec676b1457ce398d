package authkit

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialMissing indicates that no provider credential accompanied a sign-in request.
	ErrCredentialMissing = errors.New("signin.credential_missing")
	// ErrIdentityUnavailable collapses every provider failure for the caller.
	ErrIdentityUnavailable = errors.New("signin.identity_unavailable")

	// ErrProviderTimeout indicates the provider call timed out or failed in transport.
	ErrProviderTimeout = errors.New("identity.provider_timeout")
	// ErrProviderUnauthorized indicates the provider rejected the credential.
	ErrProviderUnauthorized = errors.New("identity.provider_unauthorized")
	// ErrProfileIncomplete indicates the provider profile lacks a required field.
	ErrProfileIncomplete = errors.New("identity.profile_incomplete")

	// ErrTokenInvalid covers malformed, expired, revoked, or foreign-signed tokens.
	ErrTokenInvalid = errors.New("token.invalid")
	// ErrTokenWrongKind indicates an access token was presented where a refresh token is required, or the reverse.
	// It wraps ErrTokenInvalid.
	ErrTokenWrongKind = fmt.Errorf("token.wrong_kind: %w", ErrTokenInvalid)
	// ErrTokenOwnershipMismatch indicates the token belongs to another account.
	ErrTokenOwnershipMismatch = errors.New("token.ownership_mismatch")
	// ErrTokenSubjectMissing indicates an attempt to issue tokens without an account id.
	ErrTokenSubjectMissing = errors.New("token.subject_missing")

	// ErrTokenRequired is returned by sign-out for missing, blank, or invalid refresh tokens.
	ErrTokenRequired = errors.New("signout.token_required")
	// ErrNotOwner is returned by sign-out when the caller does not own the refresh token.
	ErrNotOwner = errors.New("signout.not_owner")

	// ErrAccountNotFound indicates no account matched the lookup.
	ErrAccountNotFound = errors.New("account_store.not_found")
	// ErrOutstandingTokenNotFound indicates no outstanding refresh token matched the identifier.
	ErrOutstandingTokenNotFound = errors.New("token_store.not_found")
)
