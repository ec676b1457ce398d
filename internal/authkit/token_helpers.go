package authkit

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

func hashTokenValue(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func newIdentifier() string {
	return uuid.NewString()
}

func externalKey(provider string, externalID string) string {
	return provider + ":" + externalID
}

// normalizeBearerCredential strips an optional "Bearer " prefix from a header value.
func normalizeBearerCredential(headerValue string) string {
	trimmed := strings.TrimSpace(headerValue)
	if strings.EqualFold(trimmed, "bearer") {
		return ""
	}
	if len(trimmed) > len("bearer ") && strings.EqualFold(trimmed[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(trimmed[len("bearer "):])
	}
	return trimmed
}
