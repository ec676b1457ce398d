package authkit

import "testing"

func TestHashTokenValueIsStable(t *testing.T) {
	t.Parallel()
	first := hashTokenValue("refresh-token")
	second := hashTokenValue("refresh-token")
	if first != second {
		t.Fatalf("expected deterministic hash")
	}
	if first == hashTokenValue("other-token") {
		t.Fatalf("expected distinct hashes for distinct tokens")
	}
	if first == "refresh-token" {
		t.Fatalf("hash must not echo the raw token")
	}
}

func TestNewIdentifierIsUnique(t *testing.T) {
	t.Parallel()
	seen := make(map[string]struct{})
	for index := 0; index < 100; index++ {
		identifier := newIdentifier()
		if _, exists := seen[identifier]; exists {
			t.Fatalf("duplicate identifier %s", identifier)
		}
		seen[identifier] = struct{}{}
	}
}

func TestNormalizeBearerCredential(t *testing.T) {
	t.Parallel()
	testCases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"BEARER abc":   "abc",
		"abc":          "abc",
		"  abc  ":      "abc",
		"Bearer":       "",
		"Bearer   ":    "",
		"":             "",
	}
	for input, expected := range testCases {
		if got := normalizeBearerCredential(input); got != expected {
			t.Fatalf("%q: expected %q, got %q", input, expected, got)
		}
	}
}
