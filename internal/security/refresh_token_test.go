package security

import (
	"encoding/base64"
	"testing"
)

func TestGenerateRefreshToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		tok, err := GenerateRefreshToken()
		if err != nil {
			t.Fatalf("GenerateRefreshToken: %v", err)
		}
		if len(tok) != 43 {
			t.Fatalf("token length = %d, want 43", len(tok))
		}
		raw, err := base64.RawURLEncoding.DecodeString(tok)
		if err != nil || len(raw) != RefreshTokenBytes {
			t.Fatalf("token %q is not 32 bytes of base64url: %v", tok, err)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestHashRefreshToken(t *testing.T) {
	a := HashRefreshToken("token-1")
	if a != HashRefreshToken("token-1") {
		t.Error("HashRefreshToken not deterministic")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 (SHA-256 hex)", len(a))
	}
	if a == HashRefreshToken("token-2") {
		t.Error("different tokens produced the same hash")
	}
	if a == "token-1" {
		t.Error("hash must not equal the raw token")
	}
}
