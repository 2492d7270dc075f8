package session

import (
	"errors"
	"strings"
	"testing"
)

func TestNewTokenAndVerify(t *testing.T) {
	token, err := RandomTokens{}.NewToken()
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	if err := VerifyToken(token, token); err != nil {
		t.Errorf("expected valid token to verify, got: %v", err)
	}
}

func TestTokenIsBase36(t *testing.T) {
	token, _ := RandomTokens{}.NewToken()

	if token == "" {
		t.Fatal("expected a non-empty token")
	}
	if strings.Trim(token, "0123456789abcdefghijklmnopqrstuvwxyz") != "" {
		t.Errorf("token %q contains non base-36 characters", token)
	}
}

func TestTokensAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		token, err := RandomTokens{}.NewToken()
		if err != nil {
			t.Fatalf("failed to generate token: %v", err)
		}
		if seen[token] {
			t.Fatalf("duplicate token after %d draws", i)
		}
		seen[token] = true
	}
}

func TestVerifyForgedToken(t *testing.T) {
	token, _ := RandomTokens{}.NewToken()

	err := VerifyToken(token, "forged-token-value")
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for forged token, got %v", err)
	}
}

func TestVerifyEmptyExpectedNeverMatches(t *testing.T) {
	// a peer without a token must not be claimable with an empty token
	if err := VerifyToken("", ""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenFunc(t *testing.T) {
	gen := TokenFunc(func() (string, error) { return "fixed", nil })

	token, err := gen.NewToken()
	if err != nil || token != "fixed" {
		t.Errorf("expected fixed token, got %q %v", token, err)
	}
}
