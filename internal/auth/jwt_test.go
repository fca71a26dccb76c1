package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/identity-service/internal/model"
)

const testSecret = "test-secret-that-is-32-bytes-long"

func testTokenConfig() TokenConfig {
	return TokenConfig{
		Secret:     testSecret,
		Issuer:     "identity-service-test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}
}

// newTestTokenService creates a TokenService with a fixed secret and a clock
// the test can move.
func newTestTokenService(t *testing.T, now *time.Time) *TokenService {
	t.Helper()
	ts, err := NewTokenService(testTokenConfig())
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	if now != nil {
		ts.now = func() time.Time { return *now }
	}
	return ts
}

func testAccount() *model.Account {
	return &model.Account{ID: 42, Username: "alice", Email: "alice@x.com", Roles: []string{model.RoleUser}}
}

// =========================================================================
// CONSTRUCTION
// =========================================================================

func TestNewTokenService_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TokenConfig)
	}{
		{"short secret", func(c *TokenConfig) { c.Secret = "short" }},
		{"empty issuer", func(c *TokenConfig) { c.Issuer = "" }},
		{"zero access ttl", func(c *TokenConfig) { c.AccessTTL = 0 }},
		{"access not shorter than refresh", func(c *TokenConfig) { c.AccessTTL = c.RefreshTTL }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testTokenConfig()
			tt.mutate(&cfg)
			if _, err := NewTokenService(cfg); err == nil {
				t.Fatal("NewTokenService() should fail")
			}
		})
	}
}

// =========================================================================
// ISSUE / VERIFY
// =========================================================================

func TestAccessToken_RoundTrip(t *testing.T) {
	ts := newTestTokenService(t, nil)

	token, err := ts.IssueAccessToken(testAccount())
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Fatalf("token doesn't look like a JWT: %q", token)
	}

	claims, err := ts.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	id, err := claims.AccountID()
	if err != nil || id != 42 {
		t.Errorf("AccountID() = %d, %v; want 42", id, err)
	}
	if claims.Username != "alice" {
		t.Errorf("Username = %q, want alice", claims.Username)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != model.RoleUser {
		t.Errorf("Roles = %v, want [USER]", claims.Roles)
	}
	if claims.ID == "" {
		t.Error("token has no jti")
	}
}

func TestRefreshToken_CarriesSubjectOnly(t *testing.T) {
	ts := newTestTokenService(t, nil)

	token, err := ts.IssueRefreshToken(testAccount())
	if err != nil {
		t.Fatalf("IssueRefreshToken() error = %v", err)
	}
	claims, err := ts.VerifyRefresh(token)
	if err != nil {
		t.Fatalf("VerifyRefresh() error = %v", err)
	}
	if claims.Subject != "42" {
		t.Errorf("Subject = %q, want 42", claims.Subject)
	}
	if claims.Username != "" || len(claims.Roles) != 0 {
		t.Errorf("refresh token leaked identity claims: %+v", claims)
	}
}

func TestTokenTypes_AreNotInterchangeable(t *testing.T) {
	ts := newTestTokenService(t, nil)

	access, _ := ts.IssueAccessToken(testAccount())
	refresh, _ := ts.IssueRefreshToken(testAccount())

	if _, err := ts.Verify(refresh); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(refresh) error = %v, want ErrInvalidToken", err)
	}
	if _, err := ts.VerifyRefresh(access); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("VerifyRefresh(access) error = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_ExpiresAfterTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ts := newTestTokenService(t, &now)

	token, _ := ts.IssueAccessToken(testAccount())

	now = now.Add(14 * time.Minute)
	if _, err := ts.Verify(token); err != nil {
		t.Fatalf("Verify() before expiry error = %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := ts.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() after expiry error = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_FlippedSignatureByte(t *testing.T) {
	ts := newTestTokenService(t, nil)
	token, _ := ts.IssueAccessToken(testAccount())

	parts := strings.Split(token, ".")
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		t.Fatalf("decoding signature: %v", err)
	}
	for i := range sig {
		tampered := append([]byte(nil), sig...)
		tampered[i] ^= 0x01
		forged := parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString(tampered)
		if _, err := ts.Verify(forged); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Verify() accepted a token with signature byte %d flipped", i)
		}
	}
}

func TestVerify_RejectsForeignTokens(t *testing.T) {
	ts := newTestTokenService(t, nil)

	otherCfg := testTokenConfig()
	otherCfg.Secret = "a-completely-different-32-byte-key!"
	other, err := NewTokenService(otherCfg)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	wrongKey, _ := other.IssueAccessToken(testAccount())

	otherCfg = testTokenConfig()
	otherCfg.Issuer = "someone-else"
	otherIssuer, _ := NewTokenService(otherCfg)
	wrongIssuer, _ := otherIssuer.IssueAccessToken(testAccount())

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "42",
			Issuer:    "identity-service-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Type: TokenTypeAccess,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing none token: %v", err)
	}

	tests := map[string]string{
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"alg none":     unsigned,
		"garbage":      "not.a.jwt",
		"empty":        "",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ts.Verify(token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestIssue_RejectsUnsavedAccount(t *testing.T) {
	ts := newTestTokenService(t, nil)
	if _, err := ts.IssueAccessToken(&model.Account{Username: "ghost"}); err == nil {
		t.Error("IssueAccessToken() should refuse an account without an ID")
	}
}
