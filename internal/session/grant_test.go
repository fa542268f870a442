package session_test

import (
	"testing"
	"time"

	"github.com/dropDatabas3/veil/internal/session"
	"github.com/dropDatabas3/veil/internal/token"
)

func testCodec(t *testing.T) *token.JWTCodec {
	t.Helper()
	ks, err := token.NewKeystore()
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	return token.NewJWTCodec("https://op.example.org", ks, time.Hour)
}

func TestCodeIsSingleUse(t *testing.T) {
	c := testCodec(t)
	g := session.NewGrant(0)
	g.Scope = []string{"openid"}

	code, err := g.MintToken(c, session.MintSpec{
		SessionID: "u;;c;;g",
		TokenType: session.TypeAuthorizationCode,
	})
	if err != nil {
		t.Fatalf("mint code: %v", err)
	}
	if code.UsageRules.MaxUsage != 1 {
		t.Fatalf("code max_usage: got %d want 1", code.UsageRules.MaxUsage)
	}

	if _, err := g.MintToken(c, session.MintSpec{
		SessionID: "u;;c;;g",
		TokenType: session.TypeAccessToken,
		BasedOn:   code,
	}); err != nil {
		t.Fatalf("first mint from code: %v", err)
	}

	// The code is spent now.
	if _, err := g.MintToken(c, session.MintSpec{
		SessionID: "u;;c;;g",
		TokenType: session.TypeRefreshToken,
		BasedOn:   code,
	}); err != session.ErrMintingNotAllowed {
		t.Fatalf("second mint from code: expected ErrMintingNotAllowed, got %v", err)
	}
}

func TestMintingNotAllowedFromAccessToken(t *testing.T) {
	c := testCodec(t)
	g := session.NewGrant(0)

	at, err := g.MintToken(c, session.MintSpec{
		SessionID: "u;;c;;g",
		TokenType: session.TypeAccessToken,
	})
	if err != nil {
		t.Fatalf("mint access token: %v", err)
	}
	if _, err := g.MintToken(c, session.MintSpec{
		SessionID: "u;;c;;g",
		TokenType: session.TypeRefreshToken,
		BasedOn:   at,
	}); err != session.ErrMintingNotAllowed {
		t.Fatalf("expected ErrMintingNotAllowed, got %v", err)
	}
}

func TestRefreshTokenMintsFullSet(t *testing.T) {
	c := testCodec(t)
	g := session.NewGrant(0)

	rt, err := g.MintToken(c, session.MintSpec{
		SessionID: "u;;c;;g",
		TokenType: session.TypeRefreshToken,
	})
	if err != nil {
		t.Fatalf("mint refresh token: %v", err)
	}
	for _, tt := range []string{
		session.TypeAccessToken, session.TypeRefreshToken, session.TypeIDToken,
	} {
		if _, err := g.MintToken(c, session.MintSpec{
			SessionID: "u;;c;;g",
			TokenType: tt,
			BasedOn:   rt,
		}); err != nil {
			t.Fatalf("mint %s from refresh token: %v", tt, err)
		}
	}
}

func TestRevokeTokenLeavesDerivedTokens(t *testing.T) {
	c := testCodec(t)
	g := session.NewGrant(0)

	rt, err := g.MintToken(c, session.MintSpec{
		SessionID: "u;;c;;g",
		TokenType: session.TypeRefreshToken,
	})
	if err != nil {
		t.Fatalf("mint refresh token: %v", err)
	}
	at, err := g.MintToken(c, session.MintSpec{
		SessionID: "u;;c;;g",
		TokenType: session.TypeAccessToken,
		BasedOn:   rt,
	})
	if err != nil {
		t.Fatalf("mint access token: %v", err)
	}

	if err := g.RevokeToken(rt.ID, false); err != nil {
		t.Fatalf("revoke refresh token: %v", err)
	}
	if !rt.Revoked {
		t.Fatalf("expected refresh token revoked")
	}
	if at.Revoked {
		t.Fatalf("derived access token must survive a single revocation")
	}
}

func TestRevokeTokenRecursiveCascades(t *testing.T) {
	c := testCodec(t)
	g := session.NewGrant(0)

	code, err := g.MintToken(c, session.MintSpec{
		SessionID: "u;;c;;g",
		TokenType: session.TypeAuthorizationCode,
	})
	if err != nil {
		t.Fatalf("mint code: %v", err)
	}
	at, err := g.MintToken(c, session.MintSpec{
		SessionID: "u;;c;;g",
		TokenType: session.TypeAccessToken,
		BasedOn:   code,
	})
	if err != nil {
		t.Fatalf("mint access token: %v", err)
	}
	standalone, err := g.MintToken(c, session.MintSpec{
		SessionID: "u;;c;;g",
		TokenType: session.TypeRefreshToken,
	})
	if err != nil {
		t.Fatalf("mint refresh token: %v", err)
	}

	if err := g.RevokeToken(code.ID, true); err != nil {
		t.Fatalf("revoke code: %v", err)
	}
	if !code.Revoked || !at.Revoked {
		t.Fatalf("expected code and derived access token revoked")
	}
	if standalone.Revoked {
		t.Fatalf("unrelated refresh token must stay live")
	}
}

func TestInactiveGrantRefusesMint(t *testing.T) {
	c := testCodec(t)
	g := session.NewGrant(0)
	g.Revoke()

	if _, err := g.MintToken(c, session.MintSpec{
		SessionID: "u;;c;;g",
		TokenType: session.TypeAccessToken,
	}); err != session.ErrGrantInactive {
		t.Fatalf("expected ErrGrantInactive, got %v", err)
	}
}

func TestGrantUsageRulesOverrideDefaults(t *testing.T) {
	c := testCodec(t)
	g := session.NewGrant(0)
	g.UsageRules = map[string]session.UsageRules{
		session.TypeAccessToken: {ExpiresIn: 60},
	}

	at, err := g.MintToken(c, session.MintSpec{
		SessionID: "u;;c;;g",
		TokenType: session.TypeAccessToken,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	ttl := time.Until(at.ExpiresAt)
	if ttl > time.Minute || ttl < 50*time.Second {
		t.Fatalf("expected ~60s ttl, got %v", ttl)
	}
}
