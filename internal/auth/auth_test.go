package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssueAndParse(t *testing.T) {
	s, err := NewSigner(testSecret, "homebase")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, expires, err := s.Issue("user-42", 30*time.Minute, true)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expected future expiration, got %v", expires)
	}
	claims, err := s.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "user-42" || !claims.MFA || claims.ID == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseRejects(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, _ := NewSigner(testSecret, "homebase", WithClock(func() time.Time { return now }))
	other, _ := NewSigner(testSecret, "someone-else", WithClock(func() time.Time { return now }))
	wrongKey, _ := NewSigner("ffffffffffffffffffffffffffffffff", "homebase", WithClock(func() time.Time { return now }))

	expired, _, _ := s.Issue("u", time.Minute, false)
	foreign, _, _ := other.Issue("u", time.Hour, false)
	forged, _, _ := wrongKey.Issue("u", time.Hour, false)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u", Issuer: "homebase"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	now = now.Add(2 * time.Minute)
	for name, tok := range map[string]string{
		"empty":   "",
		"garbage": "abc.def.ghi",
		"expired": expired,
		"issuer":  foreign,
		"key":     forged,
		"none":    none,
	} {
		if _, err := s.Parse(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestNewSignerValidatesSecret(t *testing.T) {
	if _, err := NewSigner("", "homebase"); err == nil {
		t.Fatalf("expected missing secret error")
	}
	if _, err := NewSigner("short", "homebase"); err == nil {
		t.Fatalf("expected short secret error")
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := ContextWithPrincipal(context.Background(), Principal{UserID: "u1", MFA: true})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.UserID != "u1" || !p.MFA {
		t.Fatalf("unexpected principal: %+v ok=%v", p, ok)
	}
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatalf("expected no principal")
	}
}
