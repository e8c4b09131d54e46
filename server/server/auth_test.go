package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type staticResolver map[string]string

func (r staticResolver) ResolveDeviceToken(_ context.Context, token string) (string, error) {
	if id, ok := r[token]; ok {
		return id, nil
	}
	return "", errors.New("no such device")
}

func testJWTConfig() JWTConfig {
	return JWTConfig{Secret: []byte("test-secret"), Issuer: "signagehub", Audience: "signagehub-admin"}
}

func TestAuthenticateDevice(t *testing.T) {
	auth := NewAuthenticator(staticResolver{"tok-1": "kiosk-1"}, testJWTConfig())

	id, err := auth.AuthenticateDevice(context.Background(), "tok-1")
	if err != nil || id != "kiosk-1" {
		t.Fatalf("resolve = %q, %v", id, err)
	}

	if _, err := auth.AuthenticateDevice(context.Background(), "tok-bogus"); !errors.Is(err, ErrUnknownDeviceToken) {
		t.Fatalf("err = %v, want ErrUnknownDeviceToken", err)
	}
	if _, err := auth.AuthenticateDevice(context.Background(), ""); !errors.Is(err, ErrUnknownDeviceToken) {
		t.Fatalf("empty token err = %v, want ErrUnknownDeviceToken", err)
	}
}

func TestAdminTokenRoundTrip(t *testing.T) {
	auth := NewAuthenticator(nil, testJWTConfig())

	token, err := auth.MintAdminToken("alice", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	username, err := auth.AuthenticateAdmin(token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if username != "alice" {
		t.Fatalf("username = %q, want alice", username)
	}
}

func TestAdminTokenRejections(t *testing.T) {
	cfg := testJWTConfig()
	auth := NewAuthenticator(nil, cfg)

	mint := func(claims jwt.RegisteredClaims, secret []byte) string {
		t.Helper()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return token
	}
	base := jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    cfg.Issuer,
		Audience:  jwt.ClaimStrings{cfg.Audience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"wrong secret": mint(base, []byte("other-secret")),
	}

	expired := base
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	cases["expired"] = mint(expired, cfg.Secret)

	wrongIssuer := base
	wrongIssuer.Issuer = "someone-else"
	cases["wrong issuer"] = mint(wrongIssuer, cfg.Secret)

	wrongAudience := base
	wrongAudience.Audience = jwt.ClaimStrings{"other-api"}
	cases["wrong audience"] = mint(wrongAudience, cfg.Secret)

	noExpiry := base
	noExpiry.ExpiresAt = nil
	cases["no expiry"] = mint(noExpiry, cfg.Secret)

	noSubject := base
	noSubject.Subject = ""
	cases["no subject"] = mint(noSubject, cfg.Secret)

	for name, token := range cases {
		if _, err := auth.AuthenticateAdmin(token); !errors.Is(err, ErrBadAdminToken) {
			t.Errorf("%s: err = %v, want ErrBadAdminToken", name, err)
		}
	}
}
