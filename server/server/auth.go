package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnknownDeviceToken rejects a device handshake whose token
	// resolves to no provisioned device.
	ErrUnknownDeviceToken = errors.New("unknown device token")

	// ErrBadAdminToken rejects an admin socket whose access token fails
	// signature, issuer, audience or expiry checks.
	ErrBadAdminToken = errors.New("invalid admin token")
)

// DeviceTokenResolver maps a persistent device token to its canonical
// deviceId. Backed by the device store in production, by fakes in tests.
type DeviceTokenResolver interface {
	ResolveDeviceToken(ctx context.Context, token string) (string, error)
}

// JWTConfig holds the shared-secret parameters for admin access tokens.
// The same token family serves the REST API and the gateway.
type JWTConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
}

// Authenticator validates both peer kinds before registration.
type Authenticator struct {
	resolver DeviceTokenResolver
	jwt      JWTConfig
}

func NewAuthenticator(resolver DeviceTokenResolver, cfg JWTConfig) *Authenticator {
	return &Authenticator{resolver: resolver, jwt: cfg}
}

// AuthenticateDevice resolves a device token. Called before the socket
// upgrade; failure is a handshake-level rejection.
func (a *Authenticator) AuthenticateDevice(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnknownDeviceToken
	}
	deviceID, err := a.resolver.ResolveDeviceToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownDeviceToken, err)
	}
	return deviceID, nil
}

// AuthenticateAdmin validates an admin access token and returns the
// username. Called after the upgrade because browsers cannot attach
// custom auth headers to cross-origin WebSocket handshakes.
func (a *Authenticator) AuthenticateAdmin(token string) (string, error) {
	if token == "" {
		return "", ErrBadAdminToken
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return a.jwt.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.jwt.Issuer),
		jwt.WithAudience(a.jwt.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadAdminToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrBadAdminToken)
	}
	return claims.Subject, nil
}

// MintAdminToken issues a short-lived access token for username.
func (a *Authenticator) MintAdminToken(username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    a.jwt.Issuer,
		Audience:  jwt.ClaimStrings{a.jwt.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwt.Secret)
}
