package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/store"
	"github.com/echochat/backend/go/internal/v1/types"
)

// Claims is the JWT payload for both access and refresh tokens.
type Claims struct {
	SessionID string `json:"sid"`
	Kind      string `json:"kind"`
	IsAdmin   bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair bundles the tokens handed to a client after login or rotation.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// minter signs and parses HS256 tokens with the shared secret.
type minter struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func newMinter(secret string, accessTTL, refreshTTL time.Duration) *minter {
	return &minter{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// mint signs one token and returns its record for the token table.
func (m *minter) mint(user types.UserID, session types.SessionID, kind string, admin bool) (string, *store.AuthToken, error) {
	now := time.Now().UTC()
	ttl := m.accessTTL
	if kind == store.TokenKindRefresh {
		ttl = m.refreshTTL
	}
	jti := uuid.NewString()

	claims := Claims{
		SessionID: string(session),
		Kind:      kind,
		IsAdmin:   admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user),
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "echochat",
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, errs.Wrap(errs.KindInternal, "token signing failed", err)
	}
	record := &store.AuthToken{
		JTI:       jti,
		SessionID: string(session),
		Kind:      kind,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	return signed, record, nil
}

// parse verifies signature, algorithm, and expiry, and returns the claims.
func (m *minter) parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer("echochat"))
	if err != nil || !parsed.Valid {
		return nil, errs.Wrap(errs.KindUnauthorized, "invalid token", err)
	}
	return claims, nil
}
