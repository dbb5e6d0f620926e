// Package session issues access tokens and rotates refresh tokens.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/atlasaccounts/atlas/internal/shared"
)

// AccessClaims are the claims carried by an access token. Generation is
// compared against the account's current value so a deactivation or
// refresh-rotation revokes outstanding tokens at their next use.
type AccessClaims struct {
	Role       shared.Role `json:"role"`
	Generation int64       `json:"gen"`
	jwt.RegisteredClaims
}

// ErrTokenInvalid covers malformed, mis-signed and expired access tokens.
var ErrTokenInvalid = errors.New("invalid access token")

// Signer mints and verifies HMAC-signed access tokens.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner constructs a Signer.
func NewSigner(secret, issuer string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Mint signs an access token for the account.
func (s *Signer) Mint(accountID string, role shared.Role, generation int64) (string, error) {
	now := s.now().UTC()
	claims := AccessClaims{
		Role:       role,
		Generation: generation,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("session: sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature, issuer and expiry of an access token.
func (s *Signer) Parse(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if !claims.Role.Valid() {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// TTL reports the configured access token lifetime.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}
