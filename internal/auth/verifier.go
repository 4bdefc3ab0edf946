package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningKey = errors.New("token verifier: signing key required")
	ErrMissingToken      = errors.New("token verifier: token required")
	ErrInvalidToken      = errors.New("token verifier: invalid token")
	ErrExpiredToken      = errors.New("token verifier: token expired")
	ErrMissingSubject    = errors.New("token verifier: subject required")
)

// Identity describes the authenticated principal attached to a connection.
// It is populated once at connect time and immutable afterwards.
type Identity struct {
	UserID         string
	Email          string
	Name           string
	Role           string
	OrganizationID string
}

// DisplayName returns the identity's name, falling back to the email address.
func (i Identity) DisplayName() string {
	if strings.TrimSpace(i.Name) != "" {
		return i.Name
	}
	return i.Email
}

// AccessClaims mirrors the JWT payload emitted by the auth service.
type AccessClaims struct {
	UserID         string `json:"userId"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	Role           string `json:"role"`
	OrganizationID string `json:"organizationId"`
	jwt.RegisteredClaims
}

// TokenVerifierConfig describes how to validate auth-service-issued JWTs.
type TokenVerifierConfig struct {
	SigningSecret []byte
	Clock         func() time.Time
}

// TokenVerifier validates HS256 access tokens issued by the auth service.
// Token issuance lives in the auth service; this side only verifies.
type TokenVerifier struct {
	signingSecret []byte
	clock         func() time.Time
}

// NewTokenVerifier constructs a verifier with the provided configuration.
func NewTokenVerifier(cfg TokenVerifierConfig) (*TokenVerifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		clock:         clock,
	}, nil
}

// Verify validates the supplied JWT string and returns the caller identity.
func (v *TokenVerifier) Verify(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return Identity{}, ErrMissingSubject
	}

	return Identity{
		UserID:         claims.UserID,
		Email:          claims.Email,
		Name:           claims.Name,
		Role:           claims.Role,
		OrganizationID: claims.OrganizationID,
	}, nil
}
