// Package auth issues and validates the bearer tokens editors present to
// the HTTP API. Tokens are provisioned out of band; there is no
// interactive login flow.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 12 * time.Hour
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// EditorClaims is the token payload: the registered claims plus the
// editor's display name.
type EditorClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the editor token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates editor JWTs.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueEditorToken produces a signed JWT and its expiry (seconds) for the
// given editor identity.
func (i *TokenIssuer) IssueEditorToken(_ context.Context, userID string, displayName string) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if userID == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := EditorClaims{
		Name: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the editor JWT is well formed and returns the
// subject and display name.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, string, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", "", errMissingSigningSecret
	}

	claims := &EditorClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", "", err
	}
	if claims.Subject == "" {
		return "", "", errMissingSubjectClaim
	}
	return claims.Subject, claims.Name, nil
}
