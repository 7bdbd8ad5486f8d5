// Package auth verifies the credential presented on the live channel
// handshake and on authenticated HTTP routes. Tokens are HS256 JWTs minted
// by the platform's identity service.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingToken         = errors.New("auth: token required")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrExpiredToken         = errors.New("auth: token expired")
	ErrMissingUser          = errors.New("auth: user id claim required")
)

// Claims mirrors the JWT payload issued to signed-in users.
type Claims struct {
	UserID          int64  `json:"userId"`
	Email           string `json:"email,omitempty"`
	Nickname        string `json:"nickname"`
	ProfileImageURL string `json:"profile_image_url,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the verified user attached to a connection or request.
type Identity struct {
	UserID      int64
	DisplayName string
	AvatarURL   string
}

// VerifierConfig describes how to validate tokens. An empty Issuer disables
// the issuer check.
type VerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// TokenVerifier validates HS256 user tokens.
type TokenVerifier struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewTokenVerifier constructs a verifier with the provided configuration.
func NewTokenVerifier(cfg VerifierConfig) (*TokenVerifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        strings.TrimSpace(cfg.Issuer),
		clock:         clock,
	}, nil
}

// Verify validates the token string and returns the identity it carries.
func (v *TokenVerifier) Verify(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.signingSecret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.UserID <= 0 {
		return Identity{}, ErrMissingUser
	}
	return Identity{
		UserID:      claims.UserID,
		DisplayName: strings.TrimSpace(claims.Nickname),
		AvatarURL:   strings.TrimSpace(claims.ProfileImageURL),
	}, nil
}
