package client

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agoranews/agora-live/internal/auth"
)

// TokenMinter signs user tokens the way the identity service does, so
// simulated users pass the handshake gate.
type TokenMinter struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// Mint returns a signed HS256 token for userID.
func (m TokenMinter) Mint(userID int64, nickname string) (string, error) {
	ttl := m.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := auth.Claims{
		UserID:   userID,
		Nickname: nickname,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
