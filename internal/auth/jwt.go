// Package auth validates the bearer tokens issued by the platform's identity service and
// exposes the authenticated user to handlers.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "companion"

type AccessClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

type JWTManager struct {
	accessSecret []byte
	accessExpiry time.Duration
}

func NewJWTManager(accessSecret string, accessExpiry time.Duration) *JWTManager {
	return &JWTManager{
		accessSecret: []byte(accessSecret),
		accessExpiry: accessExpiry,
	}
}

// GenerateAccessToken signs a token for userID. The service itself only validates tokens;
// this exists for the admin CLI and tests.
func (m *JWTManager) GenerateAccessToken(userID string) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.accessSecret)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

func (m *JWTManager) ValidateAccessToken(tokenStr string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &AccessClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.accessSecret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("parsing access token: %w", err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid access token claims")
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("access token has no user id")
	}

	return claims, nil
}
