// Package auth issues and verifies the HS256 bearer tokens accepted by the
// sync endpoint.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripmark/tripsync/internal/common"
)

// Claims carries the authenticated user's ID alongside the registered
// claims.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// GenerateToken signs a token for userID valid for the given duration.
func GenerateToken(userID string, secretKey []byte, validity time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validity)),
		},
		UserID: userID,
	})
	return token.SignedString(secretKey)
}

// UserIDFromToken verifies the token and extracts the user ID.
func UserIDFromToken(tokenString string, secretKey []byte) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secretKey, nil
	})
	if errors.Is(err, jwt.ErrTokenExpired) {
		return "", common.ErrTokenExpired
	}
	if err != nil || !token.Valid {
		return "", common.ErrInvalidToken
	}
	if claims.UserID == "" {
		return "", common.ErrInvalidToken
	}
	return claims.UserID, nil
}
