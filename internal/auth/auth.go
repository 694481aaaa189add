package auth

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the JWT claims. Attributes carry the ownership keys
// row-level rules compare against, such as customer_id or technician_id.
type Claims struct {
	jwt.RegisteredClaims
	Role       string         `json:"role"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

const AccessTokenTTL = 15 * time.Minute

// GenerateAccessToken creates a signed HS256 JWT. The identity provider
// issues real tokens; this is used by tests and local tooling.
func GenerateAccessToken(userID, role string, attributes map[string]any, secret string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = AccessTokenTTL
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:       role,
		Attributes: attributes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken validates and parses a JWT, returning the claims.
func ParseAccessToken(tokenStr string, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" || claims.Role == "" {
		return nil, errors.New("token is missing subject or role")
	}
	claims.Attributes = normalizeAttributes(claims.Attributes)
	return claims, nil
}

// normalizeAttributes turns whole JSON numbers back into int64 so they bind
// cleanly against integer key columns.
func normalizeAttributes(attrs map[string]any) map[string]any {
	for k, v := range attrs {
		if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			attrs[k] = int64(f)
		}
	}
	return attrs
}
