package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceClaims identifies an internal producer (a dialogue agent or the
// inbound webhook service) calling the enqueue API.
type ServiceClaims struct {
	Service string `json:"service"`
	jwt.RegisteredClaims
}

// TokenVerifier validates service tokens on the producer API.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates a service token, returning its claims.
func (v *TokenVerifier) Verify(tokenString string) (*ServiceClaims, error) {
	claims := &ServiceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid service token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid service token")
	}
	if claims.Service == "" {
		return nil, fmt.Errorf("service token missing service claim")
	}
	return claims, nil
}

// Issue creates a service token; used by provisioning scripts and tests.
func (v *TokenVerifier) Issue(service string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &ServiceClaims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
