package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWT verifies HS256 tokens. The subject claim is the user id.
type JWT struct {
	secret []byte
	issuer string
	leeway time.Duration
}

func NewJWT(secret, issuer string) (*JWT, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt: secret is required")
	}
	return &JWT{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}, nil
}

func (a *JWT) Authenticate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return sub, nil
}

// Issue signs a token for userID. Used by devicectl and tests.
func (a *JWT) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
