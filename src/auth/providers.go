package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StaticProvider always hands out the same token.
type StaticProvider struct {
	Value  string
	Expiry time.Time
}

func (p StaticProvider) Token(context.Context, bool) (Token, error) {
	if p.Value == "" {
		return Token{}, errors.New("no token configured")
	}
	return Token{Value: p.Value, Expiry: p.Expiry}, nil
}

// Claims is the claim set of tokens minted by HMACProvider and verified
// by the dev relay.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// HMACProvider mints HS256 tokens for a fixed identity. It stands in
// for the external identity service in tooling and tests.
type HMACProvider struct {
	Secret   []byte
	UserID   string
	Email    string
	Name     string
	Lifetime time.Duration
	Now      func() time.Time
}

func (p *HMACProvider) Token(context.Context, bool) (Token, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	lifetime := p.Lifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	issued := now()
	expiry := issued.Add(lifetime)
	raw, err := Sign(p.Secret, Claims{
		Email: p.Email,
		Name:  p.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	})
	if err != nil {
		return Token{}, err
	}
	return Token{Value: raw, Expiry: expiry}, nil
}

// Sign produces an HS256 token for claims.
func Sign(secret []byte, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify parses and validates an HS256 token.
func Verify(secret []byte, raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}
