// Package token signs and verifies the long-lived session tokens
// that reconnect a client to its durable user row.
package token

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// Signer mints and reads HMAC-signed session tokens.
type Signer struct {
	secret []byte
}

type sessionClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
}

// NewSigner builds a signer over the shared signing secret.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("token: signing secret required")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Create signs a token for the user id. World session tokens carry no
// expiry; revocation happens by rotating the secret.
func (s *Signer) Create(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("token: user id required")
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{UserID: userID})
	return tok.SignedString(s.secret)
}

// Read verifies a token and returns the user id it carries.
func (s *Signer) Read(raw string) (string, error) {
	var claims sessionClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("token: unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !tok.Valid || claims.UserID == "" {
		return "", errors.New("token: invalid token")
	}
	return claims.UserID, nil
}
