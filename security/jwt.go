// Package security provides the admin surface's token service: HS256 JWTs
// issued for operator identities and validated on every protected request,
// built on the lestrrat-go/jwx library.
package security

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWTService generates and validates HS256-signed JWTs. One instance is
// shared between the token-issuance endpoint and the route middleware so
// both sides agree on the signing key.
type JWTService struct {
	secret []byte
}

// NewJWTService initializes a JWTService around the shared signing secret.
func NewJWTService(secret string) *JWTService {
	return &JWTService{
		secret: []byte(secret),
	}
}

// GenerateToken creates a signed JWT with userID as the subject, valid for
// the given duration. Standard claims set: sub, iat, exp.
func (j *JWTService) GenerateToken(userID string, expiration time.Duration) (string, error) {
	now := time.Now()

	token, err := jwt.NewBuilder().
		Subject(userID).
		IssuedAt(now).
		Expiration(now.Add(expiration)).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

// ValidateToken parses and verifies a signed JWT, checking the signature
// and the standard time claims. Returns the parsed token so callers can
// read the subject.
func (j *JWTService) ValidateToken(tokenString string) (jwt.Token, error) {
	token, err := jwt.Parse([]byte(tokenString),
		jwt.WithKey(jwa.HS256, j.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	return token, nil
}
