// Package auth issues and verifies the HS256 tokens a client presents when
// it joins sync channels over the wire.
package auth

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const issuer = "entsync"

var (
	// ErrNoSecret is returned by NewSigner for an empty secret.
	ErrNoSecret = errors.New("auth: empty secret")

	// ErrInvalidToken wraps every verification failure.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims identify the client behind a connection. Topics, when non-empty,
// limits which topics the client may join.
type Claims struct {
	Topics []string `json:"topics,omitempty"`
	gojwt.RegisteredClaims
}

// Allows reports whether the claims permit joining topic.
func (c *Claims) Allows(topic string) bool {
	if len(c.Topics) == 0 {
		return true
	}
	for _, t := range c.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Signer issues and verifies tokens with one shared secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a signer for secret.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// Issue returns a signed token for subject, valid for ttl (no expiry when
// ttl is zero).
func (s *Signer) Issue(subject string, ttl time.Duration, topics ...string) (string, error) {
	now := s.now()
	claims := Claims{
		Topics: topics,
		RegisteredClaims: gojwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  subject,
			IssuedAt: gojwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = gojwt.NewNumericDate(now.Add(ttl))
	}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verify checks the signature, issuer and expiry of token.
func (s *Signer) Verify(token string) (*Claims, error) {
	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithIssuer(issuer),
		gojwt.WithTimeFunc(s.now),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(token, claims, func(*gojwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
