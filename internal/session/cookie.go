package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidCookie is returned when a session cookie cannot be verified.
var ErrInvalidCookie = errors.New("invalid session cookie")

const cookieIssuer = "cluster-session-broker"

// Cookie signs session IDs so clients cannot forge or guess them.
type Cookie struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewCookie creates a session cookie signer
func NewCookie(secret string, ttl time.Duration) *Cookie {
	return &Cookie{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// NewSessionID returns a fresh random session ID.
func NewSessionID() string {
	return uuid.NewString()
}

// Sign returns the cookie value carrying sessionID.
func (c *Cookie) Sign(sessionID string) (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    cookieIssuer,
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session cookie: %w", err)
	}
	return signed, nil
}

// Verify returns the session ID carried by a cookie value.
func (c *Cookie) Verify(value string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(value, claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cookieIssuer),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCookie, err)
	}
	if claims.Subject == "" {
		return "", ErrInvalidCookie
	}
	return claims.Subject, nil
}
