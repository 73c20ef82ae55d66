// Package auth resolves the optional bearer credential presented on the
// WebSocket handshake into a user identifier.
package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidToken is returned when the token is malformed or carries a bad signature.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrMissingUser is returned when a valid token carries no user identifier.
	ErrMissingUser = errors.New("token carries no user id")
)

// Claims are the JWT claims the REST layer signs for socket clients. The user
// identifier is read from userId, then user_id, then the registered subject.
type Claims struct {
	UserID    string `json:"userId,omitempty"`
	LegacyID  string `json:"user_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) userID() string {
	switch {
	case c.UserID != "":
		return c.UserID
	case c.LegacyID != "":
		return c.LegacyID
	default:
		return c.Subject
	}
}

// Resolver validates HS256 tokens with the shared signing secret.
type Resolver struct {
	secret []byte
	log    *logrus.Entry
}

// NewResolver creates a Resolver. An empty secret makes every connection anonymous.
func NewResolver(secret string) *Resolver {
	log := logrus.WithField("comp", "auth")
	if secret == "" {
		log.Warn("no JWT secret configured, all socket connections will be anonymous")
	}
	return &Resolver{secret: []byte(secret), log: log}
}

// Resolve returns the user carried by rawToken. Any failure yields ("", false);
// the caller proceeds with an anonymous connection.
func (r *Resolver) Resolve(rawToken string) (string, bool) {
	if rawToken == "" {
		return "", false
	}

	claims, err := r.Validate(rawToken)
	if err != nil {
		r.log.WithError(err).Debug("socket token rejected, continuing anonymously")
		return "", false
	}
	return claims.userID(), true
}

// Validate parses and verifies rawToken and returns its claims.
func (r *Resolver) Validate(rawToken string) (*Claims, error) {
	if len(r.secret) == 0 {
		return nil, errors.Wrap(ErrInvalidToken, "no signing secret configured")
	}
	if rawToken == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(rawToken, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return r.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.userID() == "" {
		return nil, ErrMissingUser
	}
	return claims, nil
}
