package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNoJWKS       = errors.New("no JWKS URL provided")
)

// SessionClaims is the shape of the cookie-encoded session the external
// auth collaborator issues: a user identity plus the organization the
// session is currently acting as.
type SessionClaims struct {
	Sub                  string `json:"sub"`
	UserID               string `json:"user_id"`
	ActiveOrganizationID string `json:"active_organization_id"`
	jwt.RegisteredClaims
}

// SessionValidator decodes a session cookie into its claims.
type SessionValidator interface {
	ValidateSession(cookieValue string) (SessionClaims, error)
}
