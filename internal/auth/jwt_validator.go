package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/lestrrat-go/jwx/jwk"
)

// JWTSessionValidator decodes the cookie-encoded session the external auth
// collaborator issues. In development (no JWKS URL configured) it parses
// the token without signature verification.
type JWTSessionValidator struct {
	keySet  jwk.Set
	jwksURL string
	devMode bool
}

// NewSessionValidator creates a session validator backed by jwksURL. An
// empty jwksURL selects development mode (unverified parse).
func NewSessionValidator(jwksURL string) (SessionValidator, error) {
	if jwksURL == "" {
		return &JWTSessionValidator{devMode: true}, nil
	}

	keySet, err := jwk.Fetch(context.Background(), jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWTSessionValidator{keySet: keySet, jwksURL: jwksURL}, nil
}

// RefreshKeys re-fetches the JWKS from the configured URL.
func (v *JWTSessionValidator) RefreshKeys() error {
	if v.jwksURL == "" {
		return ErrNoJWKS
	}
	keySet, err := jwk.Fetch(context.Background(), v.jwksURL)
	if err != nil {
		return fmt.Errorf("failed to refresh JWKS from %s: %w", v.jwksURL, err)
	}
	v.keySet = keySet
	return nil
}

// ValidateSession decodes the session cookie and returns its claims.
func (v *JWTSessionValidator) ValidateSession(cookieValue string) (SessionClaims, error) {
	if v.devMode {
		return v.parseUnverified(cookieValue)
	}
	return v.parseVerified(cookieValue)
}

func (v *JWTSessionValidator) parseUnverified(cookieValue string) (SessionClaims, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(cookieValue, &SessionClaims{})
	if err != nil {
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || claims.Sub == "" {
		return SessionClaims{}, fmt.Errorf("%w: no subject in session claims", ErrInvalidToken)
	}
	return *claims, nil
}

func (v *JWTSessionValidator) parseVerified(cookieValue string) (SessionClaims, error) {
	if v.keySet == nil {
		return SessionClaims{}, ErrNoJWKS
	}

	header, _, err := new(jwt.Parser).ParseUnverified(cookieValue, &SessionClaims{})
	if err != nil {
		return SessionClaims{}, fmt.Errorf("%w: failed to parse session header: %v", ErrInvalidToken, err)
	}

	kid, ok := header.Header["kid"].(string)
	if !ok {
		return SessionClaims{}, fmt.Errorf("%w: session header missing kid", ErrInvalidToken)
	}

	key, found := v.keySet.LookupKeyID(kid)
	if !found {
		if err := v.RefreshKeys(); err != nil {
			return SessionClaims{}, fmt.Errorf("%w: key %s not found and refresh failed: %v", ErrInvalidToken, kid, err)
		}
		key, found = v.keySet.LookupKeyID(kid)
		if !found {
			return SessionClaims{}, fmt.Errorf("%w: key %s not found after refresh", ErrInvalidToken, kid)
		}
	}

	var rawKey interface{}
	if err := key.Raw(&rawKey); err != nil {
		return SessionClaims{}, fmt.Errorf("%w: failed to get raw key: %v", ErrInvalidToken, err)
	}

	validated, err := jwt.ParseWithClaims(cookieValue, &SessionClaims{}, func(*jwt.Token) (interface{}, error) {
		return rawKey, nil
	})
	if err != nil {
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := validated.Claims.(*SessionClaims)
	if !ok || !validated.Valid {
		return SessionClaims{}, ErrInvalidToken
	}
	if !claims.VerifyExpiresAt(time.Now(), true) {
		return SessionClaims{}, ErrExpiredToken
	}

	return *claims, nil
}
