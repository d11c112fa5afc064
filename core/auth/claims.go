package auth

import (
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-portal/core/user"
)

// ErrOpaqueToken is returned by Inspect for credentials that are not JWTs.
var ErrOpaqueToken = errors.New("opaque token")

// Claims are the claims the portal reads from a JWT credential.
// The signature is never verified here: the remote API owns the signing key.
type Claims struct {
	jwt.StandardClaims
	UserID   string `json:"id,omitempty"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

// UserRole returns the parsed role claim.
func (c Claims) UserRole() user.Role {
	return user.ParseRole(c.Role)
}

// SubjectID returns the id of the credential's user.
func (c Claims) SubjectID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Inspect decodes a JWT credential without verifying its signature.
func Inspect(token string) (*Claims, error) {
	claims := new(Claims)
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return nil, ErrOpaqueToken
	}
	return claims, nil
}

// Expired reports whether token is a JWT whose expiry is past. Opaque tokens never expire client-side.
func Expired(token string, now time.Time) bool {
	claims, err := Inspect(token)
	if err != nil {
		return false
	}
	return claims.ExpiresAt != 0 && now.Unix() >= claims.ExpiresAt
}
