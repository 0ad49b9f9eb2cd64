package feedsync

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims is the subset of the access token claims we read.
type sessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func parseSession(token string) (*sessionClaims, error) {
	var claims sessionClaims
	// The signature is checked by the service on every call; locally we only
	// need the identity, including while offline.
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	return &claims, nil
}

// TokenIdentity extracts the user id (sub) and email from an access token.
func TokenIdentity(token string) (*User, error) {
	claims, err := parseSession(token)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("access token has no subject")
	}
	return &User{ID: claims.Subject, Email: claims.Email}, nil
}

// TokenExpiry returns the exp claim of an access token.
// The zero time means the token carries no expiry.
func TokenExpiry(token string) (time.Time, error) {
	claims, err := parseSession(token)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
