package backend

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/jrsteele09/go-session-manager/users"
)

// Endpoint paths served by the practice backend.
const (
	PathLogin    = "/auth/login"
	PathRegister = "/auth/register"
	PathRefresh  = "/auth/refresh"
	PathLogout   = "/auth/logout"
	PathMe       = "/auth/me"
)

// Tokens is the credential block of a login, registration or refresh response.
type Tokens struct {
	// AccessToken is the short-lived bearer credential.
	// Usage: "Authorization: Bearer <accessToken>" on every API call
	AccessToken string `json:"accessToken"`

	// RefreshToken is exchanged at /auth/refresh for a new pair. The backend may
	// rotate it on every use, so the returned value always replaces the old one.
	RefreshToken string `json:"refreshToken"`

	// ExpiresIn is the access token lifetime in seconds.
	// When absent the token's "exp" claim is used instead.
	ExpiresIn int `json:"expiresIn,omitempty"`

	// SessionID correlates the session on the backend; only sent back on logout.
	SessionID string `json:"sessionId,omitempty"`
}

// AuthResponse is returned by login, register and refresh.
type AuthResponse struct {
	User   users.User `json:"user"`
	Tokens Tokens     `json:"tokens"`
}

// ExpiresAt resolves the absolute expiry of the access token, relative to now.
func (r AuthResponse) ExpiresAt(now time.Time) (time.Time, error) {
	if r.Tokens.ExpiresIn > 0 {
		return now.Add(time.Duration(r.Tokens.ExpiresIn) * time.Second), nil
	}
	return TokenExpiry(r.Tokens.AccessToken)
}

// TokenExpiry reads the "exp" claim of a JWT without verifying it. The client is not
// the audience that validates the signature; it only needs to know when to renew.
func TokenExpiry(accessToken string) (time.Time, error) {
	token, _, err := jwtlib.NewParser().ParseUnverified(accessToken, jwtlib.MapClaims{})
	if err != nil {
		return time.Time{}, errors.Wrap(err, "[TokenExpiry] parse access token")
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, errors.Wrap(err, "[TokenExpiry] exp claim")
	}
	if exp == nil {
		return time.Time{}, errors.New("[TokenExpiry] access token has no expiry")
	}
	return exp.Time, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type logoutRequest struct {
	SessionID string `json:"sessionId,omitempty"`
}

type meResponse struct {
	User users.User `json:"user"`
}

// ErrorResponse is the body the backend sends with a non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}
