package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthenticated marks authentication failures caused by the caller's
// credentials. Other errors from an Authenticator mean the check itself
// could not be performed.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator decides who is calling before a connection is upgraded or
// a request is served.
type Authenticator interface {
	// Authenticate returns the caller's user id, or an error wrapping
	// ErrUnauthenticated when the credentials are missing or invalid.
	Authenticate(r *http.Request) (string, error)
}

// Verifier authenticates requests in order of preference: an existing
// cookie session, an Authorization bearer token, then a token query
// parameter. The query parameter exists because browser WebSocket clients
// cannot set headers.
type Verifier struct {
	Validator *JWTValidator
	Sessions  *SessionManager
}

// Authenticate implements Authenticator.
func (v *Verifier) Authenticate(r *http.Request) (string, error) {
	if v.Sessions != nil {
		if session := v.Sessions.GetSessionFromRequest(r); session != nil {
			return session.UserID, nil
		}
	}

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", fmt.Errorf("%w: no credentials presented", ErrUnauthenticated)
	}

	if v.Validator == nil {
		return "", errors.New("jwt validator not configured")
	}

	claims, err := v.Validator.Validate(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return claims.Subject, nil
}

// Static authenticates every request as a fixed user. Used when
// authentication is disabled.
type Static struct {
	UserID string
}

// Authenticate implements Authenticator.
func (s Static) Authenticate(*http.Request) (string, error) {
	return s.UserID, nil
}

// bearerToken extracts a bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
