// Package auth resolves bearer credentials to the user id that owns devices.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned for a missing, malformed, expired or revoked
// credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator maps a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// BearerToken extracts the credential from the Authorization header, falling
// back to the access_token query parameter used by browser websocket clients.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return ""
		}
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
