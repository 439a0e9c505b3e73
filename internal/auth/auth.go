// Package auth resolves connection and request identities. Token issuance
// lives outside this service; tokens are configured statically.
package auth

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/planroom/internal/apperr"
)

type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type Resolver interface {
	Resolve(token string) (Identity, bool)
}

// StaticTokens maps bearer tokens to identities.
type StaticTokens map[string]Identity

func (s StaticTokens) Resolve(token string) (Identity, bool) {
	if token == "" {
		return Identity{}, false
	}
	id, ok := s[token]
	return id, ok
}

// BearerToken extracts the token from an Authorization header, falling back
// to the token query parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.URL.Query().Get("token")
}

// RequireUser resolves the caller of a mutating REST request.
func RequireUser(res Resolver, r *http.Request) (Identity, error) {
	token := BearerToken(r)
	if token == "" {
		return Identity{}, apperr.ErrUnauthorized
	}
	id, ok := res.Resolve(token)
	if !ok {
		return Identity{}, apperr.ErrUnauthorized.WithDetails("unknown token")
	}
	return id, nil
}

// ForSocket picks the identity for a websocket connection: a valid token
// wins, then explicit user/username query parameters, then a fresh guest.
func ForSocket(res Resolver, r *http.Request) Identity {
	if res != nil {
		if id, ok := res.Resolve(BearerToken(r)); ok {
			return id
		}
	}
	q := r.URL.Query()
	if user := q.Get("user"); user != "" {
		name := q.Get("username")
		if name == "" {
			name = user
		}
		return Identity{UserID: user, DisplayName: name}
	}
	return Guest()
}

func Guest() Identity {
	id := uuid.NewString()
	return Identity{UserID: id, DisplayName: "Guest-" + id[:6]}
}
