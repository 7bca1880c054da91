package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/campaignhub/convsync/internal/chat"
)

// ErrUnauthorized is returned when a request carries no usable credential.
var ErrUnauthorized = errors.New("relay: unauthorized")

// Identity is the authenticated caller of a request or connection.
type Identity struct {
	UserID string
	Role   chat.Role
}

// Authenticator resolves the caller of an HTTP request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// TokenAuthenticator accepts development bearer tokens of the form
// "<userID>:<ROLE>", e.g. "adv1:ADVERTISER". It performs no verification
// and must not be exposed outside development.
type TokenAuthenticator struct{}

// Authenticate parses the Authorization header.
func (TokenAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return Identity{}, ErrUnauthorized
	}
	return ParseToken(token)
}

// ParseToken parses a "<userID>:<ROLE>" development token.
func ParseToken(token string) (Identity, error) {
	userID, role, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok || chat.ValidateID(userID) != nil {
		return Identity{}, ErrUnauthorized
	}
	id := Identity{UserID: userID, Role: chat.Role(strings.ToUpper(role))}
	if !id.Role.Valid() {
		return Identity{}, ErrUnauthorized
	}
	return id, nil
}

type contextKey string

const identityKey contextKey = "identity"

// withIdentity stores id in ctx.
func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext extracts the caller stored by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// requireAuth rejects requests the authenticator does not accept and stores
// the identity of the rest in the request context.
func requireAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := auth.Authenticate(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}
